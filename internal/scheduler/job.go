// Package scheduler runs the due-date scan and notification dispatch, either
// on demand or once a day from a background poll loop.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bryan-buckman/certminder/internal/model"
	"github.com/bryan-buckman/certminder/internal/notify"
)

// Scanner returns the reminders due on a given day.
type Scanner interface {
	Scan(today time.Time) ([]model.Reminder, error)
}

// Job scans for due reminders and hands them to the requested dispatchers.
type Job struct {
	scanner     Scanner
	dispatchers map[string]notify.Dispatcher
	log         logrus.FieldLogger
}

// Result describes one check run.
type Result struct {
	RunID     string
	Due       []model.Reminder
	Delivered map[string]bool
}

// NewJob creates a job over the given dispatchers, keyed by channel name.
func NewJob(scanner Scanner, log logrus.FieldLogger, dispatchers ...notify.Dispatcher) *Job {
	byChannel := make(map[string]notify.Dispatcher, len(dispatchers))
	for _, d := range dispatchers {
		byChannel[d.Channel()] = d
	}
	return &Job{scanner: scanner, dispatchers: byChannel, log: log}
}

// Has reports whether a dispatcher is registered for channel.
func (j *Job) Has(channel string) bool {
	_, ok := j.dispatchers[channel]
	return ok
}

// Run scans for reminders due on today and, when any are due, sends them to
// each channel. Dispatch failures are recorded in Result.Delivered; only a
// scan failure or an unknown channel is returned as an error.
func (j *Job) Run(ctx context.Context, today time.Time, channels ...string) (*Result, error) {
	for _, ch := range channels {
		if !j.Has(ch) {
			return nil, fmt.Errorf("unknown channel %q", ch)
		}
	}
	res := &Result{RunID: uuid.NewString(), Delivered: make(map[string]bool)}
	log := j.log.WithField("run_id", res.RunID)

	due, err := j.scanner.Scan(today)
	if err != nil {
		log.WithError(err).Error("scan failed")
		return nil, err
	}
	res.Due = due
	if len(due) == 0 {
		log.Info("no reminders due")
		return res, nil
	}

	log.WithField("count", len(due)).Info("reminders due")
	for _, ch := range channels {
		res.Delivered[ch] = j.dispatchers[ch].Send(ctx, due)
		if !res.Delivered[ch] {
			log.WithField("channel", ch).Warn("dispatch failed")
		}
	}
	return res, nil
}
