package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is how often the runner checks the clock.
const DefaultPollInterval = time.Minute

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	At           TimeOfDay
	PollInterval time.Duration
	Channels     []string
}

// Runner fires the job once a day at a fixed local time. It wakes every poll
// interval and fires when the scheduled time has passed; days missed while
// the process was down are not replayed.
type Runner struct {
	job      *Job
	opts     RunnerOptions
	log      logrus.FieldLogger
	now      func() time.Time
	next     time.Time
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRunner creates a daily runner.
func NewRunner(job *Job, opts RunnerOptions, log logrus.FieldLogger) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Runner{
		job:      job,
		opts:     opts,
		log:      log.WithField("component", "scheduler"),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start begins the polling loop.
func (r *Runner) Start() {
	r.next = r.opts.At.Next(r.now())
	r.log.WithFields(logrus.Fields{
		"at":       r.opts.At.String(),
		"channels": r.opts.Channels,
		"next_run": r.next.Format(time.RFC3339),
	}).Info("scheduler started")

	ctx, cancel := context.WithCancel(context.Background())
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		ticker := time.NewTicker(r.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()

	// Cancel in-flight dispatches on Stop.
	go func() {
		<-r.stopChan
		cancel()
	}()
}

// Stop stops the runner and waits for an in-flight run to finish.
func (r *Runner) Stop() {
	close(r.stopChan)
	r.wg.Wait()
	r.log.Info("scheduler stopped")
}

// tick runs the job if the scheduled time has been reached and reports
// whether it fired.
func (r *Runner) tick(ctx context.Context) bool {
	now := r.now()
	if now.Before(r.next) {
		return false
	}
	r.next = r.opts.At.Next(now)

	defer func() {
		if p := recover(); p != nil {
			r.log.WithField("panic", p).Error("scheduled run panicked")
		}
	}()
	res, err := r.job.Run(ctx, now, r.opts.Channels...)
	if err != nil {
		r.log.WithError(err).Error("scheduled run failed")
		return true
	}
	r.log.WithFields(logrus.Fields{
		"run_id":    res.RunID,
		"due":       len(res.Due),
		"delivered": res.Delivered,
		"next_run":  r.next.Format(time.RFC3339),
	}).Info("scheduled run finished")
	return true
}
