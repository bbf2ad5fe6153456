// Package due selects reminders whose notice window is open.
package due

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bryan-buckman/certminder/internal/model"
)

// Lister is the part of the store the scanner reads from.
type Lister interface {
	ListReminders() ([]model.Reminder, error)
}

// Scanner evaluates the due predicate against the current store contents.
// Nothing is remembered between scans, so a reminder stays due on every
// day of its window.
type Scanner struct {
	store Lister
	log   logrus.FieldLogger
}

// NewScanner creates a scanner over store.
func NewScanner(store Lister, log logrus.FieldLogger) *Scanner {
	return &Scanner{store: store, log: log}
}

// Scan returns the reminders due on today, in store order.
func (s *Scanner) Scan(today time.Time) ([]model.Reminder, error) {
	reminders, err := s.store.ListReminders()
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	return Filter(reminders, today, s.log), nil
}

// Filter keeps the reminders that are due on today. Reminders with an
// unparseable date are logged and skipped.
func Filter(reminders []model.Reminder, today time.Time, log logrus.FieldLogger) []model.Reminder {
	var out []model.Reminder
	for _, r := range reminders {
		ok, err := IsDue(r, today)
		if err != nil {
			log.WithField("reminder_id", r.ID).WithError(err).Warn("skipping reminder with bad date")
			continue
		}
		if ok {
			out = append(out, r)
		}
	}
	return out
}

// IsDue reports whether actual_reminder_date <= today <= end_date, comparing
// calendar dates only.
func IsDue(r model.Reminder, today time.Time) (bool, error) {
	if r.ActualReminderDate == nil {
		return false, fmt.Errorf("missing actual_reminder_date")
	}
	notice, err := model.ParseDate(*r.ActualReminderDate)
	if err != nil {
		return false, fmt.Errorf("parse actual_reminder_date: %w", err)
	}
	end, err := model.ParseDate(r.EndDate)
	if err != nil {
		return false, fmt.Errorf("parse end_date: %w", err)
	}
	day, _ := model.ParseDate(model.FormatDate(today))
	return !notice.After(day) && !end.Before(day), nil
}
