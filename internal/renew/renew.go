// Package renew creates successor reminders for expired auto-renewing ones.
package renew

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bryan-buckman/certminder/internal/model"
)

// DefaultPeriodDays is used when a reminder has no renew_period.
const DefaultPeriodDays = 365

// Store is the subset of the reminder store used for renewal.
type Store interface {
	ListReminders() ([]model.Reminder, error)
	CreateReminder(f model.ReminderFields) (*model.Reminder, error)
}

// Renewer performs auto-renewal.
type Renewer struct {
	store Store
	log   logrus.FieldLogger
}

// New creates a renewer.
func New(store Store, log logrus.FieldLogger) *Renewer {
	return &Renewer{store: store, log: log}
}

// Run renews every auto-renewing reminder whose end date is before today and
// which has no successor yet. It returns the number of reminders created.
func (r *Renewer) Run(today time.Time) (int, error) {
	all, err := r.store.ListReminders()
	if err != nil {
		return 0, fmt.Errorf("list reminders: %w", err)
	}
	day, _ := model.ParseDate(model.FormatDate(today))

	created := 0
	for _, rem := range all {
		if !rem.AutoRenew {
			continue
		}
		end, err := model.ParseDate(rem.EndDate)
		if err != nil {
			r.log.WithField("reminder_id", rem.ID).WithError(err).Warn("skipping renewal with bad end date")
			continue
		}
		if !end.Before(day) || hasSuccessor(all, rem, end) {
			continue
		}
		next, err := r.store.CreateReminder(Successor(rem, end))
		if err != nil {
			return created, fmt.Errorf("renew reminder %d: %w", rem.ID, err)
		}
		r.log.WithFields(logrus.Fields{
			"reminder_id": rem.ID,
			"renewed_id":  next.ID,
			"end_date":    next.EndDate,
		}).Info("reminder renewed")
		all = append(all, *next)
		created++
	}
	return created, nil
}

// Successor returns the fields of the reminder that follows rem, whose end
// date is end. The new term starts the day after end and lasts renew_period
// days.
func Successor(rem model.Reminder, end time.Time) model.ReminderFields {
	period := DefaultPeriodDays
	if rem.RenewPeriod != nil && *rem.RenewPeriod > 0 {
		period = *rem.RenewPeriod
	}
	start := end.AddDate(0, 0, 1)
	newEnd := start.AddDate(0, 0, period-1)
	notice := model.FormatDate(newEnd.AddDate(0, 0, -rem.AdvanceDays))
	startStr := model.FormatDate(start)

	f := rem.Fields()
	f.StartDate = &startStr
	f.EndDate = model.FormatDate(newEnd)
	f.ActualReminderDate = &notice
	return f
}

// hasSuccessor reports whether a reminder with the same name starts within
// the year after end.
func hasSuccessor(all []model.Reminder, rem model.Reminder, end time.Time) bool {
	limit := end.AddDate(1, 0, 0)
	for _, other := range all {
		if other.ID == rem.ID || other.Name != rem.Name || other.AutoRenew != rem.AutoRenew || other.StartDate == nil {
			continue
		}
		start, err := model.ParseDate(*other.StartDate)
		if err != nil {
			continue
		}
		if start.After(end) && start.Before(limit) {
			return true
		}
	}
	return false
}
