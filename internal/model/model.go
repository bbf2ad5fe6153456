// Package model defines shared data structures.
package model

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar date format used for every stored date.
const DateLayout = "2006-01-02"

// Reminder is one tracked certificate, license or task with an expiry date.
type Reminder struct {
	ID                 int64   `json:"id"`
	Name               string  `json:"name"`
	Type               string  `json:"type"`
	Certifier          *string `json:"certifier"`
	Handler            *string `json:"handler"`
	Period             *int    `json:"period"`
	StartDate          *string `json:"start_date"`
	EndDate            string  `json:"end_date"`
	AdvanceDays        int     `json:"advance_days"`
	ActualReminderDate *string `json:"actual_reminder_date"`
	AutoRenew          bool    `json:"auto_renew"`
	RenewPeriod        *int    `json:"renew_period"`
}

// Fields returns the writable fields of r.
func (r Reminder) Fields() ReminderFields {
	days := r.AdvanceDays
	return ReminderFields{
		Name:               r.Name,
		Type:               r.Type,
		Certifier:          r.Certifier,
		Handler:            r.Handler,
		Period:             r.Period,
		StartDate:          r.StartDate,
		EndDate:            r.EndDate,
		AdvanceDays:        &days,
		ActualReminderDate: r.ActualReminderDate,
		AutoRenew:          r.AutoRenew,
		RenewPeriod:        r.RenewPeriod,
	}
}

// ReminderFields is the full set of client-supplied fields for a create or
// update. AdvanceDays is a pointer so a missing value can be told apart from 0.
type ReminderFields struct {
	Name               string  `json:"name"`
	Type               string  `json:"type"`
	Certifier          *string `json:"certifier"`
	Handler            *string `json:"handler"`
	Period             *int    `json:"period"`
	StartDate          *string `json:"start_date"`
	EndDate            string  `json:"end_date"`
	AdvanceDays        *int    `json:"advance_days"`
	ActualReminderDate *string `json:"actual_reminder_date"`
	AutoRenew          bool    `json:"auto_renew"`
	RenewPeriod        *int    `json:"renew_period"`
}

// ValidationError reports a missing or malformed required field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return "missing required field: " + e.Field
	}
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Reason)
}

// Validate checks the required fields name, type, end_date and advance_days.
func (f ReminderFields) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return &ValidationError{Field: "name"}
	}
	if strings.TrimSpace(f.Type) == "" {
		return &ValidationError{Field: "type"}
	}
	return f.ValidateImported()
}

// ValidateImported checks a row loaded in bulk. Only name, end_date and
// advance_days are required; type may be empty.
func (f ReminderFields) ValidateImported() error {
	switch {
	case strings.TrimSpace(f.Name) == "":
		return &ValidationError{Field: "name"}
	case strings.TrimSpace(f.EndDate) == "":
		return &ValidationError{Field: "end_date"}
	case f.AdvanceDays == nil:
		return &ValidationError{Field: "advance_days"}
	case *f.AdvanceDays < 0:
		return &ValidationError{Field: "advance_days", Reason: "must not be negative"}
	}
	if _, err := ParseDate(f.EndDate); err != nil {
		return &ValidationError{Field: "end_date", Reason: "expected YYYY-MM-DD"}
	}
	return nil
}

// Normalize clears blank optional text fields and fills in the notice date
// from end_date and advance_days when it was not supplied. It assumes
// Validate has passed.
func (f ReminderFields) Normalize() ReminderFields {
	f.Certifier = blankToNil(f.Certifier)
	f.Handler = blankToNil(f.Handler)
	f.StartDate = blankToNil(f.StartDate)
	f.ActualReminderDate = blankToNil(f.ActualReminderDate)
	if f.ActualReminderDate == nil && f.AdvanceDays != nil {
		if end, err := ParseDate(f.EndDate); err == nil {
			d := FormatDate(end.AddDate(0, 0, -*f.AdvanceDays))
			f.ActualReminderDate = &d
		}
	}
	return f
}

func blankToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, strings.TrimSpace(s))
}

// FormatDate formats t as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// Settings key constants. The set is fixed; keys are seeded at startup and
// only their values change afterwards.
const (
	SettingPassword        = "password"
	SettingSMTPServer      = "smtp_server"
	SettingSMTPPort        = "smtp_port"
	SettingSenderEmail     = "sender_email"
	SettingSenderPassword  = "sender_password"
	SettingRecipientEmail  = "recipient_email"
	SettingDingTalkWebhook = "dingtalk_webhook"
	SettingDingTalkSecret  = "dingtalk_secret"
)

// SettingKeys lists every persisted settings key.
var SettingKeys = []string{
	SettingPassword,
	SettingSMTPServer,
	SettingSMTPPort,
	SettingSenderEmail,
	SettingSenderPassword,
	SettingRecipientEmail,
	SettingDingTalkWebhook,
	SettingDingTalkSecret,
}

// EmailSettingKeys are the keys exposed by the email settings endpoint.
var EmailSettingKeys = []string{
	SettingSMTPServer,
	SettingSMTPPort,
	SettingSenderEmail,
	SettingSenderPassword,
	SettingRecipientEmail,
}

// DingTalkSettingKeys are the keys exposed by the webhook settings endpoint.
var DingTalkSettingKeys = []string{
	SettingDingTalkWebhook,
	SettingDingTalkSecret,
}
