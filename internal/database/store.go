// Package database provides storage backends for reminders and settings.
package database

import (
	"errors"

	"github.com/bryan-buckman/certminder/internal/model"
)

// ErrNotFound is returned when no row matches the requested id or key.
var ErrNotFound = errors.New("not found")

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// Reminder operations
	ListReminders() ([]model.Reminder, error)
	GetReminder(id int64) (*model.Reminder, error)
	CreateReminder(f model.ReminderFields) (*model.Reminder, error)
	UpdateReminder(id int64, f model.ReminderFields) (*model.Reminder, error)
	DeleteReminder(id int64) error
	InsertReminders(batch []model.ReminderFields) (int, error)

	// Settings operations
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
	SeedSetting(key, value string) error
}

// Open returns the PostgreSQL backend when url is set and the SQLite
// backend at path otherwise.
func Open(path, url string) (Store, error) {
	if url != "" {
		return NewPostgres(url)
	}
	return New(path)
}
