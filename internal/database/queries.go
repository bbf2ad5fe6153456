package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/bryan-buckman/certminder/internal/model"
)

// queries holds the SQL shared by both backends. Statements are written with
// ? placeholders and passed through bind before execution.
type queries struct {
	conn *sql.DB
	bind func(string) string
}

const reminderColumns = `id, name, type, certifier, handler, period, start_date, end_date,
	advance_days, actual_reminder_date, auto_renew, renew_period`

// Close closes the database connection.
func (q *queries) Close() error {
	return q.conn.Close()
}

// --- Reminder Methods ---

// ListReminders returns all reminders ordered by notice date. Reminders
// without a notice date sort first.
func (q *queries) ListReminders() ([]model.Reminder, error) {
	rows, err := q.conn.Query("SELECT " + reminderColumns +
		" FROM reminders ORDER BY actual_reminder_date ASC NULLS FIRST, id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reminders []model.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, *r)
	}
	return reminders, rows.Err()
}

// GetReminder returns a single reminder by ID.
func (q *queries) GetReminder(id int64) (*model.Reminder, error) {
	row := q.conn.QueryRow(q.bind("SELECT "+reminderColumns+" FROM reminders WHERE id = ?"), id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	return r, err
}

// CreateReminder validates and inserts a reminder, returning the stored row.
func (q *queries) CreateReminder(f model.ReminderFields) (*model.Reminder, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id, err := insertReminder(q.conn, q.bind, f.Normalize())
	if err != nil {
		return nil, err
	}
	return q.GetReminder(id)
}

// UpdateReminder replaces every field of an existing reminder.
func (q *queries) UpdateReminder(id int64, f model.ReminderFields) (*model.Reminder, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	f = f.Normalize()
	res, err := q.conn.Exec(q.bind(`
		UPDATE reminders SET
			name = ?, type = ?, certifier = ?, handler = ?, period = ?,
			start_date = ?, end_date = ?, advance_days = ?, actual_reminder_date = ?,
			auto_renew = ?, renew_period = ?
		WHERE id = ?`),
		f.Name, f.Type, f.Certifier, f.Handler, f.Period,
		f.StartDate, f.EndDate, *f.AdvanceDays, f.ActualReminderDate,
		f.AutoRenew, f.RenewPeriod, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	return q.GetReminder(id)
}

// DeleteReminder removes a reminder by ID.
func (q *queries) DeleteReminder(id int64) error {
	res, err := q.conn.Exec(q.bind("DELETE FROM reminders WHERE id = ?"), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	return nil
}

// InsertReminders inserts a batch of reminders in one transaction and
// returns the number of rows written. Entries are checked with
// ValidateImported; one bad entry rejects the whole batch.
func (q *queries) InsertReminders(batch []model.ReminderFields) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	for i, f := range batch {
		if err := f.ValidateImported(); err != nil {
			return 0, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	tx, err := q.conn.Begin()
	if err != nil {
		return 0, err
	}
	for _, f := range batch {
		if _, err := insertReminder(tx, q.bind, f.Normalize()); err != nil {
			tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(batch), nil
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func insertReminder(db queryRower, bind func(string) string, f model.ReminderFields) (int64, error) {
	var id int64
	err := db.QueryRow(bind(`
		INSERT INTO reminders (
			name, type, certifier, handler, period,
			start_date, end_date, advance_days, actual_reminder_date,
			auto_renew, renew_period
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		f.Name, f.Type, f.Certifier, f.Handler, f.Period,
		f.StartDate, f.EndDate, *f.AdvanceDays, f.ActualReminderDate,
		f.AutoRenew, f.RenewPeriod).Scan(&id)
	return id, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (*model.Reminder, error) {
	var r model.Reminder
	err := row.Scan(&r.ID, &r.Name, &r.Type, &r.Certifier, &r.Handler, &r.Period,
		&r.StartDate, &r.EndDate, &r.AdvanceDays, &r.ActualReminderDate,
		&r.AutoRenew, &r.RenewPeriod)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Settings Methods ---

// GetSetting retrieves a setting value.
func (q *queries) GetSetting(key string) (string, error) {
	var val string
	err := q.conn.QueryRow(q.bind("SELECT value FROM settings WHERE key = ?"), key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %q: %w", key, ErrNotFound)
	}
	return val, err
}

// SetSetting saves a setting.
func (q *queries) SetSetting(key, value string) error {
	_, err := q.conn.Exec(q.bind("INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = ?"), key, value, value)
	return err
}

// SeedSetting stores value only if key has no row yet.
func (q *queries) SeedSetting(key, value string) error {
	_, err := q.conn.Exec(q.bind("INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING"), key, value)
	return err
}
