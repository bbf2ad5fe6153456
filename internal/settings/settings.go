// Package settings manages the fixed key/value configuration persisted
// alongside the reminders: the login password, SMTP settings and the
// DingTalk webhook.
package settings

import (
	"errors"
	"fmt"

	"github.com/bryan-buckman/certminder/internal/database"
	"github.com/bryan-buckman/certminder/internal/model"
)

// ErrAuth is returned when a password check fails.
var ErrAuth = errors.New("password mismatch")

// clearable keys accept an empty value as an explicit clear. Every other key
// ignores empty values.
var clearable = map[string]bool{
	model.SettingSenderPassword:  true,
	model.SettingDingTalkSecret:  true,
	model.SettingDingTalkWebhook: true,
}

// Backend is the subset of database.Store used for settings.
type Backend interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
	SeedSetting(key, value string) error
}

// Store reads and writes settings. It holds no cached values; every call
// goes to the backend.
type Store struct {
	db Backend
}

// New creates a settings store.
func New(db Backend) *Store {
	return &Store{db: db}
}

// Init seeds every known key that has no value yet. The password key gets
// defaultPassword, all others the empty string.
func (s *Store) Init(defaultPassword string) error {
	for _, key := range model.SettingKeys {
		value := ""
		if key == model.SettingPassword {
			value = defaultPassword
		}
		if err := s.db.SeedSetting(key, value); err != nil {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
	}
	return nil
}

// Get returns the value for each requested key. Missing keys map to "".
func (s *Store) Get(keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		v, err := s.db.GetSetting(key)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("get setting %s: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

// Set writes the provided values. Unknown keys are ignored. For the
// clearable keys any value, including "", is written; for the rest nil and
// "" leave the stored value unchanged.
func (s *Store) Set(values map[string]*string) error {
	for _, key := range model.SettingKeys {
		v, ok := values[key]
		if !ok {
			continue
		}
		if !clearable[key] && (v == nil || *v == "") {
			continue
		}
		value := ""
		if v != nil {
			value = *v
		}
		if err := s.db.SetSetting(key, value); err != nil {
			return fmt.Errorf("set setting %s: %w", key, err)
		}
	}
	return nil
}

// VerifyPassword reports whether candidate equals the stored password.
func (s *Store) VerifyPassword(candidate string) (bool, error) {
	vals, err := s.Get(model.SettingPassword)
	if err != nil {
		return false, err
	}
	return vals[model.SettingPassword] == candidate, nil
}

// SetPassword replaces the password after checking the old one.
func (s *Store) SetPassword(oldPassword, newPassword string) error {
	ok, err := s.VerifyPassword(oldPassword)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAuth
	}
	if err := s.db.SetSetting(model.SettingPassword, newPassword); err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	return nil
}
