package config

import (
	"github.com/knadh/koanf/providers/confmap"
)

// DefaultConfig returns the built-in configuration values.
func DefaultConfig() map[string]interface{} {
	return map[string]interface{}{
		"server": map[string]interface{}{
			"addr":       ":5009",
			"static_dir": "", // frontend assets; empty serves the API only
		},
		"database": map[string]interface{}{
			"path": "reminders.db",
			"url":  "", // PostgreSQL DSN; empty selects SQLite
		},
		"auth": map[string]interface{}{
			"default_password": "changeme",
		},
		"scheduler": map[string]interface{}{
			"enabled":       true,
			"at":            "09:00",
			"poll_interval": "60s",
			"channels":      []string{"email", "dingtalk"},
		},
		"notify": map[string]interface{}{
			"timeout": "30s",
			"email": map[string]interface{}{
				"subject": "证照即将到期提醒",
			},
			"dingtalk": map[string]interface{}{
				"title": "证照到期提醒",
			},
		},
		"log": map[string]interface{}{
			"level":  "info",
			"format": "text",
		},
	}
}

// NewDefaultProvider wraps DefaultConfig for koanf.
func NewDefaultProvider() *confmap.Confmap {
	return confmap.Provider(DefaultConfig(), ".")
}
