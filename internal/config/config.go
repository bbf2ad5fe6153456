// Package config loads service configuration from defaults, an optional YAML
// file and CERTMINDER_ environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/bryan-buckman/certminder/internal/notify"
	"github.com/bryan-buckman/certminder/internal/scheduler"
)

// EnvPrefix is stripped from environment variable names. A double
// underscore separates levels: CERTMINDER_SERVER__ADDR sets server.addr.
const EnvPrefix = "CERTMINDER_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Auth      AuthConfig      `koanf:"auth"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Notify    NotifyConfig    `koanf:"notify"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Addr      string `koanf:"addr"`
	StaticDir string `koanf:"static_dir"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
	URL  string `koanf:"url"`
}

type AuthConfig struct {
	DefaultPassword string `koanf:"default_password"` // seeded only when no password is stored
}

type SchedulerConfig struct {
	Enabled      bool          `koanf:"enabled"`
	At           string        `koanf:"at"`
	PollInterval time.Duration `koanf:"poll_interval"`
	Channels     []string      `koanf:"channels"`
}

type NotifyConfig struct {
	Timeout  time.Duration  `koanf:"timeout"`
	Email    EmailConfig    `koanf:"email"`
	DingTalk DingTalkConfig `koanf:"dingtalk"`
}

type EmailConfig struct {
	Subject string `koanf:"subject"`
}

type DingTalkConfig struct {
	Title string `koanf:"title"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load builds the configuration. A missing file at configPath is not an
// error; an unreadable or malformed one is.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(NewDefaultProvider(), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Database.Path == "" && c.Database.URL == "" {
		return fmt.Errorf("one of database.path or database.url is required")
	}
	if _, err := scheduler.ParseTimeOfDay(c.Scheduler.At); err != nil {
		return fmt.Errorf("scheduler.at: %w", err)
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}
	for _, ch := range c.Scheduler.Channels {
		switch ch {
		case notify.ChannelEmail, notify.ChannelDingTalk:
		default:
			return fmt.Errorf("scheduler.channels: unknown channel %q (supported: %s, %s)",
				ch, notify.ChannelEmail, notify.ChannelDingTalk)
		}
	}
	if c.Notify.Timeout <= 0 {
		return fmt.Errorf("notify.timeout must be positive")
	}
	return nil
}

// RunnerOptions converts the scheduler section for scheduler.NewRunner.
// Call Validate first.
func (c *Config) RunnerOptions() (scheduler.RunnerOptions, error) {
	at, err := scheduler.ParseTimeOfDay(c.Scheduler.At)
	if err != nil {
		return scheduler.RunnerOptions{}, err
	}
	return scheduler.RunnerOptions{
		At:           at,
		PollInterval: c.Scheduler.PollInterval,
		Channels:     c.Scheduler.Channels,
	}, nil
}
