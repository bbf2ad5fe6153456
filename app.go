package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bryan-buckman/certminder/internal/config"
	"github.com/bryan-buckman/certminder/internal/database"
	"github.com/bryan-buckman/certminder/internal/due"
	"github.com/bryan-buckman/certminder/internal/logging"
	"github.com/bryan-buckman/certminder/internal/notify"
	"github.com/bryan-buckman/certminder/internal/scheduler"
	"github.com/bryan-buckman/certminder/internal/settings"
)

// app holds the pieces shared by every command.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	db       database.Store
	settings *settings.Store
}

func openApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.Database.Path, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	log.WithField("backend", db.DatabaseType()).Debug("database opened")

	st := settings.New(db)
	if err := st.Init(cfg.Auth.DefaultPassword); err != nil {
		db.Close()
		return nil, err
	}
	return &app{cfg: cfg, log: log, db: db, settings: st}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func (a *app) scanner() *due.Scanner {
	return due.NewScanner(a.db, a.log.WithField("component", "scan"))
}

// job wires the scanner to both dispatchers.
func (a *app) job() *scheduler.Job {
	email := notify.NewEmailDispatcher(a.settings, notify.EmailOptions{
		Subject: a.cfg.Notify.Email.Subject,
		Timeout: a.cfg.Notify.Timeout,
	}, a.log)
	dingtalk := notify.NewWebhookDispatcher(a.settings, notify.WebhookOptions{
		Title:   a.cfg.Notify.DingTalk.Title,
		Timeout: a.cfg.Notify.Timeout,
	}, a.log)
	return scheduler.NewJob(a.scanner(), a.log, email, dingtalk)
}
