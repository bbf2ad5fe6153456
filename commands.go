package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/bryan-buckman/certminder/internal/csvfile"
	"github.com/bryan-buckman/certminder/internal/model"
	"github.com/bryan-buckman/certminder/internal/notify"
	"github.com/bryan-buckman/certminder/internal/renew"
	"github.com/bryan-buckman/certminder/internal/scheduler"
	"github.com/bryan-buckman/certminder/internal/server"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the daily reminder check",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			job := a.job()
			var runner *scheduler.Runner
			if a.cfg.Scheduler.Enabled {
				opts, err := a.cfg.RunnerOptions()
				if err != nil {
					return err
				}
				runner = scheduler.NewRunner(job, opts, a.log)
			}
			srv := server.New(a.db, a.settings, job, runner, server.Options{
				Addr:      a.cfg.Server.Addr,
				StaticDir: a.cfg.Server.StaticDir,
			}, a.log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			var serveErr error
			select {
			case serveErr = <-errCh:
			case <-ctx.Done():
				a.log.Info("Shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil && serveErr == nil {
				serveErr = err
			}
			return serveErr
		},
	}
}

func checkCmd(configPath *string) *cobra.Command {
	var (
		channel string
		date    string
		dryRun  bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Scan for due reminders and send notifications once",
		RunE: func(cmd *cobra.Command, args []string) error {
			today, err := parseDay(date)
			if err != nil {
				return err
			}
			channels, err := parseChannels(channel)
			if err != nil {
				return err
			}
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if dryRun {
				dueList, err := a.scanner().Scan(today)
				if err != nil {
					return err
				}
				return preview(out, dueList, today)
			}

			res, err := a.job().Run(cmd.Context(), today, channels...)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d reminder(s) due on %s\n", len(res.Due), model.FormatDate(today))
			var failed []string
			for _, ch := range channels {
				delivered, attempted := res.Delivered[ch]
				switch {
				case !attempted:
				case delivered:
					fmt.Fprintf(out, "  %-9s sent\n", ch)
				default:
					fmt.Fprintf(out, "  %-9s FAILED\n", ch)
					failed = append(failed, ch)
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("delivery failed on %s (run %s)", strings.Join(failed, ", "), res.RunID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "all", "Channel to notify (email, dingtalk, all)")
	cmd.Flags().StringVar(&date, "date", "", "Check as of this date (YYYY-MM-DD, default today)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the notification instead of sending it")
	return cmd
}

func renewCmd(configPath *string) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Create successors for expired auto-renewing reminders",
		RunE: func(cmd *cobra.Command, args []string) error {
			today, err := parseDay(date)
			if err != nil {
				return err
			}
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := renew.New(a.db, a.log).Run(today)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renewed %d reminder(s)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Renew as of this date (YYYY-MM-DD, default today)")
	return cmd
}

func importCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Import reminders from a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			n, err := csvfile.Import(a.db, f, a.log.WithField("file", args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d reminder(s)\n", n)
			return nil
		},
	}
}

func exportCmd(configPath *string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all reminders as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			reminders, err := a.db.ListReminders()
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				return csvfile.Export(cmd.OutOrStdout(), reminders)
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := csvfile.Export(f, reminders); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

// parseDay returns today in local time when s is empty.
func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	d, err := model.ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q: expected YYYY-MM-DD", s)
	}
	return d, nil
}

func parseChannels(s string) ([]string, error) {
	switch s {
	case "all":
		return []string{notify.ChannelEmail, notify.ChannelDingTalk}, nil
	case notify.ChannelEmail, notify.ChannelDingTalk:
		return []string{s}, nil
	default:
		return nil, fmt.Errorf("unknown channel %q", s)
	}
}

// preview renders the webhook message for the terminal.
func preview(w io.Writer, dueList []model.Reminder, today time.Time) error {
	if len(dueList) == 0 {
		fmt.Fprintf(w, "No reminders due on %s\n", model.FormatDate(today))
		return nil
	}
	body := notify.MarkdownBody(dueList)
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Fprintln(w, body)
		return nil
	}
	rendered, err := renderer.Render(body)
	if err != nil {
		fmt.Fprintln(w, body)
		return nil
	}
	fmt.Fprintln(w, strings.TrimSpace(rendered))
	return nil
}
