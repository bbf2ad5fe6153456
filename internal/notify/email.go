package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"github.com/bryan-buckman/certminder/internal/model"
)

// implicitTLSPort selects SMTPS; every other port uses STARTTLS.
const implicitTLSPort = 465

// DefaultEmailSubject is used when no subject is configured.
const DefaultEmailSubject = "证照即将到期提醒"

type smtpConfig struct {
	Host        string
	Port        int
	ImplicitTLS bool
	Username    string
	Password    string
	TLS         *tls.Config // nil verifies Host against the system roots
}

// sendFunc delivers a composed message. It is replaced in tests.
type sendFunc func(ctx context.Context, cfg smtpConfig, from string, to []string, msg []byte) error

// EmailOptions configures an EmailDispatcher.
type EmailOptions struct {
	Subject string
	Timeout time.Duration
}

// EmailDispatcher mails the due-list using the SMTP settings.
type EmailDispatcher struct {
	settings SettingsReader
	opts     EmailOptions
	send     sendFunc
	now      func() time.Time
	log      logrus.FieldLogger
}

// NewEmailDispatcher creates an email dispatcher.
func NewEmailDispatcher(settings SettingsReader, opts EmailOptions, log logrus.FieldLogger) *EmailDispatcher {
	if opts.Subject == "" {
		opts.Subject = DefaultEmailSubject
	}
	return &EmailDispatcher{
		settings: settings,
		opts:     opts,
		send:     sendSMTP,
		now:      time.Now,
		log:      log.WithField("channel", ChannelEmail),
	}
}

// Channel returns "email".
func (d *EmailDispatcher) Channel() string { return ChannelEmail }

// Send mails due to every configured recipient.
func (d *EmailDispatcher) Send(ctx context.Context, due []model.Reminder) bool {
	vals, err := d.settings.Get(model.EmailSettingKeys...)
	if err != nil {
		d.log.WithError(err).Error("load email settings")
		return false
	}
	for _, key := range []string{model.SettingSMTPServer, model.SettingSMTPPort, model.SettingSenderEmail, model.SettingRecipientEmail} {
		if strings.TrimSpace(vals[key]) == "" {
			d.log.WithError(ErrConfigIncomplete).WithField("missing", key).Warn("email not sent")
			return false
		}
	}
	port, err := strconv.Atoi(strings.TrimSpace(vals[model.SettingSMTPPort]))
	if err != nil {
		d.log.WithError(ErrConfigIncomplete).WithField("smtp_port", vals[model.SettingSMTPPort]).Warn("email not sent: bad port")
		return false
	}
	recipients := SplitRecipients(vals[model.SettingRecipientEmail])
	if len(recipients) == 0 {
		d.log.WithError(ErrConfigIncomplete).Warn("email not sent: recipient list empty")
		return false
	}

	from := strings.TrimSpace(vals[model.SettingSenderEmail])
	msg, err := composeMessage(from, recipients, d.opts.Subject, EmailBody(due), d.now())
	if err != nil {
		d.log.WithError(err).Error("compose email")
		return false
	}

	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}
	cfg := smtpConfig{
		Host:        strings.TrimSpace(vals[model.SettingSMTPServer]),
		Port:        port,
		ImplicitTLS: port == implicitTLSPort,
		Username:    from,
		Password:    vals[model.SettingSenderPassword],
	}
	if err := d.send(ctx, cfg, from, recipients, msg); err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{
			"smtp_server": cfg.Host,
			"smtp_port":   cfg.Port,
		}).Error("send email")
		return false
	}
	d.log.WithFields(logrus.Fields{
		"recipients": strings.Join(recipients, ", "),
		"count":      len(due),
	}).Info("reminder email sent")
	return true
}

// SplitRecipients splits a comma-separated address list, trimming blanks.
func SplitRecipients(list string) []string {
	var out []string
	for _, addr := range strings.Split(list, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func composeMessage(from string, to []string, subject, body string, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	addrs := make([]*mail.Address, 0, len(to))
	for _, a := range to {
		addrs = append(addrs, &mail.Address{Address: a})
	}
	h.SetAddressList("To", addrs)
	h.SetSubject(subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// sendSMTP connects with implicit TLS when cfg.ImplicitTLS is set and
// upgrades a plaintext connection with STARTTLS otherwise, then
// authenticates with PLAIN and submits msg.
func sendSMTP(ctx context.Context, cfg smtpConfig, from string, to []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	tlsConfig := cfg.TLS
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: cfg.Host}
	}
	dialer := &net.Dialer{}

	var conn net.Conn
	var err error
	if cfg.ImplicitTLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	var c *smtp.Client
	if cfg.ImplicitTLS {
		c = smtp.NewClient(conn)
	} else {
		// NewClientStartTLS closes conn on failure.
		if c, err = smtp.NewClientStartTLS(conn, tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	defer c.Close()

	if err := c.Auth(sasl.NewPlainClient("", cfg.Username, cfg.Password)); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.SendMail(from, to, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return c.Quit()
}
