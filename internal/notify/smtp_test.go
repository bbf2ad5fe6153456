package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

type receivedMail struct {
	username string
	from     string
	to       []string
	data     []byte
	tls      bool
}

type mailbox struct {
	mu   sync.Mutex
	mail []receivedMail
}

func (m *mailbox) messages() []receivedMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]receivedMail(nil), m.mail...)
}

type smtpSession struct {
	box      *mailbox
	conn     *smtp.Conn
	username string
	cur      receivedMail
}

func (s *smtpSession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *smtpSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if password != "pw" {
			return errors.New("invalid credentials")
		}
		s.username = username
		return nil
	}), nil
}

func (s *smtpSession) Mail(from string, opts *smtp.MailOptions) error {
	s.cur.from = from
	return nil
}

func (s *smtpSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.cur.to = append(s.cur.to, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.data = b
	s.cur.username = s.username
	_, s.cur.tls = s.conn.TLSConnectionState()
	s.box.mu.Lock()
	s.box.mail = append(s.box.mail, s.cur)
	s.box.mu.Unlock()
	return nil
}

func (s *smtpSession) Reset() { s.cur = receivedMail{} }

func (s *smtpSession) Logout() error { return nil }

// startSMTPServer runs an in-process SMTP server on a loopback port. With
// implicitTLS the listener speaks TLS from the first byte; otherwise it is
// plaintext and offers STARTTLS when withTLS is set. The returned config
// trusts the server's self-signed certificate.
func startSMTPServer(t *testing.T, implicitTLS, withTLS bool) (*mailbox, smtpConfig) {
	t.Helper()
	// httptest provides a self-signed certificate valid for 127.0.0.1.
	certSrv := httptest.NewTLSServer(http.NotFoundHandler())
	t.Cleanup(certSrv.Close)
	cert := certSrv.TLS.Certificates[0]
	roots := certSrv.Client().Transport.(*http.Transport).TLSClientConfig.RootCAs

	box := &mailbox{}
	srv := smtp.NewServer(smtp.BackendFunc(func(c *smtp.Conn) (smtp.Session, error) {
		return &smtpSession{box: box, conn: c}, nil
	}))
	srv.Domain = "localhost"
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second
	serverTLS := &tls.Config{Certificates: []tls.Certificate{cert}}
	if withTLS || implicitTLS {
		srv.TLSConfig = serverTLS
	}

	var l net.Listener
	var err error
	if implicitTLS {
		l, err = tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	} else {
		l, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	return box, smtpConfig{
		Host:        "127.0.0.1",
		Port:        l.Addr().(*net.TCPAddr).Port,
		ImplicitTLS: implicitTLS,
		Username:    "bot@example.com",
		Password:    "pw",
		TLS:         &tls.Config{RootCAs: roots, ServerName: "127.0.0.1"},
	}
}

func TestSendSMTP(t *testing.T) {
	tests := []struct {
		name        string
		implicitTLS bool
	}{
		{"implicit TLS", true},
		{"STARTTLS", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			box, cfg := startSMTPServer(t, tt.implicitTLS, true)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			msg := []byte("Subject: reminder\r\n\r\nhello\r\n")
			to := []string{"a@example.com", "b@example.com"}
			if err := sendSMTP(ctx, cfg, "bot@example.com", to, msg); err != nil {
				t.Fatalf("sendSMTP failed: %v", err)
			}

			got := box.messages()
			if len(got) != 1 {
				t.Fatalf("Expected one delivered message, got %d", len(got))
			}
			m := got[0]
			if !m.tls {
				t.Error("Expected the message to arrive over TLS")
			}
			if m.username != "bot@example.com" {
				t.Errorf("Expected PLAIN auth as bot@example.com, got %q", m.username)
			}
			if m.from != "bot@example.com" || strings.Join(m.to, "|") != "a@example.com|b@example.com" {
				t.Errorf("Unexpected envelope: from=%q to=%v", m.from, m.to)
			}
			if !bytes.Contains(m.data, []byte("hello")) {
				t.Errorf("Unexpected data %q", m.data)
			}
		})
	}
}

func TestSendSMTPRequiresStartTLS(t *testing.T) {
	box, cfg := startSMTPServer(t, false, false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := sendSMTP(ctx, cfg, "bot@example.com", []string{"a@example.com"}, []byte("Subject: x\r\n\r\nx\r\n"))
	if err == nil || !strings.Contains(err.Error(), "starttls") {
		t.Errorf("Expected starttls error, got %v", err)
	}
	if len(box.messages()) != 0 {
		t.Error("Nothing should be delivered without TLS")
	}
}

func TestSendSMTPBadPassword(t *testing.T) {
	box, cfg := startSMTPServer(t, true, true)
	cfg.Password = "wrong"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := sendSMTP(ctx, cfg, "bot@example.com", []string{"a@example.com"}, []byte("Subject: x\r\n\r\nx\r\n"))
	if err == nil || !strings.Contains(err.Error(), "auth") {
		t.Errorf("Expected auth error, got %v", err)
	}
	if len(box.messages()) != 0 {
		t.Error("Nothing should be delivered after failed auth")
	}
}
