package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bryan-buckman/certminder/internal/model"
)

func TestSignVector(t *testing.T) {
	got := Sign("s", "1000")
	want := "DCjLYZc2Qx9R6m50Qx401QB2P4jrS0l%2B2w4qL33cDi0%3D"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestSignedURL(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	if got := SignedURL("https://oapi.example.com/robot/send?access_token=abc", "", now); got != "https://oapi.example.com/robot/send?access_token=abc" {
		t.Errorf("Expected unmodified URL without secret, got %s", got)
	}

	got := SignedURL("https://oapi.example.com/robot/send?access_token=abc", "SEC123", now)
	want := "https://oapi.example.com/robot/send?access_token=abc&timestamp=1700000000000&sign=lkcPI1uoxBY1gUnCnnPH1Kkru0Hqjo7rFpA3haIVhEQ%3D"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}

	if got := SignedURL("https://hook.example.com/x", "SEC123", now); !strings.HasPrefix(got, "https://hook.example.com/x?timestamp=") {
		t.Errorf("Expected ? separator for URL without query, got %s", got)
	}
}

type webhookCall struct {
	contentType string
	query       url.Values
	msg         markdownMessage
}

func newWebhookServer(t *testing.T, status int, body string) (*httptest.Server, *[]webhookCall) {
	t.Helper()
	var calls []webhookCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m markdownMessage
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			t.Errorf("decode request: %v", err)
		}
		calls = append(calls, webhookCall{contentType: r.Header.Get("Content-Type"), query: r.URL.Query(), msg: m})
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestWebhook(webhook, secret string) *WebhookDispatcher {
	s := &fakeSettings{values: map[string]string{
		model.SettingDingTalkWebhook: webhook,
		model.SettingDingTalkSecret:  secret,
	}}
	d := NewWebhookDispatcher(s, WebhookOptions{Timeout: 5 * time.Second}, quietLogger())
	d.now = func() time.Time { return time.UnixMilli(1000) }
	return d
}

func TestWebhookSendSuccess(t *testing.T) {
	srv, calls := newWebhookServer(t, http.StatusOK, `{"errcode":0,"errmsg":"ok"}`)
	d := newTestWebhook(srv.URL+"/robot/send?access_token=abc", "s")

	if !d.Send(context.Background(), sampleDue) {
		t.Fatal("Expected send to succeed")
	}
	if len(*calls) != 1 {
		t.Fatalf("Expected one call, got %d", len(*calls))
	}
	c := (*calls)[0]
	if c.contentType != "application/json" {
		t.Errorf("Expected JSON content type, got %s", c.contentType)
	}
	if c.query.Get("access_token") != "abc" || c.query.Get("timestamp") != "1000" {
		t.Errorf("Unexpected query: %v", c.query)
	}
	if c.query.Get("sign") != "DCjLYZc2Qx9R6m50Qx401QB2P4jrS0l+2w4qL33cDi0=" {
		t.Errorf("Unexpected decoded sign: %s", c.query.Get("sign"))
	}
	if c.msg.MsgType != "markdown" || c.msg.Markdown.Title != DefaultWebhookTitle {
		t.Errorf("Unexpected message envelope: %+v", c.msg)
	}
	if c.msg.Markdown.Text != MarkdownBody(sampleDue) {
		t.Errorf("Unexpected text: %q", c.msg.Markdown.Text)
	}
}

func TestWebhookFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"error code", http.StatusOK, `{"errcode":310000,"errmsg":"sign not match"}`},
		{"http status", http.StatusInternalServerError, `{"errcode":0}`},
		{"not json", http.StatusOK, `<html>oops</html>`},
		{"no errcode", http.StatusOK, `{"ok":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newWebhookServer(t, tt.status, tt.body)
			if newTestWebhook(srv.URL+"?access_token=x", "").Send(context.Background(), sampleDue) {
				t.Error("Expected send to fail")
			}
		})
	}
}

func TestWebhookNotConfigured(t *testing.T) {
	if newTestWebhook("", "s").Send(context.Background(), sampleDue) {
		t.Error("Expected missing webhook URL to fail closed")
	}
}

func TestWebhookTransportError(t *testing.T) {
	srv, _ := newWebhookServer(t, http.StatusOK, `{"errcode":0}`)
	target := srv.URL
	srv.Close()
	if newTestWebhook(target+"?a=b", "").Send(context.Background(), sampleDue) {
		t.Error("Expected closed server to fail")
	}
}
