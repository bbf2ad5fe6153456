package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bryan-buckman/certminder/internal/model"
)

// DefaultWebhookTitle is used when no title is configured.
const DefaultWebhookTitle = "证照到期提醒"

// WebhookOptions configures a WebhookDispatcher.
type WebhookOptions struct {
	Title   string
	Timeout time.Duration
}

// WebhookDispatcher posts the due-list to a DingTalk-style robot webhook,
// signing the URL when a secret is configured.
type WebhookDispatcher struct {
	settings SettingsReader
	client   *http.Client
	title    string
	now      func() time.Time
	log      logrus.FieldLogger
}

// NewWebhookDispatcher creates a webhook dispatcher.
func NewWebhookDispatcher(settings SettingsReader, opts WebhookOptions, log logrus.FieldLogger) *WebhookDispatcher {
	if opts.Title == "" {
		opts.Title = DefaultWebhookTitle
	}
	return &WebhookDispatcher{
		settings: settings,
		client:   &http.Client{Timeout: opts.Timeout},
		title:    opts.Title,
		now:      time.Now,
		log:      log.WithField("channel", ChannelDingTalk),
	}
}

// Channel returns "dingtalk".
func (d *WebhookDispatcher) Channel() string { return ChannelDingTalk }

type markdownMessage struct {
	MsgType  string          `json:"msgtype"`
	Markdown markdownContent `json:"markdown"`
}

type markdownContent struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type webhookResponse struct {
	ErrCode *int   `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Send posts due as a markdown message.
func (d *WebhookDispatcher) Send(ctx context.Context, due []model.Reminder) bool {
	vals, err := d.settings.Get(model.DingTalkSettingKeys...)
	if err != nil {
		d.log.WithError(err).Error("load webhook settings")
		return false
	}
	webhook := strings.TrimSpace(vals[model.SettingDingTalkWebhook])
	if webhook == "" {
		d.log.WithError(ErrConfigIncomplete).WithField("missing", model.SettingDingTalkWebhook).Warn("webhook not sent")
		return false
	}

	target := SignedURL(webhook, vals[model.SettingDingTalkSecret], d.now())
	if err := d.post(ctx, target, MarkdownBody(due)); err != nil {
		d.log.WithError(err).Error("send webhook message")
		return false
	}
	d.log.WithField("count", len(due)).Info("webhook message sent")
	return true
}

func (d *WebhookDispatcher) post(ctx context.Context, target, text string) error {
	body, err := json.Marshal(markdownMessage{
		MsgType:  "markdown",
		Markdown: markdownContent{Title: d.title, Text: text},
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	var result webhookResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if result.ErrCode == nil {
		return fmt.Errorf("response has no errcode")
	}
	if *result.ErrCode != 0 {
		return fmt.Errorf("webhook error %d: %s", *result.ErrCode, result.ErrMsg)
	}
	return nil
}

// Sign returns the URL-encoded base64 HMAC-SHA256 of "timestamp\nsecret"
// keyed by secret.
func Sign(secret, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}

// SignedURL appends timestamp and sign query parameters to webhook when
// secret is non-empty, and returns webhook unchanged otherwise.
func SignedURL(webhook, secret string, now time.Time) string {
	if secret == "" {
		return webhook
	}
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	sep := "&"
	if !strings.Contains(webhook, "?") {
		sep = "?"
	}
	return webhook + sep + "timestamp=" + ts + "&sign=" + Sign(secret, ts)
}
