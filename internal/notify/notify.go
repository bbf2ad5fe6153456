// Package notify formats due reminders and delivers them to external
// channels. Dispatchers never return errors to the caller: configuration
// gaps and transport failures are logged and reported as false.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bryan-buckman/certminder/internal/model"
)

// Channel names.
const (
	ChannelEmail    = "email"
	ChannelDingTalk = "dingtalk"
)

// ErrConfigIncomplete is logged when a channel is missing required settings.
var ErrConfigIncomplete = errors.New("notification settings incomplete")

// Dispatcher sends a due-list to one channel.
type Dispatcher interface {
	Channel() string
	Send(ctx context.Context, due []model.Reminder) bool
}

// SettingsReader loads settings values; missing keys map to "".
type SettingsReader interface {
	Get(keys ...string) (map[string]string, error)
}

const (
	emailGreeting   = "您好，\n\n以下证照即将到期，请及时处理：\n\n"
	emailSignOff    = "\n请登录系统查看详情。\n\n谢谢！"
	markdownHeading = "### 证照即将到期提醒\n\n"
	markdownFooter  = "\n请登录系统查看详情。"
)

// Line formats one reminder as a list entry.
func Line(r model.Reminder) string {
	return fmt.Sprintf("- %s (类型: %s, 到期日期: %s)", r.Name, r.Type, r.EndDate)
}

// EmailBody renders the plain-text email body.
func EmailBody(due []model.Reminder) string {
	var b strings.Builder
	b.WriteString(emailGreeting)
	for _, r := range due {
		b.WriteString(Line(r))
		b.WriteByte('\n')
	}
	b.WriteString(emailSignOff)
	return b.String()
}

// MarkdownBody renders the webhook message text. Names are bolded.
func MarkdownBody(due []model.Reminder) string {
	var b strings.Builder
	b.WriteString(markdownHeading)
	for _, r := range due {
		fmt.Fprintf(&b, "- **%s** (类型: %s, 到期日期: %s)\n", r.Name, r.Type, r.EndDate)
	}
	b.WriteString(markdownFooter)
	return b.String()
}
