// Package alerting fans a kernel error out to the configured notification
// channels whenever its error code is registered with Alert: true —
// settlement confirmation failures, guard call failures, and other
// critical/retryable outcomes that page an operator rather than just
// appearing in logs.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "sentinel-kernel/internal/errors"
	"sentinel-kernel/pkg/logger"
)

// Channel names a notification channel.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// Event describes one alert-worthy occurrence.
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	SessionID  string
	Attempts   int
	MaxRetries int
	Metadata   map[string]string
	OccurredAt time.Time
}

// EventFromError builds an Event from a kernel error if its registered
// code is alert-worthy, and reports whether it was.
func EventFromError(err error, sessionID string, occurredAt time.Time) (Event, bool) {
	kerr, ok := xerrors.From(err)
	if !ok || !kerr.ShouldAlert() {
		return Event{}, false
	}
	return Event{
		Code:       kerr.Code(),
		Message:    kerr.Message(),
		Severity:   kerr.Severity(),
		SessionID:  sessionID,
		Metadata:   kerr.Metadata(),
		OccurredAt: occurredAt,
	}, true
}

// Notifier delivers an Event to one channel.
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher broadcasts an Event to however many notifiers are registered.
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher delivers an Event to every registered notifier,
// regardless of whether earlier ones failed.
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout constructs a FanoutDispatcher over notifiers, skipping nils.
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify broadcasts event to every registered notifier and joins any
// delivery failures into a single error.
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EmailSender is the subset of an email client a notifier needs.
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier delivers an Event by email.
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("email notifier not configured, skipping", slog.String("session_id", event.SessionID))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)
	content := fmt.Sprintf("occurred: %s\nsession: %s\nattempts: %d/%d\ncode: %s\nmessage: %s",
		event.OccurredAt.Format(time.RFC3339), event.SessionID, event.Attempts, event.MaxRetries, event.Code, event.Message)
	if len(event.Metadata) > 0 {
		content += "\ndetails:\n"
		for k, v := range event.Metadata {
			content += fmt.Sprintf("- %s: %s\n", k, v)
		}
	}
	return n.Sender.Send(ctx, subject, content, n.To)
}

// DingTalkSender is the subset of a DingTalk robot client a notifier needs.
type DingTalkSender interface {
	Send(ctx context.Context, content string) error
}

// DingTalkNotifier delivers an Event to a DingTalk robot webhook.
type DingTalkNotifier struct {
	Sender DingTalkSender
}

func (n *DingTalkNotifier) Channel() Channel { return ChannelDingTalk }

func (n *DingTalkNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("dingtalk notifier not configured, skipping", slog.String("session_id", event.SessionID))
		return nil
	}
	payload := fmt.Sprintf("[%s] %s\nsession: %s\nattempts: %d/%d\n%s",
		event.Severity, event.Code, event.SessionID, event.Attempts, event.MaxRetries, event.Message)
	return n.Sender.Send(ctx, payload)
}

// SlackSender is the subset of a Slack client a notifier needs.
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier delivers an Event to a Slack channel.
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		logger.L().Warn("slack notifier not configured, skipping", slog.String("session_id", event.SessionID))
		return nil
	}
	content := fmt.Sprintf("*[%s]* %s - %s (attempt %d/%d)", event.Severity, event.Code, event.Message, event.Attempts, event.MaxRetries)
	return n.Sender.Send(ctx, n.ChannelID, content)
}
