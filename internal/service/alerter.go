package service

import (
	"context"
	"log/slog"

	"github.com/slack-go/slack"
)

// SlackAlerter posts queue-pressure alerts to an operations Slack
// channel (§4.9.1). This is the one component in the corpus with a
// natural home for slack-go/slack, carried in via
// jordigilh-kubernaut's go.mod even though that repo never exercises
// the client directly.
type SlackAlerter struct {
	client  *slack.Client
	channel string
	log     *slog.Logger
}

// NewSlackAlerter constructs a SlackAlerter. A nil *slack.Client
// (token == "") is never safe to post with; callers should leave
// Service's alerter nil instead of constructing one in that case.
func NewSlackAlerter(token, channel string, logger *slog.Logger) *SlackAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackAlerter{client: slack.New(token), channel: channel, log: logger}
}

// Alert posts a one-line message to the configured channel. Delivery
// failure is logged, never propagated — an alert is an observability
// signal and must not affect job processing.
func (a *SlackAlerter) Alert(ctx context.Context, level, message string, depth int) {
	_, _, err := a.client.PostMessageContext(ctx, a.channel,
		slack.MsgOptionText(message, false),
	)
	if err != nil {
		a.log.Error("slack alert delivery failed", "level", level, "depth", depth, "error", err)
	}
}
