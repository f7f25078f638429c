// Package alert provides a concrete breaker.AlertSink that posts
// "opened"/"recovered" notifications to Slack via github.com/slack-go/slack
// — the external alert-sink extension point spec.md §1 calls out as
// out-of-scope-but-exposed.
package alert

import (
	"log/slog"
	"strconv"

	"github.com/slack-go/slack"
)

// SlackSink posts breaker transitions to a Slack channel via an
// incoming webhook.
type SlackSink struct {
	webhookURL string
	channel    string
}

// NewSlackSink constructs a SlackSink. channel may be empty to use the
// webhook's default channel.
func NewSlackSink(webhookURL, channel string) *SlackSink {
	return &SlackSink{webhookURL: webhookURL, channel: channel}
}

// Opened notifies Slack that a breaker tripped open. Per spec §4.5,
// "a sink must not propagate errors into the dispatcher" — any send
// failure is logged and swallowed.
func (s *SlackSink) Opened(name string, consecutiveFailures uint32) {
	s.send(":rotating_light: breaker *" + name + "* opened after " +
		strconv.FormatUint(uint64(consecutiveFailures), 10) + " consecutive failures")
}

// Recovered notifies Slack that a breaker returned to Closed.
func (s *SlackSink) Recovered(name string) {
	s.send(":white_check_mark: breaker *" + name + "* recovered")
}

// send is called from gobreaker's OnStateChange callback, which runs
// under the breaker's internal lock on the request goroutine that
// tripped it — so the webhook POST must not block that thread.
func (s *SlackSink) send(text string) {
	msg := &slack.WebhookMessage{Channel: s.channel, Text: text}
	go func() {
		if err := slack.PostWebhook(s.webhookURL, msg); err != nil {
			slog.Error("alert: slack webhook failed", "component", "alert", "error", err)
		}
	}()
}
