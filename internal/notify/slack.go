package notify

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
)

// webhookPoster abstracts the Slack webhook call, enabling test mocks.
type webhookPoster func(ctx context.Context, url string, msg *slackapi.WebhookMessage) error

// Slack posts notifications to a Slack incoming webhook.
type Slack struct {
	url  string
	post webhookPoster
}

// SlackOpts holds parameters for creating a Slack notifier.
type SlackOpts struct {
	WebhookURL string
	// For testing: replace the webhook call.
	Post webhookPoster
}

// NewSlack creates a Slack notifier.
func NewSlack(opts SlackOpts) *Slack {
	s := &Slack{url: opts.WebhookURL, post: opts.Post}
	if s.post == nil {
		s.post = slackapi.PostWebhookContext
	}
	return s
}

// Notify posts n to the webhook.
func (s *Slack) Notify(ctx context.Context, n Notification) error {
	msg := &slackapi.WebhookMessage{
		Text: fmt.Sprintf("*%s*\n%s", n.Title, n.Body),
	}
	if err := s.post(ctx, s.url, msg); err != nil {
		return fmt.Errorf("notify: slack webhook: %w", err)
	}
	return nil
}
