package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"
)

// webhookSession abstracts the discordgo.Session methods we use, enabling test mocks.
type webhookSession interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts notifications to a Discord webhook.
type Discord struct {
	id    string
	token string
	sess  webhookSession
}

// DiscordOpts holds parameters for creating a Discord notifier.
type DiscordOpts struct {
	WebhookID    string
	WebhookToken string
	// For testing: inject a mock session instead of a real discordgo.Session.
	Session webhookSession
}

// NewDiscord creates a Discord notifier.
func NewDiscord(opts DiscordOpts) (*Discord, error) {
	if opts.WebhookID == "" || opts.WebhookToken == "" {
		return nil, fmt.Errorf("notify: discord webhook id and token are required")
	}
	d := &Discord{id: opts.WebhookID, token: opts.WebhookToken, sess: opts.Session}
	if d.sess == nil {
		// Webhook execution needs no bot token.
		dg, err := discordgo.New("")
		if err != nil {
			return nil, fmt.Errorf("notify: discord session: %w", err)
		}
		d.sess = dg
	}
	return d, nil
}

// Notify executes the webhook with an embed describing n.
func (d *Discord) Notify(ctx context.Context, n Notification) error {
	params := &discordgo.WebhookParams{
		Username: "marketchat",
		Embeds: []*discordgo.MessageEmbed{{
			Title:       n.Title,
			Description: n.Body,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Unread", Value: strconv.Itoa(n.Total), Inline: true},
			},
		}},
	}
	if _, err := d.sess.WebhookExecute(d.id, d.token, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("notify: discord webhook: %w", err)
	}
	return nil
}
