// Package notify tells the viewer about new unread chat messages through a
// desktop command, a Slack webhook or a Discord webhook.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/zulandar/marketchat/internal/chat"
	"github.com/zulandar/marketchat/internal/config"
)

// Notification is one new-unread event.
type Notification struct {
	Title  string
	Body   string
	Total  int     // unread total after the change
	RoomID chat.ID // room that changed, when known
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Command runs a shell command template for each notification, e.g.
// "notify-send '{{.Title}}' '{{.Body}}'". Inside tmux it also shows a tmux
// message.
type Command struct {
	Template string
}

// Notify runs the command. Output of a failing command is part of the error.
func (c Command) Notify(ctx context.Context, n Notification) error {
	var errs []error
	if c.Template != "" {
		cmd := exec.CommandContext(ctx, "sh", "-c", templateNotification(c.Template, n))
		if out, err := cmd.CombinedOutput(); err != nil {
			errs = append(errs, fmt.Errorf("notify: command failed: %w: %s", err, strings.TrimSpace(string(out))))
		}
	}

	if os.Getenv("TMUX") != "" {
		cmd := exec.CommandContext(ctx, "tmux", "display-message", n.Title+": "+n.Body)
		if err := cmd.Run(); err != nil {
			errs = append(errs, fmt.Errorf("notify: tmux display-message failed: %w", err))
		}
	}
	return errors.Join(errs...)
}

// templateNotification replaces placeholders in the command template.
func templateNotification(command string, n Notification) string {
	r := strings.NewReplacer(
		"{{.Title}}", n.Title,
		"{{.Body}}", n.Body,
		"{{.Total}}", strconv.Itoa(n.Total),
		"{{.RoomID}}", string(n.RoomID),
	)
	return r.Replace(command)
}

// Multi fans a notification out to every notifier.
type Multi []Notifier

// Notify calls every notifier and joins their errors.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nf := range m {
		if err := nf.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BestEffort wraps a notifier so failures are logged rather than returned.
func BestEffort(n Notifier) Notifier {
	return bestEffort{n}
}

type bestEffort struct{ next Notifier }

func (b bestEffort) Notify(ctx context.Context, n Notification) error {
	if err := b.next.Notify(ctx, n); err != nil {
		log.Printf("notify: %v", err)
	}
	return nil
}

// FromConfig builds the notifiers enabled in cfg. It returns nil when none
// are configured.
func FromConfig(cfg config.NotifyConfig) (Notifier, error) {
	var m Multi
	if cfg.Command != "" {
		m = append(m, Command{Template: cfg.Command})
	}
	if cfg.SlackWebhookURL != "" {
		m = append(m, NewSlack(SlackOpts{WebhookURL: cfg.SlackWebhookURL}))
	}
	if cfg.DiscordWebhookID != "" || cfg.DiscordWebhookToken != "" {
		d, err := NewDiscord(DiscordOpts{WebhookID: cfg.DiscordWebhookID, WebhookToken: cfg.DiscordWebhookToken})
		if err != nil {
			return nil, err
		}
		m = append(m, d)
	}
	switch len(m) {
	case 0:
		return nil, nil
	case 1:
		return BestEffort(m[0]), nil
	default:
		return BestEffort(m), nil
	}
}
