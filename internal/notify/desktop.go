package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/beeep"
)

// Desktop shows unlocks as OS notifications.
type Desktop struct {
	logger *slog.Logger
	send   func(title, body string) error
}

// NewDesktop returns a notifier backed by the platform notification center.
func NewDesktop(appName string, logger *slog.Logger) *Desktop {
	if appName != "" {
		beeep.AppName = appName
	}
	return &Desktop{
		logger: logger.With("component", "notify.desktop"),
		send: func(title, body string) error {
			return beeep.Notify(title, body, "")
		},
	}
}

func (d *Desktop) NotifyUnlock(_ context.Context, u Unlock) error {
	title := u.Title
	if u.Emoji != "" {
		title = u.Emoji + " " + title
	}
	if err := d.send(title, truncate(u.Body, 200)); err != nil {
		d.logger.Warn("desktop notification failed", "event_key", u.EventKey, "error", err)
		return fmt.Errorf("desktop notify: %w", err)
	}
	return nil
}

// NotifyDelivered is silent on the desktop; the unlock was already shown.
func (d *Desktop) NotifyDelivered(context.Context, Completion) error {
	return nil
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
