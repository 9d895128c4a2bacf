// Package notify delivers unlock toasts and delivery completions to the
// user: desktop notifications and an in-process event hub.
package notify

import (
	"context"
	"errors"
	"time"
)

// Unlock is the toast shown when a milestone fires.
type Unlock struct {
	UserID   string `json:"user_id"`
	EventKey string `json:"event_key"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Emoji    string `json:"emoji,omitempty"`
}

// Completion reports a queued unlock reaching the remote service.
type Completion struct {
	UserID   string `json:"user_id"`
	EventKey string `json:"event_key"`
	JobID    string `json:"job_id"`
	Attempts int    `json:"attempts"`
	Title    string `json:"title,omitempty"`
	Source   string `json:"source,omitempty"`
}

// Notifier receives unlocks and completions. Implementations must not block
// for long; callers sit on the ingest and delivery paths.
type Notifier interface {
	NotifyUnlock(ctx context.Context, u Unlock) error
	NotifyDelivered(ctx context.Context, c Completion) error
}

// Discard drops everything.
type Discard struct{}

func (Discard) NotifyUnlock(context.Context, Unlock) error        { return nil }
func (Discard) NotifyDelivered(context.Context, Completion) error { return nil }

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) NotifyUnlock(ctx context.Context, u Unlock) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyUnlock(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyDelivered(ctx context.Context, c Completion) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyDelivered(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Gated suppresses unlock toasts while Enabled reports false. Completions
// always pass through.
type Gated struct {
	Notifier Notifier
	Enabled  func() bool
}

func (g Gated) NotifyUnlock(ctx context.Context, u Unlock) error {
	if g.Enabled != nil && !g.Enabled() {
		return nil
	}
	return g.Notifier.NotifyUnlock(ctx, u)
}

func (g Gated) NotifyDelivered(ctx context.Context, c Completion) error {
	return g.Notifier.NotifyDelivered(ctx, c)
}

// Event kinds published on the hub.
const (
	KindUnlock    = "unlock"
	KindDelivered = "delivered"
)

// Event is what hub subscribers receive.
type Event struct {
	Kind       string      `json:"kind"`
	At         time.Time   `json:"at"`
	Unlock     *Unlock     `json:"unlock,omitempty"`
	Completion *Completion `json:"completion,omitempty"`
}
