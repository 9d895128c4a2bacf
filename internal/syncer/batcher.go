// Package syncer pushes accumulated scroll batches to the remote distance
// log and keeps the remote running total honest.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"example.com/scrollmeter/internal/clock"
	"example.com/scrollmeter/internal/remote"
	"example.com/scrollmeter/internal/scroll"
)

// Sync outcomes.
const (
	StatusNoSession = "no_session"
	StatusEmpty     = "empty"
	StatusSynced    = "synced"
	StatusRestored  = "restored"
	StatusFailed    = "failed"
)

// Sync triggers, recorded in summaries and logs.
const (
	ReasonStartup  = "startup"
	ReasonInterval = "interval"
	ReasonNudge    = "nudge"
	ReasonManual   = "manual"
)

// Users resolves the signed-in user.
type Users interface {
	UserID(ctx context.Context) (string, error)
}

// Remote is the slice of the backend client the batcher needs.
type Remote interface {
	InsertSessions(ctx context.Context, records []remote.SessionRecord) (remote.InsertSessionsResult, error)
	Total(ctx context.Context) (remote.Total, error)
	RawTotal(ctx context.Context) (float64, error)
	HealTotal(ctx context.Context, meters float64) error
}

// Options tunes the batcher. Zero values take the defaults.
type Options struct {
	Interval       time.Duration
	NudgeCooldown  time.Duration
	ReconcileEvery int
	Epsilon        float64
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.NudgeCooldown <= 0 {
		o.NudgeCooldown = 5 * time.Second
	}
	if o.ReconcileEvery <= 0 {
		o.ReconcileEvery = 10
	}
	if o.Epsilon <= 0 {
		o.Epsilon = 0.01
	}
	return o
}

// Summary describes one sync pass.
type Summary struct {
	Reason   string  `json:"reason"`
	Status   string  `json:"status"`
	UserID   string  `json:"user_id,omitempty"`
	Batches  int     `json:"batches"`
	Meters   float64 `json:"meters"`
	Inserted int     `json:"inserted"`
	Skipped  int     `json:"skipped"`
	Error    string  `json:"error,omitempty"`
}

// ReconcileResult describes one drift check.
type ReconcileResult struct {
	UserID     string  `json:"user_id,omitempty"`
	Maintained float64 `json:"maintained"`
	Recomputed float64 `json:"recomputed"`
	Drift      float64 `json:"drift"`
	Healed     bool    `json:"healed"`
	Skipped    bool    `json:"skipped"`
}

// Batcher moves drained batches to the remote log. A failed push restores
// the batches so nothing is lost; a retried push is deduplicated remotely
// by batch id.
type Batcher struct {
	acc    *scroll.Accumulator
	users  Users
	remote Remote
	clock  clock.Clock
	logger *slog.Logger
	opts   Options

	mu       sync.Mutex
	limiter  *rate.Limiter
	nudges   chan struct{}
	onSynced func(userID string)
}

func NewBatcher(acc *scroll.Accumulator, users Users, rem Remote, clk clock.Clock, logger *slog.Logger, opts Options) *Batcher {
	opts = opts.withDefaults()
	return &Batcher{
		acc:     acc,
		users:   users,
		remote:  rem,
		clock:   clk,
		logger:  logger.With("component", "syncer.batcher"),
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.NudgeCooldown), 1),
		nudges:  make(chan struct{}, 1),
	}
}

// OnSynced registers a callback run after every confirmed push. Set it
// before Run.
func (b *Batcher) OnSynced(fn func(userID string)) {
	b.onSynced = fn
}

// SyncOnce drains, pushes and confirms or restores. Concurrent calls run
// one after another.
func (b *Batcher) SyncOnce(ctx context.Context, reason string) Summary {
	b.mu.Lock()
	defer b.mu.Unlock()

	summary := Summary{Reason: reason}
	userID, err := b.users.UserID(ctx)
	if err != nil {
		b.logger.Warn("resolve session failed", "reason", reason, "error", err)
		summary.Status = StatusFailed
		summary.Error = err.Error()
		return summary
	}
	if userID == "" {
		summary.Status = StatusNoSession
		return summary
	}
	summary.UserID = userID

	batches, err := b.acc.Drain(ctx)
	if err != nil {
		b.logger.Warn("persist drained batches failed", "error", err)
	}
	if len(batches) == 0 {
		summary.Status = StatusEmpty
		return summary
	}

	records := make([]remote.SessionRecord, 0, len(batches))
	for _, batch := range batches {
		records = append(records, remote.SessionRecord{
			ClientBatchID: batch.ID,
			Site:          batch.Site,
			Pixels:        batch.TotalPixels,
			Meters:        batch.TotalMeters,
			StartedAt:     batch.SessionStart,
			EndedAt:       batch.LastUpdate,
		})
		summary.Meters += batch.TotalMeters
	}
	summary.Batches = len(batches)

	res, err := b.remote.InsertSessions(ctx, records)
	if err != nil {
		if rerr := b.acc.Restore(ctx, batches); rerr != nil {
			b.logger.Error("restore batches failed", "error", rerr)
		}
		b.logger.Warn("sync push failed, batches restored",
			"reason", reason, "batches", len(batches), "meters", summary.Meters, "error", err)
		summary.Status = StatusRestored
		summary.Error = err.Error()
		return summary
	}

	if err := b.acc.Confirm(ctx, batches); err != nil {
		b.logger.Error("confirm batches failed", "error", err)
	}
	summary.Status = StatusSynced
	summary.Inserted = res.Inserted
	summary.Skipped = res.Skipped
	b.logger.Info("sync batch confirmed",
		"reason", reason, "user_id", userID, "batches", len(batches),
		"meters", summary.Meters, "inserted", res.Inserted, "skipped", res.Skipped)
	if b.onSynced != nil {
		b.onSynced(userID)
	}
	return summary
}

// Nudge asks Run for an early sync. Nudges inside the cooldown are
// dropped; the return value reports whether one was scheduled.
func (b *Batcher) Nudge() bool {
	if !b.limiter.AllowN(b.clock.Now(), 1) {
		return false
	}
	select {
	case b.nudges <- struct{}{}:
	default:
	}
	return true
}

// Reconcile compares the maintained remote total with the sum of the raw
// rows and overwrites the total when they drift apart.
func (b *Batcher) Reconcile(ctx context.Context) (ReconcileResult, error) {
	userID, err := b.users.UserID(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("resolve session: %w", err)
	}
	if userID == "" {
		return ReconcileResult{Skipped: true}, nil
	}
	res := ReconcileResult{UserID: userID}
	total, err := b.remote.Total(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch maintained total: %w", err)
	}
	recomputed, err := b.remote.RawTotal(ctx)
	if err != nil {
		return res, fmt.Errorf("recompute total: %w", err)
	}
	res.Maintained = total.TotalMeters
	res.Recomputed = recomputed
	res.Drift = total.TotalMeters - recomputed
	if math.Abs(res.Drift) <= b.opts.Epsilon {
		return res, nil
	}
	if err := b.remote.HealTotal(ctx, recomputed); err != nil {
		return res, fmt.Errorf("heal total: %w", err)
	}
	res.Healed = true
	b.logger.Warn("remote total drift healed",
		"user_id", userID, "maintained", total.TotalMeters, "recomputed", recomputed, "drift", res.Drift)
	return res, nil
}

// Run syncs at startup, on every interval tick and on nudges until ctx is
// done. Every ReconcileEvery ticks it also reconciles the remote total.
func (b *Batcher) Run(ctx context.Context) error {
	ticker := b.clock.NewTicker(b.opts.Interval)
	defer ticker.Stop()

	b.SyncOnce(ctx, ReasonStartup)
	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.SyncOnce(ctx, ReasonInterval)
			ticks++
			if ticks%b.opts.ReconcileEvery == 0 {
				if _, err := b.Reconcile(ctx); err != nil {
					b.logger.Warn("reconcile failed", "error", err)
				}
			}
		case <-b.nudges:
			b.SyncOnce(ctx, ReasonNudge)
		}
	}
}
