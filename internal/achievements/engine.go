// Package achievements evaluates scroll deltas against the milestone rules
// and emits deterministic, idempotent unlock events per user.
package achievements

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"example.com/scrollmeter/internal/clock"
	"example.com/scrollmeter/internal/kvstore"
	"example.com/scrollmeter/internal/scroll"
)

// Gate reports whether rule evaluation is switched on. It is consulted on
// every delta so flag changes apply without a restart.
type Gate interface {
	RuleEngineEnabled() bool
}

// Options tune the engine. Zero values pick the defaults.
type Options struct {
	// Location defines calendar days. Defaults to time.Local.
	Location *time.Location
	// PersistDelay is the quiet period before a dirty state is written.
	PersistDelay time.Duration
	// HydrateAttempts bounds state loads before giving up.
	HydrateAttempts int
	// HydrateBackoff is multiplied by the attempt number between loads.
	HydrateBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.PersistDelay <= 0 {
		o.PersistDelay = 2 * time.Second
	}
	if o.HydrateAttempts <= 0 {
		o.HydrateAttempts = 3
	}
	if o.HydrateBackoff <= 0 {
		o.HydrateBackoff = 250 * time.Millisecond
	}
	return o
}

// Engine owns the user→state mapping for the process.
type Engine struct {
	store  kvstore.Store
	gate   Gate
	clock  clock.Clock
	logger *slog.Logger
	opts   Options

	mu         sync.Mutex
	users      map[string]*userState
	hydrations singleflight.Group
}

type userState struct {
	// writeMu orders writes so a slow older write never lands after a
	// newer one.
	writeMu sync.Mutex

	mu    sync.Mutex
	state RuntimeState
	dirty bool
	timer *clock.Timer
}

// NewEngine builds an engine persisting through store.
func NewEngine(store kvstore.Store, gate Gate, clk clock.Clock, logger *slog.Logger, opts Options) *Engine {
	return &Engine{
		store:  store,
		gate:   gate,
		clock:  clk,
		logger: logger,
		opts:   opts.withDefaults(),
		users:  map[string]*userState{},
	}
}

func stateKey(userID string) string {
	return "achievements/state/" + userID
}

// Consume evaluates one delta for userID and returns the unlocks it caused.
// Deltas for a user must be fed in arrival order.
func (e *Engine) Consume(ctx context.Context, userID string, d scroll.Delta) ([]UnlockEvent, error) {
	if !e.gate.RuleEngineEnabled() {
		return nil, nil
	}
	if userID == "" || !d.Valid() {
		return nil, nil
	}
	u, err := e.hydrate(ctx, userID)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	before, after := u.state.advance(d, e.opts.Location)
	day := u.state.DayKey
	var events []UnlockEvent
	for _, f := range evaluate(before, after, d, day) {
		if u.state.unlocked(f.key) {
			continue
		}
		u.state.remember(f.key)
		events = append(events, UnlockEvent{
			UserID:   userID,
			EventKey: f.key,
			Trigger:  f.trigger,
			Toast:    toastFor(f.trigger),
			Snapshot: after.snapshot(day),
		})
		e.logger.Info("achievement unlocked", "user_id", userID, "event_key", f.key, "today_meters", after.today)
	}
	e.schedulePersistLocked(userID, u)
	return events, nil
}

// State returns a copy of the in-memory state for userID, if hydrated.
func (e *Engine) State(userID string) (RuntimeState, bool) {
	e.mu.Lock()
	u, ok := e.users[userID]
	e.mu.Unlock()
	if !ok {
		return RuntimeState{}, false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state.clone(), true
}

// Flush writes every dirty state immediately, cancelling pending timers.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	users := make(map[string]*userState, len(e.users))
	for id, u := range e.users {
		users[id] = u
	}
	e.mu.Unlock()

	var errs []error
	for id, u := range users {
		u.mu.Lock()
		u.timer.Stop()
		u.timer = nil
		u.mu.Unlock()
		if err := e.persist(ctx, id, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) hydrate(ctx context.Context, userID string) (*userState, error) {
	e.mu.Lock()
	u, ok := e.users[userID]
	e.mu.Unlock()
	if ok {
		return u, nil
	}

	v, err, _ := e.hydrations.Do(userID, func() (any, error) {
		e.mu.Lock()
		if u, ok := e.users[userID]; ok {
			e.mu.Unlock()
			return u, nil
		}
		e.mu.Unlock()

		// Shared by every coalesced caller, so one caller giving up must
		// not fail the others.
		state, err := e.load(context.WithoutCancel(ctx), userID)
		if err != nil {
			return nil, err
		}
		u := &userState{state: state}
		e.mu.Lock()
		e.users[userID] = u
		e.mu.Unlock()
		return u, nil
	})
	if err != nil {
		return nil, fmt.Errorf("hydrate achievement state: %w", err)
	}
	return v.(*userState), nil
}

func (e *Engine) load(ctx context.Context, userID string) (RuntimeState, error) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.HydrateAttempts; attempt++ {
		var state RuntimeState
		_, err := e.store.Get(ctx, stateKey(userID), &state)
		if err == nil {
			if state.TodayBySite == nil {
				state.TodayBySite = map[string]float64{}
			}
			return state, nil
		}
		lastErr = err
		e.logger.Warn("load achievement state failed", "user_id", userID, "attempt", attempt, "error", err)
		if attempt == e.opts.HydrateAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return RuntimeState{}, ctx.Err()
		case <-e.clock.After(e.opts.HydrateBackoff * time.Duration(attempt)):
		}
	}
	return RuntimeState{}, lastErr
}

// schedulePersistLocked marks u dirty and restarts its quiet-period timer.
// Must be called with u.mu held.
func (e *Engine) schedulePersistLocked(userID string, u *userState) {
	u.dirty = true
	u.timer.Stop()
	u.timer = e.clock.AfterFunc(e.opts.PersistDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.persist(ctx, userID, u); err != nil {
			e.logger.Error("persist achievement state failed", "user_id", userID, "error", err)
		}
	})
}

func (e *Engine) persist(ctx context.Context, userID string, u *userState) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()

	u.mu.Lock()
	if !u.dirty {
		u.mu.Unlock()
		return nil
	}
	snapshot := u.state.clone()
	u.dirty = false
	u.mu.Unlock()

	if err := e.store.Set(ctx, stateKey(userID), snapshot); err != nil {
		u.mu.Lock()
		u.dirty = true
		u.mu.Unlock()
		return fmt.Errorf("persist achievement state %s: %w", userID, err)
	}
	return nil
}
