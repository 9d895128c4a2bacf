// Package agent hosts the on-device core behind one Service: ingest,
// sessions, sync, delivery and the periodic maintenance pass.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"example.com/scrollmeter/internal/achievements"
	"example.com/scrollmeter/internal/auth"
	"example.com/scrollmeter/internal/clock"
	"example.com/scrollmeter/internal/delivery"
	"example.com/scrollmeter/internal/flags"
	"example.com/scrollmeter/internal/notify"
	"example.com/scrollmeter/internal/remote"
	"example.com/scrollmeter/internal/scroll"
	"example.com/scrollmeter/internal/stats"
	"example.com/scrollmeter/internal/syncer"
)

// ErrNoSession is returned by operations that need a signed-in user.
var ErrNoSession = errors.New("no active session")

// ErrPendingDistance refuses a user switch while the previous user's
// distance could not be pushed.
var ErrPendingDistance = errors.New("previous user's distance not synced")

// SessionRemote issues and revokes backend sessions.
type SessionRemote interface {
	CreateSession(ctx context.Context, userID, displayName string) (remote.SessionGrant, error)
	RevokeSession(ctx context.Context) error
}

// Deps are the collaborators a Service drives. All are required except
// Hub and Notifier.
type Deps struct {
	Accumulator *scroll.Accumulator
	Engine      *achievements.Engine
	Queue       *delivery.Queue
	Batcher     *syncer.Batcher
	Stats       *stats.Cache
	Sessions    *auth.Sessions
	Remote      SessionRemote
	Flags       *flags.Source
	Notifier    notify.Notifier
	Hub         *notify.Hub
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Options tunes the background loops. Zero values take the defaults.
type Options struct {
	DeliveryInterval    time.Duration
	MaintenanceInterval time.Duration
}

// Service is the agent core.
type Service struct {
	acc      *scroll.Accumulator
	engine   *achievements.Engine
	queue    *delivery.Queue
	batcher  *syncer.Batcher
	stats    *stats.Cache
	sessions *auth.Sessions
	remote   SessionRemote
	flags    *flags.Source
	notifier notify.Notifier
	hub      *notify.Hub
	clock    clock.Clock
	logger   *slog.Logger
	opts     Options

	orchestrator Orchestrator
	kick         chan struct{}
}

func NewService(deps Deps, opts Options) *Service {
	if opts.DeliveryInterval <= 0 {
		opts.DeliveryInterval = 2 * time.Second
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = 10 * time.Minute
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}
	s := &Service{
		acc:      deps.Accumulator,
		engine:   deps.Engine,
		queue:    deps.Queue,
		batcher:  deps.Batcher,
		stats:    deps.Stats,
		sessions: deps.Sessions,
		remote:   deps.Remote,
		flags:    deps.Flags,
		notifier: notifier,
		hub:      deps.Hub,
		clock:    deps.Clock,
		logger:   deps.Logger.With("component", "agent.service"),
		opts:     opts,
		kick:     make(chan struct{}, 1),
	}
	s.orchestrator = NewLocalOrchestrator(NewActivities(s, deps.Logger), deps.Clock, deps.Logger)
	s.batcher.OnSynced(s.stats.Invalidate)
	return s
}

// SetOrchestrator swaps how maintenance passes run. Call before Run.
func (s *Service) SetOrchestrator(o Orchestrator) {
	if o != nil {
		s.orchestrator = o
	}
}

// IngestResult describes what one delta caused.
type IngestResult struct {
	Accepted bool     `json:"accepted"`
	UserID   string   `json:"user_id,omitempty"`
	Unlocks  []string `json:"unlocks,omitempty"`
	Queued   int      `json:"queued"`
}

// Ingest records one captured delta. Invalid deltas are dropped and
// reported as not accepted; they never produce an error. Rules run only
// while a user is signed in.
func (s *Service) Ingest(ctx context.Context, d scroll.Delta) (IngestResult, error) {
	d.Site = strings.TrimSpace(d.Site)
	if d.Timestamp.IsZero() {
		d.Timestamp = s.clock.Now()
	}
	if !d.Valid() {
		s.logger.Debug("delta dropped", "site", d.Site, "pixels", d.Pixels, "meters", d.Meters)
		return IngestResult{}, nil
	}
	if err := s.acc.AddDelta(ctx, d.Site, d.Pixels, d.Meters); err != nil {
		// The batch is held in memory and the next mutation retries the write.
		s.logger.Warn("accumulate delta not persisted", "site", d.Site, "error", err)
	}
	res := IngestResult{Accepted: true}
	s.batcher.Nudge()

	userID, err := s.sessions.UserID(ctx)
	if err != nil {
		return res, fmt.Errorf("resolve session: %w", err)
	}
	if userID == "" {
		return res, nil
	}
	res.UserID = userID

	events, err := s.engine.Consume(ctx, userID, d)
	if err != nil {
		s.logger.Warn("rule evaluation skipped", "user_id", userID, "error", err)
		return res, nil
	}
	for _, ev := range events {
		res.Unlocks = append(res.Unlocks, ev.EventKey)
		if err := s.notifier.NotifyUnlock(ctx, notify.Unlock{
			UserID:   ev.UserID,
			EventKey: ev.EventKey,
			Title:    ev.Toast.Title,
			Body:     ev.Toast.Body,
			Emoji:    ev.Toast.Emoji,
		}); err != nil {
			s.logger.Warn("unlock notification failed", "event_key", ev.EventKey, "error", err)
		}
		added, err := s.queue.Enqueue(ctx, ev)
		if err != nil {
			s.logger.Error("enqueue unlock failed", "event_key", ev.EventKey, "error", err)
			continue
		}
		if added {
			res.Queued++
		}
	}
	if res.Queued > 0 {
		s.kickDelivery()
	}
	return res, nil
}

// Login exchanges a user id for a backend session and makes it active.
// Distance accumulated under a previous user is pushed first; if that push
// fails the switch is refused so the distance is never credited to the new
// user.
func (s *Service) Login(ctx context.Context, userID, displayName string) (auth.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return auth.Session{}, errors.New("user_id required")
	}
	if current, ok, err := s.sessions.Current(ctx); err == nil && ok && current.UserID != userID {
		summary := s.batcher.SyncOnce(ctx, syncer.ReasonManual)
		if summary.Status == syncer.StatusRestored || summary.Status == syncer.StatusFailed {
			return auth.Session{}, fmt.Errorf("%w for %s: %s", ErrPendingDistance, current.UserID, summary.Error)
		}
	}
	grant, err := s.remote.CreateSession(ctx, userID, displayName)
	if err != nil {
		return auth.Session{}, fmt.Errorf("create session: %w", err)
	}
	sess := auth.Session{UserID: grant.UserID, Token: grant.Token, CreatedAt: s.clock.Now().UTC()}
	if err := s.sessions.Set(ctx, sess); err != nil {
		return auth.Session{}, err
	}
	s.logger.Info("signed in", "user_id", sess.UserID)
	s.batcher.Nudge()
	s.kickDelivery()
	s.stats.Invalidate(sess.UserID)
	return sess, nil
}

// Logout pushes pending distance, revokes the backend token and clears
// the session. Queued unlocks stay queued until the user signs in again.
func (s *Service) Logout(ctx context.Context) error {
	sess, ok, err := s.sessions.Current(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	summary := s.batcher.SyncOnce(ctx, syncer.ReasonManual)
	if summary.Status == syncer.StatusFailed || summary.Status == syncer.StatusRestored {
		s.logger.Warn("pending distance kept for next sign-in", "user_id", sess.UserID, "error", summary.Error)
	}
	if err := s.remote.RevokeSession(ctx); err != nil {
		s.logger.Warn("revoke session failed", "user_id", sess.UserID, "error", err)
	}
	if err := s.sessions.Clear(ctx); err != nil {
		return err
	}
	s.logger.Info("signed out", "user_id", sess.UserID)
	return nil
}

// Session returns the active session.
func (s *Service) Session(ctx context.Context) (auth.Session, bool, error) {
	return s.sessions.Current(ctx)
}

// Stats returns the display figures for the signed-in user.
func (s *Service) Stats(ctx context.Context) (stats.Display, error) {
	userID, err := s.requireUser(ctx)
	if err != nil {
		return stats.Display{}, err
	}
	return s.stats.Display(ctx, userID)
}

// RefreshStats fetches fresh figures for the signed-in user. It is a no-op
// when nobody is signed in.
func (s *Service) RefreshStats(ctx context.Context) (bool, error) {
	userID, err := s.sessions.UserID(ctx)
	if err != nil || userID == "" {
		return false, err
	}
	if _, err := s.stats.Refresh(ctx, userID); err != nil {
		return false, err
	}
	return true, nil
}

// Queue lists the signed-in user's pending unlocks.
func (s *Service) Queue(ctx context.Context) ([]delivery.Job, error) {
	userID, err := s.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	return s.queue.Jobs(ctx, userID)
}

// SyncNow pushes pending distance immediately.
func (s *Service) SyncNow(ctx context.Context) syncer.Summary {
	return s.batcher.SyncOnce(ctx, syncer.ReasonManual)
}

// ProcessQueue runs one delivery pass.
func (s *Service) ProcessQueue(ctx context.Context) delivery.Summary {
	return s.queue.Process(ctx)
}

// Reconcile checks the remote running total against the session log.
func (s *Service) Reconcile(ctx context.Context) (syncer.ReconcileResult, error) {
	return s.batcher.Reconcile(ctx)
}

// Maintain runs one maintenance pass through the orchestrator.
func (s *Service) Maintain(ctx context.Context, input MaintenanceInput) (MaintenanceResult, error) {
	return s.orchestrator.RunMaintenance(ctx, input)
}

// MaintainAsync dispatches a maintenance pass and returns its id.
func (s *Service) MaintainAsync(ctx context.Context, input MaintenanceInput) (string, error) {
	return s.orchestrator.RunMaintenanceAsync(ctx, input)
}

// Flags returns the live flag source.
func (s *Service) Flags() *flags.Source {
	return s.flags
}

// Subscribe streams unlock and delivery events. It returns false when the
// service runs without a hub.
func (s *Service) Subscribe(buffer int) (<-chan notify.Event, func(), bool) {
	if s.hub == nil {
		return nil, nil, false
	}
	ch, cancel := s.hub.Subscribe(buffer)
	return ch, cancel, true
}

// State is a debugging view of the core.
type State struct {
	UserID        string                     `json:"user_id,omitempty"`
	Active        []scroll.Batch             `json:"active"`
	InFlight      []scroll.Batch             `json:"in_flight"`
	Pending       map[string]float64         `json:"pending"`
	Rules         *achievements.RuntimeState `json:"rules,omitempty"`
	QueuedJobs    int                        `json:"queued_jobs"`
	NextAttemptAt *time.Time                 `json:"next_attempt_at,omitempty"`
	Flags         flags.Flags                `json:"flags"`
}

// State snapshots the in-memory core.
func (s *Service) State(ctx context.Context) (State, error) {
	userID, err := s.sessions.UserID(ctx)
	if err != nil {
		return State{}, err
	}
	active, inFlight := s.acc.Snapshot()
	out := State{
		UserID:   userID,
		Active:   active,
		InFlight: inFlight,
		Pending:  s.acc.Pending(),
		Flags:    s.flags.Get(),
	}
	if userID == "" {
		return out, nil
	}
	if rs, ok := s.engine.State(userID); ok {
		out.Rules = &rs
	}
	jobs, err := s.queue.Jobs(ctx, userID)
	if err != nil {
		return State{}, err
	}
	out.QueuedJobs = len(jobs)
	if next, ok := s.queue.NextDue(userID); ok {
		out.NextAttemptAt = &next
	}
	return out, nil
}

// Run drives the sync loop, the delivery loop, the flag watcher and the
// periodic maintenance pass until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.batcher.Run(ctx) })
	g.Go(func() error { return s.flags.Watch(ctx) })
	g.Go(func() error { return s.deliveryLoop(ctx) })
	g.Go(func() error { return s.maintenanceLoop(ctx) })
	return g.Wait()
}

// Shutdown writes pending rule state and waits for background refreshes.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.engine.Flush(ctx)
	s.stats.Wait()
	if err != nil {
		return fmt.Errorf("flush rule state: %w", err)
	}
	return nil
}

func (s *Service) deliveryLoop(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.opts.DeliveryInterval)
	defer ticker.Stop()
	s.logger.Info("delivery loop started", "interval", s.opts.DeliveryInterval)
	for {
		s.deliver(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("delivery loop stopped", "reason", ctx.Err())
			return nil
		case <-ticker.C:
		case <-s.kick:
		}
	}
}

func (s *Service) deliver(ctx context.Context) {
	summary := s.queue.Process(ctx)
	if summary.Delivered > 0 || summary.Failed > 0 {
		s.logger.Info("delivery pass", "delivered", summary.Delivered, "failed", summary.Failed, "remaining", summary.Remaining)
	}
}

func (s *Service) maintenanceLoop(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			id, err := s.orchestrator.RunMaintenanceAsync(ctx, MaintenanceInput{
				Reason:    "periodic",
				Sync:      true,
				Deliver:   true,
				Reconcile: true,
			})
			if err != nil {
				s.logger.Error("maintenance dispatch failed", "error", err)
				continue
			}
			s.logger.Info("maintenance dispatched", "workflow_id", id)
		}
	}
}

func (s *Service) kickDelivery() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) requireUser(ctx context.Context) (string, error) {
	userID, err := s.sessions.UserID(ctx)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", ErrNoSession
	}
	return userID, nil
}
