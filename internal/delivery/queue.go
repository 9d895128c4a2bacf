// Package delivery persists unlocked achievements and delivers them to the
// remote service at least once, retrying with backoff.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"example.com/scrollmeter/internal/achievements"
	"example.com/scrollmeter/internal/clock"
	"example.com/scrollmeter/internal/kvstore"
	"example.com/scrollmeter/internal/notify"
)

const queueKey = "delivery/queue/v1"

// backoff is indexed by attempt-1; the last step repeats forever.
var backoff = []time.Duration{
	2 * time.Second,
	10 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
}

// Backoff returns the delay scheduled after the given failed attempt.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(backoff) {
		attempt = len(backoff)
	}
	return backoff[attempt-1]
}

// Job is one pending unlock.
type Job struct {
	ID            string                `json:"id"`
	UserID        string                `json:"user_id"`
	EventKey      string                `json:"event_key"`
	Trigger       achievements.Trigger  `json:"trigger"`
	Snapshot      achievements.Snapshot `json:"snapshot"`
	Toast         achievements.Toast    `json:"toast"`
	Meta          map[string]string     `json:"meta,omitempty"`
	Attempt       int                   `json:"attempt"`
	NextAttemptAt time.Time             `json:"next_attempt_at"`
	CreatedAt     time.Time             `json:"created_at"`
	LastError     string                `json:"last_error,omitempty"`
}

// Receipt describes a successful delivery.
type Receipt struct {
	AchievementID string
	Source        string
	// Existing is set when the row was already stored by an earlier attempt.
	Existing bool
}

// Deliverer writes one job to the remote service.
type Deliverer interface {
	Deliver(ctx context.Context, job Job) (Receipt, error)
}

// Users resolves the signed-in user.
type Users interface {
	UserID(ctx context.Context) (string, error)
}

// Summary describes one processing pass.
type Summary struct {
	Skipped   bool `json:"skipped,omitempty"`
	NoSession bool `json:"no_session,omitempty"`
	Due       int  `json:"due"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
	Remaining int  `json:"remaining"`
}

// Queue is the durable delivery queue. The whole queue is persisted under
// one key after every mutation.
type Queue struct {
	store     kvstore.Store
	deliverer Deliverer
	users     Users
	notifier  notify.Notifier
	clock     clock.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	loaded bool
	jobs   []Job

	processing atomic.Bool
}

func NewQueue(store kvstore.Store, deliverer Deliverer, users Users, notifier notify.Notifier, clk clock.Clock, logger *slog.Logger) *Queue {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Queue{
		store:     store,
		deliverer: deliverer,
		users:     users,
		notifier:  notifier,
		clock:     clk,
		logger:    logger.With("component", "delivery.queue"),
	}
}

func (q *Queue) hydrateLocked(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	var jobs []Job
	if _, err := q.store.Get(ctx, queueKey, &jobs); err != nil {
		return fmt.Errorf("load delivery queue: %w", err)
	}
	q.jobs = jobs
	q.loaded = true
	if len(jobs) > 0 {
		q.logger.Info("delivery queue loaded", "jobs", len(jobs))
	}
	return nil
}

func (q *Queue) persistLocked(ctx context.Context) error {
	if err := q.store.Set(ctx, queueKey, q.jobs); err != nil {
		return fmt.Errorf("persist delivery queue: %w", err)
	}
	return nil
}

// Enqueue appends an unlock unless a job for the same user and event key
// is already queued. It reports whether a job was added.
func (q *Queue) Enqueue(ctx context.Context, ev achievements.UnlockEvent) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.hydrateLocked(ctx); err != nil {
		return false, err
	}
	for _, job := range q.jobs {
		if job.UserID == ev.UserID && job.EventKey == ev.EventKey {
			return false, nil
		}
	}
	now := q.clock.Now()
	job := Job{
		ID:            uuid.NewString(),
		UserID:        ev.UserID,
		EventKey:      ev.EventKey,
		Trigger:       ev.Trigger,
		Snapshot:      ev.Snapshot,
		Toast:         ev.Toast,
		Meta:          map[string]string{"day_key": ev.Snapshot.DayKey},
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	q.jobs = append(q.jobs, job)
	if err := q.persistLocked(ctx); err != nil {
		q.jobs = q.jobs[:len(q.jobs)-1]
		return false, err
	}
	q.logger.Info("unlock queued", "user_id", ev.UserID, "event_key", ev.EventKey)
	return true, nil
}

// Jobs lists queued jobs for userID in creation order.
func (q *Queue) Jobs(ctx context.Context, userID string) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.hydrateLocked(ctx); err != nil {
		return nil, err
	}
	var out []Job
	for _, job := range q.jobs {
		if job.UserID == userID {
			out = append(out, job)
		}
	}
	return out, nil
}

// Process delivers every due job of the signed-in user. Only one pass runs
// at a time; a call made while another is running returns Skipped.
func (q *Queue) Process(ctx context.Context) Summary {
	if !q.processing.CompareAndSwap(false, true) {
		return Summary{Skipped: true}
	}
	defer q.processing.Store(false)

	userID, err := q.users.UserID(ctx)
	if err != nil {
		q.logger.Warn("resolve session failed", "error", err)
		return Summary{NoSession: true}
	}
	if userID == "" {
		return Summary{NoSession: true}
	}

	now := q.clock.Now()
	q.mu.Lock()
	if err := q.hydrateLocked(ctx); err != nil {
		q.mu.Unlock()
		q.logger.Error("hydrate delivery queue failed", "error", err)
		return Summary{}
	}
	var due []Job
	for _, job := range q.jobs {
		if job.UserID == userID && !job.NextAttemptAt.After(now) {
			due = append(due, job)
		}
	}
	q.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })

	summary := Summary{Due: len(due)}
	for _, job := range due {
		if ctx.Err() != nil {
			break
		}
		receipt, err := q.deliverer.Deliver(ctx, job)
		if err != nil {
			summary.Failed++
			q.recordFailure(ctx, job, err)
			continue
		}
		summary.Delivered++
		q.complete(ctx, job, receipt)
	}

	q.mu.Lock()
	for _, job := range q.jobs {
		if job.UserID == userID {
			summary.Remaining++
		}
	}
	q.mu.Unlock()
	return summary
}

func (q *Queue) complete(ctx context.Context, job Job, receipt Receipt) {
	q.mu.Lock()
	for i := range q.jobs {
		if q.jobs[i].ID == job.ID {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			break
		}
	}
	err := q.persistLocked(ctx)
	q.mu.Unlock()
	if err != nil {
		q.logger.Error("persist after delivery failed", "job_id", job.ID, "error", err)
	}
	q.logger.Info("unlock delivered",
		"user_id", job.UserID, "event_key", job.EventKey, "attempts", job.Attempt+1,
		"source", receipt.Source, "existing", receipt.Existing)
	if err := q.notifier.NotifyDelivered(ctx, notify.Completion{
		UserID:   job.UserID,
		EventKey: job.EventKey,
		JobID:    job.ID,
		Attempts: job.Attempt + 1,
		Title:    job.Toast.Title,
		Source:   receipt.Source,
	}); err != nil {
		q.logger.Warn("completion notification failed", "event_key", job.EventKey, "error", err)
	}
}

func (q *Queue) recordFailure(ctx context.Context, job Job, cause error) {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.jobs {
		if q.jobs[i].ID != job.ID {
			continue
		}
		j := &q.jobs[i]
		j.Attempt++
		j.NextAttemptAt = now.Add(Backoff(j.Attempt))
		j.LastError = cause.Error()
		q.logger.Warn("unlock delivery failed",
			"user_id", j.UserID, "event_key", j.EventKey, "attempt", j.Attempt,
			"next_attempt_at", j.NextAttemptAt, "error", cause)
		break
	}
	if err := q.persistLocked(ctx); err != nil {
		q.logger.Error("persist after failed delivery failed", "job_id", job.ID, "error", err)
	}
}

// NextDue reports the earliest scheduled attempt for userID.
func (q *Queue) NextDue(userID string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	found := false
	for _, job := range q.jobs {
		if job.UserID != userID {
			continue
		}
		if !found || job.NextAttemptAt.Before(next) {
			next = job.NextAttemptAt
			found = true
		}
	}
	return next, found
}
