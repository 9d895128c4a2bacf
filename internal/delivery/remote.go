package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"example.com/scrollmeter/internal/remote"
)

// Backend is the slice of the remote client used for achievements.
type Backend interface {
	Capabilities(ctx context.Context) (remote.Capabilities, error)
	InsertAchievement(ctx context.Context, row remote.AchievementRow, schema int) (remote.Achievement, error)
	GetAchievement(ctx context.Context, eventKey string) (remote.Achievement, error)
	GenerateBadge(ctx context.Context, req remote.BadgeRequest) (remote.Achievement, error)
}

// BadgeGate reports whether generated badges should be attempted.
type BadgeGate interface {
	AIBadgesEnabled() bool
}

// RemoteDeliverer writes jobs as achievement rows. It negotiates the row
// shape with the backend and caches the answer until the backend rejects it.
type RemoteDeliverer struct {
	backend Backend
	gate    BadgeGate
	logger  *slog.Logger

	mu     sync.Mutex
	schema int
}

func NewRemoteDeliverer(backend Backend, gate BadgeGate, logger *slog.Logger) *RemoteDeliverer {
	return &RemoteDeliverer{
		backend: backend,
		gate:    gate,
		logger:  logger.With("component", "delivery.remote"),
	}
}

func (d *RemoteDeliverer) Deliver(ctx context.Context, job Job) (Receipt, error) {
	if d.gate != nil && d.gate.AIBadgesEnabled() {
		a, err := d.backend.GenerateBadge(ctx, remote.BadgeRequest{
			EventKey:     job.EventKey,
			TriggerType:  string(job.Trigger.Type),
			TriggerValue: job.Trigger.Value,
			Site:         job.Trigger.Site,
			Snapshot:     job.Snapshot,
		})
		if err == nil {
			return Receipt{AchievementID: a.ID, Source: a.Source}, nil
		}
		if !remote.IsUnavailable(err) {
			return Receipt{}, fmt.Errorf("generate badge: %w", err)
		}
		d.logger.Info("badge generation unavailable, using deterministic title", "event_key", job.EventKey, "error", err)
	}
	return d.insertDeterministic(ctx, job)
}

func (d *RemoteDeliverer) insertDeterministic(ctx context.Context, job Job) (Receipt, error) {
	schema, err := d.schemaVersion(ctx)
	if err != nil {
		return Receipt{}, err
	}
	row := remote.AchievementRow{
		EventKey:     job.EventKey,
		Title:        job.Toast.Title,
		Body:         job.Toast.Body,
		TriggerType:  string(job.Trigger.Type),
		TriggerValue: job.Trigger.Value,
		Site:         job.Trigger.Site,
		Snapshot:     job.Snapshot,
		Meta:         job.Meta,
		Source:       "deterministic",
	}

	a, err := d.backend.InsertAchievement(ctx, row, schema)
	if errors.Is(err, remote.ErrSchemaMismatch) && schema >= remote.SchemaFull {
		d.logger.Warn("backend rejected full achievement row, retrying legacy shape", "event_key", job.EventKey)
		a, err = d.backend.InsertAchievement(ctx, row, remote.SchemaLegacy)
		if err == nil || errors.Is(err, remote.ErrConflict) {
			d.pinSchema(remote.SchemaLegacy)
		}
	}
	if errors.Is(err, remote.ErrConflict) {
		existing, gerr := d.backend.GetAchievement(ctx, job.EventKey)
		if gerr != nil {
			return Receipt{}, fmt.Errorf("fetch existing achievement: %w", gerr)
		}
		return Receipt{AchievementID: existing.ID, Source: existing.Source, Existing: true}, nil
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("insert achievement: %w", err)
	}
	return Receipt{AchievementID: a.ID, Source: a.Source}, nil
}

// schemaVersion returns the cached capability, probing the backend when
// unknown. A backend without the probe endpoint is treated as legacy.
func (d *RemoteDeliverer) schemaVersion(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.schema != 0 {
		return d.schema, nil
	}
	caps, err := d.backend.Capabilities(ctx)
	if err != nil {
		var apiErr *remote.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			d.schema = remote.SchemaLegacy
			return d.schema, nil
		}
		return 0, fmt.Errorf("probe capabilities: %w", err)
	}
	d.schema = caps.AchievementSchema
	if d.schema < remote.SchemaLegacy {
		d.schema = remote.SchemaLegacy
	}
	d.logger.Info("achievement schema negotiated", "schema", d.schema)
	return d.schema, nil
}

// pinSchema overrides the advertised capability once the backend has shown
// which row shape it actually accepts.
func (d *RemoteDeliverer) pinSchema(v int) {
	d.mu.Lock()
	d.schema = v
	d.mu.Unlock()
}
