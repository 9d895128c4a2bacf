package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"example.com/scrollmeter/internal/clock"
	"example.com/scrollmeter/internal/delivery"
	"example.com/scrollmeter/internal/syncer"
)

var errNoSteps = errors.New("maintenance input selects no steps")

// MaintenanceInput selects the steps of one maintenance pass.
type MaintenanceInput struct {
	Reason    string `json:"reason"`
	Sync      bool   `json:"sync"`
	Deliver   bool   `json:"deliver"`
	Reconcile bool   `json:"reconcile"`
}

func (in MaintenanceInput) empty() bool {
	return !in.Sync && !in.Deliver && !in.Reconcile
}

// SyncStep is the outcome of the sync activity.
type SyncStep struct {
	syncer.Summary
	StatsRefreshed bool `json:"stats_refreshed"`
}

// MaintenanceResult captures the combined pass output.
type MaintenanceResult struct {
	WorkflowID  string                  `json:"workflow_id"`
	RunID       string                  `json:"run_id,omitempty"`
	Sync        *SyncStep               `json:"sync,omitempty"`
	Delivery    *delivery.Summary       `json:"delivery,omitempty"`
	Reconcile   *syncer.ReconcileResult `json:"reconcile,omitempty"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt time.Time               `json:"completed_at"`
}

// Orchestrator abstracts how maintenance passes are executed: inline, or
// through a Temporal workflow so passes are retried and visible there.
type Orchestrator interface {
	RunMaintenance(ctx context.Context, input MaintenanceInput) (MaintenanceResult, error)
	RunMaintenanceAsync(ctx context.Context, input MaintenanceInput) (string, error)
}

// LocalOrchestrator runs the activities in process, in workflow order.
type LocalOrchestrator struct {
	activities *Activities
	clock      clock.Clock
	logger     *slog.Logger
}

func NewLocalOrchestrator(activities *Activities, clk clock.Clock, logger *slog.Logger) *LocalOrchestrator {
	return &LocalOrchestrator{activities: activities, clock: clk, logger: logger.With("component", "maintenance.local")}
}

func (o *LocalOrchestrator) RunMaintenance(ctx context.Context, input MaintenanceInput) (MaintenanceResult, error) {
	return o.run(ctx, "local-"+uuid.NewString(), input)
}

func (o *LocalOrchestrator) RunMaintenanceAsync(ctx context.Context, input MaintenanceInput) (string, error) {
	if input.empty() {
		return "", errNoSteps
	}
	id := "local-" + uuid.NewString()
	go func() {
		if _, err := o.run(context.WithoutCancel(ctx), id, input); err != nil {
			o.logger.Error("maintenance pass failed", "workflow_id", id, "error", err)
		}
	}()
	return id, nil
}

func (o *LocalOrchestrator) run(ctx context.Context, id string, input MaintenanceInput) (MaintenanceResult, error) {
	if input.empty() {
		return MaintenanceResult{}, errNoSteps
	}
	result := MaintenanceResult{WorkflowID: id, StartedAt: o.clock.Now()}
	if input.Sync {
		step, err := o.activities.SyncActivity(ctx, input)
		if err != nil {
			return result, fmt.Errorf("sync step: %w", err)
		}
		result.Sync = &step
	}
	if input.Deliver {
		summary, err := o.activities.DeliverActivity(ctx, input)
		if err != nil {
			return result, fmt.Errorf("deliver step: %w", err)
		}
		result.Delivery = &summary
	}
	if input.Reconcile {
		rec, err := o.activities.ReconcileActivity(ctx, input)
		if err != nil {
			return result, fmt.Errorf("reconcile step: %w", err)
		}
		result.Reconcile = &rec
	}
	result.CompletedAt = o.clock.Now()
	o.logger.Info("maintenance pass completed", "workflow_id", id, "reason", input.Reason)
	return result, nil
}
