package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	temporalworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"example.com/scrollmeter/internal/clock"
	"example.com/scrollmeter/internal/delivery"
	"example.com/scrollmeter/internal/syncer"
)

const (
	maintenanceTaskQueue      = "scrollmeter-maintenance"
	maintenanceWorkflowName   = "scrollmeter.maintenance"
	syncActivityName          = "scrollmeter.sync"
	deliverActivityName       = "scrollmeter.deliver"
	reconcileActivityName     = "scrollmeter.reconcile"
	maintenanceWorkflowExpiry = 15 * time.Minute
)

// Maintainer is what the activities drive. Service implements it.
type Maintainer interface {
	SyncNow(ctx context.Context) syncer.Summary
	RefreshStats(ctx context.Context) (bool, error)
	ProcessQueue(ctx context.Context) delivery.Summary
	Reconcile(ctx context.Context) (syncer.ReconcileResult, error)
}

// Activities hosts the activity implementations over the agent core.
type Activities struct {
	core   Maintainer
	logger *slog.Logger
}

func NewActivities(core Maintainer, logger *slog.Logger) *Activities {
	return &Activities{core: core, logger: logger.With("component", "maintenance.activities")}
}

// SyncActivity pushes pending distance and refreshes the stats snapshot.
// A failed push is returned as an error so the workflow retries it; the
// batches themselves are already restored locally.
func (a *Activities) SyncActivity(ctx context.Context, input MaintenanceInput) (SyncStep, error) {
	step := SyncStep{Summary: a.core.SyncNow(ctx)}
	if step.Status == syncer.StatusFailed || step.Status == syncer.StatusRestored {
		a.logger.Warn("activity sync failed", "status", step.Status, "error", step.Error, "reason", input.Reason)
		return step, fmt.Errorf("sync %s: %s", step.Status, step.Error)
	}
	refreshed, err := a.core.RefreshStats(ctx)
	if err != nil {
		a.logger.Warn("activity stats refresh failed", "error", err, "reason", input.Reason)
	}
	step.StatsRefreshed = refreshed
	a.logger.Info("activity sync", "status", step.Status, "batches", step.Batches, "meters", step.Meters, "reason", input.Reason)
	return step, nil
}

// DeliverActivity runs one delivery pass. Per-job failures are rescheduled
// by the queue and never fail the activity.
func (a *Activities) DeliverActivity(ctx context.Context, input MaintenanceInput) (delivery.Summary, error) {
	summary := a.core.ProcessQueue(ctx)
	a.logger.Info("activity deliver", "due", summary.Due, "delivered", summary.Delivered, "failed", summary.Failed, "reason", input.Reason)
	return summary, nil
}

// ReconcileActivity heals drift between the running total and the log.
func (a *Activities) ReconcileActivity(ctx context.Context, input MaintenanceInput) (syncer.ReconcileResult, error) {
	res, err := a.core.Reconcile(ctx)
	if err != nil {
		a.logger.Error("activity reconcile failed", "error", err, "reason", input.Reason)
		return res, err
	}
	a.logger.Info("activity reconcile", "drift", res.Drift, "healed", res.Healed, "skipped", res.Skipped, "reason", input.Reason)
	return res, nil
}

// MaintenanceWorkflow runs sync, delivery and reconciliation in that order.
func MaintenanceWorkflow(ctx workflow.Context, input MaintenanceInput) (MaintenanceResult, error) {
	logger := workflow.GetLogger(ctx)
	if input.empty() {
		return MaintenanceResult{}, temporal.NewNonRetryableApplicationError(errNoSteps.Error(), "EmptyMaintenance", nil)
	}
	options := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, options)

	result := MaintenanceResult{StartedAt: workflow.Now(ctx)}
	logger.Info("maintenance workflow started", "sync", input.Sync, "deliver", input.Deliver, "reconcile", input.Reconcile, "reason", input.Reason)

	if input.Sync {
		var step SyncStep
		if err := workflow.ExecuteActivity(ctx, syncActivityName, input).Get(ctx, &step); err != nil {
			logger.Error("sync activity failed", "error", err)
			return result, err
		}
		result.Sync = &step
	}

	if input.Deliver {
		var summary delivery.Summary
		if err := workflow.ExecuteActivity(ctx, deliverActivityName, input).Get(ctx, &summary); err != nil {
			logger.Error("deliver activity failed", "error", err)
			return result, err
		}
		result.Delivery = &summary
	}

	if input.Reconcile {
		var rec syncer.ReconcileResult
		if err := workflow.ExecuteActivity(ctx, reconcileActivityName, input).Get(ctx, &rec); err != nil {
			logger.Error("reconcile activity failed", "error", err)
			return result, err
		}
		result.Reconcile = &rec
	}

	result.CompletedAt = workflow.Now(ctx)
	logger.Info("maintenance workflow finished", "reason", input.Reason)
	return result, nil
}

// registry is the registration surface shared by Temporal workers and the
// workflow test environment.
type registry interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

func registerMaintenance(r registry, activities *Activities) {
	r.RegisterWorkflowWithOptions(MaintenanceWorkflow, workflow.RegisterOptions{Name: maintenanceWorkflowName})
	r.RegisterActivityWithOptions(activities.SyncActivity, activity.RegisterOptions{Name: syncActivityName})
	r.RegisterActivityWithOptions(activities.DeliverActivity, activity.RegisterOptions{Name: deliverActivityName})
	r.RegisterActivityWithOptions(activities.ReconcileActivity, activity.RegisterOptions{Name: reconcileActivityName})
}

// RegisterMaintenanceWorker wires up the Temporal worker consuming the
// maintenance task queue.
func RegisterMaintenanceWorker(c client.Client, core Maintainer, logger *slog.Logger) temporalworker.Worker {
	w := temporalworker.New(c, maintenanceTaskQueue, temporalworker.Options{})
	registerMaintenance(w, NewActivities(core, logger))
	return w
}

// TemporalOrchestrator starts maintenance workflows through the Temporal
// client.
type TemporalOrchestrator struct {
	client client.Client
	clock  clock.Clock
	logger *slog.Logger
}

func NewTemporalOrchestrator(c client.Client, clk clock.Clock, logger *slog.Logger) *TemporalOrchestrator {
	return &TemporalOrchestrator{client: c, clock: clk, logger: logger.With("component", "maintenance.orchestrator")}
}

func (o *TemporalOrchestrator) startOptions(input MaintenanceInput) client.StartWorkflowOptions {
	return client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("maintenance-%s-%d", input.Reason, o.clock.Now().UnixNano()),
		TaskQueue:                maintenanceTaskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionTimeout: maintenanceWorkflowExpiry,
	}
}

func (o *TemporalOrchestrator) RunMaintenance(ctx context.Context, input MaintenanceInput) (MaintenanceResult, error) {
	we, err := o.client.ExecuteWorkflow(ctx, o.startOptions(input), maintenanceWorkflowName, input)
	if err != nil {
		o.logger.Error("start workflow failed", "reason", input.Reason, "error", err)
		return MaintenanceResult{}, err
	}
	var result MaintenanceResult
	err = we.Get(ctx, &result)
	result.WorkflowID = we.GetID()
	result.RunID = we.GetRunID()
	if err != nil {
		o.logger.Error("wait workflow failed", "workflow_id", result.WorkflowID, "error", err)
		return result, err
	}
	o.logger.Info("workflow completed", "workflow_id", result.WorkflowID, "run_id", result.RunID, "reason", input.Reason)
	return result, nil
}

func (o *TemporalOrchestrator) RunMaintenanceAsync(ctx context.Context, input MaintenanceInput) (string, error) {
	we, err := o.client.ExecuteWorkflow(ctx, o.startOptions(input), maintenanceWorkflowName, input)
	if err != nil {
		o.logger.Error("start workflow async failed", "reason", input.Reason, "error", err)
		return "", err
	}
	o.logger.Info("workflow dispatched", "workflow_id", we.GetID(), "run_id", we.GetRunID(), "reason", input.Reason)
	return we.GetID(), nil
}

// MaintenanceTaskQueue exposes the queue name for workers started elsewhere.
func MaintenanceTaskQueue() string {
	return maintenanceTaskQueue
}
