package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"example.com/scrollmeter/internal/clock"
	"example.com/scrollmeter/internal/delivery"
	"example.com/scrollmeter/internal/logging"
	"example.com/scrollmeter/internal/syncer"
)

type fakeMaintainer struct {
	syncFailures atomic.Int32
	syncs        atomic.Int32
	deliveries   atomic.Int32
	reconciles   atomic.Int32
	reconcileErr error
}

func (f *fakeMaintainer) SyncNow(context.Context) syncer.Summary {
	f.syncs.Add(1)
	if f.syncFailures.Load() > 0 {
		f.syncFailures.Add(-1)
		return syncer.Summary{Reason: syncer.ReasonManual, Status: syncer.StatusRestored, Error: "backend unavailable"}
	}
	return syncer.Summary{Reason: syncer.ReasonManual, Status: syncer.StatusSynced, Batches: 1, Meters: 42, Inserted: 1}
}

func (f *fakeMaintainer) RefreshStats(context.Context) (bool, error) { return true, nil }

func (f *fakeMaintainer) ProcessQueue(context.Context) delivery.Summary {
	f.deliveries.Add(1)
	return delivery.Summary{Due: 2, Delivered: 2}
}

func (f *fakeMaintainer) Reconcile(context.Context) (syncer.ReconcileResult, error) {
	f.reconciles.Add(1)
	if f.reconcileErr != nil {
		return syncer.ReconcileResult{}, f.reconcileErr
	}
	return syncer.ReconcileResult{UserID: "ada", Maintained: 42, Recomputed: 42}, nil
}

func newWorkflowEnv(t *testing.T, core Maintainer) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	registerMaintenance(env, NewActivities(core, logging.Discard()))
	return env
}

func TestMaintenanceWorkflowRunsSelectedSteps(t *testing.T) {
	core := &fakeMaintainer{}
	env := newWorkflowEnv(t, core)

	env.ExecuteWorkflow(MaintenanceWorkflow, MaintenanceInput{Reason: "test", Sync: true, Deliver: true})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result MaintenanceResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.NotNil(t, result.Sync)
	assert.Equal(t, syncer.StatusSynced, result.Sync.Status)
	assert.Equal(t, 42.0, result.Sync.Meters)
	assert.True(t, result.Sync.StatsRefreshed)
	require.NotNil(t, result.Delivery)
	assert.Equal(t, 2, result.Delivery.Delivered)
	assert.Nil(t, result.Reconcile)
	assert.Zero(t, core.reconciles.Load())
}

func TestMaintenanceWorkflowRetriesFailedSync(t *testing.T) {
	core := &fakeMaintainer{}
	core.syncFailures.Store(2)
	env := newWorkflowEnv(t, core)

	env.ExecuteWorkflow(MaintenanceWorkflow, MaintenanceInput{Reason: "test", Sync: true, Reconcile: true})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, int32(3), core.syncs.Load())

	var result MaintenanceResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.NotNil(t, result.Reconcile)
	assert.Equal(t, 42.0, result.Reconcile.Recomputed)
}

func TestMaintenanceWorkflowFailsAfterRetries(t *testing.T) {
	core := &fakeMaintainer{reconcileErr: errors.New("heal total: boom")}
	env := newWorkflowEnv(t, core)

	env.ExecuteWorkflow(MaintenanceWorkflow, MaintenanceInput{Reason: "test", Reconcile: true})
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	assert.Equal(t, int32(3), core.reconciles.Load())
}

func TestMaintenanceWorkflowRejectsEmptyInput(t *testing.T) {
	core := &fakeMaintainer{}
	env := newWorkflowEnv(t, core)

	env.ExecuteWorkflow(MaintenanceWorkflow, MaintenanceInput{Reason: "test"})
	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), errNoSteps.Error())
	assert.Zero(t, core.syncs.Load())
}

func TestLocalOrchestratorAsync(t *testing.T) {
	core := &fakeMaintainer{}
	o := NewLocalOrchestrator(NewActivities(core, logging.Discard()), clock.Real(), logging.Discard())

	_, err := o.RunMaintenanceAsync(context.Background(), MaintenanceInput{})
	require.ErrorIs(t, err, errNoSteps)

	id, err := o.RunMaintenanceAsync(context.Background(), MaintenanceInput{Reason: "test", Deliver: true})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Eventually(t, func() bool { return core.deliveries.Load() == 1 }, time.Second, 5*time.Millisecond)
}
