package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gustavoflandal/manutflow/pkg/models"
	"github.com/gustavoflandal/manutflow/pkg/notify"
	"github.com/gustavoflandal/manutflow/pkg/service"
	"github.com/gustavoflandal/manutflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionRetryBackoff(t *testing.T) {
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	store := storage.NewMockStore()
	exec := service.NewActionExecutor(store, &notify.Recorder{}, clock, logger{})
	ctx := context.Background()

	inst := seedInstance(t, store, approvalDefinition(), t0, map[string]interface{}{"cost": 600.0})

	var mu sync.Mutex
	calls := 0
	exec.Register(models.RunScriptAction, func(_ context.Context, _ models.Action, _ models.Instance) (service.HandlerResult, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return service.HandlerResult{}, errors.New("script runtime offline")
	})

	acts, err := exec.Enqueue(ctx, inst.ID, []models.ActionSpec{{
		Kind:        models.RunScriptAction,
		Config:      mustJSON(t, models.RunScriptConfig{Name: "close-work-order"}),
		Automatic:   true,
		MaxAttempts: 3,
	}})
	require.NoError(t, err)
	require.Len(t, acts, 1)
	id := acts[0].ID

	// First attempt fails and re-arms with a 2 minute backoff.
	exec.RunReady(ctx)
	act, err := store.GetAction(id)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduledActionStatus, act.Status)
	assert.Equal(t, 1, act.Attempts)
	require.NotNil(t, act.ScheduledAt)
	assert.Equal(t, t0.Add(2*time.Minute), *act.ScheduledAt)

	// Not due yet: the sweep leaves it alone.
	clock.Advance(time.Minute)
	exec.RunReady(ctx)
	act, _ = store.GetAction(id)
	assert.Equal(t, 1, act.Attempts)

	// Second attempt fails; the backoff doubles to 4 minutes.
	clock.Advance(time.Minute)
	exec.RunReady(ctx)
	secondFailure := clock.Now()
	act, _ = store.GetAction(id)
	assert.Equal(t, models.ScheduledActionStatus, act.Status)
	assert.Equal(t, 2, act.Attempts)
	require.NotNil(t, act.ScheduledAt)
	assert.False(t, act.ScheduledAt.Before(secondFailure.Add(4*time.Minute)))

	clock.Advance(3 * time.Minute)
	exec.RunReady(ctx)
	act, _ = store.GetAction(id)
	assert.Equal(t, 2, act.Attempts, "retry fired before its backoff elapsed")

	// Third attempt exhausts the budget: permanent ERROR, no reschedule.
	clock.Advance(3 * time.Minute)
	exec.RunReady(ctx)
	act, _ = store.GetAction(id)
	assert.Equal(t, models.ErrorActionStatus, act.Status)
	assert.Equal(t, 3, act.Attempts)
	assert.NotNil(t, act.FinishedAt)
	assert.Contains(t, act.ErrorMsg, "script runtime offline")

	clock.Advance(time.Hour)
	exec.RunReady(ctx)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls, "handler ran past the attempt budget")
}

func TestActionDependencies(t *testing.T) {
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	store := storage.NewMockStore()
	exec := service.NewActionExecutor(store, &notify.Recorder{}, clock, logger{})
	ctx := context.Background()

	inst := seedInstance(t, store, approvalDefinition(), t0, map[string]interface{}{"cost": 600.0})

	t.Run("dependent waits for its dependency", func(t *testing.T) {
		var mu sync.Mutex
		var order []models.ActionKind
		record := func(kind models.ActionKind) {
			mu.Lock()
			order = append(order, kind)
			mu.Unlock()
		}
		exec.Register(models.RunScriptAction, func(_ context.Context, _ models.Action, _ models.Instance) (service.HandlerResult, error) {
			record(models.RunScriptAction)
			return service.HandlerResult{Message: "done"}, nil
		})
		exec.Register(models.GenerateDocumentAction, func(_ context.Context, _ models.Action, _ models.Instance) (service.HandlerResult, error) {
			record(models.GenerateDocumentAction)
			return service.HandlerResult{Message: "done"}, nil
		})

		acts, err := exec.Enqueue(ctx, inst.ID, []models.ActionSpec{
			{Kind: models.RunScriptAction, Config: mustJSON(t, models.RunScriptConfig{Name: "prepare"})},
			{Kind: models.GenerateDocumentAction, Config: mustJSON(t, models.GenerateDocumentConfig{Template: "report"}), DependsOn: []int{0}},
		})
		require.NoError(t, err)
		require.Len(t, acts, 2)
		assert.Equal(t, []string{acts[0].ID}, acts[1].Dependencies)

		// A deferred dependent is picked up again on a later sweep.
		for i := 0; i < 3; i++ {
			exec.RunReady(ctx)
		}
		for _, a := range acts {
			got, err := store.GetAction(a.ID)
			require.NoError(t, err)
			assert.Equal(t, models.ExecutedActionStatus, got.Status)
		}
		mu.Lock()
		defer mu.Unlock()
		require.Len(t, order, 2)
		assert.Equal(t, models.RunScriptAction, order[0])
		assert.Equal(t, models.GenerateDocumentAction, order[1])
	})

	t.Run("failed dependency keeps the dependent deferred", func(t *testing.T) {
		exec.Register(models.RunScriptAction, func(_ context.Context, _ models.Action, _ models.Instance) (service.HandlerResult, error) {
			return service.HandlerResult{}, errors.New("boom")
		})
		acts, err := exec.Enqueue(ctx, inst.ID, []models.ActionSpec{
			{Kind: models.RunScriptAction, Config: mustJSON(t, models.RunScriptConfig{Name: "prepare"})},
			{Kind: models.GenerateDocumentAction, Config: mustJSON(t, models.GenerateDocumentConfig{Template: "report"}), DependsOn: []int{0}},
		})
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			exec.RunReady(ctx)
		}
		dep, _ := store.GetAction(acts[0].ID)
		assert.Equal(t, models.ErrorActionStatus, dep.Status)
		dependent, _ := store.GetAction(acts[1].ID)
		assert.Equal(t, models.PendingActionStatus, dependent.Status)
	})

	t.Run("dependency index out of range", func(t *testing.T) {
		_, err := exec.Enqueue(ctx, inst.ID, []models.ActionSpec{
			{Kind: models.EscalateAction, DependsOn: []int{5}},
		})
		assert.Error(t, err)
	})
}

func TestActionRevert(t *testing.T) {
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	store := storage.NewMockStore()
	exec := service.NewActionExecutor(store, &notify.Recorder{}, clock, logger{})
	ctx := context.Background()

	inst := seedInstance(t, store, approvalDefinition(), t0, nil)
	inst.Owner = "tech-1"
	require.NoError(t, store.UpdateInstance(inst))

	acts, err := exec.Enqueue(ctx, inst.ID, []models.ActionSpec{{
		Kind:       models.SetOwnerAction,
		Config:     mustJSON(t, models.SetOwnerConfig{Owner: "tech-2"}),
		Reversible: true,
	}})
	require.NoError(t, err)
	id := acts[0].ID

	res, err := exec.Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutedActionStatus, res.Status)
	got, _ := store.GetInstance(inst.ID)
	assert.Equal(t, "tech-2", got.Owner)

	require.NoError(t, exec.Revert(ctx, id))
	act, _ := store.GetAction(id)
	assert.Equal(t, models.CancelledActionStatus, act.Status)
	assert.Equal(t, "reverted", act.Result)
	got, _ = store.GetInstance(inst.ID)
	assert.Equal(t, "tech-1", got.Owner)

	// Only EXECUTED actions revert.
	assert.Error(t, exec.Revert(ctx, id))
}

func TestCancelAction(t *testing.T) {
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	store := storage.NewMockStore()
	exec := service.NewActionExecutor(store, &notify.Recorder{}, clock, logger{})
	ctx := context.Background()

	inst := seedInstance(t, store, approvalDefinition(), t0, nil)
	acts, err := exec.Enqueue(ctx, inst.ID, []models.ActionSpec{
		{Kind: models.EscalateAction},
		{Kind: models.BackupSnapshotAction},
	})
	require.NoError(t, err)

	require.NoError(t, exec.CancelAction(ctx, acts[0].ID))
	act, _ := store.GetAction(acts[0].ID)
	assert.Equal(t, models.CancelledActionStatus, act.Status)
	assert.Error(t, exec.CancelAction(ctx, acts[0].ID))

	// An executed action cannot be cancelled anymore.
	_, err = exec.Execute(ctx, acts[1].ID)
	require.NoError(t, err)
	assert.Error(t, exec.CancelAction(ctx, acts[1].ID))
}

func TestActionRunCeiling(t *testing.T) {
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	store := storage.NewMockStore()
	exec := service.NewActionExecutor(store, &notify.Recorder{}, clock, logger{},
		service.WithActionTimeout(20*time.Millisecond))
	ctx := context.Background()

	inst := seedInstance(t, store, approvalDefinition(), t0, nil)
	exec.Register(models.RunScriptAction, func(runCtx context.Context, _ models.Action, _ models.Instance) (service.HandlerResult, error) {
		<-runCtx.Done()
		return service.HandlerResult{}, runCtx.Err()
	})

	acts, err := exec.Enqueue(ctx, inst.ID, []models.ActionSpec{{
		Kind:   models.RunScriptAction,
		Config: mustJSON(t, models.RunScriptConfig{Name: "hang"}),
	}})
	require.NoError(t, err)

	res, err := exec.Execute(ctx, acts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorActionStatus, res.Status)
	act, _ := store.GetAction(acts[0].ID)
	assert.Contains(t, act.ErrorMsg, "exceeded run ceiling")
}

func TestRunReadyPriorityOrder(t *testing.T) {
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	store := storage.NewMockStore()
	// Single worker so completion order follows claim order.
	exec := service.NewActionExecutor(store, &notify.Recorder{}, clock, logger{},
		service.WithActionWorkers(1))
	ctx := context.Background()

	inst := seedInstance(t, store, approvalDefinition(), t0, nil)

	var mu sync.Mutex
	var order []string
	exec.Register(models.RunScriptAction, func(_ context.Context, act models.Action, _ models.Instance) (service.HandlerResult, error) {
		cfg, err := models.DecodeActionConfig(act.Kind, act.Config)
		if err != nil {
			return service.HandlerResult{}, err
		}
		mu.Lock()
		order = append(order, cfg.(*models.RunScriptConfig).Name)
		mu.Unlock()
		return service.HandlerResult{}, nil
	})

	_, err := exec.Enqueue(ctx, inst.ID, []models.ActionSpec{
		{Kind: models.RunScriptAction, Config: mustJSON(t, models.RunScriptConfig{Name: "low"}), Priority: 1},
		{Kind: models.RunScriptAction, Config: mustJSON(t, models.RunScriptConfig{Name: "high"}), Priority: 10},
	})
	require.NoError(t, err)

	exec.RunReady(ctx)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "low"}, order)
}
