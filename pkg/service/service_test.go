package service_test

import (
	"context"
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

func newTestService(clock *fakeClock) (*service.WorkflowService, storage.Store) {
	store := storage.NewMockStore()
	svc := service.NewWorkflowService(store, &notify.Recorder{}, logger{}, service.WithClock(clock))
	return svc, store
}

func TestWorkflowRoundTrip(t *testing.T) {
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	svc, _ := newTestService(clock)
	ctx := context.Background()

	res, err := svc.Publish(approvalDefinition())
	require.NoError(t, err)
	require.True(t, res.Valid)

	inst, err := svc.StartInstance(ctx, "purchase-approval",
		map[string]interface{}{"cost": 600.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, "created", inst.CurrentState)
	assert.Equal(t, models.ActiveInstanceStatus, inst.Status)

	inst, err = svc.Transition(ctx, inst.ID, "pending_approval", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "pending_approval", inst.CurrentState)
	assert.Equal(t, models.ActiveInstanceStatus, inst.Status)

	inst, err = svc.Transition(ctx, inst.ID, "approved", approver(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, "approved", inst.CurrentState)
	assert.Equal(t, models.CompletedInstanceStatus, inst.Status)

	history, err := svc.History(inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "created", history[0].FromState)
	assert.Equal(t, "pending_approval", history[0].ToState)
	assert.Equal(t, "pending_approval", history[1].FromState)
	assert.Equal(t, "approved", history[1].ToState)
	assert.Equal(t, 1, history[0].Seq)
	assert.Equal(t, 2, history[1].Seq)

	// Terminal instances accept no further transitions.
	_, err = svc.Transition(ctx, inst.ID, "rejected", approver(), "too late", nil)
	assert.ErrorIs(t, err, service.ErrInstanceTerminal)
}

func TestTransitionRejectionLeavesInstanceUnchanged(t *testing.T) {
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	svc, _ := newTestService(clock)
	ctx := context.Background()

	_, err := svc.Publish(approvalDefinition())
	require.NoError(t, err)

	inst, err := svc.StartInstance(ctx, "purchase-approval",
		map[string]interface{}{"cost": 300.0}, nil)
	require.NoError(t, err)

	_, err = svc.Transition(ctx, inst.ID, "pending_approval", nil, "", nil)
	var cnm *service.ConditionNotMetError
	require.True(t, errors.As(err, &cnm))

	got, err := svc.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "created", got.CurrentState)
	assert.Equal(t, inst.Version, got.Version)
}

func TestTransitionContextMerge(t *testing.T) {
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	svc, _ := newTestService(clock)
	ctx := context.Background()

	_, err := svc.Publish(approvalDefinition())
	require.NoError(t, err)

	// cost arrives with the transition rather than at creation.
	inst, err := svc.StartInstance(ctx, "purchase-approval", nil, nil)
	require.NoError(t, err)

	inst, err = svc.Transition(ctx, inst.ID, "pending_approval", nil, "",
		map[string]interface{}{"cost": 750.0})
	require.NoError(t, err)
	assert.Equal(t, "pending_approval", inst.CurrentState)
	assert.Equal(t, 750.0, inst.Context["cost"])
}

func TestPublishRejectsInvalidDefinition(t *testing.T) {
	clock := newFakeClock(time.Now())
	svc, store := newTestService(clock)

	def := approvalDefinition()
	def.Transitions = nil
	res, err := svc.Publish(def)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Problems)

	_, err = store.GetDefinition(def.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStartInstanceRequiresActiveDefinition(t *testing.T) {
	clock := newFakeClock(time.Now())
	svc, store := newTestService(clock)

	def := approvalDefinition()
	def.Active = false
	require.NoError(t, store.SaveDefinition(def))

	_, err := svc.StartInstance(context.Background(), def.ID, nil, nil)
	assert.ErrorIs(t, err, service.ErrDefinitionInactive)
}

func TestPauseResumeCancel(t *testing.T) {
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	svc, _ := newTestService(clock)
	ctx := context.Background()

	_, err := svc.Publish(approvalDefinition())
	require.NoError(t, err)
	inst, err := svc.StartInstance(ctx, "purchase-approval",
		map[string]interface{}{"cost": 600.0}, nil)
	require.NoError(t, err)

	require.NoError(t, svc.Pause(inst.ID, nil))
	_, err = svc.Transition(ctx, inst.ID, "pending_approval", nil, "", nil)
	assert.ErrorIs(t, err, service.ErrInstancePaused)

	// Resume restores the exact state the instance paused in.
	require.NoError(t, svc.Resume(inst.ID, nil))
	got, err := svc.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActiveInstanceStatus, got.Status)
	assert.Equal(t, "created", got.CurrentState)

	require.NoError(t, svc.Cancel(inst.ID, nil, "duplicate request"))
	got, _ = svc.GetInstance(inst.ID)
	assert.Equal(t, models.CancelledInstanceStatus, got.Status)
	assert.ErrorIs(t, svc.Cancel(inst.ID, nil, ""), service.ErrInstanceTerminal)

	history, err := svc.History(inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "paused", history[0].Note)
	assert.Equal(t, "resumed", history[1].Note)
	assert.Equal(t, "duplicate request", history[2].Note)
}

// conflictingStore fails every instance update with a version conflict, as if
// another writer always wins the race.
type conflictingStore struct {
	storage.Store
}

func (c *conflictingStore) Begin() (storage.Store, error) { return c, nil }

func (c *conflictingStore) UpdateInstance(models.Instance) error {
	return storage.ErrVersionConflict
}

func TestTransitionConcurrentModification(t *testing.T) {
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	store := &conflictingStore{Store: storage.NewMockStore()}
	svc := service.NewWorkflowService(store, &notify.Recorder{}, logger{}, service.WithClock(clock))
	ctx := context.Background()

	_, err := svc.Publish(approvalDefinition())
	require.NoError(t, err)
	inst, err := svc.StartInstance(ctx, "purchase-approval",
		map[string]interface{}{"cost": 600.0}, nil)
	require.NoError(t, err)

	_, err = svc.Transition(ctx, inst.ID, "pending_approval", nil, "", nil)
	assert.ErrorIs(t, err, service.ErrConcurrentModification)
}

func TestDiagnosticsSurfacesFailedActions(t *testing.T) {
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	svc, _ := newTestService(clock)
	ctx := context.Background()

	_, err := svc.Publish(approvalDefinition())
	require.NoError(t, err)
	inst, err := svc.StartInstance(ctx, "purchase-approval",
		map[string]interface{}{"cost": 600.0}, nil)
	require.NoError(t, err)

	svc.Executor().Register(models.RunScriptAction, func(_ context.Context, _ models.Action, _ models.Instance) (service.HandlerResult, error) {
		return service.HandlerResult{}, errors.New("boom")
	})
	_, err = svc.Executor().Enqueue(ctx, inst.ID, []models.ActionSpec{{
		Kind:   models.RunScriptAction,
		Config: mustJSON(t, models.RunScriptConfig{Name: "doomed"}),
	}})
	require.NoError(t, err)
	svc.Executor().RunReady(ctx)

	failed, err := svc.Diagnostics(inst.ID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, models.ErrorActionStatus, failed[0].Status)
	assert.Contains(t, failed[0].ErrorMsg, "boom")
}

func TestServiceNextStates(t *testing.T) {
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	svc, _ := newTestService(clock)
	ctx := context.Background()

	_, err := svc.Publish(approvalDefinition())
	require.NoError(t, err)
	inst, err := svc.StartInstance(ctx, "purchase-approval",
		map[string]interface{}{"cost": 600.0}, nil)
	require.NoError(t, err)

	next, err := svc.NextStates(inst.ID, nil)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "pending_approval", next[0].To)
}

func TestServiceOnEvent(t *testing.T) {
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	svc, _ := newTestService(clock)
	ctx := context.Background()

	_, err := svc.Publish(approvalDefinition())
	require.NoError(t, err)

	created := svc.OnEvent(ctx, "work_order.created", map[string]interface{}{
		"origin_type": "work_order",
		"origin_id":   "7",
		"cost":        1200.0,
	})
	require.Len(t, created, 1)
	assert.Equal(t, "work_order", created[0].OriginType)
	assert.Equal(t, "7", created[0].OriginID)
}
