package storage_test

import (
	"testing"
	"time"

	internal_storage "github.com/gustavoflandal/manutflow/internal/storage"
	"github.com/gustavoflandal/manutflow/internal/testutil"
	"github.com/gustavoflandal/manutflow/pkg/models"
	"github.com/gustavoflandal/manutflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) *internal_storage.PostgresStore {
	t.Helper()
	tdb := testutil.SetupTestDB(t, "../../migrations")
	t.Cleanup(func() { tdb.Teardown(t) })
	store, err := internal_storage.InitStore(tdb.ConnStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleDefinition() models.Definition {
	now := time.Now().UTC().Truncate(time.Second)
	return models.Definition{
		ID:      "purchase-approval",
		Name:    "Purchase approval",
		Version: 1,
		Active:  true,
		States: []models.State{
			{ID: "created"}, {ID: "approved"},
		},
		Transitions: []models.Transition{
			{From: "created", To: "approved"},
		},
		InitialState: "created",
		FinalStates:  []string{"approved"},
		TriggerEvent: "work_order.created",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func sampleInstance(defID string) models.Instance {
	now := time.Now().UTC().Truncate(time.Second)
	deadline := now.Add(24 * time.Hour)
	return models.Instance{
		ID:           "11111111-1111-1111-1111-111111111111",
		DefinitionID: defID,
		CurrentState: "created",
		Status:       models.ActiveInstanceStatus,
		Context:      map[string]interface{}{"cost": 600.0},
		Deadline:     &deadline,
		OriginType:   "work_order",
		OriginID:     "42",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestPostgresDefinitions(t *testing.T) {
	store := setup(t)

	def := sampleDefinition()
	require.NoError(t, store.SaveDefinition(def))

	got, err := store.GetDefinition(def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.Name, got.Name)
	assert.Equal(t, def.States, got.States)
	assert.Equal(t, def.Transitions, got.Transitions)
	assert.True(t, got.Active)

	t.Run("upsert keeps one row", func(t *testing.T) {
		def.Name = "Purchase approval v2"
		require.NoError(t, store.SaveDefinition(def))
		defs, err := store.ListDefinitions()
		require.NoError(t, err)
		require.Len(t, defs, 1)
		assert.Equal(t, "Purchase approval v2", defs[0].Name)
	})

	t.Run("trigger lookup honors active flag", func(t *testing.T) {
		defs, err := store.ListActiveDefinitionsByTrigger("work_order.created")
		require.NoError(t, err)
		assert.Len(t, defs, 1)

		require.NoError(t, store.SetDefinitionActive(def.ID, false))
		defs, err = store.ListActiveDefinitionsByTrigger("work_order.created")
		require.NoError(t, err)
		assert.Empty(t, defs)
	})

	t.Run("missing definition", func(t *testing.T) {
		_, err := store.GetDefinition("nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestPostgresInstances(t *testing.T) {
	store := setup(t)
	require.NoError(t, store.SaveDefinition(sampleDefinition()))

	inst := sampleInstance("purchase-approval")
	require.NoError(t, store.SaveInstance(inst))

	got, err := store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.CurrentState, got.CurrentState)
	assert.Equal(t, 600.0, got.Context["cost"])
	assert.Equal(t, int64(0), got.Version)

	t.Run("optimistic locking", func(t *testing.T) {
		got.CurrentState = "approved"
		require.NoError(t, store.UpdateInstance(got))

		fresh, err := store.GetInstance(inst.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), fresh.Version)
		assert.Equal(t, "approved", fresh.CurrentState)

		// The stale copy still carries version 0 and must lose.
		got.CurrentState = "created"
		err = store.UpdateInstance(got)
		assert.ErrorIs(t, err, storage.ErrVersionConflict)
	})

	t.Run("origin lookup", func(t *testing.T) {
		found, err := store.FindActiveInstanceByOrigin("work_order", "42")
		require.NoError(t, err)
		assert.Equal(t, inst.ID, found.ID)

		_, err = store.FindActiveInstanceByOrigin("work_order", "99")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("overdue listing", func(t *testing.T) {
		overdue, err := store.ListOverdueInstances(time.Now())
		require.NoError(t, err)
		assert.Empty(t, overdue)

		overdue, err = store.ListOverdueInstances(time.Now().Add(48 * time.Hour))
		require.NoError(t, err)
		assert.Len(t, overdue, 1)
	})
}

func TestPostgresHistorySequence(t *testing.T) {
	store := setup(t)
	require.NoError(t, store.SaveDefinition(sampleDefinition()))
	inst := sampleInstance("purchase-approval")
	require.NoError(t, store.SaveInstance(inst))

	first, err := store.AppendHistory(models.HistoryEntry{
		InstanceID: inst.ID,
		FromState:  "created",
		ToState:    "approved",
		Actor:      "u-1",
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Seq)

	second, err := store.AppendHistory(models.HistoryEntry{
		InstanceID: inst.ID,
		FromState:  "approved",
		ToState:    "approved",
		Actor:      "system",
		Note:       "audit",
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Seq)

	entries, err := store.GetHistory(inst.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Seq)
	assert.Equal(t, "audit", entries[1].Note)
}

func TestPostgresActions(t *testing.T) {
	store := setup(t)
	require.NoError(t, store.SaveDefinition(sampleDefinition()))
	inst := sampleInstance("purchase-approval")
	require.NoError(t, store.SaveInstance(inst))

	now := time.Now().UTC().Truncate(time.Second)
	act := models.Action{
		ID:          "22222222-2222-2222-2222-222222222222",
		InstanceID:  inst.ID,
		Kind:        models.NotifyAction,
		Config:      []byte(`{"recipients":["role:supervisor"],"title":"t","message":"m"}`),
		Status:      models.PendingActionStatus,
		MaxAttempts: 3,
		Automatic:   true,
		CreatedAt:   now,
	}
	dep := act
	dep.ID = "33333333-3333-3333-3333-333333333333"
	dep.Dependencies = []string{act.ID}
	dep.Priority = 5
	require.NoError(t, store.SaveAction(act))
	require.NoError(t, store.SaveAction(dep))

	t.Run("ready listing", func(t *testing.T) {
		ready, err := store.ListReadyActions(now)
		require.NoError(t, err)
		require.Len(t, ready, 2)
		// Higher priority first.
		assert.Equal(t, dep.ID, ready[0].ID)
		assert.Equal(t, []string{act.ID}, ready[0].Dependencies)
	})

	t.Run("claim is single-winner", func(t *testing.T) {
		claimed, err := store.ClaimAction(act.ID, now)
		require.NoError(t, err)
		assert.Equal(t, models.RunningActionStatus, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)

		_, err = store.ClaimAction(act.ID, now)
		assert.ErrorIs(t, err, storage.ErrNotClaimable)

		_, err = store.ClaimAction("44444444-4444-4444-4444-444444444444", now)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("scheduled actions wait for their time", func(t *testing.T) {
		future := now.Add(10 * time.Minute)
		claimed, _ := store.GetAction(act.ID)
		claimed.Status = models.ScheduledActionStatus
		claimed.ScheduledAt = &future
		require.NoError(t, store.UpdateAction(claimed))

		ready, err := store.ListReadyActions(now)
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, dep.ID, ready[0].ID)

		ready, err = store.ListReadyActions(future.Add(time.Second))
		require.NoError(t, err)
		assert.Len(t, ready, 2)
	})

	t.Run("by instance", func(t *testing.T) {
		acts, err := store.ListActionsByInstance(inst.ID)
		require.NoError(t, err)
		assert.Len(t, acts, 2)
	})
}
