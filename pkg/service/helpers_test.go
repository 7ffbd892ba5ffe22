package service_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gustavoflandal/manutflow/pkg/models"
	"github.com/gustavoflandal/manutflow/pkg/storage"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Warnf(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

// fakeClock implements service.Clock for tests that drive retry, escalation
// and deadline timing deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t0 time.Time) *fakeClock {
	return &fakeClock{now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %v: %v", v, err)
	}
	return raw
}

// approvalDefinition is the definition most tests work against: a purchase
// approval with a cost guard on submission, a permission-guarded approval, a
// comment-guarded rejection and a two-level escalation ladder.
func approvalDefinition() models.Definition {
	return models.Definition{
		ID:      "purchase-approval",
		Name:    "Purchase approval",
		Version: 1,
		Active:  true,
		States: []models.State{
			{ID: "created", Label: "Created"},
			{ID: "pending_approval", Label: "Pending approval"},
			{ID: "approved", Label: "Approved"},
			{ID: "rejected", Label: "Rejected"},
		},
		Transitions: []models.Transition{
			{
				From: "created",
				To:   "pending_approval",
				Conditions: []models.Condition{
					{Field: "cost", Op: models.OpGreaterThan, Value: 500},
				},
			},
			{
				From:        "pending_approval",
				To:          "approved",
				Permissions: []string{"approve_purchase"},
			},
			{
				From:            "pending_approval",
				To:              "rejected",
				Permissions:     []string{"approve_purchase"},
				RequiresComment: true,
			},
		},
		InitialState: "created",
		FinalStates:  []string{"approved", "rejected"},
		ApprovalLevels: []models.ApprovalLevel{
			{Level: 1, ValueThreshold: 500, ApproverRole: "supervisor"},
			{Level: 2, ValueThreshold: 5000, ApproverRole: "manager"},
		},
		Escalation:   &models.EscalationConfig{Auto: true, TimeToEscalateHours: 2},
		TriggerEvent: "work_order.created",
		TriggerConditions: []models.Condition{
			{Field: "cost", Op: models.OpGreaterThan, Value: 500},
		},
	}
}

func approver() *models.Actor {
	return &models.Actor{
		ID:          "u-approver",
		Roles:       []string{"supervisor"},
		Permissions: []string{"approve_purchase"},
	}
}

// seedInstance stores an ACTIVE instance of the definition directly, for
// tests that exercise a component below the service facade.
func seedInstance(t *testing.T, store storage.Store, def models.Definition, now time.Time, ctx map[string]interface{}) models.Instance {
	t.Helper()
	inst := models.Instance{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		CurrentState: def.InitialState,
		Status:       models.ActiveInstanceStatus,
		Context:      ctx,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.SaveInstance(inst); err != nil {
		t.Fatalf("seed instance: %v", err)
	}
	return inst
}
