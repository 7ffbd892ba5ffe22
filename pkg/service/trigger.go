package service

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gustavoflandal/manutflow/pkg/models"
	"github.com/gustavoflandal/manutflow/pkg/storage"
	"github.com/pkg/errors"
)

// Payload keys the trigger matcher understands. The surrounding application
// sets origin_type/origin_id on every domain event so repeated events for
// the same business object deduplicate, and deadline_hours to seed the
// instance deadline.
const (
	OriginTypeKey    = "origin_type"
	OriginIDKey      = "origin_id"
	DeadlineHoursKey = "deadline_hours"
)

// TriggerMatcher turns domain events into workflow instances.
type TriggerMatcher struct {
	store    storage.Store
	executor *ActionExecutor
	clock    Clock
	logger   Logger
}

func NewTriggerMatcher(store storage.Store, executor *ActionExecutor, clock Clock, logger Logger) *TriggerMatcher {
	return &TriggerMatcher{store: store, executor: executor, clock: clock, logger: logger}
}

// OnEvent finds the active definitions triggered by eventType whose trigger
// conditions hold against the payload and creates one instance per match,
// unless an active instance for the same (origin_type, origin_id) already
// exists. Per-definition failures are logged and matching continues.
func (t *TriggerMatcher) OnEvent(ctx context.Context, eventType string, payload map[string]interface{}) ([]models.Instance, error) {
	defs, err := t.store.ListActiveDefinitionsByTrigger(eventType)
	if err != nil {
		return nil, errors.Wrapf(err, "list definitions for event %s", eventType)
	}
	var created []models.Instance
	for _, def := range defs {
		if !models.EvalConditions(def.TriggerConditions, payload, nil) {
			continue
		}
		inst, ok, err := t.instantiate(ctx, def, eventType, payload)
		if err != nil {
			t.logger.Errorf("Failed to instantiate definition %s for event %s: %v", def.ID, eventType, err)
			continue
		}
		if ok {
			created = append(created, inst)
		}
	}
	return created, nil
}

func (t *TriggerMatcher) instantiate(ctx context.Context, def models.Definition, eventType string, payload map[string]interface{}) (models.Instance, bool, error) {
	originType, _ := payload[OriginTypeKey].(string)
	originID := stringValue(payload[OriginIDKey])

	if originType != "" && originID != "" {
		_, err := t.store.FindActiveInstanceByOrigin(originType, originID)
		if err == nil {
			// An active instance already tracks this business object.
			t.logger.Infof("Skipping event %s for origin %s/%s: active instance exists", eventType, originType, originID)
			return models.Instance{}, false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return models.Instance{}, false, errors.Wrap(err, "origin dedup lookup")
		}
	}

	now := t.clock.Now()
	instCtx := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		instCtx[k] = v
	}
	inst := models.Instance{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		CurrentState: def.InitialState,
		Status:       models.ActiveInstanceStatus,
		Context:      instCtx,
		OriginType:   originType,
		OriginID:     originID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if hours, ok := asPositiveFloat(payload[DeadlineHoursKey]); ok {
		deadline := now.Add(time.Duration(hours * float64(time.Hour)))
		inst.Deadline = &deadline
	}

	if err := t.store.SaveInstance(inst); err != nil {
		return models.Instance{}, false, errors.Wrap(err, "save instance")
	}
	if _, err := t.store.AppendHistory(models.HistoryEntry{
		InstanceID: inst.ID,
		ToState:    def.InitialState,
		Actor:      "system",
		Note:       "created from event " + eventType,
		CreatedAt:  now,
	}); err != nil {
		return models.Instance{}, false, errors.Wrap(err, "record initial history")
	}
	if _, err := t.executor.Enqueue(ctx, inst.ID, def.InitialActions); err != nil {
		t.logger.Errorf("Failed to enqueue initial actions for instance %s: %v", inst.ID, err)
	}
	instancesCreatedTotal.WithLabelValues(def.ID).Inc()
	t.logger.Infof("Created instance %s of definition %s from event %s", inst.ID, def.ID, eventType)
	return inst, true, nil
}

// stringValue renders an origin id from the payload; JSON decoding turns
// numeric ids into float64.
func stringValue(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	}
	return ""
}

func asPositiveFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, n > 0
	case int:
		return float64(n), n > 0
	case int64:
		return float64(n), n > 0
	}
	return 0, false
}
