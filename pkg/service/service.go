package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gustavoflandal/manutflow/pkg/models"
	"github.com/gustavoflandal/manutflow/pkg/notify"
	"github.com/gustavoflandal/manutflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// DefaultActionSweepInterval is how often the executor's ready sweep runs in
// production.
const DefaultActionSweepInterval = 30 * time.Second

// WorkflowService is the engine facade: definition publishing, instance
// lifecycle, validated transitions, event-triggered instantiation and the
// two background sweeps. All collaborators are injected; it owns no global
// state.
type WorkflowService struct {
	store       storage.Store
	notifier    notify.Notifier
	clock       Clock
	logger      Logger
	executor    *ActionExecutor
	scheduler   *EscalationScheduler
	trigger     *TriggerMatcher
	sweepEvery  time.Duration
	actionSweep *cron.Cron
}

// ServiceOption configures a WorkflowService.
type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	clock         Clock
	sweepInterval time.Duration
	escInterval   time.Duration
	execOpts      []ExecutorOption
}

// WithClock injects a clock; tests pass a fake one.
func WithClock(c Clock) ServiceOption {
	return func(cfg *serviceConfig) { cfg.clock = c }
}

// WithActionSweepInterval sets the executor's ready-sweep period.
func WithActionSweepInterval(d time.Duration) ServiceOption {
	return func(cfg *serviceConfig) { cfg.sweepInterval = d }
}

// WithEscalationInterval sets the escalation sweep period.
func WithEscalationInterval(d time.Duration) ServiceOption {
	return func(cfg *serviceConfig) { cfg.escInterval = d }
}

// WithExecutorOptions passes options through to the action executor.
func WithExecutorOptions(opts ...ExecutorOption) ServiceOption {
	return func(cfg *serviceConfig) { cfg.execOpts = append(cfg.execOpts, opts...) }
}

func NewWorkflowService(store storage.Store, notifier notify.Notifier, logger Logger, opts ...ServiceOption) *WorkflowService {
	cfg := &serviceConfig{
		clock:         SystemClock(),
		sweepInterval: DefaultActionSweepInterval,
		escInterval:   DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	executor := NewActionExecutor(store, notifier, cfg.clock, logger, cfg.execOpts...)
	scheduler := NewEscalationScheduler(store, executor, cfg.clock, logger, WithSweepInterval(cfg.escInterval))
	executor.SetEscalator(scheduler.EscalateNow)
	return &WorkflowService{
		store:      store,
		notifier:   notifier,
		clock:      cfg.clock,
		logger:     logger,
		executor:   executor,
		scheduler:  scheduler,
		trigger:    NewTriggerMatcher(store, executor, cfg.clock, logger),
		sweepEvery: cfg.sweepInterval,
	}
}

// Executor exposes the action executor for handler registration and
// operator-driven revert/cancel calls.
func (s *WorkflowService) Executor() *ActionExecutor { return s.executor }

// Scheduler exposes the escalation scheduler, mainly for manual sweeps.
func (s *WorkflowService) Scheduler() *EscalationScheduler { return s.scheduler }

// Start launches the two background loops: the executor's ready sweep and
// the escalation sweep.
func (s *WorkflowService) Start(ctx context.Context) error {
	s.actionSweep = cron.New()
	if _, err := s.actionSweep.AddFunc(fmt.Sprintf("@every %s", s.sweepEvery), func() {
		s.executor.RunReady(ctx)
	}); err != nil {
		return errors.Wrap(err, "schedule action sweep")
	}
	s.actionSweep.Start()
	s.scheduler.Start()
	s.logger.Infof("Workflow service started (action sweep every %s)", s.sweepEvery)
	return nil
}

// Stop halts the background loops, waiting for in-flight runs.
func (s *WorkflowService) Stop() {
	if s.actionSweep != nil {
		<-s.actionSweep.Stop().Done()
	}
	s.scheduler.Stop()
	s.logger.Infof("Workflow service stopped")
}

// Publish validates a definition and, when valid, stores it and marks it
// active for triggering and manual instantiation. Hard validation problems
// block activation.
func (s *WorkflowService) Publish(d models.Definition) (ValidationResult, error) {
	res := ValidateDefinition(d)
	if !res.Valid {
		return res, nil
	}
	now := s.clock.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	d.Active = true
	if err := s.store.SaveDefinition(d); err != nil {
		return res, errors.Wrapf(err, "save definition %s", d.ID)
	}
	s.logger.Infof("Published definition %s (%s), %d states, %d transitions",
		d.ID, d.Name, len(d.States), len(d.Transitions))
	return res, nil
}

// StartInstance explicitly creates an instance of an active definition at
// its initial state. Trigger-driven creation goes through OnEvent instead.
func (s *WorkflowService) StartInstance(ctx context.Context, definitionID string, instCtx map[string]interface{}, actor *models.Actor) (models.Instance, error) {
	def, err := s.store.GetDefinition(definitionID)
	if err != nil {
		return models.Instance{}, errors.Wrapf(err, "definition %s", definitionID)
	}
	if !def.Active {
		return models.Instance{}, ErrDefinitionInactive
	}
	now := s.clock.Now()
	if instCtx == nil {
		instCtx = make(map[string]interface{})
	}
	inst := models.Instance{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		CurrentState: def.InitialState,
		Status:       models.ActiveInstanceStatus,
		Context:      instCtx,
		OriginType:   asStringOrEmpty(instCtx[OriginTypeKey]),
		OriginID:     stringValue(instCtx[OriginIDKey]),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if hours, ok := asPositiveFloat(instCtx[DeadlineHoursKey]); ok {
		deadline := now.Add(time.Duration(hours * float64(time.Hour)))
		inst.Deadline = &deadline
	}
	if err := s.store.SaveInstance(inst); err != nil {
		return models.Instance{}, errors.Wrap(err, "save instance")
	}
	if _, err := s.executor.Enqueue(ctx, inst.ID, def.InitialActions); err != nil {
		s.logger.Errorf("Failed to enqueue initial actions for instance %s: %v", inst.ID, err)
	}
	instancesCreatedTotal.WithLabelValues(def.ID).Inc()
	s.logger.Infof("Started instance %s of definition %s", inst.ID, def.ID)
	return inst, nil
}

// Transition validates and commits a state change for an instance. The
// read-validate-write is an atomic compare-and-set on the instance version;
// losing the race returns ErrConcurrentModification and the caller retries
// with fresh state. Declared actions of the edge are enqueued on success.
func (s *WorkflowService) Transition(ctx context.Context, instanceID, targetState string, actor *models.Actor, note string, extra map[string]interface{}) (models.Instance, error) {
	inst, err := s.store.GetInstance(instanceID)
	if err != nil {
		return models.Instance{}, errors.Wrapf(err, "instance %s", instanceID)
	}
	if inst.Status.Terminal() {
		transitionRejectionsTotal.WithLabelValues("terminal").Inc()
		return models.Instance{}, ErrInstanceTerminal
	}
	if inst.Status == models.PausedInstanceStatus {
		transitionRejectionsTotal.WithLabelValues("paused").Inc()
		return models.Instance{}, ErrInstancePaused
	}
	def, err := s.store.GetDefinition(inst.DefinitionID)
	if err != nil {
		return models.Instance{}, errors.Wrapf(err, "definition %s", inst.DefinitionID)
	}

	merged := make(map[string]interface{}, len(inst.Context)+len(extra))
	for k, v := range inst.Context {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}

	tr, err := ValidateTransition(def, inst.CurrentState, targetState, actor, merged, note)
	if err != nil {
		transitionRejectionsTotal.WithLabelValues(rejectionReason(err)).Inc()
		return models.Instance{}, err
	}

	fromState := inst.CurrentState
	now := s.clock.Now()
	inst.CurrentState = targetState
	inst.Context = merged
	inst.UpdatedAt = now
	if def.IsFinal(targetState) {
		inst.Status = models.CompletedInstanceStatus
	}

	actorID := "system"
	if actor != nil {
		actorID = actor.ID
	}

	tx, err := s.store.Begin()
	if err != nil {
		return models.Instance{}, errors.Wrap(err, "begin transaction")
	}
	if err := tx.UpdateInstance(inst); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rbErr, err)
		}
		if errors.Is(err, storage.ErrVersionConflict) {
			transitionRejectionsTotal.WithLabelValues("conflict").Inc()
			return models.Instance{}, ErrConcurrentModification
		}
		return models.Instance{}, errors.Wrap(err, "update instance")
	}
	if _, err := tx.AppendHistory(models.HistoryEntry{
		InstanceID: inst.ID,
		FromState:  fromState,
		ToState:    targetState,
		Actor:      actorID,
		Note:       note,
		CreatedAt:  now,
	}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rbErr, err)
		}
		return models.Instance{}, errors.Wrap(err, "append history")
	}
	if err := tx.Commit(); err != nil {
		return models.Instance{}, errors.Wrap(err, "commit transition")
	}

	if _, err := s.executor.Enqueue(ctx, inst.ID, tr.Actions); err != nil {
		s.logger.Errorf("Failed to enqueue actions of transition %s->%s for instance %s: %v",
			fromState, targetState, inst.ID, err)
	}
	transitionsTotal.WithLabelValues(def.ID).Inc()
	s.logger.Infof("Instance %s transitioned %s -> %s by %s", inst.ID, fromState, targetState, actorID)

	inst.Version++
	return inst, nil
}

// NextStates lists the legal next moves for the instance and actor.
func (s *WorkflowService) NextStates(instanceID string, actor *models.Actor) ([]models.Transition, error) {
	inst, err := s.store.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	def, err := s.store.GetDefinition(inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	return NextStates(def, inst.CurrentState, actor, inst.Context), nil
}

// OnEvent feeds a domain event to the trigger matcher. Fire-and-continue:
// failures are logged, never propagated to the event source.
func (s *WorkflowService) OnEvent(ctx context.Context, eventType string, payload map[string]interface{}) []models.Instance {
	created, err := s.trigger.OnEvent(ctx, eventType, payload)
	if err != nil {
		s.logger.Errorf("Event %s failed trigger matching: %v", eventType, err)
		return nil
	}
	return created
}

// Pause stops an instance from accepting transitions. Already-scheduled
// actions keep running unless explicitly cancelled.
func (s *WorkflowService) Pause(instanceID string, actor *models.Actor) error {
	return s.setStatus(instanceID, actor, models.ActiveInstanceStatus, models.PausedInstanceStatus, "paused")
}

// Resume reactivates a paused instance.
func (s *WorkflowService) Resume(instanceID string, actor *models.Actor) error {
	return s.setStatus(instanceID, actor, models.PausedInstanceStatus, models.ActiveInstanceStatus, "resumed")
}

// Cancel terminates an instance; no further transitions are accepted.
func (s *WorkflowService) Cancel(instanceID string, actor *models.Actor, note string) error {
	inst, err := s.store.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return ErrInstanceTerminal
	}
	now := s.clock.Now()
	inst.Status = models.CancelledInstanceStatus
	inst.UpdatedAt = now
	if err := s.store.UpdateInstance(inst); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return ErrConcurrentModification
		}
		return err
	}
	if note == "" {
		note = "cancelled"
	}
	_, err = s.store.AppendHistory(models.HistoryEntry{
		InstanceID: inst.ID,
		FromState:  inst.CurrentState,
		ToState:    inst.CurrentState,
		Actor:      actorIDOrSystem(actor),
		Note:       note,
		CreatedAt:  now,
	})
	return err
}

func (s *WorkflowService) setStatus(instanceID string, actor *models.Actor, from, to models.InstanceStatus, note string) error {
	inst, err := s.store.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return ErrInstanceTerminal
	}
	if inst.Status != from {
		return errors.Errorf("instance %s is %s, expected %s", instanceID, inst.Status, from)
	}
	now := s.clock.Now()
	inst.Status = to
	inst.UpdatedAt = now
	if err := s.store.UpdateInstance(inst); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return ErrConcurrentModification
		}
		return err
	}
	_, err = s.store.AppendHistory(models.HistoryEntry{
		InstanceID: inst.ID,
		FromState:  inst.CurrentState,
		ToState:    inst.CurrentState,
		Actor:      actorIDOrSystem(actor),
		Note:       note,
		CreatedAt:  now,
	})
	return err
}

// GetInstance fetches an instance by id.
func (s *WorkflowService) GetInstance(instanceID string) (models.Instance, error) {
	return s.store.GetInstance(instanceID)
}

// History returns the append-only transition log of an instance.
func (s *WorkflowService) History(instanceID string) ([]models.HistoryEntry, error) {
	return s.store.GetHistory(instanceID)
}

// Diagnostics surfaces the actions of an instance that failed permanently
// after exhausting their retries.
func (s *WorkflowService) Diagnostics(instanceID string) ([]models.Action, error) {
	actions, err := s.store.ListActionsByInstance(instanceID)
	if err != nil {
		return nil, err
	}
	var failed []models.Action
	for _, a := range actions {
		if a.Status == models.ErrorActionStatus {
			failed = append(failed, a)
		}
	}
	return failed, nil
}

// ListDefinitions returns every stored definition.
func (s *WorkflowService) ListDefinitions() ([]models.Definition, error) {
	return s.store.ListDefinitions()
}

// ListInstances returns every stored instance.
func (s *WorkflowService) ListInstances() ([]models.Instance, error) {
	return s.store.ListInstances()
}

func rejectionReason(err error) string {
	var cnm *ConditionNotMetError
	switch {
	case errors.Is(err, ErrNoSuchTransition):
		return "no_such_transition"
	case errors.As(err, &cnm):
		return "condition_not_met"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrCommentRequired):
		return "comment_required"
	}
	return "other"
}

func actorIDOrSystem(actor *models.Actor) string {
	if actor != nil {
		return actor.ID
	}
	return "system"
}

func asStringOrEmpty(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
