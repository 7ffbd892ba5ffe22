package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gustavoflandal/manutflow/pkg/models"
	"github.com/gustavoflandal/manutflow/pkg/notify"
	"github.com/gustavoflandal/manutflow/pkg/storage"
	"github.com/pkg/errors"
)

const (
	// default ceiling for a single action run
	DefaultActionTimeout = 60 * time.Second
	// default number of parallel action workers
	DefaultActionWorkers = 4
	// default attempt budget when a spec does not set one
	DefaultMaxAttempts = 3
)

// Logger defines the logging interface the engine components accept.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// HandlerResult is what a kind handler reports back on success.
type HandlerResult struct {
	Message string          // Recorded on the action as its result
	Undo    json.RawMessage // Undo payload for reversible actions
}

// ActionHandler executes one kind of action against its instance.
type ActionHandler func(ctx context.Context, act models.Action, inst models.Instance) (HandlerResult, error)

// RevertHandler undoes a previously executed reversible action.
type RevertHandler func(ctx context.Context, act models.Action, inst models.Instance) error

// ActionResult is the outcome of one action run.
type ActionResult struct {
	ActionID string
	Kind     models.ActionKind
	Status   models.ActionStatus
	Message  string
	Err      error
}

// ActionExecutor runs queued actions honoring dependencies, retries and
// backoff. Actions for different instances run in parallel; a claimed action
// has exactly one writer until it finishes.
type ActionExecutor struct {
	store     storage.Store
	notifier  notify.Notifier
	clock     Clock
	logger    Logger
	timeout   time.Duration
	workers   int
	handlers  map[models.ActionKind]ActionHandler
	reverters map[models.ActionKind]RevertHandler
	escalate  func(ctx context.Context, instanceID string) error
	mu        sync.RWMutex
}

// ExecutorOption configures an ActionExecutor.
type ExecutorOption func(*ActionExecutor)

// WithActionTimeout sets the per-run ceiling; a run exceeding it is forcibly
// marked as an error and enters the normal retry path.
func WithActionTimeout(d time.Duration) ExecutorOption {
	return func(e *ActionExecutor) { e.timeout = d }
}

// WithActionWorkers sets how many actions a sweep runs in parallel.
func WithActionWorkers(n int) ExecutorOption {
	return func(e *ActionExecutor) { e.workers = n }
}

func NewActionExecutor(store storage.Store, notifier notify.Notifier, clock Clock, logger Logger, opts ...ExecutorOption) *ActionExecutor {
	e := &ActionExecutor{
		store:     store,
		notifier:  notifier,
		clock:     clock,
		logger:    logger,
		timeout:   DefaultActionTimeout,
		workers:   DefaultActionWorkers,
		handlers:  make(map[models.ActionKind]ActionHandler),
		reverters: make(map[models.ActionKind]RevertHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registerDefaultHandlers()
	return e
}

// Register installs or replaces the handler for a kind. Deployments override
// the built-in run-script and integrate handlers with real implementations.
func (e *ActionExecutor) Register(kind models.ActionKind, h ActionHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = h
}

// RegisterReverter installs the undo handler for a reversible kind.
func (e *ActionExecutor) RegisterReverter(kind models.ActionKind, h RevertHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reverters[kind] = h
}

// SetEscalator wires the escalation scheduler in so ESCALATE actions can
// force an escalation without creating an import cycle at construction.
func (e *ActionExecutor) SetEscalator(fn func(ctx context.Context, instanceID string) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.escalate = fn
}

// Enqueue validates and persists the declarative actions of a transition (or
// a definition's initial actions) for an instance. Config payloads are
// decoded into their typed form here; an invalid spec rejects the whole
// batch. DependsOn indices are resolved to the ids generated for the batch.
func (e *ActionExecutor) Enqueue(ctx context.Context, instanceID string, specs []models.ActionSpec) ([]models.Action, error) {
	_ = ctx
	if len(specs) == 0 {
		return nil, nil
	}
	now := e.clock.Now()
	ids := make([]string, len(specs))
	for i := range specs {
		ids[i] = uuid.NewString()
	}
	actions := make([]models.Action, 0, len(specs))
	for i, spec := range specs {
		if _, err := models.DecodeActionConfig(spec.Kind, spec.Config); err != nil {
			return nil, errors.Wrapf(err, "action %d of batch for instance %s", i, instanceID)
		}
		maxAttempts := spec.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = DefaultMaxAttempts
		}
		deps := make([]string, 0, len(spec.DependsOn))
		for _, idx := range spec.DependsOn {
			if idx < 0 || idx >= len(specs) {
				return nil, errors.Errorf("action %d of batch for instance %s: dependency index %d out of range", i, instanceID, idx)
			}
			deps = append(deps, ids[idx])
		}
		actions = append(actions, models.Action{
			ID:           ids[i],
			InstanceID:   instanceID,
			Kind:         spec.Kind,
			Config:       spec.Config,
			Status:       models.PendingActionStatus,
			MaxAttempts:  maxAttempts,
			Dependencies: deps,
			Priority:     spec.Priority,
			Automatic:    spec.Automatic,
			Reversible:   spec.Reversible,
			CreatedAt:    now,
		})
	}
	for _, act := range actions {
		if err := e.store.SaveAction(act); err != nil {
			return nil, errors.Wrapf(err, "save action %s", act.ID)
		}
	}
	return actions, nil
}

// RunReady sweeps the store for pending/scheduled actions whose time has
// come, defers those with unmet dependencies, and runs the rest on a small
// worker pool. One failing action never aborts the sweep.
func (e *ActionExecutor) RunReady(ctx context.Context) []ActionResult {
	now := e.clock.Now()
	ready, err := e.store.ListReadyActions(now)
	if err != nil {
		e.logger.Errorf("Failed to list ready actions: %v", err)
		return nil
	}
	// Highest priority first, then oldest.
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	var (
		resMu   sync.Mutex
		results []ActionResult
		wg      sync.WaitGroup
		sem     = make(chan struct{}, e.workers)
	)
	for _, act := range ready {
		runnable, err := e.dependenciesMet(act)
		if err != nil {
			e.logger.Errorf("Dependency check for action %s failed: %v", act.ID, err)
			continue
		}
		if !runnable {
			// Deferred, not an error; picked up again on the next sweep.
			continue
		}
		claimed, err := e.store.ClaimAction(act.ID, now)
		if err != nil {
			if !errors.Is(err, storage.ErrNotClaimable) {
				e.logger.Errorf("Failed to claim action %s: %v", act.ID, err)
			}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(a models.Action) {
			defer wg.Done()
			defer func() { <-sem }()
			res := e.run(ctx, a)
			resMu.Lock()
			results = append(results, res)
			resMu.Unlock()
		}(claimed)
	}
	wg.Wait()
	return results
}

// Execute claims and runs a single action immediately, bypassing the sweep.
// Dependencies are still honored.
func (e *ActionExecutor) Execute(ctx context.Context, actionID string) (ActionResult, error) {
	act, err := e.store.GetAction(actionID)
	if err != nil {
		return ActionResult{}, err
	}
	runnable, err := e.dependenciesMet(act)
	if err != nil {
		return ActionResult{}, err
	}
	if !runnable {
		return ActionResult{}, errors.Errorf("action %s has unmet dependencies", actionID)
	}
	claimed, err := e.store.ClaimAction(actionID, e.clock.Now())
	if err != nil {
		return ActionResult{}, err
	}
	return e.run(ctx, claimed), nil
}

// dependenciesMet reports whether every dependency reached EXECUTED or
// CANCELLED. A dependency stuck in ERROR keeps the dependent deferred.
func (e *ActionExecutor) dependenciesMet(act models.Action) (bool, error) {
	for _, depID := range act.Dependencies {
		dep, err := e.store.GetAction(depID)
		if err != nil {
			return false, errors.Wrapf(err, "dependency %s of action %s", depID, act.ID)
		}
		if dep.Status != models.ExecutedActionStatus && dep.Status != models.CancelledActionStatus {
			return false, nil
		}
	}
	return true, nil
}

// run executes one claimed action under the timeout ceiling and records the
// outcome. On failure an automatic action with attempts left is re-armed as
// SCHEDULED with exponential backoff (2^attempts minutes); otherwise it stays
// ERROR permanently.
func (e *ActionExecutor) run(ctx context.Context, act models.Action) ActionResult {
	e.mu.RLock()
	handler, ok := e.handlers[act.Kind]
	e.mu.RUnlock()
	if !ok {
		return e.recordFailure(act, errors.Errorf("no handler registered for kind %s", act.Kind))
	}

	inst, err := e.store.GetInstance(act.InstanceID)
	if err != nil {
		return e.recordFailure(act, errors.Wrapf(err, "load instance %s", act.InstanceID))
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		res HandlerResult
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		res, err := handler(runCtx, act, inst)
		resultCh <- outcome{res, err}
	}()

	select {
	case out := <-resultCh:
		if out.err != nil {
			return e.recordFailure(act, out.err)
		}
		return e.recordSuccess(act, out.res)
	case <-runCtx.Done():
		return e.recordFailure(act, errors.Wrapf(runCtx.Err(), "action %s exceeded run ceiling", act.ID))
	}
}

func (e *ActionExecutor) recordSuccess(act models.Action, res HandlerResult) ActionResult {
	now := e.clock.Now()
	act.Status = models.ExecutedActionStatus
	act.Result = res.Message
	act.ErrorMsg = ""
	act.ScheduledAt = nil
	act.FinishedAt = &now
	if act.Reversible {
		act.Undo = res.Undo
	}
	if err := e.store.UpdateAction(act); err != nil {
		e.logger.Errorf("Failed to record success of action %s: %v", act.ID, err)
	}
	e.logger.Infof("Action %s (%s) executed on attempt %d", act.ID, act.Kind, act.Attempts)
	actionsExecutedTotal.WithLabelValues(string(act.Kind), "executed").Inc()
	return ActionResult{ActionID: act.ID, Kind: act.Kind, Status: act.Status, Message: res.Message}
}

func (e *ActionExecutor) recordFailure(act models.Action, runErr error) ActionResult {
	now := e.clock.Now()
	act.ErrorMsg = runErr.Error()
	if act.Automatic && act.Attempts < act.MaxAttempts {
		delay := time.Duration(1<<uint(act.Attempts)) * time.Minute
		next := now.Add(delay)
		act.Status = models.ScheduledActionStatus
		act.ScheduledAt = &next
		e.logger.Warnf("Action %s (%s) failed on attempt %d/%d, retrying in %s: %v",
			act.ID, act.Kind, act.Attempts, act.MaxAttempts, delay, runErr)
		actionsExecutedTotal.WithLabelValues(string(act.Kind), "retry").Inc()
	} else {
		act.Status = models.ErrorActionStatus
		act.FinishedAt = &now
		e.logger.Errorf("Action %s (%s) failed permanently after %d attempts: %v",
			act.ID, act.Kind, act.Attempts, runErr)
		actionsExecutedTotal.WithLabelValues(string(act.Kind), "error").Inc()
	}
	if err := e.store.UpdateAction(act); err != nil {
		e.logger.Errorf("Failed to record failure of action %s: %v", act.ID, err)
	}
	return ActionResult{ActionID: act.ID, Kind: act.Kind, Status: act.Status, Err: runErr}
}

// Revert undoes a reversible action while it is EXECUTED, using the undo
// payload recorded at execution time. The action moves to CANCELLED.
func (e *ActionExecutor) Revert(ctx context.Context, actionID string) error {
	act, err := e.store.GetAction(actionID)
	if err != nil {
		return err
	}
	if act.Status != models.ExecutedActionStatus {
		return errors.Errorf("action %s is %s, only EXECUTED actions can be reverted", actionID, act.Status)
	}
	if !act.Reversible {
		return errors.Errorf("action %s is not reversible", actionID)
	}
	e.mu.RLock()
	reverter, ok := e.reverters[act.Kind]
	e.mu.RUnlock()
	if !ok {
		return errors.Errorf("no reverter registered for kind %s", act.Kind)
	}
	inst, err := e.store.GetInstance(act.InstanceID)
	if err != nil {
		return errors.Wrapf(err, "load instance %s", act.InstanceID)
	}
	if err := reverter(ctx, act, inst); err != nil {
		return errors.Wrapf(err, "revert action %s", actionID)
	}
	now := e.clock.Now()
	act.Status = models.CancelledActionStatus
	act.Result = "reverted"
	act.FinishedAt = &now
	if err := e.store.UpdateAction(act); err != nil {
		return errors.Wrapf(err, "record revert of action %s", actionID)
	}
	e.logger.Infof("Action %s (%s) reverted", act.ID, act.Kind)
	return nil
}

// CancelAction cancels a PENDING or SCHEDULED action. Pausing an instance
// does not cancel its scheduled actions; callers do that explicitly here.
func (e *ActionExecutor) CancelAction(ctx context.Context, actionID string) error {
	_ = ctx
	act, err := e.store.GetAction(actionID)
	if err != nil {
		return err
	}
	if act.Status != models.PendingActionStatus && act.Status != models.ScheduledActionStatus {
		return errors.Errorf("action %s is %s, only PENDING/SCHEDULED actions can be cancelled", actionID, act.Status)
	}
	now := e.clock.Now()
	act.Status = models.CancelledActionStatus
	act.FinishedAt = &now
	return e.store.UpdateAction(act)
}

// updateInstanceCAS retries a read-modify-write on an instance a few times
// when the optimistic version check loses a race.
func (e *ActionExecutor) updateInstanceCAS(instanceID string, mutate func(*models.Instance)) error {
	for attempt := 0; attempt < 3; attempt++ {
		inst, err := e.store.GetInstance(instanceID)
		if err != nil {
			return err
		}
		mutate(&inst)
		inst.UpdatedAt = e.clock.Now()
		err = e.store.UpdateInstance(inst)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return err
		}
	}
	return storage.ErrVersionConflict
}
