package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gustavoflandal/manutflow/pkg/models"
	"github.com/gustavoflandal/manutflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// DefaultSweepInterval is how often the escalation sweep runs in production.
const DefaultSweepInterval = 2 * time.Minute

// Escalation reports one sweep outcome for an instance.
type Escalation struct {
	InstanceID string
	Level      int  // Approval level escalated to; 0 when the instance expired
	Expired    bool // True when no further approval level existed
}

// EscalationScheduler periodically finds active instances past their
// deadline and escalates them to the next approval level. It owns its clock
// and its cron entry, so tests drive Sweep directly with a fake clock.
type EscalationScheduler struct {
	store    storage.Store
	executor *ActionExecutor
	clock    Clock
	logger   Logger
	interval time.Duration
	cron     *cron.Cron
}

// SchedulerOption configures an EscalationScheduler.
type SchedulerOption func(*EscalationScheduler)

// WithSweepInterval sets how often the periodic sweep fires.
func WithSweepInterval(d time.Duration) SchedulerOption {
	return func(s *EscalationScheduler) { s.interval = d }
}

func NewEscalationScheduler(store storage.Store, executor *ActionExecutor, clock Clock, logger Logger, opts ...SchedulerOption) *EscalationScheduler {
	s := &EscalationScheduler{
		store:    store,
		executor: executor,
		clock:    clock,
		logger:   logger,
		interval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the periodic sweep. Stop cancels it.
func (s *EscalationScheduler) Start() {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.interval)
	_, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Sweep(context.Background(), s.clock.Now()); err != nil {
			s.logger.Errorf("Escalation sweep failed: %v", err)
		}
	})
	if err != nil {
		s.logger.Errorf("Failed to schedule escalation sweep: %v", err)
		return
	}
	s.cron.Start()
	s.logger.Infof("Escalation scheduler started (every %s)", s.interval)
}

func (s *EscalationScheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep escalates every active instance whose deadline has passed and whose
// escalation interval has elapsed since the last escalation (or creation).
// A given instance escalates at most once per sweep and not again until the
// configured interval elapses. Per-instance failures are logged and the
// sweep continues.
func (s *EscalationScheduler) Sweep(ctx context.Context, now time.Time) ([]Escalation, error) {
	overdue, err := s.store.ListOverdueInstances(now)
	if err != nil {
		return nil, errors.Wrap(err, "list overdue instances")
	}
	var out []Escalation
	for _, inst := range overdue {
		esc, escalated, err := s.escalateInstance(ctx, inst, now, false)
		if err != nil {
			s.logger.Errorf("Failed to escalate instance %s: %v", inst.ID, err)
			continue
		}
		if escalated {
			out = append(out, esc)
		}
	}
	return out, nil
}

// EscalateNow forces an escalation of one instance regardless of deadline
// and interval. Backs the ESCALATE action kind.
func (s *EscalationScheduler) EscalateNow(ctx context.Context, instanceID string) error {
	inst, err := s.store.GetInstance(instanceID)
	if err != nil {
		return err
	}
	_, _, err = s.escalateInstance(ctx, inst, s.clock.Now(), true)
	return err
}

func (s *EscalationScheduler) escalateInstance(ctx context.Context, inst models.Instance, now time.Time, force bool) (Escalation, bool, error) {
	if inst.Status != models.ActiveInstanceStatus {
		return Escalation{}, false, nil
	}
	def, err := s.store.GetDefinition(inst.DefinitionID)
	if err != nil {
		return Escalation{}, false, errors.Wrapf(err, "load definition %s", inst.DefinitionID)
	}
	if def.Escalation == nil || (!def.Escalation.Auto && !force) {
		return Escalation{}, false, nil
	}
	if !force {
		interval := time.Duration(def.Escalation.TimeToEscalateHours) * time.Hour
		if now.Sub(inst.EscalationWatermark()) < interval {
			return Escalation{}, false, nil
		}
	}

	if len(def.ApprovalLevels) == 0 {
		// Escalation is configured but the ladder is empty; treat it as a
		// broken definition rather than crashing the sweep.
		ierr := &IntegrityError{InstanceID: inst.ID, Detail: "escalation configured but definition declares no approval levels"}
		s.logger.Errorf("%v", ierr)
		return s.expire(ctx, inst, now, def)
	}

	next, ok := def.NextApprovalLevel(inst.ApprovalLevelOrZero())
	if !ok {
		// Past the last defined level: terminal, never loops.
		return s.expire(ctx, inst, now, def)
	}

	level := next.Level
	inst.CurrentApprovalLevel = &level
	inst.EscalationCount++
	inst.LastEscalatedAt = &now
	inst.CurrentApprover = firstOr(next.Approvers(), "")
	inst.UpdatedAt = now
	if err := s.store.UpdateInstance(inst); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			// Another writer moved the instance; it will be reconsidered on
			// the next sweep.
			s.logger.Warnf("Skipping escalation of instance %s: concurrent update", inst.ID)
			return Escalation{}, false, nil
		}
		return Escalation{}, false, err
	}

	recipients := next.Approvers()
	if len(recipients) == 0 {
		recipients = []string{"role:supervisor"}
	}
	if err := s.enqueueNotify(ctx, inst, notifySpec{
		Recipients: recipients,
		Title:      "Approval escalated",
		Message:    fmt.Sprintf("Instance %s of workflow %q escalated to approval level %d", inst.ID, def.Name, level),
	}); err != nil {
		s.logger.Errorf("Failed to enqueue escalation notification for instance %s: %v", inst.ID, err)
	}
	escalationsTotal.Inc()
	s.logger.Infof("Instance %s escalated to level %d (count %d)", inst.ID, level, inst.EscalationCount)
	return Escalation{InstanceID: inst.ID, Level: level}, true, nil
}

// expire marks the instance EXPIRED and enqueues a terminal notification.
func (s *EscalationScheduler) expire(ctx context.Context, inst models.Instance, now time.Time, def models.Definition) (Escalation, bool, error) {
	inst.Status = models.ExpiredInstanceStatus
	inst.LastEscalatedAt = &now
	inst.UpdatedAt = now
	if err := s.store.UpdateInstance(inst); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			s.logger.Warnf("Skipping expiry of instance %s: concurrent update", inst.ID)
			return Escalation{}, false, nil
		}
		return Escalation{}, false, err
	}
	if _, err := s.store.AppendHistory(models.HistoryEntry{
		InstanceID: inst.ID,
		FromState:  inst.CurrentState,
		ToState:    inst.CurrentState,
		Actor:      "system",
		Note:       "expired: escalation exhausted all approval levels",
		CreatedAt:  now,
	}); err != nil {
		s.logger.Errorf("Failed to record expiry of instance %s: %v", inst.ID, err)
	}
	if err := s.enqueueNotify(ctx, inst, notifySpec{
		Recipients: []string{"role:supervisor"},
		Title:      "Workflow expired",
		Message:    fmt.Sprintf("Instance %s of workflow %q expired after exhausting approval levels", inst.ID, def.Name),
	}); err != nil {
		s.logger.Errorf("Failed to enqueue expiry notification for instance %s: %v", inst.ID, err)
	}
	s.logger.Warnf("Instance %s expired after %d escalations", inst.ID, inst.EscalationCount)
	return Escalation{InstanceID: inst.ID, Expired: true}, true, nil
}

type notifySpec struct {
	Recipients []string
	Title      string
	Message    string
}

func (s *EscalationScheduler) enqueueNotify(ctx context.Context, inst models.Instance, n notifySpec) error {
	cfg, err := json.Marshal(models.NotifyConfig{Recipients: n.Recipients, Title: n.Title, Message: n.Message})
	if err != nil {
		return err
	}
	_, err = s.executor.Enqueue(ctx, inst.ID, []models.ActionSpec{{
		Kind:      models.NotifyAction,
		Config:    cfg,
		Automatic: true,
	}})
	return err
}

func firstOr(xs []string, fallback string) string {
	if len(xs) > 0 {
		return xs[0]
	}
	return fallback
}
