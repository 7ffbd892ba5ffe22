package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gustavoflandal/manutflow/pkg/models"
	"github.com/pkg/errors"
)

// registerDefaultHandlers installs the built-in behavior for every action
// kind. Deployment-specific kinds (run-script, integrate, generate-document)
// ship with conservative defaults meant to be overridden via Register.
func (e *ActionExecutor) registerDefaultHandlers() {
	e.handlers[models.NotifyAction] = e.handleNotify
	e.handlers[models.SetOwnerAction] = e.handleSetOwner
	e.handlers[models.SetDeadlineAction] = e.handleSetDeadline
	e.handlers[models.EscalateAction] = e.handleEscalate
	e.handlers[models.RunScriptAction] = e.handleRunScript
	e.handlers[models.IntegrateAction] = e.handleIntegrate
	e.handlers[models.GenerateDocumentAction] = e.handleGenerateDocument
	e.handlers[models.ValidateFieldsAction] = e.handleValidateFields
	e.handlers[models.ComputeMetricAction] = e.handleComputeMetric
	e.handlers[models.BackupSnapshotAction] = e.handleBackupSnapshot

	e.reverters[models.SetOwnerAction] = e.revertSetOwner
	e.reverters[models.SetDeadlineAction] = e.revertSetDeadline
}

func (e *ActionExecutor) handleNotify(ctx context.Context, act models.Action, inst models.Instance) (HandlerResult, error) {
	cfg, err := decodeAs[*models.NotifyConfig](act)
	if err != nil {
		return HandlerResult{}, err
	}
	meta := map[string]string{"instance_id": inst.ID, "state": inst.CurrentState}
	for k, v := range cfg.Metadata {
		meta[k] = v
	}
	if err := e.notifier.Send(ctx, cfg.Recipients, cfg.Title, cfg.Message, meta); err != nil {
		return HandlerResult{}, errors.Wrap(err, "send notification")
	}
	return HandlerResult{Message: fmt.Sprintf("notified %d recipients", len(cfg.Recipients))}, nil
}

func (e *ActionExecutor) handleSetOwner(_ context.Context, act models.Action, inst models.Instance) (HandlerResult, error) {
	cfg, err := decodeAs[*models.SetOwnerConfig](act)
	if err != nil {
		return HandlerResult{}, err
	}
	undo, _ := json.Marshal(map[string]string{"owner": inst.Owner})
	if err := e.updateInstanceCAS(inst.ID, func(i *models.Instance) {
		i.Owner = cfg.Owner
	}); err != nil {
		return HandlerResult{}, err
	}
	return HandlerResult{Message: "owner set to " + cfg.Owner, Undo: undo}, nil
}

func (e *ActionExecutor) revertSetOwner(_ context.Context, act models.Action, inst models.Instance) error {
	var undo struct {
		Owner string `json:"owner"`
	}
	if err := json.Unmarshal(act.Undo, &undo); err != nil {
		return errors.Wrap(err, "decode undo payload")
	}
	return e.updateInstanceCAS(inst.ID, func(i *models.Instance) {
		i.Owner = undo.Owner
	})
}

func (e *ActionExecutor) handleSetDeadline(_ context.Context, act models.Action, inst models.Instance) (HandlerResult, error) {
	cfg, err := decodeAs[*models.SetDeadlineConfig](act)
	if err != nil {
		return HandlerResult{}, err
	}
	undo, _ := json.Marshal(map[string]*time.Time{"deadline": inst.Deadline})
	deadline := e.clock.Now().Add(time.Duration(cfg.OffsetHours) * time.Hour)
	if err := e.updateInstanceCAS(inst.ID, func(i *models.Instance) {
		i.Deadline = &deadline
	}); err != nil {
		return HandlerResult{}, err
	}
	return HandlerResult{Message: "deadline set to " + deadline.Format(time.RFC3339), Undo: undo}, nil
}

func (e *ActionExecutor) revertSetDeadline(_ context.Context, act models.Action, inst models.Instance) error {
	var undo struct {
		Deadline *time.Time `json:"deadline"`
	}
	if err := json.Unmarshal(act.Undo, &undo); err != nil {
		return errors.Wrap(err, "decode undo payload")
	}
	return e.updateInstanceCAS(inst.ID, func(i *models.Instance) {
		i.Deadline = undo.Deadline
	})
}

func (e *ActionExecutor) handleEscalate(ctx context.Context, act models.Action, inst models.Instance) (HandlerResult, error) {
	if _, err := decodeAs[*models.EscalateConfig](act); err != nil {
		return HandlerResult{}, err
	}
	e.mu.RLock()
	escalate := e.escalate
	e.mu.RUnlock()
	if escalate == nil {
		return HandlerResult{}, errors.New("no escalator wired in")
	}
	if err := escalate(ctx, inst.ID); err != nil {
		return HandlerResult{}, err
	}
	return HandlerResult{Message: "instance escalated"}, nil
}

// handleRunScript records the request; wiring an actual script runtime is a
// deployment concern and replaces this handler via Register.
func (e *ActionExecutor) handleRunScript(_ context.Context, act models.Action, inst models.Instance) (HandlerResult, error) {
	cfg, err := decodeAs[*models.RunScriptConfig](act)
	if err != nil {
		return HandlerResult{}, err
	}
	e.logger.Infof("Script %q requested for instance %s (no script runtime registered)", cfg.Name, inst.ID)
	return HandlerResult{Message: "script " + cfg.Name + " acknowledged"}, nil
}

// handleIntegrate records the request; the external system client replaces
// this handler via Register.
func (e *ActionExecutor) handleIntegrate(_ context.Context, act models.Action, inst models.Instance) (HandlerResult, error) {
	cfg, err := decodeAs[*models.IntegrateConfig](act)
	if err != nil {
		return HandlerResult{}, err
	}
	e.logger.Infof("Integration with %s (%s) requested for instance %s (no client registered)", cfg.System, cfg.Endpoint, inst.ID)
	return HandlerResult{Message: fmt.Sprintf("integration with %s acknowledged", cfg.System)}, nil
}

func (e *ActionExecutor) handleGenerateDocument(_ context.Context, act models.Action, inst models.Instance) (HandlerResult, error) {
	cfg, err := decodeAs[*models.GenerateDocumentConfig](act)
	if err != nil {
		return HandlerResult{}, err
	}
	e.logger.Infof("Document from template %q requested for instance %s (no renderer registered)", cfg.Template, inst.ID)
	return HandlerResult{Message: "document " + cfg.Template + " requested"}, nil
}

// handleValidateFields checks that the required context fields are present
// and non-nil; a missing field fails the action.
func (e *ActionExecutor) handleValidateFields(_ context.Context, act models.Action, inst models.Instance) (HandlerResult, error) {
	cfg, err := decodeAs[*models.ValidateFieldsConfig](act)
	if err != nil {
		return HandlerResult{}, err
	}
	var missing []string
	for _, f := range cfg.Required {
		if v, ok := inst.Context[f]; !ok || v == nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return HandlerResult{}, errors.Errorf("required context fields missing: %v", missing)
	}
	return HandlerResult{Message: fmt.Sprintf("%d fields validated", len(cfg.Required))}, nil
}

// handleComputeMetric stores a named metric computed from one context field
// back into the instance context under "metric:<name>".
func (e *ActionExecutor) handleComputeMetric(_ context.Context, act models.Action, inst models.Instance) (HandlerResult, error) {
	cfg, err := decodeAs[*models.ComputeMetricConfig](act)
	if err != nil {
		return HandlerResult{}, err
	}
	raw, ok := inst.Context[cfg.Field]
	if !ok {
		return HandlerResult{}, errors.Errorf("context field %q not found", cfg.Field)
	}
	key := "metric:" + cfg.Metric
	if err := e.updateInstanceCAS(inst.ID, func(i *models.Instance) {
		if i.Context == nil {
			i.Context = make(map[string]interface{})
		}
		i.Context[key] = raw
	}); err != nil {
		return HandlerResult{}, err
	}
	return HandlerResult{Message: fmt.Sprintf("metric %s recorded from %s", cfg.Metric, cfg.Field)}, nil
}

// handleBackupSnapshot records the full instance state as the action result,
// preserving a point-in-time copy for audits.
func (e *ActionExecutor) handleBackupSnapshot(_ context.Context, act models.Action, inst models.Instance) (HandlerResult, error) {
	cfg, err := decodeAs[*models.BackupSnapshotConfig](act)
	if err != nil {
		return HandlerResult{}, err
	}
	snap, err := json.Marshal(inst)
	if err != nil {
		return HandlerResult{}, errors.Wrap(err, "marshal instance snapshot")
	}
	target := cfg.Target
	if target == "" {
		target = "inline"
	}
	return HandlerResult{Message: "snapshot taken (" + target + ")", Undo: snap}, nil
}

// decodeAs decodes an action's config into its typed form. Enqueue already
// validated the payload, so failures here indicate store corruption.
func decodeAs[T models.ActionConfig](act models.Action) (T, error) {
	var zero T
	cfg, err := models.DecodeActionConfig(act.Kind, act.Config)
	if err != nil {
		return zero, err
	}
	typed, ok := cfg.(T)
	if !ok {
		return zero, errors.Errorf("config for %s has unexpected type %T", act.Kind, cfg)
	}
	return typed, nil
}
