package models

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// ActionConfig is the typed payload of an action. One concrete type exists
// per kind; payloads are decoded and validated once at enqueue time, with
// unknown fields rejected, so malformed configuration surfaces early instead
// of failing deep inside execution.
type ActionConfig interface {
	Kind() ActionKind
	Validate() error
}

type NotifyConfig struct {
	Recipients []string          `json:"recipients"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (NotifyConfig) Kind() ActionKind { return NotifyAction }
func (c NotifyConfig) Validate() error {
	if len(c.Recipients) == 0 {
		return errors.New("notify: at least one recipient required")
	}
	if c.Title == "" {
		return errors.New("notify: title required")
	}
	return nil
}

type SetOwnerConfig struct {
	Owner string `json:"owner"`
}

func (SetOwnerConfig) Kind() ActionKind { return SetOwnerAction }
func (c SetOwnerConfig) Validate() error {
	if c.Owner == "" {
		return errors.New("set_owner: owner required")
	}
	return nil
}

type SetDeadlineConfig struct {
	OffsetHours int `json:"offset_hours"`
}

func (SetDeadlineConfig) Kind() ActionKind { return SetDeadlineAction }
func (c SetDeadlineConfig) Validate() error {
	if c.OffsetHours <= 0 {
		return errors.New("set_deadline: offset_hours must be positive")
	}
	return nil
}

type EscalateConfig struct {
	Reason string `json:"reason,omitempty"`
}

func (EscalateConfig) Kind() ActionKind { return EscalateAction }
func (EscalateConfig) Validate() error  { return nil }

type RunScriptConfig struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

func (RunScriptConfig) Kind() ActionKind { return RunScriptAction }
func (c RunScriptConfig) Validate() error {
	if c.Name == "" {
		return errors.New("run_script: name required")
	}
	return nil
}

type IntegrateConfig struct {
	System   string            `json:"system"`
	Endpoint string            `json:"endpoint"`
	Payload  map[string]string `json:"payload,omitempty"`
}

func (IntegrateConfig) Kind() ActionKind { return IntegrateAction }
func (c IntegrateConfig) Validate() error {
	if c.System == "" || c.Endpoint == "" {
		return errors.New("integrate: system and endpoint required")
	}
	return nil
}

type GenerateDocumentConfig struct {
	Template string `json:"template"`
}

func (GenerateDocumentConfig) Kind() ActionKind { return GenerateDocumentAction }
func (c GenerateDocumentConfig) Validate() error {
	if c.Template == "" {
		return errors.New("generate_document: template required")
	}
	return nil
}

type ValidateFieldsConfig struct {
	Required []string `json:"required"`
}

func (ValidateFieldsConfig) Kind() ActionKind { return ValidateFieldsAction }
func (c ValidateFieldsConfig) Validate() error {
	if len(c.Required) == 0 {
		return errors.New("validate_fields: required field list is empty")
	}
	return nil
}

type ComputeMetricConfig struct {
	Metric string `json:"metric"`
	Field  string `json:"field"`
}

func (ComputeMetricConfig) Kind() ActionKind { return ComputeMetricAction }
func (c ComputeMetricConfig) Validate() error {
	if c.Metric == "" || c.Field == "" {
		return errors.New("compute_metric: metric and field required")
	}
	return nil
}

type BackupSnapshotConfig struct {
	Target string `json:"target,omitempty"`
}

func (BackupSnapshotConfig) Kind() ActionKind { return BackupSnapshotAction }
func (BackupSnapshotConfig) Validate() error  { return nil }

// DecodeActionConfig parses raw into the typed config for kind, rejecting
// unknown fields, and validates it.
func DecodeActionConfig(kind ActionKind, raw json.RawMessage) (ActionConfig, error) {
	var cfg ActionConfig
	switch kind {
	case NotifyAction:
		cfg = &NotifyConfig{}
	case SetOwnerAction:
		cfg = &SetOwnerConfig{}
	case SetDeadlineAction:
		cfg = &SetDeadlineConfig{}
	case EscalateAction:
		cfg = &EscalateConfig{}
	case RunScriptAction:
		cfg = &RunScriptConfig{}
	case IntegrateAction:
		cfg = &IntegrateConfig{}
	case GenerateDocumentAction:
		cfg = &GenerateDocumentConfig{}
	case ValidateFieldsAction:
		cfg = &ValidateFieldsConfig{}
	case ComputeMetricAction:
		cfg = &ComputeMetricConfig{}
	case BackupSnapshotAction:
		cfg = &BackupSnapshotConfig{}
	default:
		return nil, errors.Errorf("unknown action kind %q", kind)
	}
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, errors.Wrapf(err, "decode %s config", kind)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
