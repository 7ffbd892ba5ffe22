package models

import (
	"encoding/json"
	"time"
)

type ActionKind string

const (
	NotifyAction           ActionKind = "NOTIFY"
	SetOwnerAction         ActionKind = "SET_OWNER"
	SetDeadlineAction      ActionKind = "SET_DEADLINE"
	EscalateAction         ActionKind = "ESCALATE"
	RunScriptAction        ActionKind = "RUN_SCRIPT"
	IntegrateAction        ActionKind = "INTEGRATE"
	GenerateDocumentAction ActionKind = "GENERATE_DOCUMENT"
	ValidateFieldsAction   ActionKind = "VALIDATE_FIELDS"
	ComputeMetricAction    ActionKind = "COMPUTE_METRIC"
	BackupSnapshotAction   ActionKind = "BACKUP_SNAPSHOT"
)

type ActionStatus string

const (
	PendingActionStatus   ActionStatus = "PENDING"
	ScheduledActionStatus ActionStatus = "SCHEDULED"
	RunningActionStatus   ActionStatus = "RUNNING"
	ExecutedActionStatus  ActionStatus = "EXECUTED"
	ErrorActionStatus     ActionStatus = "ERROR"
	CancelledActionStatus ActionStatus = "CANCELLED"
)

// Terminal reports whether the status ends the action's lifecycle.
// Dependent actions become runnable once all dependencies are terminal
// in EXECUTED or CANCELLED.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ExecutedActionStatus, ErrorActionStatus, CancelledActionStatus:
		return true
	}
	return false
}

// ActionSpec is the declarative form of an action on a transition or a
// definition's initial-action list. DependsOn holds indices into the same
// spec list; they are resolved to concrete action ids at enqueue time.
type ActionSpec struct {
	Kind        ActionKind      `json:"kind"`
	Config      json.RawMessage `json:"config,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"` // Defaults to 3
	Automatic   bool            `json:"automatic,omitempty"`    // Eligible for retry/backoff
	Reversible  bool            `json:"reversible,omitempty"`
	Priority    int             `json:"priority,omitempty"` // Higher runs first within a sweep
	DependsOn   []int           `json:"depends_on,omitempty"`
}

// Action is a unit of side-effecting work tied to an instance. It is mutated
// only by the action executor; the claim step guarantees a single writer.
type Action struct {
	ID           string          `json:"id" db:"id"`
	InstanceID   string          `json:"instance_id" db:"instance_id"`
	Kind         ActionKind      `json:"kind" db:"kind"`
	Config       json.RawMessage `json:"config,omitempty"`
	Status       ActionStatus    `json:"status" db:"status"`
	Attempts     int             `json:"attempts" db:"attempts"`
	MaxAttempts  int             `json:"max_attempts" db:"max_attempts"`
	ScheduledAt  *time.Time      `json:"scheduled_at,omitempty" db:"scheduled_at"`
	Dependencies []string        `json:"dependencies,omitempty"` // Action ids that must reach EXECUTED/CANCELLED first
	Priority     int             `json:"priority" db:"priority"`
	Automatic    bool            `json:"automatic" db:"automatic"`
	Reversible   bool            `json:"reversible" db:"reversible"`
	Undo         json.RawMessage `json:"undo,omitempty"` // Payload recorded by reversible handlers
	Result       string          `json:"result,omitempty" db:"result"`
	ErrorMsg     string          `json:"error,omitempty" db:"error_msg"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}
