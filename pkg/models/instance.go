package models

import "time"

type InstanceStatus string

const (
	ActiveInstanceStatus    InstanceStatus = "ACTIVE"
	PausedInstanceStatus    InstanceStatus = "PAUSED"
	CompletedInstanceStatus InstanceStatus = "COMPLETED"
	CancelledInstanceStatus InstanceStatus = "CANCELLED"
	FailedInstanceStatus    InstanceStatus = "FAILED"
	ExpiredInstanceStatus   InstanceStatus = "EXPIRED"
)

// Terminal reports whether the status accepts no further transitions.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case CompletedInstanceStatus, CancelledInstanceStatus, FailedInstanceStatus, ExpiredInstanceStatus:
		return true
	}
	return false
}

// Instance is one running execution of a Definition.
type Instance struct {
	ID                   string                 `json:"id" db:"id"`
	DefinitionID         string                 `json:"definition_id" db:"definition_id"`
	CurrentState         string                 `json:"current_state" db:"current_state"`
	Status               InstanceStatus         `json:"status" db:"status"`
	Context              map[string]interface{} `json:"context"`                       // Key/value map used by conditions and actions
	CurrentApprovalLevel *int                   `json:"current_approval_level,omitempty" db:"current_approval_level"`
	EscalationCount      int                    `json:"escalation_count" db:"escalation_count"`
	LastEscalatedAt      *time.Time             `json:"last_escalated_at,omitempty" db:"last_escalated_at"`
	Deadline             *time.Time             `json:"deadline,omitempty" db:"deadline"`
	OriginType           string                 `json:"origin_type,omitempty" db:"origin_type"` // Business object type, used for dedup
	OriginID             string                 `json:"origin_id,omitempty" db:"origin_id"`     // Business object id, used for dedup
	Owner                string                 `json:"owner,omitempty" db:"owner"`
	CurrentApprover      string                 `json:"current_approver,omitempty" db:"current_approver"`
	Version              int64                  `json:"version" db:"version"` // Optimistic-lock version, bumped on every update
	CreatedAt            time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at" db:"updated_at"`
}

// ApprovalLevelOrZero returns the current approval level, 0 when unset.
func (i *Instance) ApprovalLevelOrZero() int {
	if i.CurrentApprovalLevel == nil {
		return 0
	}
	return *i.CurrentApprovalLevel
}

// EscalationWatermark is the reference time for the escalation interval:
// the last escalation, or creation when the instance never escalated.
func (i *Instance) EscalationWatermark() time.Time {
	if i.LastEscalatedAt != nil {
		return *i.LastEscalatedAt
	}
	return i.CreatedAt
}

// HistoryEntry is one record of the append-only transition log of an instance.
// Entries are ordered by Seq; readers always observe a prefix of the log.
type HistoryEntry struct {
	ID         int64     `json:"id" db:"id"`
	InstanceID string    `json:"instance_id" db:"instance_id"`
	Seq        int       `json:"seq" db:"seq"`
	FromState  string    `json:"from_state" db:"from_state"`
	ToState    string    `json:"to_state" db:"to_state"`
	Actor      string    `json:"actor" db:"actor"`
	Note       string    `json:"note,omitempty" db:"note"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
