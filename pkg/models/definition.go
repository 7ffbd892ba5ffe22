package models

import "time"

// State is a named node in a definition's state graph.
type State struct {
	ID    string `json:"id"`    // Unique within the definition (e.g., "created")
	Label string `json:"label"` // Human-readable label
}

// Transition is a permitted edge between two states, optionally guarded by
// conditions and permissions. Actions declared on a transition are enqueued
// when the transition commits.
type Transition struct {
	From            string       `json:"from"`
	To              string       `json:"to"`
	Label           string       `json:"label,omitempty"`
	Conditions      []Condition  `json:"conditions,omitempty"`  // Conjunction; all must hold
	Permissions     []string     `json:"permissions,omitempty"` // Actor needs at least one
	RequiresComment bool         `json:"requires_comment,omitempty"`
	Actions         []ActionSpec `json:"actions,omitempty"`
}

// ApprovalLevel is one rung of a definition's approval ladder.
type ApprovalLevel struct {
	Level          int     `json:"level"`                     // Ordering key, escalation walks upward
	ValueThreshold float64 `json:"value_threshold,omitempty"` // Minimum value this level approves
	ApproverRole   string  `json:"approver_role,omitempty"`   // Role addressed on escalation
	ApproverGroup  string  `json:"approver_group,omitempty"`  // Group addressed on escalation
}

// Approvers returns the notification recipients for the level.
func (l ApprovalLevel) Approvers() []string {
	var out []string
	if l.ApproverRole != "" {
		out = append(out, "role:"+l.ApproverRole)
	}
	if l.ApproverGroup != "" {
		out = append(out, "group:"+l.ApproverGroup)
	}
	return out
}

// EscalationConfig controls time-driven escalation of overdue instances.
type EscalationConfig struct {
	Auto                bool `json:"auto"`
	TimeToEscalateHours int  `json:"time_to_escalate_hours"`
}

// Definition is a reusable workflow template: states, transitions, approval
// ladder and trigger policy. Immutable once published.
type Definition struct {
	ID                string             `json:"id" db:"id"`
	Name              string             `json:"name" db:"name"`
	Version           int                `json:"version" db:"version"`
	Active            bool               `json:"active" db:"active"` // Eligible for triggering once published
	States            []State            `json:"states"`
	Transitions       []Transition       `json:"transitions"`
	InitialState      string             `json:"initial_state"`
	FinalStates       []string           `json:"final_states"`
	ApprovalLevels    []ApprovalLevel    `json:"approval_levels,omitempty"`
	Escalation        *EscalationConfig  `json:"escalation,omitempty"`
	TriggerEvent      string             `json:"trigger_event,omitempty" db:"trigger_event"`
	TriggerConditions []Condition        `json:"trigger_conditions,omitempty"`
	InitialActions    []ActionSpec       `json:"initial_actions,omitempty"` // Enqueued when an instance is created
	CreatedAt         time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at" db:"updated_at"`
}

// HasState reports whether id is a declared state.
func (d *Definition) HasState(id string) bool {
	for _, s := range d.States {
		if s.ID == id {
			return true
		}
	}
	return false
}

// IsFinal reports whether id is one of the declared final states.
func (d *Definition) IsFinal(id string) bool {
	for _, f := range d.FinalStates {
		if f == id {
			return true
		}
	}
	return false
}

// FindTransition looks up the edge (from -> to).
func (d *Definition) FindTransition(from, to string) (Transition, bool) {
	for _, t := range d.Transitions {
		if t.From == from && t.To == to {
			return t, true
		}
	}
	return Transition{}, false
}

// TransitionsFrom returns all edges leaving the given state.
func (d *Definition) TransitionsFrom(state string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.From == state {
			out = append(out, t)
		}
	}
	return out
}

// NextApprovalLevel returns the lowest approval level strictly above current.
// Levels sharing a number are ordered as declared; the first match wins.
func (d *Definition) NextApprovalLevel(current int) (ApprovalLevel, bool) {
	var best ApprovalLevel
	found := false
	for _, l := range d.ApprovalLevels {
		if l.Level <= current {
			continue
		}
		if !found || l.Level < best.Level {
			best = l
			found = true
		}
	}
	return best, found
}
