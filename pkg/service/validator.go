package service

import (
	"fmt"

	"github.com/gustavoflandal/manutflow/pkg/models"
)

// ValidateDefinition statically checks a definition graph before activation:
// states declared, transitions unique and well formed, every final state
// reachable checks, operator syntax, action configs decodable. A definition
// with hard problems cannot be published.
func ValidateDefinition(d models.Definition) ValidationResult {
	res := ValidationResult{Valid: true}

	if d.ID == "" {
		res.addHard("missing_id", "definition id is required")
	}
	if d.Name == "" {
		res.addHard("missing_name", "definition name is required")
	}
	if len(d.States) == 0 {
		res.addHard("no_states", "definition declares no states")
		return res
	}

	declared := make(map[string]bool, len(d.States))
	for _, s := range d.States {
		if declared[s.ID] {
			res.addHard("duplicate_state", "state %q declared twice", s.ID)
		}
		declared[s.ID] = true
	}

	if d.InitialState == "" {
		res.addHard("missing_initial_state", "initial_state is required")
	} else if !declared[d.InitialState] {
		res.addHard("unknown_initial_state", "initial_state %q is not a declared state", d.InitialState)
	}

	if len(d.FinalStates) == 0 {
		res.addHard("no_final_states", "at least one final state is required")
	}
	for _, f := range d.FinalStates {
		if !declared[f] {
			res.addHard("unknown_final_state", "final state %q is not a declared state", f)
		}
	}

	seenEdges := make(map[string]bool)
	for i, t := range d.Transitions {
		where := fmt.Sprintf("transition %d (%s -> %s)", i, t.From, t.To)
		if !declared[t.From] {
			res.addHard("unknown_transition_state", "%s: from-state %q is not declared", where, t.From)
		}
		if !declared[t.To] {
			res.addHard("unknown_transition_state", "%s: to-state %q is not declared", where, t.To)
		}
		edge := t.From + "\x00" + t.To
		if seenEdges[edge] {
			res.addHard("duplicate_transition", "%s: duplicate edge", where)
		}
		seenEdges[edge] = true

		for _, c := range t.Conditions {
			if !models.KnownOperator(c.Op) {
				res.addHard("unknown_operator", "%s: unknown operator %q", where, c.Op)
			}
		}
		validateActionSpecs(&res, where, t.Actions)
	}

	for _, c := range d.TriggerConditions {
		if !models.KnownOperator(c.Op) {
			res.addHard("unknown_operator", "trigger condition: unknown operator %q", c.Op)
		}
	}
	if d.TriggerEvent == "" && len(d.TriggerConditions) > 0 {
		res.add("trigger_conditions_without_event", "trigger conditions declared but no trigger event")
	}
	validateActionSpecs(&res, "initial actions", d.InitialActions)

	if d.Escalation != nil && d.Escalation.Auto {
		if d.Escalation.TimeToEscalateHours <= 0 {
			res.addHard("invalid_escalation", "time_to_escalate_hours must be positive when auto escalation is on")
		}
		if len(d.ApprovalLevels) == 0 {
			res.add("escalation_without_levels", "auto escalation configured but no approval levels declared")
		}
	}

	// Reachability from the initial state over transition edges.
	if declared[d.InitialState] {
		reachable := reachableStates(d)
		for _, s := range d.States {
			if reachable[s.ID] {
				continue
			}
			if d.IsFinal(s.ID) {
				res.addHard("unreachable_final_state", "final state %q is not reachable from %q", s.ID, d.InitialState)
			} else {
				res.add("orphan_state", "state %q is not reachable from %q", s.ID, d.InitialState)
			}
		}
		anyFinalReachable := false
		for _, f := range d.FinalStates {
			if reachable[f] {
				anyFinalReachable = true
				break
			}
		}
		if !anyFinalReachable {
			res.addHard("no_path_to_completion", "no final state is reachable from %q", d.InitialState)
		}
	}

	return res
}

// reachableStates walks the transition graph breadth-first from initial_state.
func reachableStates(d models.Definition) map[string]bool {
	adj := make(map[string][]string)
	for _, t := range d.Transitions {
		adj[t.From] = append(adj[t.From], t.To)
	}
	reachable := map[string]bool{d.InitialState: true}
	queue := []string{d.InitialState}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	return reachable
}

func validateActionSpecs(res *ValidationResult, where string, specs []models.ActionSpec) {
	for i, spec := range specs {
		if _, err := models.DecodeActionConfig(spec.Kind, spec.Config); err != nil {
			res.addHard("invalid_action_config", "%s action %d: %v", where, i, err)
		}
		for _, dep := range spec.DependsOn {
			if dep < 0 || dep >= len(specs) || dep == i {
				res.addHard("invalid_action_dependency", "%s action %d: dependency index %d out of range", where, i, dep)
			}
		}
	}
}
