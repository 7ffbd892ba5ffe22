package service

import "github.com/gustavoflandal/manutflow/pkg/models"

// ValidateTransition decides whether moving from currentState to targetState
// is legal for the actor under the given context. On success it returns the
// matched edge; otherwise one of ErrNoSuchTransition, ConditionNotMetError,
// ErrUnauthorized or ErrCommentRequired.
func ValidateTransition(def models.Definition, currentState, targetState string, actor *models.Actor, ctx map[string]interface{}, note string) (models.Transition, error) {
	tr, ok := def.FindTransition(currentState, targetState)
	if !ok {
		return models.Transition{}, ErrNoSuchTransition
	}
	for _, c := range tr.Conditions {
		if !c.Eval(ctx, actor) {
			return models.Transition{}, &ConditionNotMetError{Condition: c}
		}
	}
	if len(tr.Permissions) > 0 {
		if actor == nil || !hasAnyPermission(actor, tr.Permissions) {
			return models.Transition{}, ErrUnauthorized
		}
	}
	if tr.RequiresComment && note == "" {
		return models.Transition{}, ErrCommentRequired
	}
	return tr, nil
}

// NextStates lists the transitions out of currentState whose condition and
// permission checks pass for the actor right now. Used to present legal next
// moves; comment requirements are not enforced here.
func NextStates(def models.Definition, currentState string, actor *models.Actor, ctx map[string]interface{}) []models.Transition {
	var out []models.Transition
	for _, tr := range def.TransitionsFrom(currentState) {
		if !models.EvalConditions(tr.Conditions, ctx, actor) {
			continue
		}
		if len(tr.Permissions) > 0 && (actor == nil || !hasAnyPermission(actor, tr.Permissions)) {
			continue
		}
		out = append(out, tr)
	}
	return out
}

func hasAnyPermission(actor *models.Actor, perms []string) bool {
	for _, p := range perms {
		if actor.HasPermission(p) {
			return true
		}
	}
	return false
}
