package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Operator is the closed set of comparison operators a condition may use.
// Anything outside this set evaluates to false at runtime and is rejected
// by the definition validator at publish time.
type Operator string

const (
	OpGreaterThan Operator = "gt"
	OpLessThan    Operator = "lt"
	OpEqual       Operator = "eq"
	OpNotEqual    Operator = "neq"
	OpContains    Operator = "contains"
	OpHasRole     Operator = "has_role"
	OpInGroup     Operator = "in_group"
)

// KnownOperator reports whether op is part of the supported operator set.
func KnownOperator(op Operator) bool {
	switch op {
	case OpGreaterThan, OpLessThan, OpEqual, OpNotEqual, OpContains, OpHasRole, OpInGroup:
		return true
	}
	return false
}

// Condition compares a named context field (or the acting user) against a literal.
// A guard on a transition or trigger is a conjunction of conditions.
type Condition struct {
	Field string      `json:"field,omitempty"` // Context key to compare; unused for actor operators
	Op    Operator    `json:"op"`              // Comparison operator
	Value interface{} `json:"value"`           // Literal to compare against
}

func (c Condition) String() string {
	if c.Field == "" {
		return fmt.Sprintf("%s %v", c.Op, c.Value)
	}
	return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value)
}

// Eval evaluates a single condition against a context map and an acting user.
// A nil actor fails the actor operators. Unknown operators evaluate false.
func (c Condition) Eval(ctx map[string]interface{}, actor *Actor) bool {
	switch c.Op {
	case OpHasRole:
		return actor != nil && actor.HasRole(asString(c.Value))
	case OpInGroup:
		return actor != nil && actor.InGroup(asString(c.Value))
	}

	val, ok := ctx[c.Field]
	switch c.Op {
	case OpGreaterThan:
		a, aok := asFloat(val)
		b, bok := asFloat(c.Value)
		return ok && aok && bok && a > b
	case OpLessThan:
		a, aok := asFloat(val)
		b, bok := asFloat(c.Value)
		return ok && aok && bok && a < b
	case OpEqual:
		return ok && looselyEqual(val, c.Value)
	case OpNotEqual:
		return ok && !looselyEqual(val, c.Value)
	case OpContains:
		return ok && contains(val, c.Value)
	}
	return false
}

// EvalConditions evaluates a conjunction: every condition must hold.
// An empty set holds trivially.
func EvalConditions(conds []Condition, ctx map[string]interface{}, actor *Actor) bool {
	for _, c := range conds {
		if !c.Eval(ctx, actor) {
			return false
		}
	}
	return true
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// looselyEqual compares numerically when both sides parse as numbers,
// otherwise by string form. JSON decoding turns all numbers into float64,
// so a literal 500 and a context value 500.0 must still compare equal.
func looselyEqual(a, b interface{}) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return asString(a) == asString(b)
}

// contains is substring match for strings and membership for slices.
func contains(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, asString(needle))
	case []interface{}:
		for _, item := range h {
			if looselyEqual(item, needle) {
				return true
			}
		}
	case []string:
		for _, item := range h {
			if item == asString(needle) {
				return true
			}
		}
	}
	return false
}
