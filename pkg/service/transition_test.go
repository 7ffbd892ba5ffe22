package service_test

import (
	"testing"

	"github.com/gustavoflandal/manutflow/pkg/models"
	"github.com/gustavoflandal/manutflow/pkg/service"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestValidateTransition(t *testing.T) {
	def := approvalDefinition()

	t.Run("condition holds", func(t *testing.T) {
		tr, err := service.ValidateTransition(def, "created", "pending_approval", nil,
			map[string]interface{}{"cost": 600.0}, "")
		assert.NoError(t, err)
		assert.Equal(t, "pending_approval", tr.To)
	})

	t.Run("condition not met", func(t *testing.T) {
		_, err := service.ValidateTransition(def, "created", "pending_approval", nil,
			map[string]interface{}{"cost": 300.0}, "")
		var cnm *service.ConditionNotMetError
		assert.True(t, errors.As(err, &cnm))
		assert.Equal(t, "cost", cnm.Condition.Field)
	})

	t.Run("no such transition", func(t *testing.T) {
		_, err := service.ValidateTransition(def, "created", "approved", nil,
			map[string]interface{}{"cost": 600.0}, "")
		assert.ErrorIs(t, err, service.ErrNoSuchTransition)
	})

	t.Run("permission required", func(t *testing.T) {
		_, err := service.ValidateTransition(def, "pending_approval", "approved", nil, nil, "")
		assert.ErrorIs(t, err, service.ErrUnauthorized)

		bystander := &models.Actor{ID: "u-2", Permissions: []string{"view_purchase"}}
		_, err = service.ValidateTransition(def, "pending_approval", "approved", bystander, nil, "")
		assert.ErrorIs(t, err, service.ErrUnauthorized)

		_, err = service.ValidateTransition(def, "pending_approval", "approved", approver(), nil, "")
		assert.NoError(t, err)
	})

	t.Run("comment required", func(t *testing.T) {
		_, err := service.ValidateTransition(def, "pending_approval", "rejected", approver(), nil, "")
		assert.ErrorIs(t, err, service.ErrCommentRequired)

		_, err = service.ValidateTransition(def, "pending_approval", "rejected", approver(), nil, "over budget")
		assert.NoError(t, err)
	})
}

func TestNextStates(t *testing.T) {
	def := approvalDefinition()

	t.Run("filters failing conditions", func(t *testing.T) {
		next := service.NextStates(def, "created", nil, map[string]interface{}{"cost": 300.0})
		assert.Empty(t, next)

		next = service.NextStates(def, "created", nil, map[string]interface{}{"cost": 600.0})
		assert.Len(t, next, 1)
		assert.Equal(t, "pending_approval", next[0].To)
	})

	t.Run("filters by permission", func(t *testing.T) {
		next := service.NextStates(def, "pending_approval", nil, nil)
		assert.Empty(t, next)

		next = service.NextStates(def, "pending_approval", approver(), nil)
		assert.Len(t, next, 2)
	})

	t.Run("comment requirement does not hide the edge", func(t *testing.T) {
		next := service.NextStates(def, "pending_approval", approver(), nil)
		targets := []string{next[0].To, next[1].To}
		assert.Contains(t, targets, "rejected")
	})
}
