package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "manutflow_transitions_total",
		Help: "Committed state transitions by definition.",
	}, []string{"definition"})

	transitionRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "manutflow_transition_rejections_total",
		Help: "Rejected transition attempts by reason.",
	}, []string{"reason"})

	actionsExecutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "manutflow_actions_executed_total",
		Help: "Finished action runs by kind and outcome.",
	}, []string{"kind", "outcome"})

	escalationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "manutflow_escalations_total",
		Help: "Instances escalated to a higher approval level.",
	})

	instancesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "manutflow_instances_created_total",
		Help: "Workflow instances created by definition.",
	}, []string{"definition"})
)
