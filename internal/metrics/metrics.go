// Package metrics holds the Prometheus collectors of the authorization flow.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IntentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revclaw_intents_created_total",
			Help: "Intents created, by action kind and initial status",
		},
		[]string{"kind", "status"}, // status: PENDING, APPROVED
	)

	IntentsReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revclaw_intents_replayed_total",
			Help: "Create requests answered with an existing intent",
		},
		[]string{"kind"},
	)

	IntentsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revclaw_intents_rejected_total",
			Help: "Engine operations rejected, by operation and failure kind",
		},
		[]string{"operation", "reason"},
	)

	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revclaw_decisions_total",
			Help: "Human decisions on intents and plans",
		},
		[]string{"subject", "decision"}, // decision: approved, denied
	)

	Enforcement = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revclaw_enforcement_total",
			Help: "Guarded action requests, by action kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	PlansExecuted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revclaw_plans_executed_total",
			Help: "Plans that reached EXECUTED",
		},
	)

	Expired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revclaw_expired_total",
			Help: "Records flipped to expired, by subject type",
		},
		[]string{"subject"},
	)

	AuditEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revclaw_audit_entries_total",
			Help: "Audit entries appended, by event",
		},
		[]string{"event"},
	)

	AuditFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revclaw_audit_failures_total",
			Help: "Audit entries that could not be appended",
		},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revclaw_rate_limited_total",
			Help: "Agent requests rejected by the per-IP rate limiter",
		},
	)
)
