package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var submitCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tally_submissions",
	Help: "Number of evidence submissions, by outcome",
}, []string{"category", "result"})

var judgeCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tally_judgements",
	Help: "Number of reviewer actions processed, by resulting transition",
}, []string{"category", "transition"})

var judgeErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tally_judgement_errors",
	Help: "Number of reviewer actions which failed",
}, []string{"category", "kind"})

var judgeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "tally_judgement_duration_sec",
	Help: "Duration of reviewer action processing",
}, []string{"category"})

var ledgerCallCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tally_ledger_calls",
	Help: "Number of reward ledger calls, by outcome",
}, []string{"category", "result"})

var compensationFailureCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tally_ledger_compensation_failures",
	Help: "Number of ledger rollback calls which failed (needs manual repair)",
}, []string{"category"})

var notifyErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tally_audit_notify_errors",
	Help: "Number of audit notifications which failed",
}, []string{"category"})
