package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fareledger_requests_total",
		Help: "Routed requests by kind and outcome",
	}, []string{"kind", "outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fareledger_stage_duration_seconds",
		Help:    "Time spent in each router stage",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	UpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fareledger_upstream_duration_seconds",
		Help:    "Latency of embedding, search and generation calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"capability", "outcome"})

	ParsedRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fareledger_parsed_rows_total",
		Help: "Statement rows parsed, by format and result",
	}, []string{"format", "result"})

	CapClampsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fareledger_cap_clamps_total",
		Help: "Days whose total was clamped by a daily cap policy",
	})

	TenancyViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fareledger_tenancy_violations_total",
		Help: "Cross-owner records blocked, by component",
	}, []string{"component"})

	IngestJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fareledger_ingest_jobs_total",
		Help: "Asynchronous ingest jobs by final status",
	}, []string{"status"})
)
