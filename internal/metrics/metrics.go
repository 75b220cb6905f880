// Package metrics exposes the Prometheus collectors scraped over
// cmd/statusweb's /metrics endpoint: counters for dispatch fan-out,
// bounce-driven unsubscribes, and task engine runs. Ambient
// observability alongside internal/events' live activity stream —
// events feed the dashboard's WebSocket, these feed Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchSentTotal counts individual subscriber deliveries,
	// labeled by package and keyword.
	DispatchSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pts_dispatch_sent_total",
		Help: "Total package messages successfully relayed to a subscriber.",
	}, []string{"package", "keyword"})

	// DispatchDroppedTotal counts inbound messages dropped before
	// fan-out (loop, bounce, no subscribers, unapproved default).
	DispatchDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pts_dispatch_dropped_total",
		Help: "Total inbound package messages dropped without dispatch.",
	}, []string{"reason"})

	// BounceUnsubscribedTotal counts users auto-unsubscribed after
	// crossing the bounce-ratio threshold.
	BounceUnsubscribedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pts_bounce_unsubscribed_total",
		Help: "Total users automatically unsubscribed due to bouncing addresses.",
	})

	// ControlCommandsTotal counts processed control messages, labeled
	// by command and outcome (ok, error, dropped, send-error).
	// cmd/control records every message under the command "unknown".
	ControlCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pts_control_commands_total",
		Help: "Total control commands processed.",
	}, []string{"command", "outcome"})

	// TaskRunsTotal counts taskengine job runs, labeled by the initial
	// task name and outcome.
	TaskRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pts_task_runs_total",
		Help: "Total task engine job runs.",
	}, []string{"task", "outcome"})

	// EmailPollDuration observes how long an IMAP poll takes, labeled
	// by account. cmd/mailpump times each whole poll cycle across all
	// accounts under the label "all".
	EmailPollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pts_email_poll_duration_seconds",
		Help:    "Duration of an email poll cycle.",
		Buckets: prometheus.DefBuckets,
	}, []string{"account"})
)
