// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "uptime"

var (
	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checks_total",
		Help:      "Completed monitor checks by protocol and resulting status.",
	}, []string{"protocol", "status"})

	CheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "check_duration_seconds",
		Help:      "Probe latency by protocol.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"protocol"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Duration of one due-check sweep.",
		Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120},
	})

	ChecksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "checks_in_flight",
		Help:      "Monitor checks currently running.",
	})

	// result: sent, failed, disabled
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notification sends by channel, kind and result.",
	}, []string{"channel", "kind", "result"})

	AlertIngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alert_ingest_total",
		Help:      "Zabbix webhook payloads by ingest outcome.",
	}, []string{"outcome"})
)
