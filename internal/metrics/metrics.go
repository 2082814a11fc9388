// Package metrics exposes controller counters for scraping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atsc",
		Subsystem: "controller",
		Name:      "ticks_total",
		Help:      "Total control loop ticks",
	})

	TickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "atsc",
		Subsystem: "controller",
		Name:      "tick_duration_seconds",
		Help:      "Tick processing duration",
		Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	})

	Mode = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "atsc",
		Subsystem: "controller",
		Name:      "mode",
		Help:      "Current control mode (0 off, 1 cet, 2 cxt, 3 ls-flash, 4 normal)",
	})

	CallsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atsc",
		Subsystem: "calls",
		Name:      "placed_total",
		Help:      "Total calls placed",
	}, []string{"source"})

	CallsServed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atsc",
		Subsystem: "calls",
		Name:      "served_total",
		Help:      "Total calls served",
	})

	CallsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atsc",
		Subsystem: "calls",
		Name:      "expired_total",
		Help:      "Total calls dropped at max age before service",
	})

	BarrierCrossings = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atsc",
		Subsystem: "scheduler",
		Name:      "barrier_crossings_total",
		Help:      "Total barrier crossings",
	})

	Transfers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atsc",
		Subsystem: "controller",
		Name:      "transfers_total",
		Help:      "Total output transfer events",
	})

	BusFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atsc",
		Subsystem: "bus",
		Name:      "frames_total",
		Help:      "Total outbound bus frames attempted",
	})

	BusFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atsc",
		Subsystem: "bus",
		Name:      "failures_total",
		Help:      "Total outbound bus frame failures",
	})
)
