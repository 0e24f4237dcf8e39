// Package metrics exposes Prometheus collectors for fixture lifecycle and ACL operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hsu_fixture"

// Start outcomes.
const (
	OutcomeReady   = "ready"
	OutcomeTimeout = "timeout"
	OutcomeExited  = "exited"
	OutcomeError   = "error"
)

var (
	fixtureStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "starts_total",
		Help:      "Fixture start attempts by outcome",
	}, []string{"fixture_id", "outcome"})

	fixtureStartupSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "startup_seconds",
		Help:      "Time from spawn until the readiness marker was observed",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"fixture_id"})

	fixtureStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "stops_total",
		Help:      "Fixture stops that terminated a live process, by forced kill or graceful exit",
	}, []string{"fixture_id", "mode"})

	fixtureSuspensions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "suspensions_total",
		Help:      "Pause and resume operations",
	}, []string{"fixture_id", "op"})

	fixtureUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "up",
		Help:      "1 while the fixture process is ready or paused",
	}, []string{"fixture_id"})

	fixtureOutputLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "output_lines_total",
		Help:      "Output lines mirrored from the fixture process",
	}, []string{"fixture_id"})

	aclOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acl",
		Name:      "operations_total",
		Help:      "ACL and commissioning operations by result",
	}, []string{"op", "result"})
)

func RecordStart(fixtureID, outcome string, elapsed time.Duration) {
	fixtureStarts.WithLabelValues(fixtureID, outcome).Inc()
	if outcome == OutcomeReady {
		fixtureStartupSeconds.WithLabelValues(fixtureID).Observe(elapsed.Seconds())
		fixtureUp.WithLabelValues(fixtureID).Set(1)
	}
}

func RecordStop(fixtureID string, forced bool) {
	mode := "graceful"
	if forced {
		mode = "killed"
	}
	fixtureStops.WithLabelValues(fixtureID, mode).Inc()
	fixtureUp.WithLabelValues(fixtureID).Set(0)
}

// RecordExit marks a fixture down without counting a stop.
func RecordExit(fixtureID string) {
	fixtureUp.WithLabelValues(fixtureID).Set(0)
}

func RecordSuspension(fixtureID string, paused bool) {
	op := "resume"
	if paused {
		op = "pause"
	}
	fixtureSuspensions.WithLabelValues(fixtureID, op).Inc()
}

func RecordOutputLine(fixtureID string) {
	fixtureOutputLines.WithLabelValues(fixtureID).Inc()
}

// RecordACLOperation counts op ("setup", "restore", "commission", "expire") as ok or failed.
func RecordACLOperation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	aclOperations.WithLabelValues(op, result).Inc()
}

// Handler serves every promauto-registered collector.
func Handler() http.Handler {
	return promhttp.Handler()
}
