package ingest

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// ErrKillSwitchOpen is returned by Allow when the switch has tripped.
var ErrKillSwitchOpen = errors.New("ingest: data source kill switch open")

// DataSourceKillSwitch disables an adapter when consecutive failures exceed
// a threshold or p95 latency exceeds an SLO. It wraps a gobreaker.CircuitBreaker
// so that disabled adapters periodically half-open to probe recovery, rather
// than being disabled forever by a hand-rolled counter.
type DataSourceKillSwitch struct {
	name string
	cb   *gobreaker.CircuitBreaker

	mu          sync.Mutex
	latencies   []time.Duration // rolling window for p95 computation
	p95SLO      time.Duration
	maxWindow   int

	tripped   prometheus.Gauge
	successes prometheus.Counter
	failures  prometheus.Counter
}

// NewDataSourceKillSwitch builds a kill switch tripping after failureThreshold
// consecutive failures, or when the rolling p95 latency exceeds slo.
func NewDataSourceKillSwitch(name string, failureThreshold int, slo time.Duration, registry *prometheus.Registry, logger *slog.Logger) *DataSourceKillSwitch {
	ks := &DataSourceKillSwitch{
		name:      name,
		p95SLO:    slo,
		maxWindow: 200,
		tripped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "betterbot_ingest_killswitch_open",
			Help:        "1 if the data source kill switch is open",
			ConstLabels: prometheus.Labels{"source": name},
		}),
		successes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "betterbot_ingest_killswitch_successes_total",
			ConstLabels: prometheus.Labels{"source": name},
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "betterbot_ingest_killswitch_failures_total",
			ConstLabels: prometheus.Labels{"source": name},
		}),
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1.0
			}
			ks.tripped.Set(open)
			logger.Warn("kill switch state change", "source", name, "from", from, "to", to)
		},
	}
	ks.cb = gobreaker.NewCircuitBreaker(settings)

	if registry != nil {
		registry.MustRegister(ks.tripped, ks.successes, ks.failures)
	}
	return ks
}

// Allow reports whether the adapter may attempt a poll/connect right now.
// Disabled adapters still continue health sampling per spec.md §4.1 — callers
// should keep invoking RecordLatency even while Allow returns false.
func (ks *DataSourceKillSwitch) Allow() bool {
	_, err := ks.cb.Execute(func() (interface{}, error) { return nil, nil })
	return err == nil
}

// RecordSuccess records a successful call and its observed latency.
func (ks *DataSourceKillSwitch) RecordSuccess(latency time.Duration) {
	ks.cb.Execute(func() (interface{}, error) { return nil, nil })
	ks.successes.Inc()
	ks.recordLatency(latency)
	if ks.p95() > ks.p95SLO && ks.p95SLO > 0 {
		ks.cb.Execute(func() (interface{}, error) { return nil, errors.New("p95 SLO breach") })
	}
}

// RecordFailure records a failed call.
func (ks *DataSourceKillSwitch) RecordFailure() {
	ks.failures.Inc()
	ks.cb.Execute(func() (interface{}, error) { return nil, errors.New("upstream failure") })
}

func (ks *DataSourceKillSwitch) recordLatency(d time.Duration) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.latencies = append(ks.latencies, d)
	if len(ks.latencies) > ks.maxWindow {
		ks.latencies = ks.latencies[len(ks.latencies)-ks.maxWindow:]
	}
}

// p95 returns the 95th-percentile latency over the rolling window.
func (ks *DataSourceKillSwitch) p95() time.Duration {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	n := len(ks.latencies)
	if n == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), ks.latencies...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(float64(n) * 0.95)
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// State reports the current breaker state name for observability.
func (ks *DataSourceKillSwitch) State() string {
	return ks.cb.State().String()
}
