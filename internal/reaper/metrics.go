package reaper

import "github.com/prometheus/client_golang/prometheus"

// metrics are the reaper's own Prometheus counters, registered once per
// process against the default registry so /metrics picks them up alongside
// whatever else the binary exposes.
type metrics struct {
	abandonedSteps prometheus.Counter
	retriedSteps   prometheus.Counter
	timedOutRuns   prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		abandonedSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reaper_abandoned_steps_total",
			Help: "Steps reset from running to pending after exceeding the abandoned-step age threshold.",
		}),
		retriedSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reaper_retried_steps_total",
			Help: "Failed steps reset to pending for another retry attempt.",
		}),
		timedOutRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reaper_timed_out_runs_total",
			Help: "Runs failed after exceeding the run-timeout threshold.",
		}),
	}
	prometheus.MustRegister(m.abandonedSteps, m.retriedSteps, m.timedOutRuns)
	return m
}
