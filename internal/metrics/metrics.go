// Package metrics publishes the Coordinator's ambient Prometheus counters
// and gauges: one process-wide *prometheus.Registry, one metrics struct
// of named collectors, wired into an http.Handler via promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	jobsRunning       prometheus.Gauge
	jobsCommittedTot  prometheus.Counter
	jobsFailedTotal   prometheus.Counter
	jobsFatalTotal    prometheus.Counter
	jobsEarlyErrTotal prometheus.Counter

	pipelinePrepareDepth prometheus.Gauge
	pipelineCommitDepth  prometheus.Gauge

	etaSpeedBps      *prometheus.GaugeVec
	verifyMismatches prometheus.Counter
	linkedBytesTotal prometheus.Counter
	fetchedBytesTot  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coordinator", Name: "jobs_running", Help: "Backup jobs currently in flight.",
		}),
		jobsCommittedTot: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "jobs_committed_total", Help: "Jobs that reached the Committed terminal state.",
		}),
		jobsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "jobs_failed_total", Help: "Jobs that reached the Failed terminal state.",
		}),
		jobsFatalTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "jobs_fatal_total", Help: "Jobs that reached the Fatal terminal state.",
		}),
		jobsEarlyErrTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "jobs_early_error_total", Help: "Jobs that reached the EarlyError terminal state.",
		}),
		pipelinePrepareDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coordinator", Name: "pipeline_prepare_queue_depth", Help: "Items queued for the Prepare-Hash Worker.",
		}),
		pipelineCommitDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coordinator", Name: "pipeline_commit_queue_depth", Help: "Items queued for the Commit-Hash Worker.",
		}),
		etaSpeedBps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coordinator", Name: "eta_speed_bytes_per_ms", Help: "Smoothed transfer speed estimate per client.",
		}, []string{"client"}),
		verifyMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "verify_mismatches_total", Help: "Post-commit verify mismatches detected.",
		}),
		linkedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "linked_bytes_total", Help: "Bytes committed via hash-index link instead of fetch.",
		}),
		fetchedBytesTot: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "fetched_bytes_total", Help: "Bytes fetched from clients and staged.",
		}),
	}

	reg.MustRegister(
		m.jobsRunning, m.jobsCommittedTot, m.jobsFailedTotal, m.jobsFatalTotal, m.jobsEarlyErrTotal,
		m.pipelinePrepareDepth, m.pipelineCommitDepth, m.etaSpeedBps, m.verifyMismatches,
		m.linkedBytesTotal, m.fetchedBytesTot,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobStarted()   { m.jobsRunning.Inc() }
func (m *Metrics) JobFinished()  { m.jobsRunning.Dec() }
func (m *Metrics) VerifyMismatch() { m.verifyMismatches.Inc() }
func (m *Metrics) LinkedBytes(n int64) { m.linkedBytesTotal.Add(float64(n)) }
func (m *Metrics) FetchedBytes(n int64) { m.fetchedBytesTot.Add(float64(n)) }
func (m *Metrics) SetPipelineDepth(prepare, commit int) {
	m.pipelinePrepareDepth.Set(float64(prepare))
	m.pipelineCommitDepth.Set(float64(commit))
}
func (m *Metrics) SetETASpeed(client string, bps float64) {
	m.etaSpeedBps.WithLabelValues(client).Set(bps)
}

// RecordTerminal increments the counter matching a job's terminal state
// name, as returned by coordinator.State.String().
func (m *Metrics) RecordTerminal(stateName string) {
	switch stateName {
	case "Committed":
		m.jobsCommittedTot.Inc()
	case "Failed":
		m.jobsFailedTotal.Inc()
	case "Fatal":
		m.jobsFatalTotal.Inc()
	case "EarlyError":
		m.jobsEarlyErrTotal.Inc()
	}
}
