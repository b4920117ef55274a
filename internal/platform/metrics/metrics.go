package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application. Callers hold a
// possibly-nil *Metrics; every method is nil-safe so tests can skip wiring.
type Metrics struct {
	RemoteCalls          *prometheus.CounterVec
	RemoteCallDuration   *prometheus.HistogramVec
	StateTransitions     *prometheus.CounterVec
	ValidationIterations prometheus.Counter
	OTPRetries           prometheus.Counter
	Submissions          prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		RemoteCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "erigate_remote_calls_total",
			Help: "Government API calls by operation and outcome",
		}, []string{"op", "outcome"}),
		RemoteCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "erigate_remote_call_duration_seconds",
			Help:    "Latency of government API calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "erigate_filing_transitions_total",
			Help: "Filing state machine transitions",
		}, []string{"from", "to"}),
		ValidationIterations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "erigate_validation_iterations_total",
			Help: "Iterations of the validate-fix-revalidate loop",
		}),
		OTPRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "erigate_otp_retries_total",
			Help: "OTP mismatches that were retried",
		}),
		Submissions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "erigate_submissions_total",
			Help: "Returns submitted and assigned an ARN",
		}),
	}
}

func (m *Metrics) ObserveRemoteCall(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RemoteCalls.WithLabelValues(op, outcome).Inc()
	m.RemoteCallDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IncValidationIteration() {
	if m == nil {
		return
	}
	m.ValidationIterations.Inc()
}

func (m *Metrics) IncOTPRetry() {
	if m == nil {
		return
	}
	m.OTPRetries.Inc()
}

func (m *Metrics) IncSubmission() {
	if m == nil {
		return
	}
	m.Submissions.Inc()
}
