package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives the pipeline events the builder and sender report.
type Recorder interface {
	IncUserOpBuilt(version, status string)
	ObserveBuildDuration(version string, d time.Duration)
	IncPaymasterCall(phase, status string)
	IncDeploymentWait(outcome string)
	IncUserOpSent(status string)
}

// UserOpMetrics contains instrumented metrics for the user operation pipeline.
type UserOpMetrics struct {
	numUserOpBuilt    *prometheus.CounterVec
	buildDuration     *prometheus.HistogramVec
	numPaymasterCalls *prometheus.CounterVec
	// a growing "timeout" series means marks are left behind by abandoned builds
	numDeploymentWait *prometheus.CounterVec
	numUserOpSent     *prometheus.CounterVec
}

const userOpNamespace = "userop"

var _ Recorder = (*UserOpMetrics)(nil)

func NewUserOpMetrics(reg prometheus.Registerer) *UserOpMetrics {
	return &UserOpMetrics{
		numUserOpBuilt: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: userOpNamespace,
				Name:      "num_built_total",
				Help:      "The number of user operations built, by entrypoint version and status",
			}, []string{"version", "status"}),

		buildDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: userOpNamespace,
				Name:      "build_duration_seconds",
				Help:      "Time spent building a user operation, including paymaster negotiation",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"version"}),

		numPaymasterCalls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: userOpNamespace,
				Name:      "num_paymaster_calls_total",
				Help:      "The number of paymaster sponsorship requests, by negotiation phase and status",
			}, []string{"phase", "status"}),

		numDeploymentWait: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: userOpNamespace,
				Name:      "num_deployment_wait_total",
				Help:      "The number of builds that waited on a concurrent account deployment",
			}, []string{"outcome"}),

		numUserOpSent: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: userOpNamespace,
				Name:      "num_sent_total",
				Help:      "The number of user operations sent to the bundler",
			}, []string{"status"}),
	}
}

func (m *UserOpMetrics) IncUserOpBuilt(version, status string) {
	m.numUserOpBuilt.WithLabelValues(version, status).Inc()
}

func (m *UserOpMetrics) ObserveBuildDuration(version string, d time.Duration) {
	m.buildDuration.WithLabelValues(version).Observe(d.Seconds())
}

func (m *UserOpMetrics) IncPaymasterCall(phase, status string) {
	m.numPaymasterCalls.WithLabelValues(phase, status).Inc()
}

func (m *UserOpMetrics) IncDeploymentWait(outcome string) {
	m.numDeploymentWait.WithLabelValues(outcome).Inc()
}

func (m *UserOpMetrics) IncUserOpSent(status string) {
	m.numUserOpSent.WithLabelValues(status).Inc()
}

// NoopRecorder discards every event.
type NoopRecorder struct{}

func (NoopRecorder) IncUserOpBuilt(version, status string)                {}
func (NoopRecorder) ObserveBuildDuration(version string, d time.Duration) {}
func (NoopRecorder) IncPaymasterCall(phase, status string)                {}
func (NoopRecorder) IncDeploymentWait(outcome string)                     {}
func (NoopRecorder) IncUserOpSent(status string)                          {}

// EnsureRecorder returns r, or a NoopRecorder when r is nil.
func EnsureRecorder(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
