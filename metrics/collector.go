package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PendingCounter is anything that can report how many account deployments
// are in flight, such as a deployment.Tracker.
type PendingCounter interface {
	Len() int
}

// DeploymentCollector exports the number of accounts currently marked as
// deploying. It is read at scrape time so no event hooks are needed.
type DeploymentCollector struct {
	source  PendingCounter
	pending *prometheus.Desc
}

var _ prometheus.Collector = (*DeploymentCollector)(nil)

func NewDeploymentCollector(source PendingCounter) *DeploymentCollector {
	return &DeploymentCollector{
		source: source,
		pending: prometheus.NewDesc(
			prometheus.BuildFQName(userOpNamespace, "deployment", "pending"),
			"Accounts currently marked as deploying",
			nil, nil,
		),
	}
}

func (c *DeploymentCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pending
}

func (c *DeploymentCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(c.source.Len()))
}
