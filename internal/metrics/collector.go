package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sample is the per-service view exported at scrape time.
type Sample struct {
	Service    string
	Running    bool
	Pending    bool
	CPUPercent float64
	MemoryMB   float64
}

// StatusCollector exports service status gauges computed on each scrape, so
// the values always agree with what the status API returns.
type StatusCollector struct {
	source func() []Sample

	running *prometheus.Desc
	pending *prometheus.Desc
	cpu     *prometheus.Desc
	memory  *prometheus.Desc
}

func NewStatusCollector(source func() []Sample) *StatusCollector {
	labels := []string{"service"}
	return &StatusCollector{
		source:  source,
		running: prometheus.NewDesc(prometheus.BuildFQName(namespace, "service", "running"), "1 if the service has a bound container.", labels, nil),
		pending: prometheus.NewDesc(prometheus.BuildFQName(namespace, "service", "pending"), "1 if a command is in flight or the container is transitioning.", labels, nil),
		cpu:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "service", "cpu_percent"), "Container CPU usage percent (100 per core).", labels, nil),
		memory:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "service", "memory_mb"), "Container memory usage in MB excluding page cache.", labels, nil),
	}
}

func (c *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.running
	ch <- c.pending
	ch <- c.cpu
	ch <- c.memory
}

func (c *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source() {
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, boolToFloat(s.Running), s.Service)
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, boolToFloat(s.Pending), s.Service)
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, s.CPUPercent, s.Service)
		ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, s.MemoryMB, s.Service)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
