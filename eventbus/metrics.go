package eventbus

import "github.com/prometheus/client_golang/prometheus"

// Collector implements prometheus.Collector over bus delivery stats.
// Counters are generated as ConstMetrics on scrape, so there is no
// instrumentation on the publish or dispatch hot path.
//
// Usage:
//
//	collector := eventbus.NewCollector(bus, "elements_eventbus")
//	prometheus.MustRegister(collector)
type Collector struct {
	bus *Bus

	publishedDesc *prometheus.Desc
	deliveredDesc *prometheus.Desc
	failedDesc    *prometheus.Desc
	droppedDesc   *prometheus.Desc
}

// NewCollector creates a collector for the given bus. namespace is the
// metric prefix (default if empty: elements_eventbus).
func NewCollector(bus *Bus, namespace string) *Collector {
	if namespace == "" {
		namespace = "elements_eventbus"
	}
	labels := []string{"module"}
	return &Collector{
		bus: bus,
		publishedDesc: prometheus.NewDesc(
			namespace+"_published_total",
			"Events published to the shared exchange.", labels, nil),
		deliveredDesc: prometheus.NewDesc(
			namespace+"_delivered_total",
			"Inbound messages acknowledged after dispatch.", labels, nil),
		failedDesc: prometheus.NewDesc(
			namespace+"_handler_failures_total",
			"Handler invocations that returned an error or panicked.", labels, nil),
		droppedDesc: prometheus.NewDesc(
			namespace+"_dropped_total",
			"Malformed inbound messages rejected without requeue.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.publishedDesc
	ch <- c.deliveredDesc
	ch <- c.failedDesc
	ch <- c.droppedDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.bus.Stats()
	module := c.bus.Module()
	ch <- prometheus.MustNewConstMetric(c.publishedDesc, prometheus.CounterValue, float64(stats.Published), module)
	ch <- prometheus.MustNewConstMetric(c.deliveredDesc, prometheus.CounterValue, float64(stats.Delivered), module)
	ch <- prometheus.MustNewConstMetric(c.failedDesc, prometheus.CounterValue, float64(stats.HandlerFailures), module)
	ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(stats.Dropped), module)
}
