package sentry_pipeline

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rr_sentry_pipeline"

// metricsCollector implements prometheus.Collector for the pipeline.
// Counters are plain atomics updated from the hot path; gauges read
// live component state through callbacks installed by the transport.
type metricsCollector struct {
	sentEvents        atomic.Int64
	failedEvents      atomic.Int64
	rateLimitedEvents atomic.Int64
	droppedEvents     atomic.Int64
	spooledEvents     atomic.Int64

	sentEventsDesc        *prometheus.Desc
	failedEventsDesc      *prometheus.Desc
	rateLimitedEventsDesc *prometheus.Desc
	droppedEventsDesc     *prometheus.Desc
	spooledEventsDesc     *prometheus.Desc
	queueSizeDesc         *prometheus.Desc
	pressureLevelDesc     *prometheus.Desc

	eventsByCategory *prometheus.CounterVec
	discardsByReason *prometheus.CounterVec

	queueSizeFn     func() float64
	pressureLevelFn func() float64
}

func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		sentEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sent_events_total"),
			"Total number of successfully delivered events",
			nil, nil),

		failedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "failed_events_total"),
			"Total number of events that failed to deliver",
			nil, nil),

		rateLimitedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "rate_limited_events_total"),
			"Total number of events rejected by server rate limits",
			nil, nil),

		droppedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "dropped_events_total"),
			"Total number of events dropped before the network",
			nil, nil),

		spooledEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "spooled_events_total"),
			"Total number of payloads written to the offline spool",
			nil, nil),

		queueSizeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_size"),
			"Current number of events pending in the pipeline",
			nil, nil),

		pressureLevelDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pressure_level"),
			"Current backpressure level (0-3)",
			nil, nil),

		eventsByCategory: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prometheus.BuildFQName(namespace, "", "events_by_category_total"),
				Help: "Total number of events by data category",
			},
			[]string{"category"}),

		discardsByReason: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prometheus.BuildFQName(namespace, "", "discards_by_reason_total"),
				Help: "Total number of discarded events by reason",
			},
			[]string{"reason"}),
	}
}

func (mc *metricsCollector) IncSent()        { mc.sentEvents.Add(1) }
func (mc *metricsCollector) IncFailed()      { mc.failedEvents.Add(1) }
func (mc *metricsCollector) IncRateLimited() { mc.rateLimitedEvents.Add(1) }
func (mc *metricsCollector) IncDropped()     { mc.droppedEvents.Add(1) }
func (mc *metricsCollector) IncSpooled()     { mc.spooledEvents.Add(1) }

func (mc *metricsCollector) IncCategory(category Category) {
	mc.eventsByCategory.WithLabelValues(string(category)).Inc()
}

func (mc *metricsCollector) IncDiscard(reason DiscardReason) {
	mc.discardsByReason.WithLabelValues(string(reason)).Inc()
}

// Describe implements prometheus.Collector.
func (mc *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mc.sentEventsDesc
	ch <- mc.failedEventsDesc
	ch <- mc.rateLimitedEventsDesc
	ch <- mc.droppedEventsDesc
	ch <- mc.spooledEventsDesc
	ch <- mc.queueSizeDesc
	ch <- mc.pressureLevelDesc

	mc.eventsByCategory.Describe(ch)
	mc.discardsByReason.Describe(ch)
}

// Collect implements prometheus.Collector.
func (mc *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		mc.sentEventsDesc, prometheus.CounterValue, float64(mc.sentEvents.Load()))
	ch <- prometheus.MustNewConstMetric(
		mc.failedEventsDesc, prometheus.CounterValue, float64(mc.failedEvents.Load()))
	ch <- prometheus.MustNewConstMetric(
		mc.rateLimitedEventsDesc, prometheus.CounterValue, float64(mc.rateLimitedEvents.Load()))
	ch <- prometheus.MustNewConstMetric(
		mc.droppedEventsDesc, prometheus.CounterValue, float64(mc.droppedEvents.Load()))
	ch <- prometheus.MustNewConstMetric(
		mc.spooledEventsDesc, prometheus.CounterValue, float64(mc.spooledEvents.Load()))

	if mc.queueSizeFn != nil {
		ch <- prometheus.MustNewConstMetric(
			mc.queueSizeDesc, prometheus.GaugeValue, mc.queueSizeFn())
	}
	if mc.pressureLevelFn != nil {
		ch <- prometheus.MustNewConstMetric(
			mc.pressureLevelDesc, prometheus.GaugeValue, mc.pressureLevelFn())
	}

	mc.eventsByCategory.Collect(ch)
	mc.discardsByReason.Collect(ch)
}
