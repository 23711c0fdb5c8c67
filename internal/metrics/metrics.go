// Package metrics holds the Prometheus instrumentation of the sync core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "chatsync"

// Metrics groups the collectors of one daemon.
type Metrics struct {
	Registry *prometheus.Registry

	pageLoads       *prometheus.CounterVec
	pageLoadSeconds *prometheus.HistogramVec
	eventsMerged    prometheus.Counter
	sends           *prometheus.CounterVec
	uploads         *prometheus.CounterVec
	inflightSends   prometheus.Gauge
	modeChanges     *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		pageLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_loads_total",
			Help:      "Remote page loads by load type and result.",
		}, []string{"load_type", "result"}),
		pageLoadSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "page_load_seconds",
			Help:      "Duration of remote page loads.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"load_type"}),
		eventsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_merged_total",
			Help:      "Remote events merged into the local cache.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Finished message sends by final state.",
		}, []string{"state"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_uploads_total",
			Help:      "Attachment uploads by result.",
		}, []string{"result"}),
		inflightSends: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sends_inflight",
			Help:      "Sends currently running on the detached pool.",
		}),
		modeChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_mode_changes_total",
			Help:      "Conversation UI-mode transitions.",
		}, []string{"to"}),
	}
	m.Registry.MustRegister(
		m.pageLoads,
		m.pageLoadSeconds,
		m.eventsMerged,
		m.sends,
		m.uploads,
		m.inflightSends,
		m.modeChanges,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObservePageLoad records one remote page load.
func (m *Metrics) ObservePageLoad(loadType string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.pageLoads.WithLabelValues(loadType, result).Inc()
	m.pageLoadSeconds.WithLabelValues(loadType).Observe(took.Seconds())
}

// AddMergedEvents counts events written by a page merge.
func (m *Metrics) AddMergedEvents(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsMerged.Add(float64(n))
}

// SendStarted marks a send as in flight.
func (m *Metrics) SendStarted() {
	if m == nil {
		return
	}
	m.inflightSends.Inc()
}

// SendFinished records the final state of a send.
func (m *Metrics) SendFinished(state string) {
	if m == nil {
		return
	}
	m.inflightSends.Dec()
	m.sends.WithLabelValues(state).Inc()
}

// ObserveUpload records one attachment upload.
func (m *Metrics) ObserveUpload(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.uploads.WithLabelValues("ok").Inc()
	} else {
		m.uploads.WithLabelValues("dropped").Inc()
	}
}

// ObserveModeChange records a conversation mode transition.
func (m *Metrics) ObserveModeChange(to string) {
	if m == nil {
		return
	}
	m.modeChanges.WithLabelValues(to).Inc()
}
