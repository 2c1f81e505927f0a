package output

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is optional everywhere; a nil *Metrics records nothing.
type Metrics struct {
	IngestedTotal     *prometheus.CounterVec
	EvictedTotal      prometheus.Counter
	WindowSize        prometheus.Gauge
	SaveFailedTotal   prometheus.Counter
	SaveDuration      prometheus.Histogram
	MirrorFailedTotal prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outputfeed_ingested_total", Help: "Webhook payloads by ingestion result."},
			[]string{"result"},
		),
		EvictedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outputfeed_evicted_total", Help: "Events evicted from the bounded window."},
		),
		WindowSize: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "outputfeed_window_size", Help: "Events currently retained."},
		),
		SaveFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outputfeed_snapshot_save_failed_total", Help: "Failed window persistence attempts."},
		),
		SaveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outputfeed_snapshot_save_duration_seconds",
				Help:    "Window persistence latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		MirrorFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outputfeed_mirror_failed_total", Help: "Events that could not be mirrored downstream."},
		),
	}
	reg.MustRegister(m.IngestedTotal, m.EvictedTotal, m.WindowSize, m.SaveFailedTotal, m.SaveDuration, m.MirrorFailedTotal)
	return m
}

func (m *Metrics) setWindow(n int) {
	if m == nil {
		return
	}
	m.WindowSize.Set(float64(n))
}

func (m *Metrics) observeInsert(size, evicted int) {
	if m == nil {
		return
	}
	m.WindowSize.Set(float64(size))
	if evicted > 0 {
		m.EvictedTotal.Add(float64(evicted))
	}
}

func (m *Metrics) observeSave(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.SaveDuration.Observe(d.Seconds())
	if err != nil {
		m.SaveFailedTotal.Inc()
	}
}

func (m *Metrics) observeIngest(result string) {
	if m == nil {
		return
	}
	m.IngestedTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) observeMirrorFailure() {
	if m == nil {
		return
	}
	m.MirrorFailedTotal.Inc()
}
