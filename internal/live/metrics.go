package live

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Subscribers     prometheus.Gauge
	BroadcastsTotal prometheus.Counter
	SentTotal       prometheus.Counter
	DroppedTotal    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "outputfeed_subscribers", Help: "Currently registered live viewers."},
		),
		BroadcastsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outputfeed_broadcasts_total", Help: "Messages fanned out to live viewers."},
		),
		SentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outputfeed_messages_sent_total", Help: "Messages written to individual viewers."},
		),
		DroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outputfeed_subscribers_dropped_total", Help: "Viewers dropped by the hub."},
			[]string{"reason"},
		),
	}
	reg.MustRegister(m.Subscribers, m.BroadcastsTotal, m.SentTotal, m.DroppedTotal)
	return m
}

func (m *Metrics) setSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

func (m *Metrics) observeBroadcast(targets int) {
	if m == nil || targets == 0 {
		return
	}
	m.BroadcastsTotal.Inc()
}

func (m *Metrics) observeSent() {
	if m == nil {
		return
	}
	m.SentTotal.Inc()
}

func (m *Metrics) observeDrop(reason string) {
	if m == nil {
		return
	}
	m.DroppedTotal.WithLabelValues(reason).Inc()
}
