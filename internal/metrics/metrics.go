// Package metrics holds the Prometheus collectors for the telemetry core.
//
// Collectors are registered on a caller-supplied registry; there is no
// package-level default registration. All methods are safe on a nil receiver
// so components can run without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bletelemetry"

// Failure reasons reported by the orientation estimator.
const (
	ReasonNotReady   = "not_ready"
	ReasonDegenerate = "degenerate"
)

type Orientation struct {
	updates  prometheus.Counter
	failures *prometheus.CounterVec
	angle    *prometheus.GaugeVec
}

func NewOrientation(reg prometheus.Registerer) *Orientation {
	m := &Orientation{
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orientation",
			Name:      "updates_total",
			Help:      "Successful fused orientation updates.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orientation",
			Name:      "update_failures_total",
			Help:      "Orientation updates that left the filter state unchanged.",
		}, []string{"reason"}),
		angle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orientation",
			Name:      "fused_radians",
			Help:      "Most recent fused orientation angle.",
		}, []string{"axis"}),
	}
	if reg != nil {
		reg.MustRegister(m.updates, m.failures, m.angle)
	}
	return m
}

func (m *Orientation) ObserveUpdate(yaw, pitch, roll float64) {
	if m == nil {
		return
	}
	m.updates.Inc()
	m.angle.WithLabelValues("yaw").Set(yaw)
	m.angle.WithLabelValues("pitch").Set(pitch)
	m.angle.WithLabelValues("roll").Set(roll)
}

func (m *Orientation) ObserveFailure(reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(reason).Inc()
}

type Sampler struct {
	requests  prometheus.Counter
	failures  prometheus.Counter
	discarded prometheus.Counter
	rssi      prometheus.Gauge
	running   prometheus.Gauge
}

func NewSampler(reg prometheus.Registerer) *Sampler {
	m := &Sampler{
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rssi",
			Name:      "requests_total",
			Help:      "RSSI read requests issued against the link.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rssi",
			Name:      "read_failures_total",
			Help:      "RSSI reads that failed to issue or replied with an error.",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rssi",
			Name:      "stale_replies_total",
			Help:      "RSSI replies dropped because their sampling session had ended.",
		}),
		rssi: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rssi",
			Name:      "latest_dbm",
			Help:      "Most recent captured RSSI in dBm.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rssi",
			Name:      "running",
			Help:      "1 while the sampler is running.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.failures, m.discarded, m.rssi, m.running)
	}
	return m
}

func (m *Sampler) RequestIssued() {
	if m == nil {
		return
	}
	m.requests.Inc()
}

func (m *Sampler) ReadFailed() {
	if m == nil {
		return
	}
	m.failures.Inc()
}

func (m *Sampler) ReplyDiscarded() {
	if m == nil {
		return
	}
	m.discarded.Inc()
}

func (m *Sampler) Captured(dbm int) {
	if m == nil {
		return
	}
	m.rssi.Set(float64(dbm))
}

func (m *Sampler) SetRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.running.Set(1)
		return
	}
	m.running.Set(0)
}
