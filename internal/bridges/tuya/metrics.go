package tuya

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	ConnectAttempts *prometheus.CounterVec
	ConnectionUp    *prometheus.GaugeVec
	Commands        *prometheus.CounterVec
	CommandLatency  *prometheus.HistogramVec
	DecodeAnomalies *prometheus.CounterVec
	Bootstraps      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
//
// Parameters:
//   - reg: Registerer the collectors are added to; a registration conflict
//     panics, as with prometheus.MustRegister
//
// Returns:
//   - *Metrics: Collectors labelled by device_id
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// result: success/failed
		ConnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuya_connect_attempts_total",
				Help: "Device session connect attempts by result.",
			},
			[]string{"device_id", "result"},
		),
		// 1 = connected, 0 = not connected
		ConnectionUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tuya_connection_up",
				Help: "Device session state (1=Connected, 0=NotConnected).",
			},
			[]string{"device_id"},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuya_commands_total",
				Help: "Commands executed by result.",
			},
			[]string{"device_id", "result"},
		),
		CommandLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tuya_command_latency_seconds",
				Help:    "Latency of writing a data point to the device.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"device_id"},
		),
		DecodeAnomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuya_decode_anomalies_total",
				Help: "Data-point values published raw because they could not be decoded.",
			},
			[]string{"device_id"},
		),
		Bootstraps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuya_bootstraps_total",
				Help: "Device bootstraps by resulting phase.",
			},
			[]string{"phase"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectAttempts,
			m.ConnectionUp,
			m.Commands,
			m.CommandLatency,
			m.DecodeAnomalies,
			m.Bootstraps,
		)
	}
	return m
}

func (m *Metrics) connectAttempt(deviceID string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failed"
	}
	m.ConnectAttempts.WithLabelValues(deviceID, result).Inc()
}

func (m *Metrics) connectionUp(deviceID string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.ConnectionUp.WithLabelValues(deviceID).Set(v)
}

func (m *Metrics) command(deviceID string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failed"
	}
	m.Commands.WithLabelValues(deviceID, result).Inc()
	m.CommandLatency.WithLabelValues(deviceID).Observe(elapsed.Seconds())
}

func (m *Metrics) decodeAnomaly(deviceID string) {
	if m == nil {
		return
	}
	m.DecodeAnomalies.WithLabelValues(deviceID).Inc()
}

func (m *Metrics) bootstrap(phase Phase) {
	if m == nil {
		return
	}
	m.Bootstraps.WithLabelValues(string(phase)).Inc()
}
