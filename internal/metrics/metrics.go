// Package metrics provides Prometheus metrics for the UDP mirror relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

const (
	namespace = "udp_mirror"
)

// Port labels for receive metrics.
const (
	PortData  = "data"
	PortAdmin = "admin"
)

// Loop labels for loop error metrics.
const (
	LoopMirror = "mirror"
	LoopAdmin  = "admin"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Receive metrics
	DatagramsReceived *prometheus.CounterVec
	BytesReceived     *prometheus.CounterVec
	DatagramsTruncated *prometheus.CounterVec

	// Fan-out metrics
	DatagramsForwarded prometheus.Counter
	BytesForwarded     prometheus.Counter
	SendFailures       prometheus.Counter
	FanoutSize         prometheus.Histogram

	// Registration metrics
	AdminCommands *prometheus.CounterVec
	Destinations  prometheus.Gauge

	// Loop health
	LoopErrors *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DatagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams received by port",
		}, []string{"port"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received by port",
		}, []string{"port"}),
		DatagramsTruncated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_truncated_total",
			Help:      "Total datagrams dropped for exceeding the receive buffer, by port",
		}, []string{"port"}),

		DatagramsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_forwarded_total",
			Help:      "Total datagrams successfully sent to destinations",
		}),
		BytesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total payload bytes successfully sent to destinations",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total per-destination send failures",
		}),
		FanoutSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_size",
			Help:      "Histogram of destinations per mirrored datagram",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		}),

		AdminCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_commands_total",
			Help:      "Total admin commands by command and outcome",
		}, []string{"command", "outcome"}),
		Destinations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "destinations",
			Help:      "Number of currently registered destinations",
		}),

		LoopErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_errors_total",
			Help:      "Total fatal loop errors by loop",
		}, []string{"loop"}),
	}
}

// The Record and Set helpers are no-ops on a nil *Metrics.

// RecordReceive records a datagram received on the given port.
func (m *Metrics) RecordReceive(port string, bytes int) {
	if m == nil {
		return
	}
	m.DatagramsReceived.WithLabelValues(port).Inc()
	m.BytesReceived.WithLabelValues(port).Add(float64(bytes))
}

// RecordForward records a successful send to one destination.
func (m *Metrics) RecordForward(bytes int) {
	if m == nil {
		return
	}
	m.DatagramsForwarded.Inc()
	m.BytesForwarded.Add(float64(bytes))
}

// RecordSendFailure records a failed send to one destination.
func (m *Metrics) RecordSendFailure() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

// RecordFanout records how many destinations a datagram was mirrored to.
func (m *Metrics) RecordFanout(destinations int) {
	if m == nil {
		return
	}
	m.FanoutSize.Observe(float64(destinations))
}

// RecordAdminCommand records the outcome of an admin command.
func (m *Metrics) RecordAdminCommand(command, outcome string) {
	if m == nil {
		return
	}
	m.AdminCommands.WithLabelValues(command, outcome).Inc()
}

// SetDestinations sets the registered destination count.
func (m *Metrics) SetDestinations(count int) {
	if m == nil {
		return
	}
	m.Destinations.Set(float64(count))
}

// RecordTruncated records a datagram dropped for exceeding the receive buffer.
func (m *Metrics) RecordTruncated(port string) {
	if m == nil {
		return
	}
	m.DatagramsTruncated.WithLabelValues(port).Inc()
}

// RecordLoopError records a fatal loop error.
func (m *Metrics) RecordLoopError(loop string) {
	if m == nil {
		return
	}
	m.LoopErrors.WithLabelValues(loop).Inc()
}

// Snapshot is a point-in-time read of the relay counters.
type Snapshot struct {
	DatagramsReceived  uint64
	BytesReceived      uint64
	DatagramsForwarded uint64
	BytesForwarded     uint64
	SendFailures       uint64
	Destinations       int
}

// Snapshot reads the current counter values. Receive counters cover the data port only.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		DatagramsReceived:  uint64(readValue(m.DatagramsReceived.WithLabelValues(PortData))),
		BytesReceived:      uint64(readValue(m.BytesReceived.WithLabelValues(PortData))),
		DatagramsForwarded: uint64(readValue(m.DatagramsForwarded)),
		BytesForwarded:     uint64(readValue(m.BytesForwarded)),
		SendFailures:       uint64(readValue(m.SendFailures)),
		Destinations:       int(readValue(m.Destinations)),
	}
}

func readValue(c prometheus.Metric) float64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	return 0
}
