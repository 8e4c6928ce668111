package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "remotesync_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	commandsTotal  *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec

	deviceEventsTotal *prometheus.CounterVec
	droppedFrames     prometheus.Counter

	handshakesTotal   *prometheus.CounterVec
	reconnectsTotal   prometheus.Counter
	negotiationsTotal *prometheus.CounterVec
	capturesTotal     *prometheus.CounterVec
	wakePacketsTotal  prometheus.Counter

	connectedChannels prometheus.Gauge
	learningSessions  prometheus.Gauge
	pollingLoops      *prometheus.GaugeVec
)

// Init registers the engine metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		commandsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_total",
				Help: "Total dispatched device commands by type and result",
			},
			[]string{"type", "result"},
		)
		commandLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "command_latency_seconds",
				Help:    "Device command round-trip latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		)

		deviceEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_events_total",
				Help: "Total device push events by kind",
			},
			[]string{"kind"},
		)
		droppedFrames = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "dropped_frames_total",
				Help: "Total malformed or unroutable channel frames dropped",
			},
		)

		handshakesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "handshakes_total",
				Help: "Total session handshake attempts by result",
			},
			[]string{"result"},
		)
		reconnectsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconnects_total",
				Help: "Total channel reconnect cycles",
			},
		)
		negotiationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "negotiations_total",
				Help: "Total subscription negotiations by result",
			},
			[]string{"result"},
		)
		capturesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ir_captures_total",
				Help: "Total IR learning captures by result",
			},
			[]string{"result"},
		)
		wakePacketsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "wake_packets_total",
				Help: "Total Wake-on-LAN magic packets sent",
			},
		)

		connectedChannels = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "connected_channels",
				Help: "Device push channels currently open",
			},
		)
		learningSessions = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "learning_sessions",
				Help: "IR learning sessions currently active",
			},
		)
		pollingLoops = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "polling_loops",
				Help: "Diagnostic polling loops currently running by metric",
			},
			[]string{"metric"},
		)

		prometheus.MustRegister(
			commandsTotal,
			commandLatency,
			deviceEventsTotal,
			droppedFrames,
			handshakesTotal,
			reconnectsTotal,
			negotiationsTotal,
			capturesTotal,
			wakePacketsTotal,
			connectedChannels,
			learningSessions,
			pollingLoops,
		)
	})
}

// ObserveCommand records one command dispatch with its round-trip duration.
func ObserveCommand(cmdType, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if commandsTotal != nil {
		commandsTotal.WithLabelValues(cmdType, result).Inc()
	}
	if commandLatency != nil {
		commandLatency.WithLabelValues(cmdType).Observe(duration.Seconds())
	}
}

// IncDeviceEvent counts one routed device push event.
func IncDeviceEvent(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if deviceEventsTotal != nil {
		deviceEventsTotal.WithLabelValues(kind).Inc()
	}
}

// IncDroppedFrame counts one dropped channel frame.
func IncDroppedFrame() {
	if droppedFrames != nil {
		droppedFrames.Inc()
	}
}

// IncHandshake counts one handshake attempt by result.
func IncHandshake(result string) {
	if result == "" {
		result = resultSuccess
	}
	if handshakesTotal != nil {
		handshakesTotal.WithLabelValues(result).Inc()
	}
}

// IncReconnect counts one reconnect cycle.
func IncReconnect() {
	if reconnectsTotal != nil {
		reconnectsTotal.Inc()
	}
}

// IncNegotiation counts one subscription negotiation by result.
func IncNegotiation(result string) {
	if result == "" {
		result = resultSuccess
	}
	if negotiationsTotal != nil {
		negotiationsTotal.WithLabelValues(result).Inc()
	}
}

// IncCapture counts one IR learning capture by result.
func IncCapture(result string) {
	if result == "" {
		result = resultSuccess
	}
	if capturesTotal != nil {
		capturesTotal.WithLabelValues(result).Inc()
	}
}

// IncWakePacket counts one Wake-on-LAN packet.
func IncWakePacket() {
	if wakePacketsTotal != nil {
		wakePacketsTotal.Inc()
	}
}

// SetConnectedChannels tracks the number of open device channels.
func SetConnectedChannels(delta int) {
	if connectedChannels != nil {
		connectedChannels.Add(float64(delta))
	}
}

// SetLearningSessions tracks the number of active learning sessions.
func SetLearningSessions(delta int) {
	if learningSessions != nil {
		learningSessions.Add(float64(delta))
	}
}

// SetPollingLoop tracks running polling loops per metric.
func SetPollingLoop(metric string, delta int) {
	if pollingLoops != nil {
		pollingLoops.WithLabelValues(metric).Add(float64(delta))
	}
}

// Exported result labels for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultTimeout = "timeout"
)
