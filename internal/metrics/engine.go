package metrics

import "github.com/prometheus/client_golang/prometheus"

// Engine carries the collector's own operational counters, registered next
// to the operator-configured series.
type Engine struct {
	PayloadsProcessed  *prometheus.CounterVec
	DecodeFailures     *prometheus.CounterVec
	ConnectionsHandled *prometheus.CounterVec
	ConnectionsDropped *prometheus.CounterVec
	ScanRestarts       *prometheus.CounterVec
	MQTTPublished      prometheus.Counter
	MQTTDropped        prometheus.Counter
}

// NewEngine registers the engine series on registry.
func NewEngine(registry *prometheus.Registry) *Engine {
	e := &Engine{
		PayloadsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blecd_payloads_processed_total",
			Help: "Decoded samples fanned out, per adapter.",
		}, []string{"adapter"}),
		DecodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blecd_decode_failures_total",
			Help: "Samples dropped because the converter rejected the octets.",
		}, []string{"adapter"}),
		ConnectionsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blecd_connections_handled_total",
			Help: "Peripheral connections established, per adapter.",
		}, []string{"adapter"}),
		ConnectionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blecd_connections_dropped_total",
			Help: "Peripheral connections lost, per adapter.",
		}, []string{"adapter"}),
		ScanRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blecd_scan_restarts_total",
			Help: "Adapter scan restarts after provider errors.",
		}, []string{"adapter"}),
		MQTTPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blecd_mqtt_published_total",
			Help: "MQTT publications completed.",
		}),
		MQTTDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blecd_mqtt_dropped_total",
			Help: "MQTT publications dropped by coalescing or timeout.",
		}),
	}

	registry.MustRegister(
		e.PayloadsProcessed,
		e.DecodeFailures,
		e.ConnectionsHandled,
		e.ConnectionsDropped,
		e.ScanRestarts,
		e.MQTTPublished,
		e.MQTTDropped,
	)
	return e
}
