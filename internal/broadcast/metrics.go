package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks broadcast bus activity.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	EventsPublished   prometheus.Counter
	LaggedTotal       prometheus.Counter
	BridgeDecodeError prometheus.Counter
}

// NewMetrics registers and returns the broadcast bus's metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "pixelcanvas",
			Subsystem: "broadcast",
			Name:      "connections_active",
			Help:      "Current number of subscribed SSE clients",
		}),
		EventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pixelcanvas",
			Subsystem: "broadcast",
			Name:      "events_published_total",
			Help:      "Total number of draw events fanned out to subscribers",
		}),
		LaggedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pixelcanvas",
			Subsystem: "broadcast",
			Name:      "lagged_total",
			Help:      "Total number of events dropped for slow subscribers",
		}),
		BridgeDecodeError: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pixelcanvas",
			Subsystem: "broadcast",
			Name:      "bridge_decode_errors_total",
			Help:      "Total number of undecodable messages seen on the external pub/sub channel",
		}),
	}
}
