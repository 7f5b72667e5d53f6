package stats

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/ratewindow"
	"go.uber.org/fx"
)

// Module provides the shared operational counters.
var Module = fx.Provide(NewForApp)

// Collector holds the service's operational counters. One instance is shared
// by the pipeline, the HTTP surface and the RPC surface; counters only ever
// move forward, gauges track current state. Exactly one of RecordValid or
// RecordInvalid fires per ingested message.
type Collector struct {
	totalMessages   atomic.Int64
	invalidMessages atomic.Int64
	brokerConnected atomic.Bool
	wsClients       atomic.Int64
	activeStreams   atomic.Int64

	window *ratewindow.Window

	promTotal    prometheus.Counter
	promInvalid  prometheus.Counter
	promBroker   prometheus.Gauge
	promClients  prometheus.Gauge
	promStreams  prometheus.Gauge
	promVehicles prometheus.Gauge
}

// Snapshot is the operational document served at /stats.
type Snapshot struct {
	TotalMessages        int64   `json:"totalMessages"`
	InvalidMessages      int64   `json:"invalidMessages"`
	VehiclesTracked      int64   `json:"vehiclesTracked"`
	ConnectedClients     int64   `json:"connectedClients"`
	MessageRatePerSecond float64 `json:"messageRatePerSecond"`
	WindowSeconds        int64   `json:"windowSeconds"`
}

// NewForApp builds the Collector on the default prometheus registry.
func NewForApp(cfg config.Config) *Collector {
	return New(cfg.MessageWindow(), prometheus.DefaultRegisterer)
}

// New builds a Collector whose prometheus mirrors register on reg. Tests pass
// a private registry so parallel packages never collide.
func New(window time.Duration, reg prometheus.Registerer) *Collector {
	c := &Collector{
		window: ratewindow.New(window),
		promTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetpulse_messages_total",
			Help: "Valid telemetry messages ingested.",
		}),
		promInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetpulse_invalid_messages_total",
			Help: "Broker messages rejected by validation.",
		}),
		promBroker: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetpulse_broker_connected",
			Help: "1 while the broker connection is up.",
		}),
		promClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetpulse_websocket_clients",
			Help: "Connected WebSocket subscribers.",
		}),
		promStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetpulse_rpc_active_streams",
			Help: "Live RPC fleet streams.",
		}),
		promVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetpulse_vehicles_tracked",
			Help: "Vehicles currently held in the cache.",
		}),
	}
	reg.MustRegister(c.promTotal, c.promInvalid, c.promBroker, c.promClients, c.promStreams, c.promVehicles)
	return c
}

// RecordValid counts one accepted message and its arrival in the rate window.
func (c *Collector) RecordValid(now time.Time) {
	c.totalMessages.Add(1)
	c.promTotal.Inc()
	c.window.Record(now)
}

// RecordInvalid counts one rejected message.
func (c *Collector) RecordInvalid() {
	c.invalidMessages.Add(1)
	c.promInvalid.Inc()
}

func (c *Collector) SetBrokerConnected(up bool) {
	c.brokerConnected.Store(up)
	if up {
		c.promBroker.Set(1)
	} else {
		c.promBroker.Set(0)
	}
}

func (c *Collector) BrokerConnected() bool {
	return c.brokerConnected.Load()
}

func (c *Collector) ClientConnected() {
	c.wsClients.Add(1)
	c.promClients.Inc()
}

func (c *Collector) ClientDisconnected() {
	c.wsClients.Add(-1)
	c.promClients.Dec()
}

// StreamStarted returns the stream count including the new stream.
func (c *Collector) StreamStarted() int64 {
	c.promStreams.Inc()
	return c.activeStreams.Add(1)
}

func (c *Collector) StreamEnded() {
	c.activeStreams.Add(-1)
	c.promStreams.Dec()
}

func (c *Collector) ActiveStreams() int64 {
	return c.activeStreams.Load()
}

// SetVehiclesTracked mirrors the cache size into prometheus. The /stats
// document reads the cache directly instead, so the gauge lagging a sweep by
// one update is acceptable.
func (c *Collector) SetVehiclesTracked(n int) {
	c.promVehicles.Set(float64(n))
}

// Snapshot assembles the /stats document as of now.
func (c *Collector) Snapshot(now time.Time, vehiclesTracked int) Snapshot {
	return Snapshot{
		TotalMessages:        c.totalMessages.Load(),
		InvalidMessages:      c.invalidMessages.Load(),
		VehiclesTracked:      int64(vehiclesTracked),
		ConnectedClients:     c.wsClients.Load(),
		MessageRatePerSecond: c.window.Rate(now),
		WindowSeconds:        int64(c.window.Span().Seconds()),
	}
}
