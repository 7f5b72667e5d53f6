package livefeed

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetpulse/fleetpulse/internal/stats"
	"github.com/fleetpulse/fleetpulse/internal/telemetry"
)

// maxQueuedBytes is the outbound-buffer budget per subscriber. A subscriber
// whose writer pump falls further behind than this is dropped rather than
// slowing the broadcast.
const maxQueuedBytes = 512 << 10

// Snapshotter returns the cached fleet, oldest-first. The hub holds a
// function instead of the cache itself; the cache's removal callback points
// back here and is attached after both exist.
type Snapshotter func() []telemetry.EnrichedVehicle

// Hub fans enriched vehicle state out to WebSocket subscribers. A new
// subscriber receives one update frame per cached vehicle before it can see
// any broadcast, so its first view of every vehicle is complete.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	snapshot Snapshotter
	coll     *stats.Collector
	version  int
	log      *zap.Logger

	upgrader websocket.Upgrader
}

func NewHub(snapshot Snapshotter, coll *stats.Collector, payloadVersion int, log *zap.Logger) *Hub {
	return &Hub{
		clients:  make(map[*client]struct{}),
		snapshot: snapshot,
		coll:     coll,
		version:  payloadVersion,
		log:      log.Named("livefeed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler upgrades the request and attaches the connection as a subscriber.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		h.attach(conn)
	}
}

// attach registers a new subscriber. The snapshot is queued while the hub
// lock is held, so no broadcast can slip in between the snapshot frames and
// membership in the broadcast set.
func (h *Hub) attach(conn *websocket.Conn) {
	cl := newClient(conn)

	h.mu.Lock()
	for _, v := range h.snapshot() {
		if !h.enqueue(cl, encodeUpdate(v, h.version)) {
			h.mu.Unlock()
			cl.close()
			h.log.Warn("subscriber dropped during snapshot", zap.String("client_id", cl.id))
			return
		}
	}
	h.clients[cl] = struct{}{}
	h.mu.Unlock()

	h.coll.ClientConnected()
	h.log.Info("subscriber attached", zap.String("client_id", cl.id))

	go cl.writePump(h.log)
	go cl.readPump(func() { h.detach(cl) })
}

// BroadcastUpdate pushes one vehicle_update frame to every subscriber.
func (h *Hub) BroadcastUpdate(v telemetry.EnrichedVehicle) {
	h.broadcast(encodeUpdate(v, h.version))
}

// BroadcastRemove pushes one vehicle_remove frame to every subscriber. The
// cache's expiry sweep is the only producer.
func (h *Hub) BroadcastRemove(vehicleID string) {
	h.broadcast(encodeRemove(vehicleID, h.version))
}

func (h *Hub) broadcast(frame []byte) {
	var dropped []*client

	h.mu.RLock()
	for cl := range h.clients {
		if !h.enqueue(cl, frame) {
			dropped = append(dropped, cl)
		}
	}
	h.mu.RUnlock()

	for _, cl := range dropped {
		h.detach(cl)
	}
}

// enqueue hands one frame to a subscriber without ever blocking the hub.
// false means the subscriber is gone or over its outbound budget and must be
// detached; the frame is not delivered to it.
func (h *Hub) enqueue(cl *client, frame []byte) bool {
	if cl.closed() {
		return false
	}
	if cl.queuedBytes.Load()+int64(len(frame)) > maxQueuedBytes {
		h.log.Warn("subscriber over outbound budget, dropping",
			zap.String("client_id", cl.id),
			zap.Int64("queued_bytes", cl.queuedBytes.Load()),
		)
		return false
	}
	select {
	case cl.send <- frame:
		cl.queuedBytes.Add(int64(len(frame)))
		return true
	default:
		h.log.Warn("subscriber queue full, dropping", zap.String("client_id", cl.id))
		return false
	}
}

// detach removes a subscriber and closes it. Idempotent; the read pump and a
// broadcast drop may both get here for the same client.
func (h *Hub) detach(cl *client) {
	h.mu.Lock()
	_, present := h.clients[cl]
	if present {
		delete(h.clients, cl)
	}
	h.mu.Unlock()

	cl.close()
	if present {
		h.coll.ClientDisconnected()
		h.log.Info("subscriber detached", zap.String("client_id", cl.id))
	}
}

// ConnectedClients reports the current subscriber count.
func (h *Hub) ConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every subscriber; their write pumps send a going-away frame on
// the way out.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, cl := range clients {
		cl.close()
		h.coll.ClientDisconnected()
	}
}
