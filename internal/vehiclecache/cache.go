package vehiclecache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/fleetpulse/fleetpulse/internal/clock"
	"github.com/fleetpulse/fleetpulse/internal/telemetry"
	"go.uber.org/zap"
)

// RemovalFunc is invoked for every entry removed by the expiry sweep.
// Capacity evictions do NOT fire it; a vehicle squeezed out under hot ingest
// is expected back, sustained silence is not.
type RemovalFunc func(id string, v telemetry.EnrichedVehicle)

// Cache is the bounded, insertion-ordered map of latest vehicle state.
// set moves an id to the most-recent position, so iteration order is
// recency-of-write order and the front of the list is the eviction victim.
// Only the ingest pipeline and the expiry sweep mutate it.
type Cache struct {
	mu       sync.Mutex
	limit    int
	ttl      time.Duration
	clk      clock.Clock
	log      *zap.Logger
	onRemove RemovalFunc

	entries map[string]*list.Element
	order   *list.List
}

func New(limit int, ttl time.Duration, clk clock.Clock, log *zap.Logger) *Cache {
	return &Cache{
		limit:   limit,
		ttl:     ttl,
		clk:     clk,
		log:     log.Named("vehiclecache"),
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// OnRemoval attaches the expiry callback. The cache and the fan-out are
// constructed independently; wiring attaches this after both exist.
func (c *Cache) OnRemoval(fn RemovalFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemove = fn
}

// Set inserts or replaces the entry for v.VehicleID, making it the most
// recent in iteration order. If the insert pushes the cache past its limit,
// the least-recently-written entry is evicted and logged.
func (c *Cache) Set(v telemetry.EnrichedVehicle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[v.VehicleID]; ok {
		el.Value = v
		c.order.MoveToBack(el)
		return
	}

	c.entries[v.VehicleID] = c.order.PushBack(v)

	if c.order.Len() > c.limit {
		victim := c.order.Front()
		evicted := victim.Value.(telemetry.EnrichedVehicle)
		c.order.Remove(victim)
		delete(c.entries, evicted.VehicleID)
		c.log.Info("evicted vehicle at capacity",
			zap.String("vehicle_id", evicted.VehicleID),
			zap.Int("limit", c.limit),
		)
	}
}

// Get returns the entry for id. It has no effect on recency.
func (c *Cache) Get(id string) (telemetry.EnrichedVehicle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[id]
	if !ok {
		return telemetry.EnrichedVehicle{}, false
	}
	return el.Value.(telemetry.EnrichedVehicle), true
}

// Delete removes id if present.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[id]; ok {
		c.order.Remove(el)
		delete(c.entries, id)
	}
}

// Snapshot copies the cached entries in iteration order, oldest write first.
func (c *Cache) Snapshot() []telemetry.EnrichedVehicle {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]telemetry.EnrichedVehicle, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(telemetry.EnrichedVehicle))
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// ExpireSweep removes every entry whose lastSeen is ttl or more in the past
// and invokes the removal callback exactly once per removed entry. Callbacks
// run outside the cache lock; a panicking callback is logged and the sweep
// continues.
func (c *Cache) ExpireSweep(now time.Time) int {
	if c.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-c.ttl)

	c.mu.Lock()
	var expired []telemetry.EnrichedVehicle
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		v := el.Value.(telemetry.EnrichedVehicle)
		if !v.IngestAt.After(cutoff) {
			c.order.Remove(el)
			delete(c.entries, v.VehicleID)
			expired = append(expired, v)
		}
		el = next
	}
	fn := c.onRemove
	c.mu.Unlock()

	for _, v := range expired {
		c.log.Info("vehicle expired", zap.String("vehicle_id", v.VehicleID))
		if fn != nil {
			c.invokeRemoval(fn, v)
		}
	}
	return len(expired)
}

func (c *Cache) invokeRemoval(fn RemovalFunc, v telemetry.EnrichedVehicle) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("removal callback panicked",
				zap.String("vehicle_id", v.VehicleID),
				zap.Any("panic", r),
			)
		}
	}()
	fn(v.VehicleID, v)
}

// SweepInterval is the timer period for the periodic sweep: min(ttl, 15s)
// but never below 1s. Zero means the sweep is disabled.
func (c *Cache) SweepInterval() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	interval := c.ttl
	if interval > 15*time.Second {
		interval = 15 * time.Second
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Run sweeps periodically until ctx is cancelled. It returns immediately
// when expiry is disabled.
func (c *Cache) Run(ctx context.Context) {
	interval := c.SweepInterval()
	if interval == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ExpireSweep(c.clk.Now())
		}
	}
}
