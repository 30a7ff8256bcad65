package overlay

import (
	"context"
	"time"

	"github.com/karlseguin/ccache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	overlayCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venezia_overlay_cache_hits_total",
		Help: "The total number of hits on the overlay cache",
	})
	overlayCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venezia_overlay_cache_misses_total",
		Help: "The total number of misses on the overlay cache",
	})
	overlayCacheDeletes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venezia_overlay_cache_deletes_total",
		Help: "The total number of entries dropped from the overlay cache",
	})
	inflightShared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venezia_overlay_inflight_shared_total",
		Help: "The total number of requests that attached to an in-flight render instead of starting one",
	})
)

// neverExpire stands in for "no TTL configured"; rasters are assumed static
// for the session unless the operator says otherwise.
const neverExpire = 10 * 365 * 24 * time.Hour

const itemsToPrune = 8

// Cache memoizes rendered overlays under a byte budget with LRU eviction.
// At most one render runs per key: concurrent requests for the same key
// share the in-flight computation, and a waiter abandoning a stale viewport
// cancels only its own wait.
type Cache struct {
	entries  *ccache.Cache[*Overlay]
	inflight singleflight.Group
	ttl      time.Duration
}

// NewCache builds a cache bounded by maxBytes. A zero ttl disables expiry.
func NewCache(maxBytes int64, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = neverExpire
	}
	return &Cache{
		entries: ccache.New(ccache.Configure[*Overlay]().
			MaxSize(maxBytes).
			ItemsToPrune(itemsToPrune).
			OnDelete(func(*ccache.Item[*Overlay]) { overlayCacheDeletes.Inc() })),
		ttl: ttl,
	}
}

// GetOrCompute returns the overlay for key, computing it at most once across
// concurrent callers. ctx cancellation detaches this caller without aborting
// a computation other waiters still depend on; the finished result is still
// cached for the next request. compute receives a context detached from the
// initiating caller, so it survives that caller giving up.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (*Overlay, error)) (*Overlay, error) {
	if item := c.entries.Get(key); item != nil && !item.Expired() {
		overlayCacheHits.Inc()
		return item.Value(), nil
	}

	// The flight must not die with whichever caller happened to start it:
	// later waiters attach to it and still depend on the result.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.inflight.DoChan(key, func() (interface{}, error) {
		// The entry may have landed between the miss and the flight; an
		// eviction racing this lookup simply means we render again.
		if item := c.entries.Get(key); item != nil && !item.Expired() {
			overlayCacheHits.Inc()
			return item.Value(), nil
		}
		// Counted here so attached waiters do not inflate the miss rate:
		// one flight is one miss however many requests share it.
		overlayCacheMisses.Inc()
		ov, err := compute(flightCtx)
		if err != nil {
			return nil, err
		}
		c.entries.Set(key, ov, c.ttl)
		return ov, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			inflightShared.Inc()
		}
		return res.Val.(*Overlay), nil
	}
}

// Clear drops every cached overlay. Intended for tests and manual cache
// invalidation.
func (c *Cache) Clear() {
	c.entries.Clear()
}
