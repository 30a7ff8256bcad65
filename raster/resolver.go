package raster

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	datasetCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venezia_dataset_cache_hits_total",
		Help: "The total number of hits on the dataset handle cache",
	})
	datasetCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venezia_dataset_cache_misses_total",
		Help: "The total number of misses on the dataset handle cache",
	})
	datasetCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venezia_dataset_cache_evictions_total",
		Help: "The total number of evictions from the dataset handle cache",
	})
)

// Resolver opens datasets by URI and keeps the handles in a bounded LRU so
// repeated viewport requests reuse open connections and parsed metadata. It
// is process-wide state: create one at startup and pass it by reference.
type Resolver struct {
	opts     SourceOptions
	handles  *lru.Cache[string, *Dataset]
	inflight singleflight.Group
}

// NewResolver returns a resolver holding at most maxHandles open datasets.
// Evicted handles are closed.
func NewResolver(maxHandles int, opts SourceOptions) (*Resolver, error) {
	r := &Resolver{opts: opts}
	handles, err := lru.NewWithEvict(maxHandles, func(uri string, d *Dataset) {
		datasetCacheEvictions.Inc()
		d.Close()
	})
	if err != nil {
		return nil, err
	}
	r.handles = handles
	return r, nil
}

// Open returns the dataset for uri, opening it at most once per URI even
// under concurrent requests.
func (r *Resolver) Open(ctx context.Context, uri string) (*Dataset, error) {
	if d, ok := r.handles.Get(uri); ok {
		datasetCacheHits.Inc()
		return d, nil
	}

	v, err, _ := r.inflight.Do(uri, func() (interface{}, error) {
		if d, ok := r.handles.Get(uri); ok {
			datasetCacheHits.Inc()
			return d, nil
		}
		datasetCacheMisses.Inc()
		d, err := Open(ctx, uri, r.opts)
		if err != nil {
			return nil, err
		}
		r.handles.Add(uri, d)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Dataset), nil
}

// Close releases every open handle. Call once at shutdown.
func (r *Resolver) Close() {
	r.handles.Purge()
}
