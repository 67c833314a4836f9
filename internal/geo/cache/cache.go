// Package cache keeps per-resource metadata that must be expired whenever a
// resource is synced.
package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultSize is the number of resources cached by default.
const DefaultSize = 2 << 16

// Cache is an LRU cache keyed by replicable resource.
type Cache struct {
	entries     *lru.Cache
	accessTotal *prometheus.CounterVec
}

// New returns a Cache holding up to size entries.
func New(size int) (*Cache, error) {
	c := &Cache{
		accessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geo_resource_cache_access_total",
				Help: "Total number of resource cache access operations",
			},
			[]string{"type"},
		),
	}

	entries, err := lru.NewWithEvict(size, func(interface{}, interface{}) {
		c.accessTotal.WithLabelValues("evict").Inc()
	})
	if err != nil {
		return nil, err
	}
	c.entries = entries

	return c, nil
}

func key(replicableName string, id int64) string {
	return fmt.Sprintf("%s:%d", replicableName, id)
}

// Get returns the cached value of the resource.
func (c *Cache) Get(replicableName string, id int64) (interface{}, bool) {
	value, ok := c.entries.Get(key(replicableName, id))
	if ok {
		c.accessTotal.WithLabelValues("hit").Inc()
	} else {
		c.accessTotal.WithLabelValues("miss").Inc()
	}
	return value, ok
}

// Add caches value for the resource.
func (c *Cache) Add(replicableName string, id int64, value interface{}) {
	c.entries.Add(key(replicableName, id), value)
	c.accessTotal.WithLabelValues("populate").Inc()
}

// Expire drops everything cached about the resource. It never blocks on I/O.
func (c *Cache) Expire(replicableName string, id int64) {
	if c.entries.Remove(key(replicableName, id)) {
		c.accessTotal.WithLabelValues("expire").Inc()
	}
}

// Len returns the number of cached resources.
func (c *Cache) Len() int { return c.entries.Len() }

// Purge drops every entry.
func (c *Cache) Purge() { c.entries.Purge() }

// Describe returns all metric descriptors.
func (c *Cache) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, descs)
}

// Collect collects all metrics.
func (c *Cache) Collect(collector chan<- prometheus.Metric) {
	c.accessTotal.Collect(collector)
}
