package cache

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCache(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	_, ok := c.Get("repository", 1)
	require.False(t, ok)

	c.Add("repository", 1, "abc")
	c.Add("wiki", 1, "def")

	value, ok := c.Get("repository", 1)
	require.True(t, ok)
	require.Equal(t, "abc", value)

	c.Expire("repository", 1)
	_, ok = c.Get("repository", 1)
	require.False(t, ok)

	// expiring an absent entry is a no-op
	c.Expire("repository", 1)

	c.Add("design", 1, "x")
	c.Add("design", 2, "y")
	require.Equal(t, 2, c.Len())

	c.Purge()
	require.Equal(t, 0, c.Len())

	// removals through Expire, capacity and Purge all count as evictions
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(`
# HELP geo_resource_cache_access_total Total number of resource cache access operations
# TYPE geo_resource_cache_access_total counter
geo_resource_cache_access_total{type="evict"} 4
geo_resource_cache_access_total{type="expire"} 1
geo_resource_cache_access_total{type="hit"} 1
geo_resource_cache_access_total{type="miss"} 2
geo_resource_cache_access_total{type="populate"} 4
`)))
}

func TestNew_invalidSize(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)
}
