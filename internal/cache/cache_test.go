package cache

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type pairKey struct {
	a, b string
}

// Pattern: interface conformance
var (
	_ ExecutionCache[string, int]  = NoOp[string, int]{}
	_ ExecutionCache[string, int]  = (*Map[string, int])(nil)
	_ ExecutionCache[pairKey, any] = (*LRU[pairKey, any])(nil)
	_ ExecutionCache[string, int]  = (*Etcd[string, int])(nil)
)

func TestNoOpAlwaysMisses(t *testing.T) {
	c := NoOp[string, int]{}
	c.Put("a", 1)
	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestMapStructuralKeys(t *testing.T) {
	c := NewMap[pairKey, string]()
	c.Put(pairKey{"m", "s"}, "v")
	got, ok := c.Get(pairKey{"m", "s"})
	require.True(t, ok)
	require.Equal(t, "v", got)
	require.Equal(t, 1, c.Len())
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU[string, int](2, 0)
	c.Put("a", 1)
	c.Put("b", 2)
	_, _ = c.Get("a")
	c.Put("c", 3)

	_, ok := c.Get("b")
	require.False(t, ok, "b should be evicted")
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 2, c.Len())
}

func TestLRUTTL(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewLRU[string, int](10, time.Minute)
	c.now = func() time.Time { return now }
	c.Put("a", 1)
	now = now.Add(30 * time.Second)
	_, ok := c.Get("a")
	require.True(t, ok)
	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestLRUConcurrent(t *testing.T) {
	c := NewLRU[int, int](64, 0)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Put(i%100, g)
				_, _ = c.Get(i % 50)
			}
		}(g)
	}
	wg.Wait()
	require.LessOrEqual(t, c.Len(), 64)
}

func TestEtcdRoundTrip(t *testing.T) {
	endpoints := os.Getenv("PLANEXEC_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("PLANEXEC_ETCD_ENDPOINTS not set")
	}
	cli, err := DialEtcd(strings.Split(endpoints, ","), 2*time.Second)
	require.NoError(t, err)
	defer cli.Close()

	c := NewEtcd[pairKey, map[string]any](cli, "/planexec-test/", func(k pairKey) string { return k.a + "/" + k.b }, time.Minute, nil)
	c.Put(pairKey{"m", "s"}, map[string]any{"name": "x"})
	got, ok := c.Get(pairKey{"m", "s"})
	require.True(t, ok)
	require.Equal(t, "x", got["name"])
}
