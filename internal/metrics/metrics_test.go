package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagegen-quota/internal/cache"
)

func TestMetrics_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCheck("free", "ACTIVE_OK", time.Millisecond)
	m.ObserveCheck("free", "ACTIVE_OK", time.Millisecond)
	m.ObserveCheck("", "NOT_FOUND", time.Millisecond)
	m.IncGeneration("pro_basic")
	m.AddResets(3)
	m.AddResets(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.checks.WithLabelValues("free", "ACTIVE_OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checks.WithLabelValues("unknown", "NOT_FOUND")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.generations.WithLabelValues("pro_basic")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.resets))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCheck("free", "ACTIVE_OK", time.Millisecond)
	m.IncGeneration("free")
	m.IncMeteringFailure()
	m.AddResets(1)
}

func TestRegisterCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := cache.New[int](cache.Options{MaxSize: 2})
	defer c.Close()
	RegisterCache(reg, "licenses", c)

	c.Set("a", 1)
	c.Get("a")
	c.Get("b")

	n, err := testutil.GatherAndCount(reg, "imagegen_cache_entries", "imagegen_cache_hits_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
