package telemetry

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordOnIsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CacheHit("items")
	m.CacheHit("items")
	m.CacheMiss("pages")
	m.StoreOp("set", nil)
	m.StoreOp("set", errors.New("disk"))
	m.Verified(false)
	m.Resubmitted()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheHits.WithLabelValues("items")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMisses.WithLabelValues("pages")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("set")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues("set")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishVerifications.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishResubmissions))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheHit("items")
		m.StoreOp("get", nil)
		m.Submitted("comment")
		m.PageFetch("failed")
		m.SyncUpdate(true)
		m.MaintenanceRun(nil, 1)
	})
}
