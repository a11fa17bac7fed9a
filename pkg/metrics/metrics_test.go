package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/pdd/pkg/dhcpv6"
)

func newTestPool(t *testing.T) *dhcpv6.PrefixPool {
	t.Helper()
	pool, err := dhcpv6.NewPrefixPool(dhcpv6.PoolConfig{
		Start:        netip.MustParseAddr("2001:db8::"),
		Size:         4,
		PrefixLength: 64,
		Mode:         dhcpv6.ModeFreeList,
	})
	require.NoError(t, err)
	return pool
}

func TestNew(t *testing.T) {
	m := New(nil, zap.NewNop())
	require.NotNil(t, m)

	assert.NotNil(t, m.messagesTotal)
	assert.NotNil(t, m.poolAllocated)
	assert.NotNil(t, m.routeOperations)
	assert.NotNil(t, m.radiusRequests)
}

func TestRegister(t *testing.T) {
	// Use a new registry for isolation
	reg := prometheus.NewRegistry()
	oldDefault := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	defer func() { prometheus.DefaultRegisterer = oldDefault }()

	m := New(nil, zap.NewNop())
	require.NoError(t, m.Register())

	// Register again should not fail (already registered is ignored)
	require.NoError(t, m.Register())
}

func TestRecordMessage(t *testing.T) {
	m := New(nil, zap.NewNop())

	m.RecordMessage(dhcpv6.OutcomeDelegated, 50*time.Microsecond)
	m.RecordMessage(dhcpv6.OutcomeDelegated, 80*time.Microsecond)
	m.RecordMessage(dhcpv6.OutcomeDropped, time.Microsecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesTotal.WithLabelValues(dhcpv6.OutcomeDelegated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesTotal.WithLabelValues(dhcpv6.OutcomeDropped)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.handleDuration))
}

func TestRecordRouteOperation(t *testing.T) {
	m := New(nil, zap.NewNop())

	m.RecordRouteOperation("add", nil)
	m.RecordRouteOperation("add", errors.New("no such device"))
	m.RecordRouteOperation("delete", nil)
	m.SetRoutesActive(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.routeOperations.WithLabelValues("add", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routeOperations.WithLabelValues("add", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routeOperations.WithLabelValues("delete", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.routesActive))
}

func TestRecordRADIUSRequest(t *testing.T) {
	m := New(nil, zap.NewNop())

	m.RecordRADIUSRequest("start", nil, 20*time.Millisecond)
	m.RecordRADIUSRequest("stop", errors.New("timeout"), time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.radiusRequests.WithLabelValues("start", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.radiusRequests.WithLabelValues("stop", "failure")))
}

func TestCollectPoolStats(t *testing.T) {
	pool := newTestPool(t)
	m := New(pool, zap.NewNop())

	_, ok := pool.Allocate("aabb")
	require.True(t, ok)

	m.Collect()

	assert.Equal(t, 4.0, testutil.ToFloat64(m.poolSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolAllocated))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.poolAvailable))
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.poolUtilization), 0.0001)
}

func TestCollectWithoutPool(t *testing.T) {
	m := New(nil, zap.NewNop())
	m.Collect()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.poolSize))
}

func TestStartCollector(t *testing.T) {
	pool := newTestPool(t)
	m := New(pool, zap.NewNop())

	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		m.StartCollector(10*time.Millisecond, stopCh)
		close(done)
	}()

	pool.Allocate("01")
	pool.Allocate("02")

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.poolAllocated) == 2.0
	}, time.Second, 10*time.Millisecond)

	close(stopCh)
	<-done
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	oldRegisterer, oldGatherer := prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	prometheus.DefaultRegisterer, prometheus.DefaultGatherer = reg, reg
	defer func() {
		prometheus.DefaultRegisterer, prometheus.DefaultGatherer = oldRegisterer, oldGatherer
	}()

	m := New(nil, zap.NewNop())
	require.NoError(t, m.Register())
	m.RecordMessage(dhcpv6.OutcomeExisting, time.Microsecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `pdd_dhcpv6_messages_total{outcome="existing"} 1`))
}
