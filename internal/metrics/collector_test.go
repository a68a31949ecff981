package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rovshanmuradov/eventsub/internal/subscription"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector("test")

	c.RecordDispatch(subscription.ModeSync)
	c.RecordDispatch(subscription.ModeSync)
	c.RecordDispatch(subscription.ModePosted)
	c.RecordFailure()
	c.RecordStale()
	c.RecordStale()
	c.RecordDropped()
	c.RecordPublish()
	c.SetSubscriptions(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.dispatched.WithLabelValues(subscription.ModeSync)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatched.WithLabelValues(subscription.ModePosted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failures))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.stale))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.published))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.subscriptions))
}

func TestCollectorsAreIsolated(t *testing.T) {
	// Each collector owns its registry, so creating two must not panic on
	// duplicate registration.
	a := NewCollector("test")
	b := NewCollector("test")

	a.RecordFailure()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.failures))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.failures))
}

func TestCollectorHandler(t *testing.T) {
	c := NewCollector("eventsub")
	c.RecordPublish()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "eventsub_published_total 1"))
}
