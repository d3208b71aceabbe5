package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"grid-engine/internal/exchange"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveExchangeCall_OutcomeLabels(t *testing.T) {
	m := New()
	m.ObserveExchangeCall("place", 10*time.Millisecond, nil)
	m.ObserveExchangeCall("place", 10*time.Millisecond, exchange.NewError("place", exchange.KindRateLimited, errors.New("-1003")))
	m.ObserveExchangeCall("place", 10*time.Millisecond, exchange.NewError("place", exchange.KindRateLimited, errors.New("-1003")))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchangeCalls.WithLabelValues("place", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.exchangeCalls.WithLabelValues("place", "rate_limited")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.exchangeLat))
}

func TestSetBotState_ReplacesLifecycle(t *testing.T) {
	m := New()
	m.SetBotState(5, "running", 4, 1)
	m.SetBotState(5, "paused", 0, 5)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.openOrders.WithLabelValues("5")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.pendingLevels.WithLabelValues("5")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.lifecycle))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lifecycle.WithLabelValues("5", "paused")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveExchangeCall("cancel", time.Millisecond, nil)
		m.IncFill(1, "BUY", "stream")
		m.IncPlacement(1, "SELL")
		m.IncRejection(1, "balance")
		m.IncDrift(1, "adopted")
		m.SetBotState(1, "running", 1, 1)
		m.IncLedgerFailure()
		m.IncCoalesced("health")
	})
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := New()
	m.IncFill(2, "BUY", "stream")
	m.IncDrift(2, "flagged")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `grid_fills_total{bot_id="2",side="BUY",source="stream"} 1`)
	assert.Contains(t, string(body), `grid_drift_actions_total{action="flagged",bot_id="2"} 1`)
}
