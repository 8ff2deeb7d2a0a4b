package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	m := New()
	m.HandlerError("POST /activities/{activityId}")
	m.HandlerError("POST /activities/{activityId}")
	m.Forward("weather", nil, 10*time.Millisecond)
	m.Forward("weather", errors.New("boom"), time.Millisecond)
	m.AuthDecision(false)
	m.SessionBegan()
	m.SessionBegan()
	m.SessionEnded("endOfConversation")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.handlerErrors.WithLabelValues("POST /activities/{activityId}")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.forwards.WithLabelValues("weather", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authDecisions.WithLabelValues("deny")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.HandlerError("x")
		m.InboundRequest("POST", 200)
		m.Forward("s", nil, 0)
		m.AuthDecision(true)
		m.SessionBegan()
		m.SessionEnded("cancel")
		m.DuplicateInbound()
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.InboundRequest("POST", http.StatusOK)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "skillrelay_skill_inbound_requests_total"))
}
