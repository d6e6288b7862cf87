package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/synclune/api/internal/platform/requestctx"
)

func TestMetricsMiddlewareLabelsByRoute(t *testing.T) {
	metrics := NewMetrics()
	router := chi.NewRouter()
	router.Use(metrics.Middleware)
	router.Get("/orders/{orderId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"ord_1", "ord_2"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	count := testutil.ToFloat64(metrics.httpRequests.WithLabelValues(http.MethodGet, "/orders/{orderId}", "404"))
	assert.Equal(t, 2.0, count)
}

func TestMetricsHandlerExposesSweepCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.RecordSweep(SweepCounts{Cancelled: 3, RemindersSent: 1}, nil, time.Unix(1714554000, 0))
	metrics.RecordSweep(SweepCounts{Errors: 2}, errors.New("query timeout"), time.Unix(1714554600, 0))

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, `synclune_sweeper_items_total{kind="cancelled"} 3`)
	assert.Contains(t, body, `synclune_sweeper_runs_total{status="error"} 1`)
	assert.Contains(t, body, "synclune_sweeper_last_success_timestamp_seconds 1.714554e+09")
}

func TestMetricsPushSkipsWithoutGateway(t *testing.T) {
	require.NoError(t, NewMetrics().Push(context.Background(), " ", "job"))
}

func TestMetricsPushSendsToGateway(t *testing.T) {
	var path string
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	metrics := NewMetrics()
	metrics.RecordSweep(SweepCounts{Cancelled: 1}, nil, time.Now())
	require.NoError(t, metrics.Push(context.Background(), gateway.URL, ""))
	assert.True(t, strings.HasSuffix(path, "/job/order_sweeper"), path)
}

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	fallbackCore, fallbackLogs := observer.New(zap.InfoLevel)
	requestCore, requestLogs := observer.New(zap.InfoLevel)

	log := NewEventLogger(zap.New(fallbackCore))
	log(context.Background(), "sweeper.completed", map[string]any{"cancelled": 2})
	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore))
	log(ctx, "refund.processor.failed", map[string]any{"error": "declined"})

	require.Equal(t, 1, fallbackLogs.Len())
	entry := fallbackLogs.All()[0]
	assert.Equal(t, "sweeper.completed", entry.Message)
	assert.Equal(t, int64(2), entry.ContextMap()["cancelled"])

	require.Equal(t, 1, requestLogs.Len())
	assert.Equal(t, zap.WarnLevel, requestLogs.All()[0].Level)
}
