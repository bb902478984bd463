package obs_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paygate/internal/obs"
)

func TestHTTPMetricsUseRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("paygate", []float64{10, 1}, reg)

	r := chi.NewRouter()
	r.Use(obs.HTTPObs{Metrics: metrics}.Middleware)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/payments/test/{gateway}", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/payments/test/cardnet", nil))
	require.Equal(t, http.StatusAccepted, rr.Code)

	total := testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "/api/v1/payments/test/{gateway}", "202"))
	require.Equal(t, 1.0, total)
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.InFlight))
	require.Positive(t, testutil.CollectAndCount(metrics.ReqDur))
}

func TestNewHTTPMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := obs.NewHTTPMetrics("paygate", nil, reg)
	second := obs.NewHTTPMetrics("paygate", nil, reg)
	require.Same(t, first.ReqTotal, second.ReqTotal)
}

func TestDomainMetricsHelpers(t *testing.T) {
	obs.MustRegisterDomainMetrics("paygate_test", prometheus.NewRegistry())

	obs.CountOperation("cardnet", "initialize", "success")
	obs.CountWebhook("africapay", "DISPATCHED", "completed")
	obs.ObserveProviderCall("africapay", "verify", errors.New("boom"), 20*time.Millisecond)

	require.Equal(t, 1.0, testutil.ToFloat64(obs.PaymentOperationTotal.WithLabelValues("cardnet", "initialize", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(obs.WebhookTotal.WithLabelValues("africapay", "DISPATCHED", "completed")))
	require.Equal(t, 1, testutil.CollectAndCount(obs.ProviderCallDuration))
}

func TestRequestLoggerWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	h := obs.RequestLogger{Logger: logger}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zerolog.Ctx(r.Context()).Info().Msg("inner")
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhooks/cardnet", nil))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &entry))
	require.Equal(t, "http_request", entry["message"])
	require.Equal(t, float64(http.StatusTeapot), entry["status"])
	require.Equal(t, "/webhooks/cardnet", entry["route"])
}
