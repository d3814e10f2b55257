package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitOTel_Disabled(t *testing.T) {
	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, NopLogger())
	require.NoError(t, err)
	assert.Nil(t, providers)
	assert.NoError(t, ShutdownOTel(context.Background(), providers, NopLogger()))
}

func TestUpdateLoggerWithTraceContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "charge")
	defer span.End()

	logger := NopLogger()
	assert.NotSame(t, logger, UpdateLoggerWithTraceContext(ctx, logger))
	assert.Same(t, logger, UpdateLoggerWithTraceContext(context.Background(), logger))
}

func TestOTelMetrics_Record(t *testing.T) {
	m, err := NewOTelMetrics()
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		m.RecordHTTPRequest(context.Background(), "POST", "/v1/billing/runs", 200, 0)
		m.RecordWebhookDelivery(context.Background(), "stripe", 200)
	})

	var nilMetrics *OTelMetrics
	assert.NotPanics(t, func() { nilMetrics.RecordWebhookDelivery(context.Background(), "stripe", 400) })
}

func TestOTelHTTPMiddleware(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	defer otel.SetMeterProvider(previous)

	m, err := NewOTelMetrics()
	require.NoError(t, err)

	router := mux.NewRouter()
	router.Use(OTelHTTPMiddleware(m))
	router.HandleFunc("/v1/billing/webhooks/{gateway}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/billing/webhooks/stripe", nil))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var points []metricdata.DataPoint[int64]
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok && md.Name == "http.server.requests" {
				points = append(points, sum.DataPoints...)
			}
		}
	}
	require.Len(t, points, 1)
	assert.Equal(t, int64(1), points[0].Value)

	route, _ := points[0].Attributes.Value(attribute.Key("http.route"))
	assert.Equal(t, "/v1/billing/webhooks/{gateway}", route.AsString())
	status, _ := points[0].Attributes.Value(attribute.Key("http.status_code"))
	assert.Equal(t, int64(http.StatusServiceUnavailable), status.AsInt64())
}
