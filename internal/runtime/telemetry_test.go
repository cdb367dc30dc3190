package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/loqalabs/accessbridge/internal/config"
)

func TestResourceIdentifiesTheSession(t *testing.T) {
	cfg := config.Default()
	cfg.Environment = "staging"
	res, err := buildResource(context.Background(), cfg, "1.2.3", "session-42")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	want := map[attribute.Key]string{
		semconv.ServiceNameKey:               "accessbridge",
		semconv.ServiceVersionKey:            "1.2.3",
		semconv.ServiceInstanceIDKey:         "session-42",
		semconv.DeploymentEnvironmentNameKey: "staging",
	}
	set := res.Set()
	for key, value := range want {
		got, ok := set.Value(key)
		if !ok || got.AsString() != value {
			t.Fatalf("expected %s=%q, got %q (%v)", key, value, got.AsString(), ok)
		}
	}
}

func TestAccessViewsKeepOnlyKnownDimensions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithView(metricViews()...))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	counter, err := provider.Meter("test").Int64Counter("access.tts.signals")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("signal", "ended"),
		attribute.String("utterance_id", "u-1"),
	))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(rm.ScopeMetrics) != 1 || len(rm.ScopeMetrics[0].Metrics) != 1 {
		t.Fatalf("unexpected metrics: %+v", rm.ScopeMetrics)
	}
	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 {
		t.Fatalf("unexpected data: %+v", rm.ScopeMetrics[0].Metrics[0].Data)
	}
	attrs := sum.DataPoints[0].Attributes
	if _, ok := attrs.Value("utterance_id"); ok {
		t.Fatal("utterance ids must not become series")
	}
	if v, ok := attrs.Value("signal"); !ok || v.AsString() != "ended" {
		t.Fatalf("expected the signal dimension, got %v", attrs.ToSlice())
	}
}

func TestMetricsHandlerServesRuntimeCollectors(t *testing.T) {
	res, err := buildResource(context.Background(), config.Default(), "test", "s")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	provider, handler := initMetrics(res, newLogger())
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	if handler == nil {
		t.Fatal("expected a scrape handler")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("unexpected scrape: %d %s", rec.Code, rec.Body.String())
	}
}

func TestPrometheusBindMovesScrapeOffTheAPI(t *testing.T) {
	scrape := http.NotFoundHandler()

	cfg := config.Default()
	cfg.Telemetry.PrometheusBind = ""
	if got := New(cfg, "test", newLogger()).metricsForAPI(&telemetry{handler: scrape}); got == nil {
		t.Fatal("without prometheus_bind the API serves /metrics")
	}

	cfg.Telemetry.PrometheusBind = "127.0.0.1:0"
	r := New(cfg, "test", newLogger())
	if got := r.metricsForAPI(&telemetry{handler: scrape}); got != nil {
		t.Fatal("with prometheus_bind the API must not serve /metrics")
	}
	if r.metricsServer == nil || r.metricsServer.Addr != "127.0.0.1:0" {
		t.Fatalf("expected a dedicated metrics listener, got %+v", r.metricsServer)
	}
	if err := r.metricsServer.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	r.wg.Wait()
}
