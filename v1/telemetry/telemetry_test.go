package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/mirkobrombin/go-latch/v1/config"
	"github.com/mirkobrombin/go-latch/v1/metrics"
)

func TestStartServesMetrics(t *testing.T) {
	tel, err := Start(config.TelemetryConfig{MetricsAddr: "127.0.0.1:0"}, io.Discard, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tel.Shutdown(context.Background())

	metrics.LockAcquired.WithLabelValues("file").Inc()
	resp, err := http.Get("http://" + tel.Addr + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "latch_lock_acquired_total") {
		t.Fatalf("lock metrics missing from scrape:\n%s", body)
	}
}

func TestStartExportsSpans(t *testing.T) {
	var out bytes.Buffer
	tel, err := Start(config.TelemetryConfig{Trace: true}, &out, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if tel.Addr != "" {
		t.Fatalf("metrics server started without an address: %q", tel.Addr)
	}
	_, span := otel.Tracer("telemetry_test").Start(context.Background(), "export-check")
	span.End()
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(out.String(), "export-check") {
		t.Fatalf("span not exported: %q", out.String())
	}
}

func TestStartBadAddr(t *testing.T) {
	if _, err := Start(config.TelemetryConfig{MetricsAddr: "256.0.0.1:bad"}, io.Discard, nil); err == nil {
		t.Fatal("expected listen error")
	}
}
