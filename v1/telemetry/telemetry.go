// Package telemetry installs the process wide metrics endpoint and trace
// exporter used by the latch commands.
package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-latch/v1/config"
	"github.com/mirkobrombin/go-latch/v1/metrics"
)

// Telemetry owns the metrics server and tracer provider started by Start.
type Telemetry struct {
	// Registry holds every latch metric.
	Registry *prometheus.Registry
	// Addr is the address the metrics server listens on, empty when disabled.
	Addr string

	server *http.Server
	tp     *sdktrace.TracerProvider
	logger *slog.Logger
}

// Start registers the latch metrics and, as configured, serves them on
// cfg.MetricsAddr and exports spans to traceOut.
func Start(cfg config.TelemetryConfig, traceOut io.Writer, logger *slog.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Telemetry{Registry: metrics.NewRegistry(), logger: logger}
	metrics.RegisterLockMetrics(t.Registry)
	metrics.RegisterTaskMetrics(t.Registry)

	if cfg.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(traceOut))
		if err != nil {
			return nil, err
		}
		t.tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(t.tp)
	}

	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			_ = t.shutdownTracer(context.Background())
			return nil, err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{}))
		t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		t.Addr = ln.Addr().String()
		go func() {
			if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("latch: metrics server stopped", "error", err)
			}
		}()
		logger.Debug("latch: serving metrics", "addr", t.Addr)
	}
	return t, nil
}

func (t *Telemetry) shutdownTracer(ctx context.Context) error {
	if t.tp == nil {
		return nil
	}
	return t.tp.Shutdown(ctx)
}

// Shutdown stops the metrics server and flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.server != nil {
		errs = append(errs, t.server.Shutdown(ctx))
	}
	errs = append(errs, t.shutdownTracer(ctx))
	return errors.Join(errs...)
}
