package vtl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/dangdungcntt/go-vtl"

// newLogger builds the runtime logger from the log properties.
// The returned closer is non-nil when the sink is a file opened here.
func newLogger(cfg LogConfig) (*slog.Logger, io.Closer, error) {
	var (
		w      io.Writer
		closer io.Closer
	)
	switch cfg.Sink {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	case "discard":
		w = io.Discard
	default:
		f, err := os.OpenFile(cfg.Sink, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // log path comes from configuration
		if err != nil {
			return nil, nil, newError(KindConfig, "", err)
		}
		w, closer = f, f
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, newError(KindConfig, "", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), closer, nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), closer, nil
}

// logFailure records err at the point it leaves the runtime.
func logFailure(logger *slog.Logger, op, name string, err error) {
	if logger == nil || err == nil {
		return
	}
	level := slog.LevelError
	if errors.Is(err, ErrResourceNotFound) {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, op+" failed",
		slog.String("template", name),
		slog.String("error", err.Error()),
	)
}

// metrics records cache and render activity through OpenTelemetry.
// Without an explicit MeterProvider the global provider is used.
type metrics struct {
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
	compiles      metric.Int64Counter
	renderErrors  metric.Int64Counter
	renderLatency metric.Float64Histogram
}

func newMetrics(provider metric.MeterProvider, logger *slog.Logger) *metrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	m, err := newOtelMetrics(provider.Meter(instrumentationName))
	if err != nil {
		logger.Warn("metrics disabled", slog.String("error", err.Error()))
		m, _ = newOtelMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return m
}

func newOtelMetrics(meter metric.Meter) (*metrics, error) {
	cacheHits, err := meter.Int64Counter("vtl.cache.hits",
		metric.WithDescription("Template resolutions served from cache"),
	)
	if err != nil {
		return nil, err
	}
	cacheMisses, err := meter.Int64Counter("vtl.cache.misses",
		metric.WithDescription("Template resolutions that were missing or stale"),
	)
	if err != nil {
		return nil, err
	}
	compiles, err := meter.Int64Counter("vtl.template.compiles",
		metric.WithDescription("Templates loaded and compiled"),
	)
	if err != nil {
		return nil, err
	}
	renderErrors, err := meter.Int64Counter("vtl.render.errors",
		metric.WithDescription("Renders that failed"),
	)
	if err != nil {
		return nil, err
	}
	renderLatency, err := meter.Float64Histogram("vtl.render.latency_ms",
		metric.WithDescription("Render latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return &metrics{
		cacheHits:     cacheHits,
		cacheMisses:   cacheMisses,
		compiles:      compiles,
		renderErrors:  renderErrors,
		renderLatency: renderLatency,
	}, nil
}

func (m *metrics) hit() {
	m.cacheHits.Add(context.Background(), 1)
}

func (m *metrics) miss() {
	m.cacheMisses.Add(context.Background(), 1)
}

func (m *metrics) compiled(loader string) {
	m.compiles.Add(context.Background(), 1, metric.WithAttributes(attribute.String("loader", loader)))
}

func (m *metrics) rendered(name string, d time.Duration, err error) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("template", name))
	m.renderLatency.Record(ctx, float64(d.Microseconds())/1000, attrs)
	if err != nil {
		m.renderErrors.Add(ctx, 1, attrs)
	}
}
