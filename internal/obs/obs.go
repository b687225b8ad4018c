// Package obs wires Chantal's logging, tracing, and metrics bootstrap in
// one place: an OTel TracerProvider, a log/slog logger shipped through it
// via otelslog, and the Prometheus registerer every *_postgres package's
// promauto counters attach to.
//
// Grounded on the teacher's libindex/metrics.go and
// datastore/postgres/v2/metrics.go (package-level otel.Tracer built from
// the component's import path) generalized into a single constructor the
// facade calls once at startup, rather than one tracer var per package.
package obs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	chantallog "github.com/slauger/chantal/toolkit/log"
)

// Config controls what obs.New wires up. A zero Config is valid: it
// yields a slog logger routed through the otelslog bridge to a logger
// provider with no processor (so no record is exported or written
// anywhere), an always-sampling in-process tracer, and the default
// Prometheus registerer.
type Config struct {
	ServiceName    string
	LogProcessor   log.Processor    // nil uses a no-op processor (spans/logs aren't exported anywhere)
	SpanProcessor  sdktrace.SpanProcessor
	Registerer     prometheus.Registerer // nil uses prometheus.DefaultRegisterer
}

// Observability bundles the constructed providers; callers pull what they
// need (a logger for slog.SetDefault, a tracer for spans, a registerer
// for promauto counters, a meter for OTel-native instruments that don't
// fit Prometheus's pull model) and Shutdown flushes every SDK on exit.
type Observability struct {
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Meter      metric.Meter
	Registerer prometheus.Registerer

	loggerProvider *log.LoggerProvider
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// New builds an Observability bundle for one service name.
func New(ctx context.Context, cfg Config) (*Observability, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "chantal"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", name),
	))
	if err != nil {
		return nil, fmt.Errorf("obs: building resource: %w", err)
	}

	var logOpts []log.LoggerProviderOption
	logOpts = append(logOpts, log.WithResource(res))
	if cfg.LogProcessor != nil {
		logOpts = append(logOpts, log.WithProcessor(cfg.LogProcessor))
	}
	lp := log.NewLoggerProvider(logOpts...)

	var traceOpts []sdktrace.TracerProviderOption
	traceOpts = append(traceOpts, sdktrace.WithResource(res))
	if cfg.SpanProcessor != nil {
		traceOpts = append(traceOpts, sdktrace.WithSpanProcessor(cfg.SpanProcessor))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	meter := mp.Meter(name)

	registerer := cfg.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	// Wrapping the otelslog handler lets a caller attach per-call attributes
	// (toolkit/log.With) or a per-call minimum level (toolkit/log.WithLevel)
	// to a context.Context — e.g. the Syncer tagging every log line within
	// one repository's sync with its repository_id — without threading a
	// *slog.Logger through every function signature.
	base := otelslog.NewLogger(name, otelslog.WithLoggerProvider(lp))
	logger := slog.New(chantallog.WrapHandler(base.Handler()))
	slog.SetDefault(logger)

	buildInfo, err := meter.Int64Counter("chantal_build_info",
		metric.WithDescription("constant 1, carries the service name as an OTel resource attribute"))
	if err != nil {
		return nil, fmt.Errorf("obs: build_info counter: %w", err)
	}
	buildInfo.Add(ctx, 1)

	return &Observability{
		Logger:         logger,
		Tracer:         tp.Tracer(name),
		Meter:          meter,
		Registerer:     registerer,
		loggerProvider: lp,
		tracerProvider: tp,
		meterProvider:  mp,
	}, nil
}

// Shutdown flushes and releases every SDK's resources.
func (o *Observability) Shutdown(ctx context.Context) error {
	var errs []error
	if err := o.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider: %w", err))
	}
	if err := o.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider: %w", err))
	}
	if err := o.loggerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("logger provider: %w", err))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("obs: shutdown: %v", errs)
}
