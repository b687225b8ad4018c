package postgres

import (
	"context"
	"fmt"
	"path"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/slauger/chantal/store/postgres")

var (
	methodCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chantal",
		Subsystem: "store_postgres",
		Name:      "method_calls_total",
		Help:      "Number of Store method invocations, partitioned by method and outcome.",
	}, []string{"method", "outcome"})

	methodDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chantal",
		Subsystem: "store_postgres",
		Name:      "method_duration_seconds",
		Help:      "Duration of Store method invocations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
)

// method sets up a trace span and Prometheus instrumentation around an
// exported Store method, mirroring the teacher's storeCommon.method
// wrapper (datastore/postgres/v2/common.go): callers defer the returned
// func, which records duration, outcome, and span status from *err.
func method(ctx context.Context, err *error) (context.Context, func()) {
	pc, _, _, _ := runtime.Caller(1)
	full := runtime.FuncForPC(pc).Name()
	name := full[strings.LastIndexByte(full, '.')+1:]

	ctx, span := tracer.Start(ctx, path.Join("store.postgres", name),
		trace.WithAttributes(attribute.String("method", name)),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	begin := time.Now()
	return ctx, func() {
		outcome := "ok"
		if *err != nil {
			outcome = "error"
			span.RecordError(*err)
			span.SetStatus(codes.Error, "method error")
			*err = fmt.Errorf("store/postgres: %s: %w", name, *err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		methodCount.WithLabelValues(name, outcome).Inc()
		methodDuration.WithLabelValues(name).Observe(time.Since(begin).Seconds())
		span.End()
	}
}
