package shm

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	opCreate  = "create"
	opOpen    = "open"
	opDestroy = "destroy"

	resultOK    = "ok"
	resultError = "error"
)

var (
	regionOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shmregion_operations_total",
		Help: "Region lifecycle operations by outcome.",
	}, []string{"op", "result"})

	gateWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "shmregion_gate_wait_seconds",
		Help:    "Time spent acquiring the named gate.",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	})

	gateFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shmregion_gate_failures_total",
		Help: "Gate acquisitions that failed.",
	})

	attachedRegions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shmregion_attached",
		Help: "Regions currently attached by this process, by role.",
	}, []string{"role"})
)

func init() {
	prometheus.MustRegister(regionOperations, gateWaitSeconds, gateFailures, attachedRegions)
}

// Collectors returns the collectors of this package, for callers that register them on a
// registry other than the default one.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{regionOperations, gateWaitSeconds, gateFailures, attachedRegions}
}

func resultOf(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}

type instruments struct {
	tracer    trace.Tracer
	lifecycle metric.Int64Counter
}

func newInstruments(conf *Config, log Logger) instruments {
	counter, err := conf.Meter.Int64Counter("shmregion.lifecycle",
		metric.WithDescription("Region lifecycle operations."),
		metric.WithUnit("{operation}"))
	if err != nil {
		log.Warnf("shmregion: lifecycle counter unavailable: %v", err)
	}
	return instruments{tracer: conf.Tracer, lifecycle: counter}
}

func (in instruments) start(ctx context.Context, op, name string) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, "shmregion."+op, trace.WithAttributes(attribute.String("shm.name", name)))
}

func (in instruments) finish(ctx context.Context, span trace.Span, op string, err error) {
	result := resultOf(err)
	regionOperations.WithLabelValues(op, result).Inc()
	if in.lifecycle != nil {
		in.lifecycle.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("result", result)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
