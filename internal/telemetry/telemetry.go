// Package telemetry wraps Prometheus metrics and OpenTelemetry tracing
// spans around the fusion pipeline (C14).
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the Prometheus instruments the fusion pipeline updates.
type Metrics struct {
	StepsDetected       prometheus.Counter
	AnomaliesRejected   prometheus.Counter
	Recalibrations      prometheus.Counter
	CurrentConfidence   prometheus.Gauge
	CurrentEnvironment  *prometheus.GaugeVec
}

// NewMetrics registers and returns the pipeline's instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StepsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdrengine_steps_detected_total",
			Help: "Total number of pedestrian steps detected.",
		}),
		AnomaliesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdrengine_gps_anomalies_rejected_total",
			Help: "Total number of absolute fixes rejected as anomalous.",
		}),
		Recalibrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdrengine_recalibrations_total",
			Help: "Total number of planar-filter recalibrations (soft or jump reset).",
		}),
		CurrentConfidence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pdrengine_fused_confidence",
			Help: "Most recently emitted fused-position confidence in [0,1].",
		}),
		CurrentEnvironment: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pdrengine_environment_state",
			Help: "1 for the currently committed environment classification, 0 otherwise.",
		}, []string{"environment"}),
	}
	reg.MustRegister(m.StepsDetected, m.AnomaliesRejected, m.Recalibrations, m.CurrentConfidence, m.CurrentEnvironment)
	return m
}

// SetEnvironment updates the environment gauge vector so exactly one label
// reads 1.
func (m *Metrics) SetEnvironment(current string) {
	for _, env := range []string{"outdoor", "indoor", "unknown"} {
		v := 0.0
		if env == current {
			v = 1.0
		}
		m.CurrentEnvironment.WithLabelValues(env).Set(v)
	}
}

// Tracer name for the fusion pipeline's spans.
const tracerName = "github.com/stridefusion/pdrengine/internal/fusion"

// NewTracerProvider builds an OTel tracer provider that exports spans to
// stdout; suitable for local development and the teacher's own
// stdouttrace-based setup.
func NewTracerProvider(serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// Tracer returns the pipeline's named tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name as a child of ctx, returning the
// derived context and the span to End when the wrapped operation completes.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name)
}
