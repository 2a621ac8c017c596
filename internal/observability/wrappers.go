package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sandterm/internal/sandbox"
	"github.com/jkaninda/sandterm/internal/session"
	"github.com/jkaninda/sandterm/internal/terminal"
)

// Operation names shared by metrics labels and anomaly tracking.
const (
	OpProvision = "provision"
	OpRelease   = "release"
	OpAttach    = "attach"
)

// --- InstrumentedProvisioner ---

// InstrumentedProvisioner wraps a session.Provisioner with metrics, tracing, and anomaly detection.
type InstrumentedProvisioner struct {
	inner   session.Provisioner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvisioner wraps a provisioner with observability.
func NewInstrumentedProvisioner(inner session.Provisioner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvisioner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvisioner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvisioner) Provision(ctx context.Context, name string) (*sandbox.Handle, error) {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "sandbox.provision",
			trace.WithAttributes(attribute.String("sandbox.name", name)))
		defer span.End()
	}

	start := time.Now()
	h, err := p.inner.Provision(ctx, name)
	if err == nil && p.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("sandbox.container_id", h.ContainerID))
	}
	record(ctx, p.metrics, p.tracer, p.anomaly, OpProvision, start, err)
	return h, err
}

func (p *InstrumentedProvisioner) Release(ctx context.Context, name string) error {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "sandbox.release",
			trace.WithAttributes(attribute.String("sandbox.name", name)))
		defer span.End()
	}

	start := time.Now()
	err := p.inner.Release(ctx, name)
	record(ctx, p.metrics, p.tracer, p.anomaly, OpRelease, start, err)
	return err
}

// --- InstrumentedAttacher ---

// InstrumentedAttacher wraps a session.Attacher with metrics, tracing, and anomaly detection.
type InstrumentedAttacher struct {
	inner   session.Attacher
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedAttacher wraps an attacher with observability.
func NewInstrumentedAttacher(inner session.Attacher, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedAttacher {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedAttacher{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (a *InstrumentedAttacher) Attach(ctx context.Context, h *sandbox.Handle, size terminal.Size) (terminal.Process, error) {
	if a.tracer != nil {
		var span trace.Span
		ctx, span = a.tracer.Start(ctx, "terminal.attach",
			trace.WithAttributes(
				attribute.String("sandbox.name", h.Name),
				attribute.Int("terminal.cols", size.Cols),
				attribute.Int("terminal.rows", size.Rows),
			))
		defer span.End()
	}

	start := time.Now()
	proc, err := a.inner.Attach(ctx, h, size)
	record(ctx, a.metrics, a.tracer, a.anomaly, OpAttach, start, err)
	return proc, err
}

// record counts one sandbox operation. A canceled operation (the client left
// or the broker is stopping) is neither a success nor a failure for anomaly
// tracking.
func record(ctx context.Context, metrics *MetricsCollector, tracer trace.Tracer, anomaly *AnomalyDetector, op string, start time.Time, err error) {
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = "canceled"
	default:
		status = "error"
		if tracer != nil {
			recordSpanError(ctx, err)
		}
	}

	if metrics != nil {
		metrics.SandboxOpsTotal.WithLabelValues(op, status).Inc()
		metrics.SandboxOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}

	switch status {
	case "success":
		anomaly.RecordSuccess(op)
	case "error":
		anomaly.RecordError(op)
	}
}

// --- Compile-time interface checks ---

var (
	_ session.Provisioner = (*InstrumentedProvisioner)(nil)
	_ session.Attacher    = (*InstrumentedAttacher)(nil)
)
