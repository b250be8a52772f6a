package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mt21625457/taskstream/api"

// mutationMetrics accumulates timings for one task mutation request
// and emits them both as a log entry and as span attributes.
type mutationMetrics struct {
	logger          *log.Logger
	span            trace.Span
	start           time.Time
	decodeDuration  time.Duration
	enqueueDuration time.Duration
	publishDuration time.Duration
	errorStage      string
}

func newMutationMetrics(ctx context.Context, logger *log.Logger) (*mutationMetrics, context.Context) {
	m := &mutationMetrics{logger: logger, start: time.Now()}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, "tasks.update")
	m.span = span
	return m, spanCtx
}

func (m *mutationMetrics) ObserveDecode(d time.Duration) {
	if d > 0 {
		m.decodeDuration = d
	}
}

func (m *mutationMetrics) ObserveEnqueue(d time.Duration) {
	if d > 0 {
		m.enqueueDuration = d
	}
}

func (m *mutationMetrics) ObservePublish(d time.Duration) {
	if d > 0 {
		m.publishDuration = d
	}
}

func (m *mutationMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *mutationMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"route":    "/api/tasks/:id",
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.decodeDuration > 0 {
		fields["decode_ms"] = durationToMillis(m.decodeDuration)
	}
	if m.enqueueDuration > 0 {
		fields["enqueue_ms"] = durationToMillis(m.enqueueDuration)
	}
	if m.publishDuration > 0 {
		fields["publish_ms"] = durationToMillis(m.publishDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	if m.span != nil {
		attrs := []attribute.KeyValue{
			attribute.Int("http.status_code", status),
			attribute.Float64("request.total_ms", durationToMillis(time.Since(m.start))),
		}
		if m.errorStage != "" {
			attrs = append(attrs, attribute.String("request.error_stage", m.errorStage))
		}
		m.span.SetAttributes(attrs...)
		text, _ := severityForStatus(status, err)
		if text == "error" {
			m.span.SetStatus(codes.Error, m.errorStage)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		if err != nil {
			m.span.RecordError(err)
		}
		m.span.End()
	}

	m.logger.WithFields(fields).Info("tasks.update.metrics")
}

// severityForStatus maps an HTTP status (and terminal error) to a log
// severity text and number.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= 500:
		return "error", 17
	case status >= 400:
		return "warn", 13
	default:
		return "info", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
