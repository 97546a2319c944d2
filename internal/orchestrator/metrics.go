package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fyrsmithlabs/secreq/internal/stage"
	"github.com/fyrsmithlabs/secreq/internal/validator"
)

const meterName = "github.com/fyrsmithlabs/secreq/internal/orchestrator"

// runMetrics instruments the loop through the OpenTelemetry metric API. With
// no SDK installed the instruments are no-ops.
type runMetrics struct {
	runs          metric.Int64Counter
	iterations    metric.Int64Counter
	scores        metric.Float64Histogram
	stageDuration metric.Float64Histogram
}

func newRunMetrics() (*runMetrics, error) {
	meter := otel.Meter(meterName)
	m := &runMetrics{}
	var err error

	m.runs, err = meter.Int64Counter("secreq.runs",
		metric.WithDescription("Completed runs by terminal state"),
	)
	if err != nil {
		return nil, fmt.Errorf("create runs counter: %w", err)
	}

	m.iterations, err = meter.Int64Counter("secreq.iterations",
		metric.WithDescription("Generate/validate iterations executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("create iterations counter: %w", err)
	}

	m.scores, err = meter.Float64Histogram("secreq.validation.score",
		metric.WithDescription("Aggregate validation scores"),
	)
	if err != nil {
		return nil, fmt.Errorf("create score histogram: %w", err)
	}

	m.stageDuration, err = meter.Float64Histogram("secreq.stage.duration",
		metric.WithDescription("Stage execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stage duration histogram: %w", err)
	}

	return m, nil
}

func (m *runMetrics) recordRun(ctx context.Context, run *Run) {
	m.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(run.State)),
		attribute.Int("iterations", len(run.Records)),
	))
}

func (m *runMetrics) recordIteration(ctx context.Context, index int, report *validator.Report) {
	m.iterations.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("passed", report.Passed),
	))
	m.scores.Record(ctx, report.Aggregate, metric.WithAttributes(
		attribute.Int("iteration", index),
	))
}

func (m *runMetrics) recordStage(ctx context.Context, section stage.Section, d time.Duration, err error) {
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("section", string(section)),
		attribute.Bool("degraded", err != nil),
	))
}
