// Package orchestrator drives the accept/refine loop that turns a raw
// requirements document into a validated security-requirements draft.
//
// Each iteration produces a fresh draft, scores it, and either accepts it or
// feeds the validation feedback into a refinement iteration. The loop is
// bounded: it terminates in passed or exhausted after at most the configured
// number of iterations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/secreq/internal/stage"
	"github.com/fyrsmithlabs/secreq/internal/validator"
)

// State is the lifecycle state of a run.
type State string

const (
	// StateRunning means more iterations may follow.
	StateRunning State = "running"

	// StatePassed means the last draft met the score threshold.
	StatePassed State = "passed"

	// StateExhausted means the iteration budget ran out without a passing
	// draft. The best available draft is still returned.
	StateExhausted State = "exhausted"
)

// degradedPlaceholder fills a section whose stage failed with no prior value
// to fall back on.
const degradedPlaceholder = "(content unavailable: generation failed)"

// RequirementsDocument is the immutable input to a run. Text is treated as
// opaque UTF-8; no structure is assumed or parsed.
type RequirementsDocument struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Draft is one iteration's complete artifact. Drafts are never mutated after
// creation; a refinement iteration builds a new one.
type Draft struct {
	Sections map[stage.Section]*stage.SectionResult `json:"sections"`
}

// Content returns the text of one section, or empty if absent.
func (d *Draft) Content(s stage.Section) string {
	if d == nil || d.Sections[s] == nil {
		return ""
	}
	return d.Sections[s].Content
}

// Contents returns the section texts keyed by section name.
func (d *Draft) Contents() map[stage.Section]string {
	out := make(map[stage.Section]string, len(d.Sections))
	for s, r := range d.Sections {
		out[s] = r.Content
	}
	return out
}

// IterationRecord pairs one draft with its validation report.
type IterationRecord struct {
	Index  int               `json:"index"`
	Draft  *Draft            `json:"draft"`
	Report *validator.Report `json:"report"`
}

// Result is the outcome of a completed run.
type Result struct {
	State State `json:"state"`

	// Draft is the final draft, passing or not.
	Draft *Draft `json:"draft"`

	// Report is the final draft's validation report.
	Report *validator.Report `json:"report"`

	// Iterations is the full iteration log, oldest first.
	Iterations []IterationRecord `json:"iterations"`
}

// Reporter scores a draft. Satisfied by *validator.Validator.
type Reporter interface {
	Validate(ctx context.Context, requirements string, sections map[stage.Section]string) (*validator.Report, error)
}

// Config bounds the loop and the outbound calls it makes.
type Config struct {
	// MaxIterations caps the number of generate/validate cycles.
	// Defaults to 3.
	MaxIterations int

	// CallTimeout bounds each stage execution and each validation.
	// Defaults to 120s.
	CallTimeout time.Duration

	// CallRetries is the number of retries after a failed call.
	// Defaults to 1.
	CallRetries int

	// StageConcurrency bounds how many stages run at once. Defaults to 4.
	StageConcurrency int

	// RetryBackoff is the base delay before the first retry, doubling per
	// attempt. Defaults to 500ms.
	RetryBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 120 * time.Second
	}
	if c.CallRetries < 0 {
		c.CallRetries = 1
	}
	if c.StageConcurrency <= 0 {
		c.StageConcurrency = 4
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

// Controller owns the accept/refine loop. It is the only component that
// applies timeouts and retries to outbound calls; the stage and validator
// implementations stay policy-free.
type Controller struct {
	stages    []stage.Stage
	validator Reporter
	cfg       Config
	logger    *zap.Logger
	metrics   *runMetrics
}

// New creates a Controller over the given stages and validator.
func New(stages []stage.Stage, v Reporter, cfg Config, logger *zap.Logger) (*Controller, error) {
	if len(stages) == 0 {
		return nil, errors.New("at least one stage is required")
	}
	if v == nil {
		return nil, errors.New("validator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	m, err := newRunMetrics()
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return &Controller{
		stages:    stages,
		validator: v,
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
		metrics:   m,
	}, nil
}

// Run is the mutable state of one in-flight run. Construct with NewRun and
// advance with Step; Controller.Run does both.
type Run struct {
	Doc       RequirementsDocument
	State     State
	Iteration int
	Records   []IterationRecord

	// rerun names the sections the next iteration must regenerate. Empty
	// means all sections.
	rerun map[stage.Section]bool

	// feedback carries per-section validation feedback into the next
	// iteration.
	feedback map[stage.Section]string
}

// NewRun starts a run in the running state.
func (c *Controller) NewRun(doc RequirementsDocument) *Run {
	return &Run{Doc: doc, State: StateRunning}
}

// Result snapshots the run's outcome. Valid once the run left the running
// state.
func (r *Run) Result() *Result {
	res := &Result{State: r.State, Iterations: r.Records}
	if n := len(r.Records); n > 0 {
		res.Draft = r.Records[n-1].Draft
		res.Report = r.Records[n-1].Report
	}
	return res
}

// prevDraft returns the previous iteration's draft, or nil on iteration 0.
func (r *Run) prevDraft() *Draft {
	if len(r.Records) == 0 {
		return nil
	}
	return r.Records[len(r.Records)-1].Draft
}

// Run executes the full loop for one document. Cancellation is honored
// between iterations; an iteration in flight completes or fails on its own
// call timeouts.
func (c *Controller) Run(ctx context.Context, doc RequirementsDocument) (*Result, error) {
	run := c.NewRun(doc)
	for run.State == StateRunning {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run canceled before iteration %d: %w", run.Iteration, err)
		}
		if err := c.Step(ctx, run); err != nil {
			return nil, err
		}
	}

	c.metrics.recordRun(ctx, run)
	c.logger.Info("run finished",
		zap.String("document_id", doc.ID),
		zap.String("state", string(run.State)),
		zap.Int("iterations", len(run.Records)),
	)
	return run.Result(), nil
}

// Step executes exactly one iteration: regenerate the required sections,
// validate the resulting draft, record it, and transition the run state.
func (c *Controller) Step(ctx context.Context, run *Run) error {
	if run.State != StateRunning {
		return fmt.Errorf("step on %s run", run.State)
	}

	draft := c.buildDraft(ctx, run)

	report, err := c.validate(ctx, run, draft)
	if err != nil {
		// Cancellation aborts the run; anything else degrades to a
		// synthesized failing report and consumes the iteration.
		if errors.Is(err, context.Canceled) {
			return err
		}
		c.logger.Warn("validation unavailable, synthesizing failing report",
			zap.Int("iteration", run.Iteration),
			zap.Error(err),
		)
		report = synthesizeFailure(err)
	}

	run.Records = append(run.Records, IterationRecord{
		Index:  run.Iteration,
		Draft:  draft,
		Report: report,
	})
	c.metrics.recordIteration(ctx, run.Iteration, report)
	c.logger.Info("iteration scored",
		zap.Int("iteration", run.Iteration),
		zap.Float64("score", report.Aggregate),
		zap.Bool("passed", report.Passed),
	)

	switch {
	case report.Passed:
		run.State = StatePassed
	case run.Iteration+1 >= c.cfg.MaxIterations:
		run.State = StateExhausted
	default:
		run.rerun, run.feedback = refinementPlan(report)
		run.Iteration++
	}
	return nil
}

// buildDraft regenerates the sections the plan requires and carries the rest
// forward unchanged from the previous draft.
func (c *Controller) buildDraft(ctx context.Context, run *Run) *Draft {
	prev := run.prevDraft()
	prior := map[stage.Section]string{}
	if prev != nil {
		prior = prev.Contents()
	}

	draft := &Draft{Sections: make(map[stage.Section]*stage.SectionResult, len(c.stages))}

	// Carried-forward entries are written before any stage goroutine starts,
	// so the goroutines are the only concurrent writers of the map.
	for _, st := range c.stages {
		section := st.Section()
		if prev != nil && len(run.rerun) > 0 && !run.rerun[section] {
			// carried forward byte for byte
			draft.Sections[section] = prev.Sections[section]
		}
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	sem := make(chan struct{}, c.cfg.StageConcurrency)

	for _, st := range c.stages {
		section := st.Section()
		if _, carried := draft.Sections[section]; carried {
			continue
		}

		in := stage.Input{
			RequirementsText: run.Doc.Text,
			Prior:            prior,
			Feedback:         run.feedback[section],
		}

		wg.Add(1)
		go func(st stage.Stage) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result := c.runStage(ctx, st, in, prev)
			mu.Lock()
			draft.Sections[st.Section()] = result
			mu.Unlock()
		}(st)
	}
	wg.Wait()
	return draft
}

// runStage executes one stage under the call timeout and retry budget. A
// stage that still fails degrades: its previous value is reused, or a
// placeholder if there is none.
func (c *Controller) runStage(ctx context.Context, st stage.Stage, in stage.Input, prev *Draft) *stage.SectionResult {
	section := st.Section()
	start := time.Now()

	var result *stage.SectionResult
	err := c.callWithRetry(ctx, "stage "+string(section), func(callCtx context.Context) error {
		var runErr error
		result, runErr = st.Run(callCtx, in)
		return runErr
	})
	c.metrics.recordStage(ctx, section, time.Since(start), err)
	if err == nil {
		return result
	}

	c.logger.Warn("stage degraded",
		zap.String("section", string(section)),
		zap.Error(err),
	)
	if prev != nil && prev.Sections[section] != nil {
		prior := *prev.Sections[section]
		prior.Degraded = true
		prior.Note = "regeneration failed, previous value retained"
		return &prior
	}
	return &stage.SectionResult{
		Section:  section,
		Content:  degradedPlaceholder,
		Degraded: true,
		Note:     "generation failed with no previous value",
	}
}

// validate scores the draft under the call timeout and retry budget.
func (c *Controller) validate(ctx context.Context, run *Run, draft *Draft) (*validator.Report, error) {
	var report *validator.Report
	err := c.callWithRetry(ctx, "validation", func(callCtx context.Context) error {
		var vErr error
		report, vErr = c.validator.Validate(callCtx, run.Doc.Text, draft.Contents())
		return vErr
	})
	return report, err
}

// callWithRetry applies the per-call timeout and bounded retry with
// exponential backoff. Cancellation of the parent context stops retrying.
func (c *Controller) callWithRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= c.cfg.CallRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.RetryBackoff << uint(attempt-1)
			c.logger.Debug("retrying call",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, c.cfg.CallRetries+1, err)
}

// refinementPlan derives the next iteration's rerun set and feedback from a
// failed report. When the report flags specific sections, only those rerun;
// otherwise every section reruns with the combined dimension feedback.
func refinementPlan(report *validator.Report) (map[stage.Section]bool, map[stage.Section]string) {
	if len(report.SectionFeedback) > 0 {
		rerun := make(map[stage.Section]bool, len(report.SectionFeedback))
		feedback := make(map[stage.Section]string, len(report.SectionFeedback))
		for section, fb := range report.SectionFeedback {
			rerun[section] = true
			feedback[section] = fb
		}
		return rerun, feedback
	}

	combined := combinedFeedback(report)
	feedback := make(map[stage.Section]string, 4)
	for _, s := range stage.AllSections() {
		feedback[s] = combined
	}
	return nil, feedback
}

// combinedFeedback joins the per-dimension feedback in dimension order.
func combinedFeedback(report *validator.Report) string {
	var lines []string
	for _, dim := range validator.AllDimensions() {
		if fb, ok := report.Feedback[dim]; ok {
			lines = append(lines, fmt.Sprintf("[%s] %s", dim, fb))
		}
	}
	if len(lines) == 0 {
		return "the draft scored below threshold; improve depth and specificity across all sections"
	}
	return strings.Join(lines, "\n")
}

// synthesizeFailure builds the zero-score report used when validation itself
// is unavailable.
func synthesizeFailure(cause error) *validator.Report {
	scores := make(map[validator.Dimension]float64, len(validator.AllDimensions()))
	for _, dim := range validator.AllDimensions() {
		scores[dim] = 0
	}
	return &validator.Report{
		Scores:    scores,
		Aggregate: 0,
		Passed:    false,
		Feedback: map[validator.Dimension]string{
			validator.DimCompleteness: "validation unavailable: " + cause.Error(),
		},
	}
}
