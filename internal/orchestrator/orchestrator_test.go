package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/secreq/internal/agent"
	"github.com/fyrsmithlabs/secreq/internal/stage"
	"github.com/fyrsmithlabs/secreq/internal/validator"
)

// stubStage is a scriptable stage recording every input it receives.
type stubStage struct {
	section stage.Section
	fn      func(ctx context.Context, in stage.Input) (*stage.SectionResult, error)

	mu     sync.Mutex
	inputs []stage.Input
}

func (s *stubStage) Section() stage.Section { return s.section }

func (s *stubStage) Run(ctx context.Context, in stage.Input) (*stage.SectionResult, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, in)
	}
	return &stage.SectionResult{Section: s.section, Content: "content for " + string(s.section)}, nil
}

func (s *stubStage) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

func (s *stubStage) input(i int) stage.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs[i]
}

// stubValidator returns queued reports or errors, one per Validate call.
type stubValidator struct {
	mu      sync.Mutex
	reports []*validator.Report
	errs    []error
	calls   int
}

func (v *stubValidator) Validate(ctx context.Context, requirements string, sections map[stage.Section]string) (*validator.Report, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.calls
	v.calls++
	if i < len(v.errs) && v.errs[i] != nil {
		return nil, v.errs[i]
	}
	if i < len(v.reports) {
		return v.reports[i], nil
	}
	return v.reports[len(v.reports)-1], nil
}

func passingReport(score float64) *validator.Report {
	return &validator.Report{
		Scores:    map[validator.Dimension]float64{validator.DimCompleteness: score},
		Aggregate: score,
		Passed:    true,
	}
}

func failingReport(score float64, flagged map[stage.Section]string) *validator.Report {
	return &validator.Report{
		Scores:          map[validator.Dimension]float64{validator.DimCompleteness: score},
		Aggregate:       score,
		Passed:          false,
		Feedback:        map[validator.Dimension]string{validator.DimCompleteness: "too shallow"},
		SectionFeedback: flagged,
	}
}

func allStubStages() []*stubStage {
	stubs := make([]*stubStage, 0, 4)
	for _, s := range stage.AllSections() {
		stubs = append(stubs, &stubStage{section: s})
	}
	return stubs
}

func asStages(stubs []*stubStage) []stage.Stage {
	stages := make([]stage.Stage, len(stubs))
	for i, s := range stubs {
		stages[i] = s
	}
	return stages
}

func testConfig() Config {
	return Config{
		MaxIterations:    3,
		CallTimeout:      time.Second,
		CallRetries:      1,
		StageConcurrency: 4,
		RetryBackoff:     time.Millisecond,
	}
}

func TestRunPassesFirstIteration(t *testing.T) {
	stubs := allStubStages()
	v := &stubValidator{reports: []*validator.Report{passingReport(0.9)}}

	c, err := New(asStages(stubs), v, testConfig(), nil)
	require.NoError(t, err)

	result, err := c.Run(context.Background(), RequirementsDocument{ID: "doc-1", Text: "reqs"})
	require.NoError(t, err)

	assert.Equal(t, StatePassed, result.State)
	require.Len(t, result.Iterations, 1)
	assert.Equal(t, 0, result.Iterations[0].Index)
	for _, s := range stubs {
		assert.Equal(t, 1, s.calls())
		assert.Empty(t, s.input(0).Feedback)
		assert.Empty(t, s.input(0).Prior)
	}
	for _, section := range stage.AllSections() {
		assert.Equal(t, "content for "+string(section), result.Draft.Content(section))
	}
}

func TestRunExhaustsIterationBudget(t *testing.T) {
	stubs := allStubStages()
	v := &stubValidator{reports: []*validator.Report{failingReport(0.5, nil)}}

	c, err := New(asStages(stubs), v, testConfig(), nil)
	require.NoError(t, err)

	result, err := c.Run(context.Background(), RequirementsDocument{Text: "reqs"})
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, result.State)
	require.Len(t, result.Iterations, 3)
	assert.NotNil(t, result.Draft, "exhausted run still returns the last draft")
	assert.Equal(t, 3, v.calls)
	// no flagged sections: every section reruns every iteration
	for _, s := range stubs {
		assert.Equal(t, 3, s.calls())
	}
}

func TestRefinementRerunsOnlyFlaggedSections(t *testing.T) {
	stubs := allStubStages()
	v := &stubValidator{reports: []*validator.Report{
		failingReport(0.6, map[stage.Section]string{
			stage.SectionCompliance: "[completeness] missing audit requirements",
		}),
		passingReport(0.85),
	}}

	c, err := New(asStages(stubs), v, testConfig(), nil)
	require.NoError(t, err)

	result, err := c.Run(context.Background(), RequirementsDocument{Text: "reqs"})
	require.NoError(t, err)

	assert.Equal(t, StatePassed, result.State)
	require.Len(t, result.Iterations, 2)

	for _, s := range stubs {
		if s.section == stage.SectionCompliance {
			assert.Equal(t, 2, s.calls())
			assert.Equal(t, "[completeness] missing audit requirements", s.input(1).Feedback)
			// refinement sees the previous iteration's sections
			assert.Equal(t, "content for requirements_analysis",
				s.input(1).Prior[stage.SectionRequirementsAnalysis])
		} else {
			assert.Equal(t, 1, s.calls(), "unflagged section %s must not rerun", s.section)
		}
	}

	// untouched sections are carried into the new draft unchanged
	first, second := result.Iterations[0].Draft, result.Iterations[1].Draft
	for _, section := range stage.AllSections() {
		if section == stage.SectionCompliance {
			continue
		}
		assert.Same(t, first.Sections[section], second.Sections[section])
	}
}

func TestRefinementRerunsFirstFlaggedSection(t *testing.T) {
	// flagging the first stage makes the rerun goroutine overlap the
	// carry-forward of every later section
	stubs := allStubStages()
	flagged := map[stage.Section]string{stage.SectionRequirementsAnalysis: "sharpen the analysis"}
	v := &stubValidator{reports: []*validator.Report{
		failingReport(0.5, flagged),
		failingReport(0.6, flagged),
		passingReport(0.9),
	}}

	c, err := New(asStages(stubs), v, testConfig(), nil)
	require.NoError(t, err)

	result, err := c.Run(context.Background(), RequirementsDocument{Text: "reqs"})
	require.NoError(t, err)

	assert.Equal(t, StatePassed, result.State)
	require.Len(t, result.Iterations, 3)
	assert.Equal(t, 3, stubs[0].calls())
	for _, s := range stubs[1:] {
		assert.Equal(t, 1, s.calls())
	}
	for i := 1; i < 3; i++ {
		prev, cur := result.Iterations[i-1].Draft, result.Iterations[i].Draft
		for _, section := range stage.AllSections() {
			if section == stage.SectionRequirementsAnalysis {
				continue
			}
			assert.Same(t, prev.Sections[section], cur.Sections[section])
		}
	}
}

func TestStageFailureDegradesToPlaceholder(t *testing.T) {
	stubs := allStubStages()
	stubs[1].fn = func(ctx context.Context, in stage.Input) (*stage.SectionResult, error) {
		return nil, agent.ErrInvocationFailed
	}
	v := &stubValidator{reports: []*validator.Report{passingReport(0.9)}}

	c, err := New(asStages(stubs), v, testConfig(), nil)
	require.NoError(t, err)

	result, err := c.Run(context.Background(), RequirementsDocument{Text: "reqs"})
	require.NoError(t, err)

	sec := result.Draft.Sections[stage.SectionSecurityControls]
	require.NotNil(t, sec)
	assert.True(t, sec.Degraded)
	assert.Equal(t, degradedPlaceholder, sec.Content)
	// retry budget: initial attempt plus one retry
	assert.Equal(t, 2, stubs[1].calls())
}

func TestStageFailureReusesPriorValue(t *testing.T) {
	stubs := allStubStages()
	failNext := false
	var mu sync.Mutex
	stubs[3].fn = func(ctx context.Context, in stage.Input) (*stage.SectionResult, error) {
		mu.Lock()
		fail := failNext
		failNext = true
		mu.Unlock()
		if fail {
			return nil, agent.ErrInvocationFailed
		}
		return &stage.SectionResult{Section: stubs[3].section, Content: "first compliance draft"}, nil
	}
	v := &stubValidator{reports: []*validator.Report{
		failingReport(0.5, map[stage.Section]string{stage.SectionCompliance: "expand"}),
		passingReport(0.9),
	}}

	c, err := New(asStages(stubs), v, testConfig(), nil)
	require.NoError(t, err)

	result, err := c.Run(context.Background(), RequirementsDocument{Text: "reqs"})
	require.NoError(t, err)

	sec := result.Draft.Sections[stage.SectionCompliance]
	require.NotNil(t, sec)
	assert.Equal(t, "first compliance draft", sec.Content)
	assert.True(t, sec.Degraded)
}

func TestValidatorFailureSynthesizesFailingReport(t *testing.T) {
	stubs := allStubStages()
	// both attempts of the first validation fail, exhausting the retry
	v := &stubValidator{
		errs:    []error{validator.ErrUnavailable, validator.ErrUnavailable, nil},
		reports: []*validator.Report{nil, nil, passingReport(0.9)},
	}

	c, err := New(asStages(stubs), v, testConfig(), nil)
	require.NoError(t, err)

	result, err := c.Run(context.Background(), RequirementsDocument{Text: "reqs"})
	require.NoError(t, err)

	assert.Equal(t, StatePassed, result.State)
	require.Len(t, result.Iterations, 2, "failed validation consumes an iteration")

	synth := result.Iterations[0].Report
	assert.False(t, synth.Passed)
	assert.Zero(t, synth.Aggregate)
	for _, dim := range validator.AllDimensions() {
		assert.Zero(t, synth.Scores[dim])
	}
}

func TestRunImprovesAcrossIterations(t *testing.T) {
	stubs := allStubStages()
	v := &stubValidator{reports: []*validator.Report{
		failingReport(0.79, map[stage.Section]string{stage.SectionSecurityControls: "cite identifiers"}),
		{
			Scores:    map[validator.Dimension]float64{validator.DimCompleteness: 0.87},
			Aggregate: 0.87,
			Passed:    true,
		},
	}}

	c, err := New(asStages(stubs), v, testConfig(), nil)
	require.NoError(t, err)

	result, err := c.Run(context.Background(), RequirementsDocument{Text: "reqs"})
	require.NoError(t, err)

	assert.Equal(t, StatePassed, result.State)
	require.Len(t, result.Iterations, 2)
	assert.InDelta(t, 0.79, result.Iterations[0].Report.Aggregate, 1e-9)
	assert.InDelta(t, 0.87, result.Iterations[1].Report.Aggregate, 1e-9)
}

func TestRunIsDeterministicWithFixedPorts(t *testing.T) {
	runOnce := func() *Result {
		stubs := allStubStages()
		v := &stubValidator{reports: []*validator.Report{
			failingReport(0.79, map[stage.Section]string{stage.SectionSecurityControls: "cite identifiers"}),
			passingReport(0.87),
		}}
		c, err := New(asStages(stubs), v, testConfig(), nil)
		require.NoError(t, err)
		result, err := c.Run(context.Background(), RequirementsDocument{ID: "doc-1", Text: "reqs"})
		require.NoError(t, err)
		return result
	}

	first := runOnce()
	second := runOnce()

	assert.Equal(t, first.State, second.State)
	require.Len(t, second.Iterations, len(first.Iterations))
	for i := range first.Iterations {
		assert.Equal(t, first.Iterations[i].Report, second.Iterations[i].Report)
		assert.Equal(t, first.Iterations[i].Draft.Contents(), second.Iterations[i].Draft.Contents())
	}
	assert.Equal(t, first.Draft.Contents(), second.Draft.Contents())
}

func TestRunHonorsCancellationBetweenIterations(t *testing.T) {
	stubs := allStubStages()
	ctx, cancel := context.WithCancel(context.Background())

	v := &stubValidator{reports: []*validator.Report{failingReport(0.5, nil)}}
	c, err := New(asStages(stubs), v, testConfig(), nil)
	require.NoError(t, err)

	// cancel once the first validation has happened
	run := c.NewRun(RequirementsDocument{Text: "reqs"})
	require.NoError(t, c.Step(ctx, run))
	cancel()

	_, err = c.Run(ctx, RequirementsDocument{Text: "reqs"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestStepRejectsFinishedRun(t *testing.T) {
	stubs := allStubStages()
	v := &stubValidator{reports: []*validator.Report{passingReport(0.9)}}

	c, err := New(asStages(stubs), v, testConfig(), nil)
	require.NoError(t, err)

	run := c.NewRun(RequirementsDocument{Text: "reqs"})
	require.NoError(t, c.Step(context.Background(), run))
	require.Equal(t, StatePassed, run.State)

	err = c.Step(context.Background(), run)
	require.Error(t, err)
}

func TestCallWithRetryRecoversTransientFailure(t *testing.T) {
	stubs := allStubStages()
	attempts := 0
	var mu sync.Mutex
	stubs[0].fn = func(ctx context.Context, in stage.Input) (*stage.SectionResult, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return nil, agent.ErrInvocationTimeout
		}
		return &stage.SectionResult{Section: stubs[0].section, Content: "recovered"}, nil
	}
	v := &stubValidator{reports: []*validator.Report{passingReport(0.9)}}

	c, err := New(asStages(stubs), v, testConfig(), nil)
	require.NoError(t, err)

	result, err := c.Run(context.Background(), RequirementsDocument{Text: "reqs"})
	require.NoError(t, err)

	sec := result.Draft.Sections[stage.SectionRequirementsAnalysis]
	assert.Equal(t, "recovered", sec.Content)
	assert.False(t, sec.Degraded)
}

func TestStageTimeoutEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	cfg.CallRetries = 0

	stubs := allStubStages()
	stubs[2].fn = func(ctx context.Context, in stage.Input) (*stage.SectionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	v := &stubValidator{reports: []*validator.Report{passingReport(0.9)}}

	c, err := New(asStages(stubs), v, cfg, nil)
	require.NoError(t, err)

	result, err := c.Run(context.Background(), RequirementsDocument{Text: "reqs"})
	require.NoError(t, err)

	sec := result.Draft.Sections[stage.SectionAIMLSecurity]
	require.NotNil(t, sec)
	assert.True(t, sec.Degraded)
}

func TestNewValidation(t *testing.T) {
	v := &stubValidator{reports: []*validator.Report{passingReport(0.9)}}

	_, err := New(nil, v, testConfig(), nil)
	require.Error(t, err)

	_, err = New(asStages(allStubStages()), nil, testConfig(), nil)
	require.Error(t, err)
}

func TestRefinementPlanNoFlagsRerunsEverything(t *testing.T) {
	rerun, feedback := refinementPlan(failingReport(0.4, nil))
	assert.Empty(t, rerun)
	require.Len(t, feedback, 4)
	for _, fb := range feedback {
		assert.Contains(t, fb, "too shallow")
	}
}

func TestSynthesizeFailure(t *testing.T) {
	report := synthesizeFailure(errors.New("boom"))
	assert.False(t, report.Passed)
	assert.Zero(t, report.Aggregate)
	assert.Len(t, report.Scores, 5)
	assert.Contains(t, report.Feedback[validator.DimCompleteness], "boom")
}
