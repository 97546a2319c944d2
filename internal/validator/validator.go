// Package validator scores a draft security-requirements artifact across five
// fixed quality dimensions.
//
// Each dimension is scored by the reasoning service against a
// dimension-specific rubric, so scores are non-deterministic across runs with
// identical input. The orchestration controller treats that as acceptable
// run-to-run variance, not a bug.
package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/secreq/internal/agent"
	"github.com/fyrsmithlabs/secreq/internal/stage"
)

// Dimension names one validation sub-score.
type Dimension string

const (
	DimCompleteness     Dimension = "completeness"
	DimConsistency      Dimension = "consistency"
	DimCorrectness      Dimension = "correctness"
	DimImplementability Dimension = "implementability"
	DimAlignment        Dimension = "alignment"
)

// AllDimensions returns the dimensions in scoring order.
func AllDimensions() []Dimension {
	return []Dimension{
		DimCompleteness,
		DimConsistency,
		DimCorrectness,
		DimImplementability,
		DimAlignment,
	}
}

// ErrUnavailable indicates the validator itself could not produce a report.
// The controller synthesizes a failing report and consumes one iteration of
// budget rather than retrying indefinitely.
var ErrUnavailable = errors.New("validation unavailable")

// rubrics are the dimension-specific scoring instructions.
var rubrics = map[Dimension]string{
	DimCompleteness:     "Score how completely the draft covers the security needs implied by the original requirements. Are authentication, authorization, data protection, auditing, and the system's specific risk areas all addressed?",
	DimConsistency:      "Score the internal consistency of the draft. Do sections contradict each other, duplicate requirements under different names, or assign the same control conflicting parameters?",
	DimCorrectness:      "Score the technical correctness of the draft. Are cited control identifiers real and applicable, and are the stated requirements technically sound?",
	DimImplementability: "Score how implementable the requirements are. Are they concrete and testable, or vague aspirations an engineering team could not act on?",
	DimAlignment:        "Score how well the draft aligns with the original product requirements. Does it secure the system actually described, or a generic system?",
}

// Report is the scored assessment of one draft artifact. Immutable once
// produced; retained in the iteration log.
type Report struct {
	// Scores holds the five sub-scores, each in [0,1].
	Scores map[Dimension]float64 `json:"scores"`

	// Aggregate is the weighted mean of the sub-scores.
	Aggregate float64 `json:"aggregate"`

	// Passed is true when Aggregate >= the configured threshold
	// (inclusive).
	Passed bool `json:"passed"`

	// Feedback holds free-text feedback for each dimension that scored
	// below threshold.
	Feedback map[Dimension]string `json:"feedback,omitempty"`

	// SectionFeedback maps each deficient section to the feedback that
	// named it, driving selective re-invocation.
	SectionFeedback map[stage.Section]string `json:"section_feedback,omitempty"`
}

// DeficientSections returns the flagged sections in stable order.
func (r *Report) DeficientSections() []stage.Section {
	sections := make([]stage.Section, 0, len(r.SectionFeedback))
	for s := range r.SectionFeedback {
		sections = append(sections, s)
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i] < sections[j] })
	return sections
}

// Summary renders the report as human-readable text.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "aggregate score: %.2f (passed: %v)\n", r.Aggregate, r.Passed)
	for _, dim := range AllDimensions() {
		fmt.Fprintf(&b, "- %s: %.2f", dim, r.Scores[dim])
		if fb, ok := r.Feedback[dim]; ok {
			fmt.Fprintf(&b, " — %s", fb)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Config holds validator settings.
type Config struct {
	// PassThreshold is the aggregate score at or above which the draft
	// passes. Also the per-dimension bar below which feedback is attached.
	PassThreshold float64

	// Weights optionally weights dimensions when aggregating. Dimensions
	// absent from the map keep weight 1.
	Weights map[string]float64
}

// Validator scores drafts through the agent invocation port.
type Validator struct {
	invoker agent.Invoker
	cfg     Config
	logger  *zap.Logger
}

// New creates a Validator. Unknown dimension names in the weights map are a
// configuration error and fail fast.
func New(invoker agent.Invoker, cfg Config, logger *zap.Logger) (*Validator, error) {
	if invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	known := make(map[string]bool, len(AllDimensions()))
	for _, d := range AllDimensions() {
		known[string(d)] = true
	}
	for name := range cfg.Weights {
		if !known[name] {
			return nil, fmt.Errorf("unknown sub-score weight: %q", name)
		}
	}
	return &Validator{invoker: invoker, cfg: cfg, logger: logger.Named("validator")}, nil
}

// dimensionResponse is the structured result expected from the validator
// agent for one dimension.
type dimensionResponse struct {
	Score             float64  `json:"score"`
	Feedback          string   `json:"feedback"`
	DeficientSections []string `json:"deficient_sections"`
}

// Validate scores the draft across all dimensions and aggregates the result.
// If any dimension invocation fails, the whole validation is unavailable.
func (v *Validator) Validate(ctx context.Context, requirements string, sections map[stage.Section]string) (*Report, error) {
	payload := map[string]string{
		"original_requirements": requirements,
	}
	for _, s := range stage.AllSections() {
		payload[string(s)] = sections[s]
	}

	report := &Report{
		Scores:          make(map[Dimension]float64, len(AllDimensions())),
		Feedback:        make(map[Dimension]string),
		SectionFeedback: make(map[stage.Section]string),
	}

	for _, dim := range AllDimensions() {
		resp, err := v.invoker.Invoke(ctx, agent.Request{
			Role:    agent.RoleValidator,
			Task:    dimensionTask(dim),
			Payload: payload,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: scoring %s: %v", ErrUnavailable, dim, err)
		}

		parsed := parseDimensionResponse(resp)
		report.Scores[dim] = parsed.Score

		if parsed.Score < v.cfg.PassThreshold {
			feedback := parsed.Feedback
			if feedback == "" {
				feedback = fmt.Sprintf("%s scored %.2f, below threshold %.2f", dim, parsed.Score, v.cfg.PassThreshold)
			}
			report.Feedback[dim] = feedback
			v.attachSectionFeedback(report, dim, feedback, parsed.DeficientSections)
		}

		v.logger.Debug("dimension scored",
			zap.String("dimension", string(dim)),
			zap.Float64("score", parsed.Score),
		)
	}

	report.Aggregate = v.aggregate(report.Scores)
	report.Passed = report.Aggregate >= v.cfg.PassThreshold
	return report, nil
}

// attachSectionFeedback records feedback against each valid section the
// dimension flagged.
func (v *Validator) attachSectionFeedback(report *Report, dim Dimension, feedback string, named []string) {
	valid := make(map[string]stage.Section, 4)
	for _, s := range stage.AllSections() {
		valid[string(s)] = s
	}
	for _, name := range named {
		section, ok := valid[name]
		if !ok {
			v.logger.Warn("validator named unknown section",
				zap.String("dimension", string(dim)),
				zap.String("section", name),
			)
			continue
		}
		entry := fmt.Sprintf("[%s] %s", dim, feedback)
		if existing, ok := report.SectionFeedback[section]; ok {
			report.SectionFeedback[section] = existing + "\n" + entry
		} else {
			report.SectionFeedback[section] = entry
		}
	}
}

// aggregate computes the weighted mean. Dimensions absent from the weights
// map keep weight 1; with no weights configured this is the arithmetic mean.
func (v *Validator) aggregate(scores map[Dimension]float64) float64 {
	var sum, weightSum float64
	for _, dim := range AllDimensions() {
		w := 1.0
		if v.cfg.Weights != nil {
			if configured, ok := v.cfg.Weights[string(dim)]; ok {
				w = configured
			}
		}
		sum += scores[dim] * w
		weightSum += w
	}
	if weightSum == 0 {
		return 0
	}
	return sum / weightSum
}

// dimensionTask builds the scoring instruction for one dimension.
func dimensionTask(dim Dimension) string {
	sectionNames := make([]string, 0, 4)
	for _, s := range stage.AllSections() {
		sectionNames = append(sectionNames, string(s))
	}
	return fmt.Sprintf(
		"%s\n\nRespond with JSON only: {\"score\": <0.0-1.0>, \"feedback\": \"<specific, actionable feedback>\", \"deficient_sections\": [<zero or more of %s>]}. "+
			"Name a section in deficient_sections only if revising that section would raise this score.",
		rubrics[dim], strings.Join(sectionNames, ", "))
}

var (
	scoreRe    = regexp.MustCompile(`"?score"?\s*[:=]\s*([0-9]*\.?[0-9]+)`)
	feedbackRe = regexp.MustCompile(`"feedback"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

// parseDimensionResponse parses the agent's response: JSON first, with a
// regex fallback for models that wrap or malform the JSON. Scores are clamped
// to [0,1]; an unparseable response scores zero.
func parseDimensionResponse(resp string) dimensionResponse {
	var parsed dimensionResponse
	text := strings.TrimSpace(resp)

	// Models frequently wrap JSON in markdown fences.
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err == nil {
				parsed.Score = clamp01(parsed.Score)
				return parsed
			}
		}
	}

	if m := scoreRe.FindStringSubmatch(text); m != nil {
		if score, err := strconv.ParseFloat(m[1], 64); err == nil {
			parsed.Score = clamp01(score)
		}
	}
	if m := feedbackRe.FindStringSubmatch(text); m != nil {
		parsed.Feedback = m[1]
	}
	return parsed
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
