// Package artifact renders a completed run as its two output documents: a
// machine-readable JSON file and a human-readable markdown summary. Both are
// derived views of the same run result.
package artifact

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/secreq/internal/orchestrator"
	"github.com/fyrsmithlabs/secreq/internal/stage"
	"github.com/fyrsmithlabs/secreq/internal/validator"
)

// timeNow is swapped in tests to make builds reproducible.
var timeNow = time.Now

// Metadata summarizes the run that produced the artifact.
type Metadata struct {
	RunID            string    `json:"run_id"`
	GeneratedAt      time.Time `json:"generated_at"`
	ValidationScore  float64   `json:"validation_score"`
	ValidationPassed bool      `json:"validation_passed"`
	Iterations       int       `json:"iterations"`
	State            string    `json:"state"`
}

// IterationEntry is one row of the iteration log. The full report is kept so
// the artifact records how every draft scored, not just the final one.
type IterationEntry struct {
	Index            int               `json:"index"`
	Score            float64           `json:"score"`
	Passed           bool              `json:"passed"`
	DegradedSections []string          `json:"degraded_sections,omitempty"`
	Report           *validator.Report `json:"report,omitempty"`
}

// Artifact is the final security-requirements document.
type Artifact struct {
	Metadata               Metadata         `json:"metadata"`
	OriginalRequirements   string           `json:"original_requirements"`
	RequirementsAnalysis   string           `json:"requirements_analysis"`
	SecurityControls       string           `json:"security_controls"`
	AIMLSecurity           string           `json:"ai_ml_security"`
	ComplianceRequirements string           `json:"compliance_requirements"`
	ValidationReport       string           `json:"validation_report"`
	IterationLog           []IterationEntry `json:"iteration_log"`
}

// Build assembles the artifact from a finished run. The final draft is used
// whether the run passed or exhausted its budget.
func Build(doc orchestrator.RequirementsDocument, result *orchestrator.Result) *Artifact {
	runID := doc.ID
	if runID == "" {
		runID = uuid.NewString()
	}

	a := &Artifact{
		Metadata: Metadata{
			RunID:       runID,
			GeneratedAt: timeNow().UTC(),
			Iterations:  len(result.Iterations),
			State:       string(result.State),
		},
		OriginalRequirements: doc.Text,
	}

	if result.Report != nil {
		a.Metadata.ValidationScore = result.Report.Aggregate
		a.Metadata.ValidationPassed = result.Report.Passed
		a.ValidationReport = result.Report.Summary()
	}
	if result.Draft != nil {
		a.RequirementsAnalysis = result.Draft.Content(stage.SectionRequirementsAnalysis)
		a.SecurityControls = result.Draft.Content(stage.SectionSecurityControls)
		a.AIMLSecurity = result.Draft.Content(stage.SectionAIMLSecurity)
		a.ComplianceRequirements = result.Draft.Content(stage.SectionCompliance)
	}

	for _, rec := range result.Iterations {
		entry := IterationEntry{Index: rec.Index, Report: rec.Report}
		if rec.Report != nil {
			entry.Score = rec.Report.Aggregate
			entry.Passed = rec.Report.Passed
		}
		if rec.Draft != nil {
			for _, section := range stage.AllSections() {
				if r := rec.Draft.Sections[section]; r != nil && r.Degraded {
					entry.DegradedSections = append(entry.DegradedSections, string(section))
				}
			}
		}
		a.IterationLog = append(a.IterationLog, entry)
	}
	return a
}

// EncodeJSON writes the artifact as indented JSON.
func (a *Artifact) EncodeJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	return nil
}

// markdown section headings in presentation order.
var markdownSections = []struct {
	title   string
	content func(*Artifact) string
}{
	{"Original Requirements", func(a *Artifact) string { return a.OriginalRequirements }},
	{"Requirements Analysis", func(a *Artifact) string { return a.RequirementsAnalysis }},
	{"Security Controls", func(a *Artifact) string { return a.SecurityControls }},
	{"AI/ML Security", func(a *Artifact) string { return a.AIMLSecurity }},
	{"Compliance Requirements", func(a *Artifact) string { return a.ComplianceRequirements }},
	{"Validation Report", func(a *Artifact) string { return a.ValidationReport }},
}

// RenderMarkdown renders the human-readable summary.
func (a *Artifact) RenderMarkdown() string {
	var b strings.Builder
	b.WriteString("# Security Requirements Document\n\n")
	fmt.Fprintf(&b, "- Run: %s\n", a.Metadata.RunID)
	fmt.Fprintf(&b, "- Generated: %s\n", a.Metadata.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Validation score: %.2f (passed: %v)\n", a.Metadata.ValidationScore, a.Metadata.ValidationPassed)
	fmt.Fprintf(&b, "- Iterations: %d (%s)\n", a.Metadata.Iterations, a.Metadata.State)

	for _, s := range markdownSections {
		content := strings.TrimSpace(s.content(a))
		if content == "" {
			content = "(empty)"
		}
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", s.title, content)
	}
	return b.String()
}

// WriteMarkdown writes the markdown summary.
func (a *Artifact) WriteMarkdown(w io.Writer) error {
	if _, err := io.WriteString(w, a.RenderMarkdown()); err != nil {
		return fmt.Errorf("write markdown: %w", err)
	}
	return nil
}
