// Package stage implements the four transformation stages that produce the
// named sections of a draft security-requirements artifact.
//
// Stages are pure with respect to their declared inputs and mutually
// independent within an iteration: no stage reads another stage's output from
// the same iteration, only from the prior one. The orchestration controller
// may therefore run them concurrently.
package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/secreq/internal/knowledge"
)

// Section names one stage's output in the draft artifact.
type Section string

const (
	SectionRequirementsAnalysis Section = "requirements_analysis"
	SectionSecurityControls     Section = "security_controls"
	SectionAIMLSecurity         Section = "ai_ml_security"
	SectionCompliance           Section = "compliance_requirements"
)

// AllSections returns the sections in presentation order.
func AllSections() []Section {
	return []Section{
		SectionRequirementsAnalysis,
		SectionSecurityControls,
		SectionAIMLSecurity,
		SectionCompliance,
	}
}

// SectionResult is the output of one stage execution. It is immutable once
// produced; a refinement iteration replaces the entry wholesale.
type SectionResult struct {
	Section Section `json:"section"`

	// Content is the generated section text.
	Content string `json:"content"`

	// Excerpts are the knowledge-store excerpts the stage relied on,
	// retained for traceability.
	Excerpts []knowledge.Excerpt `json:"excerpts,omitempty"`

	// Degraded is set when the stage proceeded without standards lookup.
	Degraded bool `json:"degraded,omitempty"`

	// Note explains a degradation.
	Note string `json:"note,omitempty"`
}

// Input is the read-only view a stage receives.
type Input struct {
	// RequirementsText is the original, immutable requirements document.
	RequirementsText string

	// Prior holds section contents from the previous iteration's draft.
	// Empty on iteration 0.
	Prior map[Section]string

	// Feedback is validation feedback for this stage's section, attached
	// on refinement iterations only.
	Feedback string
}

// Stage produces one named section of the draft artifact.
type Stage interface {
	Section() Section
	Run(ctx context.Context, in Input) (*SectionResult, error)
}

// formatExcerpts renders retrieved excerpts as a prompt payload block.
func formatExcerpts(excerpts []knowledge.Excerpt) string {
	if len(excerpts) == 0 {
		return "(no relevant control excerpts available)"
	}
	var b strings.Builder
	for _, e := range excerpts {
		fmt.Fprintf(&b, "- [%s] %s — %s (%s, category: %s)\n",
			e.Standard, e.ControlID, e.Title, e.Description, e.Category)
	}
	return b.String()
}

// truncate caps text used as a retrieval query.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
