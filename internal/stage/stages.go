package stage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/secreq/internal/agent"
	"github.com/fyrsmithlabs/secreq/internal/knowledge"
)

// maxQueryLength caps requirement text used as a similarity query.
const maxQueryLength = 1000

// retrievalSpec describes one knowledge-store lookup a stage performs.
type retrievalSpec struct {
	standard string
	query    string

	// useAnalysis queries with the prior requirements analysis (falling
	// back to the raw requirements) instead of a fixed query.
	useAnalysis bool
}

// llmStage is a stage backed by one agent invocation, optionally preceded by
// knowledge-store lookups whose excerpts are attached to the prompt.
type llmStage struct {
	section    Section
	role       agent.Role
	task       string
	retrievals []retrievalSpec

	invoker   agent.Invoker
	retriever knowledge.Retriever
	topK      int
	logger    *zap.Logger
}

// Deps bundles the ports shared by all stages.
type Deps struct {
	Invoker   agent.Invoker
	Retriever knowledge.Retriever

	// TopK is the number of excerpts per retrieval. Defaults to 4.
	TopK   int
	Logger *zap.Logger
}

func (d *Deps) defaults() {
	if d.TopK <= 0 {
		d.TopK = 4
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
}

// NewRequirementsAnalysis analyzes the raw requirements. It performs no
// standards lookup: it feeds the downstream mapping stages.
func NewRequirementsAnalysis(deps Deps) Stage {
	deps.defaults()
	return &llmStage{
		section: SectionRequirementsAnalysis,
		role:    agent.RoleRequirementsAnalyst,
		task: "Analyze the product requirements below. Identify the security-relevant " +
			"functionality, the data handled and its sensitivity, the actors and trust " +
			"boundaries, and the primary risk areas. Produce a structured analysis that " +
			"security experts can map to concrete controls.",
		invoker:   deps.Invoker,
		retriever: deps.Retriever,
		topK:      deps.TopK,
		logger:    deps.Logger.Named("stage.requirements_analysis"),
	}
}

// NewSecurityControls maps the analysis to concrete controls across all
// ingested standards.
func NewSecurityControls(deps Deps) Stage {
	deps.defaults()
	return &llmStage{
		section: SectionSecurityControls,
		role:    agent.RoleDomainSecurityExpert,
		task: "Map the analyzed requirements to concrete security controls. Cite exact " +
			"control identifiers from the excerpts where applicable, and tailor each " +
			"control to this system. Cover authentication, authorization, data " +
			"protection, input validation, and logging as applicable.",
		retrievals: []retrievalSpec{
			{standard: "", useAnalysis: true},
			{standard: knowledge.StandardOWASPASVS, query: "authentication session management access control"},
		},
		invoker:   deps.Invoker,
		retriever: deps.Retriever,
		topK:      deps.TopK,
		logger:    deps.Logger.Named("stage.security_controls"),
	}
}

// NewAIMLSecurity identifies AI/ML-specific security requirements.
func NewAIMLSecurity(deps Deps) Stage {
	deps.defaults()
	return &llmStage{
		section: SectionAIMLSecurity,
		role:    agent.RoleAISecurityExpert,
		task: "Identify AI/ML-specific security requirements for this system: prompt " +
			"injection, model abuse, training data poisoning, output handling, and " +
			"model access control. If the system embeds no AI/ML components, state " +
			"that explicitly and list the requirements that would apply if one were added.",
		retrievals: []retrievalSpec{
			{standard: knowledge.StandardOWASPASVS, query: "input validation output encoding injection"},
		},
		invoker:   deps.Invoker,
		retriever: deps.Retriever,
		topK:      deps.TopK,
		logger:    deps.Logger.Named("stage.ai_ml_security"),
	}
}

// NewCompliance assesses regulatory and compliance obligations.
func NewCompliance(deps Deps) Stage {
	deps.defaults()
	return &llmStage{
		section: SectionCompliance,
		role:    agent.RoleComplianceOfficer,
		task: "Assess which regulatory and compliance obligations apply to this system " +
			"(data protection, audit, certification) and derive the concrete " +
			"requirements they impose. Distinguish hard obligations from recommendations.",
		retrievals: []retrievalSpec{
			{standard: knowledge.StandardISO27001, useAnalysis: true},
			{standard: knowledge.StandardNIST80053, query: "audit accountability privacy"},
		},
		invoker:   deps.Invoker,
		retriever: deps.Retriever,
		topK:      deps.TopK,
		logger:    deps.Logger.Named("stage.compliance"),
	}
}

// All constructs the four stages in execution order.
func All(deps Deps) []Stage {
	return []Stage{
		NewRequirementsAnalysis(deps),
		NewSecurityControls(deps),
		NewAIMLSecurity(deps),
		NewCompliance(deps),
	}
}

func (s *llmStage) Section() Section {
	return s.section
}

// Run retrieves supporting excerpts, invokes the agent, and returns the
// section result. Retrieval failure is non-fatal: the stage proceeds with an
// empty excerpt set and annotates the result. Invocation failure is returned
// to the caller, which owns the degradation policy.
func (s *llmStage) Run(ctx context.Context, in Input) (*SectionResult, error) {
	excerpts, degraded := s.retrieve(ctx, in)

	payload := map[string]string{
		"requirements_text": in.RequirementsText,
	}
	if analysis, ok := in.Prior[SectionRequirementsAnalysis]; ok && s.section != SectionRequirementsAnalysis {
		payload["analyzed_requirements"] = analysis
	}
	if len(s.retrievals) > 0 {
		payload["control_excerpts"] = formatExcerpts(excerpts)
	}

	content, err := s.invoker.Invoke(ctx, agent.Request{
		Role:     s.role,
		Task:     s.task,
		Payload:  payload,
		Feedback: in.Feedback,
	})
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", s.section, err)
	}

	result := &SectionResult{
		Section:  s.section,
		Content:  content,
		Excerpts: excerpts,
	}
	if degraded {
		result.Degraded = true
		result.Note = "standards lookup degraded"
	}
	return result, nil
}

// retrieve runs the stage's lookups, collecting excerpts. Any lookup failing
// with knowledge.ErrUnavailable degrades that lookup rather than the stage.
func (s *llmStage) retrieve(ctx context.Context, in Input) ([]knowledge.Excerpt, bool) {
	if len(s.retrievals) == 0 || s.retriever == nil {
		return nil, false
	}

	var excerpts []knowledge.Excerpt
	degraded := false
	for _, spec := range s.retrievals {
		query := spec.query
		if spec.useAnalysis {
			query = in.Prior[SectionRequirementsAnalysis]
			if query == "" {
				query = in.RequirementsText
			}
			query = truncate(query, maxQueryLength)
		}
		if query == "" {
			continue
		}

		found, err := s.retriever.Retrieve(ctx, spec.standard, query, s.topK)
		if err != nil {
			if errors.Is(err, knowledge.ErrUnavailable) {
				s.logger.Warn("standards lookup degraded",
					zap.String("standard", spec.standard),
					zap.Error(err),
				)
				degraded = true
				continue
			}
			s.logger.Warn("standards lookup failed",
				zap.String("standard", spec.standard),
				zap.Error(err),
			)
			degraded = true
			continue
		}
		excerpts = append(excerpts, found...)
	}
	return excerpts, degraded
}
