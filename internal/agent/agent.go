// Package agent provides the invocation port to the reasoning service.
//
// Each specialized agent is addressed by a role identifier and invoked with a
// structured payload plus optional corrective feedback. The reasoning itself
// happens in a remote OpenAI-compatible LLM service; this package only carries
// the request across and maps failures into the orchestration error taxonomy.
//
// Invocations may block for seconds to tens of seconds. The client imposes no
// timeout of its own: the orchestration controller owns timeouts and retries,
// because the remote service is not trusted to bound its own latency.
package agent

import (
	"context"
	"errors"
)

// Role identifies a specialized reasoning agent.
type Role string

const (
	RoleRequirementsAnalyst  Role = "requirements_analyst"
	RoleDomainSecurityExpert Role = "domain_security_expert"
	RoleAISecurityExpert     Role = "ai_security_expert"
	RoleComplianceOfficer    Role = "compliance_officer"
	RoleValidator            Role = "validator"
)

// Sentinel errors for invocation failures. Both are non-fatal at the
// controller level: a failed stage degrades, a failed validation synthesizes
// a failing report.
var (
	// ErrInvocationFailed indicates a network or service error.
	ErrInvocationFailed = errors.New("agent invocation failed")

	// ErrInvocationTimeout indicates the caller's deadline expired before
	// the reasoning service answered.
	ErrInvocationTimeout = errors.New("agent invocation timed out")
)

// Request is one agent invocation.
type Request struct {
	// Role selects the agent persona.
	Role Role

	// Task is the instruction given to the agent.
	Task string

	// Payload carries named input documents (requirements text, prior
	// section outputs, retrieved control excerpts).
	Payload map[string]string

	// Feedback is optional corrective feedback from a prior validation,
	// attached on refinement iterations only.
	Feedback string
}

// Invoker sends a request to the reasoning service and returns its text
// result. Implementations must respect ctx cancellation and deadlines but
// must not impose their own timeout.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (string, error)
}
