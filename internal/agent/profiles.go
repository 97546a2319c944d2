package agent

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Profile is an agent persona. Its contents are rendered into the prompt
// verbatim and never interpreted by the orchestration layer.
type Profile struct {
	Role      string `koanf:"role"`
	Goal      string `koanf:"goal"`
	Backstory string `koanf:"backstory"`
}

// defaultProfiles mirror the persona definitions the agents ship with.
var defaultProfiles = map[Role]Profile{
	RoleRequirementsAnalyst: {
		Role:      "Senior Requirements Analyst",
		Goal:      "Analyze product requirements and extract the security-relevant functionality, data flows, assets, and trust boundaries.",
		Backstory: "You are an experienced requirements analyst specializing in translating product manager language into precise, security-relevant statements. You identify what the system does, what data it handles, and where the risks concentrate.",
	},
	RoleDomainSecurityExpert: {
		Role:      "Domain Security Expert",
		Goal:      "Map analyzed requirements to concrete controls from OWASP ASVS, NIST SP 800-53, and ISO 27001.",
		Backstory: "You are a security architect with deep knowledge of industry security standards. You cite exact control identifiers and tailor each control to the system at hand instead of listing boilerplate.",
	},
	RoleAISecurityExpert: {
		Role:      "AI/ML Security Expert",
		Goal:      "Identify AI- and ML-specific security requirements: prompt injection, model abuse, data poisoning, and output handling.",
		Backstory: "You specialize in the security of systems that embed LLMs and other models. You know the OWASP guidance for LLM applications and how classic controls change when a model sits in the loop.",
	},
	RoleComplianceOfficer: {
		Role:      "Compliance Officer",
		Goal:      "Assess which regulatory and compliance obligations apply and derive the requirements they impose.",
		Backstory: "You are a compliance specialist covering GDPR, SOC 2, and ISO 27001 certification requirements. You separate hard legal obligations from best-practice recommendations.",
	},
	RoleValidator: {
		Role:      "Security Requirements Validator",
		Goal:      "Score a draft security-requirements document against a quality rubric, honestly and critically.",
		Backstory: "You are a principal security reviewer. You score strictly, point at the specific deficient section, and phrase feedback so the responsible author can act on it.",
	},
}

// DefaultProfiles returns a copy of the built-in persona profiles.
func DefaultProfiles() map[Role]Profile {
	out := make(map[Role]Profile, len(defaultProfiles))
	for k, v := range defaultProfiles {
		out[k] = v
	}
	return out
}

// LoadProfiles returns the built-in profiles, overridden by entries from the
// given YAML file when path is non-empty. The file maps role identifiers to
// role/goal/backstory blobs, which are passed through untouched.
func LoadProfiles(path string) (map[Role]Profile, error) {
	profiles := DefaultProfiles()
	if path == "" {
		return profiles, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roles file: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parsing roles file %s: %w", path, err)
	}

	var overrides map[string]Profile
	if err := k.Unmarshal("", &overrides); err != nil {
		return nil, fmt.Errorf("unmarshaling roles file %s: %w", path, err)
	}

	for name, p := range overrides {
		profiles[Role(name)] = p
	}
	return profiles, nil
}
