package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultProfilesCoverAllRoles(t *testing.T) {
	profiles := DefaultProfiles()
	for _, role := range []Role{
		RoleRequirementsAnalyst,
		RoleDomainSecurityExpert,
		RoleAISecurityExpert,
		RoleComplianceOfficer,
		RoleValidator,
	} {
		p, ok := profiles[role]
		require.True(t, ok, "missing profile for %s", role)
		assert.NotEmpty(t, p.Role)
		assert.NotEmpty(t, p.Goal)
		assert.NotEmpty(t, p.Backstory)
	}
}

func TestDefaultProfilesReturnsCopy(t *testing.T) {
	a := DefaultProfiles()
	a[RoleValidator] = Profile{Role: "mutated"}
	b := DefaultProfiles()
	assert.NotEqual(t, "mutated", b[RoleValidator].Role)
}

func TestLoadProfilesOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	content := `
validator:
  role: Chief Reviewer
  goal: Score drafts
  backstory: Twenty years of review experience.
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	profiles, err := LoadProfiles(path)
	require.NoError(t, err)

	assert.Equal(t, "Chief Reviewer", profiles[RoleValidator].Role)
	// untouched roles keep their defaults
	assert.Equal(t, defaultProfiles[RoleRequirementsAnalyst], profiles[RoleRequirementsAnalyst])
}

func TestLoadProfilesMissingFile(t *testing.T) {
	_, err := LoadProfiles(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadProfilesEmptyPath(t *testing.T) {
	profiles, err := LoadProfiles("")
	require.NoError(t, err)
	assert.Len(t, profiles, len(defaultProfiles))
}

func TestUserPromptStableOrder(t *testing.T) {
	req := Request{
		Task: "Analyze the requirements.",
		Payload: map[string]string{
			"requirements_text":     "the requirements",
			"analyzed_requirements": "the analysis",
		},
		Feedback: "be more specific",
	}

	first := userPrompt(req)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, userPrompt(req))
	}

	// sorted payload keys: analyzed_requirements before requirements_text
	assert.Less(t,
		strings.Index(first, "analyzed_requirements"),
		strings.Index(first, "requirements_text"),
	)
	assert.Contains(t, first, "PREVIOUS VALIDATION FEEDBACK:\nbe more specific")
}

func TestUserPromptNoFeedback(t *testing.T) {
	out := userPrompt(Request{Task: "Analyze."})
	assert.NotContains(t, out, "PREVIOUS VALIDATION FEEDBACK")
}

func TestMapInvokeError(t *testing.T) {
	assert.ErrorIs(t, mapInvokeError(context.DeadlineExceeded), ErrInvocationTimeout)
	assert.ErrorIs(t, mapInvokeError(assert.AnError), ErrInvocationFailed)
	assert.ErrorIs(t, mapInvokeError(context.Canceled), context.Canceled)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{Model: "gpt-4o-mini"}, nil, nil)
	require.Error(t, err)

	_, err = NewClient(ClientConfig{BaseURL: "https://api.openai.com/v1"}, nil, nil)
	require.Error(t, err)

	client, err := NewClient(ClientConfig{
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
		APIKey:  "sk-test",
	}, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, client)
}
