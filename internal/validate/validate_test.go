package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = `---
name: commit-helper
description: Writes conventional commit messages from staged diffs.
tags: [git, commits]
triggers:
  - write a commit message
  - summarize my changes
compatibility:
  ides: [vscode]
---
# Commit Helper

Reads the staged diff and proposes a conventional commit message.
Use when the diff is already staged.
`

func TestValidateAcceptsWellFormedSkill(t *testing.T) {
	vs, err := Validate([]byte(validDoc), Options{})
	require.NoError(t, err)

	assert.Equal(t, "commit-helper", vs.Frontmatter.Name)
	assert.Equal(t, []string{"git", "commits"}, vs.Frontmatter.Tags)
	assert.Len(t, vs.Frontmatter.Triggers, 2)
	assert.Equal(t, []string{"vscode"}, vs.Frontmatter.Compatibility.IDEs)
	assert.True(t, strings.HasPrefix(vs.Body, "# Commit Helper"))
	assert.NotContains(t, vs.Body, "---")
	assert.NotEmpty(t, vs.ContentHash)
}

func TestValidateRejectsEmpty(t *testing.T) {
	_, err := Validate([]byte("   \n\t  "), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestValidateRejectsTooShort(t *testing.T) {
	_, err := Validate([]byte("# Hi\nshort"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below minimum")

	// Configurable minimum
	_, err = Validate([]byte("# Hi\nshort but ok now"), Options{MinContentLength: 10})
	assert.NoError(t, err)
}

func TestValidateRequiresHeading(t *testing.T) {
	doc := strings.Repeat("plain text without any heading. ", 10)
	_, err := Validate([]byte(doc), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heading")
}

func TestValidateFrontmatterNameRequired(t *testing.T) {
	doc := `---
description: A description that is long enough to pass checks.
---
# Title

` + strings.Repeat("body text ", 20)
	_, err := Validate([]byte(doc), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is missing")
}

func TestValidateShortDescriptionRejected(t *testing.T) {
	doc := `---
name: thing
description: too short
---
# Title

` + strings.Repeat("body text ", 20)
	_, err := Validate([]byte(doc), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "description length")
}

func TestValidateAutoRepair(t *testing.T) {
	doc := `---
name: deploy-checker
---
# Deploy Checker

` + strings.Repeat("checks deployments before rollout ", 5)

	vs, err := Validate([]byte(doc), Options{RepoOwner: "octocat"})
	require.NoError(t, err)

	assert.Equal(t, "octocat", vs.Frontmatter.Author)
	assert.Equal(t, "deploy-checker", vs.Frontmatter.Description)
	assert.Len(t, vs.Repaired, 2)
}

func TestValidateStrictMode(t *testing.T) {
	// No frontmatter at all
	doc := "# Title\n\n" + strings.Repeat("body text ", 20)
	_, err := Validate([]byte(doc), Options{Strict: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict mode requires frontmatter")

	// Frontmatter present but fallback fields missing
	doc2 := `---
name: thing
---
# Title

` + strings.Repeat("body text ", 20)
	_, err = Validate([]byte(doc2), Options{Strict: true, RepoOwner: "octocat"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict mode requires author")
	assert.Contains(t, err.Error(), "strict mode requires description")
}

func TestValidateUnterminatedFrontmatter(t *testing.T) {
	doc := "---\nname: x\n# Title\n" + strings.Repeat("body ", 30)
	_, err := Validate([]byte(doc), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frontmatter")
}

func TestValidatePreservesUnknownFields(t *testing.T) {
	doc := `---
name: custom-skill
description: A description that is long enough to pass.
x_internal_tracking: abc-123
---
# Custom

` + strings.Repeat("body text ", 20)

	vs, err := Validate([]byte(doc), Options{})
	require.NoError(t, err)
	require.NotNil(t, vs.Frontmatter.Extra)
	assert.Equal(t, "abc-123", vs.Frontmatter.Extra["x_internal_tracking"])
}

func TestValidateStripsLeadingBOM(t *testing.T) {
	doc := "\uFEFF" + validDoc
	vs, err := Validate([]byte(doc), Options{})
	require.NoError(t, err)
	assert.Equal(t, "commit-helper", vs.Frontmatter.Name)

	// Hash is computed on the canonical body, so the BOM never changes it
	plain, err := Validate([]byte(validDoc), Options{})
	require.NoError(t, err)
	assert.Equal(t, plain.ContentHash, vs.ContentHash)
}

func TestValidateCRLFNormalized(t *testing.T) {
	doc := strings.ReplaceAll(validDoc, "\n", "\r\n")
	vs, err := Validate([]byte(doc), Options{})
	require.NoError(t, err)
	assert.Equal(t, "commit-helper", vs.Frontmatter.Name)
}

func TestValidateDeterministicHash(t *testing.T) {
	a, err := Validate([]byte(validDoc), Options{})
	require.NoError(t, err)
	b, err := Validate([]byte(validDoc), Options{})
	require.NoError(t, err)
	assert.Equal(t, a.ContentHash, b.ContentHash)
}
