// Package validate turns raw skill document bytes into a structured
// candidate, rejecting items that cannot be safely indexed. The canonical
// body produced here is exactly what the scanner and content hasher see.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"skillsmith/internal/logging"
	"skillsmith/internal/types"
)

// DefaultMinContentLength is the minimum trimmed document length.
const DefaultMinContentLength = 100

// Frontmatter holds the recognized YAML frontmatter keys. Unknown keys are
// preserved verbatim in Extra.
type Frontmatter struct {
	Name          string              `yaml:"name"`
	Description   string              `yaml:"description"`
	Author        string              `yaml:"author"`
	Tags          []string            `yaml:"tags"`
	Category      string              `yaml:"category"`
	Version       string              `yaml:"version"`
	Triggers      []string            `yaml:"triggers"`
	Examples      []string            `yaml:"examples"`
	Roles         []string            `yaml:"roles"`
	Compatibility types.Compatibility `yaml:"compatibility"`

	Extra map[string]interface{} `yaml:"-"`
}

// ValidatedSkill is the validator's accepted output.
type ValidatedSkill struct {
	Frontmatter Frontmatter
	Body        string // canonical body (frontmatter stripped)
	Raw         string // full trimmed document
	ContentHash string
	SizeBytes   int64
	Repaired    []string // auto-repair fallbacks that were applied
}

// Options control validation behavior.
type Options struct {
	// Strict makes frontmatter mandatory and disables auto-repair fallbacks.
	Strict bool
	// MinContentLength overrides the default minimum length when > 0.
	MinContentLength int
	// RepoOwner is the upstream repository owner, used to infer a missing author.
	RepoOwner string
}

// ValidationError carries the structured rejection reasons.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

var headingRe = regexp.MustCompile(`(?m)^# \S`)

// recognizedKeys are frontmatter keys mapped to struct fields; everything
// else lands in Extra.
var recognizedKeys = map[string]bool{
	"name": true, "description": true, "author": true, "tags": true,
	"category": true, "version": true, "triggers": true, "examples": true,
	"roles": true, "compatibility": true,
}

// Validate applies the structural rules in order. The first failure in the
// required set aborts; strict-mode failures accumulate.
func Validate(content []byte, opts Options) (*ValidatedSkill, error) {
	timer := logging.StartTimer(logging.CategoryValidate, "validate.Validate")
	defer timer.Stop()

	log := logging.Get(logging.CategoryValidate)

	minLen := opts.MinContentLength
	if minLen <= 0 {
		minLen = DefaultMinContentLength
	}

	// Rule 1: non-empty after trimming. Strip a UTF-8 BOM first.
	raw := strings.TrimPrefix(string(content), "\uFEFF")
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ValidationError{Reasons: []string{"content is empty"}}
	}

	// Rule 2: minimum length.
	if len(trimmed) < minLen {
		return nil, &ValidationError{Reasons: []string{
			fmt.Sprintf("content length %d below minimum %d", len(trimmed), minLen),
		}}
	}

	fm, body, hasFrontmatter, err := splitFrontmatter(trimmed)
	if err != nil {
		return nil, &ValidationError{Reasons: []string{fmt.Sprintf("invalid frontmatter: %v", err)}}
	}

	// Rule 3: at least one top-level Markdown heading in the body.
	if !headingRe.MatchString(body) {
		return nil, &ValidationError{Reasons: []string{"no top-level markdown heading"}}
	}

	var reasons []string
	var repaired []string

	// Rule 4: frontmatter field rules.
	if hasFrontmatter {
		if fm.Name == "" {
			reasons = append(reasons, "frontmatter present but name is missing")
		}
		if fm.Description != "" && len(fm.Description) < 20 {
			reasons = append(reasons, fmt.Sprintf("description length %d below minimum 20", len(fm.Description)))
		}
	} else if opts.Strict {
		reasons = append(reasons, "strict mode requires frontmatter")
	}

	// Rule 5: auto-repair fallbacks (disabled in strict mode).
	if !opts.Strict {
		if fm.Author == "" && opts.RepoOwner != "" {
			fm.Author = opts.RepoOwner
			repaired = append(repaired, "author inferred from repository owner")
		}
		if fm.Description == "" && fm.Name != "" {
			fm.Description = fm.Name
			repaired = append(repaired, "description defaulted to name")
		}
	} else {
		if fm.Author == "" {
			reasons = append(reasons, "strict mode requires author")
		}
		if fm.Description == "" {
			reasons = append(reasons, "strict mode requires description")
		}
	}

	if len(reasons) > 0 {
		log.Debug("rejected candidate: %s", strings.Join(reasons, "; "))
		return nil, &ValidationError{Reasons: reasons}
	}

	canonical := strings.TrimSpace(body)

	return &ValidatedSkill{
		Frontmatter: fm,
		Body:        canonical,
		Raw:         trimmed,
		ContentHash: types.ContentHash([]byte(canonical)),
		SizeBytes:   int64(len(trimmed)),
		Repaired:    repaired,
	}, nil
}

// splitFrontmatter separates leading YAML frontmatter (between --- fences)
// from the Markdown body. Returns hasFrontmatter=false when no opening fence
// is present; a dangling open fence is a structural error.
func splitFrontmatter(doc string) (Frontmatter, string, bool, error) {
	var fm Frontmatter

	normalized := strings.ReplaceAll(doc, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") && normalized != "---" {
		return fm, normalized, false, nil
	}

	rest := strings.TrimPrefix(normalized, "---\n")
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return fm, "", false, fmt.Errorf("unterminated frontmatter fence")
	}
	yamlBlock := rest[:idx]
	body := rest[idx+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")

	// Frontmatter must be a YAML mapping.
	var generic map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlBlock), &generic); err != nil {
		return fm, "", true, err
	}
	if err := yaml.Unmarshal([]byte(yamlBlock), &fm); err != nil {
		return fm, "", true, err
	}

	// Preserve unknown fields verbatim.
	for k, v := range generic {
		if !recognizedKeys[strings.ToLower(k)] {
			if fm.Extra == nil {
				fm.Extra = make(map[string]interface{})
			}
			fm.Extra[k] = v
		}
	}

	return fm, body, true, nil
}
