package scan

import (
	"regexp"

	"skillsmith/internal/types"
)

// Scanner categories. All nine are enabled by default; the set is
// configurable through Config.EnabledCategories.
const (
	CategoryJailbreak     = "jailbreak"
	CategoryAIDefence     = "ai_defence"
	CategoryPrivEsc       = "privilege_escalation"
	CategoryPromptLeak    = "prompt_leak"
	CategoryExfiltration  = "data_exfiltration"
	CategorySocialEng     = "social_engineering"
	CategorySuspiciousCode = "suspicious_code"
	CategorySensitiveFile = "sensitive_file"
	CategoryURL           = "url_allowlist"
)

// categoryWeights are multiplicative on the per-finding severity base.
var categoryWeights = map[string]float64{
	CategoryJailbreak:      2.0,
	CategoryAIDefence:      1.9,
	CategoryPrivEsc:        1.9,
	CategoryPromptLeak:     1.8,
	CategoryExfiltration:   1.7,
	CategorySocialEng:      1.5,
	CategorySuspiciousCode: 1.3,
	CategorySensitiveFile:  1.2,
	CategoryURL:            0.8,
}

// CategoryWeight returns the multiplicative weight for a category.
func CategoryWeight(category string) float64 {
	if w, ok := categoryWeights[category]; ok {
		return w
	}
	return 1.0
}

// AllCategories lists every scanner category.
func AllCategories() []string {
	return []string{
		CategoryJailbreak, CategoryAIDefence, CategoryPrivEsc, CategoryPromptLeak,
		CategoryExfiltration, CategorySocialEng, CategorySuspiciousCode,
		CategorySensitiveFile, CategoryURL,
	}
}

// rule is one pattern in the detection table.
type rule struct {
	id         string
	category   string
	severity   types.Severity
	confidence types.Confidence
	pattern    *regexp.Regexp
	multiLine  bool // matched in the whole-document pass instead of per line
}

// lineRules are matched per line with documentation-context awareness.
var lineRules = []rule{
	// --- Jailbreak ---
	{
		id:         "jb-ignore-instructions",
		category:   CategoryJailbreak,
		severity:   types.SeverityCritical,
		confidence: types.ConfidenceHigh,
		pattern:    regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules|directives)`),
	},
	{
		id:         "jb-developer-mode",
		category:   CategoryJailbreak,
		severity:   types.SeverityHigh,
		confidence: types.ConfidenceHigh,
		pattern:    regexp.MustCompile(`(?i)(enable|enter|activate|switch\s+to)\s+developer\s+mode`),
	},
	{
		id:         "jb-bypass-safety",
		category:   CategoryJailbreak,
		severity:   types.SeverityCritical,
		confidence: types.ConfidenceHigh,
		pattern:    regexp.MustCompile(`(?i)(bypass|disable|turn\s+off|circumvent)\s+(safety|guardrails?|content\s+polic(y|ies)|filters?)`),
	},
	{
		id:         "jb-dan",
		category:   CategoryJailbreak,
		severity:   types.SeverityHigh,
		confidence: types.ConfidenceMedium,
		pattern:    regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b|\bDAN\s+mode\b`),
	},

	// --- AI defence / role injection ---
	{
		id:         "ai-role-prefix",
		category:   CategoryAIDefence,
		severity:   types.SeverityCritical,
		confidence: types.ConfidenceHigh,
		pattern:    regexp.MustCompile(`(?i)^\s*(system|assistant|tool)\s*:`),
	},
	{
		id:         "ai-hidden-brackets",
		category:   CategoryAIDefence,
		severity:   types.SeverityHigh,
		confidence: types.ConfidenceMedium,
		pattern:    regexp.MustCompile(`\[\[\s*(system|instruction|hidden|override)[^\]]*\]\]`),
	},
	{
		id:         "ai-zero-width",
		category:   CategoryAIDefence,
		severity:   types.SeverityHigh,
		confidence: types.ConfidenceHigh,
		pattern:    regexp.MustCompile("[\u200b\u200c\u200d\u2060\ufeff]"),
	},
	{
		id:         "ai-base64-invoke",
		category:   CategoryAIDefence,
		severity:   types.SeverityMedium,
		confidence: types.ConfidenceMedium,
		pattern:    regexp.MustCompile(`(?i)(base64\s+(-d|--decode)|atob\s*\(|b64decode\s*\()`),
	},

	// --- Privilege escalation ---
	{
		id:         "pe-sudo-stdin",
		category:   CategoryPrivEsc,
		severity:   types.SeverityCritical,
		confidence: types.ConfidenceHigh,
		pattern:    regexp.MustCompile(`sudo\s+-S\b`),
	},
	{
		id:         "pe-chmod-world",
		category:   CategoryPrivEsc,
		severity:   types.SeverityHigh,
		confidence: types.ConfidenceHigh,
		pattern:    regexp.MustCompile(`chmod\s+(-R\s+)?(777|a\+rwx)\b`),
	},
	{
		id:         "pe-setuid",
		category:   CategoryPrivEsc,
		severity:   types.SeverityHigh,
		confidence: types.ConfidenceMedium,
		pattern:    regexp.MustCompile(`(?i)(chmod\s+[0-7]*[4-7][0-7]{3}\b|\bsetuid\b|\bu\+s\b)`),
	},
	{
		id:         "pe-sudoers",
		category:   CategoryPrivEsc,
		severity:   types.SeverityCritical,
		confidence: types.ConfidenceHigh,
		pattern:    regexp.MustCompile(`/etc/sudoers|visudo|NOPASSWD\s*:`),
	},
	{
		id:         "pe-chown-root",
		category:   CategoryPrivEsc,
		severity:   types.SeverityHigh,
		confidence: types.ConfidenceMedium,
		pattern:    regexp.MustCompile(`chown\s+(-R\s+)?root\b`),
	},

	// --- Prompt leaking ---
	{
		id:         "pl-reveal-prompt",
		category:   CategoryPromptLeak,
		severity:   types.SeverityHigh,
		confidence: types.ConfidenceHigh,
		pattern:    regexp.MustCompile(`(?i)(reveal|show|print|output|repeat)\s+(me\s+)?(your|the)\s+(system\s+)?(prompt|instructions)`),
	},
	{
		id:         "pl-verbatim",
		category:   CategoryPromptLeak,
		severity:   types.SeverityMedium,
		confidence: types.ConfidenceMedium,
		pattern:    regexp.MustCompile(`(?i)(everything|all\s+text)\s+(above|before)\s+(this|verbatim)`),
	},

	// --- Data exfiltration ---
	{
		id:         "ex-pipe-base64",
		category:   CategoryExfiltration,
		severity:   types.SeverityHigh,
		confidence: types.ConfidenceMedium,
		pattern:    regexp.MustCompile(`\|\s*base64\b`),
	},
	{
		id:         "ex-curl-data",
		category:   CategoryExfiltration,
		severity:   types.SeverityHigh,
		confidence: types.ConfidenceHigh,
		pattern:    regexp.MustCompile(`curl\s+[^\n]*(-d|--data|--data-binary|--upload-file)\b`),
	},
	{
		id:         "ex-websocket",
		category:   CategoryExfiltration,
		severity:   types.SeverityMedium,
		confidence: types.ConfidenceMedium,
		pattern:    regexp.MustCompile(`(?i)(new\s+WebSocket\s*\(|wss?://)`),
	},
	{
		id:         "ex-query-param",
		category:   CategoryExfiltration,
		severity:   types.SeverityMedium,
		confidence: types.ConfidenceLow,
		pattern:    regexp.MustCompile(`[?&](data|token|secret|key|creds?)=[^&\s]*\$`),
	},

	// --- Social engineering ---
	{
		id:         "se-pretend",
		category:   CategorySocialEng,
		severity:   types.SeverityMedium,
		confidence: types.ConfidenceMedium,
		pattern:    regexp.MustCompile(`(?i)\bpretend\s+(to\s+be|you\s+are)\b`),
	},
	{
		id:         "se-roleplay",
		category:   CategorySocialEng,
		severity:   types.SeverityMedium,
		confidence: types.ConfidenceMedium,
		pattern:    regexp.MustCompile(`(?i)\broleplay\s+as\b`),
	},
	{
		id:         "se-act-as-if",
		category:   CategorySocialEng,
		severity:   types.SeverityLow,
		confidence: types.ConfidenceMedium,
		pattern:    regexp.MustCompile(`(?i)\bact\s+as\s+(if|though)\b`),
	},

	// --- Suspicious code ---
	{
		id:         "sc-eval",
		category:   CategorySuspiciousCode,
		severity:   types.SeverityMedium,
		confidence: types.ConfidenceMedium,
		pattern:    regexp.MustCompile(`\beval\s*\(`),
	},
	{
		id:         "sc-rm-rf",
		category:   CategorySuspiciousCode,
		severity:   types.SeverityHigh,
		confidence: types.ConfidenceHigh,
		pattern:    regexp.MustCompile(`rm\s+-[a-z]*r[a-z]*f|rm\s+-[a-z]*f[a-z]*r`),
	},
	{
		id:         "sc-pipe-shell",
		category:   CategorySuspiciousCode,
		severity:   types.SeverityCritical,
		confidence: types.ConfidenceHigh,
		pattern:    regexp.MustCompile(`(curl|wget)\s+[^\n|]*\|\s*(ba|z|fi)?sh\b`),
	},
	{
		id:         "sc-spawn",
		category:   CategorySuspiciousCode,
		severity:   types.SeverityMedium,
		confidence: types.ConfidenceLow,
		pattern:    regexp.MustCompile(`(child_process|subprocess\.(Popen|call|run)|os\.system)\s*\(?`),
	},

	// --- Sensitive file reference ---
	{
		id:         "sf-env",
		category:   CategorySensitiveFile,
		severity:   types.SeverityMedium,
		confidence: types.ConfidenceMedium,
		pattern:    regexp.MustCompile(`(^|[\s"'` + "`" + `(/])\.env\b`),
	},
	{
		id:         "sf-keys",
		category:   CategorySensitiveFile,
		severity:   types.SeverityHigh,
		confidence: types.ConfidenceMedium,
		pattern:    regexp.MustCompile(`(\.pem\b|\.key\b|id_rsa|id_ed25519)`),
	},
	{
		id:         "sf-dotdirs",
		category:   CategorySensitiveFile,
		severity:   types.SeverityMedium,
		confidence: types.ConfidenceMedium,
		pattern:    regexp.MustCompile(`(~/)?\.(ssh|aws|gnupg|kube)/`),
	},
	{
		id:         "sf-credentials",
		category:   CategorySensitiveFile,
		severity:   types.SeverityMedium,
		confidence: types.ConfidenceLow,
		pattern:    regexp.MustCompile(`(?i)(credentials?|passwords?)\s*(file|\.txt|\.json|\.yaml)`),
	},
}

// docRules are matched in the whole-document pass for patterns that span
// lines or exploit delimiters.
var docRules = []rule{
	{
		id:         "ai-html-comment-override",
		category:   CategoryAIDefence,
		severity:   types.SeverityHigh,
		confidence: types.ConfidenceHigh,
		pattern:    regexp.MustCompile(`(?is)<!--[^>]*(ignore|override|system\s*:|instruction)[^>]*-->`),
		multiLine:  true,
	},
	{
		id:         "ai-crlf-injection",
		category:   CategoryAIDefence,
		severity:   types.SeverityMedium,
		confidence: types.ConfidenceMedium,
		pattern:    regexp.MustCompile(`\\r\\n\\r\\n|%0d%0a`),
		multiLine:  true,
	},
}

// urlPattern extracts candidate URLs for the allowlist check.
var urlPattern = regexp.MustCompile(`https?://([a-zA-Z0-9.-]+)[^\s)\]>"'` + "`" + `]*`)

// DefaultURLAllowlist contains hosts that never raise an allowlist finding.
var DefaultURLAllowlist = []string{
	"github.com",
	"raw.githubusercontent.com",
	"docs.github.com",
	"anthropic.com",
	"docs.anthropic.com",
	"golang.org",
	"pkg.go.dev",
	"example.com",
}
