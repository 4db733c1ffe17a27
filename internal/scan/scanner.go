// Package scan implements the multi-category static security scanner.
// The scanner is pure and deterministic: the same (content, version,
// tier config) always yields byte-identical findings and the same score.
package scan

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"skillsmith/internal/logging"
	"skillsmith/internal/types"
)

// Version identifies the rule set. Bump whenever rules or weights change
// so stored scan results can be invalidated.
const Version = "1.4.0"

// ErrContentTooLarge is returned when content exceeds the tier's size cap.
type ErrContentTooLarge struct {
	Size int64
	Max  int64
	Tier types.TrustTier
}

func (e *ErrContentTooLarge) Error() string {
	return fmt.Sprintf("content size %d exceeds %d byte cap for tier %s", e.Size, e.Max, e.Tier)
}

// Config tunes the scanner.
type Config struct {
	// EnabledCategories restricts scanning to a subset. Empty = all nine.
	EnabledCategories []string
	// URLAllowlist replaces DefaultURLAllowlist when non-empty.
	URLAllowlist []string
}

// Scanner evaluates skill bodies against the rule tables.
type Scanner struct {
	enabled   map[string]bool
	allowlist map[string]bool
}

// New builds a scanner from config.
func New(cfg Config) *Scanner {
	s := &Scanner{
		enabled:   make(map[string]bool),
		allowlist: make(map[string]bool),
	}

	cats := cfg.EnabledCategories
	if len(cats) == 0 {
		cats = AllCategories()
	}
	for _, c := range cats {
		s.enabled[c] = true
	}

	hosts := cfg.URLAllowlist
	if len(hosts) == 0 {
		hosts = DefaultURLAllowlist
	}
	for _, h := range hosts {
		s.allowlist[strings.ToLower(h)] = true
	}

	return s
}

// CheckSize rejects content above the tier's byte cap. Content at exactly
// the cap is accepted.
func CheckSize(size int64, tier types.TrustTier) error {
	max := tier.Config().MaxContentBytes
	if size > max {
		return &ErrContentTooLarge{Size: size, Max: max, Tier: tier}
	}
	return nil
}

// lineInfo maps byte ranges to documentation context.
type lineInfo struct {
	start, end int
	doc        bool // inside a fenced code block or a Markdown table row
}

// Scan runs both passes over content and scores the findings against the
// tier's threshold.
func (s *Scanner) Scan(content string, tier types.TrustTier) *types.ScanResult {
	timer := logging.StartTimer(logging.CategoryScan, "scan.Scan")
	defer timer.Stop()

	lines := indexLines(content)

	var findings []types.Finding

	// Pass 1: whole-document patterns.
	for _, r := range docRules {
		if !s.enabled[r.category] {
			continue
		}
		for _, loc := range r.pattern.FindAllStringIndex(content, -1) {
			findings = append(findings, makeFinding(r, content, loc[0], loc[1], false))
		}
	}

	// Pass 2: line-by-line with documentation-context awareness.
	for _, li := range lines {
		line := content[li.start:li.end]
		for _, r := range lineRules {
			if !s.enabled[r.category] {
				continue
			}
			for _, loc := range r.pattern.FindAllStringIndex(line, -1) {
				findings = append(findings, makeFinding(r, content, li.start+loc[0], li.start+loc[1], li.doc))
			}
		}
	}

	// URL allowlist check.
	if s.enabled[CategoryURL] {
		findings = append(findings, s.scanURLs(content, lines)...)
	}

	// Deterministic ordering: by offset, then category, then length.
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].MatchedOffset != findings[j].MatchedOffset {
			return findings[i].MatchedOffset < findings[j].MatchedOffset
		}
		if findings[i].Category != findings[j].Category {
			return findings[i].Category < findings[j].Category
		}
		return findings[i].MatchedLength < findings[j].MatchedLength
	})

	score := 0.0
	for _, f := range findings {
		score += f.Severity.BasePoints() * CategoryWeight(f.Category) * f.Confidence.Multiplier()
	}

	result := &types.ScanResult{
		ContentHash:    types.ContentHash([]byte(content)),
		RiskScore:      score,
		Findings:       findings,
		Recommendation: recommend(findings, score, tier),
		ScannerVersion: Version,
		Timestamp:      time.Now().UTC(),
	}

	logging.ScanDebug("scanned %d bytes: %d findings, risk %.1f, %s",
		len(content), len(findings), score, result.Recommendation)
	return result
}

// recommend routes a scored skill.
func recommend(findings []types.Finding, score float64, tier types.TrustTier) types.Recommendation {
	hasCritical := false
	hasHighOrMedium := false
	for _, f := range findings {
		switch f.Severity {
		case types.SeverityCritical:
			hasCritical = true
		case types.SeverityHigh, types.SeverityMedium:
			hasHighOrMedium = true
		}
	}

	if hasCritical {
		return types.RecommendQuarantine
	}
	if tier.HasThreshold() && score >= tier.Config().RiskThreshold {
		return types.RecommendQuarantine
	}
	if hasHighOrMedium {
		return types.RecommendReview
	}
	return types.RecommendSafe
}

// scanURLs flags every URL whose host is outside the allowlist.
func (s *Scanner) scanURLs(content string, lines []lineInfo) []types.Finding {
	var findings []types.Finding
	for _, loc := range urlPattern.FindAllStringSubmatchIndex(content, -1) {
		host := strings.ToLower(content[loc[2]:loc[3]])
		if i := strings.IndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		if s.hostAllowed(host) {
			continue
		}
		r := rule{
			category:   CategoryURL,
			severity:   types.SeverityLow,
			confidence: types.ConfidenceHigh,
		}
		findings = append(findings, makeFinding(r, content, loc[0], loc[1], inDocContext(lines, loc[0])))
	}
	return findings
}

// hostAllowed matches exact hosts and subdomains of allowlisted hosts.
func (s *Scanner) hostAllowed(host string) bool {
	if s.allowlist[host] {
		return true
	}
	for allowed := range s.allowlist {
		if strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// makeFinding builds a finding, stepping down confidence for matches in
// documentation contexts.
func makeFinding(r rule, content string, start, end int, docContext bool) types.Finding {
	conf := r.confidence
	if docContext {
		conf = conf.StepDown()
	}
	return types.Finding{
		Category:      r.category,
		Severity:      r.severity,
		Confidence:    conf,
		MatchedOffset: start,
		MatchedLength: end - start,
		Excerpt:       excerpt(content[start:end]),
	}
}

// excerpt returns a single-line preview capped at 80 characters.
func excerpt(match string) string {
	match = strings.ReplaceAll(match, "\n", " ")
	match = strings.ReplaceAll(match, "\r", "")
	if len(match) > 80 {
		return match[:80]
	}
	return match
}

// indexLines splits content into lines with byte offsets and marks
// documentation context (fenced code blocks and table rows).
func indexLines(content string) []lineInfo {
	var lines []lineInfo
	inFence := false
	start := 0

	for start <= len(content) {
		end := strings.IndexByte(content[start:], '\n')
		var lineEnd int
		if end < 0 {
			lineEnd = len(content)
		} else {
			lineEnd = start + end
		}

		line := content[start:lineEnd]
		trimmed := strings.TrimSpace(line)

		isFenceDelim := strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
		isTable := strings.HasPrefix(trimmed, "|") && strings.Count(trimmed, "|") >= 2

		doc := inFence || isTable
		if isFenceDelim {
			// Delimiter lines themselves count as documentation context
			doc = true
			inFence = !inFence
		}

		lines = append(lines, lineInfo{start: start, end: lineEnd, doc: doc})

		if end < 0 {
			break
		}
		start = lineEnd + 1
	}

	return lines
}

// inDocContext reports whether offset falls on a documentation-context line.
func inDocContext(lines []lineInfo, offset int) bool {
	lo, hi := 0, len(lines)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if offset < lines[mid].start {
			hi = mid - 1
		} else if offset > lines[mid].end {
			lo = mid + 1
		} else {
			return lines[mid].doc
		}
	}
	return false
}
