// Package types defines the core domain records shared across the
// skillsmith pipeline: skills, trust tiers, scan results, quarantine
// entries, queries and search results.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// TRUST TIERS
// =============================================================================

// TrustTier is the ordered classification of a skill's trustworthiness.
// Higher tiers tolerate a higher scan risk score before quarantine.
type TrustTier string

const (
	TierVerified     TrustTier = "verified"
	TierCurated      TrustTier = "curated"
	TierCommunity    TrustTier = "community"
	TierExperimental TrustTier = "experimental"
	TierUnknown      TrustTier = "unknown"
	TierLocal        TrustTier = "local"
)

// AllTiers lists tiers from most to least trusted.
var AllTiers = []TrustTier{
	TierVerified, TierCurated, TierCommunity, TierExperimental, TierUnknown, TierLocal,
}

// Valid reports whether t is a known tier.
func (t TrustTier) Valid() bool {
	switch t {
	case TierVerified, TierCurated, TierCommunity, TierExperimental, TierUnknown, TierLocal:
		return true
	}
	return false
}

// TierConfig is the scanner configuration carried by each trust tier.
type TierConfig struct {
	RiskThreshold   float64 // risk score at or above this quarantines
	MaxContentBytes int64   // content above this is rejected before scanning
}

// tierConfigs holds the default per-tier scanner configuration.
// TierLocal has no risk threshold: local skills are never auto-quarantined.
var tierConfigs = map[TrustTier]TierConfig{
	TierVerified:     {RiskThreshold: 70, MaxContentBytes: 2 << 20},
	TierCurated:      {RiskThreshold: 60, MaxContentBytes: 2 << 20},
	TierCommunity:    {RiskThreshold: 40, MaxContentBytes: 1 << 20},
	TierExperimental: {RiskThreshold: 25, MaxContentBytes: 500 << 10},
	TierUnknown:      {RiskThreshold: 20, MaxContentBytes: 250 << 10},
	TierLocal:        {RiskThreshold: 0, MaxContentBytes: 10 << 20}, // 0 = no threshold
}

// Config returns the scanner configuration for the tier.
func (t TrustTier) Config() TierConfig {
	if cfg, ok := tierConfigs[t]; ok {
		return cfg
	}
	return tierConfigs[TierUnknown]
}

// HasThreshold reports whether the tier enforces a quarantine threshold.
func (t TrustTier) HasThreshold() bool {
	return t != TierLocal
}

// =============================================================================
// SCAN RESULTS
// =============================================================================

// Severity of a single scan finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// BasePoints returns the severity base points used in risk scoring.
func (s Severity) BasePoints() float64 {
	switch s {
	case SeverityLow:
		return 5
	case SeverityMedium:
		return 15
	case SeverityHigh:
		return 30
	case SeverityCritical:
		return 50
	}
	return 0
}

// Confidence of a single scan finding.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Multiplier returns the confidence multiplier used in risk scoring.
func (c Confidence) Multiplier() float64 {
	switch c {
	case ConfidenceHigh:
		return 1.0
	case ConfidenceMedium:
		return 0.7
	case ConfidenceLow:
		return 0.3
	}
	return 0
}

// StepDown reduces confidence by one step (high->medium->low).
// Used for findings located in documentation contexts.
func (c Confidence) StepDown() Confidence {
	switch c {
	case ConfidenceHigh:
		return ConfidenceMedium
	case ConfidenceMedium:
		return ConfidenceLow
	}
	return ConfidenceLow
}

// Finding is a single scanner match.
type Finding struct {
	Category      string     `json:"category"`
	Severity      Severity   `json:"severity"`
	Confidence    Confidence `json:"confidence"`
	MatchedOffset int        `json:"matched_offset"`
	MatchedLength int        `json:"matched_length"`
	Excerpt       string     `json:"excerpt"`
}

// Recommendation is the scanner's routing verdict.
type Recommendation string

const (
	RecommendSafe       Recommendation = "safe"
	RecommendReview     Recommendation = "review"
	RecommendQuarantine Recommendation = "quarantine"
)

// ScanResult is the outcome of scanning one skill body.
type ScanResult struct {
	ContentHash    string         `json:"content_hash"`
	RiskScore      float64        `json:"risk_score"`
	Findings       []Finding      `json:"findings"`
	Recommendation Recommendation `json:"recommendation"`
	ScannerVersion string         `json:"scanner_version"`
	Timestamp      time.Time      `json:"timestamp"`
}

// =============================================================================
// SKILLS
// =============================================================================

// Compatibility declares the host surfaces and model families a skill targets.
// Empty slices mean "unknown": such skills pass permissive compatibility filters.
type Compatibility struct {
	IDEs []string `json:"ides,omitempty" yaml:"ides"`
	LLMs []string `json:"llms,omitempty" yaml:"llms"`
}

// Intersects reports whether the declared set overlaps the requested set.
// An empty declared set is treated as compatible with everything.
func (c Compatibility) Intersects(req Compatibility) bool {
	if len(c.IDEs)+len(c.LLMs) == 0 {
		return true
	}
	match := func(declared, requested []string) bool {
		if len(requested) == 0 {
			return true
		}
		if len(declared) == 0 {
			return true
		}
		for _, d := range declared {
			for _, r := range requested {
				if strings.EqualFold(d, r) {
					return true
				}
			}
		}
		return false
	}
	return match(c.IDEs, req.IDEs) && match(c.LLMs, req.LLMs)
}

// RepoSignals are popularity and activity signals from the upstream repository.
type RepoSignals struct {
	Stars        int       `json:"stars"`
	Forks        int       `json:"forks"`
	Watchers     int       `json:"watchers"`
	UpdatedAt    time.Time `json:"updated_at"`
	Contributors int       `json:"contributors"`
	License      string    `json:"license"`
	HasReadme    bool      `json:"has_readme"`
	OpenIssues   int       `json:"open_issues"`
}

// SubScores are the component scores feeding the composite quality score.
type SubScores struct {
	Popularity    int `json:"popularity"`    // max 30
	Activity      int `json:"activity"`      // max 25
	Documentation int `json:"documentation"` // max 25
	Trust         int `json:"trust"`         // max 20
}

// Skill is the indexed representation of a single discovered skill.
type Skill struct {
	Author        string        `json:"author"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Tags          []string      `json:"tags,omitempty"`
	Category      string        `json:"category,omitempty"`
	SourceRepo    string        `json:"source_repo,omitempty"` // owner/repo
	SourcePath    string        `json:"source_path,omitempty"`
	Revision      string        `json:"revision,omitempty"` // upstream commit
	ContentHash   string        `json:"content_hash"`
	SizeBytes     int64         `json:"size_bytes"`
	Language      string        `json:"language,omitempty"`
	Version       string        `json:"version,omitempty"`
	Triggers      []string      `json:"triggers,omitempty"`
	Roles         []string      `json:"roles,omitempty"`
	Compatibility Compatibility `json:"compatibility"`
	RepositoryURL string        `json:"repository_url,omitempty"`
	InstallHint   string        `json:"install_hint,omitempty"`

	Signals RepoSignals `json:"signals"`

	Score     int       `json:"score"` // composite 0..100
	SubScores SubScores `json:"sub_scores"`
	Tier      TrustTier `json:"tier"`

	ScanStatus     Recommendation `json:"scan_status"`
	RiskScore      float64        `json:"risk_score"`
	LastScannedAt  time.Time      `json:"last_scanned_at"`
	VerifiedPubl   bool           `json:"verified_publisher"`
	Archived       bool           `json:"archived"`
	MissingStreak  int            `json:"missing_streak"`
	IndexedAt      time.Time      `json:"indexed_at"`
	LastRefreshed  time.Time      `json:"last_refreshed"`
}

// SkillVersion is one row of a skill's upstream revision history.
type SkillVersion struct {
	SkillID          string    `json:"skill_id"`
	VersionLabel     string    `json:"version_label,omitempty"`
	UpstreamRevision string    `json:"upstream_revision"`
	ContentHash      string    `json:"content_hash"`
	IndexedAt        time.Time `json:"indexed_at"`
}

// ID returns the stable skill identity "author/name".
func (s *Skill) ID() string {
	return SkillID(s.Author, s.Name)
}

// SkillID builds the canonical "author/name" identity.
func SkillID(author, name string) string {
	return author + "/" + name
}

// SplitSkillID splits "author/name" into its parts.
func SplitSkillID(id string) (author, name string, err error) {
	i := strings.Index(id, "/")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("invalid skill id %q (want author/name)", id)
	}
	return id[:i], id[i+1:], nil
}

// ContentHash computes the canonical SHA-256 hash of a skill body.
func ContentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// QUARANTINE
// =============================================================================

// QuarantineStatus is the review-queue state of a quarantined skill.
type QuarantineStatus string

const (
	QuarantinePending  QuarantineStatus = "pending"
	QuarantineApproved QuarantineStatus = "approved"
	QuarantineRejected QuarantineStatus = "rejected"
	QuarantineCanceled QuarantineStatus = "canceled"
)

// Terminal reports whether no further transitions are allowed.
func (s QuarantineStatus) Terminal() bool {
	return s == QuarantineApproved || s == QuarantineRejected || s == QuarantineCanceled
}

// QuarantineSeverity classifies why a skill was quarantined.
type QuarantineSeverity string

const (
	QuarantineSuspicious QuarantineSeverity = "suspicious"
	QuarantineMalicious  QuarantineSeverity = "malicious"
)

// RequiredApprovals returns how many distinct reviewers must approve.
func (s QuarantineSeverity) RequiredApprovals() int {
	if s == QuarantineMalicious {
		return 2
	}
	return 1
}

// Approval records one reviewer's sign-off on a quarantine entry.
type Approval struct {
	ReviewerID string    `json:"reviewer_id"`
	Timestamp  time.Time `json:"timestamp"`
	Note       string    `json:"note,omitempty"`
}

// QuarantineEntry is one item in the review queue.
type QuarantineEntry struct {
	ID                string             `json:"id"`
	SkillID           string             `json:"skill_id"`
	Reason            string             `json:"reason"`
	Severity          QuarantineSeverity `json:"severity"`
	Status            QuarantineStatus   `json:"status"`
	CreatedAt         time.Time          `json:"created_at"`
	ResolvedAt        time.Time          `json:"resolved_at,omitempty"`
	RequiredApprovals int                `json:"required_approvals"`
	Approvals         []Approval         `json:"approvals,omitempty"`
}

// =============================================================================
// QUERIES AND RESULTS
// =============================================================================

// Filters narrows a search or browse over the catalog.
type Filters struct {
	Category      string         `json:"category,omitempty"`
	Tier          TrustTier      `json:"trust_tier,omitempty"`
	MinScore      int            `json:"min_score,omitempty"`
	MaxRisk       float64        `json:"max_risk,omitempty"`
	HasMaxRisk    bool           `json:"-"`
	SafeOnly      bool           `json:"safe_only,omitempty"`
	Compatibility *Compatibility `json:"compatibility,omitempty"`
}

// Empty reports whether no filter is set.
func (f Filters) Empty() bool {
	return f.Category == "" && f.Tier == "" && f.MinScore == 0 &&
		!f.HasMaxRisk && !f.SafeOnly && f.Compatibility == nil
}

// Query is a search request over the catalog.
type Query struct {
	Text    string  `json:"text,omitempty"`
	Filters Filters `json:"filters"`
	Limit   int     `json:"limit,omitempty"`
	Offset  int     `json:"offset,omitempty"`
}

// ResultSource distinguishes registry results from local-overlay results.
type ResultSource string

const (
	SourceRegistry ResultSource = "registry"
	SourceLocal    ResultSource = "local"
)

// SearchResult is one ranked search hit.
type SearchResult struct {
	SkillID       string         `json:"skill_id"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Author        string         `json:"author"`
	Tier          TrustTier      `json:"trust_tier"`
	Score         int            `json:"score"`
	Rank          float64        `json:"-"` // fused ranking score, not serialized
	Source        ResultSource   `json:"source"`
	InstallHint   string         `json:"install_hint,omitempty"`
	Compatibility *Compatibility `json:"compatibility,omitempty"`
	Repository    string         `json:"repository,omitempty"`
	Highlights    []string       `json:"highlights,omitempty"`
}

// SearchResponse is the bounded page returned by the search engine.
type SearchResponse struct {
	Results  []SearchResult `json:"results"`
	Total    int            `json:"total"`
	Took     time.Duration  `json:"took"`
	Degraded bool           `json:"degraded,omitempty"`
}

// =============================================================================
// RECOMMENDATIONS
// =============================================================================

// Stack describes a project's technology stack for recommendations.
type Stack struct {
	Frameworks   []string `json:"frameworks,omitempty"`
	Languages    []string `json:"languages,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// RecommendationContext is the caller-supplied context for recommendations.
type RecommendationContext struct {
	ProjectDescription string          `json:"project_description,omitempty"`
	InstalledSkills    map[string]bool `json:"installed_skills,omitempty"`
	Role               string          `json:"role,omitempty"`
	Stack              *Stack          `json:"stack,omitempty"`
}

// Recommendation is one proposed skill with the reason it was chosen.
type RecommendationItem struct {
	SkillID      string   `json:"skill_id"`
	Reason       string   `json:"reason"`
	QualityScore int      `json:"quality_score"`
	Roles        []string `json:"roles,omitempty"`
}

// RecommendationResponse carries recommendations plus observability counters.
type RecommendationResponse struct {
	Recommendations      []RecommendationItem `json:"recommendations"`
	CandidatesConsidered int                  `json:"candidates_considered"`
	OverlapFiltered      int                  `json:"overlap_filtered"`
	// RoleFiltered counts candidates outside the requested role. They are
	// deprioritized, not dropped.
	RoleFiltered         int                  `json:"role_filtered"`
	Degraded             bool                 `json:"degraded,omitempty"`
	Took                 time.Duration        `json:"took"`
}
