// Package tool is the structured RPC surface consumed by external
// transports. Every operation takes and returns plain records; errors
// carry a machine-readable kind plus context.
package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"skillsmith/internal/catalog"
	"skillsmith/internal/local"
	"skillsmith/internal/logging"
	"skillsmith/internal/quarantine"
	"skillsmith/internal/recommend"
	"skillsmith/internal/search"
	"skillsmith/internal/syncer"
	"skillsmith/internal/types"
	"skillsmith/internal/validate"
)

// ErrorKind classifies tool-surface failures.
type ErrorKind string

const (
	KindEmptyQuery          ErrorKind = "empty-query"
	KindInvalidFilter       ErrorKind = "invalid-filter"
	KindInvalidInput        ErrorKind = "invalid-input"
	KindNotFound            ErrorKind = "not-found"
	KindIdenticalIDs        ErrorKind = "identical-ids"
	KindQuarantined         ErrorKind = "quarantined"
	KindInsufficientTrust   ErrorKind = "insufficient-trust"
	KindUpstreamUnavailable ErrorKind = "upstream-unavailable"
	KindStorage             ErrorKind = "storage"
	KindInvalidState        ErrorKind = "invalid-state"
)

// Error is the structured error record crossing the tool boundary.
type Error struct {
	Kind    ErrorKind         `json:"kind"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Service exposes the tool operations over the assembled components.
type Service struct {
	catalog    *catalog.Store
	quarantine *quarantine.Store
	engine     *search.Engine
	rec        *recommend.Recommender
	overlay    *local.Overlay // optional
	sync       *syncer.Syncer // optional
}

// New wires a tool service. overlay and sync may be nil for read-only
// deployments.
func New(cat *catalog.Store, quar *quarantine.Store, engine *search.Engine, rec *recommend.Recommender, overlay *local.Overlay, sync *syncer.Syncer) *Service {
	return &Service{
		catalog:    cat,
		quarantine: quar,
		engine:     engine,
		rec:        rec,
		overlay:    overlay,
		sync:       sync,
	}
}

// Search runs a catalog query. Kinds: empty-query, invalid-filter.
func (s *Service) Search(ctx context.Context, q types.Query) (*types.SearchResponse, error) {
	resp, err := s.engine.Search(ctx, q)
	if err != nil {
		switch {
		case errors.Is(err, search.ErrEmptyQuery):
			return nil, newError(KindEmptyQuery, "supply query text or at least one filter")
		case errors.Is(err, search.ErrInvalidFilter):
			return nil, newError(KindInvalidFilter, "%v", err)
		case errors.Is(err, catalog.ErrStorage):
			return nil, newError(KindStorage, "%v", err)
		default:
			return nil, newError(KindStorage, "search failed: %v", err)
		}
	}
	return resp, nil
}

// GetSkill returns one skill record. Kind: not-found.
func (s *Service) GetSkill(ctx context.Context, skillID string) (*types.Skill, error) {
	if skillID == "" {
		return nil, newError(KindInvalidInput, "skill_id is required")
	}
	sk, err := s.catalog.GetSkill(skillID)
	if err == nil {
		return sk, nil
	}
	if s.overlay != nil {
		if lsk, ok := s.overlay.Get(skillID); ok {
			return lsk, nil
		}
	}
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, newError(KindNotFound, "skill %s is not in the catalog", skillID)
	}
	return nil, newError(KindStorage, "%v", err)
}

// Recommend proposes skills for a context. Kind: invalid-input.
func (s *Service) Recommend(ctx context.Context, rc types.RecommendationContext, limit int) (*types.RecommendationResponse, error) {
	if limit < 0 {
		return nil, newError(KindInvalidInput, "limit must be non-negative")
	}
	resp, err := s.rec.Recommend(ctx, rc, limit)
	if err != nil {
		return nil, newError(KindStorage, "recommendation failed: %v", err)
	}
	return resp, nil
}

// Comparison is the compare operation's output.
type Comparison struct {
	A              *types.Skill  `json:"a"`
	B              *types.Skill  `json:"b"`
	Differences    []string      `json:"differences"`
	Winner         string        `json:"winner"` // a, b, or tie
	Recommendation string        `json:"recommendation"`
	Took           time.Duration `json:"took"`
}

// Compare contrasts two skills. Kinds: not-found, identical-ids.
func (s *Service) Compare(ctx context.Context, idA, idB string) (*Comparison, error) {
	started := time.Now()
	if idA == idB {
		return nil, newError(KindIdenticalIDs, "cannot compare %s with itself", idA)
	}

	a, err := s.GetSkill(ctx, idA)
	if err != nil {
		return nil, err
	}
	b, err := s.GetSkill(ctx, idB)
	if err != nil {
		return nil, err
	}

	cmp := &Comparison{A: a, B: b}
	cmp.Differences = diffSkills(a, b)

	switch {
	case a.Score > b.Score:
		cmp.Winner = "a"
		cmp.Recommendation = fmt.Sprintf("%s scores higher (%d vs %d)", a.ID(), a.Score, b.Score)
	case b.Score > a.Score:
		cmp.Winner = "b"
		cmp.Recommendation = fmt.Sprintf("%s scores higher (%d vs %d)", b.ID(), b.Score, a.Score)
	default:
		cmp.Winner = "tie"
		cmp.Recommendation = "both score equally; prefer the higher trust tier"
	}
	cmp.Took = time.Since(started)
	return cmp, nil
}

func diffSkills(a, b *types.Skill) []string {
	var diffs []string
	if a.Tier != b.Tier {
		diffs = append(diffs, fmt.Sprintf("trust tier: %s vs %s", a.Tier, b.Tier))
	}
	if a.Score != b.Score {
		diffs = append(diffs, fmt.Sprintf("score: %d vs %d", a.Score, b.Score))
	}
	if a.RiskScore != b.RiskScore {
		diffs = append(diffs, fmt.Sprintf("risk: %.1f vs %.1f", a.RiskScore, b.RiskScore))
	}
	if a.Category != b.Category {
		diffs = append(diffs, fmt.Sprintf("category: %s vs %s", a.Category, b.Category))
	}
	if a.SizeBytes != b.SizeBytes {
		diffs = append(diffs, fmt.Sprintf("size: %d vs %d bytes", a.SizeBytes, b.SizeBytes))
	}
	return diffs
}

// ValidationReport is the validate operation's output.
type ValidationReport struct {
	Valid    bool     `json:"valid"`
	Reasons  []string `json:"reasons,omitempty"`
	Repaired []string `json:"repaired,omitempty"`
	Name     string   `json:"name,omitempty"`
}

// Validate checks a document without indexing it. Never errors on
// invalid content; the report carries the reasons.
func (s *Service) Validate(ctx context.Context, content []byte, strict bool) *ValidationReport {
	v, err := validate.Validate(content, validate.Options{Strict: strict})
	if err != nil {
		var verr *validate.ValidationError
		if errors.As(err, &verr) {
			return &ValidationReport{Valid: false, Reasons: verr.Reasons}
		}
		return &ValidationReport{Valid: false, Reasons: []string{err.Error()}}
	}
	return &ValidationReport{Valid: true, Repaired: v.Repaired, Name: v.Frontmatter.Name}
}

// InstallSuggestion is the suggest-install operation's output.
type InstallSuggestion struct {
	Allowed     bool            `json:"allowed"`
	Reason      string          `json:"reason"`
	Tier        types.TrustTier `json:"tier"`
	ScanSummary string          `json:"scan_summary"`
}

// SuggestInstall checks whether a skill is safe to install. Kinds:
// quarantined, insufficient-trust, not-found.
func (s *Service) SuggestInstall(ctx context.Context, skillID string, callerTrust types.TrustTier) (*InstallSuggestion, error) {
	sk, err := s.GetSkill(ctx, skillID)
	if err != nil {
		return nil, err
	}

	if s.quarantine != nil {
		if qerr := s.quarantine.CheckInstall(skillID); qerr != nil {
			terr := newError(KindQuarantined, "skill %s is under review", skillID)
			terr.Context = map[string]string{"detail": qerr.Error()}
			return nil, terr
		}
	}
	if sk.ScanStatus == types.RecommendQuarantine {
		return nil, newError(KindQuarantined, "skill %s failed its security scan", skillID)
	}

	if callerTrust != "" && callerTrust.Valid() && tierBelow(sk.Tier, callerTrust) {
		return nil, newError(KindInsufficientTrust,
			"skill tier %s is below the caller's floor %s", sk.Tier, callerTrust)
	}

	summary := fmt.Sprintf("scan=%s risk=%.1f", sk.ScanStatus, sk.RiskScore)
	reason := "passes scan and trust checks"
	if sk.ScanStatus == types.RecommendReview {
		reason = "flagged for review; install with care"
	}
	return &InstallSuggestion{Allowed: true, Reason: reason, Tier: sk.Tier, ScanSummary: summary}, nil
}

// tierBelow reports whether tier ranks strictly below floor.
func tierBelow(tier, floor types.TrustTier) bool {
	rank := map[types.TrustTier]int{
		types.TierVerified:     6,
		types.TierCurated:      5,
		types.TierCommunity:    4,
		types.TierLocal:        4,
		types.TierExperimental: 2,
		types.TierUnknown:      1,
	}
	return rank[tier] < rank[floor]
}

// SyncReport is the sync operation's output.
type SyncReport struct {
	Added      int   `json:"added"`
	Updated    int   `json:"updated"`
	Unchanged  int   `json:"unchanged"`
	Errors     int   `json:"errors"`
	DurationMS int64 `json:"duration_ms"`
}

// Sync runs a sync in the given mode. Kind: upstream-unavailable.
func (s *Service) Sync(ctx context.Context, mode syncer.Mode, dryRun bool) (*SyncReport, error) {
	if s.sync == nil {
		return nil, newError(KindUpstreamUnavailable, "sync is not configured")
	}
	if dryRun {
		logging.Get(logging.CategoryTool).Info("dry-run sync requested, skipping execution")
		return &SyncReport{}, nil
	}

	summary, err := s.sync.Run(ctx, mode)
	if err != nil && summary == nil {
		return nil, newError(KindUpstreamUnavailable, "sync failed: %v", err)
	}

	report := &SyncReport{
		Added:      summary.Added,
		Updated:    summary.Updated,
		Unchanged:  summary.Unchanged,
		Errors:     summary.Errors,
		DurationMS: summary.FinishedAt.Sub(summary.StartedAt).Milliseconds(),
	}
	if err != nil {
		return report, newError(KindUpstreamUnavailable, "sync finished with errors: %v", err)
	}
	return report, nil
}
