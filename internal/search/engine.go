// Package search composes lexical, vector, and local-overlay retrieval
// into one ranked result page. Text queries run lexical BM25 and vector
// k-NN in parallel and merge by reciprocal-rank fusion; filter-only
// queries browse by composite score.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"skillsmith/internal/catalog"
	"skillsmith/internal/config"
	"skillsmith/internal/embedding"
	"skillsmith/internal/local"
	"skillsmith/internal/logging"
	"skillsmith/internal/types"
)

var (
	// ErrEmptyQuery: neither text nor any filter was supplied.
	ErrEmptyQuery = errors.New("empty query")
	// ErrInvalidFilter: a filter value is outside its domain.
	ErrInvalidFilter = errors.New("invalid filter")
)

// Engine executes search requests.
type Engine struct {
	catalog  *catalog.Store
	embedder embedding.Engine
	overlay  *local.Overlay // nil disables the local overlay

	maxLimit      int
	rrfK          float64
	alpha         float64
	vectorTimeout time.Duration
}

// New builds a search engine. overlay may be nil.
func New(cat *catalog.Store, embedder embedding.Engine, overlay *local.Overlay, cfg config.SearchConfig) *Engine {
	vt, err := time.ParseDuration(cfg.VectorTimeout)
	if err != nil || vt <= 0 {
		vt = 500 * time.Millisecond
	}
	rrfK := cfg.RRFK
	if rrfK <= 0 {
		rrfK = 60
	}
	maxLimit := cfg.MaxLimit
	if maxLimit <= 0 {
		maxLimit = 100
	}

	return &Engine{
		catalog:       cat,
		embedder:      embedder,
		overlay:       overlay,
		maxLimit:      maxLimit,
		rrfK:          rrfK,
		alpha:         1.0,
		vectorTimeout: vt,
	}
}

// Search validates the query, runs the appropriate execution mode, merges
// the local overlay, and returns one bounded page.
func (e *Engine) Search(ctx context.Context, q types.Query) (*types.SearchResponse, error) {
	timer := logging.StartTimer(logging.CategorySearch, "search.Search")
	defer timer.Stop()
	started := time.Now()

	if err := validateQuery(q); err != nil {
		return nil, err
	}

	// A zero limit is a counting query: no rows, true total.
	limit := q.Limit
	if limit > e.maxLimit {
		limit = e.maxLimit
	}

	var (
		merged   []types.SearchResult
		degraded bool
		err      error
	)
	if q.Text == "" {
		merged, err = e.filterOnly(q.Filters)
	} else {
		merged, degraded, err = e.hybrid(ctx, q.Text, q.Filters)
	}
	if err != nil {
		return nil, err
	}

	merged = e.mergeOverlay(merged, q)

	total := len(merged)
	page := paginate(merged, limit, q.Offset)

	resp := &types.SearchResponse{
		Results:  page,
		Total:    total,
		Took:     time.Since(started),
		Degraded: degraded,
	}

	logging.Get(logging.CategorySearch).StructuredLog("info", "skill_search", map[string]interface{}{
		"query_len":    len(q.Text),
		"has_filters":  !q.Filters.Empty(),
		"result_count": total,
		"degraded":     degraded,
		"took_ms":      resp.Took.Milliseconds(),
	})
	return resp, nil
}

// validateQuery enforces the request contract: text or filters, bounded
// numeric filters, known tier.
func validateQuery(q types.Query) error {
	if q.Text == "" && q.Filters.Empty() {
		return ErrEmptyQuery
	}
	if q.Filters.MinScore < 0 || q.Filters.MinScore > 100 {
		return fmt.Errorf("%w: min_score %d outside [0,100]", ErrInvalidFilter, q.Filters.MinScore)
	}
	if q.Filters.HasMaxRisk && (q.Filters.MaxRisk < 0 || q.Filters.MaxRisk > 100) {
		return fmt.Errorf("%w: max_risk %.1f outside [0,100]", ErrInvalidFilter, q.Filters.MaxRisk)
	}
	if q.Filters.Tier != "" && !q.Filters.Tier.Valid() {
		return fmt.Errorf("%w: unknown trust tier %q", ErrInvalidFilter, q.Filters.Tier)
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidFilter)
	}
	if q.Offset < 0 {
		return fmt.Errorf("%w: negative offset", ErrInvalidFilter)
	}
	return nil
}

// filterOnly browses the catalog by composite score.
func (e *Engine) filterOnly(filters types.Filters) ([]types.SearchResult, error) {
	skills, _, err := e.catalog.FilterBrowse(filters, 0, 0)
	if err != nil {
		return nil, err
	}

	out := make([]types.SearchResult, 0, len(skills))
	for i, sk := range skills {
		r := toResult(sk, types.SourceRegistry)
		r.Rank = float64(len(skills) - i) // preserve browse order under merge
		out = append(out, r)
	}
	return out, nil
}

// hybrid runs the lexical and vector legs in parallel and fuses them.
// When the vector leg misses its sub-deadline the lexical ranking is
// served alone with degraded=true.
func (e *Engine) hybrid(ctx context.Context, text string, filters types.Filters) ([]types.SearchResult, bool, error) {
	fetchN := e.maxLimit * 2

	var (
		lexHits []catalog.Hit
		vecHits []catalog.Hit
		vecErr  error
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		lexHits, err = e.catalog.LexicalSearch(text, filters, fetchN)
		return err
	})

	vecDone := make(chan struct{})
	g.Go(func() error {
		defer close(vecDone)
		vctx, cancel := context.WithTimeout(gctx, e.vectorTimeout)
		defer cancel()

		vec, err := e.embedder.Embed(vctx, text)
		if err != nil {
			vecErr = err
			return nil // degrade, don't fail the search
		}
		// The sub-deadline rides vctx into the query, so a slow vector
		// scan is canceled rather than raced against.
		hits, err := e.catalog.VectorSearch(vctx, vec, filters, fetchN)
		if err != nil {
			vecErr = err
			return nil
		}
		vecHits = hits
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	degraded := vecErr != nil
	if degraded {
		logging.Get(logging.CategorySearch).Warn("vector leg degraded: %v", vecErr)
	}

	return e.fuse(lexHits, vecHits), degraded, nil
}

// fuse merges the two legs by reciprocal-rank fusion:
// combined = 1/(k + lex_rank) + alpha/(k + vec_rank). Ties break by
// composite score, then skill id.
func (e *Engine) fuse(lexHits, vecHits []catalog.Hit) []types.SearchResult {
	type fused struct {
		skill *types.Skill
		rank  float64
	}
	byID := make(map[string]*fused)

	for i, h := range lexHits {
		byID[h.Skill.ID()] = &fused{
			skill: h.Skill,
			rank:  1.0 / (e.rrfK + float64(i+1)),
		}
	}
	for i, h := range vecHits {
		contribution := e.alpha / (e.rrfK + float64(i+1))
		if f, ok := byID[h.Skill.ID()]; ok {
			f.rank += contribution
		} else {
			byID[h.Skill.ID()] = &fused{skill: h.Skill, rank: contribution}
		}
	}

	all := make([]*fused, 0, len(byID))
	for _, f := range byID {
		all = append(all, f)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].rank != all[j].rank {
			return all[i].rank > all[j].rank
		}
		if all[i].skill.Score != all[j].skill.Score {
			return all[i].skill.Score > all[j].skill.Score
		}
		return all[i].skill.ID() < all[j].skill.ID()
	})

	out := make([]types.SearchResult, 0, len(all))
	for _, f := range all {
		r := toResult(f.skill, types.SourceRegistry)
		r.Rank = f.rank
		out = append(out, r)
	}
	return out
}

// mergeOverlay appends matching local skills. Registry entries win on a
// shared skill id or (author, name); local-only entries are kept and
// ranked among the registry results by fused rank.
func (e *Engine) mergeOverlay(registry []types.SearchResult, q types.Query) []types.SearchResult {
	if e.overlay == nil {
		return registry
	}

	var locals []*types.Skill
	if q.Text != "" {
		locals = e.overlay.Match(q.Text)
	} else {
		locals = e.overlay.List()
	}
	if len(locals) == 0 {
		return registry
	}

	seen := make(map[string]bool, len(registry))
	for _, r := range registry {
		seen[r.SkillID] = true
		seen[r.Name] = true // registry wins on a bare name collision too
	}

	merged := registry
	for _, sk := range locals {
		if seen[sk.ID()] || seen[sk.Name] {
			continue
		}
		if !filterMatchLocal(q.Filters, sk) {
			continue
		}
		r := toResult(sk, types.SourceLocal)
		// Rank local items below exact-rank peers by score alone
		r.Rank = float64(sk.Score) / 10000.0
		merged = append(merged, r)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Rank != merged[j].Rank {
			return merged[i].Rank > merged[j].Rank
		}
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].SkillID < merged[j].SkillID
	})
	return merged
}

// filterMatchLocal applies the filter contract to an overlay skill.
func filterMatchLocal(f types.Filters, sk *types.Skill) bool {
	if f.Tier != "" && sk.Tier != f.Tier {
		return false
	}
	if f.Category != "" && !strings.EqualFold(f.Category, sk.Category) {
		return false
	}
	if f.MinScore > 0 && sk.Score < f.MinScore {
		return false
	}
	if f.HasMaxRisk && sk.RiskScore > f.MaxRisk {
		return false
	}
	if f.SafeOnly && sk.ScanStatus != types.RecommendSafe {
		return false
	}
	if f.Compatibility != nil && !sk.Compatibility.Intersects(*f.Compatibility) {
		return false
	}
	return true
}

func paginate(results []types.SearchResult, limit, offset int) []types.SearchResult {
	if offset >= len(results) {
		return []types.SearchResult{}
	}
	end := offset + limit
	if end > len(results) {
		end = len(results)
	}
	return results[offset:end]
}

func toResult(sk *types.Skill, source types.ResultSource) types.SearchResult {
	r := types.SearchResult{
		SkillID:     sk.ID(),
		Name:        sk.Name,
		Description: sk.Description,
		Author:      sk.Author,
		Tier:        sk.Tier,
		Score:       sk.Score,
		Source:      source,
		InstallHint: sk.InstallHint,
		Repository:  sk.SourceRepo,
	}
	if len(sk.Compatibility.IDEs)+len(sk.Compatibility.LLMs) > 0 {
		compat := sk.Compatibility
		r.Compatibility = &compat
	}
	return r
}
