// Package recommend proposes skills for a project context. Candidates are
// drawn from hybrid search, a safe-only catalog browse, and the local
// overlay; installed skills and near-duplicate trigger sets are excluded.
package recommend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"skillsmith/internal/catalog"
	"skillsmith/internal/config"
	"skillsmith/internal/local"
	"skillsmith/internal/logging"
	"skillsmith/internal/search"
	"skillsmith/internal/types"
)

const (
	roleBonus       = 30
	stackBonusName  = 12
	stackBonusDesc  = 8
	stackBonusTags  = 5
	browseTierFloor = types.TierCommunity
)

// Recommender ranks candidate skills for a caller's context.
type Recommender struct {
	catalog *catalog.Store
	engine  *search.Engine
	overlay *local.Overlay // nil disables local candidates

	defaultLimit     int
	maxLimit         int
	overlapThreshold float64
}

// New builds a recommender. overlay may be nil.
func New(cat *catalog.Store, engine *search.Engine, overlay *local.Overlay, cfg config.RecommendConfig) *Recommender {
	defaultLimit := cfg.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = 5
	}
	maxLimit := cfg.MaxLimit
	if maxLimit <= 0 {
		maxLimit = 20
	}
	threshold := cfg.OverlapThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Recommender{
		catalog:          cat,
		engine:           engine,
		overlay:          overlay,
		defaultLimit:     defaultLimit,
		maxLimit:         maxLimit,
		overlapThreshold: threshold,
	}
}

// candidate is one skill under consideration with its accumulated rank.
type candidate struct {
	skill *types.Skill
	rank  int
	why   []string
}

// Recommend produces a bounded, ranked list of proposals.
func (r *Recommender) Recommend(ctx context.Context, rc types.RecommendationContext, limit int) (*types.RecommendationResponse, error) {
	timer := logging.StartTimer(logging.CategoryRecommend, "recommend.Recommend")
	defer timer.Stop()
	started := time.Now()

	if limit <= 0 {
		limit = r.defaultLimit
	}
	if limit > r.maxLimit {
		limit = r.maxLimit
	}

	resp := &types.RecommendationResponse{}

	pool := make(map[string]*candidate)
	degraded := r.gatherCandidates(ctx, rc, pool)
	resp.Degraded = degraded
	resp.CandidatesConsidered = len(pool)

	installedTriggers := r.installedTriggerSets(rc.InstalledSkills)

	var kept []*candidate
	for id, c := range pool {
		if rc.InstalledSkills[id] {
			resp.OverlapFiltered++
			continue
		}
		if r.triggerOverlap(c.skill, installedTriggers) {
			resp.OverlapFiltered++
			continue
		}
		r.applyBonuses(c, rc, resp)
		kept = append(kept, c)
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].rank != kept[j].rank {
			return kept[i].rank > kept[j].rank
		}
		return kept[i].skill.ID() < kept[j].skill.ID()
	})
	if len(kept) > limit {
		kept = kept[:limit]
	}

	for _, c := range kept {
		resp.Recommendations = append(resp.Recommendations, types.RecommendationItem{
			SkillID:      c.skill.ID(),
			Reason:       strings.Join(c.why, "; "),
			QualityScore: c.skill.Score,
			Roles:        c.skill.Roles,
		})
	}
	resp.Took = time.Since(started)

	logging.Get(logging.CategoryRecommend).Info(
		"recommended %d of %d candidates (overlap_filtered=%d, degraded=%v)",
		len(resp.Recommendations), resp.CandidatesConsidered, resp.OverlapFiltered, degraded)
	return resp, nil
}

// gatherCandidates fills the pool from the three sources. A failing
// search leg degrades rather than failing the whole request.
func (r *Recommender) gatherCandidates(ctx context.Context, rc types.RecommendationContext, pool map[string]*candidate) bool {
	degraded := false
	log := logging.Get(logging.CategoryRecommend)

	// 1. Hybrid search over the project description
	if rc.ProjectDescription != "" {
		resp, err := r.engine.Search(ctx, types.Query{
			Text:  rc.ProjectDescription,
			Limit: r.maxLimit * 2,
		})
		if err != nil {
			log.Warn("description search unavailable: %v", err)
			degraded = true
		} else {
			if resp.Degraded {
				degraded = true
			}
			for _, hit := range resp.Results {
				r.addCandidate(pool, hit.SkillID, "matches project description")
			}
		}
	}

	// 2. Safe, community-or-better catalog browse
	skills, _, err := r.catalog.FilterBrowse(types.Filters{SafeOnly: true}, r.maxLimit*2, 0)
	if err != nil {
		log.Warn("catalog browse unavailable: %v", err)
		degraded = true
	} else {
		for _, sk := range skills {
			if tierAtLeast(sk.Tier, browseTierFloor) {
				r.addSkill(pool, sk, "high-quality catalog skill")
			}
		}
	}

	// 3. Local overlay
	if r.overlay != nil {
		for _, sk := range r.overlay.List() {
			r.addSkill(pool, sk, "available locally")
		}
	}

	return degraded
}

func (r *Recommender) addCandidate(pool map[string]*candidate, id, reason string) {
	if _, ok := pool[id]; ok {
		return
	}
	sk, err := r.catalog.GetSkill(id)
	if err != nil {
		// Search may surface overlay-only ids; resolve those locally
		if r.overlay != nil {
			if lsk, ok := r.overlay.Get(id); ok {
				r.addSkill(pool, lsk, reason)
			}
		}
		return
	}
	r.addSkill(pool, sk, reason)
}

func (r *Recommender) addSkill(pool map[string]*candidate, sk *types.Skill, reason string) {
	id := sk.ID()
	if existing, ok := pool[id]; ok {
		existing.why = appendReason(existing.why, reason)
		return
	}
	pool[id] = &candidate{skill: sk, rank: sk.Score, why: []string{reason}}
}

func appendReason(why []string, reason string) []string {
	for _, w := range why {
		if w == reason {
			return why
		}
	}
	return append(why, reason)
}

// applyBonuses adds the role and stack bonuses, updating counters.
func (r *Recommender) applyBonuses(c *candidate, rc types.RecommendationContext, resp *types.RecommendationResponse) {
	if rc.Role != "" {
		matched := false
		for _, role := range c.skill.Roles {
			if strings.EqualFold(role, rc.Role) {
				matched = true
				break
			}
		}
		if matched {
			c.rank += roleBonus
			c.why = appendReason(c.why, fmt.Sprintf("matches role %q", rc.Role))
		} else {
			// The role is a preference: non-matching candidates stay in
			// the list but are counted as deprioritized.
			resp.RoleFiltered++
		}
	}

	if rc.Stack != nil {
		// Bucketed: each field pays its bonus at most once regardless of
		// how many keywords hit it.
		keywords := stackKeywords(rc.Stack)
		bonus := 0
		if matchesAny(strings.ToLower(c.skill.Name), keywords) {
			bonus += stackBonusName
		}
		if matchesAny(strings.ToLower(c.skill.Description), keywords) {
			bonus += stackBonusDesc
		}
		if matchesAny(strings.ToLower(strings.Join(c.skill.Tags, " ")), keywords) {
			bonus += stackBonusTags
		}
		if bonus > 0 {
			c.rank += bonus
			c.why = appendReason(c.why, "matches project stack")
		}
	}
}

func matchesAny(haystack string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

func stackKeywords(s *types.Stack) []string {
	var out []string
	for _, group := range [][]string{s.Frameworks, s.Languages, s.Dependencies} {
		for _, kw := range group {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				out = append(out, kw)
			}
		}
	}
	return out
}

// installedTriggerSets loads the normalized trigger phrases of every
// installed skill, from the catalog or the overlay.
func (r *Recommender) installedTriggerSets(installed map[string]bool) []map[string]bool {
	var sets []map[string]bool
	for id := range installed {
		var triggers []string
		if sk, err := r.catalog.GetSkill(id); err == nil {
			triggers = sk.Triggers
		} else if r.overlay != nil {
			if sk, ok := r.overlay.Get(id); ok {
				triggers = sk.Triggers
			}
		}
		if set := triggerSet(triggers); len(set) > 0 {
			sets = append(sets, set)
		}
	}
	return sets
}

// triggerOverlap reports whether the candidate's trigger phrases overlap
// any installed skill's beyond the Jaccard threshold.
func (r *Recommender) triggerOverlap(sk *types.Skill, installedSets []map[string]bool) bool {
	candidateSet := triggerSet(sk.Triggers)
	if len(candidateSet) == 0 {
		return false
	}
	for _, installed := range installedSets {
		if jaccard(candidateSet, installed) >= r.overlapThreshold {
			return true
		}
	}
	return false
}

func triggerSet(triggers []string) map[string]bool {
	set := make(map[string]bool, len(triggers))
	for _, t := range triggers {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			set[t] = true
		}
	}
	return set
}

// jaccard computes |A ∩ B| / |A ∪ B| over phrase sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for phrase := range a {
		if b[phrase] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// tierAtLeast orders tiers from strongest to weakest, with Local treated
// as always acceptable for local candidates.
func tierAtLeast(tier, floor types.TrustTier) bool {
	order := map[types.TrustTier]int{
		types.TierVerified:     5,
		types.TierCurated:      4,
		types.TierCommunity:    3,
		types.TierExperimental: 2,
		types.TierUnknown:      1,
		types.TierLocal:        3,
	}
	return order[tier] >= order[floor]
}
