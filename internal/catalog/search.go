package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"skillsmith/internal/embedding"
	"skillsmith/internal/logging"
	"skillsmith/internal/types"
)

// BM25 column weights: name matches dominate, then description, then author.
const (
	weightName        = 5.0
	weightDescription = 2.0
	weightAuthor      = 1.0
)

// Hit is one ranked catalog row from a lexical or vector leg.
type Hit struct {
	Skill *types.Skill
	Rank  float64 // leg-local relevance, higher is better
}

// filterClause builds the shared WHERE conditions. Quarantined and archived
// skills are excluded unconditionally.
func filterClause(f types.Filters) (string, []interface{}) {
	conds := []string{"s.archived = 0", "s.scan_status != ?"}
	args := []interface{}{string(types.RecommendQuarantine)}

	if f.Tier != "" {
		conds = append(conds, "s.tier = ?")
		args = append(args, string(f.Tier))
	}
	if f.Category != "" {
		conds = append(conds, "LOWER(s.category) = LOWER(?)")
		args = append(args, f.Category)
	}
	if f.MinScore > 0 {
		conds = append(conds, "s.score >= ?")
		args = append(args, f.MinScore)
	}
	if f.HasMaxRisk {
		conds = append(conds, "s.risk_score <= ?")
		args = append(args, f.MaxRisk)
	}
	if f.SafeOnly {
		conds = append(conds, "s.scan_status = ?")
		args = append(args, string(types.RecommendSafe))
	}

	return strings.Join(conds, " AND "), args
}

// compatMatch applies the permissive compatibility filter in process:
// unknown declared compatibility always passes.
func compatMatch(f types.Filters, sk *types.Skill) bool {
	if f.Compatibility == nil {
		return true
	}
	return sk.Compatibility.Intersects(*f.Compatibility)
}

// orderClause is the deterministic ordering for score-ranked listings.
const orderClause = `ORDER BY s.score DESC,
	CAST(json_extract(s.sub_scores, '$.popularity') AS INTEGER) DESC,
	json_extract(s.signals, '$.updated_at') DESC,
	s.id ASC`

// LexicalSearch ranks skills against query text. With FTS5 available it
// uses weighted BM25; otherwise a LIKE-based fallback scores field matches.
func (s *Store) LexicalSearch(query string, filters types.Filters, limit int) ([]Hit, error) {
	timer := logging.StartTimer(logging.CategoryCatalog, "catalog.LexicalSearch")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.ftsEnabled {
		return s.lexicalFTS(query, filters, limit)
	}
	return s.lexicalFallback(query, filters, limit)
}

func (s *Store) lexicalFTS(query string, filters types.Filters, limit int) ([]Hit, error) {
	where, args := filterClause(filters)

	// Quote each term to keep user text out of the FTS query syntax.
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	match := strings.Join(terms, " OR ")

	sqlQuery := fmt.Sprintf(`
		SELECT %s, bm25(skills_fts, 0, %f, %f, %f) AS rank
		FROM skills_fts f
		JOIN skills s ON s.id = f.skill_id
		WHERE skills_fts MATCH ? AND %s
		ORDER BY rank ASC, s.id ASC
		LIMIT ?`,
		prefixColumns("s"), weightName, weightDescription, weightAuthor, where)

	queryArgs := append([]interface{}{match}, args...)
	queryArgs = append(queryArgs, limit)

	rows, err := s.db.Query(sqlQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("%w: lexical search: %v", ErrStorage, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		skill, rank, err := scanSkillWithRank(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan lexical hit: %v", ErrStorage, err)
		}
		if !compatMatch(filters, skill) {
			continue
		}
		// bm25() returns lower-is-better; invert so higher rank wins
		hits = append(hits, Hit{Skill: skill, Rank: -rank})
	}
	return hits, rows.Err()
}

// lexicalFallback scores LIKE matches with the same field weights.
func (s *Store) lexicalFallback(query string, filters types.Filters, limit int) ([]Hit, error) {
	where, args := filterClause(filters)

	rows, err := s.db.Query(fmt.Sprintf(
		"SELECT %s FROM skills s WHERE %s", prefixColumns("s"), where), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: lexical fallback: %v", ErrStorage, err)
	}
	defer rows.Close()

	terms := strings.Fields(strings.ToLower(query))
	var hits []Hit
	for rows.Next() {
		skill, err := scanSkill(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan fallback hit: %v", ErrStorage, err)
		}
		if !compatMatch(filters, skill) {
			continue
		}

		score := 0.0
		name := strings.ToLower(skill.Name)
		desc := strings.ToLower(skill.Description)
		author := strings.ToLower(skill.Author)
		for _, t := range terms {
			if strings.Contains(name, t) {
				score += weightName
			}
			if strings.Contains(desc, t) {
				score += weightDescription
			}
			if strings.Contains(author, t) {
				score += weightAuthor
			}
		}
		if score > 0 {
			hits = append(hits, Hit{Skill: skill, Rank: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Rank != hits[j].Rank {
			return hits[i].Rank > hits[j].Rank
		}
		return hits[i].Skill.ID() < hits[j].Skill.ID()
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// VectorSearch returns the k nearest skills to queryVec by cosine
// similarity, honoring filters. The context bounds the query itself, so
// a caller's sub-deadline cancels a slow scan instead of waiting it out.
func (s *Store) VectorSearch(ctx context.Context, queryVec []float32, filters types.Filters, k int) ([]Hit, error) {
	timer := logging.StartTimer(logging.CategoryCatalog, "catalog.VectorSearch")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vecEnabled {
		return s.vectorVec0(ctx, queryVec, filters, k)
	}
	return s.vectorFallback(ctx, queryVec, filters, k)
}

// vectorVec0 uses the vec0 virtual table's k-NN MATCH, then re-applies
// filters on the joined skill rows.
func (s *Store) vectorVec0(ctx context.Context, queryVec []float32, filters types.Filters, k int) ([]Hit, error) {
	where, args := filterClause(filters)
	vecJSON, _ := json.Marshal(queryVec)

	// Over-fetch so post-join filtering can still fill k results.
	sqlQuery := fmt.Sprintf(`
		SELECT %s, v.distance
		FROM skills_vec v
		JOIN skills s ON s.id = v.skill_id
		WHERE v.embedding MATCH ? AND v.k = ? AND %s
		ORDER BY v.distance ASC, s.id ASC`,
		prefixColumns("s"), where)

	queryArgs := append([]interface{}{string(vecJSON), k * 4}, args...)

	rows, err := s.db.QueryContext(ctx, sqlQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %v", ErrStorage, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		skill, dist, err := scanSkillWithRank(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan vector hit: %v", ErrStorage, err)
		}
		if !compatMatch(filters, skill) {
			continue
		}
		hits = append(hits, Hit{Skill: skill, Rank: -dist})
		if len(hits) >= k {
			break
		}
	}
	return hits, rows.Err()
}

// vectorFallback loads stored embeddings and ranks in process.
func (s *Store) vectorFallback(ctx context.Context, queryVec []float32, filters types.Filters, k int) ([]Hit, error) {
	where, args := filterClause(filters)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, e.vector
		FROM embeddings e
		JOIN skills s ON s.id = e.skill_id
		WHERE %s`, prefixColumns("s"), where), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: vector fallback: %v", ErrStorage, err)
	}
	defer rows.Close()

	type cand struct {
		skill *types.Skill
		sim   float64
	}
	var cands []cand
	for rows.Next() {
		skill, raw, err := scanSkillWithText(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan embedding row: %v", ErrStorage, err)
		}
		if !compatMatch(filters, skill) {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			continue
		}
		cands = append(cands, cand{skill: skill, sim: float64(embedding.CosineSimilarity(queryVec, vec))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].sim != cands[j].sim {
			return cands[i].sim > cands[j].sim
		}
		return cands[i].skill.ID() < cands[j].skill.ID()
	})

	if k > 0 && len(cands) > k {
		cands = cands[:k]
	}
	hits := make([]Hit, len(cands))
	for i, c := range cands {
		hits[i] = Hit{Skill: c.skill, Rank: c.sim}
	}
	return hits, nil
}

// FilterBrowse lists skills matching filters ordered by composite score
// descending with deterministic tie-breaking. Returns the page and the
// total match count.
func (s *Store) FilterBrowse(filters types.Filters, limit, offset int) ([]*types.Skill, int, error) {
	timer := logging.StartTimer(logging.CategoryCatalog, "catalog.FilterBrowse")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := filterClause(filters)

	rows, err := s.db.Query(fmt.Sprintf(
		"SELECT %s FROM skills s WHERE %s %s", prefixColumns("s"), where, orderClause), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: filter browse: %v", ErrStorage, err)
	}
	defer rows.Close()

	var all []*types.Skill
	for rows.Next() {
		skill, err := scanSkill(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: scan browse row: %v", ErrStorage, err)
		}
		if !compatMatch(filters, skill) {
			continue
		}
		all = append(all, skill)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// prefixColumns qualifies skillColumns with a table alias.
func prefixColumns(alias string) string {
	cols := strings.Split(skillColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func scanSkillWithRank(row rowScanner) (*types.Skill, float64, error) {
	var rank float64
	skill, err := scanSkillExtra(row, &rank)
	return skill, rank, err
}

func scanSkillWithText(row rowScanner) (*types.Skill, string, error) {
	var text string
	skill, err := scanSkillExtra(row, &text)
	return skill, text, err
}
