package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"skillsmith/internal/logging"
	"skillsmith/internal/types"
)

// skillColumns is the canonical select list for scanning skill rows.
const skillColumns = `id, author, name, description, tags, category, source_repo,
	source_path, revision, content_hash, size_bytes, language, version,
	triggers, roles, compatibility, repository_url, signals, score,
	sub_scores, tier, scan_status, risk_score, last_scanned_at,
	verified_publ, archived, missing_streak, indexed_at, last_refreshed,
	install_hint`

// UpsertSkill atomically writes the skill row, its version history entry,
// its embedding, and its lexical index terms.
func (s *Store) UpsertSkill(skill *types.Skill, versionLabel string, embedding []float32, modelID string) error {
	timer := logging.StartTimer(logging.CategoryCatalog, "catalog.UpsertSkill")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin upsert: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	tags, _ := json.Marshal(skill.Tags)
	triggers, _ := json.Marshal(skill.Triggers)
	roles, _ := json.Marshal(skill.Roles)
	compat, _ := json.Marshal(skill.Compatibility)
	signals, _ := json.Marshal(skill.Signals)
	subScores, _ := json.Marshal(skill.SubScores)

	id := skill.ID()
	now := time.Now().UTC()
	if skill.IndexedAt.IsZero() {
		skill.IndexedAt = now
	}
	skill.LastRefreshed = now

	_, err = tx.Exec(`
		INSERT INTO skills (
			id, author, name, description, tags, category, source_repo,
			source_path, revision, content_hash, size_bytes, language, version,
			triggers, roles, compatibility, repository_url, signals, score,
			sub_scores, tier, scan_status, risk_score, last_scanned_at,
			verified_publ, archived, missing_streak, indexed_at, last_refreshed,
			install_hint
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			tags = excluded.tags,
			category = excluded.category,
			source_repo = excluded.source_repo,
			source_path = excluded.source_path,
			revision = excluded.revision,
			content_hash = excluded.content_hash,
			size_bytes = excluded.size_bytes,
			language = excluded.language,
			version = excluded.version,
			triggers = excluded.triggers,
			roles = excluded.roles,
			compatibility = excluded.compatibility,
			repository_url = excluded.repository_url,
			signals = excluded.signals,
			score = excluded.score,
			sub_scores = excluded.sub_scores,
			tier = excluded.tier,
			scan_status = excluded.scan_status,
			risk_score = excluded.risk_score,
			last_scanned_at = excluded.last_scanned_at,
			verified_publ = excluded.verified_publ,
			archived = excluded.archived,
			missing_streak = excluded.missing_streak,
			last_refreshed = excluded.last_refreshed,
			install_hint = excluded.install_hint`,
		id, skill.Author, skill.Name, skill.Description, string(tags), skill.Category,
		skill.SourceRepo, skill.SourcePath, skill.Revision, skill.ContentHash,
		skill.SizeBytes, skill.Language, skill.Version, string(triggers), string(roles),
		string(compat), skill.RepositoryURL, string(signals), skill.Score,
		string(subScores), string(skill.Tier), string(skill.ScanStatus), skill.RiskScore,
		nullTime(skill.LastScannedAt), boolInt(skill.VerifiedPubl), boolInt(skill.Archived),
		skill.MissingStreak, skill.IndexedAt, skill.LastRefreshed, skill.InstallHint,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert skill %s: %v", ErrStorage, id, err)
	}

	// Version history: one row per upstream revision.
	if skill.Revision != "" {
		_, err = tx.Exec(`
			INSERT OR IGNORE INTO skill_versions (skill_id, version_label, upstream_revision, content_hash, indexed_at)
			VALUES (?,?,?,?,?)`,
			id, versionLabel, skill.Revision, skill.ContentHash, now)
		if err != nil {
			return fmt.Errorf("%w: record version for %s: %v", ErrStorage, id, err)
		}
	}

	// Embedding: at most one active per skill.
	if len(embedding) > 0 {
		vecJSON, _ := json.Marshal(embedding)
		_, err = tx.Exec(`
			INSERT INTO embeddings (skill_id, dim, vector, model_id) VALUES (?,?,?,?)
			ON CONFLICT(skill_id) DO UPDATE SET dim = excluded.dim, vector = excluded.vector, model_id = excluded.model_id`,
			id, len(embedding), string(vecJSON), modelID)
		if err != nil {
			return fmt.Errorf("%w: upsert embedding for %s: %v", ErrStorage, id, err)
		}

		if s.vecEnabled {
			if _, err := tx.Exec("DELETE FROM skills_vec WHERE skill_id = ?", id); err != nil {
				return fmt.Errorf("%w: clear vector row for %s: %v", ErrStorage, id, err)
			}
			if _, err := tx.Exec("INSERT INTO skills_vec (skill_id, embedding) VALUES (?, ?)", id, string(vecJSON)); err != nil {
				return fmt.Errorf("%w: insert vector row for %s: %v", ErrStorage, id, err)
			}
		}
	}

	// Lexical index terms.
	if s.ftsEnabled {
		if _, err := tx.Exec("DELETE FROM skills_fts WHERE skill_id = ?", id); err != nil {
			return fmt.Errorf("%w: clear lexical terms for %s: %v", ErrStorage, id, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO skills_fts (skill_id, name, description, author) VALUES (?,?,?,?)",
			id, skill.Name, skill.Description, skill.Author); err != nil {
			return fmt.Errorf("%w: index lexical terms for %s: %v", ErrStorage, id, err)
		}
	}

	// Category mapping.
	if skill.Category != "" {
		if _, err := tx.Exec("INSERT OR IGNORE INTO categories (name) VALUES (?)", strings.ToLower(skill.Category)); err != nil {
			return fmt.Errorf("%w: upsert category: %v", ErrStorage, err)
		}
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO skill_categories (skill_id, category_id)
			SELECT ?, id FROM categories WHERE name = ?`,
			id, strings.ToLower(skill.Category)); err != nil {
			return fmt.Errorf("%w: map category: %v", ErrStorage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit upsert for %s: %v", ErrStorage, id, err)
	}
	return nil
}

// GetSkill loads a skill by "author/name" id.
func (s *Store) GetSkill(id string) (*types.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+skillColumns+" FROM skills WHERE id = ?", id)
	skill, err := scanSkill(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get skill %s: %v", ErrStorage, id, err)
	}
	return skill, nil
}

// GetEmbedding loads the active embedding for a skill, or nil when absent.
func (s *Store) GetEmbedding(id string) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRow("SELECT vector FROM embeddings WHERE skill_id = ?", id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get embedding %s: %v", ErrStorage, id, err)
	}
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, fmt.Errorf("%w: corrupt embedding for %s: %v", ErrStorage, id, err)
	}
	return vec, nil
}

// DeleteSkill soft-deletes: the row is retained with archived=1 and its
// lexical terms are dropped so it can never rank.
func (s *Store) DeleteSkill(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE skills SET archived = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: archive skill %s: %v", ErrStorage, id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	if s.ftsEnabled {
		s.db.Exec("DELETE FROM skills_fts WHERE skill_id = ?", id)
	}
	return nil
}

// UpdateScanStatus records a fresh scan outcome on the skill row.
func (s *Store) UpdateScanStatus(id string, rec types.Recommendation, risk float64, tier types.TrustTier, scannedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE skills SET scan_status = ?, risk_score = ?, tier = ?, last_scanned_at = ? WHERE id = ?`,
		string(rec), risk, string(tier), scannedAt, id)
	if err != nil {
		return fmt.Errorf("%w: update scan status for %s: %v", ErrStorage, id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMissing increments the consecutive-miss counter and returns the new
// streak. The sync scheduler archives skills past its threshold.
func (s *Store) MarkMissing(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("UPDATE skills SET missing_streak = missing_streak + 1 WHERE id = ?", id); err != nil {
		return 0, fmt.Errorf("%w: mark missing %s: %v", ErrStorage, id, err)
	}
	var streak int
	if err := s.db.QueryRow("SELECT missing_streak FROM skills WHERE id = ?", id).Scan(&streak); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("%w: read missing streak %s: %v", ErrStorage, id, err)
	}
	return streak, nil
}

// ResetMissing clears the consecutive-miss counter after a successful refresh.
func (s *Store) ResetMissing(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("UPDATE skills SET missing_streak = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: reset missing %s: %v", ErrStorage, id, err)
	}
	return nil
}

// ArchiveStale archives every skill whose missing streak reached threshold
// and returns their ids.
func (s *Store) ArchiveStale(threshold int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT id FROM skills WHERE archived = 0 AND missing_streak >= ?", threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: list stale skills: %v", ErrStorage, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan stale id: %v", ErrStorage, err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := s.db.Exec("UPDATE skills SET archived = 1 WHERE id = ?", id); err != nil {
			return nil, fmt.Errorf("%w: archive %s: %v", ErrStorage, id, err)
		}
		if s.ftsEnabled {
			s.db.Exec("DELETE FROM skills_fts WHERE skill_id = ?", id)
		}
	}
	return ids, nil
}

// ListActive returns every non-archived skill, ordered by id, for the
// sync scheduler's full pass.
func (s *Store) ListActive() ([]*types.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT " + skillColumns + " FROM skills WHERE archived = 0 ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("%w: list active: %v", ErrStorage, err)
	}
	defer rows.Close()

	var skills []*types.Skill
	for rows.Next() {
		skill, err := scanSkill(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan skill: %v", ErrStorage, err)
		}
		skills = append(skills, skill)
	}
	return skills, rows.Err()
}

// VersionHistory returns the version rows for a skill, newest first.
func (s *Store) VersionHistory(id string) ([]types.SkillVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT skill_id, version_label, upstream_revision, content_hash, indexed_at
		FROM skill_versions WHERE skill_id = ? ORDER BY indexed_at DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: version history %s: %v", ErrStorage, id, err)
	}
	defer rows.Close()

	var versions []types.SkillVersion
	for rows.Next() {
		var v types.SkillVersion
		if err := rows.Scan(&v.SkillID, &v.VersionLabel, &v.UpstreamRevision, &v.ContentHash, &v.IndexedAt); err != nil {
			return nil, fmt.Errorf("%w: scan version: %v", ErrStorage, err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// =============================================================================
// ROW SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSkill(row rowScanner) (*types.Skill, error) {
	return scanSkillExtra(row)
}

// scanSkillExtra scans a skill row followed by any trailing columns
// (rank, distance, vector text) into extras.
func scanSkillExtra(row rowScanner, extras ...interface{}) (*types.Skill, error) {
	var (
		sk                                   types.Skill
		id, tags, triggers, roles, compat    string
		signals, subScores, tier, scanStatus string
		lastScanned                          sql.NullTime
		verifiedPubl, archived               int
	)

	dest := []interface{}{
		&id, &sk.Author, &sk.Name, &sk.Description, &tags, &sk.Category,
		&sk.SourceRepo, &sk.SourcePath, &sk.Revision, &sk.ContentHash,
		&sk.SizeBytes, &sk.Language, &sk.Version, &triggers, &roles, &compat,
		&sk.RepositoryURL, &signals, &sk.Score, &subScores, &tier, &scanStatus,
		&sk.RiskScore, &lastScanned, &verifiedPubl, &archived,
		&sk.MissingStreak, &sk.IndexedAt, &sk.LastRefreshed, &sk.InstallHint,
	}
	dest = append(dest, extras...)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(tags), &sk.Tags)
	json.Unmarshal([]byte(triggers), &sk.Triggers)
	json.Unmarshal([]byte(roles), &sk.Roles)
	json.Unmarshal([]byte(compat), &sk.Compatibility)
	json.Unmarshal([]byte(signals), &sk.Signals)
	json.Unmarshal([]byte(subScores), &sk.SubScores)
	sk.Tier = types.TrustTier(tier)
	sk.ScanStatus = types.Recommendation(scanStatus)
	if lastScanned.Valid {
		sk.LastScannedAt = lastScanned.Time
	}
	sk.VerifiedPubl = verifiedPubl != 0
	sk.Archived = archived != 0

	return &sk, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
