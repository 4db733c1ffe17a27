// Package quarantine owns the review queue for potentially-malicious
// skills. Entries move through a small state machine: pending until enough
// distinct reviewers approve, or a reviewer rejects, or the system cancels.
// Terminal entries never transition again.
package quarantine

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"skillsmith/internal/audit"
	"skillsmith/internal/logging"
	"skillsmith/internal/types"
)

// Sentinel errors for workflow violations.
var (
	ErrNotFound        = errors.New("quarantine entry not found")
	ErrTerminalState   = errors.New("entry is in a terminal state")
	ErrAlreadyApproved = errors.New("reviewer already approved this entry")
	ErrCapability      = errors.New("insufficient capability")
	ErrQuarantined     = errors.New("skill is quarantined")
)

// Capability gates review operations. ReadOnly callers can list and get;
// Review callers can approve and reject single-approval entries; Admin is
// required to resolve multi-approval (malicious) entries and to cancel.
type Capability int

const (
	CapReadOnly Capability = iota
	CapReview
	CapAdmin
)

func (c Capability) String() string {
	switch c {
	case CapReadOnly:
		return "read_only"
	case CapReview:
		return "review"
	case CapAdmin:
		return "admin"
	}
	return "unknown"
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status   types.QuarantineStatus
	Severity types.QuarantineSeverity
	SkillID  string
}

// Store persists quarantine entries in their own SQLite database, separate
// from the catalog so review state survives catalog rebuilds.
type Store struct {
	mu    sync.RWMutex
	db    *sql.DB
	path  string
	chain *audit.Chain // optional, nil disables audit appends
}

// Open creates or opens the quarantine database at path. chain may be nil.
func Open(path string, chain *audit.Chain) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryQuarantine, "quarantine.Open")
	defer timer.Stop()

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open quarantine store: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS quarantine_entries (
		id                 TEXT PRIMARY KEY,
		skill_id           TEXT NOT NULL,
		reason             TEXT NOT NULL,
		severity           TEXT NOT NULL,
		status             TEXT NOT NULL,
		created_at         TIMESTAMP NOT NULL,
		resolved_at        TIMESTAMP,
		required_approvals INTEGER NOT NULL,
		approvals          TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_quarantine_skill ON quarantine_entries(skill_id, status);
	CREATE INDEX IF NOT EXISTS idx_quarantine_status ON quarantine_entries(status);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize quarantine schema: %w", err)
	}

	return &Store{db: db, path: path, chain: chain}, nil
}

// Create opens a quarantine entry for skillID. Idempotent: while a
// non-terminal entry exists for the skill, Create returns it unchanged.
func (s *Store) Create(skillID, reason string, severity types.QuarantineSeverity) (*types.QuarantineEntry, error) {
	timer := logging.StartTimer(logging.CategoryQuarantine, "quarantine.Create")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.activeEntry(skillID); err != nil {
		return nil, err
	} else if existing != nil {
		logging.Get(logging.CategoryQuarantine).Debug("reusing open entry %s for %s", existing.ID, skillID)
		return existing, nil
	}

	entry := &types.QuarantineEntry{
		ID:                uuid.New().String(),
		SkillID:           skillID,
		Reason:            reason,
		Severity:          severity,
		Status:            types.QuarantinePending,
		CreatedAt:         time.Now().UTC(),
		RequiredApprovals: severity.RequiredApprovals(),
	}

	_, err := s.db.Exec(`
		INSERT INTO quarantine_entries
			(id, skill_id, reason, severity, status, created_at, required_approvals, approvals)
		VALUES (?, ?, ?, ?, ?, ?, ?, '[]')`,
		entry.ID, entry.SkillID, entry.Reason, string(entry.Severity),
		string(entry.Status), entry.CreatedAt, entry.RequiredApprovals)
	if err != nil {
		return nil, fmt.Errorf("failed to create quarantine entry: %w", err)
	}

	s.auditAppend("system", audit.ActionQuarantineCreated, skillID, map[string]string{
		"entry_id": entry.ID,
		"severity": string(severity),
		"reason":   reason,
	})
	logging.Get(logging.CategoryQuarantine).Info("quarantined %s (severity=%s, approvals_required=%d)",
		skillID, severity, entry.RequiredApprovals)
	return entry, nil
}

// AddApproval records one reviewer's sign-off. The entry transitions to
// approved when the distinct-reviewer count reaches the requirement.
// Malicious entries need CapAdmin; suspicious entries need CapReview.
func (s *Store) AddApproval(entryID, reviewerID, note string, capability Capability) (*types.QuarantineEntry, error) {
	timer := logging.StartTimer(logging.CategoryQuarantine, "quarantine.AddApproval")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.getLocked(entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status.Terminal() {
		return nil, ErrTerminalState
	}
	if err := requireCapability(entry.Severity, capability); err != nil {
		return nil, err
	}
	for _, a := range entry.Approvals {
		if a.ReviewerID == reviewerID {
			return nil, ErrAlreadyApproved
		}
	}

	entry.Approvals = append(entry.Approvals, types.Approval{
		ReviewerID: reviewerID,
		Timestamp:  time.Now().UTC(),
		Note:       note,
	})

	if len(entry.Approvals) >= entry.RequiredApprovals {
		entry.Status = types.QuarantineApproved
		entry.ResolvedAt = time.Now().UTC()
	}

	if err := s.writeBack(entry); err != nil {
		return nil, err
	}

	s.auditAppend(reviewerID, audit.ActionQuarantineApprove, entry.SkillID, map[string]string{
		"entry_id": entry.ID,
		"status":   string(entry.Status),
	})
	return entry, nil
}

// Reject closes the entry as rejected. Requires CapReview or above.
func (s *Store) Reject(entryID, reviewerID, reason string, capability Capability) (*types.QuarantineEntry, error) {
	return s.resolve(entryID, reviewerID, reason, types.QuarantineRejected, capability, audit.ActionQuarantineReject)
}

// Cancel closes the entry as canceled, typically because the upstream
// content changed and will be rescanned. Requires CapAdmin.
func (s *Store) Cancel(entryID, actor, reason string, capability Capability) (*types.QuarantineEntry, error) {
	if capability < CapAdmin {
		return nil, fmt.Errorf("%w: cancel requires admin, have %s", ErrCapability, capability)
	}
	return s.resolve(entryID, actor, reason, types.QuarantineCanceled, capability, audit.ActionQuarantineCancel)
}

func (s *Store) resolve(entryID, actor, reason string, to types.QuarantineStatus, capability Capability, action audit.Action) (*types.QuarantineEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if capability < CapReview {
		return nil, fmt.Errorf("%w: %s requires review, have %s", ErrCapability, to, capability)
	}

	entry, err := s.getLocked(entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status.Terminal() {
		return nil, ErrTerminalState
	}

	entry.Status = to
	entry.ResolvedAt = time.Now().UTC()
	if err := s.writeBack(entry); err != nil {
		return nil, err
	}

	s.auditAppend(actor, action, entry.SkillID, map[string]string{
		"entry_id": entry.ID,
		"reason":   reason,
	})
	logging.Get(logging.CategoryQuarantine).Info("entry %s resolved %s by %s", entry.ID, to, actor)
	return entry, nil
}

// Get returns one entry by id.
func (s *Store) Get(entryID string) (*types.QuarantineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(entryID)
}

// List returns entries matching the filter, newest first.
func (s *Store) List(filter ListFilter) ([]*types.QuarantineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, skill_id, reason, severity, status, created_at, resolved_at, required_approvals, approvals FROM quarantine_entries WHERE 1=1"
	var args []interface{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(filter.Severity))
	}
	if filter.SkillID != "" {
		query += " AND skill_id = ?"
		args = append(args, filter.SkillID)
	}
	query += " ORDER BY created_at DESC, id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantine entries: %w", err)
	}
	defer rows.Close()

	var entries []*types.QuarantineEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// IsQuarantined reports whether skillID has a non-terminal entry. Callers
// use this to block search exposure and installs.
func (s *Store) IsQuarantined(skillID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, err := s.activeEntry(skillID)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// CheckInstall returns ErrQuarantined with the entry id when the skill is
// under review.
func (s *Store) CheckInstall(skillID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, err := s.activeEntry(skillID)
	if err != nil {
		return err
	}
	if entry != nil {
		return fmt.Errorf("%w: entry %s", ErrQuarantined, entry.ID)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// requireCapability maps severity to the capability its approval needs.
func requireCapability(sev types.QuarantineSeverity, capability Capability) error {
	need := CapReview
	if sev == types.QuarantineMalicious {
		need = CapAdmin
	}
	if capability < need {
		return fmt.Errorf("%w: %s entries require %s, have %s", ErrCapability, sev, need, capability)
	}
	return nil
}

func (s *Store) activeEntry(skillID string) (*types.QuarantineEntry, error) {
	row := s.db.QueryRow(`
		SELECT id, skill_id, reason, severity, status, created_at, resolved_at, required_approvals, approvals
		FROM quarantine_entries
		WHERE skill_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`,
		skillID, string(types.QuarantinePending))
	entry, err := scanEntry(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return entry, err
}

func (s *Store) getLocked(entryID string) (*types.QuarantineEntry, error) {
	row := s.db.QueryRow(`
		SELECT id, skill_id, reason, severity, status, created_at, resolved_at, required_approvals, approvals
		FROM quarantine_entries WHERE id = ?`, entryID)
	return scanEntry(row)
}

// writeBack persists the mutable fields: status, resolved_at, approvals.
func (s *Store) writeBack(entry *types.QuarantineEntry) error {
	approvalsJSON, err := json.Marshal(entry.Approvals)
	if err != nil {
		return fmt.Errorf("failed to encode approvals: %w", err)
	}
	var resolved interface{}
	if !entry.ResolvedAt.IsZero() {
		resolved = entry.ResolvedAt
	}
	_, err = s.db.Exec(`
		UPDATE quarantine_entries SET status = ?, resolved_at = ?, approvals = ?
		WHERE id = ?`,
		string(entry.Status), resolved, string(approvalsJSON), entry.ID)
	if err != nil {
		return fmt.Errorf("failed to update entry %s: %w", entry.ID, err)
	}
	return nil
}

func (s *Store) auditAppend(actor string, action audit.Action, subjectID string, details map[string]string) {
	if s.chain == nil {
		return
	}
	if _, err := s.chain.Append(actor, action, subjectID, details); err != nil {
		logging.Get(logging.CategoryQuarantine).Error("audit append failed: %v", err)
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*types.QuarantineEntry, error) {
	var (
		entry         types.QuarantineEntry
		severity      string
		status        string
		resolvedAt    sql.NullTime
		approvalsJSON string
	)
	err := row.Scan(&entry.ID, &entry.SkillID, &entry.Reason, &severity, &status,
		&entry.CreatedAt, &resolvedAt, &entry.RequiredApprovals, &approvalsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan quarantine entry: %w", err)
	}
	entry.Severity = types.QuarantineSeverity(severity)
	entry.Status = types.QuarantineStatus(status)
	if resolvedAt.Valid {
		entry.ResolvedAt = resolvedAt.Time.UTC()
	}
	if err := json.Unmarshal([]byte(approvalsJSON), &entry.Approvals); err != nil {
		return nil, fmt.Errorf("failed to decode approvals for %s: %w", entry.ID, err)
	}
	return &entry, nil
}
