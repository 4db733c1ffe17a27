// Package syncer keeps the catalog fresh. Full syncs walk the upstream
// discovery cursors and revalidate every known skill; differential syncs
// touch only skills whose upstream changed since the last run. Progress
// checkpoints persist after every page so interrupted syncs resume.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"skillsmith/internal/audit"
	"skillsmith/internal/catalog"
	"skillsmith/internal/fetch"
	"skillsmith/internal/logging"
	"skillsmith/internal/pipeline"
)

// Mode selects the sync strategy.
type Mode string

const (
	ModeFull         Mode = "full"
	ModeDifferential Mode = "differential"
)

// Summary is one sync run's outcome, recorded in history.
type Summary struct {
	ID         string    `json:"id"`
	Mode       Mode      `json:"mode"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Added      int       `json:"added"`
	Updated    int       `json:"updated"`
	Unchanged  int       `json:"unchanged"`
	Errors     int       `json:"errors"`
	Archived   int       `json:"archived"`
}

// State is the persisted scheduler state.
type State struct {
	Cursor         string    `json:"cursor,omitempty"` // resume point for an interrupted full sync
	LastFullSync   time.Time `json:"last_full_sync"`
	LastDiffSync   time.Time `json:"last_diff_sync"`
	History        []Summary `json:"history"`
	HistoryMaxSize int       `json:"-"`
}

const defaultHistorySize = 20

// Source abstracts the fetch client for candidate discovery and document
// retrieval.
type Source interface {
	SearchCandidates(ctx context.Context, cursor string) (*fetch.CandidatePage, error)
	FetchDocument(ctx context.Context, repoID, path, revision string) (*fetch.Document, error)
}

// Syncer orchestrates sync runs.
type Syncer struct {
	source    Source
	pipeline  *pipeline.Pipeline
	catalog   *catalog.Store
	chain     *audit.Chain // optional
	statePath string

	archiveAfter int
	state        State
}

// New builds a syncer, loading prior state from statePath when present.
func New(source Source, pipe *pipeline.Pipeline, cat *catalog.Store, chain *audit.Chain, statePath string, archiveAfter int) (*Syncer, error) {
	if archiveAfter <= 0 {
		archiveAfter = 3
	}
	s := &Syncer{
		source:       source,
		pipeline:     pipe,
		catalog:      cat,
		chain:        chain,
		statePath:    statePath,
		archiveAfter: archiveAfter,
		state:        State{HistoryMaxSize: defaultHistorySize},
	}
	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

// State returns a copy of the persisted scheduler state.
func (s *Syncer) State() State {
	return s.state
}

// Run executes one sync in the given mode and returns its summary.
func (s *Syncer) Run(ctx context.Context, mode Mode) (*Summary, error) {
	timer := logging.StartTimer(logging.CategorySync, "syncer.Run")
	defer timer.Stop()

	summary := &Summary{
		ID:        uuid.New().String(),
		Mode:      mode,
		StartedAt: time.Now().UTC(),
	}

	var err error
	switch mode {
	case ModeFull:
		err = s.runFull(ctx, summary)
	case ModeDifferential:
		err = s.runDifferential(ctx, summary)
	default:
		return nil, fmt.Errorf("unknown sync mode %q", mode)
	}
	if err != nil {
		summary.Errors++
	}

	// Archival sweep: skills missing for too many consecutive refreshes
	archived, aerr := s.catalog.ArchiveStale(s.archiveAfter)
	if aerr == nil {
		summary.Archived = len(archived)
	}

	// Lifecycle entries are appended only once the outcome is known: a
	// differential run that touched nothing leaves the chain untouched.
	noop := mode == ModeDifferential &&
		summary.Added == 0 && summary.Updated == 0 &&
		summary.Errors == 0 && summary.Archived == 0
	if !noop {
		s.auditAppend(audit.ActionSyncStarted, summary.ID, map[string]string{
			"mode":       string(mode),
			"started_at": summary.StartedAt.Format(time.RFC3339),
		})
		for _, id := range archived {
			s.auditAppend(audit.ActionSkillArchived, id, map[string]string{"reason": "missing_upstream"})
		}
	}

	summary.FinishedAt = time.Now().UTC()
	switch mode {
	case ModeFull:
		s.state.LastFullSync = summary.FinishedAt
		s.state.Cursor = "" // full run completed, no resume point
	case ModeDifferential:
		s.state.LastDiffSync = summary.FinishedAt
	}
	s.pushHistory(*summary)
	if serr := s.saveState(); serr != nil {
		logging.Get(logging.CategorySync).Error("failed to persist sync state: %v", serr)
	}

	if !noop {
		s.auditAppend(audit.ActionSyncCompleted, summary.ID, map[string]string{
			"mode":      string(mode),
			"added":     fmt.Sprintf("%d", summary.Added),
			"updated":   fmt.Sprintf("%d", summary.Updated),
			"unchanged": fmt.Sprintf("%d", summary.Unchanged),
			"errors":    fmt.Sprintf("%d", summary.Errors),
		})
	}

	logging.Get(logging.CategorySync).Info("%s sync done: +%d ~%d =%d !%d archived=%d",
		mode, summary.Added, summary.Updated, summary.Unchanged, summary.Errors, summary.Archived)
	if err != nil {
		return summary, err
	}
	return summary, nil
}

// runFull walks the discovery cursors page by page, checkpointing after
// each page, then revalidates known skills the discovery missed.
func (s *Syncer) runFull(ctx context.Context, summary *Summary) error {
	cursor := s.state.Cursor
	seen := make(map[string]bool)

	for {
		page, err := s.source.SearchCandidates(ctx, cursor)
		if err != nil {
			return fmt.Errorf("discovery failed: %w", err)
		}

		s.ingestCandidates(ctx, page.Candidates, summary, seen)

		// Checkpoint: a crash after this point resumes from NextCursor
		s.state.Cursor = page.NextCursor
		if err := s.saveState(); err != nil {
			logging.Get(logging.CategorySync).Warn("checkpoint write failed: %v", err)
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	return s.refreshKnown(ctx, summary, seen, false)
}

// runDifferential refreshes only skills whose upstream moved since the
// last sync.
func (s *Syncer) runDifferential(ctx context.Context, summary *Summary) error {
	return s.refreshKnown(ctx, summary, nil, true)
}

// refreshKnown revisits cataloged skills. With diffOnly, skills whose
// upstream updated_at predates the last sync are counted unchanged
// without a fetch.
func (s *Syncer) refreshKnown(ctx context.Context, summary *Summary, skip map[string]bool, diffOnly bool) error {
	skills, err := s.catalog.ListActive()
	if err != nil {
		return err
	}

	lastSync := s.state.LastDiffSync
	if s.state.LastFullSync.After(lastSync) {
		lastSync = s.state.LastFullSync
	}

	for _, sk := range skills {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if skip != nil && skip[sk.ID()] {
			continue
		}
		if diffOnly && !lastSync.IsZero() && !sk.Signals.UpdatedAt.IsZero() && sk.Signals.UpdatedAt.Before(lastSync) {
			summary.Unchanged++
			continue
		}

		doc, err := s.source.FetchDocument(ctx, sk.SourceRepo, sk.SourcePath, "")
		if err != nil {
			if errors.Is(err, fetch.ErrNotFound) {
				streak, merr := s.pipeline.MarkMissing(sk.ID())
				if merr == nil {
					logging.Get(logging.CategorySync).Info("%s missing upstream (streak %d)", sk.ID(), streak)
				}
				continue
			}
			summary.Errors++
			logging.Get(logging.CategorySync).Warn("refresh failed for %s: %v", sk.ID(), err)
			continue
		}

		result := s.pipeline.Process(ctx, pipeline.Candidate{
			RepoID:            sk.SourceRepo,
			Path:              sk.SourcePath,
			Content:           doc.Content,
			Revision:          doc.Revision,
			Signals:           doc.Signals,
			VerifiedPublisher: sk.VerifiedPubl,
		})
		countOutcome(summary, result)
	}
	return nil
}

// ingestCandidates streams one discovery page through the pipeline.
func (s *Syncer) ingestCandidates(ctx context.Context, candidates []fetch.Candidate, summary *Summary, seen map[string]bool) {
	var batch []pipeline.Candidate
	for _, c := range candidates {
		doc, err := s.source.FetchDocument(ctx, c.RepoID, c.Path, "")
		if err != nil {
			if !errors.Is(err, fetch.ErrNotFound) {
				summary.Errors++
			}
			continue
		}
		batch = append(batch, pipeline.Candidate{
			RepoID:   c.RepoID,
			Path:     c.Path,
			Content:  doc.Content,
			Revision: doc.Revision,
			Signals:  doc.Signals,
		})
	}

	for _, result := range s.pipeline.Run(ctx, batch) {
		countOutcome(summary, result)
		if result.SkillID != "" && seen != nil {
			seen[result.SkillID] = true
		}
	}
}

func countOutcome(summary *Summary, r pipeline.Result) {
	switch r.Outcome {
	case pipeline.OutcomeAdded:
		summary.Added++
	case pipeline.OutcomeUpdated, pipeline.OutcomeQuarantined:
		summary.Updated++
	case pipeline.OutcomeUnchanged:
		summary.Unchanged++
	case pipeline.OutcomeError:
		summary.Errors++
	}
}

// RunBackground polls at the given interval and runs a differential sync
// when due. Returns when ctx is canceled.
func (s *Syncer) RunBackground(ctx context.Context, poll, due time.Duration) {
	if poll <= 0 {
		poll = time.Minute
	}
	if due <= 0 {
		due = 24 * time.Hour
	}

	log := logging.Get(logging.CategorySync)
	log.Info("background sync started (poll=%s, due=%s)", poll, due)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("background sync stopped")
			return
		case <-ticker.C:
			last := s.state.LastDiffSync
			if s.state.LastFullSync.After(last) {
				last = s.state.LastFullSync
			}
			if time.Since(last) < due {
				continue
			}
			if _, err := s.Run(ctx, ModeDifferential); err != nil {
				log.Error("background sync failed: %v", err)
			}
		}
	}
}

func (s *Syncer) pushHistory(summary Summary) {
	keep := s.state.HistoryMaxSize
	if keep <= 0 {
		keep = defaultHistorySize
	}
	s.state.History = append(s.state.History, summary)
	if len(s.state.History) > keep {
		s.state.History = s.state.History[len(s.state.History)-keep:]
	}
}

func (s *Syncer) loadState() error {
	if s.statePath == "" {
		return nil
	}
	raw, err := os.ReadFile(s.statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read sync state: %w", err)
	}
	if err := json.Unmarshal(raw, &s.state); err != nil {
		return fmt.Errorf("failed to parse sync state: %w", err)
	}
	s.state.HistoryMaxSize = defaultHistorySize
	return nil
}

func (s *Syncer) saveState() error {
	if s.statePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	// Write-then-rename keeps the checkpoint atomic
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

func (s *Syncer) auditAppend(action audit.Action, subjectID string, details map[string]string) {
	if s.chain == nil {
		return
	}
	if _, err := s.chain.Append("syncer", action, subjectID, details); err != nil {
		logging.Get(logging.CategorySync).Error("audit append failed: %v", err)
	}
}

