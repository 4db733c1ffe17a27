// Package pipeline runs candidates through the full ingestion path:
// validate, size-check, scan, score, then either catalog upsert or
// quarantine. Candidates are processed by a bounded worker pool; all
// writes for one skill happen in order on one worker.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"skillsmith/internal/audit"
	"skillsmith/internal/catalog"
	"skillsmith/internal/logging"
	"skillsmith/internal/quarantine"
	"skillsmith/internal/scan"
	"skillsmith/internal/score"
	"skillsmith/internal/types"
	"skillsmith/internal/validate"
)

// Candidate is one document entering the pipeline.
type Candidate struct {
	RepoID   string
	Path     string
	Content  []byte
	Revision string
	Signals  types.RepoSignals

	// VerifiedPublisher and OperatorCurated come from out-of-band registry
	// metadata; DirectURL marks ad-hoc fetches outside the indexing queries.
	VerifiedPublisher bool
	OperatorCurated   bool
	DirectURL         bool
}

// Outcome classifies what the pipeline did with one candidate.
type Outcome string

const (
	OutcomeAdded       Outcome = "added"
	OutcomeUpdated     Outcome = "updated"
	OutcomeUnchanged   Outcome = "unchanged"
	OutcomeQuarantined Outcome = "quarantined"
	OutcomeRejected    Outcome = "rejected"
	OutcomeError       Outcome = "error"
)

// Result is the per-candidate report.
type Result struct {
	SkillID string
	Outcome Outcome
	Reason  string
	Err     error
}

// Pipeline wires the ingestion stages together.
type Pipeline struct {
	catalog    *catalog.Store
	quarantine *quarantine.Store
	scanner    *scan.Scanner
	embedder   Embedder
	chain      *audit.Chain // optional

	workers  int64
	features Features
}

// Features toggles compatibility behavior in the ingestion stages.
type Features struct {
	LinearScoring    bool // legacy linear popularity buckets
	StrictValidation bool // reject documents instead of auto-repairing
}

// Embedder is the subset of the embedding engine the pipeline needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Name() string
}

// New builds a pipeline. chain may be nil; workers <= 0 defaults to 6.
func New(cat *catalog.Store, quar *quarantine.Store, scanner *scan.Scanner, embedder Embedder, chain *audit.Chain, workers int) *Pipeline {
	if workers <= 0 {
		workers = 6
	}
	return &Pipeline{
		catalog:    cat,
		quarantine: quar,
		scanner:    scanner,
		embedder:   embedder,
		chain:      chain,
		workers:    int64(workers),
	}
}

// SetFeatures applies feature flags. Call before Run.
func (p *Pipeline) SetFeatures(f Features) {
	p.features = f
}

// Run processes candidates concurrently under the worker bound and
// returns one result per candidate, in input order.
func (p *Pipeline) Run(ctx context.Context, candidates []Candidate) []Result {
	timer := logging.StartTimer(logging.CategoryPipeline, "pipeline.Run")
	defer timer.Stop()

	results := make([]Result, len(candidates))
	sem := semaphore.NewWeighted(p.workers)
	var wg sync.WaitGroup

	for i := range candidates {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = Result{Outcome: OutcomeError, Err: err}
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = p.Process(ctx, candidates[i])
		}(i)
	}
	wg.Wait()
	return results
}

// Process runs one candidate through every stage.
func (p *Pipeline) Process(ctx context.Context, c Candidate) Result {
	log := logging.Get(logging.CategoryPipeline)

	// Stage 1: validate
	owner := repoOwner(c.RepoID)
	validated, err := validate.Validate(c.Content, validate.Options{
		RepoOwner: owner,
		Strict:    p.features.StrictValidation,
	})
	if err != nil {
		log.Info("rejected %s/%s: %v", c.RepoID, c.Path, err)
		return Result{Outcome: OutcomeRejected, Reason: err.Error()}
	}

	skill := buildSkill(c, validated)
	id := skill.ID()

	// Unchanged content short-circuits the scan but still refreshes
	// signals and records new upstream revisions.
	existing, err := p.catalog.GetSkill(id)
	if err == nil && existing.ContentHash == skill.ContentHash {
		skill.Tier = existing.Tier
		skill.ScanStatus = existing.ScanStatus
		skill.RiskScore = existing.RiskScore
		skill.LastScannedAt = existing.LastScannedAt
		skill.IndexedAt = existing.IndexedAt
		if err := p.catalog.UpsertSkill(skill, skill.Version, nil, ""); err != nil {
			return Result{SkillID: id, Outcome: OutcomeError, Err: err}
		}
		p.catalog.ResetMissing(id)
		return Result{SkillID: id, Outcome: OutcomeUnchanged}
	}
	isNew := err != nil

	// Stage 2: tier assignment before the scan so size caps and risk
	// thresholds use the right tier config
	skill.Tier = score.AssignTier(score.TierInput{
		VerifiedPublisher: c.VerifiedPublisher,
		OperatorCurated:   c.OperatorCurated,
		LicenseRecognized: score.LicenseRecognized(c.Signals.License),
		HasReadme:         c.Signals.HasReadme,
		HasFrontmatter:    validated.Frontmatter.Name != "",
		DirectURL:         c.DirectURL,
	})

	// Stage 3: size cap per tier
	if err := scan.CheckSize(skill.SizeBytes, skill.Tier); err != nil {
		log.Info("rejected %s: %v", id, err)
		return Result{SkillID: id, Outcome: OutcomeRejected, Reason: err.Error()}
	}

	// Stage 4: security scan
	result := p.scanner.Scan(validated.Body, skill.Tier)
	result.ContentHash = skill.ContentHash
	skill.ScanStatus = result.Recommendation
	skill.RiskScore = result.RiskScore
	skill.LastScannedAt = result.Timestamp

	p.auditAppend("pipeline", audit.ActionScanCompleted, id, map[string]string{
		"risk_score":     fmt.Sprintf("%.1f", result.RiskScore),
		"recommendation": string(result.Recommendation),
		"findings":       fmt.Sprintf("%d", len(result.Findings)),
		"content_hash":   skill.ContentHash,
	})

	// Stage 5: quarantine routing
	if result.Recommendation == types.RecommendQuarantine {
		return p.routeQuarantine(skill, result)
	}

	// Stage 6: scoring
	skill.Score, skill.SubScores = score.Compute(score.Input{
		Signals:           c.Signals,
		Description:       skill.Description,
		Tags:              skill.Tags,
		Body:              validated.Body,
		VerifiedPublisher: c.VerifiedPublisher,
		Now:               time.Now().UTC(),
		LinearPopularity:  p.features.LinearScoring,
	})

	// Stage 7: embedding (best effort) and catalog upsert
	var vec []float32
	modelID := ""
	if p.embedder != nil {
		embedText := skill.Name + " " + skill.Description
		if v, err := p.embedder.Embed(ctx, embedText); err == nil {
			vec = v
			modelID = p.embedder.Name()
		} else {
			log.Warn("embedding failed for %s: %v", id, err)
		}
	}

	if err := p.catalog.UpsertSkill(skill, skill.Version, vec, modelID); err != nil {
		return Result{SkillID: id, Outcome: OutcomeError, Err: err}
	}
	p.catalog.ResetMissing(id)

	if isNew {
		p.auditAppend("pipeline", audit.ActionSkillIndexed, id, map[string]string{
			"tier":  string(skill.Tier),
			"score": fmt.Sprintf("%d", skill.Score),
		})
		return Result{SkillID: id, Outcome: OutcomeAdded}
	}
	p.auditAppend("pipeline", audit.ActionSkillUpdated, id, map[string]string{
		"tier":  string(skill.Tier),
		"score": fmt.Sprintf("%d", skill.Score),
	})
	return Result{SkillID: id, Outcome: OutcomeUpdated}
}

// routeQuarantine opens a review entry, marks the catalog row, and
// downgrades the tier when the ladder calls for it.
func (p *Pipeline) routeQuarantine(skill *types.Skill, result *types.ScanResult) Result {
	id := skill.ID()

	severity := types.QuarantineSuspicious
	for _, f := range result.Findings {
		if f.Severity == types.SeverityCritical {
			severity = types.QuarantineMalicious
			break
		}
	}

	reason := fmt.Sprintf("risk score %.1f with %d findings", result.RiskScore, len(result.Findings))
	if p.quarantine != nil {
		if _, err := p.quarantine.Create(id, reason, severity); err != nil {
			return Result{SkillID: id, Outcome: OutcomeError, Err: err}
		}
	}

	if newTier, changed := score.ApplyScanOutcome(skill.Tier, result.Recommendation); changed {
		p.auditAppend("pipeline", audit.ActionTierChanged, id, map[string]string{
			"from":   string(skill.Tier),
			"to":     string(newTier),
			"reason": "scan_quarantine",
		})
		skill.Tier = newTier
	}

	// The row is kept (hidden from search by scan status) so reviewers
	// can see what they are approving.
	if err := p.catalog.UpsertSkill(skill, skill.Version, nil, ""); err != nil {
		return Result{SkillID: id, Outcome: OutcomeError, Err: err}
	}

	logging.Get(logging.CategoryPipeline).Warn("quarantined %s (%s): %s", id, severity, reason)
	return Result{SkillID: id, Outcome: OutcomeQuarantined, Reason: reason}
}

func buildSkill(c Candidate, v *validate.ValidatedSkill) *types.Skill {
	// Frontmatter-less documents pass non-strict validation with no name;
	// fall back to the source file's basename so ids stay distinct per path.
	name := v.Frontmatter.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(c.Path), ".md")
	}

	now := time.Now().UTC()
	return &types.Skill{
		Author:        v.Frontmatter.Author,
		Name:          name,
		Description:   v.Frontmatter.Description,
		Tags:          v.Frontmatter.Tags,
		Category:      v.Frontmatter.Category,
		SourceRepo:    c.RepoID,
		SourcePath:    c.Path,
		Revision:      c.Revision,
		ContentHash:   v.ContentHash,
		SizeBytes:     v.SizeBytes,
		Version:       v.Frontmatter.Version,
		Triggers:      v.Frontmatter.Triggers,
		Roles:         v.Frontmatter.Roles,
		Compatibility: v.Frontmatter.Compatibility,
		RepositoryURL: "https://github.com/" + c.RepoID,
		InstallHint:   "https://github.com/" + c.RepoID + "/blob/HEAD/" + c.Path,
		Signals:       c.Signals,
		VerifiedPubl:  c.VerifiedPublisher,
		IndexedAt:     now,
		LastRefreshed: now,
	}
}

func repoOwner(repoID string) string {
	for i := 0; i < len(repoID); i++ {
		if repoID[i] == '/' {
			return repoID[:i]
		}
	}
	return repoID
}

func (p *Pipeline) auditAppend(actor string, action audit.Action, subjectID string, details map[string]string) {
	if p.chain == nil {
		return
	}
	if _, err := p.chain.Append(actor, action, subjectID, details); err != nil {
		logging.Get(logging.CategoryPipeline).Error("audit append failed: %v", err)
	}
}

// MarkMissing increments a skill's missing streak; used by the scheduler
// when upstream content disappears.
func (p *Pipeline) MarkMissing(id string) (int, error) {
	return p.catalog.MarkMissing(id)
}
