package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"skillsmith/internal/config"
	"skillsmith/internal/scan"
	"skillsmith/internal/syncer"
	"skillsmith/internal/types"
)

// search flags
var (
	searchTier     string
	searchCategory string
	searchMinScore int
	searchMaxRisk  float64
	searchSafeOnly bool
	searchLimit    int
	searchOffset   int
	searchJSON     bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the skill catalog",
	Long: `Search runs a hybrid full-text + vector query over the catalog and
merges in local skills. With no query text, at least one filter must be
set and results are browsed by score.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		// An explicit --limit (including 0) passes through; unset means
		// one default page.
		limit := searchLimit
		if !cmd.Flags().Changed("limit") {
			limit = cfg.Search.DefaultLimit
			if limit <= 0 {
				limit = 20
			}
		}

		q := types.Query{
			Limit:  limit,
			Offset: searchOffset,
			Filters: types.Filters{
				Category: searchCategory,
				Tier:     types.TrustTier(searchTier),
				MinScore: searchMinScore,
				SafeOnly: searchSafeOnly,
			},
		}
		if len(args) == 1 {
			q.Text = args[0]
		}
		if cmd.Flags().Changed("max-risk") {
			q.Filters.MaxRisk = searchMaxRisk
			q.Filters.HasMaxRisk = true
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		resp, err := a.service.Search(ctx, q)
		if err != nil {
			return err
		}
		if searchJSON {
			return printJSON(resp)
		}

		if len(resp.Results) == 0 {
			fmt.Println("No skills matched.")
			return nil
		}
		if resp.Degraded {
			fmt.Println("(vector search unavailable; lexical results only)")
		}
		for i, r := range resp.Results {
			fmt.Printf("%2d. %-40s %-12s score=%-3d [%s]\n",
				searchOffset+i+1, r.SkillID, r.Tier, r.Score, r.Source)
			if r.Description != "" {
				fmt.Printf("    %s\n", truncate(r.Description, 100))
			}
		}
		fmt.Printf("\n%d of %d results (%s)\n", len(resp.Results), resp.Total, resp.Took.Round(time.Millisecond))
		return nil
	},
}

// recommend flags
var (
	recDescription string
	recRole        string
	recStack       []string
	recInstalled   []string
	recLimit       int
	recJSON        bool
)

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Recommend skills for a project context",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		rc := types.RecommendationContext{
			ProjectDescription: recDescription,
			Role:               recRole,
		}
		if len(recStack) > 0 {
			rc.Stack = &types.Stack{Frameworks: recStack}
		}
		if len(recInstalled) > 0 {
			rc.InstalledSkills = make(map[string]bool, len(recInstalled))
			for _, id := range recInstalled {
				rc.InstalledSkills[id] = true
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		resp, err := a.service.Recommend(ctx, rc, recLimit)
		if err != nil {
			return err
		}
		if recJSON {
			return printJSON(resp)
		}

		if len(resp.Recommendations) == 0 {
			fmt.Println("No recommendations for this context.")
			return nil
		}
		for i, r := range resp.Recommendations {
			fmt.Printf("%2d. %-40s score=%d\n", i+1, r.SkillID, r.QualityScore)
			fmt.Printf("    %s\n", r.Reason)
		}
		fmt.Printf("\nconsidered=%d overlap_filtered=%d (%s)\n",
			resp.CandidatesConsidered, resp.OverlapFiltered, resp.Took.Round(time.Millisecond))
		return nil
	},
}

var validateStrict bool

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a skill document without indexing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		a, err := buildApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		if !cmd.Flags().Changed("strict") {
			validateStrict = cfg.Features.StrictValidation
		}
		report := a.service.Validate(cmd.Context(), content, validateStrict)
		if report.Valid {
			fmt.Printf("valid: %s\n", report.Name)
			for _, r := range report.Repaired {
				fmt.Printf("  repaired: %s\n", r)
			}
			return nil
		}

		fmt.Println("invalid:")
		for _, r := range report.Reasons {
			fmt.Printf("  - %s\n", r)
		}
		os.Exit(exitInvalidArgs)
		return nil
	},
}

var compareJSON bool

var compareCmd = &cobra.Command{
	Use:   "compare <skill-a> <skill-b>",
	Short: "Compare two skills side by side",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		cmp, err := a.service.Compare(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if compareJSON {
			return printJSON(cmp)
		}

		fmt.Printf("a: %-40s tier=%-12s score=%d\n", cmp.A.ID(), cmp.A.Tier, cmp.A.Score)
		fmt.Printf("b: %-40s tier=%-12s score=%d\n", cmp.B.ID(), cmp.B.Tier, cmp.B.Score)
		if len(cmp.Differences) > 0 {
			fmt.Println("differences:")
			for _, d := range cmp.Differences {
				fmt.Printf("  - %s\n", d)
			}
		}
		fmt.Printf("winner: %s\n%s\n", cmp.Winner, cmp.Recommendation)
		return nil
	},
}

// sync flags
var (
	syncForce  bool
	syncDryRun bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the catalog with upstream",
	Long: `Sync refreshes the catalog. By default a differential sync touches
only skills whose upstream changed since the last run; --force walks
the full discovery cursor set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		mode := syncer.ModeDifferential
		if syncForce {
			mode = syncer.ModeFull
		}

		report, err := a.service.Sync(cmd.Context(), mode, syncDryRun)
		if err != nil {
			return err
		}
		if syncDryRun {
			fmt.Println("dry run: no changes made")
			return nil
		}
		fmt.Printf("sync complete: %d added, %d updated, %d unchanged, %d errors (%dms)\n",
			report.Added, report.Updated, report.Unchanged, report.Errors, report.DurationMS)

		// BACKGROUND_SYNC=on keeps the process alive as a scheduler
		if cfg.Sync.Background {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			fmt.Printf("background sync running (due every %s); ctrl-c to stop\n", cfg.GetSyncDue())
			a.sync.RunBackground(ctx, time.Minute, cfg.GetSyncDue())
		}
		return nil
	},
}

var listJSON bool

var listLocalOnly bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List cataloged and local skills",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		var skills []*types.Skill
		if !listLocalOnly {
			skills, err = a.catalog.ListActive()
			if err != nil {
				return err
			}
		}
		skills = append(skills, a.overlay.List()...)

		if listJSON {
			return printJSON(skills)
		}
		if len(skills) == 0 {
			fmt.Println("Catalog is empty. Run sync, or publish a local skill.")
			return nil
		}
		for _, sk := range skills {
			origin := "catalog"
			if sk.Tier == types.TierLocal {
				origin = "local"
			}
			fmt.Printf("%-40s %-12s score=%-3d [%s] %s\n",
				sk.ID(), sk.Tier, sk.Score, origin, truncate(sk.Description, 70))
		}
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <skill-id>",
	Short: "Remove a local skill or archive a catalog entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		// Local skills are deleted outright; catalog entries are archived
		if err := a.overlay.Remove(args[0]); err == nil {
			fmt.Printf("removed local skill %s\n", args[0])
			return nil
		}
		if err := a.catalog.DeleteSkill(args[0]); err != nil {
			return err
		}
		fmt.Printf("archived catalog skill %s\n", args[0])
		return nil
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <file>",
	Short: "Publish a skill document into the local overlay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		a, err := buildApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		// Scan before the write lands; a quarantine verdict blocks publish
		scanner := scan.New(scan.Config{
			EnabledCategories: cfg.Scan.EnabledCategories,
			URLAllowlist:      cfg.Scan.URLAllowlist,
		})
		result := scanner.Scan(string(content), types.TierLocal)
		if result.Recommendation == types.RecommendQuarantine {
			fmt.Printf("blocked: risk=%.1f\n", result.RiskScore)
			for _, f := range result.Findings {
				fmt.Printf("  [%s] %s: %s\n", f.Severity, f.Category, f.Excerpt)
			}
			os.Exit(exitQuarantined)
		}

		sk, err := a.overlay.Publish(filepath.Base(args[0]), content)
		if err != nil {
			return err
		}
		verdict := "ready"
		if result.Recommendation == types.RecommendReview {
			verdict = "needs review"
		}
		fmt.Printf("published %s (score=%d, risk=%.1f, %s)\n", sk.ID(), sk.Score, result.RiskScore, verdict)
		return nil
	},
}

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the state directory and default config",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = filepath.Join(baseDir, "config.yaml")
		}
		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
		}

		defaults := config.DefaultConfig()
		if err := defaults.Save(path); err != nil {
			return err
		}
		for _, dir := range []string{"skills", "audit"} {
			if err := os.MkdirAll(filepath.Join(baseDir, dir), 0o755); err != nil {
				return err
			}
		}

		// Starter skill document for the local overlay
		template := filepath.Join(baseDir, "skills", "SKILL.md")
		if _, err := os.Stat(template); os.IsNotExist(err) {
			if err := os.WriteFile(template, []byte(skillTemplate), 0o644); err != nil {
				return err
			}
		}

		fmt.Printf("initialized %s\n", baseDir)
		fmt.Printf("config written to %s\n", path)
		fmt.Printf("starter skill at %s\n", template)
		return nil
	},
}

const skillTemplate = `---
name: my-first-skill
description: Describe in one or two sentences what this skill helps an agent do.
author: local
tags: [example]
triggers:
  - describe when this skill should activate
---

# My First Skill

Explain the workflow here. The body is what gets indexed and scanned;
keep instructions concrete and link only to documentation hosts.
`

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	searchCmd.Flags().StringVar(&searchTier, "tier", "", "minimum trust tier (verified, curated, community, experimental)")
	searchCmd.Flags().StringVar(&searchCategory, "category", "", "filter by category")
	searchCmd.Flags().IntVar(&searchMinScore, "min-score", 0, "minimum quality score (0-100)")
	searchCmd.Flags().Float64Var(&searchMaxRisk, "max-risk", 0, "maximum risk score (0-100)")
	searchCmd.Flags().BoolVar(&searchSafeOnly, "safe-only", false, "only skills that passed the security scan")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "page size (default 20, max 100; 0 reports only the total)")
	searchCmd.Flags().IntVar(&searchOffset, "offset", 0, "page offset")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "emit JSON")

	recommendCmd.Flags().StringVar(&recDescription, "description", "", "project description")
	recommendCmd.Flags().StringVar(&recRole, "role", "", "agent role (reviewer, tester, ...)")
	recommendCmd.Flags().StringSliceVar(&recStack, "stack", nil, "stack keywords (react, golang, ...)")
	recommendCmd.Flags().StringSliceVar(&recInstalled, "installed", nil, "already installed skill ids")
	recommendCmd.Flags().IntVar(&recLimit, "limit", 0, "number of recommendations (default 5, max 20)")
	recommendCmd.Flags().BoolVar(&recJSON, "json", false, "emit JSON")

	validateCmd.Flags().BoolVar(&validateStrict, "strict", false, "disable frontmatter auto-repair")

	compareCmd.Flags().BoolVar(&compareJSON, "json", false, "emit JSON")

	syncCmd.Flags().BoolVar(&syncForce, "force", false, "run a full sync instead of differential")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "report what would run without syncing")

	listCmd.Flags().BoolVar(&listJSON, "json", false, "emit JSON")
	listCmd.Flags().BoolVar(&listLocalOnly, "local", false, "only local skills")

	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config")
}
