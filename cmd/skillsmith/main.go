package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"skillsmith/internal/audit"
	"skillsmith/internal/catalog"
	"skillsmith/internal/config"
	"skillsmith/internal/embedding"
	"skillsmith/internal/fetch"
	"skillsmith/internal/local"
	"skillsmith/internal/logging"
	"skillsmith/internal/pipeline"
	"skillsmith/internal/quarantine"
	"skillsmith/internal/recommend"
	"skillsmith/internal/scan"
	"skillsmith/internal/search"
	"skillsmith/internal/syncer"
	"skillsmith/internal/tool"
)

// Exit codes mirrored by every subcommand.
const (
	exitOK          = 0
	exitError       = 1
	exitInvalidArgs = 2
	exitQuarantined = 3
	exitUpstream    = 4
)

var (
	// Global flags
	verbose    bool
	configPath string
	baseDir    string

	// Logger
	logger *zap.Logger

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "skillsmith",
	Short: "skillsmith - registry and discovery for agent skills",
	Long: `skillsmith indexes agent skill documents from upstream repositories,
validates and security-scans them, assigns trust tiers, and serves
hybrid full-text + vector search with ranked recommendations.

All state lives under the base directory (default ~/.skillsmith).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if baseDir == "" {
			baseDir = defaultBaseDir()
		}
		if err := logging.Initialize(baseDir); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		path := configPath
		if path == "" {
			path = filepath.Join(baseDir, "config.yaml")
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func defaultBaseDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".skillsmith")
	}
	return ".skillsmith"
}

// app is the assembled component graph behind every subcommand.
type app struct {
	catalog    *catalog.Store
	quarantine *quarantine.Store
	overlay    *local.Overlay
	chain      *audit.Chain
	service    *tool.Service
	sync       *syncer.Syncer
}

// buildApp wires the full stack. withSync also constructs the upstream
// fetch client, which needs credentials.
func buildApp(withSync bool) (*app, error) {
	chain, err := audit.Open(resolvePath(cfg.Audit.ChainPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open audit chain: %w", err)
	}

	cat, err := catalog.Open(resolvePath(cfg.Catalog.DatabasePath), cfg.Embedding.Dimensions)
	if err != nil {
		return nil, err
	}
	quar, err := quarantine.Open(resolvePath(cfg.Catalog.QuarantinePath), chain)
	if err != nil {
		return nil, err
	}

	overlay, err := local.Open(resolvePath(cfg.Local.SkillsDir), chain)
	if err != nil {
		return nil, err
	}
	if cfg.Local.Watch {
		if werr := overlay.Watch(); werr != nil {
			logger.Warn("local watcher unavailable", zap.Error(werr))
		}
	}

	embedder, err := embedding.NewEngine(embedding.Config{
		Provider:   cfg.Embedding.Provider,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		return nil, err
	}

	engine := search.New(cat, embedder, overlay, cfg.Search)
	rec := recommend.New(cat, engine, overlay, cfg.Recommend)

	a := &app{catalog: cat, quarantine: quar, overlay: overlay, chain: chain}

	if withSync {
		client, err := fetch.New(cfg.Fetch)
		if err != nil {
			return nil, err
		}
		pipe := pipeline.New(cat, quar, scan.New(scan.Config{
			EnabledCategories: cfg.Scan.EnabledCategories,
			URLAllowlist:      cfg.Scan.URLAllowlist,
		}), embedder, chain, cfg.Sync.Workers)
		pipe.SetFeatures(pipeline.Features{
			LinearScoring:    !cfg.Features.LogarithmicScoring,
			StrictValidation: cfg.Features.StrictValidation,
		})
		a.sync, err = syncer.New(client, pipe, cat, chain,
			resolvePath(cfg.Sync.StatePath), cfg.Catalog.ArchiveAfter)
		if err != nil {
			return nil, err
		}
	}

	a.service = tool.New(cat, quar, engine, rec, overlay, a.sync)
	return a, nil
}

func (a *app) Close() {
	if a.overlay != nil {
		a.overlay.Close()
	}
	if a.quarantine != nil {
		a.quarantine.Close()
	}
	if a.catalog != nil {
		a.catalog.Close()
	}
	if a.chain != nil {
		a.chain.Close()
	}
}

// resolvePath anchors relative config paths under the base directory.
func resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, filepath.Clean(p))
}

// exitCodeFor maps structured errors onto the documented exit codes.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var terr *tool.Error
	if errors.As(err, &terr) {
		switch terr.Kind {
		case tool.KindEmptyQuery, tool.KindInvalidFilter, tool.KindInvalidInput, tool.KindIdenticalIDs:
			return exitInvalidArgs
		case tool.KindQuarantined:
			return exitQuarantined
		case tool.KindUpstreamUnavailable:
			return exitUpstream
		}
	}
	if errors.Is(err, fetch.ErrRateLimited) || errors.Is(err, fetch.ErrBlockedHost) {
		return exitUpstream
	}
	return exitError
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <base>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "state directory (default ~/.skillsmith)")

	rootCmd.AddCommand(searchCmd, recommendCmd, validateCmd, compareCmd,
		syncCmd, listCmd, removeCmd, initCmd, publishCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if hint := remediationHint(err); hint != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
		os.Exit(exitCodeFor(err))
	}
}

// remediationHint suggests a fix for well-known failure kinds.
func remediationHint(err error) string {
	var terr *tool.Error
	if errors.As(err, &terr) {
		switch terr.Kind {
		case tool.KindEmptyQuery:
			return "pass query text or one of --tier, --category, --min-score"
		case tool.KindUpstreamUnavailable:
			return "set SKILLSMITH_GITHUB_TOKEN to raise the upstream rate limit"
		case tool.KindQuarantined:
			return "the skill is under security review; check quarantine status"
		}
	}
	if errors.Is(err, fetch.ErrRateLimited) {
		return "set SKILLSMITH_GITHUB_TOKEN to raise the upstream rate limit"
	}
	return ""
}
