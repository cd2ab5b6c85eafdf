// Package cmd implements the docuvec CLI commands.
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/docuvec/docuvec/internal/config"
	"github.com/docuvec/docuvec/internal/embed"
	"github.com/docuvec/docuvec/internal/ingest"
	"github.com/docuvec/docuvec/internal/logging"
	"github.com/docuvec/docuvec/internal/search"
	"github.com/docuvec/docuvec/internal/status"
	"github.com/docuvec/docuvec/internal/store"
	"github.com/docuvec/docuvec/pkg/version"
)

var (
	cfgFile string
	dataDir string
)

var rootCmd = &cobra.Command{
	Use:           "docuvec",
	Short:         "Multi-vector document search engine",
	Long:          "docuvec indexes documents as compressed multi-vector embeddings and answers natural-language queries with two-stage late-interaction retrieval.",
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the data directory")
}

// app bundles the wired core for one CLI invocation.
type app struct {
	cfg      config.Config
	store    *store.Store
	embedder embed.Embedder
	tracker  *status.Tracker
	cleanups []func()
}

// openApp loads configuration, logging, the store and the embedder.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	logCleanup, err := logging.SetupDefault(logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.FilePath,
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: cfg.Logging.FilePath == "",
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, cleanups: []func(){logCleanup}}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.embedder = embedder
	a.cleanups = append(a.cleanups, func() { _ = embedder.Close() })

	// A dimension disagreement between config and embedder is fatal.
	if embedder.Dimensions() != cfg.DeploymentDim {
		a.close()
		return nil, fmt.Errorf("embedder produces %d dims, deployment expects %d",
			embedder.Dimensions(), cfg.DeploymentDim)
	}

	st, err := store.Open(cfg.DataDir, store.Config{
		Dim:              cfg.DeploymentDim,
		ReprRule:         cfg.ReprRuleParsed(),
		MaxMetadataBytes: cfg.Ingest.MaxMetadataBytes,
		HNSW: store.HNSWConfig{
			Dim:      cfg.DeploymentDim,
			M:        cfg.HNSW.M,
			EfSearch: cfg.HNSW.EfSearch,
		},
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = st
	a.cleanups = append(a.cleanups, func() { _ = st.Close() })

	a.tracker = status.NewTracker()
	if err := a.tracker.RebuildFromStore(cmd.Context(), st); err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

// buildEmbedder assembles the embedder stack: backend, retry, query cache.
func buildEmbedder(cfg config.Config) (embed.Embedder, error) {
	var base embed.Embedder
	switch cfg.Embedder.Backend {
	case "static":
		base = embed.NewStaticEmbedder(cfg.DeploymentDim)
	default:
		base = embed.NewRemoteEmbedder(embed.RemoteConfig{
			Endpoint: cfg.Embedder.Endpoint,
			Model:    cfg.Embedder.Model,
			Dim:      cfg.DeploymentDim,
		})
	}

	retried := embed.NewRetryingEmbedder(base, cfg.Embedder.MaxRetries)
	return embed.NewCachedEmbedder(retried, cfg.Embedder.CacheSize)
}

// engine wires the search engine from the app.
func (a *app) engine() (*search.Engine, error) {
	return search.NewEngine(a.store, a.embedder, search.Config{
		Stage1Candidates: a.cfg.Search.Stage1Candidates,
		Stage1Timeout:    msToDuration(a.cfg.Search.Stage1TimeoutMS),
		Stage2Timeout:    msToDuration(a.cfg.Search.Stage2TimeoutMS),
		TotalTimeout:     msToDuration(a.cfg.Search.TotalTimeoutMS),
		MaxQueryTokens:   a.cfg.Search.MaxQueryTokens,
		QueryWorkers:     a.cfg.Search.QueryWorkers,
	})
}

// orchestrator wires the ingest pipeline from the app.
func (a *app) orchestrator() (*ingest.Orchestrator, error) {
	return ingest.NewOrchestrator(a.store, a.embedder, &ingest.PlainTextParser{}, a.tracker, ingest.Policy{
		AllowedExtensions: a.cfg.Ingest.AllowedExtensions,
		MaxFileBytes:      a.cfg.MaxFileBytes(),
	})
}

// close runs cleanups in reverse order.
func (a *app) close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

// msToDuration converts the config's millisecond fields.
func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
