// Package config loads docuvec configuration from a YAML file with
// environment-variable overrides. Deployment constants (dimension, repr
// rule) are validated here; a mismatch with an existing store is fatal at
// open time, not here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/docuvec/docuvec/internal/vector"
)

// Config is the complete docuvec configuration.
type Config struct {
	// DataDir roots the persistent store (records.db, HNSW files, lock).
	DataDir string `yaml:"data_dir"`

	// DeploymentDim is the per-token embedding dimension. Changing it
	// invalidates every stored index.
	DeploymentDim int `yaml:"deployment_dim"`

	// ReprRule selects representative derivation: first_token or max_pool.
	ReprRule string `yaml:"repr_rule"`

	Search   SearchConfig   `yaml:"search"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Embedder EmbedderConfig `yaml:"embedder"`
	HNSW     HNSWConfig     `yaml:"hnsw"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SearchConfig tunes the query path.
type SearchConfig struct {
	Stage1Candidates int `yaml:"stage1_candidates"`
	Stage1TimeoutMS  int `yaml:"stage1_timeout_ms"`
	Stage2TimeoutMS  int `yaml:"stage2_timeout_ms"`
	TotalTimeoutMS   int `yaml:"total_timeout_ms"`
	MaxQueryTokens   int `yaml:"max_query_tokens"`
	QueryWorkers     int `yaml:"query_workers"`
}

// IngestConfig tunes the ingest path.
type IngestConfig struct {
	Workers           int      `yaml:"workers"`
	QueueSize         int      `yaml:"queue_size"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MaxFileSizeMB     int      `yaml:"max_file_size_mb"`
	MaxMetadataBytes  int      `yaml:"max_metadata_bytes"`
}

// EmbedderConfig selects and tunes the embedding backend.
type EmbedderConfig struct {
	// Backend is "remote" (HTTP service) or "static" (deterministic
	// fallback, no model).
	Backend    string `yaml:"backend"`
	Endpoint   string `yaml:"endpoint"`
	Model      string `yaml:"model"`
	MaxRetries int    `yaml:"max_retries"`
	CacheSize  int    `yaml:"cache_size"`
}

// HNSWConfig tunes the per-collection ANN indexes. The pure-Go HNSW
// implementation has no separate construction width; insertion reuses the
// search width, so only M and ef_search are exposed.
type HNSWConfig struct {
	M        int `yaml:"m"`
	EfSearch int `yaml:"ef_search"`
}

// LoggingConfig tunes structured logging.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file_path"`
}

// Default returns the standard deployment defaults.
func Default() Config {
	workers := runtime.GOMAXPROCS(0)
	if workers > 8 {
		workers = 8
	}
	return Config{
		DataDir:       defaultDataDir(),
		DeploymentDim: 128,
		ReprRule:      string(vector.ReprFirstToken),
		Search: SearchConfig{
			Stage1Candidates: 100,
			Stage1TimeoutMS:  200,
			Stage2TimeoutMS:  150,
			TotalTimeoutMS:   500,
			MaxQueryTokens:   512,
			QueryWorkers:     workers,
		},
		Ingest: IngestConfig{
			Workers:           1,
			QueueSize:         64,
			AllowedExtensions: []string{".pdf", ".docx", ".pptx", ".png", ".jpg", ".jpeg", ".mp3", ".wav", ".txt", ".md"},
			MaxFileSizeMB:     100,
			MaxMetadataBytes:  50 * 1024,
		},
		Embedder: EmbedderConfig{
			Backend:    "remote",
			Endpoint:   "http://localhost:8194",
			Model:      "colpali-v1.2",
			MaxRetries: 3,
			CacheSize:  512,
		},
		HNSW: HNSWConfig{
			M:        16,
			EfSearch: 64,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".docuvec"
	}
	return filepath.Join(home, ".docuvec")
}

// Load reads configuration: defaults, then the YAML file (if present), then
// environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides fields from DOCUVEC_* environment variables.
func (c *Config) applyEnv() {
	envString("DOCUVEC_DATA_DIR", &c.DataDir)
	envInt("DOCUVEC_DEPLOYMENT_DIM", &c.DeploymentDim)
	envString("DOCUVEC_REPR_RULE", &c.ReprRule)

	envInt("DOCUVEC_STAGE1_CANDIDATES", &c.Search.Stage1Candidates)
	envInt("DOCUVEC_STAGE1_TIMEOUT_MS", &c.Search.Stage1TimeoutMS)
	envInt("DOCUVEC_STAGE2_TIMEOUT_MS", &c.Search.Stage2TimeoutMS)
	envInt("DOCUVEC_SEARCH_TIMEOUT_MS", &c.Search.TotalTimeoutMS)
	envInt("DOCUVEC_QUERY_WORKERS", &c.Search.QueryWorkers)

	envInt("DOCUVEC_INGEST_WORKERS", &c.Ingest.Workers)
	envInt("DOCUVEC_MAX_FILE_SIZE_MB", &c.Ingest.MaxFileSizeMB)
	envInt("DOCUVEC_MAX_METADATA_BYTES", &c.Ingest.MaxMetadataBytes)
	if v := os.Getenv("DOCUVEC_ALLOWED_EXTENSIONS"); v != "" {
		parts := strings.Split(v, ",")
		exts := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if !strings.HasPrefix(p, ".") {
				p = "." + p
			}
			exts = append(exts, p)
		}
		c.Ingest.AllowedExtensions = exts
	}

	envString("DOCUVEC_EMBEDDER_BACKEND", &c.Embedder.Backend)
	envString("DOCUVEC_EMBEDDER_ENDPOINT", &c.Embedder.Endpoint)
	envString("DOCUVEC_EMBEDDER_MODEL", &c.Embedder.Model)

	envString("DOCUVEC_LOG_LEVEL", &c.Logging.Level)
	envString("DOCUVEC_LOG_FILE", &c.Logging.FilePath)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

// Validate rejects configurations the rest of the system cannot honor.
func (c *Config) Validate() error {
	if c.DeploymentDim <= 0 {
		return fmt.Errorf("deployment_dim must be positive, got %d", c.DeploymentDim)
	}
	if _, err := vector.ParseReprRule(c.ReprRule); err != nil {
		return err
	}
	if c.Search.Stage1Candidates < 1 {
		return fmt.Errorf("stage1_candidates must be >= 1, got %d", c.Search.Stage1Candidates)
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest workers must be >= 1, got %d", c.Ingest.Workers)
	}
	if c.Search.QueryWorkers < 1 {
		return fmt.Errorf("query workers must be >= 1, got %d", c.Search.QueryWorkers)
	}
	switch c.Embedder.Backend {
	case "remote", "static":
	default:
		return fmt.Errorf("unknown embedder backend %q (want remote or static)", c.Embedder.Backend)
	}
	if c.Embedder.Backend == "remote" && c.Embedder.Endpoint == "" {
		return fmt.Errorf("remote embedder requires an endpoint")
	}
	return nil
}

// ReprRuleParsed returns the validated repr rule.
func (c *Config) ReprRuleParsed() vector.ReprRule {
	rule, _ := vector.ParseReprRule(c.ReprRule)
	return rule
}

// MaxFileBytes converts the file cap to bytes.
func (c *Config) MaxFileBytes() int64 {
	return int64(c.Ingest.MaxFileSizeMB) * 1024 * 1024
}
