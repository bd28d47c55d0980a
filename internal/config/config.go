// Package config loads and validates the codegraph run configuration.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

type SQLiteConfig struct {
	Path string `json:"path" yaml:"path"`
	// BusyTimeoutMS bounds writer lock waits; writers serialize at the
	// transaction level, so this mostly covers checkpoint contention.
	BusyTimeoutMS int `json:"busy_timeout_ms,omitempty" yaml:"busy_timeout_ms,omitempty"`
}

type Neo4jConfig struct {
	URI         string `json:"uri" yaml:"uri"`
	Username    string `json:"username" yaml:"username"`
	PasswordEnv string `json:"password_env,omitempty" yaml:"password_env,omitempty"`
	Database    string `json:"database,omitempty" yaml:"database,omitempty"`
}

type LLMConfig struct {
	Provider  string `json:"provider" yaml:"provider"`
	Model     string `json:"model" yaml:"model"`
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

type WorkerConfig struct {
	Count               int `json:"count,omitempty" yaml:"count,omitempty"`
	MaxAttempts         int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	MaxFileSizeBytes    int `json:"max_file_size_bytes,omitempty" yaml:"max_file_size_bytes,omitempty"`
	ChunkThresholdBytes int `json:"chunk_threshold_bytes,omitempty" yaml:"chunk_threshold_bytes,omitempty"`
	ChunkSizeBytes      int `json:"chunk_size_bytes,omitempty" yaml:"chunk_size_bytes,omitempty"`
	ChunkOverlapLines   int `json:"chunk_overlap_lines,omitempty" yaml:"chunk_overlap_lines,omitempty"`
}

type BatchConfig struct {
	Size            int `json:"size,omitempty" yaml:"size,omitempty"`
	FlushIntervalMS int `json:"flush_interval_ms,omitempty" yaml:"flush_interval_ms,omitempty"`
	QueueCap        int `json:"queue_cap,omitempty" yaml:"queue_cap,omitempty"`
}

// Config is the full run configuration. Unknown keys are rejected so typos
// fail loudly instead of silently running with defaults.
type Config struct {
	Version   int    `json:"version" yaml:"version"`
	TargetDir string `json:"target_dir" yaml:"target_dir"`

	SQLite SQLiteConfig `json:"sqlite" yaml:"sqlite"`
	Neo4j  Neo4jConfig  `json:"neo4j" yaml:"neo4j"`
	LLM    LLMConfig    `json:"llm" yaml:"llm"`

	Worker WorkerConfig `json:"worker,omitempty" yaml:"worker,omitempty"`
	Batch  BatchConfig  `json:"batch,omitempty" yaml:"batch,omitempty"`

	// ExcludeGlobs extends the built-in exclusion set. doublestar syntax.
	ExcludeGlobs []string `json:"exclude_globs,omitempty" yaml:"exclude_globs,omitempty"`

	// Reconcile enables the mark/sweep pass after the main pipeline.
	Reconcile bool `json:"reconcile,omitempty" yaml:"reconcile,omitempty"`

	// Resolver enables the three-pass relationship resolver after ingestion.
	Resolver bool `json:"resolver,omitempty" yaml:"resolver,omitempty"`
}

// Load reads, decodes, defaults, and validates the config at path. JSON is
// selected by extension; everything else decodes as YAML.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

// ApplyDefaults fills every zero field with its documented default.
func (c *Config) ApplyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.SQLite.BusyTimeoutMS == 0 {
		c.SQLite.BusyTimeoutMS = 5000
	}
	if c.Neo4j.Database == "" {
		c.Neo4j.Database = "neo4j"
	}
	if c.Neo4j.PasswordEnv == "" {
		c.Neo4j.PasswordEnv = "NEO4J_PASSWORD"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.TimeoutMS == 0 {
		c.LLM.TimeoutMS = 600000 // 10 minutes
	}
	if c.Worker.Count == 0 {
		c.Worker.Count = 50
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 5
	}
	if c.Worker.MaxFileSizeBytes == 0 {
		c.Worker.MaxFileSizeBytes = 1 << 20 // 1 MiB
	}
	if c.Worker.ChunkThresholdBytes == 0 {
		c.Worker.ChunkThresholdBytes = 128 << 10
	}
	if c.Worker.ChunkSizeBytes == 0 {
		c.Worker.ChunkSizeBytes = 120 << 10
	}
	if c.Worker.ChunkOverlapLines == 0 {
		c.Worker.ChunkOverlapLines = 50
	}
	if c.Batch.Size == 0 {
		c.Batch.Size = 50
	}
	if c.Batch.FlushIntervalMS == 0 {
		c.Batch.FlushIntervalMS = 1000
	}
	if c.Batch.QueueCap == 0 {
		c.Batch.QueueCap = 1000
	}
	c.ExcludeGlobs = trimNonEmpty(c.ExcludeGlobs)
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", c.Version)
	}
	if strings.TrimSpace(c.TargetDir) == "" {
		return fmt.Errorf("target_dir is required")
	}
	if !filepath.IsAbs(c.TargetDir) {
		return fmt.Errorf("target_dir must be absolute: %q", c.TargetDir)
	}
	if strings.TrimSpace(c.SQLite.Path) == "" {
		return fmt.Errorf("sqlite.path is required")
	}
	if strings.TrimSpace(c.Neo4j.URI) == "" {
		return fmt.Errorf("neo4j.uri is required")
	}
	if strings.TrimSpace(c.Neo4j.Username) == "" {
		return fmt.Errorf("neo4j.username is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.LLM.Provider)) {
	case "openai", "anthropic":
		// ok
	default:
		return fmt.Errorf("invalid llm.provider: %q (want openai|anthropic)", c.LLM.Provider)
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be >= 1")
	}
	if c.Worker.ChunkSizeBytes > c.Worker.MaxFileSizeBytes {
		return fmt.Errorf("worker.chunk_size_bytes must be <= worker.max_file_size_bytes")
	}
	if c.Batch.Size < 1 || c.Batch.QueueCap < c.Batch.Size {
		return fmt.Errorf("batch.size must be >= 1 and <= batch.queue_cap")
	}
	for _, g := range c.ExcludeGlobs {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("invalid exclude glob: %q", g)
		}
	}
	return nil
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
