package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/supnum/qarag/internal/embed"
	qaerrors "github.com/supnum/qarag/internal/errors"
	"github.com/supnum/qarag/internal/search"
	"github.com/supnum/qarag/internal/server"
	"github.com/supnum/qarag/internal/store"
)

// Project configuration file names, in lookup order.
const (
	ProjectConfigYAML = ".qarag.yaml"
	ProjectConfigYML  = ".qarag.yml"
)

// Config is the complete qarag configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Index      IndexConfig      `yaml:"index" json:"index"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Server     ServerConfig     `yaml:"server" json:"server"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
}

// IndexConfig locates the published bundle.
type IndexConfig struct {
	// Dir is the bundle directory written by ingest and read by serve.
	Dir string `yaml:"dir" json:"dir"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is one of huggingface, ollama, openai, static.
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`

	// Dimensions must match the bundle at query time. 0 uses the provider default.
	Dimensions int `yaml:"dimensions" json:"dimensions"`

	// Endpoint overrides the provider's base URL.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// Token authenticates against hosted providers. Prefer HF_TOKEN or
	// OPENAI_API_KEY over writing it to a file.
	Token string `yaml:"token,omitempty" json:"-"`

	BatchSize   int           `yaml:"batch_size" json:"batch_size"`
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`

	// RequestsPerSecond limits provider calls. 0 means unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`

	// CacheSize is the number of query embeddings kept in memory. 0 disables the cache.
	CacheSize int `yaml:"cache_size" json:"cache_size"`

	// WaitForModel asks Hugging Face to block until a cold model is loaded.
	WaitForModel bool `yaml:"wait_for_model" json:"wait_for_model"`
}

// SearchConfig configures hybrid ranking.
type SearchConfig struct {
	KVec     int `yaml:"k_vec" json:"k_vec"`
	KBM25    int `yaml:"k_bm25" json:"k_bm25"`
	TopFinal int `yaml:"top_final" json:"top_final"`

	// Alpha weighs the vector channel; 1-Alpha weighs BM25.
	Alpha float64 `yaml:"alpha" json:"alpha"`

	// ConfidenceThreshold flags top scores below it as low confidence.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`

	// LexicalPrefilter restricts BM25 to its own top KBM25 before fusion.
	// When false every document's BM25 score enters fusion.
	LexicalPrefilter bool `yaml:"lexical_prefilter" json:"lexical_prefilter"`

	BM25K1 float64 `yaml:"bm25_k1" json:"bm25_k1"`
	BM25B  float64 `yaml:"bm25_b" json:"bm25_b"`
}

// ServerConfig configures qarag serve.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`

	// Transport is http or stdio (MCP).
	Transport string `yaml:"transport" json:"transport"`
	LogLevel  string `yaml:"log_level" json:"log_level"`

	// Watch reloads the bundle when a new one is published.
	Watch       bool     `yaml:"watch" json:"watch"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`

	// ShutdownTimeout bounds draining in-flight HTTP requests on exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// TelemetryConfig configures the local query log.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Path defaults to telemetry.db next to the index directory.
	Path string `yaml:"path" json:"path"`
}

// NewConfig returns the defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Index: IndexConfig{
			Dir: filepath.Join("data", "index"),
		},
		Embeddings: EmbeddingsConfig{
			Provider:    string(embed.ProviderHuggingFace),
			Model:       embed.DefaultHFModel,
			Dimensions:  embed.DefaultHFDimensions,
			BatchSize:   embed.DefaultBatchSize,
			Concurrency: 2,
			Timeout:     embed.DefaultTimeout,
			MaxRetries:  embed.DefaultMaxRetries,
			CacheSize:   embed.DefaultEmbeddingCacheSize,
		},
		Search: SearchConfig{
			KVec:                search.DefaultKVec,
			KBM25:               search.DefaultKBM25,
			TopFinal:            search.DefaultTopFinal,
			Alpha:               search.DefaultAlpha,
			ConfidenceThreshold: search.DefaultConfidenceThreshold,
			LexicalPrefilter:    true,
			BM25K1:              store.DefaultBM25Params().K1,
			BM25B:               store.DefaultBM25Params().B,
		},
		Server: ServerConfig{
			Addr:        ":8000",
			Transport:   "http",
			LogLevel:    "info",
			Watch:           true,
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: server.DefaultShutdownTimeout,
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
		},
	}
}

// GetUserConfigPath returns the path to the user configuration file:
//   - $XDG_CONFIG_HOME/qarag/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/qarag/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "qarag", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "qarag", "config.yaml")
	}
	return filepath.Join(home, ".config", "qarag", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// Load builds the configuration for the working directory dir. Sources are
// applied in order of increasing precedence:
//  1. Defaults
//  2. User config (~/.config/qarag/config.yaml)
//  3. Project config (explicit path, else .qarag.yaml or .qarag.yml in dir)
//  4. Environment variables (QARAG_*)
func Load(dir, explicitPath string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if explicitPath != "" {
		if !fileExists(explicitPath) {
			return nil, qaerrors.ConfigError(fmt.Sprintf("config file %s not found", explicitPath), nil)
		}
		if err := cfg.loadYAML(explicitPath); err != nil {
			return nil, err
		}
	} else if err := cfg.loadFromDir(dir); err != nil {
		return nil, err
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromDir loads .qarag.yaml, or .qarag.yml when the former is absent.
func (c *Config) loadFromDir(dir string) error {
	for _, name := range []string{ProjectConfigYAML, ProjectConfigYML} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			return c.loadYAML(path)
		}
	}
	return nil
}

// loadYAML decodes path onto c. Keys missing from the file keep their
// current values, so explicit zeros and false are honored.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return qaerrors.ConfigError(fmt.Sprintf("failed to read config file %s", path), err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return qaerrors.ConfigError(fmt.Sprintf("failed to parse config file %s", path), err)
	}
	return nil
}

// envOverride binds one QARAG_* variable to a setter.
type envOverride struct {
	name string
	set  func(c *Config, v string) error
}

var envOverrides = []envOverride{
	{"QARAG_INDEX_DIR", func(c *Config, v string) error { c.Index.Dir = v; return nil }},
	{"QARAG_EMBEDDINGS_PROVIDER", func(c *Config, v string) error { c.Embeddings.Provider = v; return nil }},
	{"QARAG_EMBEDDINGS_MODEL", func(c *Config, v string) error { c.Embeddings.Model = v; return nil }},
	{"QARAG_EMBEDDINGS_DIMENSIONS", intSetter(func(c *Config) *int { return &c.Embeddings.Dimensions })},
	{"QARAG_EMBEDDINGS_ENDPOINT", func(c *Config, v string) error { c.Embeddings.Endpoint = v; return nil }},
	{"QARAG_EMBEDDINGS_TOKEN", func(c *Config, v string) error { c.Embeddings.Token = v; return nil }},
	{"QARAG_EMBEDDINGS_BATCH_SIZE", intSetter(func(c *Config) *int { return &c.Embeddings.BatchSize })},
	{"QARAG_EMBEDDINGS_TIMEOUT", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.Embeddings.Timeout = d
		return nil
	}},
	{"QARAG_SEARCH_ALPHA", floatSetter(func(c *Config) *float64 { return &c.Search.Alpha })},
	{"QARAG_SEARCH_CONFIDENCE_THRESHOLD", floatSetter(func(c *Config) *float64 { return &c.Search.ConfidenceThreshold })},
	{"QARAG_SEARCH_TOP_FINAL", intSetter(func(c *Config) *int { return &c.Search.TopFinal })},
	{"QARAG_SEARCH_LEXICAL_PREFILTER", boolSetter(func(c *Config) *bool { return &c.Search.LexicalPrefilter })},
	{"QARAG_SERVER_ADDR", func(c *Config, v string) error { c.Server.Addr = v; return nil }},
	{"QARAG_TRANSPORT", func(c *Config, v string) error { c.Server.Transport = v; return nil }},
	{"QARAG_LOG_LEVEL", func(c *Config, v string) error { c.Server.LogLevel = v; return nil }},
	{"QARAG_TELEMETRY_ENABLED", boolSetter(func(c *Config) *bool { return &c.Telemetry.Enabled })},
	{"QARAG_TELEMETRY_PATH", func(c *Config, v string) error { c.Telemetry.Path = v; return nil }},
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func floatSetter(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

func boolSetter(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

// applyEnvOverrides applies QARAG_* variables. A malformed value is an error
// rather than silently ignored.
func (c *Config) applyEnvOverrides() error {
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.set(c, v); err != nil {
			return qaerrors.ConfigError(fmt.Sprintf("invalid %s=%q", o.name, v), err)
		}
	}

	// Provider-native token variables fill in a missing token.
	if c.Embeddings.Token == "" {
		switch embed.ProviderType(strings.ToLower(c.Embeddings.Provider)) {
		case embed.ProviderHuggingFace, "":
			c.Embeddings.Token = os.Getenv("HF_TOKEN")
		case embed.ProviderOpenAI:
			c.Embeddings.Token = os.Getenv("OPENAI_API_KEY")
		}
	}
	return nil
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return qaerrors.ConfigError(fmt.Sprintf(format, args...), nil)
	}

	if strings.TrimSpace(c.Index.Dir) == "" {
		return invalid("index.dir must not be empty")
	}

	if _, err := embed.ParseProvider(c.Embeddings.Provider); err != nil {
		return err
	}
	if c.Embeddings.Dimensions < 0 {
		return invalid("embeddings.dimensions must be non-negative, got %d", c.Embeddings.Dimensions)
	}
	if c.Embeddings.BatchSize < 1 || c.Embeddings.BatchSize > embed.MaxBatchSize {
		return invalid("embeddings.batch_size must be between 1 and %d, got %d", embed.MaxBatchSize, c.Embeddings.BatchSize)
	}
	if c.Embeddings.Concurrency < 1 {
		return invalid("embeddings.concurrency must be at least 1, got %d", c.Embeddings.Concurrency)
	}
	if c.Embeddings.Timeout <= 0 {
		return invalid("embeddings.timeout must be positive, got %s", c.Embeddings.Timeout)
	}
	if c.Embeddings.MaxRetries < 0 {
		return invalid("embeddings.max_retries must be non-negative, got %d", c.Embeddings.MaxRetries)
	}
	if c.Embeddings.RequestsPerSecond < 0 {
		return invalid("embeddings.requests_per_second must be non-negative, got %g", c.Embeddings.RequestsPerSecond)
	}
	if c.Embeddings.CacheSize < 0 {
		return invalid("embeddings.cache_size must be non-negative, got %d", c.Embeddings.CacheSize)
	}

	if err := c.SearchOptions().Validate(); err != nil {
		return qaerrors.ConfigError("invalid search settings", err)
	}
	if math.IsNaN(c.Search.ConfidenceThreshold) || c.Search.ConfidenceThreshold < 0 || c.Search.ConfidenceThreshold > 1 {
		return invalid("search.confidence_threshold must be between 0 and 1, got %g", c.Search.ConfidenceThreshold)
	}
	if c.Search.BM25K1 < 0 {
		return invalid("search.bm25_k1 must be non-negative, got %g", c.Search.BM25K1)
	}
	if c.Search.BM25B < 0 || c.Search.BM25B > 1 {
		return invalid("search.bm25_b must be between 0 and 1, got %g", c.Search.BM25B)
	}

	switch strings.ToLower(c.Server.Transport) {
	case "http", "stdio":
	default:
		return invalid("server.transport must be 'http' or 'stdio', got %s", c.Server.Transport)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return invalid("server.shutdown_timeout must be positive, got %s", c.Server.ShutdownTimeout)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return invalid("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}
	return nil
}

// EmbedConfig converts the embeddings section for embed.NewEmbedder. The
// Hugging Face model defaults are dropped for other providers so each
// applies its own.
func (c *Config) EmbedConfig() embed.Config {
	e := c.Embeddings
	provider, _ := embed.ParseProvider(e.Provider)

	model, dims := e.Model, e.Dimensions
	if provider != embed.ProviderHuggingFace && model == embed.DefaultHFModel {
		model = ""
		if dims == embed.DefaultHFDimensions {
			dims = 0
		}
	}

	return embed.Config{
		Provider:          provider,
		Model:             model,
		Dimensions:        dims,
		Endpoint:          e.Endpoint,
		Token:             e.Token,
		BatchSize:         e.BatchSize,
		Timeout:           e.Timeout,
		MaxRetries:        e.MaxRetries,
		RequestsPerSecond: e.RequestsPerSecond,
		WaitForModel:      e.WaitForModel,
	}
}

// SearchOptions converts the search section for the ranker.
func (c *Config) SearchOptions() search.Options {
	return search.Options{
		KVec:             c.Search.KVec,
		KBM25:            c.Search.KBM25,
		TopFinal:         c.Search.TopFinal,
		Alpha:            c.Search.Alpha,
		LexicalPrefilter: c.Search.LexicalPrefilter,
	}
}

// BM25Params returns the lexical parameters used at ingestion.
func (c *Config) BM25Params() store.BM25Params {
	return store.BM25Params{K1: c.Search.BM25K1, B: c.Search.BM25B}
}

// TelemetryPath returns the telemetry database path.
func (c *Config) TelemetryPath() string {
	if c.Telemetry.Path != "" {
		return c.Telemetry.Path
	}
	return filepath.Join(filepath.Dir(filepath.Clean(c.Index.Dir)), "telemetry.db")
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := c.Render()
	if err != nil {
		return err
	}
	return WriteFile(path, data)
}

// WriteFile writes config file content to path, creating its directory.
// Config files may hold a token, so they are private to the user.
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Render returns the configuration as YAML. The token is never written.
func (c *Config) Render() ([]byte, error) {
	out := *c
	out.Embeddings.Token = ""
	data, err := yaml.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
