package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the terrascope service configuration.
type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Queue         QueueConfig         `yaml:"queue"`
	Sources       SourcesConfig       `yaml:"sources"`
	Normalizer    NormalizerConfig    `yaml:"normalizer"`
	Uploader      UploaderConfig      `yaml:"uploader"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// ElasticsearchConfig holds search engine connection settings.
type ElasticsearchConfig struct {
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	Index     string   `yaml:"index"`
}

// QueueConfig selects the queue driver between pipeline stages.
type QueueConfig struct {
	Driver   string      `yaml:"driver"` // memory, redis (default: memory)
	Capacity int         `yaml:"capacity"`
	Redis    RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis queue driver settings.
type RedisConfig struct {
	Addrs     []string `yaml:"addrs"`
	Password  string   `yaml:"password"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// SourcesConfig enables and tunes the document collectors.
type SourcesConfig struct {
	Filesystem  FilesystemSource  `yaml:"filesystem"`
	ObjectStore ObjectStoreSource `yaml:"objectstore"`
	Cluster     ClusterSources    `yaml:"cluster"`
}

// FilesystemSource watches a local directory tree.
type FilesystemSource struct {
	Enabled         bool   `yaml:"enabled"`
	Dir             string `yaml:"dir"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
}

// ObjectStoreSource polls S3-compatible buckets.
type ObjectStoreSource struct {
	Enabled         bool     `yaml:"enabled"`
	Buckets         []string `yaml:"buckets"`
	Prefix          string   `yaml:"prefix"`
	Region          string   `yaml:"region"`
	Endpoint        string   `yaml:"endpoint"` // set for MinIO / LocalStack
	AccessKeyID     string   `yaml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key"`
	PollIntervalSec int      `yaml:"poll_interval_sec"`
}

// ClusterSources polls Kubernetes clusters for state secrets.
type ClusterSources struct {
	Enabled         bool           `yaml:"enabled"`
	LabelSelector   string         `yaml:"label_selector"`
	NamePrefix      string         `yaml:"name_prefix"`
	PollIntervalSec int            `yaml:"poll_interval_sec"`
	Clusters        []ClusterEntry `yaml:"clusters"`
}

// ClusterEntry is one cluster to poll.
type ClusterEntry struct {
	Name       string   `yaml:"name"`
	Kubeconfig string   `yaml:"kubeconfig"`
	Context    string   `yaml:"context"`
	Namespaces []string `yaml:"namespaces"` // empty means all namespaces
}

// NormalizerConfig tunes the parsing stage.
type NormalizerConfig struct {
	Workers  int `yaml:"workers"`
	MaxDepth int `yaml:"max_depth"`
}

// UploaderConfig tunes bulk delivery to the search engine.
type UploaderConfig struct {
	BatchSize       int `yaml:"batch_size"`
	BatchTimeoutSec int `yaml:"batch_timeout_sec"`
	MaxRetries      int `yaml:"max_retries"`
	RetryBackoffSec int `yaml:"retry_backoff_sec"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 30
	}
	if c.Elasticsearch.Index == "" {
		c.Elasticsearch.Index = "state-records"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = 1000
	}
	if c.Queue.Redis.KeyPrefix == "" {
		c.Queue.Redis.KeyPrefix = "terrascope:"
	}
	if c.Sources.Filesystem.PollIntervalSec <= 0 {
		c.Sources.Filesystem.PollIntervalSec = 30
	}
	if c.Sources.ObjectStore.PollIntervalSec <= 0 {
		c.Sources.ObjectStore.PollIntervalSec = 60
	}
	if c.Sources.Cluster.PollIntervalSec <= 0 {
		c.Sources.Cluster.PollIntervalSec = 60
	}
	if c.Normalizer.Workers <= 0 {
		c.Normalizer.Workers = 4
	}
	if c.Normalizer.MaxDepth <= 0 {
		c.Normalizer.MaxDepth = 3
	}
	if c.Uploader.BatchSize <= 0 {
		c.Uploader.BatchSize = 500
	}
	if c.Uploader.BatchTimeoutSec <= 0 {
		c.Uploader.BatchTimeoutSec = 5
	}
	if c.Uploader.MaxRetries < 0 {
		c.Uploader.MaxRetries = 3
	}
	if c.Uploader.RetryBackoffSec <= 0 {
		c.Uploader.RetryBackoffSec = 2
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if len(c.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("elasticsearch.addresses is required")
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if len(c.Queue.Redis.Addrs) == 0 {
			return fmt.Errorf("queue.redis.addrs is required for the redis driver")
		}
	default:
		return fmt.Errorf("queue.driver must be \"memory\" or \"redis\", got %q", c.Queue.Driver)
	}
	return nil
}

// PruneInvalidSources disables individually misconfigured sources instead
// of failing startup, returning a warning per pruned source. One broken
// source must not take the whole pipeline down with it.
func (c *Config) PruneInvalidSources() []string {
	var warnings []string

	if c.Sources.Filesystem.Enabled && c.Sources.Filesystem.Dir == "" {
		c.Sources.Filesystem.Enabled = false
		warnings = append(warnings, "sources.filesystem disabled: dir is empty")
	}
	if c.Sources.ObjectStore.Enabled && len(c.Sources.ObjectStore.Buckets) == 0 {
		c.Sources.ObjectStore.Enabled = false
		warnings = append(warnings, "sources.objectstore disabled: no buckets configured")
	}
	if c.Sources.Cluster.Enabled {
		valid := c.Sources.Cluster.Clusters[:0]
		for _, entry := range c.Sources.Cluster.Clusters {
			if entry.Name == "" {
				warnings = append(warnings, "sources.cluster entry without a name skipped")
				continue
			}
			valid = append(valid, entry)
		}
		c.Sources.Cluster.Clusters = valid
		if len(c.Sources.Cluster.Clusters) == 0 {
			c.Sources.Cluster.Enabled = false
			warnings = append(warnings, "sources.cluster disabled: no usable cluster entries")
		}
	}
	return warnings
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
