package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for wecomagent.
type Config struct {
	General    GeneralConfig    `json:"general" yaml:"general"`
	WeCom      WeComConfig      `json:"wecom" yaml:"wecom"`
	TokenCache TokenCacheConfig `json:"tokenCache" yaml:"tokenCache"`
	Relay      RelayConfig      `json:"relay" yaml:"relay"`
	Queue      QueueConfig      `json:"queue" yaml:"queue"`
	History    HistoryConfig    `json:"history" yaml:"history"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"` // debug | info | warn | error
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	EnvFile  string `json:"envFile,omitempty" yaml:"envFile,omitempty"` // optional .env loaded before expansion
}

// WeComConfig holds the application credentials and client tuning.
type WeComConfig struct {
	CorpID                    string `json:"corpId" yaml:"corpId"`
	Secret                    string `json:"secret" yaml:"secret"`
	AgentID                   int64  `json:"agentId" yaml:"agentId"` // default sender for requests without agentid
	BaseURL                   string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	TimeoutSeconds            int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	RefreshMarginSeconds      int    `json:"refreshMarginSeconds" yaml:"refreshMarginSeconds"`
	MinRefreshIntervalSeconds int    `json:"minRefreshIntervalSeconds" yaml:"minRefreshIntervalSeconds"`
}

// Ready reports whether credentials are present. Unexpanded ${VAR}
// placeholders do not count.
func (w WeComConfig) Ready() bool {
	return set(w.CorpID) && set(w.Secret)
}

func set(v string) bool {
	return v != "" && !strings.HasPrefix(v, "${")
}

func (w WeComConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

func (w WeComConfig) RefreshMargin() time.Duration {
	return time.Duration(w.RefreshMarginSeconds) * time.Second
}

func (w WeComConfig) MinRefreshInterval() time.Duration {
	return time.Duration(w.MinRefreshIntervalSeconds) * time.Second
}

// TokenCacheConfig selects where access tokens are cached.
type TokenCacheConfig struct {
	Backend       string `json:"backend" yaml:"backend"` // "memory" | "redis"
	RedisAddr     string `json:"redisAddr,omitempty" yaml:"redisAddr,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty" yaml:"redisPassword,omitempty"`
	RedisDB       int    `json:"redisDb,omitempty" yaml:"redisDb,omitempty"`
	KeyPrefix     string `json:"keyPrefix,omitempty" yaml:"keyPrefix,omitempty"`
}

// RelayConfig configures the HTTP relay that accepts send requests.
type RelayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
	Secret  string `json:"secret,omitempty" yaml:"secret,omitempty"` // HMAC secret for X-Signature-256
}

// QueueConfig configures the RabbitMQ consumer for queued send requests.
type QueueConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	URL        string `json:"url,omitempty" yaml:"url,omitempty"`
	Queue      string `json:"queue" yaml:"queue"`
	Exchange   string `json:"exchange,omitempty" yaml:"exchange,omitempty"`
	RoutingKey string `json:"routingKey,omitempty" yaml:"routingKey,omitempty"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
}

type HistoryConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	DBPath        string `json:"dbPath" yaml:"dbPath"`
	RetentionDays int    `json:"retentionDays" yaml:"retentionDays"`
}

// MetricsConfig configures the Prometheus metrics endpoint on the relay.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.wecomagent).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wecomagent"
	}
	return filepath.Join(home, ".wecomagent")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML (.yaml/.yml) config file on top of Defaults.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.History.DBPath = ExpandPath(cfg.History.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.General.EnvFile = ExpandPath(cfg.General.EnvFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		val, exists := os.LookupEnv(groups[1])
		if exists && val != "" {
			return val
		}
		if len(groups) >= 3 && groups[2] != "" {
			return groups[2]
		}
		return match
	})
}

// Save writes cfg as YAML or JSON depending on the file extension.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// The file holds the corp secret.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.WeCom.AgentID < 0 {
		errs = append(errs, "wecom.agentId must be >= 0")
	}
	if cfg.WeCom.TimeoutSeconds < 1 || cfg.WeCom.TimeoutSeconds > 300 {
		errs = append(errs, "wecom.timeoutSeconds must be between 1 and 300")
	}
	if cfg.WeCom.RefreshMarginSeconds < 0 {
		errs = append(errs, "wecom.refreshMarginSeconds must be >= 0")
	}
	if cfg.WeCom.MinRefreshIntervalSeconds < 0 {
		errs = append(errs, "wecom.minRefreshIntervalSeconds must be >= 0")
	}
	if cfg.WeCom.BaseURL != "" && !strings.HasPrefix(cfg.WeCom.BaseURL, "http://") && !strings.HasPrefix(cfg.WeCom.BaseURL, "https://") {
		errs = append(errs, "wecom.baseUrl must start with http:// or https://")
	}

	switch cfg.TokenCache.Backend {
	case "memory":
	case "redis":
		if cfg.TokenCache.RedisAddr == "" {
			errs = append(errs, "tokenCache.redisAddr is required for the redis backend")
		}
	default:
		errs = append(errs, "tokenCache.backend must be one of: memory, redis")
	}

	if cfg.Relay.Port < 0 || cfg.Relay.Port > 65535 {
		errs = append(errs, "relay.port must be between 0 and 65535")
	}

	if cfg.Queue.Enabled {
		if cfg.Queue.URL == "" {
			errs = append(errs, "queue.url is required when the queue is enabled")
		}
		if cfg.Queue.Queue == "" {
			errs = append(errs, "queue.queue is required when the queue is enabled")
		}
	}
	if cfg.Queue.Prefetch < 1 {
		errs = append(errs, "queue.prefetch must be >= 1")
	}

	if cfg.History.RetentionDays < 1 {
		errs = append(errs, "history.retentionDays must be >= 1")
	}
	if cfg.History.Enabled && cfg.History.DBPath == "" {
		errs = append(errs, "history.dbPath is required when history is enabled")
	}

	if !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
