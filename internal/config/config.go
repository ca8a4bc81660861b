package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Logging     LoggingConfig             `json:"logging" yaml:"logging"`
	Ingestion   IngestionConfig           `json:"ingestion" yaml:"ingestion"`
	Generation  GenerationConfig          `json:"generation" yaml:"generation"`
	Broadcast   BroadcastConfig           `json:"broadcast" yaml:"broadcast"`
	Sweeper     SweeperConfig             `json:"sweeper" yaml:"sweeper"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address" yaml:"server_address"`
	Database      string `json:"database" yaml:"database"`
	// Ingestion worker pool.
	MinWorkers        int `json:"min_workers" yaml:"min_workers"`
	MaxWorkers        int `json:"max_workers" yaml:"max_workers"`
	QueueSize         int `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout int `json:"worker_idle_timeout_minutes" yaml:"worker_idle_timeout_minutes"`
	MaxUploadMB       int `json:"max_upload_mb" yaml:"max_upload_mb"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

// RedisConfig enables the cross-process broadcast relay when Host is set.
type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

type LoggingConfig struct {
	Level   string `json:"level" yaml:"level"`
	Console bool   `json:"console" yaml:"console"`
}

type IngestionConfig struct {
	// Backend selects the extraction service: "gemini" or "local".
	Backend          string `json:"backend" yaml:"backend"`
	APIKey           string `json:"api_key" yaml:"api_key"`
	Model            string `json:"model" yaml:"model"`
	LocalDir         string `json:"local_dir" yaml:"local_dir"`
	PollIntervalMS   int    `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	MaxPollAttempts  int    `json:"max_poll_attempts" yaml:"max_poll_attempts"`
	SnapshotChars    int    `json:"snapshot_chars" yaml:"snapshot_chars"`
	ExtractTimeoutS  int    `json:"extract_timeout_seconds" yaml:"extract_timeout_seconds"`
	MaxContextChars  int    `json:"max_context_chars" yaml:"max_context_chars"`
	UploadTimeoutSec int    `json:"upload_timeout_seconds" yaml:"upload_timeout_seconds"`
}

type GenerationConfig struct {
	Provider       string `json:"provider" yaml:"provider"`
	Model          string `json:"model" yaml:"model"`
	APIKey         string `json:"api_key" yaml:"api_key"`
	BaseURL        string `json:"base_url" yaml:"base_url"`
	MaxTokens      int    `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	// RatePerMinute bounds generation requests per session.
	RatePerMinute int `json:"rate_per_minute" yaml:"rate_per_minute"`
}

type BroadcastConfig struct {
	SendTimeoutMS      int `json:"send_timeout_ms" yaml:"send_timeout_ms"`
	HeartbeatSeconds   int `json:"heartbeat_seconds" yaml:"heartbeat_seconds"`
	SubscriberBuffer   int `json:"subscriber_buffer" yaml:"subscriber_buffer"`
	PushSelectAttempts int `json:"push_select_attempts" yaml:"push_select_attempts"`
}

type SweeperConfig struct {
	Schedule          string `json:"schedule" yaml:"schedule"`
	StaleAfterMinutes int    `json:"stale_after_minutes" yaml:"stale_after_minutes"`
}

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .yaml or .yml are decoded as YAML.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg, err := Parse(data, filepath.Ext(absPath))
	if err != nil {
		return nil, err
	}

	if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && !isSpecialDSN(db.DSN) && !filepath.IsAbs(db.DSN) {
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases["sqlite3"] = db
	}
	return cfg, nil
}

// Parse decodes raw config bytes and applies defaults.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyDefaults()
	if _, ok := cfg.Databases[cfg.BasicConfig.Database]; !ok {
		return nil, fmt.Errorf("database config for %s not found", cfg.BasicConfig.Database)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.Database == "" {
		c.BasicConfig.Database = "sqlite3"
	}
	if c.BasicConfig.MinWorkers <= 0 {
		c.BasicConfig.MinWorkers = 2
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		c.BasicConfig.MaxWorkers = c.BasicConfig.MinWorkers * 4
	}
	if c.BasicConfig.QueueSize <= 0 {
		c.BasicConfig.QueueSize = 64
	}
	if c.BasicConfig.WorkerIdleTimeout <= 0 {
		c.BasicConfig.WorkerIdleTimeout = 5
	}
	if c.BasicConfig.MaxUploadMB <= 0 {
		c.BasicConfig.MaxUploadMB = 20
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "quizcast:push"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Ingestion.Backend == "" {
		c.Ingestion.Backend = "local"
	}
	if c.Ingestion.Model == "" {
		c.Ingestion.Model = "gemini-2.5-flash"
	}
	if c.Ingestion.LocalDir == "" {
		c.Ingestion.LocalDir = "./data/extraction"
	}
	if c.Ingestion.PollIntervalMS <= 0 {
		c.Ingestion.PollIntervalMS = 2000
	}
	if c.Ingestion.MaxPollAttempts <= 0 {
		c.Ingestion.MaxPollAttempts = 60
	}
	if c.Ingestion.SnapshotChars <= 0 {
		c.Ingestion.SnapshotChars = 1000
	}
	if c.Ingestion.ExtractTimeoutS <= 0 {
		c.Ingestion.ExtractTimeoutS = 600
	}
	if c.Ingestion.UploadTimeoutSec <= 0 {
		c.Ingestion.UploadTimeoutSec = 120
	}
	if c.Ingestion.MaxContextChars <= 0 {
		c.Ingestion.MaxContextChars = 120000
	}
	if c.Generation.Provider == "" {
		c.Generation.Provider = "openai"
	}
	if c.Generation.MaxTokens <= 0 {
		c.Generation.MaxTokens = 8000
	}
	if c.Generation.TimeoutSeconds <= 0 {
		c.Generation.TimeoutSeconds = 90
	}
	if c.Generation.RatePerMinute <= 0 {
		c.Generation.RatePerMinute = 6
	}
	if c.Broadcast.SendTimeoutMS <= 0 {
		c.Broadcast.SendTimeoutMS = 2000
	}
	if c.Broadcast.HeartbeatSeconds <= 0 {
		c.Broadcast.HeartbeatSeconds = 15
	}
	if c.Broadcast.SubscriberBuffer <= 0 {
		c.Broadcast.SubscriberBuffer = 8
	}
	if c.Broadcast.PushSelectAttempts <= 0 {
		c.Broadcast.PushSelectAttempts = 5
	}
	if c.Sweeper.Schedule == "" {
		c.Sweeper.Schedule = "@every 1m"
	}
	if c.Sweeper.StaleAfterMinutes <= 0 {
		c.Sweeper.StaleAfterMinutes = 30
	}
}

func isSpecialDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file:")
}
