package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const DefaultPolicyPath = ".rallytree/policy.json"

type Config struct {
	Version int `json:"version"`
	Tracker struct {
		BaseURL      string `json:"base_url"`
		APIKeyEnv    string `json:"api_key_env"`
		WorkspaceRef string `json:"workspace_ref"`
		TimeoutSec   int    `json:"timeout_sec"`
		PageSize     int    `json:"page_size"`
	} `json:"tracker"`
	Progress struct {
		RedisURL      string `json:"redis_url,omitempty"`
		DocQuietMS    int    `json:"doc_quiet_ms"`
		BrokerBuffer  int    `json:"broker_buffer"`
		StreamChannel string `json:"stream_channel"`
	} `json:"progress"`
	Journal struct {
		DBPath string `json:"db_path"`
	} `json:"journal"`
	Server struct {
		Addr string `json:"addr"`
	} `json:"server"`
	Run struct {
		DefaultDelimiter string `json:"default_delimiter"`
	} `json:"run"`
}

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Tracker.BaseURL = "https://tracker.example.com/api/v1"
	cfg.Tracker.APIKeyEnv = "RALLYTREE_API_KEY"
	cfg.Tracker.TimeoutSec = 15
	cfg.Tracker.PageSize = 200
	cfg.Progress.DocQuietMS = 300
	cfg.Progress.BrokerBuffer = 128
	cfg.Progress.StreamChannel = "progress_events"
	cfg.Journal.DBPath = ".rallytree/rallytree.db"
	cfg.Server.Addr = ":3001"
	cfg.Run.DefaultDelimiter = "+"
	return cfg
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if strings.TrimSpace(cfg.Tracker.BaseURL) == "" {
		return fmt.Errorf("tracker.base_url cannot be empty")
	}
	if strings.TrimSpace(cfg.Tracker.APIKeyEnv) == "" {
		return fmt.Errorf("tracker.api_key_env cannot be empty")
	}
	if cfg.Tracker.TimeoutSec <= 0 {
		return fmt.Errorf("tracker.timeout_sec must be > 0")
	}
	if cfg.Tracker.PageSize <= 0 {
		return fmt.Errorf("tracker.page_size must be > 0")
	}
	if cfg.Progress.DocQuietMS <= 0 {
		return fmt.Errorf("progress.doc_quiet_ms must be > 0")
	}
	if cfg.Progress.BrokerBuffer <= 0 {
		return fmt.Errorf("progress.broker_buffer must be > 0")
	}
	if strings.TrimSpace(cfg.Progress.StreamChannel) == "" {
		return fmt.Errorf("progress.stream_channel cannot be empty")
	}
	if strings.TrimSpace(cfg.Journal.DBPath) == "" {
		return fmt.Errorf("journal.db_path cannot be empty")
	}
	if strings.TrimSpace(cfg.Run.DefaultDelimiter) == "" {
		return fmt.Errorf("run.default_delimiter cannot be empty")
	}
	return nil
}
