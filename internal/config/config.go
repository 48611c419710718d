package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type DatabaseConfig struct {
	Path string `json:"path"`
}

type TrackerConfig struct {
	PollIntervalSec    int    `json:"poll_interval_sec"`
	SnapshotTimeoutSec int    `json:"snapshot_timeout_sec"`
	Timezone           string `json:"timezone"`
}

type ServerConfig struct {
	Port           int      `json:"port"`
	AuthToken      string   `json:"auth_token"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type DiscordConfig struct {
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type Config struct {
	Database DatabaseConfig `json:"database"`
	Tracker  TrackerConfig  `json:"tracker"`
	Server   ServerConfig   `json:"server"`
	Discord  DiscordConfig  `json:"discord"`
}

const (
	defaultDatabasePath       = "./playwatch.db"
	defaultPollIntervalSec    = 15
	defaultSnapshotTimeoutSec = 5
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("validation error: server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.AuthToken == "" {
		return fmt.Errorf("validation error: server.auth_token is required")
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}
	if cfg.Tracker.PollIntervalSec <= 0 {
		cfg.Tracker.PollIntervalSec = defaultPollIntervalSec
	}
	if cfg.Tracker.SnapshotTimeoutSec <= 0 {
		cfg.Tracker.SnapshotTimeoutSec = defaultSnapshotTimeoutSec
	}
	if cfg.Tracker.SnapshotTimeoutSec >= cfg.Tracker.PollIntervalSec {
		return fmt.Errorf("validation error: tracker.snapshot_timeout_sec must be less than tracker.poll_interval_sec, got %d", cfg.Tracker.SnapshotTimeoutSec)
	}
	if cfg.Tracker.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Tracker.Timezone); err != nil {
			return fmt.Errorf("validation error: tracker.timezone %q is not a valid IANA zone", cfg.Tracker.Timezone)
		}
	}
	if cfg.Discord.BotToken != "" && cfg.Discord.ChannelID == "" {
		return fmt.Errorf("validation error: discord.channel_id is required when discord.bot_token is set")
	}
	return nil
}

// Location resolves the configured reference time zone, defaulting to UTC.
// Date keys and day boundaries are computed in this zone.
func (cfg *Config) Location() *time.Location {
	if cfg.Tracker.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(cfg.Tracker.Timezone)
	if err != nil {
		// Unreachable after validation.
		return time.UTC
	}
	return loc
}

func (cfg *Config) PollInterval() time.Duration {
	return time.Duration(cfg.Tracker.PollIntervalSec) * time.Second
}

func (cfg *Config) SnapshotTimeout() time.Duration {
	return time.Duration(cfg.Tracker.SnapshotTimeoutSec) * time.Second
}
