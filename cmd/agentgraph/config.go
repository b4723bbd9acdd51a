package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/agentgraph/internal/gateway"
	"github.com/rendis/agentgraph/internal/streaming"
)

// Config holds all agentgraph configuration.
// Priority: env vars > settings.json (or settings.yaml) > defaults.
type Config struct {
	ListenAddr        string `json:"listen_addr" yaml:"listen_addr"`
	DBPath            string `json:"db_path" yaml:"db_path"`
	LogLevel          string `json:"log_level" yaml:"log_level"`
	HeartbeatTimeout  string `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	KeepaliveInterval string `json:"keepalive_interval" yaml:"keepalive_interval"`
	ReplayWindow      int    `json:"replay_window" yaml:"replay_window"`
	AuthToken         string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	Metrics           bool   `json:"metrics" yaml:"metrics"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4200",
		DBPath:            filepath.Join(agentgraphDir(), "agentgraph.db"),
		LogLevel:          "info",
		HeartbeatTimeout:  streaming.DefaultHeartbeatTimeout.String(),
		KeepaliveInterval: gateway.DefaultKeepaliveInterval.String(),
		ReplayWindow:      1000,
		Metrics:           true,
	}
}

func agentgraphDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentgraph"
	}
	return filepath.Join(home, ".agentgraph")
}

func settingsPath() string {
	return filepath.Join(agentgraphDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(agentgraphDir(), "agentgraph.pid")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings file (ignore if missing). JSON wins over YAML.
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	} else {
		for _, name := range []string{"settings.yaml", "settings.yml"} {
			if data, err := os.ReadFile(filepath.Join(agentgraphDir(), name)); err == nil {
				_ = yaml.Unmarshal(data, &cfg)
				break
			}
		}
	}

	// Layer 3: env vars override.
	if v := os.Getenv("AGENTGRAPH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("AGENTGRAPH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AGENTGRAPH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTGRAPH_HEARTBEAT_TIMEOUT"); v != "" {
		cfg.HeartbeatTimeout = v
	}
	if v := os.Getenv("AGENTGRAPH_KEEPALIVE_INTERVAL"); v != "" {
		cfg.KeepaliveInterval = v
	}
	if v := os.Getenv("AGENTGRAPH_REPLAY_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReplayWindow = n
		}
	}
	if v := os.Getenv("AGENTGRAPH_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("AGENTGRAPH_METRICS"); v != "" {
		cfg.Metrics = v == "true" || v == "1"
	}

	return cfg
}

// heartbeatTimeout returns the parsed watchdog timeout, falling back to the
// client default on a bad value.
func (c Config) heartbeatTimeout() time.Duration {
	return parseDuration(c.HeartbeatTimeout, streaming.DefaultHeartbeatTimeout)
}

func (c Config) keepaliveInterval() time.Duration {
	return parseDuration(c.KeepaliveInterval, gateway.DefaultKeepaliveInterval)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	GatewayChanged  bool     // auth token, keepalive or replay window
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.AuthToken != new.AuthToken ||
		old.keepaliveInterval() != new.keepaliveInterval() ||
		old.ReplayWindow != new.ReplayWindow {
		d.GatewayChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.Metrics != new.Metrics {
		d.RestartNeeded = append(d.RestartNeeded, "metrics")
	}
	return d
}
