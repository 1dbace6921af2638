// Package config loads relay configuration from an optional YAML file and
// RELAY_-prefixed environment variables, env taking precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Editor   EditorConfig   `koanf:"editor"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type LoggingConfig struct {
	// Level is debug, info, warn or error. Reloadable via Watch.
	Level string `koanf:"level"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	// DataDir holds accounts.json, pool.json and the usage cache database.
	DataDir string `koanf:"data_dir"`
}

type UpstreamConfig struct {
	APIBaseURL  string `koanf:"api_base_url"`
	AuthBaseURL string `koanf:"auth_base_url"`

	// AutoStart starts an instance for every enabled account at boot.
	AutoStart bool `koanf:"auto_start"`
}

type EditorConfig struct {
	Version       string `koanf:"version"`
	PluginVersion string `koanf:"plugin_version"`
	IntegrationID string `koanf:"integration_id"`
}

// Load reads configPath (if it exists) then overlays RELAY_ environment
// variables. An empty configPath skips the file layer.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", configPath, err)
			}
		}
	}

	// Double underscore separates levels so keys like data_dir survive:
	// RELAY_STORAGE__DATA_DIR -> storage.data_dir.
	if err := k.Load(env.Provider("RELAY_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "RELAY_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Watch invokes onChange with the reloaded config whenever configPath
// changes on disk. It returns immediately; callbacks run on the watcher's
// goroutine. No-op when configPath is empty.
func Watch(configPath string, onChange func(*Config)) error {
	if configPath == "" {
		return nil
	}
	f := file.Provider(configPath)
	return f.Watch(func(event any, err error) {
		if err != nil {
			return
		}
		cfg, err := Load(configPath)
		if err != nil {
			return
		}
		onChange(cfg)
	})
}

func applyDefaults(k *koanf.Koanf) {
	if !k.Exists("server.port") {
		k.Set("server.port", 4141)
	}
	if !k.Exists("storage.data_dir") {
		k.Set("storage.data_dir", "./data")
	}
	if !k.Exists("upstream.auto_start") {
		k.Set("upstream.auto_start", true)
	}
	if !k.Exists("editor.version") {
		k.Set("editor.version", "vscode/1.99.0")
	}
	if !k.Exists("editor.plugin_version") {
		k.Set("editor.plugin_version", "copilot-chat/0.26.0")
	}
	if !k.Exists("editor.integration_id") {
		k.Set("editor.integration_id", "vscode-chat")
	}
	if !k.Exists("logging.level") {
		k.Set("logging.level", "info")
	}
}

// SlogLevel maps the configured level name to a slog level, defaulting
// to info for unknown names.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
