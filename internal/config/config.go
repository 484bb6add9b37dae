// Package config provides configuration loading for the aichat engine: the YAML
// server config and the hot-reloadable runtime AI config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Storage   StorageConfig   `yaml:"storage"`
	Engine    EngineConfig    `yaml:"engine"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// WorkspaceConfig selects the default workspace and its indexing behavior.
type WorkspaceConfig struct {
	Root       string `yaml:"root"`
	RAGEnabled bool   `yaml:"rag_enabled"`
	Watch      *bool  `yaml:"watch"`
}

// WatchOrDefault returns whether to watch the workspace; defaults to true when unset.
func (w *WorkspaceConfig) WatchOrDefault() bool {
	if w.Watch != nil {
		return *w.Watch
	}
	return true
}

// StorageConfig holds the session database location.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// EngineConfig holds AI engine settings that are not hot-reloaded.
type EngineConfig struct {
	ConfigPath          string `yaml:"config_path"`
	ContextMaxLength    int    `yaml:"context_max_length"`
	ShellTimeoutSeconds int    `yaml:"shell_timeout_seconds"`
	MaxIndexedChunks    int    `yaml:"max_indexed_chunks"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Engine.ConfigPath = expandPath(cfg.Engine.ConfigPath, configDir)
	if cfg.Workspace.Root != "" {
		cfg.Workspace.Root = expandPath(cfg.Workspace.Root, configDir)
	}

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
