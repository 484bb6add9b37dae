package config

import (
	"os"
	"path/filepath"
)

const (
	DefaultContextMaxLength    = 128000
	DefaultShellTimeoutSeconds = 60
	DefaultMaxIndexedChunks    = 20000
)

// DataDir is the per-user directory holding the session database and runtime config.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".aichat", "global")
	}
	return filepath.Join(home, ".aichat", "global")
}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = filepath.Join(DataDir(), "sessions.db")
	}
	if cfg.Engine.ConfigPath == "" {
		cfg.Engine.ConfigPath = filepath.Join(DataDir(), "ai_engine_config.json")
	}
	if cfg.Engine.ContextMaxLength == 0 {
		cfg.Engine.ContextMaxLength = DefaultContextMaxLength
	}
	if cfg.Engine.ShellTimeoutSeconds == 0 {
		cfg.Engine.ShellTimeoutSeconds = DefaultShellTimeoutSeconds
	}
	if cfg.Engine.MaxIndexedChunks == 0 {
		cfg.Engine.MaxIndexedChunks = DefaultMaxIndexedChunks
	}
	// Watch defaults to true when a root is configured.
	if cfg.Workspace.Root != "" && cfg.Workspace.Watch == nil {
		t := true
		cfg.Workspace.Watch = &t
	}
}
