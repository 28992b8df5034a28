package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds host-level kitchen configuration — the settings that apply
// across every project, as opposed to project.Config (project/project.go)
// which is per-workspace pipeline state.
type Config struct {
	// WorkspaceToolsDir is searched first when resolving a tool name
	// (highest priority in the Tool Registry's search order).
	WorkspaceToolsDir string `json:"workspace_tools_dir" mapstructure:"workspace_tools_dir"`
	// BundledToolsDir is searched second, before falling back to PATH.
	BundledToolsDir string `json:"bundled_tools_dir" mapstructure:"bundled_tools_dir"`
	// PoolSize bounds the goroutine pool used for non-tool, local-only
	// concurrent work (snapshot collection, metadata stat walks). Never
	// used to parallelize external-tool invocations. Defaults to
	// runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size"`
	// CodecTimeout is the configured limit for a sparse/filesystem codec
	// invocation. It is loaded and defaulted here, but no tool invocation
	// applies it: codec runs have no timeout.
	CodecTimeout time.Duration `json:"codec_timeout"`
	// FirmwareTimeout is the configured limit for a firmware wrapper
	// repack invocation. It is loaded and defaulted here, but no tool
	// invocation applies it: firmware repack runs have no timeout.
	FirmwareTimeout time.Duration `json:"firmware_timeout"`
	// Log configuration, uses eru core's ServerLogConfig — the log facade
	// is ambient and carried regardless of what the pipeline itself does;
	// the transport/sink it configures is out of the core's scope.
	Log coretypes.ServerLogConfig `json:"log"`
}

const (
	defaultCodecTimeout    = 600 * time.Second
	defaultFirmwareTimeout = 1800 * time.Second
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BundledToolsDir: "./tools",
		PoolSize:        runtime.NumCPU(),
		CodecTimeout:    defaultCodecTimeout,
		FirmwareTimeout: defaultFirmwareTimeout,
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500, //nolint:mnd
			MaxAge:     28,  //nolint:mnd
			MaxBackups: 3,   //nolint:mnd
		},
	}
}

// LoadConfig loads configuration from file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = runtime.NumCPU()
	}
	if c.CodecTimeout <= 0 {
		c.CodecTimeout = defaultCodecTimeout
	}
	if c.FirmwareTimeout <= 0 {
		c.FirmwareTimeout = defaultFirmwareTimeout
	}
}

// AbsWorkspaceToolsDir returns the workspace tools directory as an absolute
// path, or "" if unset.
func (c *Config) AbsWorkspaceToolsDir() string {
	if c.WorkspaceToolsDir == "" {
		return ""
	}
	abs, err := filepath.Abs(c.WorkspaceToolsDir)
	if err != nil {
		return c.WorkspaceToolsDir
	}
	return abs
}
