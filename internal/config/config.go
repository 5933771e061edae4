// Package config provides configuration management for the CoreWarden daemon.
// It handles loading and parsing the YAML configuration file and provides
// structured access to daemon settings: control socket path, logging, timing
// budgets for process and interface reconciliation, and the process names of
// rival proxy tools killed during interface cleanup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by LoadConfig when the file omits a field.
const (
	DefaultSocketPath    = "/var/run/corewarden.sock"
	DefaultLogBufferSize = 1000
	DefaultStartGraceMS  = 900
	DefaultStopTimeoutS  = 3
	DefaultReleaseWaitS  = 5
	DefaultSettleWaitS   = 4
	DefaultReservedLow   = 4
	DefaultFallbackBase  = 200
	DefaultSettleDelayMS = 300
	DefaultReleasePollMS = 200
)

// Config represents the daemon's configuration, loaded from a YAML file.
type Config struct {
	// SocketPath is the filesystem path of the unix control socket.
	SocketPath string `yaml:"socket-path"`

	// LogFile is an optional path for the daemon's own rotated log file.
	LogFile string `yaml:"log-file,omitempty"`

	// LogLevel selects the daemon log verbosity (debug/info/warn/error/quiet).
	LogLevel string `yaml:"log-level,omitempty"`

	// LogBufferSize is the capacity of the core output ring buffer.
	LogBufferSize int `yaml:"log-buffer-size,omitempty"`

	// StartGraceMS is how long start waits before declaring the spawn healthy.
	// A core process that exits within this window fails the start call.
	StartGraceMS int `yaml:"start-grace-ms,omitempty"`

	// StopTimeoutSeconds bounds the graceful-termination poll before SIGKILL.
	StopTimeoutSeconds int `yaml:"stop-timeout-seconds,omitempty"`

	// ReleaseTimeoutSeconds bounds the per-interface force-release loop.
	ReleaseTimeoutSeconds int `yaml:"release-timeout-seconds,omitempty"`

	// SettleTimeoutSeconds bounds the post-stop wait for interfaces to clear.
	SettleTimeoutSeconds int `yaml:"settle-timeout-seconds,omitempty"`

	// SettleDelayMS is the pause between stopping a superseded core instance
	// and starting the new one.
	SettleDelayMS int `yaml:"settle-delay-ms,omitempty"`

	// ReleasePollMS is the polling interval for the force-release and
	// post-stop settle loops.
	ReleasePollMS int `yaml:"release-poll-ms,omitempty"`

	// RivalProcesses lists process names killed as a catch-all when a claimed
	// interface will not release. The tracked core binary's own name is always
	// included implicitly.
	RivalProcesses []string `yaml:"rival-processes,omitempty"`

	// ReservedLowIndex marks utun indexes at or below it as system-owned;
	// the post-stop wait never expects those to disappear.
	ReservedLowIndex int `yaml:"reserved-low-index,omitempty"`

	// FallbackIndexBase is the lowest utun index considered when picking a
	// substitute interface name for the sidecar config fallback.
	FallbackIndexBase int `yaml:"fallback-index-base,omitempty"`

	// StateFile overrides the per-user runtime state file location.
	StateFile string `yaml:"state-file,omitempty"`
}

// DefaultRivalProcesses are the known competing proxy-tool process names
// killed by name during interface cleanup.
var DefaultRivalProcesses = []string{
	"sing-box", "xray", "v2ray", "mihomo", "clash", "tun2socks", "leaf",
}

// Default returns a Config populated with all defaults.
func Default() *Config {
	return &Config{
		SocketPath:            DefaultSocketPath,
		LogLevel:              "info",
		LogBufferSize:         DefaultLogBufferSize,
		StartGraceMS:          DefaultStartGraceMS,
		StopTimeoutSeconds:    DefaultStopTimeoutS,
		ReleaseTimeoutSeconds: DefaultReleaseWaitS,
		SettleTimeoutSeconds:  DefaultSettleWaitS,
		SettleDelayMS:         DefaultSettleDelayMS,
		ReleasePollMS:         DefaultReleasePollMS,
		RivalProcesses:        append([]string(nil), DefaultRivalProcesses...),
		ReservedLowIndex:      DefaultReservedLow,
		FallbackIndexBase:     DefaultFallbackBase,
	}
}

// LoadConfig reads and parses the YAML configuration file at path,
// filling in defaults for any omitted fields. A missing file yields the
// default configuration rather than an error so the daemon can run without
// any configuration on disk.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogBufferSize <= 0 {
		c.LogBufferSize = DefaultLogBufferSize
	}
	if c.StartGraceMS <= 0 {
		c.StartGraceMS = DefaultStartGraceMS
	}
	if c.StopTimeoutSeconds <= 0 {
		c.StopTimeoutSeconds = DefaultStopTimeoutS
	}
	if c.ReleaseTimeoutSeconds <= 0 {
		c.ReleaseTimeoutSeconds = DefaultReleaseWaitS
	}
	if c.SettleTimeoutSeconds <= 0 {
		c.SettleTimeoutSeconds = DefaultSettleWaitS
	}
	if c.SettleDelayMS <= 0 {
		c.SettleDelayMS = DefaultSettleDelayMS
	}
	if c.ReleasePollMS <= 0 {
		c.ReleasePollMS = DefaultReleasePollMS
	}
	if len(c.RivalProcesses) == 0 {
		c.RivalProcesses = append([]string(nil), DefaultRivalProcesses...)
	}
	if c.ReservedLowIndex <= 0 {
		c.ReservedLowIndex = DefaultReservedLow
	}
	if c.FallbackIndexBase <= 0 {
		c.FallbackIndexBase = DefaultFallbackBase
	}
}

// StartGrace returns the spawn grace window as a duration.
func (c *Config) StartGrace() time.Duration {
	return time.Duration(c.StartGraceMS) * time.Millisecond
}

// StopTimeout returns the graceful-termination budget as a duration.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

// ReleaseTimeout returns the per-interface force-release budget as a duration.
func (c *Config) ReleaseTimeout() time.Duration {
	return time.Duration(c.ReleaseTimeoutSeconds) * time.Second
}

// SettleTimeout returns the post-stop interface settle budget as a duration.
func (c *Config) SettleTimeout() time.Duration {
	return time.Duration(c.SettleTimeoutSeconds) * time.Second
}

// SettleDelay returns the pause between superseding stop and start.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMS) * time.Millisecond
}

// ReleasePoll returns the interface polling interval as a duration.
func (c *Config) ReleasePoll() time.Duration {
	return time.Duration(c.ReleasePollMS) * time.Millisecond
}
