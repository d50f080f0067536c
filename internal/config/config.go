// Package config handles conduit configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calliope-ai/conduit/internal/protocol"
)

// Transport kinds accepted in a provider declaration.
const (
	TransportSubprocess = "subprocess"
	TransportSSE        = "sse"
	TransportWebsocket  = "websocket"
)

// Defaults applied when a provider declaration leaves a field unset.
const (
	DefaultHandshakeTimeoutSec = 30
	DefaultCallTimeoutSec      = 30
	DefaultRestartDelaySec     = 5
)

// Provider describes one capability provider: how to reach it and how
// long to wait for it. Immutable once loaded for a session.
type Provider struct {
	// Name is the unique provider key. Populated from the map key at load time.
	Name string `yaml:"-" json:"name"`

	// Transport selects the transport kind: subprocess, sse, or websocket.
	Transport string `yaml:"transport" json:"transport"`

	// Command, Args, and Env describe the subprocess launch spec.
	// Env entries override/extend the parent environment.
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// URL and Headers describe the network endpoint for sse/websocket.
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// HandshakeTimeoutSec bounds transport open + initialize (default 30).
	HandshakeTimeoutSec int `yaml:"handshake_timeout_sec,omitempty" json:"handshake_timeout_sec,omitempty"`

	// CallTimeoutSec bounds each individual request (default 30).
	CallTimeoutSec int `yaml:"call_timeout_sec,omitempty" json:"call_timeout_sec,omitempty"`

	// StaticTools are tools declared in configuration, listable without
	// establishing a live connection. Live discovery wins once connected.
	StaticTools []protocol.Tool `yaml:"static_tools,omitempty" json:"static_tools,omitempty"`

	// AutoRestart schedules a reconnect after an unexpected transport death.
	AutoRestart     bool `yaml:"auto_restart,omitempty" json:"auto_restart,omitempty"`
	RestartDelaySec int  `yaml:"restart_delay_sec,omitempty" json:"restart_delay_sec,omitempty"`
}

// HandshakeTimeout returns the handshake deadline as a duration.
func (p Provider) HandshakeTimeout() time.Duration {
	sec := p.HandshakeTimeoutSec
	if sec <= 0 {
		sec = DefaultHandshakeTimeoutSec
	}
	return time.Duration(sec) * time.Second
}

// CallTimeout returns the per-request deadline as a duration.
func (p Provider) CallTimeout() time.Duration {
	sec := p.CallTimeoutSec
	if sec <= 0 {
		sec = DefaultCallTimeoutSec
	}
	return time.Duration(sec) * time.Second
}

// RestartDelay returns the delay before an auto-restart attempt.
func (p Provider) RestartDelay() time.Duration {
	sec := p.RestartDelaySec
	if sec <= 0 {
		sec = DefaultRestartDelaySec
	}
	return time.Duration(sec) * time.Second
}

// Validate checks that the declaration is internally consistent.
func (p Provider) Validate() error {
	switch p.Transport {
	case TransportSubprocess:
		if p.Command == "" {
			return fmt.Errorf("provider %s: subprocess transport requires a command", p.Name)
		}
	case TransportSSE, TransportWebsocket:
		if p.URL == "" {
			return fmt.Errorf("provider %s: %s transport requires a url", p.Name, p.Transport)
		}
	case "":
		return fmt.Errorf("provider %s: transport kind is required", p.Name)
	default:
		return fmt.Errorf("provider %s: unknown transport %q", p.Name, p.Transport)
	}
	return nil
}

// PlannerConfig tunes the heuristic task planner.
type PlannerConfig struct {
	// ScoreThreshold is the minimum relevance score for a tool to enter
	// a plan (default 0.25).
	ScoreThreshold float64 `yaml:"score_threshold,omitempty"`

	// MaxSteps caps the number of call_tool steps per plan (default 5).
	MaxSteps int `yaml:"max_steps,omitempty"`

	// StepDelayMS is a fixed pause between steps for UI pacing (default 0).
	StepDelayMS int `yaml:"step_delay_ms,omitempty"`
}

// Config holds all conduit configuration.
type Config struct {
	DataDir   string              `yaml:"data_dir"`
	LogLevel  string              `yaml:"log_level"`
	Providers map[string]Provider `yaml:"providers"`
	Planner   PlannerConfig       `yaml:"planner"`
}

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./conduit.yaml, ~/.config/conduit/config.yaml, /etc/conduit/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"conduit.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "conduit", "config.yaml"))
	}

	paths = append(paths, "/etc/conduit/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Load reads configuration from a YAML file. Environment variables in
// the file body are expanded before parsing, so secrets can live in the
// environment rather than on disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	for name, p := range cfg.Providers {
		p.Name = name
		if err := p.Validate(); err != nil {
			return nil, err
		}
		cfg.Providers[name] = p
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		DataDir: ".",
		Planner: PlannerConfig{
			ScoreThreshold: 0.25,
			MaxSteps:       5,
		},
	}
}
