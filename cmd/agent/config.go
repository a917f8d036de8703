package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/nodeagent/pkg/portalloc"
)

// Config is cmd/agent's process configuration, loaded from a YAML file
// and overridden by any flags the caller set explicitly (spec §10.2).
type Config struct {
	DataDir              string    `yaml:"data_dir"`
	ReactorTimeoutSecond int       `yaml:"reactor_timeout_seconds"`
	PortRange            PortRange `yaml:"port_range"`
	ContainerdSocket     string    `yaml:"containerd_socket"`
	ContainerdNS         string    `yaml:"containerd_namespace"`
	LogLevel             string    `yaml:"log_level"`
	LogJSON              bool      `yaml:"log_json"`
	TasksFile            string    `yaml:"tasks_file"`
	MetricsAddr          string    `yaml:"metrics_addr"`
}

func (c Config) reactorTimeout() time.Duration {
	return time.Duration(c.ReactorTimeoutSecond) * time.Second
}

// PortRange mirrors portalloc.Range for YAML decoding.
type PortRange struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
}

func (r PortRange) toAllocatorRange() portalloc.Range {
	if r.From == 0 && r.To == 0 {
		return portalloc.DefaultRange
	}
	return portalloc.Range{From: r.From, To: r.To}
}

func defaultConfig() Config {
	return Config{
		DataDir:              "./nodeagent-data",
		ReactorTimeoutSecond: 5,
		PortRange:            PortRange{From: portalloc.DefaultRange.From, To: portalloc.DefaultRange.To},
		ContainerdSocket:     "/run/containerd/containerd.sock",
		ContainerdNS:         "nodeagent",
		LogLevel:             "info",
		LogJSON:              false,
		MetricsAddr:          "127.0.0.1:9100",
	}
}

// loadConfig reads path, if non-empty, and merges it onto defaultConfig.
// A missing --config flag is not an error: the agent runs on defaults
// plus whatever flags were passed, matching the teacher's
// flags-override-file precedence without requiring a file to exist.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}
