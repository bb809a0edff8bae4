// Package config loads the engine's YAML configuration: worker pool size,
// per-media-kind queue sizing, and the control-socket listen address.
// Decoding is strict — unknown keys are an error — with explicit defaults
// applied afterward.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the complete engine configuration. Every field has an
// explicit default applied by setDefaults.
type Config struct {
	Worker  WorkerConfig  `yaml:"worker"`
	Control ControlConfig `yaml:"control"`
	Queues  QueuesConfig  `yaml:"queues"`
}

// WorkerConfig sizes the WorkersPool.
type WorkerConfig struct {
	PoolSize   int `yaml:"pool_size"`   // 0 means max(4, GOMAXPROCS)
	EventBatch int `yaml:"event_batch"` // defaulted here but not read by the engine; each filter's drain bound is its constructor's eventBatch
}

// ControlConfig configures the control-socket websocket listener.
type ControlConfig struct {
	Addr              string   `yaml:"addr"`
	CertLifetimeHours int      `yaml:"cert_lifetime_hours"`
	CertHosts         []string `yaml:"cert_hosts,omitempty"` // SANs for the generated cert; empty means loopback only
}

// QueueConfig sizes and polices one edge's backing FrameQueue.
type QueueConfig struct {
	Capacity      int    `yaml:"capacity"`
	FrameCapacity int    `yaml:"frame_capacity"`
	DropPolicy    string `yaml:"drop_policy"` // "producer_skip" | "oldest_overwrite"
}

// QueuesConfig is the per-media-kind queue sizing table. Edge capacity is
// deliberately configurable rather than hard-coded per codec.
type QueuesConfig struct {
	Default QueueConfig  `yaml:"default"`
	Video   *QueueConfig `yaml:"video,omitempty"`
	Audio   *QueueConfig `yaml:"audio,omitempty"`
	// SlaveOverride sizes adaptive-ladder slave queues specifically; nil
	// means slaves use the same per-kind sizing as any other edge.
	SlaveOverride *QueueConfig `yaml:"slave_override,omitempty"`
}

// Load reads and strictly decodes a YAML config file, then applies
// defaults to any field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Worker.EventBatch <= 0 {
		c.Worker.EventBatch = 16
	}
	if c.Control.Addr == "" {
		c.Control.Addr = ":4500"
	}
	if c.Control.CertLifetimeHours <= 0 {
		c.Control.CertLifetimeHours = 24 * 30
	}
	c.Queues.Default.setDefaults()
	for _, qc := range []*QueueConfig{c.Queues.Video, c.Queues.Audio, c.Queues.SlaveOverride} {
		if qc != nil {
			qc.setDefaults()
		}
	}
}

func (qc *QueueConfig) setDefaults() {
	if qc.Capacity <= 0 {
		qc.Capacity = 8
	}
	if qc.FrameCapacity <= 0 {
		qc.FrameCapacity = 1 << 20
	}
	if qc.DropPolicy == "" {
		qc.DropPolicy = "producer_skip"
	}
}

// Default returns a Config with every field at its zero-input default,
// for callers (tests, the minimal-server entrypoint) that don't read a
// file from disk.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}
