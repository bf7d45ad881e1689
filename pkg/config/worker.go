package config

import (
	"fmt"
	"time"
)

// EnvPrefix is the prefix of every environment override, e.g.
// OCW_SERVER_URL or OCW_PROTOCOL_KEEPALIVE_INTERVAL.
const EnvPrefix = "OCW"

// WorkerConfig is the static configuration of an ocworker process.
type WorkerConfig struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Protocol      ProtocolConfig      `yaml:"protocol" json:"protocol"`
	Envelope      EnvelopeConfig      `yaml:"envelope" json:"envelope"`
	GPU           GPUConfig           `yaml:"gpu" json:"gpu"`
	Events        EventsConfig        `yaml:"events" json:"events"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Log           LogConfig           `yaml:"log" json:"log"`
}

// ServerConfig locates the coordinator.
type ServerConfig struct {
	URL string `yaml:"url" json:"url"`
	// Token identifies this worker in every frame header. Empty means a
	// random id per process.
	Token          string        `yaml:"token" json:"token"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
}

// ProtocolConfig holds the coordinator protocol settings.
type ProtocolConfig struct {
	AuthCode          uint64        `yaml:"auth_code" json:"auth_code"`
	Channels          int           `yaml:"channels" json:"channels"`
	SendChannel       int           `yaml:"send_channel" json:"send_channel"`
	KeepAliveDelay    time.Duration `yaml:"keepalive_delay" json:"keepalive_delay"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval" json:"keepalive_interval"`
}

// EnvelopeConfig selects the payload codec. Secret is required for
// "sealed".
type EnvelopeConfig struct {
	Codec  string `yaml:"codec" json:"codec"`
	Secret string `yaml:"secret" json:"secret"`
}

// GPUConfig selects the compute backend. "auto" uses the first hardware
// adapter found and falls back to the software device.
type GPUConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	Workers int    `yaml:"workers" json:"workers"`
}

// EventsConfig enables NATS lifecycle events when URL is set.
type EventsConfig struct {
	URL    string `yaml:"url" json:"url"`
	Prefix string `yaml:"prefix" json:"prefix"`
}

// ObservabilityConfig configures the admin endpoint and tracing.
type ObservabilityConfig struct {
	// AdminAddr serves /metrics and /healthz. Empty disables it.
	AdminAddr   string  `yaml:"admin_addr" json:"admin_addr"`
	Tracing     string  `yaml:"tracing" json:"tracing"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
}

// LogConfig selects the logger flavour: development, test or production.
type LogConfig struct {
	Env string `yaml:"env" json:"env"`
}

// Default returns the configuration used when no file is given.
func Default() *WorkerConfig {
	return &WorkerConfig{
		Server: ServerConfig{
			URL:            "ws://127.0.0.1:8080/ws",
			ReconnectDelay: 3 * time.Second,
		},
		Protocol: ProtocolConfig{
			AuthCode:          0x24420251131,
			Channels:          10,
			SendChannel:       0,
			KeepAliveDelay:    2 * time.Second,
			KeepAliveInterval: 60 * time.Second,
		},
		Envelope: EnvelopeConfig{Codec: "plain"},
		GPU:      GPUConfig{Backend: "auto"},
		Events:   EventsConfig{Prefix: "ocworker"},
		Observability: ObservabilityConfig{
			AdminAddr: ":9464",
			Tracing:   "none",
		},
		Log: LogConfig{Env: "development"},
	}
}

// LoadWorkerConfig starts from Default, overlays the file at path when
// path is not empty, then applies OCW_* environment overrides and
// validates the result.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	cfg := Default()
	if path != "" {
		if err := Load(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnvOverrides(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the worker cannot run with.
func (c *WorkerConfig) Validate() error {
	m := NewManager(c)
	m.AddValidator(RequiredFields("Server.URL", "Protocol.AuthCode"))
	m.AddValidator(RangeValidator("Protocol.Channels", 1, 1024))
	m.AddValidator(RangeValidator("Protocol.SendChannel", 0, float64(c.Protocol.Channels-1)))
	m.AddValidator(RangeValidator("GPU.Workers", 0, 1024))
	m.AddValidator(RangeValidator("Observability.SampleRatio", 0, 1))
	m.AddValidator(OneOfValidator("Envelope.Codec", "plain", "sealed"))
	m.AddValidator(OneOfValidator("GPU.Backend", "auto", "software", "vulkan", "metal", "dx12", "gl", "none"))
	m.AddValidator(OneOfValidator("Observability.Tracing", "none", "stdout", "zipkin", "jaeger"))
	m.AddValidator(OneOfValidator("Log.Env", "development", "test", "production", "prod"))
	if c.Envelope.Codec == "sealed" {
		m.AddValidator(StringLengthValidator("Envelope.Secret", 16, 4096))
	}
	if c.Observability.Tracing == "zipkin" || c.Observability.Tracing == "jaeger" {
		m.AddValidator(RequiredFields("Observability.Endpoint"))
	}
	m.AddValidator(ValidatorFunc(func(interface{}) error {
		if c.Server.ReconnectDelay <= 0 {
			return fmt.Errorf("server reconnect_delay must be positive, got %s", c.Server.ReconnectDelay)
		}
		if c.Protocol.KeepAliveDelay < 0 || c.Protocol.KeepAliveInterval < 0 {
			return fmt.Errorf("keep-alive timings must not be negative")
		}
		return nil
	}))
	return m.Validate()
}

// Save writes the configuration as YAML or JSON depending on the
// extension of path.
func (c *WorkerConfig) Save(path string) error {
	if hasExt(path, ".json") {
		return SaveJSON(path, c)
	}
	return SaveYAML(path, c)
}
