// Package config aggregates the federation control plane's tunables: the
// Registry, Router, and Health Monitor settings the spec names, plus the
// ambient server/logging/metrics/store sections every deployment of this
// lineage carries, in the teacher's nested YAML-tagged struct idiom.
package config

import "time"

// Config is the root configuration for a federation control plane process.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Router  RouterConfig  `yaml:"router"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the admin/metrics HTTP surface.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the InstanceStore backend.
type StoreConfig struct {
	// Driver is "memory", "file", or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the Postgres connection string. Only used when Driver is
	// "postgres". May embed a password; the logging layer redacts it on
	// output.
	DSN string `yaml:"dsn"`
	// Path is the backing file for Driver "file".
	Path string `yaml:"path"`
}

// RouterConfig configures instance selection.
type RouterConfig struct {
	DefaultStrategy    string        `yaml:"default_strategy"`
	AffinityTTL        time.Duration `yaml:"affinity_ttl"`
	AffinitySweep      time.Duration `yaml:"affinity_sweep_interval"`
	BackpressureWarn   float64       `yaml:"backpressure_warn"`
	BackpressureReject float64       `yaml:"backpressure_reject"`
}

// HealthConfig configures the probe loop.
type HealthConfig struct {
	// CheckInterval accepts either a Go duration ("30s") or a standard
	// cron expression; see health.ParseCheckInterval.
	CheckInterval string        `yaml:"check_interval"`
	CheckTimeout  time.Duration `yaml:"check_timeout"`
	// UnhealthyThreshold is carried for parity with SPEC_FULL.md's config
	// table; the Monitor itself keys auto-removal off AutoRemoveAfter
	// rather than a bare failure count, since elapsed unhealthy duration
	// is what operators actually budget for.
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	AutoRemoveAfter    time.Duration `yaml:"auto_remove_after"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config populated with SPEC_FULL.md §6/§10's defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Router: RouterConfig{
			DefaultStrategy:    "least-loaded",
			AffinityTTL:        time.Hour,
			AffinitySweep:      time.Hour,
			BackpressureWarn:   0.90,
			BackpressureReject: 0.95,
		},
		Health: HealthConfig{
			CheckInterval:      "30s",
			CheckTimeout:       5 * time.Second,
			UnhealthyThreshold: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
