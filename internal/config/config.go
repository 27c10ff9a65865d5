// Package config loads the runstat TOML configuration.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/runstat/internal/auth"
	"github.com/loykin/runstat/internal/env"
	"github.com/loykin/runstat/internal/logger"
	"github.com/loykin/runstat/internal/runtime"
	"github.com/loykin/runstat/internal/service"
	itls "github.com/loykin/runstat/internal/tls"
)

// EnvPrefix is prepended to environment overrides, e.g. RUNSTAT_SERVER_LISTEN.
const EnvPrefix = "RUNSTAT"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the top-level TOML structure.
type Config struct {
	Env      []string        `mapstructure:"env"`
	EnvFiles []string        `mapstructure:"env_files"`
	Log      logger.Config   `mapstructure:"log"`
	Server   ServerConfig    `mapstructure:"server"`
	Auth     auth.Config     `mapstructure:"auth"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	History  HistoryConfig   `mapstructure:"history"`
	Docker   DockerConfig    `mapstructure:"docker"`
	Services []ServiceConfig `mapstructure:"services"`
}

type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	TLS      itls.Config `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HistoryConfig lists the sinks lifecycle history is exported to. DSN is a
// shorthand for a single entry of DSNs.
type HistoryConfig struct {
	DSN       string   `mapstructure:"dsn"`
	DSNs      []string `mapstructure:"dsns"`
	QueueSize int      `mapstructure:"queue_size"`
}

type DockerConfig struct {
	Host         string        `mapstructure:"host"`
	NamePrefix   string        `mapstructure:"name_prefix"`
	Network      string        `mapstructure:"network"`
	ReconnectMin time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
}

// ServiceConfig holds the container settings of one service.
type ServiceConfig struct {
	Name     string            `mapstructure:"name"`
	Image    string            `mapstructure:"image"`
	Cmd      []string          `mapstructure:"cmd"`
	Env      []string          `mapstructure:"env"`
	CPUs     float64           `mapstructure:"cpus"`
	MemoryMB int64             `mapstructure:"memory_mb"`
	Restart  string            `mapstructure:"restart"`
	Network  string            `mapstructure:"network"`
	Labels   map[string]string `mapstructure:"labels"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("server.listen", "127.0.0.1:8787")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.queue_size", 256)
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.name_prefix", "runstat-")
	v.SetDefault("docker.network", "")
	v.SetDefault("docker.reconnect_min", 500*time.Millisecond)
	v.SetDefault("docker.reconnect_max", 30*time.Second)
}

// Load reads path (TOML) over the defaults and applies RUNSTAT_* overrides.
// An empty path yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		// env files and TLS material are relative to the config file
		base := filepath.Dir(path)
		for i, p := range cfg.EnvFiles {
			cfg.EnvFiles[i] = resolve(base, p)
		}
		cfg.Server.TLS.Dir = resolve(base, cfg.Server.TLS.Dir)
		cfg.Server.TLS.CertFile = resolve(base, cfg.Server.TLS.CertFile)
		cfg.Server.TLS.KeyFile = resolve(base, cfg.Server.TLS.KeyFile)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks service names and required fields.
func (c *Config) Validate() error {
	seen := make(map[service.Service]struct{}, len(c.Services))
	for i, sc := range c.Services {
		svc, err := service.Parse(sc.Name)
		if err != nil {
			return fmt.Errorf("%w: services[%d]: %w", ErrInvalid, i, err)
		}
		if _, dup := seen[svc]; dup {
			return fmt.Errorf("%w: duplicate service %s", ErrInvalid, svc)
		}
		seen[svc] = struct{}{}
		if strings.TrimSpace(sc.Image) == "" {
			return fmt.Errorf("%w: service %s requires image", ErrInvalid, svc)
		}
		if sc.CPUs < 0 || sc.MemoryMB < 0 {
			return fmt.Errorf("%w: service %s has negative limits", ErrInvalid, svc)
		}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if t := c.Server.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		return fmt.Errorf("%w: server.tls needs dir or cert_file and key_file", ErrInvalid)
	}
	return nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// HistoryDSNs returns DSN and DSNs combined without duplicates.
func (c *Config) HistoryDSNs() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, d := range append([]string{c.History.DSN}, c.History.DSNs...) {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// GlobalEnv merges env_files (in order) and then the top-level env list,
// later entries overriding earlier ones. The result is sorted by key and
// not yet expanded.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(env.Vars)
	for _, p := range c.EnvFiles {
		vars, err := env.LoadFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range vars {
			m[k] = v
		}
	}
	m.Apply(c.Env)
	return m.Slice(), nil
}

// ServiceSettings converts the configured services into runtime settings
// in configuration order. Global env is applied under each service's own
// env and ${VAR} references are expanded.
func (c *Config) ServiceSettings() (map[service.Service]runtime.Settings, []service.Service, error) {
	global, err := c.GlobalEnv()
	if err != nil {
		return nil, nil, err
	}
	settings := make(map[service.Service]runtime.Settings, len(c.Services))
	order := make([]service.Service, 0, len(c.Services))
	for _, sc := range c.Services {
		svc, err := service.Parse(sc.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		var labels map[string]string
		if len(sc.Labels) > 0 {
			labels = make(map[string]string, len(sc.Labels))
			for k, v := range sc.Labels {
				labels[k] = v
			}
		}
		settings[svc] = runtime.Settings{
			Image:    sc.Image,
			Cmd:      append([]string(nil), sc.Cmd...),
			Env:      env.Compose(global, sc.Env),
			CPUs:     sc.CPUs,
			MemoryMB: sc.MemoryMB,
			Restart:  sc.Restart,
			Network:  sc.Network,
			Labels:   labels,
		}
		order = append(order, svc)
	}
	return settings, order, nil
}

