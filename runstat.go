// Package runstat is the public facade for embedding the runtime-status
// layer: start and stop container-backed services and read their merged
// running, pending and resource usage status.
package runstat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/runstat/internal/auth"
	"github.com/loykin/runstat/internal/config"
	"github.com/loykin/runstat/internal/history"
	"github.com/loykin/runstat/internal/history/factory"
	"github.com/loykin/runstat/internal/lifecycle"
	"github.com/loykin/runstat/internal/manager"
	"github.com/loykin/runstat/internal/metrics"
	"github.com/loykin/runstat/internal/runtime"
	"github.com/loykin/runstat/internal/runtime/docker"
	iapi "github.com/loykin/runstat/internal/server"
	"github.com/loykin/runstat/internal/service"
	"github.com/loykin/runstat/internal/status"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Service = service.Service

type ServiceStatus = status.ServiceStatus

type Settings = runtime.Settings

type RuntimeClient = runtime.Client

type Options = manager.Options

type DockerOptions = docker.Options

type Config = config.Config

type HistorySink = history.Sink

type HistoryEvent = history.Event

type AuthConfig = auth.Config

// Services in the supervised set.
const (
	Tor        = service.Tor
	BaseNode   = service.BaseNode
	Wallet     = service.Wallet
	Sha3Miner  = service.Sha3Miner
	MMProxy    = service.MMProxy
	XMrig      = service.XMrig
	Monerod    = service.Monerod
	LogShipper = service.LogShipper
)

var (
	ErrUnknownService = service.ErrUnknown
	ErrCommandFailed  = lifecycle.ErrCommandFailed
	ErrNotConfigured  = lifecycle.ErrNotConfigured
)

func ParseService(name string) (Service, error) { return service.Parse(name) }

func AllServices() []Service { return service.All() }

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Manager is a thin facade over internal/manager.Manager.
type Manager struct {
	inner   *manager.Manager
	closers []io.Closer
	auth    *auth.Middleware
}

// New builds a Manager over any runtime client.
func New(rt RuntimeClient, opts Options) *Manager {
	return &Manager{inner: manager.New(rt, opts)}
}

// NewDocker builds a Manager backed by the Docker Engine API.
func NewDocker(dopts DockerOptions, opts Options) (*Manager, error) {
	rt, err := docker.New(dopts)
	if err != nil {
		return nil, err
	}
	m := New(rt, opts)
	m.closers = append(m.closers, rt)
	return m, nil
}

// NewFromConfig builds a Docker backed Manager with the configured services
// and history sinks.
func NewFromConfig(cfg *Config) (*Manager, error) {
	settings, order, err := cfg.ServiceSettings()
	if err != nil {
		return nil, err
	}
	m, err := NewDocker(DockerOptions{
		Host:       cfg.Docker.Host,
		NamePrefix: cfg.Docker.NamePrefix,
		Network:    cfg.Docker.Network,
	}, Options{
		Settings:     settings,
		Services:     order,
		ReconnectMin: cfg.Docker.ReconnectMin,
		ReconnectMax: cfg.Docker.ReconnectMax,
		HistoryQueue: cfg.History.QueueSize,
	})
	if err != nil {
		return nil, err
	}
	var sinks []HistorySink
	for _, dsn := range cfg.HistoryDSNs() {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("history sink %s: %w", redact(dsn), err)
		}
		sinks = append(sinks, s)
		if c, ok := s.(io.Closer); ok {
			m.closers = append(m.closers, c)
		}
		slog.Info("History sink enabled", "dsn", redact(dsn))
	}
	m.SetHistorySinks(sinks...)
	if cfg.Auth.Enabled {
		if err := m.EnableAuth(cfg.Auth); err != nil {
			_ = m.Close()
			return nil, err
		}
	}
	return m, nil
}

// EnableAuth makes handlers built afterwards by NewHandler and NewHTTPServer
// require authentication.
func (m *Manager) EnableAuth(cfg AuthConfig) error {
	svc, err := auth.NewService(cfg)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	m.auth = auth.NewMiddleware(svc)
	slog.Info("API authentication enabled", "users", len(cfg.Users), "clients", len(cfg.Clients))
	return nil
}

// HashPassword returns a bcrypt hash for an auth user's password_hash.
func HashPassword(password string) (string, error) { return auth.HashPassword(password) }

// NewHistorySinkFromDSN creates a sink for sqlite, postgres, clickhouse or
// opensearch DSNs.
func NewHistorySinkFromDSN(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

func (m *Manager) SetHistorySinks(sinks ...HistorySink) {
	m.inner.SetHistorySinks(sinks...)
}

// Services returns the supervised services in configuration order.
func (m *Manager) Services() []Service {
	return m.inner.Services()
}

func (m *Manager) Settings(s Service) (Settings, bool) {
	return m.inner.Settings(s)
}

func (m *Manager) Start(ctx context.Context, s Service) error {
	return m.inner.Start(ctx, s)
}

func (m *Manager) Stop(ctx context.Context, s Service) error {
	return m.inner.Stop(ctx, s)
}

func (m *Manager) Status(s Service) (ServiceStatus, error) {
	return m.inner.Status(s)
}

func (m *Manager) StatusAll() map[Service]ServiceStatus {
	return m.inner.StatusAll()
}

// Resync adopts containers the runtime already runs. Run does this on
// every event stream (re)connect.
func (m *Manager) Resync(ctx context.Context) error {
	return m.inner.Resync(ctx)
}

// Run consumes runtime events until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	return m.inner.Run(ctx)
}

// Close releases the runtime connection and history sinks. Call it after
// Run has returned.
func (m *Manager) Close() error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		errs = append(errs, m.closers[i].Close())
	}
	m.closers = nil
	return errors.Join(errs...)
}

// NewHandler returns the HTTP API for m, for mounting in another server.
func NewHandler(m *Manager, basePath string, withMetrics bool) http.Handler {
	return iapi.NewRouter(m.inner, basePath, m.routerOptions(withMetrics)...).Handler()
}

// NewHTTPServer returns an HTTP server exposing the API for m. The caller
// runs ListenAndServe.
func NewHTTPServer(addr, basePath string, m *Manager, withMetrics bool) *http.Server {
	return iapi.NewServer(addr, basePath, m.inner, m.routerOptions(withMetrics)...)
}

func (m *Manager) routerOptions(withMetrics bool) []iapi.Option {
	var opts []iapi.Option
	if withMetrics {
		opts = append(opts, iapi.WithMetrics(metrics.Handler()))
	}
	if m.auth != nil {
		opts = append(opts, iapi.WithAuth(m.auth))
	}
	return opts
}

// Metrics helpers (public facade)

// RegisterMetrics registers the runstat counters and, when m is not nil,
// the per-service status gauges of m.
func RegisterMetrics(r prometheus.Registerer, m *Manager) error {
	if err := metrics.Register(r); err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	return r.Register(metrics.NewStatusCollector(m.inner.Samples))
}

func RegisterMetricsDefault(m *Manager) error {
	return RegisterMetrics(prometheus.DefaultRegisterer, m)
}

// redact hides credentials in a DSN for logging.
func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
