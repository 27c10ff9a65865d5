// Package manager wires the reconciler, lifecycle controller and status
// projector around one runtime client and runs the event listener.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/runstat/internal/history"
	"github.com/loykin/runstat/internal/lifecycle"
	"github.com/loykin/runstat/internal/metrics"
	"github.com/loykin/runstat/internal/reconcile"
	"github.com/loykin/runstat/internal/runtime"
	"github.com/loykin/runstat/internal/service"
	"github.com/loykin/runstat/internal/state"
	"github.com/loykin/runstat/internal/status"
)

const (
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
)

var errStreamClosed = errors.New("event stream closed")

// Options configures a Manager.
type Options struct {
	// Settings holds the runtime parameters of each service.
	Settings map[service.Service]runtime.Settings
	// Services lists the supervised services. Empty means every service
	// that has settings, or all services when Settings is empty too.
	Services []service.Service
	// ReconnectMin and ReconnectMax bound the event stream reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// HistoryQueue is the history export buffer size.
	HistoryQueue int
}

// Manager is the entry point used by the server, the CLI and embedders.
type Manager struct {
	rt       runtime.Client
	services []service.Service
	tables   *state.Tables
	rec      *reconcile.Reconciler
	ctl      *lifecycle.Controller
	proj     *status.Projector
	hist     *history.Exporter

	reconnectMin time.Duration
	reconnectMax time.Duration
}

// New wires the tables, reconciler, controller and projector around rt.
// Nothing runs until Run is called.
func New(rt runtime.Client, opts Options) *Manager {
	services := opts.Services
	if len(services) == 0 {
		for _, s := range service.All() {
			if _, ok := opts.Settings[s]; ok {
				services = append(services, s)
			}
		}
	}
	if len(services) == 0 {
		services = service.All()
	}
	m := &Manager{
		rt:           rt,
		services:     append([]service.Service(nil), services...),
		tables:       state.New(services),
		hist:         history.NewExporter(opts.HistoryQueue),
		reconnectMin: opts.ReconnectMin,
		reconnectMax: opts.ReconnectMax,
	}
	if m.reconnectMin <= 0 {
		m.reconnectMin = defaultReconnectMin
	}
	if m.reconnectMax < m.reconnectMin {
		m.reconnectMax = defaultReconnectMax
	}
	m.rec = reconcile.New(m.tables, rt, m.onLifecycle)
	m.ctl = lifecycle.New(m.tables, rt, m.rec, opts.Settings, m.onCommand)
	m.proj = status.NewProjector(m.tables)
	return m
}

// SetHistorySinks configures external history sinks (OpenSearch, ClickHouse, etc.).
// Passing nil or no sinks clears the list.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.hist.SetSinks(sinks...)
}

// Services returns the supervised services in declaration order.
func (m *Manager) Services() []service.Service {
	return append([]service.Service(nil), m.services...)
}

// Settings returns the runtime settings configured for svc.
func (m *Manager) Settings(svc service.Service) (runtime.Settings, bool) {
	return m.ctl.Settings(svc)
}

func (m *Manager) Start(ctx context.Context, svc service.Service) error {
	return m.ctl.Start(ctx, svc)
}

// Stop stops svc. Stopping a service with no container is a no-op.
func (m *Manager) Stop(ctx context.Context, svc service.Service) error {
	return m.ctl.Stop(ctx, svc)
}

// Status returns the merged status of svc.
func (m *Manager) Status(svc service.Service) (status.ServiceStatus, error) {
	st, ok := m.proj.Get(svc)
	if !ok {
		return status.ServiceStatus{}, fmt.Errorf("%w: %s", service.ErrUnknown, svc)
	}
	return st, nil
}

// StatusAll returns the merged status of every supervised service.
func (m *Manager) StatusAll() map[service.Service]status.ServiceStatus {
	return m.proj.All()
}

// Samples feeds the scrape-time status collector.
func (m *Manager) Samples() []metrics.Sample {
	all := m.proj.All()
	out := make([]metrics.Sample, 0, len(m.services))
	for _, svc := range m.services {
		st := all[svc]
		out = append(out, metrics.Sample{
			Service:    svc.String(),
			Running:    st.Running,
			Pending:    st.Pending,
			CPUPercent: st.CPUPercent,
			MemoryMB:   st.MemoryMB,
		})
	}
	return out
}

// Run consumes the lifecycle stream and exports history until ctx is done.
// Open stats subscriptions are closed before it returns.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.listen(gctx) })
	g.Go(func() error { return m.hist.Run(gctx) })
	err := g.Wait()
	m.Shutdown()
	return err
}

// Shutdown closes every open stats subscription.
func (m *Manager) Shutdown() {
	m.rec.CloseAll()
}

// Resync adopts containers the runtime reports as running, so a restarted
// process picks up where the previous one left off. Runtimes that cannot
// list containers are skipped.
func (m *Manager) Resync(ctx context.Context) error {
	lister, ok := m.rt.(runtime.Lister)
	if !ok {
		return nil
	}
	list, err := lister.Running(ctx)
	if err != nil {
		return fmt.Errorf("list running containers: %w", err)
	}
	var errs []error
	for _, c := range list {
		svc, err := service.Parse(c.Service)
		if err != nil {
			slog.Debug("Ignoring container for unknown service", "container", c.ID, "service", c.Service)
			continue
		}
		m.rec.Seed(c.ID, runtime.ActionStart)
		if err := m.ctl.Adopt(ctx, svc, c.ID, c.StatsTopic); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) listen(ctx context.Context) error {
	backoff := m.reconnectMin
	for attempt := 0; ; attempt++ {
		evs, errs := m.rt.Events(ctx)
		if attempt > 0 {
			metrics.IncStreamReconnect()
		}
		// Resync after subscribing so nothing between the two is lost.
		if err := m.Resync(ctx); err != nil {
			slog.Warn("Resync failed", "error", err)
		}

		delivered, err := m.consume(ctx, evs, errs)
		if ctx.Err() != nil {
			return nil
		}
		if delivered {
			backoff = m.reconnectMin
		}
		slog.Warn("Lifecycle event stream broke", "error", err, "retry_in", backoff)
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil
		}
		backoff = min(backoff*2, m.reconnectMax)
	}
}

func (m *Manager) consume(ctx context.Context, evs <-chan runtime.LifecycleEvent, errs <-chan error) (delivered bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case err := <-errs:
			return delivered, err
		case ev, ok := <-evs:
			if !ok {
				select {
				case err := <-errs:
					return delivered, err
				default:
					return delivered, errStreamClosed
				}
			}
			delivered = true
			m.rec.Dispatch(ev)
		}
	}
}

func (m *Manager) onLifecycle(ev runtime.LifecycleEvent, svc service.Service, bound bool) {
	e := history.NewEvent(history.EventLifecycle, "", ev.ContainerID)
	if bound {
		e.Service = svc.String()
	}
	e.Action = ev.Action.String()
	if !ev.Time.IsZero() {
		e.OccurredAt = ev.Time.UTC()
	}
	m.hist.Publish(e)
}

func (m *Manager) onCommand(svc service.Service, cmd lifecycle.Command, containerID string, err error) {
	var e history.Event
	switch {
	case err != nil:
		e = history.NewEvent(history.EventCommandFailed, svc.String(), containerID)
		e.Action = string(cmd)
		e.Error = err.Error()
	case cmd == lifecycle.CommandStart:
		e = history.NewEvent(history.EventStart, svc.String(), containerID)
	case cmd == lifecycle.CommandStop:
		e = history.NewEvent(history.EventStop, svc.String(), containerID)
	default:
		e = history.NewEvent(history.EventAdopt, svc.String(), containerID)
	}
	m.hist.Publish(e)
}
