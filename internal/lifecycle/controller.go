// Package lifecycle issues start and stop commands for services and owns the
// per-service binding: bound container, pending flag and last command error.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/runstat/internal/metrics"
	"github.com/loykin/runstat/internal/reconcile"
	"github.com/loykin/runstat/internal/runtime"
	"github.com/loykin/runstat/internal/service"
	"github.com/loykin/runstat/internal/state"
)

var (
	// ErrCommandFailed wraps every start/stop failure returned to callers.
	ErrCommandFailed = errors.New("command failed")
	// ErrNotConfigured is reported when a service has no runtime settings.
	ErrNotConfigured = errors.New("service has no settings")
)

// Command names a controller operation.
type Command string

const (
	CommandStart Command = "start"
	CommandStop  Command = "stop"
	CommandAdopt Command = "adopt"
)

// CommandHook is told about every finished command. err is nil on success.
type CommandHook func(svc service.Service, cmd Command, containerID string, err error)

// Controller starts and stops services. Overlapping commands for the same
// service are not serialized; callers are expected to wait for pending to
// clear before issuing another.
type Controller struct {
	tables    *state.Tables
	rt        runtime.Client
	rec       *reconcile.Reconciler
	settings  map[service.Service]runtime.Settings
	onCommand CommandHook
}

// New returns a Controller for the services in settings. The map is copied.
// onCommand may be nil.
func New(tables *state.Tables, rt runtime.Client, rec *reconcile.Reconciler, settings map[service.Service]runtime.Settings, onCommand CommandHook) *Controller {
	cp := make(map[service.Service]runtime.Settings, len(settings))
	for k, v := range settings {
		cp[k] = v
	}
	return &Controller{tables: tables, rt: rt, rec: rec, settings: cp, onCommand: onCommand}
}

// Settings returns the runtime settings configured for svc.
func (c *Controller) Settings(svc service.Service) (runtime.Settings, bool) {
	s, ok := c.settings[svc]
	return s, ok
}

// Start launches the service's container. On success the new container is
// bound to the service and its stats subscribed; on failure the error is
// recorded and the previous binding is left as it was.
func (c *Controller) Start(ctx context.Context, svc service.Service) error {
	if !c.begin(svc) {
		return fmt.Errorf("%w: %s", service.ErrUnknown, svc)
	}
	settings, ok := c.settings[svc]
	if !ok {
		return c.fail(svc, CommandStart, "", ErrNotConfigured)
	}
	began := time.Now()
	res, err := c.rt.Start(ctx, svc.String(), settings)
	metrics.ObserveCommandDuration(svc.String(), string(CommandStart), time.Since(began).Seconds())
	if err != nil {
		return c.fail(svc, CommandStart, "", err)
	}

	if c.bind(svc, res.ContainerID) {
		if err := c.rec.Subscribe(ctx, res.ContainerID, res.StatsTopic); err != nil {
			slog.Warn("Stats subscription failed", "service", svc.String(), "container", res.ContainerID, "error", err)
		}
	} else {
		slog.Info("Container destroyed before start returned", "service", svc.String(), "container", res.ContainerID)
	}
	c.tables.Update(func(tx *state.Tx) {
		tx.Binding(svc).Pending = false
	})
	slog.Info("Service started", "service", svc.String(), "container", res.ContainerID, "logs", res.LogTopic)
	c.succeed(svc, CommandStart, res.ContainerID)
	return nil
}

// Stop stops the service's bound container. A service with no container is
// already stopped and Stop returns nil without calling the runtime.
func (c *Controller) Stop(ctx context.Context, svc service.Service) error {
	var (
		known bool
		id    string
	)
	c.tables.Update(func(tx *state.Tx) {
		b := tx.Binding(svc)
		if b == nil {
			return
		}
		known = true
		id = b.ContainerID
		if id != "" {
			b.Pending = true
		}
	})
	if !known {
		return fmt.Errorf("%w: %s", service.ErrUnknown, svc)
	}
	if id == "" {
		return nil
	}

	// Silence stats now rather than waiting for the destroy event.
	c.rec.Unsubscribe(id)

	began := time.Now()
	err := c.rt.Stop(ctx, svc.String())
	metrics.ObserveCommandDuration(svc.String(), string(CommandStop), time.Since(began).Seconds())
	if err != nil {
		return c.fail(svc, CommandStop, id, err)
	}
	c.tables.Update(func(tx *state.Tx) {
		b := tx.Binding(svc)
		b.Pending = false
		if b.ContainerID == id {
			tx.Unbind(svc)
		}
	})
	slog.Info("Service stopped", "service", svc.String(), "container", id)
	c.succeed(svc, CommandStop, id)
	return nil
}

// Adopt binds an already running container to svc, as found when the
// process restarts, and subscribes to its stats. A service that is already
// bound or has a command in flight keeps its binding, and a container whose
// stats were already torn down (stopped or destroyed) is not adopted.
func (c *Controller) Adopt(ctx context.Context, svc service.Service, containerID, statsTopic string) error {
	var adopted bool
	c.tables.Update(func(tx *state.Tx) {
		b := tx.Binding(svc)
		if b == nil || b.ContainerID != "" || b.Pending {
			return
		}
		if rec := tx.Record(containerID); rec != nil && rec.StatsClosed() {
			return
		}
		tx.Bind(svc, containerID)
		adopted = true
	})
	if !adopted {
		return nil
	}
	slog.Info("Adopted running container", "service", svc.String(), "container", containerID)
	c.succeed(svc, CommandAdopt, containerID)
	return c.rec.Subscribe(ctx, containerID, statsTopic)
}

// begin marks svc pending and clears its last error.
func (c *Controller) begin(svc service.Service) bool {
	var known bool
	c.tables.Update(func(tx *state.Tx) {
		b := tx.Binding(svc)
		if b == nil {
			return
		}
		known = true
		b.Pending = true
		b.LastError = ""
	})
	return known
}

// bind attaches id to svc unless the runtime already reported the
// container destroyed, which leaves the same end state as binding first and
// processing the destroy afterwards.
func (c *Controller) bind(svc service.Service, id string) bool {
	var bound bool
	c.tables.Update(func(tx *state.Tx) {
		if rec := tx.Record(id); rec != nil && rec.LastAction == runtime.ActionDestroy {
			return
		}
		tx.Bind(svc, id)
		bound = true
	})
	return bound
}

func (c *Controller) fail(svc service.Service, cmd Command, containerID string, cause error) error {
	c.tables.Update(func(tx *state.Tx) {
		b := tx.Binding(svc)
		b.Pending = false
		b.LastError = cause.Error()
	})
	slog.Warn("Service command failed", "service", svc.String(), "command", string(cmd), "container", containerID, "error", cause)
	metrics.IncCommand(svc.String(), string(cmd), "error")
	if c.onCommand != nil {
		c.onCommand(svc, cmd, containerID, cause)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrCommandFailed, cmd, svc, cause)
}

func (c *Controller) succeed(svc service.Service, cmd Command, containerID string) {
	metrics.IncCommand(svc.String(), string(cmd), "ok")
	if c.onCommand != nil {
		c.onCommand(svc, cmd, containerID, nil)
	}
}
