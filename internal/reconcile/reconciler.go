// Package reconcile applies runtime events to the container record table.
// It is the only place that opens or closes stats subscriptions.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loykin/runstat/internal/metrics"
	"github.com/loykin/runstat/internal/runtime"
	"github.com/loykin/runstat/internal/service"
	"github.com/loykin/runstat/internal/state"
	"github.com/loykin/runstat/internal/stats"
)

// Reasons a stats event is discarded.
const (
	DropUnknown    = "unknown_container"
	DropClosed     = "closed"
	DropStale      = "stale"
	DropSuperseded = "superseded" // sample from a replaced stream
)

// LifecycleHook is told about every applied lifecycle event. bound is false
// when the container belongs to no supervised service.
type LifecycleHook func(ev runtime.LifecycleEvent, svc service.Service, bound bool)

// Reconciler consumes lifecycle and stats events.
type Reconciler struct {
	tables      *state.Tables
	rt          runtime.Client
	onLifecycle LifecycleHook
}

// New returns a Reconciler writing to tables. onLifecycle may be nil.
func New(tables *state.Tables, rt runtime.Client, onLifecycle LifecycleHook) *Reconciler {
	return &Reconciler{tables: tables, rt: rt, onLifecycle: onLifecycle}
}

// Dispatch routes one runtime event to its handler.
func (r *Reconciler) Dispatch(ev runtime.Event) {
	switch e := ev.(type) {
	case runtime.LifecycleEvent:
		r.applyLifecycle(e)
	case runtime.StatsEvent:
		r.applyStats(e.Snapshot, 0)
	}
}

func (r *Reconciler) applyLifecycle(ev runtime.LifecycleEvent) {
	if ev.ContainerID == "" {
		return
	}
	action, ok := runtime.Normalize(ev.Action)
	if !ok {
		return
	}
	ev.Action = action
	var (
		svc     service.Service
		bound   bool
		created bool
	)
	r.tables.Update(func(tx *state.Tx) {
		var rec *state.Record
		rec, created = tx.EnsureRecord(ev.ContainerID)
		rec.LastAction = ev.Action
		if ev.Action == runtime.ActionDestroy {
			// Container gone no matter who removed it.
			rec.CloseStats()
			svc, bound = tx.UnbindContainer(ev.ContainerID)
			return
		}
		svc, bound = tx.ServiceFor(ev.ContainerID)
	})

	metrics.IncLifecycleEvent(ev.Action.String())
	if bound {
		slog.Debug("Container lifecycle", "service", svc.String(), "container", ev.ContainerID, "action", ev.Action.String(), "new", created)
	} else {
		slog.Debug("Untracked container lifecycle", "container", ev.ContainerID, "action", ev.Action.String(), "new", created)
	}
	if r.onLifecycle != nil {
		r.onLifecycle(ev, svc, bound)
	}
}

// applyStats folds snap into its record. gen is the stream generation the
// sample came from; 0 means untagged and skips the generation check.
func (r *Reconciler) applyStats(snap stats.Snapshot, gen uint64) {
	var reason string
	r.tables.Update(func(tx *state.Tx) {
		rec := tx.Record(snap.ContainerID)
		switch {
		case rec == nil:
			reason = DropUnknown
		case rec.StatsClosed():
			reason = DropClosed
		case gen != 0 && !rec.Current(gen):
			reason = DropSuperseded
		case rec.Prev != nil && snap.Seq != 0 && snap.Seq <= rec.Prev.Seq:
			reason = DropStale
		default:
			// A lone snapshot only primes the previous reading.
			if rec.Prev != nil {
				rec.Usage = stats.Apply(rec.Prev, snap)
			}
			cur := snap
			rec.Prev = &cur
		}
	})
	if reason != "" {
		metrics.IncStatsDropped(reason)
		slog.Debug("Dropped stats sample", "container", snap.ContainerID, "seq", snap.Seq, "reason", reason)
	}
}

// Seed records action for a container learned from a listing rather than
// the event stream. It is a no-op if an event has already named the
// container, since that event is newer than any listing.
func (r *Reconciler) Seed(containerID string, action runtime.Action) bool {
	var seeded bool
	r.tables.Update(func(tx *state.Tx) {
		rec, _ := tx.EnsureRecord(containerID)
		if rec.LastAction == runtime.ActionUnknown && !rec.StatsClosed() {
			rec.LastAction = action
			seeded = true
		}
	})
	return seeded
}

// Subscribe opens the stats stream for a container and attaches it to the
// container's record, creating the record if no lifecycle event has named
// the container yet. The subscription outlives ctx's cancellation; it ends
// when closed by Unsubscribe, a destroy event or CloseAll.
func (r *Reconciler) Subscribe(ctx context.Context, containerID, topic string) error {
	var (
		gone bool
		gen  uint64
	)
	r.tables.Update(func(tx *state.Tx) {
		rec, _ := tx.EnsureRecord(containerID)
		gone = rec.StatsClosed()
		if !gone {
			// samples still in flight from an older stream are stale from here
			gen = rec.NextGeneration()
		}
	})
	if gone {
		return nil
	}
	sub, err := r.rt.SubscribeStats(context.WithoutCancel(ctx), topic, func(ev runtime.StatsEvent) {
		r.applyStats(ev.Snapshot, gen)
	})
	if err != nil {
		return fmt.Errorf("subscribe stats %s: %w", topic, err)
	}
	var attached bool
	r.tables.Update(func(tx *state.Tx) {
		rec, _ := tx.EnsureRecord(containerID)
		attached = rec.SetSubscription(sub, gen)
	})
	if !attached {
		slog.Debug("Stats stream closed before attach", "container", containerID)
	}
	return nil
}

// Unsubscribe closes the container's stats stream ahead of its destroy
// event and zeroes its usage. Later samples for the container are dropped.
func (r *Reconciler) Unsubscribe(containerID string) {
	r.tables.Update(func(tx *state.Tx) {
		if rec := tx.Record(containerID); rec != nil {
			rec.CloseStats()
		}
	})
}

// CloseAll tears down every open stats subscription.
func (r *Reconciler) CloseAll() {
	r.tables.Update(func(tx *state.Tx) {
		tx.EachRecord(func(rec *state.Record) { rec.CloseStats() })
	})
}
