package docker

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"

	"github.com/loykin/runstat/internal/runtime"
)

// Events streams lifecycle transitions of containers carrying the service
// label. Auxiliary actions (exec, attach, health_status) are filtered out.
func (r *Runtime) Events(ctx context.Context) (<-chan runtime.LifecycleEvent, <-chan error) {
	f := filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("label", runtime.LabelService),
	)
	msgs, derrs := r.cli.Events(ctx, events.ListOptions{Filters: f})

	out := make(chan runtime.LifecycleEvent)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-derrs:
				if err != nil && ctx.Err() == nil {
					errs <- err
				}
				return
			case m := <-msgs:
				ev, ok := toLifecycle(m)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errs
}

func toLifecycle(m events.Message) (runtime.LifecycleEvent, bool) {
	if m.Type != events.ContainerEventType || m.Actor.ID == "" {
		return runtime.LifecycleEvent{}, false
	}
	a := runtime.ParseAction(string(m.Action))
	if !a.Lifecycle() {
		return runtime.LifecycleEvent{}, false
	}
	a, ok := runtime.Normalize(a)
	if !ok {
		return runtime.LifecycleEvent{}, false
	}
	ts := time.Unix(0, m.TimeNano)
	if m.TimeNano == 0 {
		ts = time.Unix(m.Time, 0)
	}
	return runtime.LifecycleEvent{ContainerID: m.Actor.ID, Action: a, Time: ts.UTC()}, true
}
