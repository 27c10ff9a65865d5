// Package runtime describes the container runtime boundary: the start/stop
// RPCs and the lifecycle and stats push streams runstat consumes.
package runtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/loykin/runstat/internal/stats"
)

// ErrNotFound reports that the runtime has no container for the request.
var ErrNotFound = errors.New("container not found")

// LabelService is set on every container runstat creates; its value is the
// canonical service name.
const LabelService = "io.runstat.service"

// Action is a lifecycle transition reported by the runtime.
type Action string

const (
	ActionUnknown Action = ""
	ActionCreate  Action = "create"
	ActionStart   Action = "start"
	ActionDie     Action = "die"
	ActionDestroy Action = "destroy"
	ActionStop    Action = "stop"
	ActionKill    Action = "kill"
	ActionRestart Action = "restart"
	ActionPause   Action = "pause"
	ActionUnpause Action = "unpause"
	ActionOOM     Action = "oom"
)

var lifecycleActions = map[Action]struct{}{
	ActionCreate: {}, ActionStart: {}, ActionDie: {}, ActionDestroy: {}, ActionStop: {},
	ActionKill: {}, ActionRestart: {}, ActionPause: {}, ActionUnpause: {}, ActionOOM: {},
}

// ParseAction normalizes a raw runtime action. Docker suffixes some actions
// with a detail ("health_status: healthy"); only the verb is kept.
func ParseAction(raw string) Action {
	a := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.IndexByte(a, ':'); i >= 0 {
		a = strings.TrimSpace(a[:i])
	}
	return Action(a)
}

// Lifecycle reports whether a is a container state transition rather than an
// auxiliary notification such as exec or health_status.
func (a Action) Lifecycle() bool {
	_, ok := lifecycleActions[a]
	return ok
}

// Settled reports whether a is a resting state. Everything else, including
// ActionUnknown, is in progress.
func (a Action) Settled() bool { return a == ActionStart || a == ActionDestroy }

// Normalize folds actions that only restate a known state. Docker sends
// restart after the start that completes a restart cycle, so it is dropped
// (ok is false). Unpause means the container is running again and reads as
// start. Anything else is returned unchanged.
func Normalize(a Action) (Action, bool) {
	switch a {
	case ActionRestart:
		return a, false
	case ActionUnpause:
		return ActionStart, true
	}
	return a, true
}

func (a Action) String() string {
	if a == ActionUnknown {
		return "unknown"
	}
	return string(a)
}

// Event is the tagged union of everything the runtime pushes:
// LifecycleEvent or StatsEvent.
type Event interface {
	event()
}

// LifecycleEvent is a single container transition. Events for the same
// container arrive in emission order.
type LifecycleEvent struct {
	ContainerID string
	Action      Action
	Time        time.Time
}

// StatsEvent carries one cumulative counter reading.
type StatsEvent struct {
	Snapshot stats.Snapshot
}

func (LifecycleEvent) event() {}
func (StatsEvent) event()     {}

// Settings are the persisted per-service parameters passed to Start.
type Settings struct {
	Image    string            `json:"image"`
	Cmd      []string          `json:"cmd,omitempty"`
	Env      []string          `json:"env,omitempty"`
	CPUs     float64           `json:"cpus,omitempty"`
	MemoryMB int64             `json:"memory_mb,omitempty"`
	Restart  string            `json:"restart,omitempty"`
	Network  string            `json:"network,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// StartResult identifies the container created by Start and the topics its
// stats and logs are published on.
type StartResult struct {
	ContainerID string
	StatsTopic  string
	LogTopic    string
}

// Subscription is an open stats subscription. Close must be safe to call
// more than once.
type Subscription interface {
	Close() error
}

// Client is the runtime RPC and stream surface.
type Client interface {
	Start(ctx context.Context, name string, settings Settings) (StartResult, error)
	Stop(ctx context.Context, name string) error
	// Events streams lifecycle transitions until ctx ends. The error channel
	// yields at most one value when the stream breaks.
	Events(ctx context.Context) (<-chan LifecycleEvent, <-chan error)
	// SubscribeStats delivers stats for topic to fn on a runtime-owned
	// goroutine until the subscription is closed or ctx ends.
	SubscribeStats(ctx context.Context, topic string, fn func(StatsEvent)) (Subscription, error)
}

// Container describes a running container discovered at startup.
type Container struct {
	ID         string
	Service    string
	StatsTopic string
}

// Lister is implemented by runtimes that can enumerate the containers they
// already run, which lets a restarted process rebuild its tables.
type Lister interface {
	Running(ctx context.Context) ([]Container, error)
}

// StatsTopic and LogTopic name the per-container topics.
func StatsTopic(containerID string) string { return "stats/" + containerID }
func LogTopic(containerID string) string   { return "logs/" + containerID }

// ContainerFromTopic extracts the container id from a stats or log topic.
func ContainerFromTopic(topic string) string {
	if i := strings.IndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
