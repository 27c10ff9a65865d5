// Package fake is an in-memory runtime.Client for tests and demos. Stats are
// delivered synchronously on the caller's goroutine so tests stay
// deterministic.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/loykin/runstat/internal/runtime"
	"github.com/loykin/runstat/internal/stats"
)

var _ runtime.Client = (*Client)(nil)
var _ runtime.Lister = (*Client)(nil)

// Client records calls and lets tests inject failures and events.
type Client struct {
	mu       sync.Mutex
	nextID   int
	startErr map[string]error
	stopErr  map[string]error
	running  map[string]string // name -> container id
	settings map[string]runtime.Settings
	subs     map[string][]*Subscription // topic -> subscriptions
	events   chan runtime.LifecycleEvent
	eventErr chan error

	// BeforeStartReturns, when set, runs after the container id is chosen
	// and before Start returns. Tests use it to interleave lifecycle events
	// with the RPC response.
	BeforeStartReturns func(name, containerID string)

	Starts []string
	Stops  []string
}

// New returns an empty fake runtime. Container ids are c1, c2, ...
func New() *Client {
	return &Client{
		startErr: make(map[string]error),
		stopErr:  make(map[string]error),
		running:  make(map[string]string),
		settings: make(map[string]runtime.Settings),
		subs:     make(map[string][]*Subscription),
		events:   make(chan runtime.LifecycleEvent, 64),
		eventErr: make(chan error, 1),
	}
}

// FailStart makes subsequent Start calls for name fail with err (nil clears).
func (c *Client) FailStart(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.startErr, name)
		return
	}
	c.startErr[name] = err
}

// FailStop makes subsequent Stop calls for name fail with err (nil clears).
func (c *Client) FailStop(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.stopErr, name)
		return
	}
	c.stopErr[name] = err
}

// Adopt pretends a container is already running for name, as if left over
// from a previous process. It returns the container id.
func (c *Client) Adopt(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := fmt.Sprintf("c%d", c.nextID)
	c.running[name] = id
	return id
}

func (c *Client) Start(_ context.Context, name string, s runtime.Settings) (runtime.StartResult, error) {
	c.mu.Lock()
	c.Starts = append(c.Starts, name)
	if err := c.startErr[name]; err != nil {
		c.mu.Unlock()
		return runtime.StartResult{}, err
	}
	c.nextID++
	id := fmt.Sprintf("c%d", c.nextID)
	c.running[name] = id
	c.settings[name] = s
	hook := c.BeforeStartReturns
	c.mu.Unlock()
	if hook != nil {
		hook(name, id)
	}
	return runtime.StartResult{
		ContainerID: id,
		StatsTopic:  runtime.StatsTopic(id),
		LogTopic:    runtime.LogTopic(id),
	}, nil
}

func (c *Client) Stop(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Stops = append(c.Stops, name)
	if err := c.stopErr[name]; err != nil {
		return err
	}
	delete(c.running, name)
	return nil
}

// SettingsFor returns the settings passed to the last successful Start.
func (c *Client) SettingsFor(name string) (runtime.Settings, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.settings[name]
	return s, ok
}

func (c *Client) Running(context.Context) ([]runtime.Container, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]runtime.Container, 0, len(c.running))
	for name, id := range c.running {
		out = append(out, runtime.Container{ID: id, Service: name, StatsTopic: runtime.StatsTopic(id)})
	}
	return out, nil
}

func (c *Client) Events(ctx context.Context) (<-chan runtime.LifecycleEvent, <-chan error) {
	out := make(chan runtime.LifecycleEvent)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-c.eventErr:
				errs <- err
				return
			case ev := <-c.events:
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

// Emit queues a lifecycle event on the stream returned by Events.
func (c *Client) Emit(containerID string, action runtime.Action) {
	c.events <- runtime.LifecycleEvent{ContainerID: containerID, Action: action}
}

// BreakEvents makes the current Events stream fail with err.
func (c *Client) BreakEvents(err error) {
	c.eventErr <- err
}

func (c *Client) SubscribeStats(_ context.Context, topic string, fn func(runtime.StatsEvent)) (runtime.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Subscription{topic: topic, fn: fn}
	c.subs[topic] = append(c.subs[topic], s)
	return s, nil
}

// EmitStats delivers snap to every open subscription on the container's
// stats topic and returns how many received it.
func (c *Client) EmitStats(snap stats.Snapshot) int {
	c.mu.Lock()
	subs := append([]*Subscription(nil), c.subs[runtime.StatsTopic(snap.ContainerID)]...)
	c.mu.Unlock()
	n := 0
	for _, s := range subs {
		if s.deliver(runtime.StatsEvent{Snapshot: snap}) {
			n++
		}
	}
	return n
}

// Subscriptions returns every subscription ever opened for the container.
func (c *Client) Subscriptions(containerID string) []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Subscription(nil), c.subs[runtime.StatsTopic(containerID)]...)
}

// Subscription counts Close calls so tests can verify teardown.
type Subscription struct {
	mu     sync.Mutex
	topic  string
	fn     func(runtime.StatsEvent)
	closes int
}

func (s *Subscription) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

// Closes returns the number of times Close was called.
func (s *Subscription) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *Subscription) deliver(ev runtime.StatsEvent) bool {
	s.mu.Lock()
	closed := s.closes > 0
	fn := s.fn
	s.mu.Unlock()
	if closed || fn == nil {
		return false
	}
	fn(ev)
	return true
}

// DeliverLate hands ev to the subscriber even if the subscription has been
// closed, like a sample the runtime read off the stream just before Close.
func (s *Subscription) DeliverLate(ev runtime.StatsEvent) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
