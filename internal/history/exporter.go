package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/runstat/internal/metrics"
)

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 5 * time.Second
)

// Exporter fans events out to sinks on a background goroutine so that slow
// sinks never hold up command or event processing. When the queue is full
// new events are dropped.
type Exporter struct {
	queue       chan Event
	sendTimeout time.Duration

	mu    sync.RWMutex
	sinks []Sink
}

// NewExporter creates an exporter with the given queue size; size <= 0 uses
// the default.
func NewExporter(size int) *Exporter {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Exporter{queue: make(chan Event, size), sendTimeout: defaultSendTimeout}
}

// SetSinks replaces the sink list. Passing no sinks disables export.
func (x *Exporter) SetSinks(sinks ...Sink) {
	x.mu.Lock()
	x.sinks = append([]Sink(nil), sinks...)
	x.mu.Unlock()
}

func (x *Exporter) snapshot() []Sink {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.sinks
}

// Publish enqueues e without blocking. It reports false if e was dropped.
func (x *Exporter) Publish(e Event) bool {
	if len(x.snapshot()) == 0 {
		return true
	}
	select {
	case x.queue <- e:
		return true
	default:
		metrics.IncHistoryDropped()
		slog.Warn("History queue full, dropping event", "type", string(e.Type), "service", e.Service)
		return false
	}
}

// Run delivers queued events until ctx is done, then flushes whatever is
// still queued.
func (x *Exporter) Run(ctx context.Context) error {
	for {
		select {
		case e := <-x.queue:
			x.deliver(ctx, e)
		case <-ctx.Done():
			x.flush()
			return nil
		}
	}
}

func (x *Exporter) flush() {
	for {
		select {
		case e := <-x.queue:
			x.deliver(context.Background(), e)
		default:
			return
		}
	}
}

func (x *Exporter) deliver(ctx context.Context, e Event) {
	for _, s := range x.snapshot() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.sendTimeout)
		if err := s.Send(sctx, e); err != nil {
			slog.Warn("History sink send failed", "type", string(e.Type), "service", e.Service, "error", err)
		}
		cancel()
	}
}
