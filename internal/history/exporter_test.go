package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
}

func (m *memSink) Send(ctx context.Context, e Event) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(EventStart, "tor", "c1")
	_, err := uuid.Parse(e.ID)
	require.NoError(t, err)
	assert.Equal(t, EventStart, e.Type)
	assert.Equal(t, "tor", e.Service)
	assert.Equal(t, "c1", e.ContainerID)
	assert.Equal(t, time.UTC, e.OccurredAt.Location())

	other := NewEvent(EventStart, "tor", "c1")
	assert.NotEqual(t, e.ID, other.ID)
}

func TestExporterFansOut(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("down")}
	x := NewExporter(8)
	x.SetSinks(a, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = x.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		require.True(t, x.Publish(NewEvent(EventLifecycle, "wallet", "c1")))
	}
	require.Eventually(t, func() bool { return a.len() == 3 && b.len() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestExporterDropsWhenFull(t *testing.T) {
	s := &memSink{}
	x := NewExporter(2)
	x.SetSinks(s)

	assert.True(t, x.Publish(NewEvent(EventStart, "tor", "c1")))
	assert.True(t, x.Publish(NewEvent(EventStart, "tor", "c2")))
	assert.False(t, x.Publish(NewEvent(EventStart, "tor", "c3")))

	// queued events are flushed on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, x.Run(ctx))
	assert.Equal(t, 2, s.len())
}

func TestExporterWithoutSinks(t *testing.T) {
	x := NewExporter(1)
	for i := 0; i < 5; i++ {
		assert.True(t, x.Publish(NewEvent(EventStop, "tor", "")))
	}
	assert.Empty(t, x.queue)
}
