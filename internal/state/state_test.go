package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/runstat/internal/service"
	"github.com/loykin/runstat/internal/stats"
)

type countingSub struct{ n int }

func (c *countingSub) Close() error { c.n++; return nil }

func TestBindMaintainsIndex(t *testing.T) {
	tb := New(service.All())
	tb.Update(func(tx *Tx) {
		tx.Bind(service.Tor, "c1")
		s, ok := tx.ServiceFor("c1")
		require.True(t, ok)
		assert.Equal(t, service.Tor, s)

		// rebinding drops the old entry
		tx.Bind(service.Tor, "c2")
		_, ok = tx.ServiceFor("c1")
		assert.False(t, ok)
		s, ok = tx.ServiceFor("c2")
		require.True(t, ok)
		assert.Equal(t, service.Tor, s)

		// a container can be held by one service only
		tx.Bind(service.Wallet, "c2")
		assert.Equal(t, "", tx.Binding(service.Tor).ContainerID)
		assert.Equal(t, "c2", tx.Binding(service.Wallet).ContainerID)
		s, _ = tx.ServiceFor("c2")
		assert.Equal(t, service.Wallet, s)
	})
}

func TestUnbindContainer(t *testing.T) {
	tb := New(service.All())
	tb.Update(func(tx *Tx) {
		tx.Bind(service.Monerod, "m1")
		s, ok := tx.UnbindContainer("m1")
		require.True(t, ok)
		assert.Equal(t, service.Monerod, s)
		assert.Equal(t, "", tx.Binding(service.Monerod).ContainerID)

		_, ok = tx.UnbindContainer("nope")
		assert.False(t, ok)
	})
}

func TestUnknownServiceHasNoBinding(t *testing.T) {
	tb := New([]service.Service{service.Tor})
	tb.View(func(tx *Tx) {
		assert.NotNil(t, tx.Binding(service.Tor))
		assert.Nil(t, tx.Binding(service.Wallet))
	})
	tb.Update(func(tx *Tx) {
		tx.Bind(service.Wallet, "x") // ignored
		_, ok := tx.ServiceFor("x")
		assert.False(t, ok)
	})
}

func TestRecordCloseStatsIsIdempotent(t *testing.T) {
	sub := &countingSub{}
	r := &Record{ContainerID: "c1", Usage: stats.Usage{CPUPercent: 12, MemoryMB: 3}}
	require.True(t, r.SetSubscription(sub, r.NextGeneration()))
	assert.False(t, r.StatsClosed())

	assert.True(t, r.CloseStats())
	assert.False(t, r.CloseStats())
	assert.Equal(t, 1, sub.n)
	assert.Equal(t, stats.Usage{}, r.Usage)
	assert.True(t, r.StatsClosed())
}

func TestSetSubscriptionOnClosedRecordClosesHandle(t *testing.T) {
	r := &Record{ContainerID: "c1"}
	r.CloseStats()
	sub := &countingSub{}
	assert.False(t, r.SetSubscription(sub, r.NextGeneration()))
	assert.Equal(t, 1, sub.n)
}

func TestSetSubscriptionReplacesPrevious(t *testing.T) {
	first, second := &countingSub{}, &countingSub{}
	r := &Record{ContainerID: "c1"}
	r.SetSubscription(first, r.NextGeneration())
	r.Prev = &stats.Snapshot{Seq: 9}
	r.SetSubscription(second, r.NextGeneration())
	assert.Equal(t, 1, first.n)
	assert.Equal(t, 0, second.n)
	assert.Nil(t, r.Prev)
}

func TestSupersededGenerationIsNotAttached(t *testing.T) {
	r := &Record{ContainerID: "c1"}
	older := r.NextGeneration()
	newer := r.NextGeneration()
	assert.False(t, r.Current(older))
	assert.True(t, r.Current(newer))

	late, current := &countingSub{}, &countingSub{}
	require.True(t, r.SetSubscription(current, newer))
	assert.False(t, r.SetSubscription(late, older))
	assert.Equal(t, 1, late.n)
	assert.Equal(t, 0, current.n, "the newer handle stays attached")
}

func TestEnsureRecord(t *testing.T) {
	tb := New(service.All())
	tb.Update(func(tx *Tx) {
		r, created := tx.EnsureRecord("c1")
		assert.True(t, created)
		r2, created := tx.EnsureRecord("c1")
		assert.False(t, created)
		assert.Same(t, r, r2)
		assert.Nil(t, tx.Record(""))
		assert.Nil(t, tx.Record("c2"))
	})
}
