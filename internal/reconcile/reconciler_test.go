package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/runstat/internal/runtime"
	"github.com/loykin/runstat/internal/runtime/fake"
	"github.com/loykin/runstat/internal/service"
	"github.com/loykin/runstat/internal/state"
	"github.com/loykin/runstat/internal/stats"
)

func newTestReconciler(hook LifecycleHook) (*Reconciler, *state.Tables, *fake.Client) {
	tb := state.New(service.All())
	rt := fake.New()
	return New(tb, rt, hook), tb, rt
}

func lifecycle(id string, a runtime.Action) runtime.LifecycleEvent {
	return runtime.LifecycleEvent{ContainerID: id, Action: a}
}

func record(tb *state.Tables, id string) (rec state.Record, ok bool) {
	tb.View(func(tx *state.Tx) {
		if r := tx.Record(id); r != nil {
			rec, ok = *r, true
		}
	})
	return rec, ok
}

func TestLifecycleCreatesRecordLazily(t *testing.T) {
	r, tb, _ := newTestReconciler(nil)

	r.Dispatch(lifecycle("x1", runtime.ActionCreate))
	rec, ok := record(tb, "x1")
	require.True(t, ok, "first event should create the record")
	assert.Equal(t, runtime.ActionCreate, rec.LastAction)
	assert.Zero(t, rec.Usage)

	r.Dispatch(lifecycle("x1", runtime.ActionStart))
	rec, _ = record(tb, "x1")
	assert.Equal(t, runtime.ActionStart, rec.LastAction)
}

func TestEmptyContainerIDIgnored(t *testing.T) {
	r, tb, _ := newTestReconciler(nil)
	r.Dispatch(lifecycle("", runtime.ActionStart))
	tb.View(func(tx *state.Tx) {
		n := 0
		tx.EachRecord(func(*state.Record) { n++ })
		assert.Zero(t, n)
	})
}

func TestStatsComputeUsageFromConsecutiveSnapshots(t *testing.T) {
	r, tb, rt := newTestReconciler(nil)
	ctx := context.Background()
	require.NoError(t, r.Subscribe(ctx, "c1", runtime.StatsTopic("c1")))

	rt.EmitStats(stats.Snapshot{ContainerID: "c1", Seq: 1, CPUTotalUsage: 1000, SystemCPUUsage: 10000, OnlineCPUs: 4})
	rec, _ := record(tb, "c1")
	assert.Zero(t, rec.Usage.CPUPercent, "a lone snapshot yields no usage")

	rt.EmitStats(stats.Snapshot{ContainerID: "c1", Seq: 2, CPUTotalUsage: 1200, SystemCPUUsage: 10500, OnlineCPUs: 4,
		MemUsageBytes: 80 << 20, MemCacheBytes: 16 << 20})
	rec, _ = record(tb, "c1")
	assert.InDelta(t, 160.0, rec.Usage.CPUPercent, 1e-9)
	assert.InDelta(t, 64.0, rec.Usage.MemoryMB, 1e-9)
}

func TestStatsForUnknownContainerDropped(t *testing.T) {
	r, tb, _ := newTestReconciler(nil)
	r.Dispatch(runtime.StatsEvent{Snapshot: stats.Snapshot{ContainerID: "ghost", Seq: 1}})
	_, ok := record(tb, "ghost")
	assert.False(t, ok, "stats must not create records")
}

func TestStaleStatsDropped(t *testing.T) {
	r, tb, _ := newTestReconciler(nil)
	r.Dispatch(lifecycle("c1", runtime.ActionStart))

	r.Dispatch(runtime.StatsEvent{Snapshot: stats.Snapshot{ContainerID: "c1", Seq: 5, CPUTotalUsage: 100, SystemCPUUsage: 1000, OnlineCPUs: 1}})
	r.Dispatch(runtime.StatsEvent{Snapshot: stats.Snapshot{ContainerID: "c1", Seq: 4, CPUTotalUsage: 50, SystemCPUUsage: 500, OnlineCPUs: 1}})

	rec, _ := record(tb, "c1")
	require.NotNil(t, rec.Prev)
	assert.Equal(t, uint64(5), rec.Prev.Seq)
	assert.Zero(t, rec.Usage.CPUPercent)
}

func TestDestroyZeroesUsageAndDropsLaterStats(t *testing.T) {
	r, tb, rt := newTestReconciler(nil)
	ctx := context.Background()
	r.Dispatch(lifecycle("c1", runtime.ActionStart))
	require.NoError(t, r.Subscribe(ctx, "c1", runtime.StatsTopic("c1")))

	rt.EmitStats(stats.Snapshot{ContainerID: "c1", Seq: 1, CPUTotalUsage: 0, SystemCPUUsage: 0, OnlineCPUs: 2})
	rt.EmitStats(stats.Snapshot{ContainerID: "c1", Seq: 2, CPUTotalUsage: 50, SystemCPUUsage: 100, OnlineCPUs: 2, MemUsageBytes: 1 << 20})
	rec, _ := record(tb, "c1")
	require.NotZero(t, rec.Usage.CPUPercent)

	r.Dispatch(lifecycle("c1", runtime.ActionDestroy))
	rec, _ = record(tb, "c1")
	assert.Zero(t, rec.Usage)
	assert.True(t, rec.StatsClosed())

	subs := rt.Subscriptions("c1")
	require.Len(t, subs, 1)
	assert.Equal(t, 1, subs[0].Closes())

	// samples delivered after teardown, directly or via the stream
	r.Dispatch(runtime.StatsEvent{Snapshot: stats.Snapshot{ContainerID: "c1", Seq: 3, CPUTotalUsage: 100, SystemCPUUsage: 200, OnlineCPUs: 2}})
	r.Dispatch(runtime.StatsEvent{Snapshot: stats.Snapshot{ContainerID: "c1", Seq: 4, CPUTotalUsage: 150, SystemCPUUsage: 300, OnlineCPUs: 2}})
	assert.Equal(t, 0, rt.EmitStats(stats.Snapshot{ContainerID: "c1", Seq: 5}))
	rec, _ = record(tb, "c1")
	assert.Zero(t, rec.Usage)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	r, tb, rt := newTestReconciler(nil)
	ctx := context.Background()
	require.NoError(t, r.Subscribe(ctx, "c1", runtime.StatsTopic("c1")))

	r.Unsubscribe("c1")
	r.Unsubscribe("c1")
	r.Dispatch(lifecycle("c1", runtime.ActionDestroy))

	subs := rt.Subscriptions("c1")
	require.Len(t, subs, 1)
	assert.Equal(t, 1, subs[0].Closes())
	rec, _ := record(tb, "c1")
	assert.True(t, rec.StatsClosed())
	assert.Zero(t, rec.Usage)
}

func TestDestroyClearsOwningBinding(t *testing.T) {
	var (
		gotSvc   service.Service
		gotBound bool
	)
	r, tb, _ := newTestReconciler(func(_ runtime.LifecycleEvent, svc service.Service, bound bool) {
		gotSvc, gotBound = svc, bound
	})
	tb.Update(func(tx *state.Tx) {
		tx.Bind(service.Tor, "c1")
		tx.Binding(service.Tor).LastError = "earlier failure"
	})

	r.Dispatch(lifecycle("c1", runtime.ActionDestroy))

	assert.True(t, gotBound)
	assert.Equal(t, service.Tor, gotSvc)
	tb.View(func(tx *state.Tx) {
		b := tx.Binding(service.Tor)
		assert.Empty(t, b.ContainerID)
		assert.Equal(t, "earlier failure", b.LastError, "external removal must not touch lastError")
		_, ok := tx.ServiceFor("c1")
		assert.False(t, ok)
	})
}

func TestDestroyForUntrackedContainer(t *testing.T) {
	var calls int
	r, tb, _ := newTestReconciler(func(_ runtime.LifecycleEvent, _ service.Service, bound bool) {
		calls++
		assert.False(t, bound)
	})
	tb.Update(func(tx *state.Tx) { tx.Bind(service.Wallet, "c1") })

	require.NotPanics(t, func() { r.Dispatch(lifecycle("stray", runtime.ActionDestroy)) })

	assert.Equal(t, 1, calls)
	tb.View(func(tx *state.Tx) {
		for _, svc := range tx.Services() {
			b := tx.Binding(svc)
			if svc == service.Wallet {
				assert.Equal(t, "c1", b.ContainerID)
				continue
			}
			assert.Empty(t, b.ContainerID, svc.String())
		}
	})
}

func TestSubscribeAfterDestroyClosesHandle(t *testing.T) {
	r, _, rt := newTestReconciler(nil)
	r.Dispatch(lifecycle("c1", runtime.ActionDestroy))

	require.NoError(t, r.Subscribe(context.Background(), "c1", runtime.StatsTopic("c1")))
	assert.Empty(t, rt.Subscriptions("c1"), "no stream should be opened for a destroyed container")
}

func TestResubscribeResetsPrevious(t *testing.T) {
	r, tb, rt := newTestReconciler(nil)
	ctx := context.Background()
	require.NoError(t, r.Subscribe(ctx, "c1", runtime.StatsTopic("c1")))
	rt.EmitStats(stats.Snapshot{ContainerID: "c1", Seq: 7, CPUTotalUsage: 10, SystemCPUUsage: 10, OnlineCPUs: 1})

	require.NoError(t, r.Subscribe(ctx, "c1", runtime.StatsTopic("c1")))
	subs := rt.Subscriptions("c1")
	require.Len(t, subs, 2)
	assert.Equal(t, 1, subs[0].Closes())
	assert.Equal(t, 0, subs[1].Closes())

	// new stream restarts its sequence
	rt.EmitStats(stats.Snapshot{ContainerID: "c1", Seq: 1, CPUTotalUsage: 20, SystemCPUUsage: 20, OnlineCPUs: 1})
	rec, _ := record(tb, "c1")
	require.NotNil(t, rec.Prev)
	assert.Equal(t, uint64(1), rec.Prev.Seq)
}

func TestLateSampleFromReplacedStreamDropped(t *testing.T) {
	r, tb, rt := newTestReconciler(nil)
	ctx := context.Background()
	require.NoError(t, r.Subscribe(ctx, "c1", runtime.StatsTopic("c1")))
	require.NoError(t, r.Subscribe(ctx, "c1", runtime.StatsTopic("c1")))
	subs := rt.Subscriptions("c1")
	require.Len(t, subs, 2)

	subs[0].DeliverLate(runtime.StatsEvent{Snapshot: stats.Snapshot{ContainerID: "c1", Seq: 50, CPUTotalUsage: 500, SystemCPUUsage: 500, OnlineCPUs: 1}})
	rec, _ := record(tb, "c1")
	assert.Nil(t, rec.Prev, "a sample from the old stream must not prime the new one")

	rt.EmitStats(stats.Snapshot{ContainerID: "c1", Seq: 1, CPUTotalUsage: 100, SystemCPUUsage: 1000, OnlineCPUs: 2})
	rt.EmitStats(stats.Snapshot{ContainerID: "c1", Seq: 2, CPUTotalUsage: 200, SystemCPUUsage: 2000, OnlineCPUs: 2})
	rec, _ = record(tb, "c1")
	require.NotNil(t, rec.Prev)
	assert.Equal(t, uint64(2), rec.Prev.Seq)
	assert.InDelta(t, 20.0, rec.Usage.CPUPercent, 1e-9)
}

func TestDockerRestartSequenceSettles(t *testing.T) {
	r, tb, _ := newTestReconciler(nil)
	for _, a := range []runtime.Action{
		runtime.ActionCreate, runtime.ActionStart,
		runtime.ActionKill, runtime.ActionDie, runtime.ActionStop, runtime.ActionStart, runtime.ActionRestart,
	} {
		r.Dispatch(lifecycle("c1", a))
	}
	rec, _ := record(tb, "c1")
	assert.Equal(t, runtime.ActionStart, rec.LastAction)
	assert.True(t, rec.LastAction.Settled())

	r.Dispatch(lifecycle("c1", runtime.ActionPause))
	rec, _ = record(tb, "c1")
	assert.False(t, rec.LastAction.Settled())
	r.Dispatch(lifecycle("c1", runtime.ActionUnpause))
	rec, _ = record(tb, "c1")
	assert.Equal(t, runtime.ActionStart, rec.LastAction)
}

func TestCloseAll(t *testing.T) {
	r, _, rt := newTestReconciler(nil)
	ctx := context.Background()
	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, r.Subscribe(ctx, id, runtime.StatsTopic(id)))
	}
	r.CloseAll()
	r.CloseAll()
	for _, id := range []string{"c1", "c2", "c3"} {
		subs := rt.Subscriptions(id)
		require.Len(t, subs, 1)
		assert.Equal(t, 1, subs[0].Closes(), id)
	}
}

func TestSeed(t *testing.T) {
	r, tb, _ := newTestReconciler(nil)

	assert.True(t, r.Seed("c1", runtime.ActionStart))
	rec, _ := record(tb, "c1")
	assert.Equal(t, runtime.ActionStart, rec.LastAction)

	// events win over listings
	r.Dispatch(lifecycle("c2", runtime.ActionDie))
	assert.False(t, r.Seed("c2", runtime.ActionStart))
	rec, _ = record(tb, "c2")
	assert.Equal(t, runtime.ActionDie, rec.LastAction)
}
