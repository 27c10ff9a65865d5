package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/loykin/runstat/internal/runtime"
	"github.com/loykin/runstat/internal/stats"
)

// SubscribeStats opens a streaming stats request for the container named by
// topic and decodes one snapshot per frame.
func (r *Runtime) SubscribeStats(ctx context.Context, topic string, fn func(runtime.StatsEvent)) (runtime.Subscription, error) {
	id := runtime.ContainerFromTopic(topic)
	sctx, cancel := context.WithCancel(ctx)
	resp, err := r.cli.ContainerStats(sctx, id, true)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("container stats %s: %w", id, err)
	}
	sub := &subscription{cancel: cancel, body: resp.Body}
	go sub.run(sctx, id, fn)
	return sub, nil
}

type subscription struct {
	cancel context.CancelFunc
	body   io.ReadCloser
	once   sync.Once
	err    error
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.body.Close()
	})
	return s.err
}

func (s *subscription) run(ctx context.Context, id string, fn func(runtime.StatsEvent)) {
	defer func() { _ = s.Close() }()
	dec := json.NewDecoder(s.body)
	var seq uint64
	for {
		var raw container.StatsResponse
		if err := dec.Decode(&raw); err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				slog.Debug("Stats stream ended", "container", id, "error", err)
			}
			return
		}
		seq++
		fn(runtime.StatsEvent{Snapshot: toSnapshot(id, seq, &raw)})
	}
}

func toSnapshot(id string, seq uint64, s *container.StatsResponse) stats.Snapshot {
	online := s.CPUStats.OnlineCPUs
	if online == 0 {
		online = uint32(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = hostCPUs()
	}
	return stats.Snapshot{
		ContainerID:    id,
		Seq:            seq,
		Read:           s.Read,
		CPUTotalUsage:  s.CPUStats.CPUUsage.TotalUsage,
		SystemCPUUsage: s.CPUStats.SystemUsage,
		OnlineCPUs:     online,
		MemUsageBytes:  s.MemoryStats.Usage,
		MemCacheBytes:  memCache(s.MemoryStats.Stats),
	}
}

// memCache reads the page cache figure: "cache" on cgroup v1, the inactive
// file pages on cgroup v2.
func memCache(m map[string]uint64) uint64 {
	for _, k := range []string{"cache", "total_inactive_file", "inactive_file"} {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return 0
}

var (
	hostCPUsOnce sync.Once
	hostCPUsN    uint32
)

func hostCPUs() uint32 {
	hostCPUsOnce.Do(func() {
		if n, err := cpu.Counts(true); err == nil && n > 0 {
			hostCPUsN = uint32(n)
		}
	})
	return hostCPUsN
}
