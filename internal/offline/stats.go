package offline

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

type statsCollector struct {
	hits    atomic.Uint64
	misses  atomic.Uint64
	offline atomic.Uint64
	queued  atomic.Uint64
	synced  atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits    uint64
	Misses  uint64
	Offline uint64
	Queued  uint64
	Synced  uint64

	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Offline: s.offline.Load(),
		Queued:  s.queued.Load(),
		Synced:  s.synced.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = total
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = total / count
	return out
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			msgs, _ := s.store.QueueDepth(ColMessages)
			imgs, _ := s.store.QueueDepth(ColImages)
			ev := log.Info().
				Uint64("hits", ss.Hits).
				Uint64("misses", ss.Misses).
				Uint64("offline", ss.Offline).
				Int("queuedMessages", msgs).
				Int("queuedImages", imgs).
				Uint64("synced", ss.Synced).
				Str("respMin", formatBytes(ss.MinRespBytes)).
				Str("respAvg", formatBytes(ss.AvgRespBytes)).
				Str("respMax", formatBytes(ss.MaxRespBytes))
			if rss, ok := processRSSBytes(); ok {
				ev = ev.Str("rss", formatBytes(rss))
			}
			ev.Msg("gateway stats")
		}
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return s
}
