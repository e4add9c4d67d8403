package offcache

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

type statsCollector struct {
	network       atomic.Uint64
	cache         atomic.Uint64
	fallback      atomic.Uint64
	bypass        atomic.Uint64
	stored        atomic.Uint64
	storeFailures atomic.Uint64

	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe counts one delivered response.
func (s *statsCollector) Observe(src Source, respBytes int) {
	switch src {
	case SourceNetwork:
		s.network.Add(1)
	case SourceCache:
		s.cache.Add(1)
	case SourceFallback:
		s.fallback.Add(1)
	case SourceBypass:
		s.bypass.Add(1)
		return
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
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

func (s *statsCollector) ObserveStore(err error) {
	if err != nil {
		s.storeFailures.Add(1)
		return
	}
	s.stored.Add(1)
}

// Stats is a point-in-time copy of the controller counters.
type Stats struct {
	Network       uint64 `json:"network"`
	Cache         uint64 `json:"cache"`
	Fallback      uint64 `json:"fallback"`
	Bypass        uint64 `json:"bypass"`
	Stored        uint64 `json:"stored"`
	StoreFailures uint64 `json:"storeFailures"`
	MinRespBytes  uint64 `json:"minRespBytes"`
	MaxRespBytes  uint64 `json:"maxRespBytes"`
	AvgRespBytes  uint64 `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() Stats {
	out := Stats{
		Network:       s.network.Load(),
		Cache:         s.cache.Load(),
		Fallback:      s.fallback.Load(),
		Bypass:        s.bypass.Load(),
		Stored:        s.stored.Load(),
		StoreFailures: s.storeFailures.Load(),
	}
	count := out.Network + out.Cache + out.Fallback
	if count == 0 {
		return out
	}
	out.MinRespBytes = s.minRespBytes.Load()
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = s.totalRespBytes.Load() / count
	return out
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
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
