package offcache

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStatsSnapshot(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, Stats{}, s.Snapshot())

	s.Observe(SourceNetwork, 100)
	s.Observe(SourceCache, 300)
	s.Observe(SourceFallback, 0)
	s.Observe(SourceBypass, 5000)
	s.ObserveStore(nil)
	s.ObserveStore(errors.New("full"))

	ss := s.Snapshot()
	assert.Equal(t, uint64(1), ss.Network)
	assert.Equal(t, uint64(1), ss.Cache)
	assert.Equal(t, uint64(1), ss.Fallback)
	assert.Equal(t, uint64(1), ss.Bypass)
	assert.Equal(t, uint64(1), ss.Stored)
	assert.Equal(t, uint64(1), ss.StoreFailures)
	assert.Equal(t, uint64(0), ss.MinRespBytes)
	assert.Equal(t, uint64(300), ss.MaxRespBytes)
	assert.Equal(t, uint64(133), ss.AvgRespBytes)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512b", formatBytes(512))
	assert.Equal(t, "1kb", formatBytes(1024))
	assert.Equal(t, "1.5mb", formatBytes(3<<19))
	assert.Equal(t, "2gb", formatBytes(2<<30))
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	ensureExposedHeader(h, SourceHeader)
	assert.Equal(t, SourceHeader, h.Get("Access-Control-Expose-Headers"))

	h = http.Header{"Access-Control-Expose-Headers": {"Etag"}}
	ensureExposedHeader(h, SourceHeader)
	ensureExposedHeader(h, SourceHeader)
	assert.Equal(t, "Etag, "+SourceHeader, h.Get("Access-Control-Expose-Headers"))
}

func TestStatsLoopLogs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	c, err := NewController(NewMemStorage(), newFakeNet(), Options{
		Origin:     testOrigin,
		StatsEvery: 5 * time.Millisecond,
		Logger:     zap.New(core),
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("stats").Len() > 0
	}, time.Second, 5*time.Millisecond)
	c.Close()

	entry := logs.FilterMessage("stats").All()[0]
	assert.Contains(t, entry.ContextMap(), "generations")
}
