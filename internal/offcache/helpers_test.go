package offcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testOrigin = "http://app.test"

var errOffline = errors.New("dial tcp: network is unreachable")

type route struct {
	status int
	body   string
	header http.Header
	err    error
}

// fakeNet answers requests from a route table keyed by absolute URL.
type fakeNet struct {
	mu      sync.Mutex
	routes  map[string]route
	offline bool
	calls   []string
}

func newFakeNet() *fakeNet {
	return &fakeNet{routes: map[string]route{}}
}

func (f *fakeNet) set(url string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[url] = route{status: status, body: body}
}

func (f *fakeNet) fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[url] = route{err: err}
}

func (f *fakeNet) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeNet) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeNet) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := req.URL.String()
	f.calls = append(f.calls, req.Method+" "+u)
	if f.offline {
		return nil, errOffline
	}
	rt, ok := f.routes[u]
	if !ok {
		rt = route{status: http.StatusNotFound, body: "missing"}
	}
	if rt.err != nil {
		return nil, rt.err
	}
	h := http.Header{"Content-Type": {"text/html; charset=utf-8"}}
	for k, vs := range rt.header {
		h[k] = vs
	}
	return &http.Response{
		StatusCode:    rt.status,
		Status:        fmt.Sprintf("%d %s", rt.status, http.StatusText(rt.status)),
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(rt.body)),
		ContentLength: int64(len(rt.body)),
		Request:       req,
	}, nil
}

// flakyStorage wraps a storage and fails selected operations.
type flakyStorage struct {
	Storage
	putErr   error
	matchErr error
	listErr  error
}

func (s *flakyStorage) Put(ctx context.Context, generation, key string, ent Entry) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.Storage.Put(ctx, generation, key, ent)
}

func (s *flakyStorage) Match(ctx context.Context, key, prefer string) (Entry, bool, error) {
	if s.matchErr != nil {
		return Entry{}, false, s.matchErr
	}
	return s.Storage.Match(ctx, key, prefer)
}

func (s *flakyStorage) Generations(ctx context.Context) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.Storage.Generations(ctx)
}

func newTestController(t *testing.T, st Storage, net Doer, opts Options) *Controller {
	t.Helper()
	if opts.Origin == "" {
		opts.Origin = testOrigin
	}
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	c, err := NewController(st, net, opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// deploy installs and activates rel.
func deploy(t *testing.T, c *Controller, rel Release) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Install(ctx, rel))
	require.NoError(t, c.Activate(ctx, rel.Version))
}

func getKey(path string) string {
	return http.MethodGet + " " + testOrigin + path
}

// gatedStorage parks Put and DeleteGeneration until released. A nil release
// channel leaves the operation ungated.
type gatedStorage struct {
	Storage
	putEntered    chan struct{}
	putRelease    chan struct{}
	deleteEntered chan struct{}
	deleteRelease chan struct{}
}

func (s *gatedStorage) Put(ctx context.Context, generation, key string, ent Entry) error {
	if s.putRelease != nil {
		s.putEntered <- struct{}{}
		<-s.putRelease
	}
	return s.Storage.Put(ctx, generation, key, ent)
}

func (s *gatedStorage) DeleteGeneration(ctx context.Context, generation string) (bool, error) {
	if s.deleteRelease != nil {
		s.deleteEntered <- struct{}{}
		<-s.deleteRelease
	}
	return s.Storage.DeleteGeneration(ctx, generation)
}

// hangingNet delegates to next until hang is set, then blocks every request
// until its context ends.
type hangingNet struct {
	next Doer
	hang atomic.Bool
}

func (h *hangingNet) Do(req *http.Request) (*http.Response, error) {
	if h.hang.Load() {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}
	return h.next.Do(req)
}
