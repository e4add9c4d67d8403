package offcache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type releaseBox struct {
	mu  sync.Mutex
	rel Release
	err error
}

func (b *releaseBox) set(rel Release) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rel = rel
}

func (b *releaseBox) source(context.Context) (Release, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rel, b.err
}

func TestUpdaterInstallsAndActivatesNewRelease(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	serveManifest(net)
	st := NewMemStorage()
	c := newTestController(t, st, net, Options{})
	box := &releaseBox{rel: calendarRelease("v6")}
	u := NewUpdater(c, box.source, nil)

	active, err := u.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v6", active)

	calls := net.callCount()
	active, err = u.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v6", active)
	assert.Equal(t, calls, net.callCount(), "unchanged release is not reinstalled")

	box.set(calendarRelease("v7"))
	active, err = u.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v7", active)

	gens, err := st.Generations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v7"}, gens)
}

func TestUpdaterReinstallsWhenManifestChanges(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	serveManifest(net)
	net.set(testOrigin+"/extra.js", http.StatusOK, "extra")
	st := NewMemStorage()
	c := newTestController(t, st, net, Options{})
	box := &releaseBox{rel: calendarRelease("v7")}
	u := NewUpdater(c, box.source, nil)

	_, err := u.Check(ctx)
	require.NoError(t, err)

	rel := calendarRelease("v7")
	rel.Manifest = append(rel.Manifest, "./extra.js")
	box.set(rel)
	_, err = u.Check(ctx)
	require.NoError(t, err)

	n, err := st.Count(ctx, "v7")
	require.NoError(t, err)
	assert.Equal(t, len(DefaultManifest)+1, n)
}

func TestUpdaterKeepsOldGenerationOnFailedInstall(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	serveManifest(net)
	st := NewMemStorage()
	c := newTestController(t, st, net, Options{})
	box := &releaseBox{rel: calendarRelease("v6")}
	u := NewUpdater(c, box.source, nil)
	_, err := u.Check(ctx)
	require.NoError(t, err)

	box.set(Release{Version: "v7", Manifest: []string{"./not-deployed.js"}})
	active, err := u.Check(ctx)
	require.Error(t, err)
	assert.Equal(t, "v6", active)

	n, err := st.Count(ctx, "v6")
	require.NoError(t, err)
	assert.Equal(t, len(DefaultManifest), n)
}

func TestUpdaterSourceError(t *testing.T) {
	c := newTestController(t, NewMemStorage(), newFakeNet(), Options{})
	box := &releaseBox{err: errors.New("bad config")}
	_, err := NewUpdater(c, box.source, nil).Check(context.Background())
	assert.EqualError(t, err, "bad config")
}

func TestConfigReleaseRereadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offcache.yaml")
	write := func(version string) {
		body := "server:\n  origin: http://app.test\ncache:\n  version: " + version + "\n  manifest: [./index.html]\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}

	src := ConfigRelease(path)
	write("v6")
	rel, err := src(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Release{Version: "v6", Manifest: []string{"./index.html"}}, rel)

	write("v7")
	rel, err = src(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v7", rel.Version)
}
