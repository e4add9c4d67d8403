package offcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Install creates the release's generation and fills it from the manifest.
// It is all-or-nothing: when any asset cannot be fetched nothing is written,
// the generation is marked failed and the active generation keeps serving.
func (c *Controller) Install(ctx context.Context, rel Release) error {
	if rel.Version == "" {
		return ErrEmptyVersion
	}
	log := c.log.With(
		zap.String("generation", rel.Version),
		zap.String("attempt", uuid.NewString()),
	)
	c.life.Begin(rel.Version)

	entries, err := c.precache(ctx, rel.Manifest)
	if err == nil {
		err = c.storage.PutAll(ctx, rel.Version, entries)
		if err != nil {
			err = fmt.Errorf("store manifest: %w", err)
		}
	}
	c.life.Installed(rel.Version, err)
	if err != nil {
		log.Warn("install failed", zap.Error(err))
		return fmt.Errorf("install %s: %w", rel.Version, err)
	}
	log.Info("installed", zap.Int("assets", len(entries)))
	return nil
}

// manifestBase is the URL manifest paths are relative to.
func (c *Controller) manifestBase() *url.URL {
	u := *c.origin
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return &u
}

func (c *Controller) precache(ctx context.Context, manifest []string) (map[string]Entry, error) {
	base := c.manifestBase()
	targets := make([]*url.URL, len(manifest))
	for i, p := range manifest {
		ref, err := url.Parse(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("manifest[%d] %q: %w", i, p, err)
		}
		targets[i] = base.ResolveReference(ref)
	}

	results := make([]Entry, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			ent, err := c.fetchAsset(gctx, target)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", target, err)
			}
			results[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]Entry, len(targets))
	for i, target := range targets {
		out[requestKey(http.MethodGet, target)] = results[i]
	}
	return out, nil
}

func (c *Controller) fetchAsset(ctx context.Context, target *url.URL) (Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Entry{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := c.net.Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Entry{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, err
	}
	hdr := cloneHeader(resp.Header)
	stripHopByHop(hdr, resp.Header.Get("Connection"))
	return newEntry(resp.StatusCode, statusText(resp), hdr, b), nil
}

// Activate makes an installed generation the active one and deletes every
// other generation. Enumeration or delete failures skip eviction of the
// affected generations; they never block activation. Opportunistic writes
// never recreate a generation this evicts.
func (c *Controller) Activate(ctx context.Context, version string) error {
	if version == "" {
		return ErrEmptyVersion
	}
	if err := c.life.Activating(version); err != nil {
		return err
	}
	log := c.log.With(zap.String("generation", version))

	// in-flight writes land before eviction; later ones see the evicted state
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	names, err := c.storage.Generations(ctx)
	if err != nil {
		log.Warn("list generations failed, skipping eviction", zap.Error(err))
		names = nil
	}
	evicted := 0
	for _, name := range names {
		if name == version {
			continue
		}
		if _, err := c.storage.DeleteGeneration(ctx, name); err != nil {
			log.Warn("evict generation failed", zap.String("evict", name), zap.Error(err))
			continue
		}
		c.life.Evicted(name)
		evicted++
	}

	c.life.Activated(version)
	log.Info("activated", zap.Int("evicted", evicted))
	return nil
}

// Resume activates a generation left in storage by an earlier process, so it
// can serve before the next install completes. It reports whether one was
// found.
func (c *Controller) Resume(ctx context.Context, version string) (bool, error) {
	if version == "" {
		return false, ErrEmptyVersion
	}
	names, err := c.storage.Generations(ctx)
	if err != nil {
		return false, fmt.Errorf("list generations: %w", err)
	}
	for _, name := range names {
		if name != version {
			continue
		}
		c.life.Begin(version)
		c.life.Installed(version, nil)
		if err := c.Activate(ctx, version); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}
