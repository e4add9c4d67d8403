package offcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrEmptyVersion = errors.New("empty generation version")
	ErrNotInstalled = errors.New("generation not installed")
)

// Doer performs network requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Options struct {
	// Origin is the base URL relative requests and manifest paths resolve
	// against. Responses from any other origin are never stored.
	Origin string
	// Ignore lists substrings of the request path that are never
	// intercepted. Defaults to "favicon".
	Ignore []string
	// MaxBodyBytes skips opportunistic stores of larger bodies. 0 disables
	// the limit.
	MaxBodyBytes int64
	// Timeout bounds each network attempt. 0 leaves attempts unbounded.
	Timeout time.Duration
	// StatsEvery enables a periodic stats log line.
	StatsEvery time.Duration
	// Passthrough serves requests the controller does not intercept. It
	// defaults to a plain proxy to the network.
	Passthrough http.Handler
	Logger      *zap.Logger
}

// Controller arbitrates between network and cache for every intercepted
// request, precaches releases on install and evicts stale generations on
// activation.
type Controller struct {
	storage Storage
	net     Doer
	origin  *url.URL
	ignore  []string
	maxBody int64
	timeout time.Duration

	passthrough http.Handler

	life *Lifecycle

	log      *zap.Logger
	storeLog *rateLimitedLogger
	stats    *statsCollector

	// bounds in-flight opportunistic writes
	bgSem chan struct{}
	// opportunistic writes hold it shared, eviction exclusively
	evictMu sync.RWMutex

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewController(storage Storage, net Doer, opts Options) (*Controller, error) {
	if storage == nil {
		return nil, errors.New("nil storage")
	}
	if net == nil {
		return nil, errors.New("nil network client")
	}
	origin, err := url.Parse(strings.TrimRight(opts.Origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return nil, fmt.Errorf("origin %q: scheme must be http or https", opts.Origin)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ignore := opts.Ignore
	if ignore == nil {
		ignore = []string{"favicon"}
	}

	c := &Controller{
		storage:  storage,
		net:      net,
		origin:   origin,
		ignore:   ignore,
		maxBody:  opts.MaxBodyBytes,
		timeout:  opts.Timeout,
		life:     NewLifecycle(),
		log:      log,
		storeLog: newRateLimitedLogger(log, time.Minute),
		stats:    newStatsCollector(),
		bgSem:    make(chan struct{}, 32),
		stopCh:   make(chan struct{}),
	}
	c.passthrough = opts.Passthrough
	if c.passthrough == nil {
		c.passthrough = http.HandlerFunc(c.proxyPass)
	}

	if opts.StatsEvery > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.statsLoop(opts.StatsEvery)
		}()
	}
	return c, nil
}

// Close stops background loops and waits for in-flight cache writes.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Lifecycle exposes generation states.
func (c *Controller) Lifecycle() *Lifecycle { return c.life }

// Current returns the active generation version.
func (c *Controller) Current() string { return c.life.Current() }

func (c *Controller) Stats() Stats { return c.stats.Snapshot() }

// Storage returns the storage the controller was built with.
func (c *Controller) Storage() Storage { return c.storage }

func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, ok := c.Intercepts(r)
	if !ok {
		c.stats.Observe(SourceBypass, 0)
		c.passthrough.ServeHTTP(w, r)
		return
	}
	ent, src := c.Respond(r.Context(), r, target)
	c.stats.Observe(src, len(ent.Body))
	writeEntry(w, ent, src)
}

// Target returns the absolute URL r is aimed at. Requests in proxy form
// carry it already; others are resolved against the origin.
func (c *Controller) Target(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u, nil
	}
	return url.Parse(c.origin.String() + r.URL.RequestURI())
}

// Intercepts reports whether the controller handles r, and the target URL
// when it does.
func (c *Controller) Intercepts(r *http.Request) (*url.URL, bool) {
	target, err := c.Target(r)
	if err != nil {
		// The cache cannot key what it cannot parse.
		return nil, false
	}
	if !isNetworkScheme(target.Scheme) {
		return nil, false
	}
	if c.ignored(target.Path) {
		return nil, false
	}
	return target, true
}

func isNetworkScheme(scheme string) bool {
	return strings.EqualFold(scheme, "http") || strings.EqualFold(scheme, "https")
}

func (c *Controller) ignored(path string) bool {
	for _, p := range c.ignore {
		if p != "" && strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// requestKey is the storage key of a request: method and absolute URL.
func requestKey(method string, target *url.URL) string {
	return method + " " + target.String()
}

// cacheable reports whether the cache can key r at all.
func cacheable(method string, target *url.URL) bool {
	return method == http.MethodGet && isNetworkScheme(target.Scheme)
}

// Respond produces exactly one response for an intercepted request: the live
// network response, else a cached snapshot from any generation, else a
// synthesized 404.
func (c *Controller) Respond(ctx context.Context, r *http.Request, target *url.URL) (Entry, Source) {
	key := requestKey(r.Method, target)

	res, err := c.fetchNetwork(ctx, r, target)
	if err == nil {
		if res.storable(c.maxBody) && cacheable(r.Method, target) {
			c.storeAsync(key, res.ent)
		}
		return res.ent, SourceNetwork
	}
	c.log.Debug("network failed, trying cache", zap.String("key", key), zap.Error(err))

	ent, ok, err := c.storage.Match(ctx, key, c.life.Current())
	if err != nil {
		c.log.Debug("cache lookup failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		return ent, SourceCache
	}
	return notFoundEntry(), SourceFallback
}

type networkResult struct {
	ent      Entry
	respType ResponseType
	complete bool
}

func (n networkResult) storable(maxBody int64) bool {
	if n.ent.Status != http.StatusOK || n.respType != ResponseBasic || !n.complete {
		return false
	}
	return maxBody <= 0 || int64(len(n.ent.Body)) <= maxBody
}

func (c *Controller) fetchNetwork(ctx context.Context, r *http.Request, target *url.URL) (networkResult, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return networkResult{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := c.net.Do(req)
	if err != nil {
		return networkResult{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return networkResult{}, fmt.Errorf("read body: %w", err)
	}

	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		// redirects may land on another origin
		final = resp.Request.URL
	}
	hdr := cloneHeader(resp.Header)
	stripHopByHop(hdr, resp.Header.Get("Connection"))
	res := networkResult{
		ent:      newEntry(resp.StatusCode, statusText(resp), hdr, b),
		respType: c.responseType(final),
		complete: resp.ContentLength < 0 || resp.ContentLength == int64(len(b)),
	}
	return res, nil
}

func statusText(resp *http.Response) string {
	// resp.Status is "200 OK"; keep the text part.
	if _, text, ok := strings.Cut(resp.Status, " "); ok {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func (c *Controller) responseType(target *url.URL) ResponseType {
	if strings.EqualFold(target.Scheme, c.origin.Scheme) && strings.EqualFold(target.Host, c.origin.Host) {
		return ResponseBasic
	}
	return ResponseCORS
}

// storeAsync writes a copy of ent into the ready generation without holding up
// the response. Failures are logged and dropped.
func (c *Controller) storeAsync(key string, ent Entry) {
	gen := c.life.Ready()
	if gen == "" {
		c.log.Debug("no ready generation, skipping store", zap.String("key", key))
		return
	}

	select {
	case c.bgSem <- struct{}{}:
	default:
		c.stats.ObserveStore(errors.New("store queue full"))
		c.storeLog.Warn("cache store queue full, dropping write", zap.String("key", key))
		return
	}

	dup := ent.clone()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.bgSem }()
		defer func() {
			if p := recover(); p != nil {
				c.storeLog.Warn("cache store panicked", zap.String("key", key), zap.Any("panic", p))
			}
		}()

		c.evictMu.RLock()
		defer c.evictMu.RUnlock()
		if st, _ := c.life.State(gen); st == StateEvicted {
			c.log.Debug("generation evicted, skipping store", zap.String("generation", gen), zap.String("key", key))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := c.storage.Put(ctx, gen, key, dup)
		c.stats.ObserveStore(err)
		if err != nil {
			c.storeLog.Warn("cache store failed",
				zap.String("generation", gen),
				zap.String("key", key),
				zap.Error(err))
		}
	}()
}

// proxyPass forwards r to the network untouched by any cache.
func (c *Controller) proxyPass(w http.ResponseWriter, r *http.Request) {
	target, err := c.Target(r)
	if err != nil {
		setSourceHeaders(w.Header(), SourceBypass)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	res, err := c.fetchNetwork(r.Context(), r, target)
	if err != nil {
		c.log.Debug("pass-through failed", zap.String("url", target.String()), zap.Error(err))
		setSourceHeaders(w.Header(), SourceBypass)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeEntry(w, res.ent, SourceBypass)
}

func (c *Controller) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			ss := c.stats.Snapshot()
			gens, err := c.storage.Generations(context.Background())
			if err != nil {
				c.log.Warn("stats: list generations", zap.Error(err))
			}
			fields := []zap.Field{
				zap.String("active", c.life.Current()),
				zap.Int("generations", len(gens)),
				zap.Uint64("network", ss.Network),
				zap.Uint64("cache", ss.Cache),
				zap.Uint64("fallback", ss.Fallback),
				zap.Uint64("bypass", ss.Bypass),
				zap.Uint64("stored", ss.Stored),
				zap.Uint64("storeFailures", ss.StoreFailures),
				zap.String("resp", fmt.Sprintf("%s/%s/%s",
					formatBytes(ss.MinRespBytes),
					formatBytes(ss.AvgRespBytes),
					formatBytes(ss.MaxRespBytes))),
			}
			if rss, ok := processRSSBytes(); ok {
				fields = append(fields, zap.String("rss", formatBytes(rss)))
			}
			c.log.Info("stats", fields...)
		}
	}
}

// Generations lists every generation the process knows about, either through
// its lifecycle or because it is still in storage.
func (c *Controller) Generations(ctx context.Context) ([]GenerationInfo, error) {
	stored, err := c.storage.Generations(ctx)
	if err != nil {
		return nil, err
	}
	inStorage := make(map[string]bool, len(stored))
	for _, name := range stored {
		inStorage[name] = true
	}

	var out []GenerationInfo
	seen := map[string]bool{}
	for _, st := range c.life.Snapshot() {
		seen[st.Version] = true
		out = append(out, GenerationInfo{GenerationStatus: st, Stored: inStorage[st.Version]})
	}
	for _, name := range stored {
		if !seen[name] {
			out = append(out, GenerationInfo{GenerationStatus: GenerationStatus{Version: name}, Stored: true})
		}
	}
	for i := range out {
		if !out[i].Stored {
			continue
		}
		n, err := c.storage.Count(ctx, out[i].Version)
		if err != nil {
			return nil, err
		}
		out[i].Entries = n
	}
	return out, nil
}
