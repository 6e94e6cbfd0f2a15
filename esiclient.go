// Package esiclient is a shared, process-wide HTTP client for EVE
// Online's ESI API. It composes an adaptive rate limiter, an ETag-aware
// response cache, a cached health probe, and a retrying request pipeline
// behind a single facade, grounded on the teacher's Engine facade
// (engine/engine.go) that composes a crawler's pipeline, rate limiter,
// resource manager, and health evaluator the same way.
package esiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/99souls/esiclient/cache"
	"github.com/99souls/esiclient/clock"
	"github.com/99souls/esiclient/config"
	"github.com/99souls/esiclient/configx"
	"github.com/99souls/esiclient/esierr"
	"github.com/99souls/esiclient/health"
	"github.com/99souls/esiclient/logging"
	"github.com/99souls/esiclient/metrics"
	"github.com/99souls/esiclient/persist"
	"github.com/99souls/esiclient/pipeline"
	"github.com/99souls/esiclient/ratelimit"
)

// Options re-exports the per-call pipeline options so callers don't need
// to import the pipeline package directly.
type Options = pipeline.Options

// TokenProvider re-exports the pipeline's token callback signature.
type TokenProvider = pipeline.TokenProvider

// Progress re-exports the pagination progress callback payload.
type Progress = pipeline.Progress

// RateLimitInfo is a reduced, stable view of rate-limit state.
// Experimental: field set may grow as new diagnostics are needed.
type RateLimitInfo struct {
	GlobalRetryAfterMs int64
	ActiveRequests     int64
}

// option is an internal functional option, following the teacher's
// optionFn pattern (engine/engine.go).
type option func(*buildState)

type buildState struct {
	transport     pipeline.Transport
	log           logging.Logger
	registry      *prom.Registry
	configPath    string
	cachePath     string
	ratelimitPath string
	clock         clock.Clock
	rnd           clock.Rand
}

// WithTransport overrides the HTTP transport used for both the probe and
// the request pipeline; *http.Client{} is used when not supplied.
func WithTransport(t pipeline.Transport) option {
	return func(b *buildState) { b.transport = t }
}

// WithLogger overrides the logger used throughout the client.
func WithLogger(l logging.Logger) option {
	return func(b *buildState) { b.log = l }
}

// WithRegistry registers metrics against reg instead of a fresh registry.
func WithRegistry(reg *prom.Registry) option {
	return func(b *buildState) { b.registry = reg }
}

// WithConfigOverlayPath enables a hot-reloadable YAML overlay at path.
func WithConfigOverlayPath(path string) option {
	return func(b *buildState) { b.configPath = path }
}

// WithStatePaths overrides where the cache and rate-limit blobs persist;
// by default they live under cfg.StateDir.
func WithStatePaths(cachePath, ratelimitPath string) option {
	return func(b *buildState) { b.cachePath, b.ratelimitPath = cachePath, ratelimitPath }
}

// Client is the shared, process-wide ESI client core.
type Client struct {
	cfg      config.Config
	clock    clock.Clock
	cache    *cache.Cache
	tracker  *ratelimit.Tracker
	health   *health.Checker
	pipeline *pipeline.Pipeline
	metrics  *metrics.Collectors
	registry *prom.Registry
	log      logging.Logger
	overlay  *configx.Watcher

	cacheDebounce *persist.Debouncer
	rlDebounce    *persist.Debouncer
	cachePath     string
	ratelimitPath string

	startedAt time.Time
}

// New constructs a Client from cfg, loading any persisted cache/rate-limit
// state from cfg.StateDir and starting the debounced-save loops.
func New(cfg config.Config, opts ...option) (*Client, error) {
	b := &buildState{clock: clock.Real, rnd: clock.RealRand}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	if b.transport == nil {
		b.transport = &http.Client{}
	}
	if b.log == nil {
		b.log = logging.Nop
	}
	if b.cachePath == "" && cfg.StateDir != "" {
		b.cachePath = cfg.StateDir + "/esi-cache.json"
	}
	if b.ratelimitPath == "" && cfg.StateDir != "" {
		b.ratelimitPath = cfg.StateDir + "/rate-limits.json"
	}

	collectors, registry := metrics.New(b.registry)

	ch := cache.New(b.clock, cfg.CacheMaxEntries)
	tracker := ratelimit.New(cfg, b.clock, b.rnd)

	c := &Client{
		cfg: cfg, clock: b.clock, cache: ch, tracker: tracker,
		metrics: collectors, registry: registry, log: b.log,
		cachePath: b.cachePath, ratelimitPath: b.ratelimitPath,
		startedAt: time.Now(),
	}

	if b.cachePath != "" {
		if err := c.loadCache(); err != nil {
			b.log.Warn("failed to load cache state", "path", b.cachePath, "error", err)
		}
	}
	if b.ratelimitPath != "" {
		if err := c.loadRateLimit(); err != nil {
			b.log.Warn("failed to load rate-limit state", "path", b.ratelimitPath, "error", err)
		}
	}

	c.health = health.New(health.ProberFunc(func(ctx context.Context) ([]health.Route, error) {
		return probeStatus(ctx, b.transport, cfg)
	}), b.clock, int64(cfg.HealthCacheTtlMs))

	c.pipeline = pipeline.New(cfg, b.clock, ch, tracker, c.health, b.transport, b.log, collectors)

	if b.cachePath != "" {
		c.cacheDebounce = persist.NewDebouncer("cache", time.Duration(cfg.CacheSaveDebounceMs)*time.Millisecond, c.saveCache, logAdapter{b.log})
		ch.OnMutate(func() { c.cacheDebounce.Trigger() })
	}
	if b.ratelimitPath != "" {
		c.rlDebounce = persist.NewDebouncer("ratelimit", time.Duration(cfg.RateLimitSaveDebounceMs)*time.Millisecond, c.saveRateLimit, logAdapter{b.log})
		c.pipeline.OnRateLimitUpdate(func() { c.rlDebounce.Trigger() })
	}

	if b.configPath != "" {
		w, err := configx.NewWatcher(b.configPath, cfg, configLogAdapter{b.log})
		if err != nil {
			return nil, err
		}
		if err := w.Start(); err != nil {
			return nil, err
		}
		c.overlay = w
		c.pipeline.SetConfigSource(w.Current)
		tracker.SetConfigSource(w.Current)
	}

	return c, nil
}

type logAdapter struct{ l logging.Logger }

func (a logAdapter) Warn(msg string, args ...any) { a.l.Warn(msg, args...) }

type configLogAdapter struct{ l logging.Logger }

func (a configLogAdapter) Warn(msg string, args ...any) { a.l.Warn(msg, args...) }
func (a configLogAdapter) Info(msg string, args ...any) { a.l.Info(msg, args...) }

// probeStatus fetches the service's route status list, per the C4 probe
// contract: GET <base>/meta/status, body {routes:[{method,path,status}]}.
func probeStatus(ctx context.Context, transport pipeline.Transport, cfg config.Config) ([]health.Route, error) {
	reqCtx, cancel := context.WithTimeout(ctx, cfg.HealthRequestTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, cfg.BaseURL+"/meta/status", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", cfg.UserAgent)
	resp, err := transport.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, esierr.Protocol(resp.StatusCode, "health probe failed")
	}
	var payload struct {
		Routes []struct {
			Method string `json:"method"`
			Path   string `json:"path"`
			Status string `json:"status"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	routes := make([]health.Route, 0, len(payload.Routes))
	for _, r := range payload.Routes {
		routes = append(routes, health.Route{Method: r.Method, Path: r.Path, Status: normalizeStatus(r.Status)})
	}
	return routes, nil
}

func normalizeStatus(s string) health.RouteStatus {
	switch health.RouteStatus(s) {
	case health.StatusOK, health.StatusDegraded, health.StatusDown, health.StatusRecovering, health.StatusUnknown:
		return health.RouteStatus(s)
	default:
		return health.StatusUnknown
	}
}

// SetTokenProvider installs the callback used to resolve access tokens
// for authenticated calls. The client never implements an OAuth flow
// itself.
func (c *Client) SetTokenProvider(tp TokenProvider) { c.pipeline.SetTokenProvider(tp) }

// Pause halts new dispatch; in-flight requests are unaffected.
func (c *Client) Pause() { c.pipeline.Pause() }

// Resume releases any callers blocked by Pause.
func (c *Client) Resume() { c.pipeline.Resume() }

// ClearCache empties the response cache.
func (c *Client) ClearCache() { c.cache.Clear() }

// ClearCacheByPattern removes every cache entry whose key contains substr,
// returning the number removed.
func (c *Client) ClearCacheByPattern(substr string) int { return c.cache.ClearByPattern(substr) }

// GetHealthStatus returns the current health snapshot, probing if the
// cached one has expired.
func (c *Client) GetHealthStatus(ctx context.Context) health.Snapshot {
	return c.health.GetHealthStatus(ctx)
}

// GetCachedHealthStatus returns the last snapshot without triggering a probe.
func (c *Client) GetCachedHealthStatus() (health.Snapshot, bool) { return c.health.GetCachedHealthStatus() }

// GetRateLimitInfo reports the current global cooldown and in-flight count.
func (c *Client) GetRateLimitInfo() RateLimitInfo {
	retryAfter, ok := c.tracker.GetGlobalRetryAfter()
	if !ok {
		retryAfter = 0
	}
	return RateLimitInfo{GlobalRetryAfterMs: retryAfter, ActiveRequests: c.pipeline.ActiveRequests()}
}

// SaveImmediately flushes any pending debounced cache/rate-limit saves
// synchronously, intended for use on shutdown.
func (c *Client) SaveImmediately() {
	if c.cacheDebounce != nil {
		c.cacheDebounce.FlushNow()
	}
	if c.rlDebounce != nil {
		c.rlDebounce.FlushNow()
	}
}

// Close stops the config overlay watcher and flushes any pending state.
func (c *Client) Close() error {
	c.SaveImmediately()
	if c.overlay != nil {
		return c.overlay.Stop()
	}
	return nil
}

// Fetch issues a single request for endpoint and decodes its JSON body
// into T. Go methods can't carry type parameters, so this is a
// package-level function taking the client as its first argument.
func Fetch[T any](ctx context.Context, c *Client, endpoint string, opts Options) (T, error) {
	var zero T
	res, err := c.execute(ctx, endpoint, opts)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(res.Data, &out); err != nil {
		return zero, esierr.Wrap(esierr.KindProtocol, 0, "failed to decode response body", err)
	}
	return out, nil
}

// FetchWithMeta is Fetch plus the cache metadata (etag, expiry, and
// whether the data came from the cache, via a 304 or an unexpired entry).
func FetchWithMeta[T any](ctx context.Context, c *Client, endpoint string, opts Options) (T, pipeline.Meta, error) {
	var zero T
	res, err := c.execute(ctx, endpoint, opts)
	if err != nil {
		return zero, pipeline.Meta{}, err
	}
	var out T
	if err := json.Unmarshal(res.Data, &out); err != nil {
		return zero, pipeline.Meta{}, esierr.Wrap(esierr.KindProtocol, 0, "failed to decode response body", err)
	}
	return out, res.Meta, nil
}

func (c *Client) execute(ctx context.Context, endpoint string, opts Options) (*pipeline.Result, error) {
	res := c.pipeline.Execute(ctx, endpoint, opts)
	if !res.Success {
		return nil, res.Err
	}
	return res, nil
}

// FetchPaginated fetches every page of a multi-page endpoint and decodes
// the concatenated items into a []T.
func FetchPaginated[T any](ctx context.Context, c *Client, endpoint string, opts Options) ([]T, error) {
	items, _, err := FetchPaginatedWithMeta[T](ctx, c, endpoint, opts)
	return items, err
}

// FetchPaginatedWithMeta is FetchPaginated plus the last page's cache
// metadata. Pages are fetched one at a time, in page order.
func FetchPaginatedWithMeta[T any](ctx context.Context, c *Client, endpoint string, opts Options) ([]T, pipeline.Meta, error) {
	res, err := c.pipeline.FetchPaginated(ctx, endpoint, opts)
	if err != nil {
		return nil, pipeline.Meta{}, err
	}
	out := make([]T, 0, len(res.Data))
	for _, raw := range res.Data {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, pipeline.Meta{}, esierr.Wrap(esierr.KindProtocol, 0, "failed to decode paginated item", err)
		}
		out = append(out, item)
	}
	return out, res.Meta, nil
}

// FetchPaginatedWithProgress fetches page 1, then pages 2..N concurrently
// (bounded by MaxConcurrentPages), invoking onProgress as each page
// completes. Items are returned in page order.
func FetchPaginatedWithProgress[T any](ctx context.Context, c *Client, endpoint string, opts Options, onProgress func(pipeline.Progress)) ([]T, pipeline.Meta, error) {
	res, err := c.pipeline.FetchPaginatedWithProgress(ctx, endpoint, opts, onProgress)
	if err != nil {
		return nil, pipeline.Meta{}, err
	}
	out := make([]T, 0, len(res.Data))
	for _, raw := range res.Data {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, pipeline.Meta{}, esierr.Wrap(esierr.KindProtocol, 0, "failed to decode paginated item", err)
		}
		out = append(out, item)
	}
	return out, res.Meta, nil
}
