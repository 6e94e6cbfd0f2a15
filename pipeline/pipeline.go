// Package pipeline implements the request pipeline (C6): health gate,
// single-flight dedup, contract-items and general rate-limit waits,
// transport, and retry/backoff. Backoff sleeps are grounded on the
// teacher's sleepWithContext (engine/internal/ratelimit/limiter.go);
// header names and X-Pages/retry handling are grounded on the ESI
// gateway reference (eveonline-it-go-falcon pkg/evegateway/assets).
// Dedup uses golang.org/x/sync/singleflight in place of a hand-rolled
// inflight map.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/99souls/esiclient/cache"
	"github.com/99souls/esiclient/classify"
	"github.com/99souls/esiclient/clock"
	"github.com/99souls/esiclient/config"
	"github.com/99souls/esiclient/esierr"
	"github.com/99souls/esiclient/health"
	"github.com/99souls/esiclient/logging"
	"github.com/99souls/esiclient/metrics"
	"github.com/99souls/esiclient/ratelimit"
)

// Transport abstracts the HTTP round trip; *http.Client satisfies it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

var tracer = otel.Tracer("github.com/99souls/esiclient/pipeline")

// TokenProvider resolves an access token for characterID. ok=false
// represents the "null token" case from the spec (accessToken | null | error).
type TokenProvider func(ctx context.Context, characterID int64) (token string, ok bool, err error)

// Options configures a single pipeline call.
type Options struct {
	Method       string
	CharacterID  *int64
	Language     string
	RequiresAuth *bool // nil => true
	Body         []byte
	ETag         string // explicit etag, preempts cache lookup
}

func (o Options) method() string {
	if o.Method == "" {
		return http.MethodGet
	}
	return o.Method
}

func (o Options) requiresAuth() bool {
	if o.RequiresAuth == nil {
		return true
	}
	return *o.RequiresAuth
}

func (o Options) language() string {
	if o.Language == "" {
		return "en"
	}
	return o.Language
}

func (o Options) principal() int64 {
	if o.CharacterID != nil {
		return *o.CharacterID
	}
	return 0
}

// Meta carries the response metadata the facade needs beyond raw data.
type Meta struct {
	ExpiresAt   *int64
	ETag        string
	NotModified bool
	XPages      *int
}

// Result is the outcome of a pipeline call.
type Result struct {
	Success bool
	Status  int
	Data    []byte
	Meta    Meta
	Err     *esierr.ESIError
}

// Pipeline wires the health/cache/ratelimit components into the dispatch
// sequence described by the spec.
type Pipeline struct {
	cfg       config.Config
	clock     clock.Clock
	cache     *cache.Cache
	tracker   *ratelimit.Tracker
	health    *health.Checker
	transport Transport
	log       logging.Logger
	metrics   *metrics.Collectors

	tpMu  sync.RWMutex
	tp    TokenProvider

	cfgSource atomic.Value // func() config.Config, set by the facade's config overlay

	sf singleflight.Group

	pauseMu sync.Mutex
	paused  bool
	resumeC chan struct{}

	active int64

	onRateLimitUpdate func() // schedules a rate-limit persistence save
	onCacheWrite      func() // schedules a cache persistence save
}

// New constructs a Pipeline.
func New(cfg config.Config, c clock.Clock, ch *cache.Cache, tr *ratelimit.Tracker, hc *health.Checker, transport Transport, log logging.Logger, m *metrics.Collectors) *Pipeline {
	if log == nil {
		log = logging.Nop
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Pipeline{cfg: cfg, clock: c, cache: ch, tracker: tr, health: hc, transport: transport, log: log, metrics: m, resumeC: make(chan struct{})}
}

// SetTokenProvider installs the callback used to resolve access tokens.
func (p *Pipeline) SetTokenProvider(tp TokenProvider) {
	p.tpMu.Lock()
	defer p.tpMu.Unlock()
	p.tp = tp
}

// SetConfigSource installs a callback the pipeline reads per-request for
// the forward-looking tunables (request timeout, retry budgets, base
// URL/headers), used by the facade to wire a configx.Watcher's live
// overlay. When unset, the config passed to New is used for the whole
// pipeline lifetime.
func (p *Pipeline) SetConfigSource(fn func() config.Config) {
	p.cfgSource.Store(fn)
}

// currentConfig returns the live overlay config when a source is wired,
// falling back to the config captured at construction.
func (p *Pipeline) currentConfig() config.Config {
	if v := p.cfgSource.Load(); v != nil {
		if fn, ok := v.(func() config.Config); ok && fn != nil {
			return fn()
		}
	}
	return p.cfg
}

func (p *Pipeline) tokenProvider() TokenProvider {
	p.tpMu.RLock()
	defer p.tpMu.RUnlock()
	return p.tp
}

// OnRateLimitUpdate registers a callback fired after every header-driven
// rate-limit update, used by the facade to schedule a debounced save.
func (p *Pipeline) OnRateLimitUpdate(fn func()) { p.onRateLimitUpdate = fn }

// Pause halts new transport dispatch until Resume is called.
func (p *Pipeline) Pause() {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	p.paused = true
}

// Resume releases any callers blocked by Pause.
func (p *Pipeline) Resume() {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	if p.paused {
		p.paused = false
		close(p.resumeC)
		p.resumeC = make(chan struct{})
	}
}

func (p *Pipeline) isPaused() bool {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	return p.paused
}

// ActiveRequests returns the number of transport attempts currently
// in flight.
func (p *Pipeline) ActiveRequests() int64 { return atomic.LoadInt64(&p.active) }

// waitWhilePaused polls every 100ms while paused, per the spec's pause gate.
func (p *Pipeline) waitWhilePaused(ctx context.Context) bool {
	for p.isPaused() {
		if !clock.SleepContext(ctx, p.clock, 100*time.Millisecond) {
			return false
		}
	}
	return true
}

// Execute runs the full pipeline for a single logical request. A fresh,
// unexpired cache entry short-circuits everything below it (health gate,
// dedup, transport) and is returned with Meta.NotModified set, unless the
// caller supplied a preempting etag in Options.
func (p *Pipeline) Execute(ctx context.Context, endpoint string, opts Options) *Result {
	if !p.waitWhilePaused(ctx) {
		return &Result{Success: false, Err: esierr.New(esierr.KindNetwork, 0, "context cancelled while paused")}
	}

	key := cache.MakeKey(opts.CharacterID, endpoint, opts.language())

	if opts.method() != http.MethodPost && opts.ETag == "" {
		if entry, ok := p.cache.Get(key); ok {
			if p.metrics != nil {
				p.metrics.CacheHits.Inc()
			}
			expiresAt := entry.ExpiresAt
			return &Result{
				Success: true,
				Status:  http.StatusOK,
				Data:    entry.Data,
				Meta:    Meta{ExpiresAt: &expiresAt, ETag: entry.ETag, NotModified: true},
			}
		}
		if p.metrics != nil {
			p.metrics.CacheMisses.Inc()
		}
	}

	if ok, reason := p.health.EnsureHealthy(ctx, endpoint); !ok {
		if p.metrics != nil {
			p.metrics.RequestsTotal.WithLabelValues("health_gated").Inc()
		}
		return &Result{Success: false, Status: 503, Err: esierr.HealthGated(reason)}
	}

	if opts.method() != http.MethodPost {
		v, err, _ := p.sf.Do(key, func() (any, error) {
			return p.runThrottledRequest(ctx, endpoint, opts, key)
		})
		if err != nil {
			return &Result{Success: false, Err: toESIErr(err)}
		}
		return v.(*Result)
	}

	res, err := p.runThrottledRequest(ctx, endpoint, opts, key)
	if err != nil {
		return &Result{Success: false, Err: toESIErr(err)}
	}
	return res
}

func toESIErr(err error) *esierr.ESIError {
	if e, ok := err.(*esierr.ESIError); ok {
		return e
	}
	return esierr.Wrap(esierr.KindNetwork, 0, err.Error(), err)
}

func (p *Pipeline) runThrottledRequest(ctx context.Context, endpoint string, opts Options, key string) (*Result, error) {
	principal := opts.principal()

	if classify.IsContractItems(endpoint) {
		wait := p.tracker.GetContractItemsDelay(principal)
		if wait > 0 {
			if !clock.SleepContext(ctx, p.clock, time.Duration(wait)*time.Millisecond) {
				return nil, ctx.Err()
			}
		}
		p.tracker.RecordContractItemsRequest(principal)
	}

	group := classify.Group(endpoint)
	wait := p.tracker.GetDelayMs(principal, group)
	if p.metrics != nil {
		p.metrics.RateLimitDelay.WithLabelValues(group).Observe(float64(wait) / 1000)
	}
	if wait > 0 {
		if !clock.SleepContext(ctx, p.clock, time.Duration(wait)*time.Millisecond) {
			return nil, ctx.Err()
		}
	}

	return p.executeRequest(ctx, endpoint, opts, key, 0, false)
}

// executeRequest is the transport step, calling itself again on retryable
// outcomes until the retry budget is spent. etagStripped tracks the single-retry-without-etag
// fallback for a 304 with no stale cache entry (spec.md §9 Open Question 1):
// it does not consume the attempt budget.
func (p *Pipeline) executeRequest(ctx context.Context, endpoint string, opts Options, key string, attempt int, etagStripped bool) (*Result, error) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)
	if p.metrics != nil {
		p.metrics.PipelineInflight.Set(float64(atomic.LoadInt64(&p.active)))
	}

	req, sentETag, err := p.buildRequest(ctx, endpoint, opts, key, etagStripped)
	if err != nil {
		return nil, err
	}

	cfg := p.currentConfig()
	reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout())
	defer cancel()

	var span trace.Span
	reqCtx, span = tracer.Start(reqCtx, "esiclient.dispatch")
	span.SetAttributes(
		attribute.String("esi.endpoint", endpoint),
		attribute.String("http.method", opts.method()),
		attribute.Int("esi.attempt", attempt),
	)
	req = req.WithContext(reqCtx)

	resp, err := p.transport.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		span.End()
		return p.handleTransportError(ctx, endpoint, opts, key, attempt, etagStripped, reqCtx, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, "non-2xx response")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	headers := flattenHeaders(resp.Header)
	p.tracker.UpdateFromHeaders(opts.principal(), headers)
	if p.onRateLimitUpdate != nil {
		p.onRateLimitUpdate()
	}

	if resp.StatusCode == 429 || resp.StatusCode == 420 {
		retryAfter := parseIntHeader(headers["Retry-After"], 60)
		p.tracker.SetGlobalRetryAfter(retryAfter)
		if attempt < cfg.MaxRetries {
			if !clock.SleepContext(ctx, p.clock, time.Duration(retryAfter)*time.Second) {
				return nil, ctx.Err()
			}
			return p.executeRequest(ctx, endpoint, opts, key, attempt+1, etagStripped)
		}
		if p.metrics != nil {
			p.metrics.RequestsTotal.WithLabelValues("rate_limited").Inc()
		}
		return &Result{Success: false, Status: resp.StatusCode, Err: esierr.RateLimited(resp.StatusCode, retryAfter)}, nil
	}

	var expiresAt *int64
	if v := headers["Expires"]; v != "" {
		if t, err := http.ParseTime(v); err == nil {
			ms := t.UnixMilli()
			expiresAt = &ms
		}
	}
	etag := headers["ETag"]
	var xPages *int
	if v := headers["X-Pages"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			xPages = &n
		}
	}

	if resp.StatusCode == http.StatusNotModified {
		if stale, ok := p.cache.GetStale(key); ok {
			if expiresAt != nil {
				p.cache.UpdateExpires(key, *expiresAt)
				if p.onCacheWrite != nil {
					p.onCacheWrite()
				}
			}
			return &Result{Success: true, Status: 304, Data: stale.Data, Meta: Meta{ExpiresAt: expiresAt, ETag: stale.ETag, NotModified: true, XPages: xPages}}, nil
		}
		if sentETag != "" && !etagStripped {
			return p.executeRequest(ctx, endpoint, opts, key, attempt, true)
		}
		if p.metrics != nil {
			p.metrics.RequestsTotal.WithLabelValues("protocol_error").Inc()
		}
		return &Result{Success: false, Status: 304, Err: esierr.Protocol(304, "not modified with no cached entry")}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		msg := decodeErrorBody(body)
		if p.metrics != nil {
			p.metrics.RequestsTotal.WithLabelValues("protocol_error").Inc()
		}
		return &Result{Success: false, Status: resp.StatusCode, Err: esierr.Protocol(resp.StatusCode, msg)}, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if etag != "" && expiresAt != nil {
		p.cache.Set(key, data, etag, *expiresAt)
		if p.onCacheWrite != nil {
			p.onCacheWrite()
		}
	}
	if p.metrics != nil {
		p.metrics.RequestsTotal.WithLabelValues("success").Inc()
	}
	return &Result{Success: true, Status: resp.StatusCode, Data: data, Meta: Meta{ExpiresAt: expiresAt, ETag: etag, NotModified: false, XPages: xPages}}, nil
}

func (p *Pipeline) handleTransportError(ctx context.Context, endpoint string, opts Options, key string, attempt int, etagStripped bool, reqCtx context.Context, err error) (*Result, error) {
	cfg := p.currentConfig()
	isTimeout := reqCtx.Err() == context.DeadlineExceeded
	var budget int
	if isTimeout {
		budget = cfg.MaxTimeoutRetries
	} else {
		budget = cfg.MaxRetries
	}
	if attempt < budget {
		backoff := backoffFor(attempt)
		if !clock.SleepContext(ctx, p.clock, backoff) {
			return nil, ctx.Err()
		}
		return p.executeRequest(ctx, endpoint, opts, key, attempt+1, etagStripped)
	}
	if isTimeout {
		if p.metrics != nil {
			p.metrics.RequestsTotal.WithLabelValues("timeout").Inc()
		}
		return &Result{Success: false, Err: esierr.Wrap(esierr.KindTimeout, 0, "Request timeout", err)}, nil
	}
	if p.metrics != nil {
		p.metrics.RequestsTotal.WithLabelValues("network_error").Inc()
	}
	return &Result{Success: false, Err: esierr.Wrap(esierr.KindNetwork, 0, err.Error(), err)}, nil
}

func backoffFor(attempt int) time.Duration {
	ms := 1000 * (1 << attempt)
	if ms > 10_000 {
		ms = 10_000
	}
	return time.Duration(ms) * time.Millisecond
}

func (p *Pipeline) buildRequest(ctx context.Context, endpoint string, opts Options, key string, etagStripped bool) (*http.Request, string, error) {
	cfg := p.currentConfig()
	url := cfg.BaseURL + endpoint
	var bodyReader io.Reader
	if len(opts.Body) > 0 {
		bodyReader = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequest(opts.method(), url, bodyReader)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Compatibility-Date", cfg.CompatibilityDate)
	req.Header.Set("User-Agent", cfg.UserAgent)
	req.Header.Set("Accept-Language", opts.language())

	if opts.requiresAuth() && opts.CharacterID != nil {
		tp := p.tokenProvider()
		if tp == nil {
			return nil, "", esierr.Auth("Token provider error")
		}
		token, ok, err := tp(ctx, *opts.CharacterID)
		if err != nil {
			return nil, "", esierr.Wrap(esierr.KindAuth, 401, "Token provider error", err)
		}
		if !ok || token == "" {
			return nil, "", esierr.Auth("Failed to get access token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	sentETag := ""
	if !etagStripped {
		if opts.ETag != "" {
			sentETag = opts.ETag
		} else if et, ok := p.cache.GetETag(key); ok {
			sentETag = et
		}
		if sentETag != "" {
			req.Header.Set("If-None-Match", sentETag)
		}
	}
	return req, sentETag, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func parseIntHeader(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func decodeErrorBody(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return ""
}
