// Package health implements the cached service-health probe (C4): a
// double-checked-locking TTL cache around a single upstream probe, with a
// stale-reuse fallback on probe failure. Grounded directly on the
// teacher's Evaluator (packages/engine/telemetry/health/health.go),
// re-targeted at one route-status probe instead of N internal subsystem
// probes.
package health

import (
	"context"
	"sync"

	"github.com/99souls/esiclient/classify"
)

// RouteStatus is the status of a single upstream route.
type RouteStatus string

const (
	StatusOK         RouteStatus = "OK"
	StatusRecovering RouteStatus = "Recovering"
	StatusDegraded   RouteStatus = "Degraded"
	StatusUnknown    RouteStatus = "Unknown"
	StatusDown       RouteStatus = "Down"
)

// Overall is the rolled-up status.
type Overall string

const (
	OverallHealthy  Overall = "healthy"
	OverallDegraded Overall = "degraded"
	OverallDown     Overall = "down"
	OverallUnknown  Overall = "unknown"
)

// Route is one entry of the probe's route list.
type Route struct {
	Method string
	Path   string
	Status RouteStatus
}

// Snapshot is the cached health result.
type Snapshot struct {
	FetchedAt   int64 // epoch ms
	Overall     Overall
	Routes      []Route
	BaseStatus  map[string]RouteStatus
}

// Prober fetches the current route status from the upstream service.
type Prober interface {
	Probe(ctx context.Context) ([]Route, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) ([]Route, error)

func (f ProberFunc) Probe(ctx context.Context) ([]Route, error) { return f(ctx) }

// Clock is the minimal time source the checker needs.
type Clock interface {
	NowMs() int64
}

// Checker caches a Snapshot for cacheTTL, reusing a stale snapshot for up
// to 5x cacheTTL on probe failure before falling back to a permissive
// neutral result.
type Checker struct {
	prober   Prober
	clock    Clock
	cacheTTL int64 // ms

	mu      sync.Mutex
	cached  Snapshot
	hasAny  bool
	inFlight *inflightProbe
}

type inflightProbe struct {
	done chan struct{}
	snap Snapshot
}

// New constructs a Checker.
func New(prober Prober, c Clock, cacheTTLMs int64) *Checker {
	return &Checker{prober: prober, clock: c, cacheTTL: cacheTTLMs}
}

// GetHealthStatus returns the cached snapshot if fresh; otherwise joins or
// starts a single in-flight probe.
func (h *Checker) GetHealthStatus(ctx context.Context) Snapshot {
	h.mu.Lock()
	now := h.clock.NowMs()
	if h.hasAny && now-h.cached.FetchedAt < h.cacheTTL {
		snap := h.cached
		h.mu.Unlock()
		return snap
	}
	if h.inFlight != nil {
		inf := h.inFlight
		h.mu.Unlock()
		<-inf.done
		return inf.snap
	}
	inf := &inflightProbe{done: make(chan struct{})}
	h.inFlight = inf
	h.mu.Unlock()

	snap := h.runProbe(ctx)

	h.mu.Lock()
	inf.snap = snap
	h.inFlight = nil
	h.mu.Unlock()
	close(inf.done)
	return snap
}

// GetCachedHealthStatus returns the last cached snapshot without probing,
// for diagnostics; returns (Snapshot{}, false) if none exists yet.
func (h *Checker) GetCachedHealthStatus() (Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cached, h.hasAny
}

func (h *Checker) runProbe(ctx context.Context) Snapshot {
	routes, err := h.prober.Probe(ctx)
	now := h.clock.NowMs()
	if err != nil {
		h.mu.Lock()
		hasStale := h.hasAny && now-h.cached.FetchedAt < 5*h.cacheTTL
		stale := h.cached
		h.mu.Unlock()
		if hasStale {
			return stale
		}
		return Snapshot{FetchedAt: now, Overall: OverallUnknown, Routes: nil, BaseStatus: map[string]RouteStatus{}}
	}
	snap := buildSnapshot(now, routes)
	h.mu.Lock()
	h.cached = snap
	h.hasAny = true
	h.mu.Unlock()
	return snap
}

func buildSnapshot(now int64, routes []Route) Snapshot {
	base := make(map[string]RouteStatus)
	for _, r := range routes {
		b := classify.ExtractBase(r.Path)
		if worse, ok := base[b]; !ok || statusRank(r.Status) > statusRank(worse) {
			base[b] = r.Status
		}
	}
	return Snapshot{FetchedAt: now, Overall: overallOf(routes), Routes: routes, BaseStatus: base}
}

// statusRank orders OK < Recovering < Degraded < Unknown < Down, worst highest.
func statusRank(s RouteStatus) int {
	switch s {
	case StatusOK:
		return 0
	case StatusRecovering:
		return 1
	case StatusDegraded:
		return 2
	case StatusUnknown:
		return 3
	case StatusDown:
		return 4
	default:
		return 3 // unrecognised -> Unknown
	}
}

func overallOf(routes []Route) Overall {
	n := len(routes)
	if n == 0 {
		return OverallUnknown
	}
	var down, degraded, unknown int
	for _, r := range routes {
		switch r.Status {
		case StatusDown:
			down++
		case StatusDegraded:
			degraded++
		case StatusUnknown:
			unknown++
		}
	}
	switch {
	case float64(down)/float64(n) > 0.5:
		return OverallDown
	case down > 0 || degraded > 0:
		return OverallDegraded
	case unknown > n/2:
		return OverallUnknown
	default:
		return OverallHealthy
	}
}

// EnsureHealthy reports whether a request to endpoint may be dispatched.
func (h *Checker) EnsureHealthy(ctx context.Context, endpoint string) (bool, string) {
	snap := h.GetHealthStatus(ctx)
	if snap.Overall == OverallDown {
		return false, "ESI overall status is down"
	}
	base := classify.ExtractBase(endpoint)
	if st, ok := snap.BaseStatus[base]; ok && (st == StatusDown || st == StatusUnknown) {
		return false, "ESI route group " + base + " is unhealthy"
	}
	return true, ""
}
