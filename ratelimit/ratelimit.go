// Package ratelimit implements the adaptive per-(principal,group)
// rate-limit tracker (C3): header-driven window state, a global
// retry-after cooldown, and the contract-items rolling window. The
// sharded, mutex-per-shard concurrency skeleton is grounded on the
// teacher's AdaptiveRateLimiter (engine/internal/ratelimit/limiter.go);
// the header-parsing/decision-table semantics are this spec's own.
package ratelimit

import (
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/99souls/esiclient/clock"
	"github.com/99souls/esiclient/config"
)

// GroupState is the per-(principal,group) window.
type GroupState struct {
	Remaining   int
	Limit       int
	WindowMs    int64
	WindowStart int64 // epoch ms
}

const (
	defaultLimit    = 150
	defaultWindowMs = 15 * 60 * 1000

	shardCount = 16
)

type shard struct {
	mu     sync.Mutex
	states map[string]*GroupState
}

// Tracker is the concurrency-safe rate-limit tracker.
type Tracker struct {
	cfg       config.Config
	cfgSource atomic.Value // func() config.Config, set by the facade's config overlay
	clock     clock.Clock
	rnd       clock.Rand

	shards []*shard

	globalMu         sync.Mutex
	globalRetryAfter int64 // absolute epoch ms; 0 = unset

	contractMu sync.Mutex
	contract   map[string][]int64 // principal -> recent request timestamps (ms)
}

// New constructs a Tracker.
func New(cfg config.Config, c clock.Clock, r clock.Rand) *Tracker {
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{states: make(map[string]*GroupState)}
	}
	return &Tracker{cfg: cfg, clock: c, rnd: r, shards: shards, contract: make(map[string][]int64)}
}

// SetConfigSource installs a callback the tracker reads per-lookup for
// GroupOverrides and ContractItemsPerWindow, used by the facade to wire a
// configx.Watcher's live overlay. When unset, the config passed to New is
// used for the tracker's whole lifetime.
func (t *Tracker) SetConfigSource(fn func() config.Config) {
	t.cfgSource.Store(fn)
}

func (t *Tracker) currentConfig() config.Config {
	if v := t.cfgSource.Load(); v != nil {
		if fn, ok := v.(func() config.Config); ok && fn != nil {
			return fn()
		}
	}
	return t.cfg
}

func shardFor(shards []*shard, key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return shards[h.Sum32()%uint32(len(shards))]
}

func stateKey(principalID int64, group string) string {
	return strconv.FormatInt(principalID, 10) + ":" + group
}

// UpdateFromHeaders parses X-Ratelimit-Group/Remaining/Limit and updates
// the tracked window for (principalID, group). A missing group or
// remaining header is ignored.
func (t *Tracker) UpdateFromHeaders(principalID int64, headers map[string]string) {
	group := headers["X-Ratelimit-Group"]
	remainingStr := headers["X-Ratelimit-Remaining"]
	if group == "" || remainingStr == "" {
		return
	}
	remaining, err := strconv.Atoi(remainingStr)
	if err != nil {
		return
	}
	limit, windowMs := parseLimitHeader(headers["X-Ratelimit-Limit"])

	key := stateKey(principalID, group)
	sh := shardFor(t.shards, key)
	now := t.clock.NowMs()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	prev, ok := sh.states[key]
	windowStart := now
	if ok && remaining <= prev.Remaining {
		windowStart = prev.WindowStart
	}
	sh.states[key] = &GroupState{Remaining: remaining, Limit: limit, WindowMs: windowMs, WindowStart: windowStart}
}

// parseLimitHeader parses "<n>/<k><unit>" into (limit, windowMs), falling
// back to the spec defaults (150 / 15min) when absent or malformed.
func parseLimitHeader(raw string) (int, int64) {
	if raw == "" {
		return defaultLimit, defaultWindowMs
	}
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return defaultLimit, defaultWindowMs
	}
	limit, err := strconv.Atoi(parts[0])
	if err != nil {
		return defaultLimit, defaultWindowMs
	}
	rest := parts[1]
	if rest == "" {
		return defaultLimit, defaultWindowMs
	}
	unit := rest[len(rest)-1]
	numPart := rest[:len(rest)-1]
	k, err := strconv.Atoi(numPart)
	if err != nil {
		return defaultLimit, defaultWindowMs
	}
	var mult int64
	switch unit {
	case 's':
		mult = 1000
	case 'm':
		mult = 60 * 1000
	case 'h':
		mult = 3600 * 1000
	default:
		return defaultLimit, defaultWindowMs
	}
	return limit, int64(k) * mult
}

// SetGlobalRetryAfter records a global cooldown expiring seconds from now.
func (t *Tracker) SetGlobalRetryAfter(seconds int) {
	t.globalMu.Lock()
	defer t.globalMu.Unlock()
	t.globalRetryAfter = t.clock.NowMs() + int64(seconds)*1000
}

// GetGlobalRetryAfter returns the remaining wait in ms, or (0, false) once
// the cooldown has elapsed.
func (t *Tracker) GetGlobalRetryAfter() (int64, bool) {
	t.globalMu.Lock()
	defer t.globalMu.Unlock()
	if t.globalRetryAfter == 0 {
		return 0, false
	}
	now := t.clock.NowMs()
	remaining := t.globalRetryAfter - now
	if remaining <= 0 {
		t.globalRetryAfter = 0
		return 0, false
	}
	return remaining, true
}

// GetDelayMs computes how long the caller must wait before dispatching a
// request in (principalID, group), per the spec's decision table.
func (t *Tracker) GetDelayMs(principalID int64, group string) int64 {
	if wait, limited := t.GetGlobalRetryAfter(); limited {
		return wait
	}

	key := stateKey(principalID, group)
	sh := shardFor(t.shards, key)
	now := t.clock.NowMs()

	sh.mu.Lock()
	state, ok := sh.states[key]
	if !ok {
		sh.mu.Unlock()
		return 100
	}
	elapsed := now - state.WindowStart
	if elapsed >= state.WindowMs {
		delete(sh.states, key)
		sh.mu.Unlock()
		return 100
	}
	remaining, limit, windowMs := state.Remaining, state.Limit, state.WindowMs
	sh.mu.Unlock()

	if remaining == 0 {
		return windowMs - elapsed
	}

	pct := float64(remaining) / float64(limit)
	override := t.currentConfig().Override(group)

	switch {
	case pct < 0.05:
		return int64(t.rnd.IntRange(2000, 5000))
	case pct < override.SlowdownAt:
		return int64(t.rnd.IntRange(500, 2000))
	case pct < override.WarnAt:
		return int64(t.rnd.IntRange(100, 500))
	default:
		return 100
	}
}

// RecordContractItemsRequest appends now to principal's sliding window and
// drops entries older than 10s.
func (t *Tracker) RecordContractItemsRequest(principalID int64) {
	key := strconv.FormatInt(principalID, 10)
	now := t.clock.NowMs()
	t.contractMu.Lock()
	defer t.contractMu.Unlock()
	ts := append(t.contract[key], now)
	t.contract[key] = pruneOlderThan(ts, now, 10_000)
}

// GetContractItemsDelay returns the ms to wait before another
// contract-items request may be issued for principal.
func (t *Tracker) GetContractItemsDelay(principalID int64) int64 {
	key := strconv.FormatInt(principalID, 10)
	now := t.clock.NowMs()
	t.contractMu.Lock()
	defer t.contractMu.Unlock()
	ts := pruneOlderThan(t.contract[key], now, 10_000)
	t.contract[key] = ts
	limit := t.currentConfig().ContractItemsPerWindow
	if limit <= 0 {
		limit = 20
	}
	if len(ts) < limit {
		return 0
	}
	oldest := ts[0]
	wait := 10_000 - (now - oldest)
	if wait < 0 {
		wait = 0
	}
	if wait > 10_100 {
		wait = 10_100
	}
	return wait
}

func pruneOlderThan(ts []int64, now int64, windowMs int64) []int64 {
	out := ts[:0:0]
	for _, v := range ts {
		if now-v < windowMs {
			out = append(out, v)
		}
	}
	return out
}

// Export returns a snapshot of all tracked state keyed by
// "<principal>:<group>", for persistence.
func (t *Tracker) Export() map[string]GroupState {
	out := make(map[string]GroupState)
	for _, sh := range t.shards {
		sh.mu.Lock()
		for k, v := range sh.states {
			out[k] = *v
		}
		sh.mu.Unlock()
	}
	return out
}

// Restore loads previously exported state, skipping any entry whose
// window has already elapsed.
func (t *Tracker) Restore(states map[string]GroupState) {
	now := t.clock.NowMs()
	for k, v := range states {
		if now-v.WindowStart >= v.WindowMs {
			continue
		}
		sh := shardFor(t.shards, k)
		state := v
		sh.mu.Lock()
		sh.states[k] = &state
		sh.mu.Unlock()
	}
}
