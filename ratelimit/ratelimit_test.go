package ratelimit

import (
	"testing"
	"time"

	"github.com/99souls/esiclient/clock"
	"github.com/99souls/esiclient/config"
)

func newTestTracker(fc *clock.Fake, fr *clock.FakeRand) *Tracker {
	cfg := config.Defaults()
	return New(cfg, fc, fr)
}

func TestHeaderParsing(t *testing.T) {
	fc := clock.NewFake(0)
	tr := newTestTracker(fc, clock.NewFakeRand())
	tr.UpdateFromHeaders(7, map[string]string{
		"X-Ratelimit-Group":     "market",
		"X-Ratelimit-Remaining": "80",
		"X-Ratelimit-Limit":     "100/1m",
	})
	exp := tr.Export()
	st, ok := exp["7:market"]
	if !ok {
		t.Fatal("expected exported state for 7:market")
	}
	if st.Limit != 100 || st.WindowMs != 60_000 || st.Remaining != 80 {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestHeaderParsingDefaults(t *testing.T) {
	fc := clock.NewFake(0)
	tr := newTestTracker(fc, clock.NewFakeRand())
	tr.UpdateFromHeaders(0, map[string]string{
		"X-Ratelimit-Group":     "default",
		"X-Ratelimit-Remaining": "10",
	})
	st := tr.Export()["0:default"]
	if st.Limit != 150 || st.WindowMs != 15*60*1000 {
		t.Fatalf("expected default limit/window, got %+v", st)
	}
}

func TestWindowResetOnIncrease(t *testing.T) {
	fc := clock.NewFake(1000)
	tr := newTestTracker(fc, clock.NewFakeRand())
	tr.UpdateFromHeaders(1, map[string]string{"X-Ratelimit-Group": "g", "X-Ratelimit-Remaining": "50", "X-Ratelimit-Limit": "100/1m"})
	first := tr.Export()["1:g"].WindowStart
	fc.Advance(1000 * time.Millisecond)
	tr.UpdateFromHeaders(1, map[string]string{"X-Ratelimit-Group": "g", "X-Ratelimit-Remaining": "40", "X-Ratelimit-Limit": "100/1m"})
	second := tr.Export()["1:g"].WindowStart
	if second != first {
		t.Fatalf("expected windowStart preserved on decrease, got first=%d second=%d", first, second)
	}
	fc.Advance(1000 * time.Millisecond)
	tr.UpdateFromHeaders(1, map[string]string{"X-Ratelimit-Group": "g", "X-Ratelimit-Remaining": "95", "X-Ratelimit-Limit": "100/1m"})
	third := tr.Export()["1:g"].WindowStart
	if third != fc.NowMs() {
		t.Fatalf("expected windowStart reset to now on increase, got %d want %d", third, fc.NowMs())
	}
}

func TestGlobalRetryAfter(t *testing.T) {
	fc := clock.NewFake(0)
	tr := newTestTracker(fc, clock.NewFakeRand())
	tr.SetGlobalRetryAfter(5)
	ms, limited := tr.GetGlobalRetryAfter()
	if !limited || ms != 5000 {
		t.Fatalf("expected 5000ms remaining, got %d limited=%v", ms, limited)
	}
	fc.Advance(5000 * time.Millisecond)
	_, limited = tr.GetGlobalRetryAfter()
	if limited {
		t.Fatal("expected cooldown to be cleared once elapsed")
	}
}

func TestDelayDecisionTable(t *testing.T) {
	fc := clock.NewFake(0)
	fr := clock.NewFakeRand()
	tr := newTestTracker(fc, fr)

	// No state -> 100ms
	if d := tr.GetDelayMs(1, "default"); d != 100 {
		t.Fatalf("expected 100ms for unknown key, got %d", d)
	}

	// remaining == 0 -> wait out window
	tr.UpdateFromHeaders(1, map[string]string{"X-Ratelimit-Group": "default", "X-Ratelimit-Remaining": "0", "X-Ratelimit-Limit": "100/1m"})
	if d := tr.GetDelayMs(1, "default"); d != 60_000 {
		t.Fatalf("expected full window wait, got %d", d)
	}

	// pct < 0.05 -> [2000,5000]
	tr.UpdateFromHeaders(2, map[string]string{"X-Ratelimit-Group": "default", "X-Ratelimit-Remaining": "2", "X-Ratelimit-Limit": "100/1m"})
	if d := tr.GetDelayMs(2, "default"); d < 2000 || d > 5000 {
		t.Fatalf("expected [2000,5000], got %d", d)
	}

	// pct < slowdownAt(0.15) -> [500,2000]
	tr.UpdateFromHeaders(3, map[string]string{"X-Ratelimit-Group": "default", "X-Ratelimit-Remaining": "10", "X-Ratelimit-Limit": "100/1m"})
	if d := tr.GetDelayMs(3, "default"); d < 500 || d > 2000 {
		t.Fatalf("expected [500,2000], got %d", d)
	}

	// pct < warnAt(0.2) -> [100,500]
	tr.UpdateFromHeaders(4, map[string]string{"X-Ratelimit-Group": "default", "X-Ratelimit-Remaining": "18", "X-Ratelimit-Limit": "100/1m"})
	if d := tr.GetDelayMs(4, "default"); d < 100 || d > 500 {
		t.Fatalf("expected [100,500], got %d", d)
	}

	// pct high -> 100ms
	tr.UpdateFromHeaders(5, map[string]string{"X-Ratelimit-Group": "default", "X-Ratelimit-Remaining": "90", "X-Ratelimit-Limit": "100/1m"})
	if d := tr.GetDelayMs(5, "default"); d != 100 {
		t.Fatalf("expected 100ms, got %d", d)
	}
}

func TestGroupOverrides(t *testing.T) {
	fc := clock.NewFake(0)
	tr := newTestTracker(fc, clock.NewFakeRand())
	// char-wallet override warnAt=0.3 slowdownAt=0.2: remaining=25/100=0.25 -> between slowdown(0.2) and warn(0.3) -> [100,500]
	tr.UpdateFromHeaders(1, map[string]string{"X-Ratelimit-Group": "char-wallet", "X-Ratelimit-Remaining": "25", "X-Ratelimit-Limit": "100/1m"})
	if d := tr.GetDelayMs(1, "char-wallet"); d < 100 || d > 500 {
		t.Fatalf("expected [100,500] for char-wallet override band, got %d", d)
	}
}

func TestWindowElapsedDeletesState(t *testing.T) {
	fc := clock.NewFake(0)
	tr := newTestTracker(fc, clock.NewFakeRand())
	tr.UpdateFromHeaders(1, map[string]string{"X-Ratelimit-Group": "default", "X-Ratelimit-Remaining": "50", "X-Ratelimit-Limit": "100/1s"})
	fc.Advance(2000 * time.Millisecond)
	if d := tr.GetDelayMs(1, "default"); d != 100 {
		t.Fatalf("expected 100ms once window elapsed, got %d", d)
	}
	if _, ok := tr.Export()["1:default"]; ok {
		t.Fatal("expected elapsed state to be removed")
	}
}

func TestConfigSourceOverridesGroupOverrides(t *testing.T) {
	fc := clock.NewFake(0)
	tr := newTestTracker(fc, clock.NewFakeRand())
	// Default char-wallet override: warnAt=0.3 slowdownAt=0.2.
	// remaining=25/100=0.25 falls in the [slowdownAt, warnAt) band -> [100,500].
	tr.UpdateFromHeaders(1, map[string]string{"X-Ratelimit-Group": "char-wallet", "X-Ratelimit-Remaining": "25", "X-Ratelimit-Limit": "100/1m"})
	if d := tr.GetDelayMs(1, "char-wallet"); d < 100 || d > 500 {
		t.Fatalf("expected [100,500] before overlay, got %d", d)
	}

	tr.SetConfigSource(func() config.Config {
		cfg := config.Defaults()
		cfg.GroupOverrides = map[string]config.GroupOverride{
			"char-wallet": {WarnAt: 0.9, SlowdownAt: 0.8},
		}
		return cfg
	})
	// Same 0.25 pct now falls below the overlay's slowdownAt(0.8) -> [500,2000].
	if d := tr.GetDelayMs(1, "char-wallet"); d < 500 || d > 2000 {
		t.Fatalf("expected [500,2000] once overlay raises the bands, got %d", d)
	}
}

func TestContractItemsThrottle(t *testing.T) {
	fc := clock.NewFake(0)
	cfg := config.Defaults()
	cfg.ContractItemsPerWindow = 3
	tr := New(cfg, fc, clock.NewFakeRand())
	for i := 0; i < 3; i++ {
		if d := tr.GetContractItemsDelay(1); d != 0 {
			t.Fatalf("expected no delay before hitting cap, got %d at i=%d", d, i)
		}
		tr.RecordContractItemsRequest(1)
	}
	if d := tr.GetContractItemsDelay(1); d <= 0 {
		t.Fatalf("expected positive delay once cap reached, got %d", d)
	}
	fc.Advance(10_100 * time.Millisecond)
	if d := tr.GetContractItemsDelay(1); d != 0 {
		t.Fatalf("expected delay to clear after 10s window, got %d", d)
	}
}
