package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/99souls/esiclient/cache"
	"github.com/99souls/esiclient/clock"
	"github.com/99souls/esiclient/config"
	"github.com/99souls/esiclient/health"
	"github.com/99souls/esiclient/ratelimit"
)

type stubTransport struct {
	mu    sync.Mutex
	calls int
	fn    func(req *http.Request, call int) (*http.Response, error)
}

func (s *stubTransport) Do(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fn(req, call)
}

func jsonResp(status int, body string, headers map[string]string) *http.Response {
	h := make(http.Header)
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{StatusCode: status, Header: h, Body: io.NopCloser(bytes.NewBufferString(body))}
}

func alwaysHealthy() *health.Checker {
	return health.New(health.ProberFunc(func(ctx context.Context) ([]health.Route, error) {
		return nil, nil
	}), clock.Real, 60000)
}

func newTestPipeline(tr Transport) (*Pipeline, *cache.Cache, *ratelimit.Tracker) {
	cfg := config.Defaults()
	cfg.BaseURL = "https://esi.example"
	fc := clock.NewFake(0)
	ch := cache.New(fc, 100)
	rl := ratelimit.New(cfg, fc, clock.NewFakeRand())
	hc := alwaysHealthy()
	p := New(cfg, fc, ch, rl, hc, tr, nil, nil)
	return p, ch, rl
}

func TestExecuteSuccessCachesResponse(t *testing.T) {
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	tr := &stubTransport{fn: func(req *http.Request, call int) (*http.Response, error) {
		return jsonResp(200, `{"ok":true}`, map[string]string{"ETag": `"v1"`, "Expires": future}), nil
	}}
	p, ch, _ := newTestPipeline(tr)
	res := p.Execute(context.Background(), "/characters/1/assets/", Options{})
	if !res.Success {
		t.Fatalf("expected success, got err %v", res.Err)
	}
	if res.Meta.ETag != `"v1"` {
		t.Fatalf("expected etag captured, got %q", res.Meta.ETag)
	}
	key := cache.MakeKey(nil, "/characters/1/assets/", "en")
	if _, ok := ch.Get(key); !ok {
		t.Fatalf("expected cache entry to be written")
	}
}

func TestExecuteDedupesConcurrentCalls(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	tr := &stubTransport{fn: func(req *http.Request, call int) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return jsonResp(200, `{"ok":true}`, nil), nil
	}}
	p, _, _ := newTestPipeline(tr)

	var wg sync.WaitGroup
	results := make([]*Result, 5)
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.Execute(context.Background(), "/characters/1/skills/", Options{})
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 transport call for deduped requests, got %d", got)
	}
	for _, r := range results {
		if !r.Success {
			t.Fatalf("expected every caller to observe success, got %v", r.Err)
		}
	}
}

func TestExecutePostsAreNeverDeduped(t *testing.T) {
	var calls int32
	tr := &stubTransport{fn: func(req *http.Request, call int) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResp(200, `{}`, nil), nil
	}}
	p, _, _ := newTestPipeline(tr)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Execute(context.Background(), "/ui/autopilot/waypoint/", Options{Method: http.MethodPost})
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 independent POST calls, got %d", got)
	}
}

func TestExecuteRetriesOn429ThenSucceeds(t *testing.T) {
	tr := &stubTransport{fn: func(req *http.Request, call int) (*http.Response, error) {
		if call == 1 {
			return jsonResp(429, `{"error":"rate limited"}`, map[string]string{"Retry-After": "0"}), nil
		}
		return jsonResp(200, `{"ok":true}`, nil), nil
	}}
	p, _, _ := newTestPipeline(tr)
	res := p.Execute(context.Background(), "/characters/1/wallet/", Options{})
	if !res.Success {
		t.Fatalf("expected eventual success, got %v", res.Err)
	}
	if tr.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", tr.calls)
	}
}

func TestExecute304WithStaleCacheReturnsCachedData(t *testing.T) {
	tr := &stubTransport{fn: func(req *http.Request, call int) (*http.Response, error) {
		return jsonResp(http.StatusNotModified, "", map[string]string{"Expires": time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)}), nil
	}}
	p, ch, _ := newTestPipeline(tr)
	key := cache.MakeKey(nil, "/characters/1/assets/", "en")
	// The pipeline runs on a fake clock at 0, so the entry must expire
	// before 0 to be stale and force the conditional request.
	ch.Set(key, []byte(`{"cached":true}`), `"etag"`, -time.Minute.Milliseconds())

	res := p.Execute(context.Background(), "/characters/1/assets/", Options{})
	if !res.Success || !res.Meta.NotModified {
		t.Fatalf("expected stale-reuse success, got %+v", res)
	}
	if string(res.Data) != `{"cached":true}` {
		t.Fatalf("expected stale cached body returned, got %s", res.Data)
	}
}

func TestExecuteCacheHitShortCircuitsTransport(t *testing.T) {
	tr := &stubTransport{fn: func(req *http.Request, call int) (*http.Response, error) {
		t.Fatalf("transport should never be called for a fresh cache hit")
		return nil, nil
	}}
	p, ch, _ := newTestPipeline(tr)
	key := cache.MakeKey(nil, "/characters/1/assets/", "en")
	expiresAt := time.Now().Add(time.Hour).UnixMilli()
	ch.Set(key, []byte(`{"cached":true}`), `"etag"`, expiresAt)

	res := p.Execute(context.Background(), "/characters/1/assets/", Options{})
	if !res.Success || !res.Meta.NotModified {
		t.Fatalf("expected a notModified cache-hit result, got %+v", res)
	}
	if string(res.Data) != `{"cached":true}` {
		t.Fatalf("expected cached body returned, got %s", res.Data)
	}
	if tr.calls != 0 {
		t.Fatalf("expected zero transport calls, got %d", tr.calls)
	}
}

func TestExecuteExplicitETagPreemptsCacheHit(t *testing.T) {
	tr := &stubTransport{fn: func(req *http.Request, call int) (*http.Response, error) {
		return jsonResp(200, `{"fresh":true}`, map[string]string{"ETag": `"v2"`, "Expires": time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)}), nil
	}}
	p, ch, _ := newTestPipeline(tr)
	key := cache.MakeKey(nil, "/characters/1/assets/", "en")
	ch.Set(key, []byte(`{"cached":true}`), `"etag"`, time.Now().Add(time.Hour).UnixMilli())

	res := p.Execute(context.Background(), "/characters/1/assets/", Options{ETag: `"caller-etag"`})
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if tr.calls != 1 {
		t.Fatalf("expected the caller-supplied etag to preempt the cache hit and dispatch, got %d calls", tr.calls)
	}
	if string(res.Data) != `{"fresh":true}` {
		t.Fatalf("expected freshly dispatched body, got %s", res.Data)
	}
}

func TestPipelineUsesLiveConfigSource(t *testing.T) {
	var gotURL string
	tr := &stubTransport{fn: func(req *http.Request, call int) (*http.Response, error) {
		gotURL = req.URL.String()
		return jsonResp(200, `{}`, nil), nil
	}}
	p, _, _ := newTestPipeline(tr)
	p.SetConfigSource(func() config.Config {
		cfg := config.Defaults()
		cfg.BaseURL = "https://overlay.example"
		return cfg
	})

	p.Execute(context.Background(), "/status/", Options{})
	if gotURL != "https://overlay.example/status/" {
		t.Fatalf("expected request dispatched against overlay base URL, got %q", gotURL)
	}
}

func TestExecuteHealthGateBlocksDispatch(t *testing.T) {
	tr := &stubTransport{fn: func(req *http.Request, call int) (*http.Response, error) {
		t.Fatalf("transport should never be called while health-gated")
		return nil, nil
	}}
	cfg := config.Defaults()
	cfg.BaseURL = "https://esi.example"
	fc := clock.NewFake(0)
	ch := cache.New(fc, 100)
	rl := ratelimit.New(cfg, fc, clock.NewFakeRand())
	hc := health.New(health.ProberFunc(func(ctx context.Context) ([]health.Route, error) {
		return []health.Route{{Method: "GET", Path: "/characters/{id}/assets/", Status: health.StatusDown}}, nil
	}), fc, 60000)
	p := New(cfg, fc, ch, rl, hc, tr, nil, nil)

	res := p.Execute(context.Background(), "/characters/1/assets/", Options{})
	if res.Success {
		t.Fatalf("expected health-gated failure")
	}
	if res.Err.Kind != "health_gate" {
		t.Fatalf("expected health_gate kind, got %s", res.Err.Kind)
	}
}

func TestExecuteAuthRequiredWithoutTokenProvider(t *testing.T) {
	tr := &stubTransport{fn: func(req *http.Request, call int) (*http.Response, error) {
		t.Fatalf("transport should never be reached without a token")
		return nil, nil
	}}
	p, _, _ := newTestPipeline(tr)
	cid := int64(42)
	res := p.Execute(context.Background(), "/characters/42/wallet/", Options{CharacterID: &cid})
	if res.Success {
		t.Fatalf("expected auth failure")
	}
	if res.Err.Kind != "auth" {
		t.Fatalf("expected auth kind, got %s", res.Err.Kind)
	}
}

func TestExecuteUsesTokenProvider(t *testing.T) {
	var gotAuth string
	tr := &stubTransport{fn: func(req *http.Request, call int) (*http.Response, error) {
		gotAuth = req.Header.Get("Authorization")
		return jsonResp(200, `{}`, nil), nil
	}}
	p, _, _ := newTestPipeline(tr)
	p.SetTokenProvider(func(ctx context.Context, characterID int64) (string, bool, error) {
		return fmt.Sprintf("tok-%d", characterID), true, nil
	})
	cid := int64(7)
	res := p.Execute(context.Background(), "/characters/7/wallet/", Options{CharacterID: &cid})
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if gotAuth != "Bearer tok-7" {
		t.Fatalf("expected bearer token header, got %q", gotAuth)
	}
}

func TestPauseBlocksDispatchUntilResume(t *testing.T) {
	tr := &stubTransport{fn: func(req *http.Request, call int) (*http.Response, error) {
		return jsonResp(200, `{}`, nil), nil
	}}
	p, _, _ := newTestPipeline(tr)
	p.Pause()

	done := make(chan *Result, 1)
	go func() {
		done <- p.Execute(context.Background(), "/status/", Options{})
	}()

	select {
	case <-done:
		t.Fatalf("expected dispatch to block while paused")
	case <-time.After(150 * time.Millisecond):
	}

	p.Resume()
	select {
	case res := <-done:
		if !res.Success {
			t.Fatalf("expected success after resume, got %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected dispatch to proceed after resume")
	}
}
