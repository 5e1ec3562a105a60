package offline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestService(t *testing.T, origin string) *Service {
	t.Helper()
	var raw Config
	raw.Server.Origin = origin
	raw.Storage.Path = t.TempDir()
	cfg, err := finishConfig(raw)
	if err != nil {
		t.Fatal(err)
	}
	// Background loops stay off; tests drive install and sync directly.
	s, err := newService(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

// deadOriginURL returns a URL whose server is already gone, so every request
// to it fails at the network layer.
func deadOriginURL(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close()
	return ts.URL
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func doIntercept(s *Service, method, target string, hdr http.Header) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, nil)
	for k, vs := range hdr {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	s.intercept(w, r)
	return w
}

func TestCacheHitSkipsNetwork(t *testing.T) {
	var calls atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("from origin"))
	}))
	t.Cleanup(origin.Close)

	s := newTestService(t, origin.URL)
	if err := s.cache.Store("/static/js/app.js", CachedResponse{
		Status: 200,
		Header: http.Header{"Content-Type": {"text/javascript"}},
		Body:   []byte("cached js"),
	}); err != nil {
		t.Fatal(err)
	}

	w := doIntercept(s, http.MethodGet, "/static/js/app.js", nil)
	if w.Code != 200 || w.Body.String() != "cached js" {
		t.Fatalf("expected cached response, got %d %q", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Duogate"); got != "hit" {
		t.Fatalf("expected hit marker, got %q", got)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no origin call on cache hit, got %d", calls.Load())
	}
}

func TestMissFetchesOnceThenServesFromCache(t *testing.T) {
	var calls atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("fresh"))
	}))
	t.Cleanup(origin.Close)

	s := newTestService(t, origin.URL)

	w := doIntercept(s, http.MethodGet, "/static/css/style.css", nil)
	if w.Code != 200 || w.Body.String() != "fresh" {
		t.Fatalf("unexpected miss response: %d %q", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Duogate"); got != "miss" {
		t.Fatalf("expected miss marker, got %q", got)
	}

	// The mirror write is fire-and-forget relative to the response.
	waitFor(t, "cache mirror", func() bool {
		_, ok := s.cache.Lookup("/static/css/style.css")
		return ok
	})

	w = doIntercept(s, http.MethodGet, "/static/css/style.css", nil)
	if got := w.Header().Get("X-Duogate"); got != "hit" {
		t.Fatalf("expected hit on second request, got %q", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one origin call, got %d", calls.Load())
	}
}

func TestErrorResponsesAreNeverCached(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(origin.Close)

	s := newTestService(t, origin.URL)
	for i := 0; i < 2; i++ {
		w := doIntercept(s, http.MethodGet, "/api/messages/r1", nil)
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected origin error to pass through, got %d", w.Code)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := s.cache.Lookup("/api/messages/r1"); ok {
		t.Fatal("error response must not populate the cache")
	}
}

func TestRedirectedResponsesAreNeverCached(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("moved here"))
	})
	origin := httptest.NewServer(mux)
	t.Cleanup(origin.Close)

	s := newTestService(t, origin.URL)
	w := doIntercept(s, http.MethodGet, "/old", nil)
	if w.Code != 200 || w.Body.String() != "moved here" {
		t.Fatalf("unexpected response: %d %q", w.Code, w.Body.String())
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := s.cache.Lookup("/old"); ok {
		t.Fatal("redirected response must not populate the cache")
	}
}

func TestNavigationOfflineFallbackSynthesized(t *testing.T) {
	s := newTestService(t, deadOriginURL(t))

	w := doIntercept(s, http.MethodGet, "/chat/r1", http.Header{"Accept": {"text/html"}})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("expected text/html, got %q", ct)
	}
	if !strings.Contains(w.Body.String(), "You're Offline") {
		t.Fatal("expected offline notice in body")
	}
}

func TestNavigationOfflineFallbackPrefersCachedPage(t *testing.T) {
	s := newTestService(t, deadOriginURL(t))
	if err := s.cache.Store("/offline.html", CachedResponse{
		Status: 200,
		Header: http.Header{"Content-Type": {"text/html"}},
		Body:   []byte("<html>cached offline shell</html>"),
	}); err != nil {
		t.Fatal(err)
	}

	w := doIntercept(s, http.MethodGet, "/chat/r1", http.Header{"Accept": {"text/html"}})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if w.Body.String() != "<html>cached offline shell</html>" {
		t.Fatalf("expected cached offline page, got %q", w.Body.String())
	}
}

func TestNavigationOfflineServesPageSnapshot(t *testing.T) {
	s := newTestService(t, deadOriginURL(t))
	if err := s.store.PutPage("/chat/r1", CachedResponse{
		Status: 200,
		Header: http.Header{"Content-Type": {"text/html"}},
		Body:   []byte("<html>the chat page</html>"),
	}); err != nil {
		t.Fatal(err)
	}

	w := doIntercept(s, http.MethodGet, "/chat/r1", http.Header{"Accept": {"text/html"}})
	if w.Code != 200 {
		t.Fatalf("expected snapshot status, got %d", w.Code)
	}
	if w.Body.String() != "<html>the chat page</html>" {
		t.Fatalf("expected exact page snapshot, got %q", w.Body.String())
	}
}

func TestResourceOfflineFallback(t *testing.T) {
	s := newTestService(t, deadOriginURL(t))

	w := doIntercept(s, http.MethodGet, "/static/icons/icon-192.png", http.Header{"Accept": {"image/png"}})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("expected text/plain, got %q", ct)
	}
	if w.Body.String() != "Offline" {
		t.Fatalf("expected literal Offline body, got %q", w.Body.String())
	}
}

func TestNonGETPassesThrough(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write(b)
	}))
	t.Cleanup(origin.Close)

	s := newTestService(t, origin.URL)
	r := httptest.NewRequest(http.MethodPost, "/api/send-message/r1", strings.NewReader(`{"message":"hi"}`))
	w := httptest.NewRecorder()
	s.intercept(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected origin status, got %d", w.Code)
	}
	if w.Body.String() != `{"message":"hi"}` {
		t.Fatalf("expected body forwarded, got %q", w.Body.String())
	}
	if got := w.Header().Get("X-Duogate"); got != "bypass" {
		t.Fatalf("expected bypass marker, got %q", got)
	}
}

func TestInstallWarmsAndEvicts(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("shell"))
	}))
	t.Cleanup(origin.Close)

	s := newTestService(t, origin.URL)
	// Simulate a previous deploy's cache.
	if err := s.store.PutCached("duoverse-v1", "/", CachedResponse{Status: 200, Header: http.Header{}, Body: []byte("v1")}); err != nil {
		t.Fatal(err)
	}

	if err := s.install(context.Background()); err != nil {
		t.Fatal(err)
	}

	versions, err := s.cache.Versions()
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 || versions[0] != s.cfg.Cache.Version {
		t.Fatalf("expected only %s after activation, got %v", s.cfg.Cache.Version, versions)
	}
	if !s.installed.Load() {
		t.Fatal("expected installed flag set")
	}
	for _, p := range s.cfg.Cache.Manifest {
		if _, ok := s.cache.Lookup(p); !ok {
			t.Fatalf("manifest asset %s missing after install", p)
		}
	}
}

func TestFailedInstallLeavesPreviousCacheUsable(t *testing.T) {
	s := newTestService(t, deadOriginURL(t))
	if err := s.store.PutCached("duoverse-v1", "/", CachedResponse{Status: 200, Header: http.Header{}, Body: []byte("v1 shell")}); err != nil {
		t.Fatal(err)
	}

	if err := s.install(context.Background()); err == nil {
		t.Fatal("expected install to fail against dead origin")
	}

	// The stale cache still answers navigations.
	w := doIntercept(s, http.MethodGet, "/", http.Header{"Accept": {"text/html"}})
	if w.Code != 200 || w.Body.String() != "v1 shell" {
		t.Fatalf("expected previous version to keep serving, got %d %q", w.Code, w.Body.String())
	}
}
