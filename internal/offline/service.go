package offline

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Service is the offline resilience gateway: a cache-first interceptor in
// front of the DuoVerse origin, backed by one durable store that holds the
// versioned content caches, page snapshots, and pending-action queues.
type Service struct {
	cfg Config

	httpClient *http.Client

	store *Store
	cache *cacheManager

	bgSem chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup

	installed atomic.Bool
	online    atomic.Bool

	probeLog  *rateLimitedLogger
	mirrorLog *rateLimitedLogger

	stats *statsCollector
}

func NewService(cfg Config) (*Service, error) {
	s, err := newService(cfg)
	if err != nil {
		return nil, err
	}
	s.start()
	return s, nil
}

func newService(cfg Config) (*Service, error) {
	store, err := OpenStore(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	s := &Service{
		cfg:        cfg,
		httpClient: client,
		store:      store,
		cache:      newCacheManager(store, cfg.Cache.Version, cfg.Server.Origin, client),
		bgSem:      make(chan struct{}, 32),
		stopCh:     make(chan struct{}),
		probeLog:   newRateLimitedLogger(1 * time.Minute),
		mirrorLog:  newRateLimitedLogger(1 * time.Minute),
		stats:      newStatsCollector(),
	}
	return s, nil
}

func (s *Service) start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.installLoop()
	}()

	if s.cfg.Sync.probeDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.probeLoop(s.cfg.Sync.probeDur)
		}()
	}

	s.startDiscover()

	if s.cfg.Logging.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(s.cfg.Logging.logStatsEveryDur)
		}()
	}
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	_ = s.store.Close()
}

// ---- fetch interception ----

func (s *Service) intercept(w http.ResponseWriter, r *http.Request) {
	if !sameOrigin(r) || r.Method != http.MethodGet {
		s.passThrough(w, r)
		return
	}

	key := r.URL.RequestURI()

	if ent, ok := s.cache.Lookup(key); ok {
		s.writeEntryWithStats(w, ent, "hit")
		return
	}

	ent, persistable, err := s.fetchFromOrigin(r.Context(), key)
	if err != nil {
		s.serveOffline(w, r, key)
		return
	}
	if persistable {
		s.mirrorAsync(key, ent, isNavigation(r))
	}
	s.writeEntryWithStats(w, ent, "miss")
}

// sameOrigin reports whether the request targets the gateway's own origin.
// Absolute-form requests for a foreign host (proxy-style) are out of scope.
func sameOrigin(r *http.Request) bool {
	if r.URL.IsAbs() && r.URL.Host != "" && r.URL.Host != r.Host {
		return false
	}
	return true
}

// isNavigation reports whether a request is a page navigation rather than a
// subresource fetch.
func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// fetchFromOrigin issues the request to the origin and reports whether the
// response may be persisted: status 200 exactly, and not the product of a
// redirect (the final URL must be the one asked for).
func (s *Service) fetchFromOrigin(ctx context.Context, uri string) (CachedResponse, bool, error) {
	originURL := s.cfg.Server.Origin + uri
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, originURL, nil)
	if err != nil {
		return CachedResponse{}, false, err
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return CachedResponse{}, false, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CachedResponse{}, false, err
	}

	ent := CachedResponse{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")

	persistable := resp.StatusCode == http.StatusOK &&
		resp.Request.URL.String() == originURL
	return ent, persistable, nil
}

// mirrorAsync writes a fresh response into the cache without delaying the
// response already on its way to the caller. Navigations are additionally
// snapshotted into offline-pages so the exact page survives full offline.
func (s *Service) mirrorAsync(key string, ent CachedResponse, navigation bool) {
	select {
	case s.bgSem <- struct{}{}:
	default:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()

		if err := s.cache.Store(key, ent); err != nil {
			s.mirrorLog.Warnf("cache mirror %s: %v", key, err)
			return
		}
		if navigation {
			if err := s.store.PutPage(key, ent); err != nil {
				s.mirrorLog.Warnf("page snapshot %s: %v", key, err)
			}
		}
	}()
}

func (s *Service) serveOffline(w http.ResponseWriter, r *http.Request, key string) {
	if isNavigation(r) {
		if ent, ok := s.store.GetPage(key); ok {
			s.writeEntryWithStats(w, ent, "offline-snapshot")
			return
		}
		if ent, ok := s.cache.Lookup("/offline.html"); ok {
			// Served in place of the page that failed, so the status must
			// say so even though the cached asset itself was a 200.
			ent.Status = http.StatusServiceUnavailable
			s.writeEntryWithStats(w, ent, "offline")
			return
		}
		s.stats.offline.Add(1)
		setGatewayHeaders(w.Header(), "offline")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(offlinePageHTML))
		return
	}

	s.stats.offline.Add(1)
	setGatewayHeaders(w.Header(), "offline")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Offline"))
}

// passThrough forwards a request to the origin verbatim, no caching on either
// side of the exchange.
func (s *Service) passThrough(w http.ResponseWriter, r *http.Request) {
	originURL := s.cfg.Server.Origin + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, originURL, r.Body)
	if err != nil {
		setGatewayHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	copyHeaders(req.Header, r.Header)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		setGatewayHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setGatewayHeaders(w.Header(), "bypass")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeEntry(w http.ResponseWriter, ent CachedResponse, marker string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-duogate") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setGatewayHeaders(w.Header(), marker)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setGatewayHeaders(h http.Header, marker string) {
	if marker != "" {
		h.Set("X-Duogate", marker)
	}
	// If this is used from a browser in a CORS context, custom headers are not
	// readable by JS unless explicitly exposed.
	ensureExposedHeader(h, "X-Duogate")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	// Merge into a single comma-separated value.
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, ent CachedResponse, marker string) {
	writeEntry(w, ent, marker)
	switch marker {
	case "hit":
		s.stats.hits.Add(1)
		s.stats.Observe(len(ent.Body))
	case "miss":
		s.stats.misses.Add(1)
		s.stats.Observe(len(ent.Body))
	case "offline", "offline-snapshot":
		s.stats.offline.Add(1)
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// ---- lifecycle ----

// install warms the current cache version and, once that has fully succeeded,
// evicts every stale version. A failed warm leaves prior versions untouched.
func (s *Service) install(ctx context.Context) error {
	if err := s.cache.Warm(ctx, s.cfg.Cache.Manifest); err != nil {
		return err
	}
	if err := s.cache.EvictStale(); err != nil {
		return err
	}
	s.installed.Store(true)
	return nil
}

func (s *Service) installLoop() {
	attempt := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.install(ctx); err != nil {
			log.Warn().Err(err).Str("version", s.cfg.Cache.Version).Msg("install failed, will retry")
			return false
		}
		log.Info().Str("version", s.cfg.Cache.Version).Int("assets", len(s.cfg.Cache.Manifest)).Msg("cache installed and activated")
		return true
	}

	if attempt() {
		return
	}
	t := time.NewTicker(s.cfg.Cache.installRetryDur)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if attempt() {
				return
			}
		}
	}
}

// ---- connectivity watcher ----

// probeLoop stands in for the platform's reconnect signal: it polls the
// origin and fires a drain of both queues on every offline-to-online
// transition.
func (s *Service) probeLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			wasOnline := s.online.Load()
			nowOnline := s.probeOrigin()
			s.online.Store(nowOnline)
			if nowOnline && !wasOnline {
				log.Info().Msg("origin reachable again, draining queues")
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				s.drainAll(ctx)
				cancel()
			}
		}
	}
}

func (s *Service) probeOrigin() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.cfg.Server.Origin+"/", nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.probeLog.Warnf("origin probe: %v", err)
		return false
	}
	_ = resp.Body.Close()
	return true
}
