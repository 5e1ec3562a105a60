package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// webAppManifest is the subset of the PWA manifest the gateway cares about:
// icon assets that should be cached alongside the configured shell.
type webAppManifest struct {
	Icons []struct {
		Src string `json:"src"`
	} `json:"icons"`
}

// startDiscover periodically reads the origin's web app manifest and caches
// any icon assets not already present in the current version. Disabled unless
// discover.manifestPath is configured.
func (s *Service) startDiscover() {
	if s.cfg.Discover.ManifestPath == "" {
		return
	}

	initDelay := s.cfg.Discover.initialDelayDur
	period := s.cfg.Discover.refreshDur

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		runOnce := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			stored, skipped, err := s.discoverOnce(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("icon discover failed")
				return
			}
			log.Info().Int("stored", stored).Int("skipped", skipped).Msg("icon discover pass done")
		}

		runOnce()
		if period <= 0 {
			return
		}

		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

func (s *Service) discoverOnce(ctx context.Context) (stored int, skipped int, _ error) {
	doc, err := s.fetchWebAppManifest(ctx, s.cfg.Server.Origin+s.cfg.Discover.ManifestPath)
	if err != nil {
		return 0, 0, err
	}

	for _, icon := range doc.Icons {
		path := normalizePathFromSrc(icon.Src)
		if path == "" {
			skipped++
			continue
		}
		if _, ok := s.store.GetCached(s.cfg.Cache.Version, path); ok {
			skipped++
			continue
		}
		ent, err := s.cache.fetchAsset(ctx, path)
		if err != nil {
			log.Warn().Str("path", path).Err(err).Msg("icon fetch failed")
			skipped++
			continue
		}
		if err := s.cache.Store(path, ent); err != nil {
			return stored, skipped, err
		}
		stored++
	}
	return stored, skipped, nil
}

func (s *Service) fetchWebAppManifest(ctx context.Context, manifestURL string) (webAppManifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return webAppManifest{}, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return webAppManifest{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return webAppManifest{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var doc webAppManifest
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return webAppManifest{}, err
	}
	return doc, nil
}

// normalizePathFromSrc turns an icon src (absolute URL or relative path) into
// an origin-relative path, or "" when it cannot be used.
func normalizePathFromSrc(src string) string {
	src = strings.TrimSpace(src)
	if src == "" {
		return ""
	}
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		u, err := url.Parse(src)
		if err != nil {
			return ""
		}
		if u.Path == "" {
			return "/"
		}
		if !strings.HasPrefix(u.Path, "/") {
			return "/" + u.Path
		}
		return u.Path
	}
	if !strings.HasPrefix(src, "/") {
		src = "/" + src
	}
	return src
}
