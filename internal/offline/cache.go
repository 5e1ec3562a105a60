package offline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// cacheManager owns the versioned content caches inside the store. Exactly
// one version is authoritative at a time; Warm fills a version atomically and
// EvictStale deletes every other one.
type cacheManager struct {
	store      *Store
	version    string
	origin     string
	httpClient *http.Client
}

func newCacheManager(store *Store, version, origin string, client *http.Client) *cacheManager {
	return &cacheManager{store: store, version: version, origin: origin, httpClient: client}
}

// Warm fetches every manifest path from the origin and commits the set in a
// single batch. Any failed fetch fails the whole warm and nothing becomes
// visible; the previous version's entries are untouched.
func (c *cacheManager) Warm(ctx context.Context, manifest []string) error {
	entries := make(map[string]CachedResponse, len(manifest))
	for _, path := range manifest {
		ent, err := c.fetchAsset(ctx, path)
		if err != nil {
			return fmt.Errorf("warm %s: %w", path, err)
		}
		entries[path] = ent
	}
	return c.store.PutCachedBatch(c.version, entries)
}

func (c *cacheManager) fetchAsset(ctx context.Context, path string) (CachedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.origin+path, nil)
	if err != nil {
		return CachedResponse{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return CachedResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CachedResponse{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CachedResponse{}, err
	}

	ent := CachedResponse{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// Lookup returns a stored snapshot for the exact URI if any version holds
// one. The current version wins; stale versions are still consulted so a
// repeat visitor is served during the window before activation completes.
func (c *cacheManager) Lookup(uri string) (CachedResponse, bool) {
	if ent, ok := c.store.GetCached(c.version, uri); ok {
		return ent, true
	}
	versions, err := c.store.CacheVersions()
	if err != nil {
		return CachedResponse{}, false
	}
	for _, v := range versions {
		if v == c.version {
			continue
		}
		if ent, ok := c.store.GetCached(v, uri); ok {
			return ent, true
		}
	}
	return CachedResponse{}, false
}

// Store persists a runtime response under the current version. Callers are
// responsible for the persistence policy (same-origin, 200, basic).
func (c *cacheManager) Store(uri string, ent CachedResponse) error {
	return c.store.PutCached(c.version, uri, ent)
}

// EvictStale deletes every cache version other than current. Must only run
// after Warm has succeeded for current, else a failed install could leave no
// usable cache at all.
func (c *cacheManager) EvictStale() error {
	versions, err := c.store.CacheVersions()
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v == c.version {
			continue
		}
		if err := c.store.DropCache(v); err != nil {
			return err
		}
	}
	return nil
}

func (c *cacheManager) Versions() ([]string, error) {
	return c.store.CacheVersions()
}
