package offline

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Queue collection names. offline-messages and offline-images are
// auto-increment queues; offline-pages is keyed by URL with overwrite
// semantics and lives under its own prefix.
const (
	ColMessages = "offline-messages"
	ColImages   = "offline-images"
)

// Store is the durable local store backing both the versioned content caches
// and the pending-action queues. Key namespaces:
//
//	c:<version>:<uri>  cached response snapshot
//	p:<uri>            page snapshot (offline-pages)
//	q:<collection>:<id8>  queued action, id big-endian so iteration follows ids
//	s:<collection>        next id counter
type Store struct {
	db *leveldb.DB

	seqMu sync.Mutex
}

// OpenStore opens (or creates) the store at path. Opening is idempotent;
// there is no schema beyond the key prefixes.
func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---- versioned caches ----

func cacheKey(version, uri string) []byte {
	return []byte("c:" + version + ":" + uri)
}

func (s *Store) PutCached(version, uri string, ent CachedResponse) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	return s.db.Put(cacheKey(version, uri), b, nil)
}

// PutCachedBatch writes a full set of entries under one version atomically.
// Used by warm so a half-fetched manifest never becomes visible.
func (s *Store) PutCachedBatch(version string, entries map[string]CachedResponse) error {
	batch := new(leveldb.Batch)
	for uri, ent := range entries {
		b, err := encodeGob(ent)
		if err != nil {
			return err
		}
		batch.Put(cacheKey(version, uri), b)
	}
	return s.db.Write(batch, nil)
}

func (s *Store) GetCached(version, uri string) (CachedResponse, bool) {
	b, err := s.db.Get(cacheKey(version, uri), nil)
	if err != nil {
		return CachedResponse{}, false
	}
	var ent CachedResponse
	if err := decodeGob(b, &ent); err != nil {
		return CachedResponse{}, false
	}
	return ent, true
}

// CacheVersions enumerates every version that has at least one entry.
func (s *Store) CacheVersions() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("c:")), nil)
	defer it.Release()

	seen := map[string]struct{}{}
	for it.Next() {
		rest := strings.TrimPrefix(string(it.Key()), "c:")
		i := strings.IndexByte(rest, ':')
		if i < 0 {
			continue
		}
		seen[rest[:i]] = struct{}{}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

// DropCache deletes every entry of the given version.
func (s *Store) DropCache(version string) error {
	it := s.db.NewIterator(util.BytesPrefix([]byte("c:"+version+":")), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		batch.Delete(k)
	}
	if err := it.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

// ---- page snapshots (offline-pages) ----

func (s *Store) PutPage(uri string, ent CachedResponse) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	return s.db.Put([]byte("p:"+uri), b, nil)
}

func (s *Store) GetPage(uri string) (CachedResponse, bool) {
	b, err := s.db.Get([]byte("p:"+uri), nil)
	if err != nil {
		return CachedResponse{}, false
	}
	var ent CachedResponse
	if err := decodeGob(b, &ent); err != nil {
		return CachedResponse{}, false
	}
	return ent, true
}

// ---- pending-action queues ----

func queueKey(collection string, id uint64) []byte {
	k := make([]byte, 0, len(collection)+11)
	k = append(k, "q:"...)
	k = append(k, collection...)
	k = append(k, ':')
	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], id)
	return append(k, idb[:]...)
}

// Enqueue gob-encodes v and appends it to the collection, returning the
// assigned id.
func (s *Store) Enqueue(collection string, v any) (uint64, error) {
	b, err := encodeGob(v)
	if err != nil {
		return 0, err
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	id := uint64(1)
	if cur, err := s.db.Get([]byte("s:"+collection), nil); err == nil && len(cur) == 8 {
		id = binary.BigEndian.Uint64(cur) + 1
	}
	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], id)

	batch := new(leveldb.Batch)
	batch.Put([]byte("s:"+collection), idb[:])
	batch.Put(queueKey(collection, id), b)
	if err := s.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return id, nil
}

// ListAll returns every pending entry in the collection, in id order.
func (s *Store) ListAll(collection string) ([]QueueEntry, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("q:"+collection+":")), nil)
	defer it.Release()

	var out []QueueEntry
	for it.Next() {
		k := it.Key()
		if len(k) < 8 {
			continue
		}
		data := make([]byte, len(it.Value()))
		copy(data, it.Value())
		out = append(out, QueueEntry{
			ID:   binary.BigEndian.Uint64(k[len(k)-8:]),
			Data: data,
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Remove deletes one entry. Only the sync drain calls this, and only after a
// confirmed successful replay.
func (s *Store) Remove(collection string, id uint64) error {
	return s.db.Delete(queueKey(collection, id), nil)
}

func (s *Store) QueueDepth(collection string) (int, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("q:"+collection+":")), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return 0, err
	}
	return n, nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
