package offline

import "net/http"

// CachedResponse is an immutable snapshot of an origin response, stored under
// a cache version keyed by the exact request URI (query string included).
type CachedResponse struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// QueuedMessage is a chat message that could not be delivered to the origin.
// Data is the raw JSON body the client posted.
type QueuedMessage struct {
	RoomID   string
	Data     []byte
	QueuedAt int64
}

// QueuedImage is an image upload that could not be delivered to the origin.
type QueuedImage struct {
	RoomID   string
	Filename string
	Blob     []byte
	QueuedAt int64
}

// QueueEntry is one pending record as it sits in the store. ID is assigned at
// enqueue time and is unique within its collection. Data is a gob-encoded
// QueuedMessage or QueuedImage.
type QueueEntry struct {
	ID   uint64
	Data []byte
}
