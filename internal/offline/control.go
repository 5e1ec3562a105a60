package offline

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Handler returns the gateway's HTTP surface: the control API under
// /duogate/, everything else through the fetch interceptor.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/duogate", func(r chi.Router) {
		r.Post("/queue/messages/{roomID}", s.handleSendMessage)
		r.Post("/queue/images/{roomID}", s.handleUploadImage)
		r.Post("/sync/{tag}", s.handleSyncTrigger)
		r.Get("/status", s.handleStatus)
	})
	r.NotFound(s.intercept)
	return r
}

const (
	maxMessageBytes = 1 << 20  // JSON body limit
	maxImageBytes   = 32 << 20 // multipart upload limit
)

// handleSendMessage delivers a chat message to the origin, falling back to
// the durable queue when the origin is unreachable. The caller always gets an
// answer: either the origin's own response or a 202 with the queue id.
func (s *Service) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp, err := s.forwardJSON(r, "/api/send-message/"+roomID, body)
	if err == nil {
		relayResponse(w, resp)
		return
	}

	id, qerr := s.store.Enqueue(ColMessages, QueuedMessage{
		RoomID:   roomID,
		Data:     body,
		QueuedAt: time.Now().Unix(),
	})
	if qerr != nil {
		log.Error().Err(qerr).Str("room", roomID).Msg("enqueue message")
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	s.stats.queued.Add(1)
	log.Info().Uint64("id", id).Str("room", roomID).Msg("message queued for later delivery")
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "id": id})
}

// handleUploadImage is the multipart counterpart of handleSendMessage.
func (s *Service) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		http.Error(w, "bad multipart body", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "image field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()
	blob, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	img := QueuedImage{
		RoomID:   roomID,
		Filename: header.Filename,
		Blob:     blob,
		QueuedAt: time.Now().Unix(),
	}
	resp, err := s.forwardImage(r, img)
	if err == nil {
		relayResponse(w, resp)
		return
	}

	id, qerr := s.store.Enqueue(ColImages, img)
	if qerr != nil {
		log.Error().Err(qerr).Str("room", roomID).Msg("enqueue image")
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	s.stats.queued.Add(1)
	log.Info().Uint64("id", id).Str("room", roomID).Str("filename", img.Filename).Msg("image queued for later delivery")
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "id": id})
}

func (s *Service) forwardJSON(r *http.Request, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.cfg.Server.Origin+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.httpClient.Do(req)
}

func (s *Service) forwardImage(r *http.Request, img QueuedImage) (*http.Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", img.Filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(img.Blob); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.cfg.Server.Origin+"/api/upload-image/"+img.RoomID, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return s.httpClient.Do(req)
}

// handleSyncTrigger fires one drain pass, the manual counterpart of the
// watcher's reconnect signal.
func (s *Service) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	tag := "sync-" + chi.URLParam(r, "tag")
	synced, failed, err := s.TriggerSync(r.Context(), tag)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": synced, "failed": failed})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	versions, err := s.cache.Versions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	msgs, err := s.store.QueueDepth(ColMessages)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	imgs, err := s.store.QueueDepth(ColImages)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ss := s.stats.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":       s.cfg.Cache.Version,
		"cacheVersions": versions,
		"installed":     s.installed.Load(),
		"online":        s.online.Load(),
		"queued": map[string]int{
			"messages": msgs,
			"images":   imgs,
		},
		"stats": map[string]uint64{
			"hits":    ss.Hits,
			"misses":  ss.Misses,
			"offline": ss.Offline,
			"queued":  ss.Queued,
			"synced":  ss.Synced,
		},
	})
}

func relayResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setGatewayHeaders(w.Header(), "relay")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
