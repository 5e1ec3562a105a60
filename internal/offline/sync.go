package offline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Sync tags, matching the reconnect signals the browser worker listened for.
const (
	SyncMessages = "sync-messages"
	SyncImages   = "sync-images"
)

// TriggerSync runs one full drain pass for the given tag. Each trigger is one
// pass: entries that fail stay queued for the next trigger, with no retry or
// backoff inside the pass.
func (s *Service) TriggerSync(ctx context.Context, tag string) (synced, failed int, err error) {
	switch tag {
	case SyncMessages:
		return s.drainMessages(ctx)
	case SyncImages:
		return s.drainImages(ctx)
	default:
		return 0, 0, fmt.Errorf("unknown sync tag %q", tag)
	}
}

func (s *Service) drainAll(ctx context.Context) {
	if _, _, err := s.drainMessages(ctx); err != nil {
		log.Error().Err(err).Msg("message drain pass failed")
	}
	if _, _, err := s.drainImages(ctx); err != nil {
		log.Error().Err(err).Msg("image drain pass failed")
	}
}

// drainMessages replays every queued chat message against the origin,
// removing each entry only on a confirmed 2xx. One in-flight call at a time.
func (s *Service) drainMessages(ctx context.Context) (synced, failed int, err error) {
	entries, err := s.store.ListAll(ColMessages)
	if err != nil {
		return 0, 0, fmt.Errorf("list %s: %w", ColMessages, err)
	}
	for _, e := range entries {
		var msg QueuedMessage
		if err := decodeGob(e.Data, &msg); err != nil {
			log.Error().Uint64("id", e.ID).Err(err).Msg("undecodable queued message, leaving in place")
			failed++
			continue
		}
		if err := s.replayMessage(ctx, msg); err != nil {
			log.Warn().Uint64("id", e.ID).Str("room", msg.RoomID).Err(err).Msg("message replay failed")
			failed++
			continue
		}
		if err := s.store.Remove(ColMessages, e.ID); err != nil {
			return synced, failed, fmt.Errorf("remove %s/%d: %w", ColMessages, e.ID, err)
		}
		synced++
		s.stats.synced.Add(1)
	}
	return synced, failed, nil
}

func (s *Service) replayMessage(ctx context.Context, msg QueuedMessage) error {
	url := s.cfg.Server.Origin + "/api/send-message/" + msg.RoomID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("origin status %d", resp.StatusCode)
	}
	return nil
}

// drainImages is the multipart counterpart of drainMessages.
func (s *Service) drainImages(ctx context.Context) (synced, failed int, err error) {
	entries, err := s.store.ListAll(ColImages)
	if err != nil {
		return 0, 0, fmt.Errorf("list %s: %w", ColImages, err)
	}
	for _, e := range entries {
		var img QueuedImage
		if err := decodeGob(e.Data, &img); err != nil {
			log.Error().Uint64("id", e.ID).Err(err).Msg("undecodable queued image, leaving in place")
			failed++
			continue
		}
		if err := s.replayImage(ctx, img); err != nil {
			log.Warn().Uint64("id", e.ID).Str("room", img.RoomID).Err(err).Msg("image replay failed")
			failed++
			continue
		}
		if err := s.store.Remove(ColImages, e.ID); err != nil {
			return synced, failed, fmt.Errorf("remove %s/%d: %w", ColImages, e.ID, err)
		}
		synced++
		s.stats.synced.Add(1)
	}
	return synced, failed, nil
}

func (s *Service) replayImage(ctx context.Context, img QueuedImage) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", img.Filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(img.Blob); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := s.cfg.Server.Origin + "/api/upload-image/" + img.RoomID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("origin status %d", resp.StatusCode)
	}
	return nil
}
