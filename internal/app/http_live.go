package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"blackout/api/internal/presence"
	"blackout/api/internal/util"
)

const leaveTimeout = 5 * time.Second

// handleLive streams a session's word updates as Server-Sent Events. The
// connection holds one presence slot for token until it closes.
func (s *HTTPServer) handleLive(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Streaming unsupported", nil)
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = util.RandomHex(16)
	}
	ctx := r.Context()

	capacity, err := s.service.JoinLive(ctx, sessionID, token)
	var closed *LiveClosedError
	if err != nil && !errors.Is(err, presence.ErrAtCapacity) && !errors.As(err, &closed) {
		s.respond(w, http.StatusOK, nil, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if closed != nil {
		_ = writeEvent(w, "closed", map[string]any{"sessionId": sessionID, "phase": closed.Phase})
		flusher.Flush()
		return
	}
	if err != nil {
		_ = writeEvent(w, "capacity", map[string]any{"sessionId": sessionID, "capacity": capacity})
		flusher.Flush()
		return
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		if err := s.service.LeaveLive(leaveCtx, sessionID, token); err != nil {
			s.logger.Warn("leave live channel failed", "session_id", sessionID, "error", err)
		}
	}()

	updates, unsubscribe, err := s.service.SubscribeLive(ctx, sessionID)
	if err != nil {
		s.logger.Error("subscribe live channel failed", "session_id", sessionID, "error", err)
		_ = writeEvent(w, "error", map[string]any{"code": "SUBSCRIBE_FAILED"})
		flusher.Flush()
		return
	}
	defer unsubscribe()

	if err := writeEvent(w, "ready", map[string]any{"sessionId": sessionID, "token": token, "capacity": capacity}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.service.liveKeepAlive())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.service.RefreshLive(ctx, sessionID, token, capacity); err != nil {
				if errors.Is(err, presence.ErrAtCapacity) {
					_ = writeEvent(w, "capacity", map[string]any{"sessionId": sessionID, "capacity": capacity})
					flusher.Flush()
					return
				}
				s.logger.Warn("refresh live membership failed", "session_id", sessionID, "error", err)
			}
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, "word", update); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	return nil
}
