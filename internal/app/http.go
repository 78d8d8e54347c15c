package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"

	"blackout/api/internal/auth"
	"blackout/api/internal/presence"
	"blackout/api/internal/rbac"
	"blackout/api/internal/search"
	"blackout/api/internal/util"
)

type HTTPServer struct {
	service     *Service
	corsOrigins []string
	logger      *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigins []string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigins: corsOrigins, logger: logger.With("component", "http")}
}

func (s *HTTPServer) Handler() http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{"GET", "HEAD", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID",
			"X-Actor-Id", "X-Participant-Token", "Last-Event-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	})
	return corsHandler.Handler(s.withMiddleware(http.HandlerFunc(s.handle)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/public-config" {
		writeJSON(w, http.StatusOK, s.service.PublicConfig())
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/poems" {
		limit, ok := queryInt(w, r, "limit")
		if !ok {
			return
		}
		payload, err := s.service.ListPoems(r.Context(), limit)
		s.respond(w, http.StatusOK, payload, err)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/poems/search" {
		limit, ok := queryInt(w, r, "limit")
		if !ok {
			return
		}
		offset, ok := queryInt(w, r, "offset")
		if !ok {
			return
		}
		result, err := s.service.SearchPoems(search.Query{
			Text:     r.URL.Query().Get("q"),
			StreamID: strings.TrimSpace(r.URL.Query().Get("streamId")),
			Limit:    limit,
			Offset:   offset,
		})
		s.respond(w, http.StatusOK, result, err)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/invites/accept" {
		var body AcceptInviteInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AcceptInvite(r.Context(), body)
		s.respond(w, http.StatusOK, payload, err)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sessions" {
		if _, ok := s.requireRole(w, r, rbac.ActionManage); !ok {
			return
		}
		var body CreateSessionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateSession(r.Context(), body)
		s.respond(w, http.StatusCreated, payload, err)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "sessions":
		s.handleSessions(w, r, parts[2], parts[3:])
		return
	case "words":
		if len(parts) == 4 && parts[3] == "hide" && r.Method == http.MethodPatch {
			payload, err := s.service.RedactWord(r.Context(), parts[2], r.Header.Get("X-Actor-Id"), r.Header.Get("X-Participant-Token"))
			s.respond(w, http.StatusOK, payload, err)
			return
		}
	case "streams":
		s.handleStreams(w, r, parts[2], parts[3:])
		return
	case "admin":
		claims, ok := s.requireRole(w, r, rbac.ActionManage)
		if !ok {
			return
		}
		s.handleAdmin(w, r, claims, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"presence": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if err := s.service.PingPresence(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["presence"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request, sessionID string, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		payload, err := s.service.GetSession(r.Context(), sessionID)
		s.respond(w, http.StatusOK, payload, err)
		return
	}
	if len(rest) == 2 && rest[0] == "poem" && rest[1] == "history" && r.Method == http.MethodGet {
		payload, err := s.service.PoemHistory(r.Context(), sessionID)
		s.respond(w, http.StatusOK, payload, err)
		return
	}
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case rest[0] == "words" && r.Method == http.MethodGet:
		payload, err := s.service.ListWords(r.Context(), sessionID)
		s.respond(w, http.StatusOK, payload, err)
	case rest[0] == "presence" && r.Method == http.MethodGet:
		payload, err := s.service.Presence(r.Context(), sessionID)
		s.respond(w, http.StatusOK, payload, err)
	case rest[0] == "live" && r.Method == http.MethodGet:
		s.handleLive(w, r, sessionID)
	case rest[0] == "state" && r.Method == http.MethodPatch:
		claims, ok := s.requireRole(w, r, rbac.ActionManage)
		if !ok {
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SetSessionStatus(r.Context(), sessionID, body.Status, claims.Email)
		s.respond(w, http.StatusOK, payload, err)
	case rest[0] == "publish" && r.Method == http.MethodPost:
		claims, ok := s.requireRole(w, r, rbac.ActionPublish)
		if !ok {
			return
		}
		var body PublishInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.PublishSession(r.Context(), sessionID, body, claims.Email)
		s.respond(w, http.StatusCreated, payload, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request, slug string, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		limit, ok := queryInt(w, r, "limit")
		if !ok {
			return
		}
		payload, err := s.service.StreamPage(r.Context(), slug, limit, r.URL.Query().Get("cursor"))
		s.respond(w, http.StatusOK, payload, err)
		return
	}
	if len(rest) == 1 && rest[0] == "join" && r.Method == http.MethodPost {
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.JoinStream(r.Context(), slug, body.Email)
		s.respond(w, http.StatusCreated, payload, err)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleAdmin serves /api/admin/...; the caller is already an administrator.
func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, claims auth.Claims, parts []string) {
	if len(parts) == 1 && parts[0] == "sessions" && r.Method == http.MethodGet {
		limit, ok := queryInt(w, r, "limit")
		if !ok {
			return
		}
		payload, err := s.service.ListAdminSessions(r.Context(), r.URL.Query().Get("status"), limit)
		s.respond(w, http.StatusOK, payload, err)
		return
	}
	if len(parts) == 0 || parts[0] != "streams" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			limit, ok := queryInt(w, r, "limit")
			if !ok {
				return
			}
			payload, err := s.service.ListStreams(r.Context(), limit, r.URL.Query().Get("cursor"))
			s.respond(w, http.StatusOK, payload, err)
		case http.MethodPost:
			var body StreamInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateStream(r.Context(), body)
			if err == nil {
				s.logger.Info("stream created by admin", "admin", claims.Email)
			}
			s.respond(w, http.StatusCreated, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 2 && parts[1] == "validate" && r.Method == http.MethodPost {
		var body StreamInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ValidateStream(r.Context(), body)
		s.respond(w, http.StatusOK, payload, err)
		return
	}

	if len(parts) == 2 {
		streamID := parts[1]
		switch r.Method {
		case http.MethodPatch:
			var body StreamPatchInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateStream(r.Context(), streamID, body)
			s.respond(w, http.StatusOK, payload, err)
		case http.MethodDelete:
			err := s.service.DeleteStream(r.Context(), streamID)
			s.respond(w, http.StatusOK, map[string]any{"message": "Stream deleted"}, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// requireRole resolves the caller and checks it may perform action. No
// credentials is 401; valid credentials without the right is 403.
func (s *HTTPServer) requireRole(w http.ResponseWriter, r *http.Request, action rbac.Action) (auth.Claims, bool) {
	role, claims, err := s.service.Authorize(r.Header.Get("Authorization"))
	if err != nil {
		status, code, message, details := mapError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("authorize request failed", "error", err)
		}
		writeError(w, status, code, message, details)
		return auth.Claims{}, false
	}
	if !s.service.Can(role, action) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Claims{}, false
	}
	return claims, true
}

// respond writes payload on success and the mapped error otherwise.
func (s *HTTPServer) respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("request failed", "error", err)
		}
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.RandomHex(8)
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setResponseHeaders(writer.Header())
		writer.Header().Set("X-Request-ID", requestID)

		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					"request_id", requestID,
					"error", rec,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				writeError(writer, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
			}
			s.logger.Info("request",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", writer.status,
				"duration_ms", time.Since(started).Milliseconds(),
			)
		}()

		next.ServeHTTP(writer, r)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func setResponseHeaders(header http.Header) {
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// queryInt reads an optional integer query parameter, answering 422 itself
// when it is malformed.
func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", key+" must be an integer", nil)
		return 0, false
	}
	return parsed, true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrNotAdmin) {
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrMissingToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, presence.ErrAtCapacity) {
		return http.StatusConflict, "AT_CAPACITY", "Session is full", nil
	}
	if errors.Is(err, presence.ErrNotPresent) {
		return http.StatusForbidden, "NOT_PRESENT", "Join the live session before redacting", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
