package app

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"blackout/api/internal/auth"
	"blackout/api/internal/store"
)

const testAdminSecret = "test-secret"

func newTestServer(fs *fakeStore) (*HTTPServer, *Service) {
	svc := newTestService(fs)
	svc.gate = auth.NewAdminGate(auth.NewHMACVerifier([]byte(testAdminSecret)), []string{"admin@example.com"})
	return NewHTTPServer(svc, []string{"*"}, svc.logger), svc
}

func bearer(t *testing.T, email string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testAdminSecret), email, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return "Bearer " + token
}

func serve(server *HTTPServer, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func TestHealthAndReady(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	rr := serve(server, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health status = %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}

	rr = serve(server, http.MethodGet, "/api/ready", "", map[string]string{"X-Request-ID": "req-42"})
	if rr.Code != http.StatusOK {
		t.Fatalf("ready status = %d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") != "req-42" {
		t.Fatalf("request id not echoed: %q", rr.Header().Get("X-Request-ID"))
	}
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	server, _ := newTestServer(&fakeStore{pingFn: func(context.Context) error { return errors.New("connection refused") }})

	rr := serve(server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	payload := decodeResponse(t, rr)
	if payload["status"] != "not_ready" {
		t.Fatalf("payload = %v", payload)
	}
	database := payload["checks"].(map[string]any)["database"].(map[string]any)
	if database["status"] != "error" {
		t.Fatalf("database check = %v", database)
	}
}

func TestCreateSessionRequiresAdmin(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})
	body := `{"title":"Morning Tide","startsAt":"2026-05-04T13:00:00Z","durationMinutes":30,
		"source":{"title":"The Harbor","body":"the harbor empties slowly as the gulls argue over what the fishermen left behind"}}`

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"no credentials", "", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"not on allow-list", bearer(t, "someone@example.com"), http.StatusForbidden},
		{"admin", bearer(t, "Admin@Example.com"), http.StatusCreated},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			headers := map[string]string{}
			if tc.header != "" {
				headers["Authorization"] = tc.header
			}
			rr := serve(server, http.MethodPost, "/api/sessions", body, headers)
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d body=%s", rr.Code, tc.status, rr.Body.String())
			}
		})
	}
}

func TestCreateSessionValidationResponse(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})
	rr := serve(server, http.MethodPost, "/api/sessions", `{"title":"x","durationMinutes":90}`,
		map[string]string{"Authorization": bearer(t, "admin@example.com")})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("code = %v", payload["code"])
	}
	fields := payload["details"].(map[string]any)["fields"].(map[string]any)
	for _, field := range []string{"title", "startsAt", "durationMinutes", "source.title", "source.body"} {
		if _, ok := fields[field]; !ok {
			t.Errorf("missing field error %q in %v", field, fields)
		}
	}
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})
	rr := serve(server, http.MethodPost, "/api/invites/accept", `{"sessionId":`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestRedactEndpoint(t *testing.T) {
	hiddenAt := testNow
	fs := &fakeStore{
		getWordFn: func(context.Context, string) (store.Word, error) {
			return store.Word{ID: "wrd_1", SessionID: "ses_1", Text: "harbor"}, nil
		},
		getSessionFn: func(context.Context, string) (store.Session, error) { return activeSession(nil), nil },
		redactWordFn: func(_ context.Context, wordID, actorID string, _ time.Time) (store.Word, error) {
			return store.Word{ID: wordID, SessionID: "ses_1", Text: "harbor", Hidden: true, HiddenAt: &hiddenAt, ActorID: &actorID}, nil
		},
	}
	server, _ := newTestServer(fs)

	rr := serve(server, http.MethodPatch, "/api/words/wrd_1/hide", "", map[string]string{"X-Actor-Id": "ada"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	word := decodeResponse(t, rr)["word"].(map[string]any)
	if word["actorId"] != "ada" || word["hidden"] != true {
		t.Fatalf("word = %v", word)
	}

	fs.getWordFn = nil
	rr = serve(server, http.MethodPatch, "/api/words/missing/hide", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing word status = %d", rr.Code)
	}
}

func TestStateEndpointPublishesClosedSession(t *testing.T) {
	status := "closed"
	fs := &fakeStore{
		getSessionFn: func(context.Context, string) (store.Session, error) {
			session := activeSession(nil)
			session.Status = status
			return session, nil
		},
		listWordsFn: func(context.Context, string) ([]store.Word, error) {
			return []store.Word{{Index: 0, Text: "low"}, {Index: 1, Text: "tide"}}, nil
		},
	}
	server, _ := newTestServer(fs)
	headers := map[string]string{"Authorization": bearer(t, "admin@example.com")}

	rr := serve(server, http.MethodPatch, "/api/sessions/ses_1/state", `{"status":"published"}`, headers)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	poem := decodeResponse(t, rr)["poem"].(map[string]any)
	if poem["body"] != "low tide" {
		t.Fatalf("poem = %v", poem)
	}

	status = "active"
	rr = serve(server, http.MethodPatch, "/api/sessions/ses_1/state", `{"status":"published"}`, headers)
	if rr.Code != http.StatusConflict {
		t.Fatalf("active status = %d body=%s", rr.Code, rr.Body.String())
	}
	if code := decodeResponse(t, rr)["code"]; code != "INVALID_TRANSITION" {
		t.Fatalf("code = %v", code)
	}
}

func TestAdminRoutesAreGated(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})
	for _, path := range []string{"/api/admin/sessions", "/api/admin/streams"} {
		if rr := serve(server, http.MethodGet, path, "", nil); rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: %d", path, rr.Code)
		}
		rr := serve(server, http.MethodGet, path, "", map[string]string{"Authorization": bearer(t, "admin@example.com")})
		if rr.Code != http.StatusOK {
			t.Fatalf("%s as admin: %d body=%s", path, rr.Code, rr.Body.String())
		}
	}
}

func TestDeleteMissingStream(t *testing.T) {
	fs := &fakeStore{deleteStreamFn: func(context.Context, string) error { return sql.ErrNoRows }}
	server, _ := newTestServer(fs)
	rr := serve(server, http.MethodDelete, "/api/admin/streams/str_x", "", map[string]string{"Authorization": bearer(t, "admin@example.com")})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestQueryIntRejectsGarbage(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})
	rr := serve(server, http.MethodGet, "/api/poems?limit=ten", "", nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})
	if rr := serve(server, http.MethodGet, "/api/poems/search?q=%20", "", nil); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blank query status = %d", rr.Code)
	}
	rr := serve(server, http.MethodGet, "/api/poems/search?q=harbor", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})
	if rr := serve(server, http.MethodGet, "/api/nothing/here", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func cappedSessionStore(capacity int) *fakeStore {
	streamID := "str_1"
	return &fakeStore{
		getSessionFn: func(context.Context, string) (store.Session, error) { return activeSession(&streamID), nil },
		getStreamFn: func(context.Context, string) (store.Stream, error) {
			return store.Stream{ID: streamID, MaxParticipants: capacity}, nil
		},
	}
}

func TestLiveRejectsWhenFull(t *testing.T) {
	server, svc := newTestServer(cappedSessionStore(1))
	if err := svc.presence.Join(context.Background(), "ses_1", "someone-else", 1); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	rr := serve(server, http.MethodGet, "/api/sessions/ses_1/live?token=late", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "event: capacity") {
		t.Fatalf("expected capacity event, got %q", rr.Body.String())
	}
}

func TestLiveRefusesInactiveSessions(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*store.Session)
		phase string
	}{
		{"scheduled", func(s *store.Session) { s.Status = "scheduled"; s.StartsAt = testNow.Add(time.Hour) }, "scheduled"},
		{"closed", func(s *store.Session) { s.Status = "closed" }, "closed"},
		{"published", func(s *store.Session) { s.Status = "published" }, "published"},
		{"active past its end", func(s *store.Session) { s.EndsAt = testNow.Add(-time.Minute) }, "closed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs := cappedSessionStore(2)
			fs.getSessionFn = func(context.Context, string) (store.Session, error) {
				streamID := "str_1"
				session := activeSession(&streamID)
				tc.edit(&session)
				return session, nil
			}
			server, svc := newTestServer(fs)

			rr := serve(server, http.MethodGet, "/api/sessions/ses_1/live?token=tok-1", "", nil)
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d", rr.Code)
			}
			body := rr.Body.String()
			if !strings.Contains(body, "event: closed") || !strings.Contains(body, `"phase":"`+tc.phase+`"`) {
				t.Fatalf("expected closed event, got %q", body)
			}
			if present, _ := svc.presence.Present(context.Background(), "ses_1", "tok-1"); present {
				t.Fatal("inactive session must not hold a presence slot")
			}
		})
	}
}

func TestLiveStreamsWordUpdates(t *testing.T) {
	server, svc := newTestServer(cappedSessionStore(3))
	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpServer.URL+"/api/sessions/ses_1/live?token=tok-1", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("live request error = %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		t.Helper()
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				return event, data
			}
		}
	}

	if event, data := readEvent(); event != "ready" || !strings.Contains(data, `"token":"tok-1"`) {
		t.Fatalf("first event = %s %s", event, data)
	}
	present, err := svc.presence.Present(ctx, "ses_1", "tok-1")
	if err != nil || !present {
		t.Fatalf("expected live token to hold a slot: %v %v", present, err)
	}

	hiddenAt := testNow
	svc.store.(*fakeStore).getWordFn = func(context.Context, string) (store.Word, error) {
		return store.Word{ID: "wrd_7", SessionID: "ses_1"}, nil
	}
	svc.store.(*fakeStore).redactWordFn = func(_ context.Context, wordID, actorID string, _ time.Time) (store.Word, error) {
		return store.Word{ID: wordID, SessionID: "ses_1", Hidden: true, HiddenAt: &hiddenAt, ActorID: &actorID}, nil
	}
	if _, err := svc.RedactWord(ctx, "wrd_7", "ada", "tok-1"); err != nil {
		t.Fatalf("RedactWord() error = %v", err)
	}

	event, data := readEvent()
	if event != "word" || !strings.Contains(data, `"id":"wrd_7"`) {
		t.Fatalf("second event = %s %s", event, data)
	}
}
