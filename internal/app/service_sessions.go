package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"blackout/api/internal/archive"
	"blackout/api/internal/feed"
	"blackout/api/internal/history"
	"blackout/api/internal/invite"
	"blackout/api/internal/ledger"
	"blackout/api/internal/lifecycle"
	"blackout/api/internal/presence"
	"blackout/api/internal/store"
)

const (
	autoPublishAuthor  = "sweeper"
	defaultSessionList = 50
	poemHistoryLimit   = 50
)

type SourceInput struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (in SourceInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Title, validation.Required, validation.RuneLength(3, 0)),
		validation.Field(&in.Body, validation.Required,
			validation.RuneLength(50, 0).Error("source body should include enough text for collaboration")),
	)
}

type CreateSessionInput struct {
	Title           string      `json:"title"`
	StartsAt        string      `json:"startsAt"`
	DurationMinutes int         `json:"durationMinutes"`
	Source          SourceInput `json:"source"`
	InviteEmails    []string    `json:"inviteEmails"`
}

func (in CreateSessionInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Title, validation.Required, validation.RuneLength(3, 0).Error("title must be at least 3 characters")),
		validation.Field(&in.StartsAt, validation.Required, validation.Date(time.RFC3339).Error("must be an RFC3339 timestamp")),
		validation.Field(&in.DurationMinutes, validation.Required, validation.Min(1), validation.Max(60)),
		validation.Field(&in.Source),
		validation.Field(&in.InviteEmails, validation.Length(0, invite.MaxRecipients), validation.Each(validation.By(validEmail))),
	)
}

type PublishInput struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (in PublishInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Title, validation.Required, validation.RuneLength(3, 0)),
		validation.Field(&in.Body, validation.Required, validation.RuneLength(3, 0)),
	)
}

type AcceptInviteInput struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

func validEmail(value any) error {
	raw, _ := value.(string)
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return errors.New("must be a valid email address")
	}
	return nil
}

func (s *Service) CreateSession(ctx context.Context, input CreateSessionInput) (map[string]any, error) {
	input.Title = strings.TrimSpace(input.Title)
	input.StartsAt = strings.TrimSpace(input.StartsAt)
	input.Source.Title = strings.TrimSpace(input.Source.Title)
	input.Source.Body = strings.TrimSpace(input.Source.Body)
	input.InviteEmails = invite.NormalizeEmails(input.InviteEmails)
	if err := input.Validate(); err != nil {
		return nil, validationFailed(err)
	}
	startsAt, err := time.Parse(time.RFC3339, input.StartsAt)
	if err != nil {
		return nil, fieldError("startsAt", "must be an RFC3339 timestamp")
	}

	now := s.now()
	draft, err := s.draftSession(input.Title, startsAt, input.DurationMinutes, input.Source.Title, input.Source.Body, input.InviteEmails, now)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.CreateSession(ctx, draft); err != nil {
		return nil, err
	}
	s.dispatchInvites(draft.Session, draft.Invites)

	return map[string]any{
		"sessionId":   draft.Session.ID,
		"inviteCount": len(draft.Invites),
		"wordCount":   len(draft.Words),
		"startsAt":    timeString(draft.Session.StartsAt),
		"endsAt":      timeString(draft.Session.EndsAt),
	}, nil
}

// CreateFromFeed spawns a session for one feed item. Duplicate items of the
// same stream are reported as not created.
func (s *Service) CreateFromFeed(ctx context.Context, stream store.Stream, item feed.Item, emails []string, now time.Time) (store.Session, bool, error) {
	startsAt, err := feed.NextStart(item.PublishedAt, stream.TimeOfDay)
	if err != nil {
		return store.Session{}, false, fmt.Errorf("schedule item: %w", err)
	}
	draft, err := s.draftSession(item.Title, startsAt, stream.DurationMinutes, item.Title, item.Content, invite.NormalizeEmails(emails), now)
	if err != nil {
		return store.Session{}, false, err
	}
	streamID := stream.ID
	guid := item.GUID
	published := item.PublishedAt
	draft.Session.StreamID = &streamID
	draft.Session.FeedItemGUID = &guid
	draft.Session.FeedItemPublishedAt = &published

	created, err := s.store.CreateSession(ctx, draft)
	if err != nil {
		return store.Session{}, false, err
	}
	if !created {
		return draft.Session, false, nil
	}
	s.dispatchInvites(draft.Session, draft.Invites)
	return draft.Session, true, nil
}

func (s *Service) draftSession(title string, startsAt time.Time, durationMinutes int, sourceTitle, sourceBody string, emails []string, now time.Time) (store.SessionDraft, error) {
	sessionID := s.newID("ses")
	source := store.SourceText{
		ID:          s.newID("src"),
		Title:       sourceTitle,
		Body:        sourceBody,
		ContentHash: ledger.ContentHash(sourceBody),
		CreatedAt:   now,
	}
	start, end := lifecycle.Window(startsAt, durationMinutes)
	session := store.Session{
		ID:              sessionID,
		Title:           title,
		Status:          string(lifecycle.StatusScheduled),
		StartsAt:        start,
		EndsAt:          end,
		DurationMinutes: durationMinutes,
		SourceID:        source.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	words := ledger.Words(sessionID, ledger.Tokenize(sourceBody), func() string { return s.newID("wrd") })
	invites, err := invite.Issue(sessionID, emails, now, func() string { return s.newID("inv") })
	if err != nil {
		return store.SessionDraft{}, fmt.Errorf("issue invites: %w", err)
	}
	return store.SessionDraft{Session: session, Source: source, Words: words, Invites: invites}, nil
}

func (s *Service) dispatchInvites(session store.Session, invites []store.Invite) {
	if s.invites == nil || len(invites) == 0 {
		return
	}
	s.invites.Dispatch(session, invites)
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (map[string]any, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	source, err := s.store.GetSourceText(ctx, session.SourceID)
	if err != nil {
		return nil, fmt.Errorf("load source: %w", err)
	}
	invites, err := s.store.ListInvites(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	poem, err := s.store.GetPoemBySession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	metrics, err := s.store.SessionMetrics(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	capacity, err := s.sessionCapacity(ctx, session)
	if err != nil {
		return nil, err
	}

	invitePayloads := make([]map[string]any, 0, len(invites))
	for _, item := range invites {
		invitePayloads = append(invitePayloads, invitePayload(item))
	}
	var poemValue any
	if poem != nil {
		poemValue = map[string]any{
			"id":          poem.ID,
			"title":       poem.Title,
			"publishedAt": timeString(poem.PublishedAt),
		}
	}

	payload := sessionPayload(session, s.now())
	payload["source"] = map[string]any{"id": source.ID, "title": source.Title, "contentHash": source.ContentHash}
	payload["invites"] = invitePayloads
	payload["poem"] = poemValue
	payload["capacity"] = capacity
	return map[string]any{
		"session": payload,
		"metrics": map[string]any{
			"totalWords":     metrics.TotalWords,
			"hiddenWords":    metrics.HiddenWords,
			"remainingWords": metrics.RemainingWords,
		},
	}, nil
}

func (s *Service) ListWords(ctx context.Context, sessionID string) (map[string]any, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	words, err := s.store.ListWords(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(words))
	for _, word := range words {
		items = append(items, wordPayload(word))
	}
	return map[string]any{"words": items}, nil
}

// SetSessionStatus applies a manual transition. Moving a closed session to
// published publishes its surviving words under the session title.
func (s *Service) SetSessionStatus(ctx context.Context, sessionID, rawStatus, author string) (map[string]any, error) {
	next, ok := lifecycle.ParseStatus(strings.TrimSpace(rawStatus))
	if !ok {
		return nil, fieldError("status", "must be one of scheduled, active, closed, published")
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	current := lifecycle.Status(session.Status)

	changed, err := lifecycle.CheckTransition(current, next)
	if err != nil {
		return nil, domainError(http.StatusConflict, "INVALID_TRANSITION", err.Error(), map[string]any{
			"from": current,
			"to":   next,
		})
	}
	if changed && next == lifecycle.StatusPublished {
		return s.publishFromLedger(ctx, session, author)
	}
	if changed {
		updated, err := s.store.UpdateSessionStatus(ctx, session.ID, string(current), string(next))
		if err != nil {
			return nil, err
		}
		if !updated {
			return nil, domainError(http.StatusConflict, "INVALID_TRANSITION", "Session status changed concurrently", map[string]any{
				"from": current,
				"to":   next,
			})
		}
		session.Status = string(next)
		s.logger.Info("session status changed", "session_id", session.ID, "from", current, "to", next)
	}
	return map[string]any{"session": sessionPayload(session, s.now())}, nil
}

func (s *Service) publishFromLedger(ctx context.Context, session store.Session, author string) (map[string]any, error) {
	words, err := s.store.ListWords(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	poem, err := s.publish(ctx, session, session.Title, ledger.Assemble(words), now, author, "Publish poem from ledger")
	if err != nil {
		return nil, err
	}
	session.Status = string(lifecycle.StatusPublished)
	return map[string]any{
		"session": sessionPayload(session, now),
		"poem":    poemPayload(poem),
	}, nil
}

func (s *Service) PublishSession(ctx context.Context, sessionID string, input PublishInput, author string) (map[string]any, error) {
	input.Title = strings.TrimSpace(input.Title)
	input.Body = strings.TrimSpace(input.Body)
	if err := input.Validate(); err != nil {
		return nil, validationFailed(err)
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	poem, err := s.publish(ctx, session, input.Title, input.Body, s.now(), author, "Publish poem")
	if err != nil {
		return nil, err
	}
	return map[string]any{"poem": poemPayload(poem)}, nil
}

// PublishPoem is the sweeper's auto-publish path.
func (s *Service) PublishPoem(ctx context.Context, session store.Session, title, body string, now time.Time) (store.Poem, error) {
	return s.publish(ctx, session, title, body, now, autoPublishAuthor, "Auto-publish poem")
}

func (s *Service) publish(ctx context.Context, session store.Session, title, body string, now time.Time, author, message string) (store.Poem, error) {
	poem, err := s.store.PublishPoem(ctx, store.Poem{
		ID:          s.newID("poem"),
		SessionID:   session.ID,
		Title:       title,
		Body:        body,
		PublishedAt: now,
	})
	if err != nil {
		return store.Poem{}, err
	}
	session.Status = string(lifecycle.StatusPublished)
	s.logger.Info("poem published", "session_id", session.ID, "poem_id", poem.ID, "author", author)

	if s.search != nil {
		s.search.IndexPoem(session, poem)
	}
	if s.archive != nil {
		s.archivePoem(ctx, session, poem)
	}
	if s.history != nil {
		rev := history.Revision{Title: poem.Title, Body: poem.Body, PublishedAt: poem.PublishedAt}
		if _, err := s.history.CommitPoem(session.ID, rev, author, message); err != nil {
			s.logError("record poem history failed", err, "session_id", session.ID)
		}
	}
	return poem, nil
}

func (s *Service) archivePoem(ctx context.Context, session store.Session, poem store.Poem) {
	doc := archive.Document{
		PoemID:      poem.ID,
		SessionID:   session.ID,
		Title:       poem.Title,
		Body:        poem.Body,
		PublishedAt: poem.PublishedAt,
	}
	if session.StreamID != nil {
		doc.StreamID = *session.StreamID
	}
	if source, err := s.store.GetSourceText(ctx, session.SourceID); err == nil {
		doc.SourceTitle = source.Title
		doc.SourceHash = source.ContentHash
	}
	if metrics, err := s.store.SessionMetrics(ctx, session.ID); err == nil {
		doc.WordCount = metrics.TotalWords
		doc.HiddenCount = metrics.HiddenWords
	}
	key, err := s.archive.Put(ctx, doc)
	if err != nil {
		s.logError("archive poem failed", err, "session_id", session.ID)
		return
	}
	s.logger.Debug("poem archived", "session_id", session.ID, "key", key)
}

func (s *Service) ListAdminSessions(ctx context.Context, rawStatus string, limit int) (map[string]any, error) {
	status := strings.TrimSpace(rawStatus)
	if status != "" {
		if _, ok := lifecycle.ParseStatus(status); !ok {
			return nil, fieldError("status", "must be one of scheduled, active, closed, published")
		}
	}
	if limit <= 0 || limit > 200 {
		limit = defaultSessionList
	}
	sessions, err := s.store.ListSessions(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	now := s.now()
	items := make([]map[string]any, 0, len(sessions))
	for _, session := range sessions {
		items = append(items, sessionPayload(session, now))
	}
	return map[string]any{"sessions": items}, nil
}

// RedactWord hides a word for actorRaw. The session must be inside its
// active window, and when it has a participant cap the caller's live token
// must be present.
func (s *Service) RedactWord(ctx context.Context, wordID, actorRaw, participantToken string) (map[string]any, error) {
	word, err := s.store.GetWord(ctx, wordID)
	if err != nil {
		return nil, err
	}
	session, err := s.store.GetSession(ctx, word.SessionID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !lifecycle.Editable(session, now) {
		return nil, domainError(http.StatusConflict, "SESSION_NOT_ACTIVE", "Session is not accepting redactions", map[string]any{
			"phase": lifecycle.PhaseAt(session, now),
		})
	}

	capacity, err := s.sessionCapacity(ctx, session)
	if err != nil {
		return nil, err
	}
	if capacity > 0 {
		present := false
		if token := strings.TrimSpace(participantToken); token != "" {
			present, err = s.presence.Present(ctx, session.ID, token)
			if err != nil {
				return nil, fmt.Errorf("check presence: %w", err)
			}
		}
		if !present {
			return nil, domainError(http.StatusForbidden, "NOT_PRESENT", "Join the live session before redacting", nil)
		}
	}

	updated, err := s.store.RedactWord(ctx, wordID, ledger.NormalizeActor(actorRaw), now)
	if err != nil {
		return nil, err
	}
	if !word.Hidden && updated.HiddenAt != nil {
		update := presence.WordUpdate{
			SessionID: updated.SessionID,
			WordID:    updated.ID,
			Hidden:    true,
			HiddenAt:  *updated.HiddenAt,
		}
		if err := s.presence.Publish(ctx, update); err != nil {
			s.logError("publish word update failed", err, "session_id", updated.SessionID, "word_id", updated.ID)
		}
	}
	return map[string]any{"word": wordPayload(updated)}, nil
}

// sessionCapacity is the participant cap inherited from the session's
// stream; 0 means uncapped.
func (s *Service) sessionCapacity(ctx context.Context, session store.Session) (int, error) {
	if session.StreamID == nil {
		return 0, nil
	}
	stream, err := s.store.GetStream(ctx, *session.StreamID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load stream: %w", err)
	}
	return stream.MaxParticipants, nil
}

func (s *Service) Presence(ctx context.Context, sessionID string) (map[string]any, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	capacity, err := s.sessionCapacity(ctx, session)
	if err != nil {
		return nil, err
	}
	count, err := s.presence.Count(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("count presence: %w", err)
	}
	return map[string]any{"count": count, "capacity": capacity}, nil
}

func (s *Service) AcceptInvite(ctx context.Context, input AcceptInviteInput) (map[string]any, error) {
	input.SessionID = strings.TrimSpace(input.SessionID)
	input.Token = strings.TrimSpace(input.Token)
	err := validation.ValidateStruct(&input,
		validation.Field(&input.SessionID, validation.Required),
		validation.Field(&input.Token, validation.Required),
	)
	if err != nil {
		return nil, validationFailed(err)
	}
	accepted, err := s.store.AcceptInvite(ctx, input.SessionID, input.Token, s.now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "INVITE_NOT_FOUND", "Invite not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"invite": invitePayload(accepted)}, nil
}

func (s *Service) PoemHistory(ctx context.Context, sessionID string) (map[string]any, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	commits := []history.Commit{}
	if s.history != nil {
		loaded, err := s.history.History(sessionID, poemHistoryLimit)
		if err != nil {
			return nil, err
		}
		commits = loaded
	}
	return map[string]any{"history": commits}, nil
}

func sessionPayload(session store.Session, now time.Time) map[string]any {
	return map[string]any{
		"id":                  session.ID,
		"title":               session.Title,
		"status":              session.Status,
		"phase":               lifecycle.PhaseAt(session, now),
		"startsAt":            timeString(session.StartsAt),
		"endsAt":              timeString(session.EndsAt),
		"durationMinutes":     session.DurationMinutes,
		"streamId":            optionalString(session.StreamID),
		"feedItemGuid":        optionalString(session.FeedItemGUID),
		"feedItemPublishedAt": optionalTime(session.FeedItemPublishedAt),
		"createdAt":           timeString(session.CreatedAt),
		"updatedAt":           timeString(session.UpdatedAt),
	}
}

func wordPayload(word store.Word) map[string]any {
	return map[string]any{
		"id":        word.ID,
		"sessionId": word.SessionID,
		"index":     word.Index,
		"text":      word.Text,
		"hidden":    word.Hidden,
		"hiddenAt":  optionalTime(word.HiddenAt),
		"actorId":   optionalString(word.ActorID),
	}
}

// invitePayload never includes the token.
func invitePayload(item store.Invite) map[string]any {
	return map[string]any{
		"id":          item.ID,
		"sessionId":   item.SessionID,
		"email":       item.Email,
		"status":      item.Status,
		"createdAt":   timeString(item.CreatedAt),
		"respondedAt": optionalTime(item.RespondedAt),
	}
}

func poemPayload(poem store.Poem) map[string]any {
	return map[string]any{
		"id":          poem.ID,
		"sessionId":   poem.SessionID,
		"title":       poem.Title,
		"body":        poem.Body,
		"publishedAt": timeString(poem.PublishedAt),
	}
}
