package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"net/url"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"blackout/api/internal/feed"
	"blackout/api/internal/ledger"
	"blackout/api/internal/lifecycle"
	"blackout/api/internal/store"
)

const (
	defaultStreamPage = 20
	defaultPoemPage   = 10
	maxPage           = 50
)

var slugSeparator = regexp.MustCompile(`[^a-z0-9]+`)

type StreamInput struct {
	Title           string   `json:"title"`
	FeedURL         string   `json:"feedUrl"`
	MinParticipants int      `json:"minParticipants"`
	MaxParticipants int      `json:"maxParticipants"`
	DurationMinutes int      `json:"durationMinutes"`
	TimeOfDay       string   `json:"timeOfDay"`
	AutoPublish     bool     `json:"autoPublish"`
	ContentPaths    []string `json:"contentPaths"`
}

func (in StreamInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Title, validation.Required, validation.RuneLength(3, 0)),
		validation.Field(&in.FeedURL, validation.Required, validation.By(httpURL)),
		validation.Field(&in.MinParticipants, validation.Required, validation.Min(1), validation.Max(1000),
			validation.By(func(any) error {
				if in.MinParticipants > in.MaxParticipants {
					return errors.New("min participants cannot exceed max participants")
				}
				return nil
			})),
		validation.Field(&in.MaxParticipants, validation.Required, validation.Min(1), validation.Max(1000)),
		validation.Field(&in.DurationMinutes, validation.Required, validation.Min(1), validation.Max(180)),
		validation.Field(&in.TimeOfDay, validation.Required,
			validation.Match(feed.TimeOfDayPattern).Error("use HH:MM (24h, e.g. 9:00 or 09:00)")),
		validation.Field(&in.ContentPaths, validation.Each(validation.Required)),
	)
}

func (in *StreamInput) normalize() {
	in.Title = strings.TrimSpace(in.Title)
	in.FeedURL = strings.TrimSpace(in.FeedURL)
	in.TimeOfDay = strings.TrimSpace(in.TimeOfDay)
	paths := make([]string, len(in.ContentPaths))
	for i, path := range in.ContentPaths {
		paths[i] = strings.TrimSpace(path)
	}
	in.ContentPaths = paths
}

// StreamPatchInput is a partial update; absent fields keep their value.
type StreamPatchInput struct {
	Title           *string   `json:"title"`
	FeedURL         *string   `json:"feedUrl"`
	MinParticipants *int      `json:"minParticipants"`
	MaxParticipants *int      `json:"maxParticipants"`
	DurationMinutes *int      `json:"durationMinutes"`
	TimeOfDay       *string   `json:"timeOfDay"`
	AutoPublish     *bool     `json:"autoPublish"`
	ContentPaths    *[]string `json:"contentPaths"`
}

func (p StreamPatchInput) toStorePatch() store.StreamPatch {
	return store.StreamPatch{
		Title:           p.Title,
		FeedURL:         p.FeedURL,
		MinParticipants: p.MinParticipants,
		MaxParticipants: p.MaxParticipants,
		DurationMinutes: p.DurationMinutes,
		TimeOfDay:       p.TimeOfDay,
		AutoPublish:     p.AutoPublish,
		ContentPaths:    p.ContentPaths,
	}
}

func applyPatch(stream store.Stream, patch store.StreamPatch) StreamInput {
	in := streamInput(stream)
	if patch.Title != nil {
		in.Title = *patch.Title
	}
	if patch.FeedURL != nil {
		in.FeedURL = *patch.FeedURL
	}
	if patch.MinParticipants != nil {
		in.MinParticipants = *patch.MinParticipants
	}
	if patch.MaxParticipants != nil {
		in.MaxParticipants = *patch.MaxParticipants
	}
	if patch.DurationMinutes != nil {
		in.DurationMinutes = *patch.DurationMinutes
	}
	if patch.TimeOfDay != nil {
		in.TimeOfDay = *patch.TimeOfDay
	}
	if patch.AutoPublish != nil {
		in.AutoPublish = *patch.AutoPublish
	}
	if patch.ContentPaths != nil {
		in.ContentPaths = *patch.ContentPaths
	}
	return in
}

func streamInput(stream store.Stream) StreamInput {
	return StreamInput{
		Title:           stream.Title,
		FeedURL:         stream.FeedURL,
		MinParticipants: stream.MinParticipants,
		MaxParticipants: stream.MaxParticipants,
		DurationMinutes: stream.DurationMinutes,
		TimeOfDay:       stream.TimeOfDay,
		AutoPublish:     stream.AutoPublish,
		ContentPaths:    stream.ContentPaths,
	}
}

func httpURL(value any) error {
	raw, _ := value.(string)
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return errors.New("must be an http(s) URL")
	}
	return nil
}

// Slugify lowercases title and collapses every run of other characters
// into a single dash.
func Slugify(title string) string {
	slug := slugSeparator.ReplaceAllString(strings.ToLower(strings.TrimSpace(title)), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "stream"
	}
	return slug
}

func (s *Service) uniqueSlug(ctx context.Context, title string) (string, error) {
	base := Slugify(title)
	slug := base
	for suffix := 1; ; suffix++ {
		taken, err := s.store.SlugExists(ctx, slug)
		if err != nil {
			return "", err
		}
		if !taken {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, suffix)
	}
}

func encodeCursor(cursor store.PageCursor) string {
	raw, _ := json.Marshal(cursor)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// decodeCursor returns nil for an empty or unreadable cursor, which
// restarts from the first page.
func decodeCursor(raw string) *store.PageCursor {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return nil
	}
	var cursor store.PageCursor
	if err := json.Unmarshal(decoded, &cursor); err != nil || cursor.ID == "" || cursor.At.IsZero() {
		return nil
	}
	return &cursor
}

func pageLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > maxPage {
		return maxPage
	}
	return limit
}

func (s *Service) ListStreams(ctx context.Context, limit int, rawCursor string) (map[string]any, error) {
	limit = pageLimit(limit, defaultStreamPage)
	cursor := decodeCursor(rawCursor)
	if cursor == nil && strings.TrimSpace(rawCursor) != "" {
		s.logger.Warn("ignoring unreadable stream cursor", "cursor", rawCursor)
	}
	streams, err := s.store.ListStreamsPage(ctx, cursor, limit+1)
	if err != nil {
		return nil, err
	}
	var nextCursor any
	if len(streams) > limit {
		streams = streams[:limit]
		last := streams[len(streams)-1]
		nextCursor = encodeCursor(store.PageCursor{At: last.CreatedAt, ID: last.ID})
	}

	items := make([]map[string]any, 0, len(streams))
	for _, stream := range streams {
		collaborators, err := s.store.ListCollaborators(ctx, stream.ID)
		if err != nil {
			return nil, err
		}
		payload := streamPayload(stream)
		payload["collaboratorCount"] = len(collaborators)
		items = append(items, payload)
	}
	return map[string]any{"streams": items, "nextCursor": nextCursor}, nil
}

func (s *Service) CreateStream(ctx context.Context, input StreamInput) (map[string]any, error) {
	input.normalize()
	if err := input.Validate(); err != nil {
		return nil, validationFailed(err)
	}
	slug, err := s.uniqueSlug(ctx, input.Title)
	if err != nil {
		return nil, err
	}
	now := s.now()
	stream := store.Stream{
		ID:              s.newID("str"),
		Title:           input.Title,
		Slug:            slug,
		FeedURL:         input.FeedURL,
		MinParticipants: input.MinParticipants,
		MaxParticipants: input.MaxParticipants,
		DurationMinutes: input.DurationMinutes,
		TimeOfDay:       input.TimeOfDay,
		AutoPublish:     input.AutoPublish,
		ContentPaths:    input.ContentPaths,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateStream(ctx, stream); err != nil {
		if errors.Is(err, store.ErrSlugTaken) {
			return nil, domainError(http.StatusConflict, "SLUG_TAKEN", "Another stream took this slug, retry", map[string]any{"slug": slug})
		}
		return nil, err
	}
	s.logger.Info("stream created", "stream_id", stream.ID, "slug", stream.Slug)
	return map[string]any{"stream": streamPayload(stream)}, nil
}

func (s *Service) UpdateStream(ctx context.Context, streamID string, patch StreamPatchInput) (map[string]any, error) {
	existing, err := s.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	merged := applyPatch(existing, patch.toStorePatch())
	merged.normalize()
	if err := merged.Validate(); err != nil {
		return nil, validationFailed(err)
	}
	existing.Title = merged.Title
	existing.FeedURL = merged.FeedURL
	existing.MinParticipants = merged.MinParticipants
	existing.MaxParticipants = merged.MaxParticipants
	existing.DurationMinutes = merged.DurationMinutes
	existing.TimeOfDay = merged.TimeOfDay
	existing.AutoPublish = merged.AutoPublish
	existing.ContentPaths = merged.ContentPaths
	existing.UpdatedAt = s.now()
	if err := s.store.UpdateStream(ctx, existing); err != nil {
		return nil, err
	}
	return map[string]any{"stream": streamPayload(existing)}, nil
}

func (s *Service) DeleteStream(ctx context.Context, streamID string) error {
	if err := s.store.DeleteStream(ctx, streamID); err != nil {
		return err
	}
	s.logger.Info("stream deleted", "stream_id", streamID)
	return nil
}

// ValidateStream fetches the feed and previews the session its latest item
// would spawn, plus the item's field tree for choosing content paths.
func (s *Service) ValidateStream(ctx context.Context, input StreamInput) (map[string]any, error) {
	input.normalize()
	if err := input.Validate(); err != nil {
		return nil, validationFailed(err)
	}
	parsed, err := s.fetcher.Fetch(ctx, input.FeedURL)
	if err != nil {
		s.logger.Warn("stream preview fetch failed", "feed_url", input.FeedURL, "error", err)
		return nil, domainError(http.StatusUnprocessableEntity, "FEED_UNAVAILABLE", "Could not read the feed", map[string]any{"feedUrl": input.FeedURL})
	}
	items := feed.Items(parsed, input.Title, input.ContentPaths, s.now())
	if len(items) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "FEED_EMPTY", "Feed has no items with usable content", nil)
	}
	latest := items[len(items)-1]
	next, err := feed.NextStart(latest.PublishedAt, input.TimeOfDay)
	if err != nil {
		return nil, fieldError("timeOfDay", err.Error())
	}
	startsAt, endsAt := lifecycle.Window(next, input.DurationMinutes)

	return map[string]any{
		"preview": map[string]any{
			"sessionTitle":    latest.Title,
			"itemTitle":       latest.Title,
			"itemGuid":        latest.GUID,
			"itemPublishedAt": timeString(latest.PublishedAt),
			"itemCount":       len(items),
			"startsAt":        timeString(startsAt),
			"endsAt":          timeString(endsAt),
			"durationMinutes": input.DurationMinutes,
			"timeOfDay":       input.TimeOfDay,
			"sourceTitle":     latest.Title,
			"sourceBody":      latest.Content,
			"wordCount":       len(ledger.Tokenize(latest.Content)),
			"autoPublish":     input.AutoPublish,
		},
		"tree":          feed.Tree(latest.Raw, "item"),
		"selectedPaths": input.ContentPaths,
	}, nil
}

// StreamPage is the public view of a stream and its published poems.
func (s *Service) StreamPage(ctx context.Context, slug string, limit int, rawCursor string) (map[string]any, error) {
	stream, err := s.store.GetStreamBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	collaborators, err := s.store.ListCollaborators(ctx, stream.ID)
	if err != nil {
		return nil, err
	}
	limit = pageLimit(limit, defaultPoemPage)
	poems, err := s.store.ListStreamPoems(ctx, stream.ID, decodeCursor(rawCursor), limit+1)
	if err != nil {
		return nil, err
	}
	var nextCursor any
	if len(poems) > limit {
		poems = poems[:limit]
		last := poems[len(poems)-1]
		nextCursor = encodeCursor(store.PageCursor{At: last.PublishedAt, ID: last.ID})
	}
	items := make([]map[string]any, 0, len(poems))
	for _, poem := range poems {
		items = append(items, poemPayload(poem))
	}

	payload := streamPayload(stream)
	delete(payload, "contentPaths")
	delete(payload, "lastItemGuid")
	delete(payload, "lastItemPublishedAt")
	payload["collaboratorCount"] = len(collaborators)
	return map[string]any{"stream": payload, "poems": items, "nextCursor": nextCursor}, nil
}

func (s *Service) JoinStream(ctx context.Context, slug, rawEmail string) (map[string]any, error) {
	address := strings.ToLower(strings.TrimSpace(rawEmail))
	if address == "" {
		return nil, fieldError("email", "cannot be blank")
	}
	if parsed, err := mail.ParseAddress(address); err != nil || parsed.Address != address {
		return nil, fieldError("email", "must be a valid email address")
	}
	stream, err := s.store.GetStreamBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	saved, err := s.store.AddCollaborator(ctx, store.Collaborator{
		ID:        s.newID("col"),
		StreamID:  stream.ID,
		Email:     address,
		CreatedAt: s.now(),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"message":      "Joined stream collaborators list",
		"collaborator": map[string]any{"id": saved.ID, "streamId": saved.StreamID, "email": saved.Email},
	}, nil
}

func streamPayload(stream store.Stream) map[string]any {
	paths := stream.ContentPaths
	if paths == nil {
		paths = []string{}
	}
	return map[string]any{
		"id":                  stream.ID,
		"title":               stream.Title,
		"slug":                stream.Slug,
		"feedUrl":             stream.FeedURL,
		"minParticipants":     stream.MinParticipants,
		"maxParticipants":     stream.MaxParticipants,
		"durationMinutes":     stream.DurationMinutes,
		"timeOfDay":           stream.TimeOfDay,
		"autoPublish":         stream.AutoPublish,
		"contentPaths":        paths,
		"lastItemGuid":        optionalString(stream.LastItemGUID),
		"lastItemPublishedAt": optionalTime(stream.LastItemPublishedAt),
		"createdAt":           timeString(stream.CreatedAt),
		"updatedAt":           timeString(stream.UpdatedAt),
	}
}
