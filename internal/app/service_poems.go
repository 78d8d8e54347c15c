package app

import (
	"context"
	"strings"

	"blackout/api/internal/search"
)

const (
	defaultPoemList = 20
	maxPoemList     = 100
)

func (s *Service) ListPoems(ctx context.Context, limit int) (map[string]any, error) {
	if limit <= 0 {
		limit = defaultPoemList
	}
	if limit > maxPoemList {
		limit = maxPoemList
	}
	poems, err := s.store.ListPoems(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(poems))
	for _, poem := range poems {
		payload := poemPayload(poem.Poem)
		payload["sessionTitle"] = poem.SessionTitle
		payload["streamSlug"] = optionalString(poem.StreamSlug)
		items = append(items, payload)
	}
	return map[string]any{"poems": items}, nil
}

func (s *Service) SearchPoems(query search.Query) (search.Response, error) {
	query.Text = strings.TrimSpace(query.Text)
	if query.Text == "" {
		return search.Response{}, fieldError("q", "cannot be blank")
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query.Text}, nil
	}
	return s.search.Search(query), nil
}
