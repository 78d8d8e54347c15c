package search

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"blackout/api/internal/store"
)

type stubSearcher struct {
	results []Result
	total   int
	err     error
	last    Query
}

func (s *stubSearcher) Search(q Query) ([]Result, int, error) {
	s.last = q
	return s.results, s.total, s.err
}

func (s *stubSearcher) Healthy() bool { return true }

func quietService(fallback Searcher) *Service {
	return &Service{pgfts: fallback, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestSearchFallsBackWithoutMeili(t *testing.T) {
	fallback := &stubSearcher{results: []Result{{ID: "poem_1", Title: "Tide"}}, total: 1}
	resp := quietService(fallback).Search(Query{Text: "tide", StreamID: "str_1"})

	if resp.Total != 1 || len(resp.Results) != 1 || resp.Query != "tide" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if fallback.last.StreamID != "str_1" {
		t.Fatalf("filter not forwarded: %+v", fallback.last)
	}
}

func TestSearchErrorYieldsEmptyResults(t *testing.T) {
	resp := quietService(&stubSearcher{err: errors.New("boom")}).Search(Query{Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Total != 0 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSearchWithoutBackends(t *testing.T) {
	resp := NewService(nil, nil, nil).Search(Query{Text: "x"})
	if resp.Results == nil {
		t.Fatal("results should be an empty slice, not nil")
	}
}

func TestRecordFor(t *testing.T) {
	streamID := "str_9"
	published := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	record := RecordFor(
		store.Session{ID: "ses_1", StreamID: &streamID},
		store.Poem{ID: "poem_1", SessionID: "ses_1", Title: "T", Body: "a b", PublishedAt: published},
	)
	if record.StreamID != "str_9" || record.PublishedAt != published.Unix() || record.Body != "a b" {
		t.Fatalf("unexpected record %+v", record)
	}
	if got := RecordFor(store.Session{ID: "ses_2"}, store.Poem{ID: "p"}); got.StreamID != "" {
		t.Fatalf("manual session should have no stream, got %q", got.StreamID)
	}
}

func TestClampLimit(t *testing.T) {
	for in, want := range map[int]int{0: 20, -3: 20, 5: 5, 500: 100} {
		if got := clampLimit(in); got != want {
			t.Errorf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
