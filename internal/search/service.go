package search

import (
	"context"
	"log/slog"

	"blackout/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili  *Meili
	pgfts  Searcher
	loader *PgFTS
	logger *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{meili: meili, loader: pgfts, logger: logger.With("component", "search")}
	if pgfts != nil {
		s.pgfts = pgfts
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", "error", err)
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.logger.Error("pgfts search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPoem indexes a published poem (fire-and-forget to Meilisearch).
func (s *Service) IndexPoem(session store.Session, poem store.Poem) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := RecordFor(session, poem)
	go func() {
		if err := s.meili.IndexPoem(record); err != nil {
			s.logger.Error("index poem failed", "poem_id", record.ID, "error", err)
		}
	}()
}

// RecordFor builds the index document for poem.
func RecordFor(session store.Session, poem store.Poem) PoemRecord {
	record := PoemRecord{
		ID:          poem.ID,
		SessionID:   poem.SessionID,
		Title:       poem.Title,
		Body:        poem.Body,
		PublishedAt: poem.PublishedAt.Unix(),
	}
	if session.StreamID != nil {
		record.StreamID = *session.StreamID
	}
	return record
}

// ReindexAllFromPG pushes every published poem from PostgreSQL into
// Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.loader == nil {
		return
	}
	poems, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", "error", err)
		return
	}
	if err := s.meili.IndexPoems(poems); err != nil {
		s.logger.Error("reindex poems failed", "error", err)
		return
	}
	s.logger.Info("reindexed poems", "count", len(poems))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
