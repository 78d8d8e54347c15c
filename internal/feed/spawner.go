package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"blackout/api/internal/store"
)

const DefaultPollInterval = 5 * time.Minute

type SpawnStore interface {
	ListStreams(ctx context.Context) ([]store.Stream, error)
	ListCollaborators(ctx context.Context, streamID string) ([]store.Collaborator, error)
	AdvanceStreamCursor(ctx context.Context, streamID, guid string, publishedAt time.Time) (bool, error)
}

// SessionCreator turns one feed item into a session with invites for
// emails. created is false when the stream already has a session for the
// item.
type SessionCreator interface {
	CreateFromFeed(ctx context.Context, stream store.Stream, item Item, emails []string, now time.Time) (session store.Session, created bool, err error)
}

type Spawner struct {
	store    SpawnStore
	fetcher  Fetcher
	creator  SessionCreator
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewSpawner(st SpawnStore, fetcher Fetcher, creator SessionCreator, interval time.Duration, logger *slog.Logger) *Spawner {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{
		store:    st,
		fetcher:  fetcher,
		creator:  creator,
		interval: interval,
		logger:   logger.With("component", "feed_spawner"),
		now:      time.Now,
	}
}

// PollResult counts what one poll did across all streams.
type PollResult struct {
	Streams int
	Created int
	Skipped int
	Failed  int
}

// PollOnce checks every stream once. A stream that fails is logged and
// does not affect the others.
func (s *Spawner) PollOnce(ctx context.Context, now time.Time) PollResult {
	var result PollResult

	streams, err := s.store.ListStreams(ctx)
	if err != nil {
		s.logger.Error("list streams failed", "error", err)
		result.Failed++
		return result
	}
	for _, stream := range streams {
		if ctx.Err() != nil {
			break
		}
		result.Streams++
		created, skipped, err := s.pollStream(ctx, stream, now)
		result.Created += created
		result.Skipped += skipped
		if err != nil {
			result.Failed++
			s.logger.Error("stream poll failed", "stream_id", stream.ID, "feed_url", stream.FeedURL, "error", err)
		}
	}
	return result
}

func (s *Spawner) pollStream(ctx context.Context, stream store.Stream, now time.Time) (created, skipped int, err error) {
	parsed, err := s.fetcher.Fetch(ctx, stream.FeedURL)
	if err != nil {
		return 0, 0, err
	}
	lastGUID := ""
	if stream.LastItemGUID != nil {
		lastGUID = *stream.LastItemGUID
	}
	fresh := SelectNew(Items(parsed, stream.Title, stream.ContentPaths, now), stream.LastItemPublishedAt, lastGUID)
	if len(fresh) == 0 {
		return 0, 0, nil
	}

	collaborators, err := s.store.ListCollaborators(ctx, stream.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("list collaborators: %w", err)
	}
	emails := make([]string, 0, len(collaborators))
	for _, c := range collaborators {
		emails = append(emails, c.Email)
	}

	for _, item := range fresh {
		session, ok, err := s.creator.CreateFromFeed(ctx, stream, item, emails, now)
		if err != nil {
			return created, skipped, fmt.Errorf("create session for %q: %w", item.GUID, err)
		}
		if !ok {
			skipped++
			continue
		}
		created++
		s.logger.Info("session created from feed item",
			"stream_id", stream.ID,
			"session_id", session.ID,
			"item_guid", item.GUID,
			"starts_at", session.StartsAt.UTC().Format(time.RFC3339),
		)
	}

	latest := fresh[len(fresh)-1]
	if _, err := s.store.AdvanceStreamCursor(ctx, stream.ID, latest.GUID, latest.PublishedAt); err != nil {
		return created, skipped, fmt.Errorf("advance cursor: %w", err)
	}
	return created, skipped, nil
}

// Run polls immediately and then on every tick until ctx is cancelled.
func (s *Spawner) Run(ctx context.Context) {
	s.logger.Info("feed spawner started", "interval", s.interval.String())
	s.PollOnce(ctx, s.now())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("feed spawner stopped")
			return
		case <-ticker.C:
			s.PollOnce(ctx, s.now())
		}
	}
}
