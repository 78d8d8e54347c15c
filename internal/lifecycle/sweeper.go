package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"blackout/api/internal/ledger"
	"blackout/api/internal/store"
)

const DefaultSweepInterval = 60 * time.Second

type SweepStore interface {
	ActivateDueSessions(context.Context, time.Time) (int64, error)
	CloseEndedSessions(context.Context, time.Time) (int64, error)
	ListAutoPublishCandidates(context.Context) ([]store.Session, error)
	ListWords(context.Context, string) ([]store.Word, error)
}

// Publisher creates or replaces a session's poem and marks it published.
type Publisher interface {
	PublishPoem(ctx context.Context, session store.Session, title, body string, now time.Time) (store.Poem, error)
}

type Sweeper struct {
	store     SweepStore
	publisher Publisher
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewSweeper(st SweepStore, publisher Publisher, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     st,
		publisher: publisher,
		interval:  interval,
		logger:    logger.With("component", "sweeper"),
		now:       time.Now,
	}
}

// SweepResult counts what one pass changed.
type SweepResult struct {
	Activated int64
	Closed    int64
	Published int
	Failed    int
}

// SweepOnce runs one pass at now: activate, close, then auto-publish. Each
// step runs even if an earlier one failed.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) SweepResult {
	var result SweepResult

	activated, err := s.store.ActivateDueSessions(ctx, now)
	if err != nil {
		result.Failed++
		s.logger.Error("activate sessions failed", "error", err)
	}
	result.Activated = activated

	closed, err := s.store.CloseEndedSessions(ctx, now)
	if err != nil {
		result.Failed++
		s.logger.Error("close sessions failed", "error", err)
	}
	result.Closed = closed

	candidates, err := s.store.ListAutoPublishCandidates(ctx)
	if err != nil {
		result.Failed++
		s.logger.Error("list auto-publish candidates failed", "error", err)
	}
	for _, session := range candidates {
		if ctx.Err() != nil {
			break
		}
		if err := s.autoPublish(ctx, session, now); err != nil {
			result.Failed++
			s.logger.Error("auto-publish failed", "session_id", session.ID, "error", err)
			continue
		}
		result.Published++
	}

	if result.Activated > 0 || result.Closed > 0 || result.Published > 0 {
		s.logger.Info("sweep changed sessions",
			"now", now.UTC().Format(time.RFC3339),
			"activated", result.Activated,
			"closed", result.Closed,
			"published", result.Published,
		)
	}
	return result
}

func (s *Sweeper) autoPublish(ctx context.Context, session store.Session, now time.Time) error {
	words, err := s.store.ListWords(ctx, session.ID)
	if err != nil {
		return err
	}
	_, err = s.publisher.PublishPoem(ctx, session, session.Title, ledger.Assemble(words), now)
	return err
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started", "interval", s.interval.String())
	s.SweepOnce(ctx, s.now())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx, s.now())
		}
	}
}
