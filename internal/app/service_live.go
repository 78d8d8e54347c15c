package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blackout/api/internal/lifecycle"
	"blackout/api/internal/presence"
)

// LiveClosedError reports a live join for a session outside its active
// window.
type LiveClosedError struct {
	Phase lifecycle.Status
}

func (e *LiveClosedError) Error() string {
	return fmt.Sprintf("session is %s", e.Phase)
}

// JoinLive admits token to the session's live channel and returns the
// session's participant cap. presence.ErrAtCapacity is returned together
// with the cap when the channel is full. Sessions that are not active get a
// *LiveClosedError and no slot.
func (s *Service) JoinLive(ctx context.Context, sessionID, token string) (int, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if phase := lifecycle.PhaseAt(session, s.now()); phase != lifecycle.StatusActive {
		return 0, &LiveClosedError{Phase: phase}
	}
	capacity, err := s.sessionCapacity(ctx, session)
	if err != nil {
		return 0, err
	}
	if err := s.presence.Join(ctx, session.ID, token, capacity); err != nil {
		if errors.Is(err, presence.ErrAtCapacity) {
			return capacity, err
		}
		return capacity, fmt.Errorf("join live channel: %w", err)
	}
	return capacity, nil
}

// RefreshLive extends token's membership. An entry that already expired is
// re-admitted under the same cap.
func (s *Service) RefreshLive(ctx context.Context, sessionID, token string, capacity int) error {
	err := s.presence.Heartbeat(ctx, sessionID, token)
	if errors.Is(err, presence.ErrNotPresent) {
		return s.presence.Join(ctx, sessionID, token, capacity)
	}
	return err
}

func (s *Service) LeaveLive(ctx context.Context, sessionID, token string) error {
	return s.presence.Leave(ctx, sessionID, token)
}

func (s *Service) SubscribeLive(ctx context.Context, sessionID string) (<-chan presence.WordUpdate, func(), error) {
	return s.presence.Subscribe(ctx, sessionID)
}

// liveKeepAlive is how often a live connection refreshes its membership;
// a third of the TTL leaves room for two missed beats.
func (s *Service) liveKeepAlive() time.Duration {
	ttl := s.cfg.PresenceTTL
	if ttl <= 0 {
		ttl = presence.DefaultTTL
	}
	return ttl / 3
}
