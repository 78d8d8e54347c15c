// Package presence tracks who is connected to a session's live channel,
// enforces the per-session participant cap, and fans out word updates.
//
// Membership is advisory: entries expire when their heartbeat is older than
// the configured TTL, so an abrupt disconnect is reclaimed eventually.
package presence

import (
	"context"
	"errors"
	"time"
)

const DefaultTTL = 45 * time.Second

var (
	ErrAtCapacity = errors.New("session is at capacity")
	ErrNotPresent = errors.New("participant is not present")
)

// WordUpdate is broadcast after a word is redacted.
type WordUpdate struct {
	SessionID string    `json:"sessionId"`
	WordID    string    `json:"id"`
	Hidden    bool      `json:"hidden"`
	HiddenAt  time.Time `json:"hiddenAt"`
}

// Coordinator is implemented by RedisCoordinator and Hub.
type Coordinator interface {
	// Join registers token in the session's channel. capacity <= 0 means
	// no cap. A token already present may always rejoin.
	Join(ctx context.Context, sessionID, token string, capacity int) error
	Heartbeat(ctx context.Context, sessionID, token string) error
	Leave(ctx context.Context, sessionID, token string) error
	Count(ctx context.Context, sessionID string) (int, error)
	Present(ctx context.Context, sessionID, token string) (bool, error)
	Publish(ctx context.Context, update WordUpdate) error
	// Subscribe delivers updates for sessionID until the returned func is
	// called. Slow receivers may miss updates.
	Subscribe(ctx context.Context, sessionID string) (<-chan WordUpdate, func(), error)
	Ping(ctx context.Context) error
}
