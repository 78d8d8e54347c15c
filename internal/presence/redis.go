package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCoordinator keeps one sorted set per session, scored by the
// participant's last heartbeat in unix milliseconds, and relays word updates
// over Redis Pub/Sub so every API instance sees them.
type RedisCoordinator struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisCoordinator connects to redisURL and verifies the connection.
func NewRedisCoordinator(redisURL string, ttl time.Duration) (*RedisCoordinator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisCoordinatorWithClient(client, ttl), nil
}

// NewRedisCoordinatorWithClient wraps an existing client.
func NewRedisCoordinatorWithClient(client *redis.Client, ttl time.Duration) *RedisCoordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCoordinator{
		client: client,
		prefix: "presence:",
		ttl:    ttl,
		now:    time.Now,
	}
}

func (r *RedisCoordinator) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisCoordinator) channel(sessionID string) string {
	return r.prefix + sessionID + ":words"
}

func (r *RedisCoordinator) cutoff() string {
	return strconv.FormatInt(r.now().Add(-r.ttl).UnixMilli(), 10)
}

func (r *RedisCoordinator) touch(ctx context.Context, key, token string) error {
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(r.now().UnixMilli()), Member: token})
	pipe.Expire(ctx, key, 2*r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register presence: %w", err)
	}
	return nil
}

func (r *RedisCoordinator) Join(ctx context.Context, sessionID, token string, capacity int) error {
	key := r.key(sessionID)
	if err := r.client.ZRemRangeByScore(ctx, key, "-inf", "("+r.cutoff()).Err(); err != nil {
		return fmt.Errorf("prune presence: %w", err)
	}

	if capacity > 0 {
		_, err := r.client.ZScore(ctx, key, token).Result()
		switch {
		case errors.Is(err, redis.Nil):
			count, err := r.client.ZCard(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("count presence: %w", err)
			}
			if count >= int64(capacity) {
				return ErrAtCapacity
			}
		case err != nil:
			return fmt.Errorf("lookup presence: %w", err)
		}
	}
	return r.touch(ctx, key, token)
}

func (r *RedisCoordinator) Heartbeat(ctx context.Context, sessionID, token string) error {
	present, err := r.Present(ctx, sessionID, token)
	if err != nil {
		return err
	}
	if !present {
		return ErrNotPresent
	}
	return r.touch(ctx, r.key(sessionID), token)
}

func (r *RedisCoordinator) Leave(ctx context.Context, sessionID, token string) error {
	if err := r.client.ZRem(ctx, r.key(sessionID), token).Err(); err != nil {
		return fmt.Errorf("leave presence: %w", err)
	}
	return nil
}

func (r *RedisCoordinator) Count(ctx context.Context, sessionID string) (int, error) {
	count, err := r.client.ZCount(ctx, r.key(sessionID), r.cutoff(), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count presence: %w", err)
	}
	return int(count), nil
}

func (r *RedisCoordinator) Present(ctx context.Context, sessionID, token string) (bool, error) {
	score, err := r.client.ZScore(ctx, r.key(sessionID), token).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup presence: %w", err)
	}
	return int64(score) >= r.now().Add(-r.ttl).UnixMilli(), nil
}

func (r *RedisCoordinator) Publish(ctx context.Context, update WordUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal word update: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(update.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("publish word update: %w", err)
	}
	return nil
}

func (r *RedisCoordinator) Subscribe(ctx context.Context, sessionID string) (<-chan WordUpdate, func(), error) {
	pubsub := r.client.Subscribe(ctx, r.channel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe word updates: %w", err)
	}

	messages := pubsub.Channel()
	out := make(chan WordUpdate, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range messages {
			var update WordUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				continue
			}
			select {
			case out <- update:
			default:
			}
		}
	}()
	return out, func() { _ = pubsub.Close() }, nil
}

// Close closes the Redis connection
func (r *RedisCoordinator) Close() error {
	return r.client.Close()
}

// Ping checks if Redis is reachable
func (r *RedisCoordinator) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
