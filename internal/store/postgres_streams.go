package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const streamColumns = `id, title, slug, feed_url, min_participants, max_participants, duration_minutes,
	time_of_day, auto_publish, content_paths, last_item_guid, last_item_published_at, created_at, updated_at`

func scanStream(row rowScanner) (Stream, error) {
	var (
		item      Stream
		pathsJSON []byte
	)
	err := row.Scan(
		&item.ID, &item.Title, &item.Slug, &item.FeedURL, &item.MinParticipants, &item.MaxParticipants,
		&item.DurationMinutes, &item.TimeOfDay, &item.AutoPublish, &pathsJSON, &item.LastItemGUID,
		&item.LastItemPublishedAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Stream{}, err
	}
	if len(pathsJSON) > 0 {
		if err := json.Unmarshal(pathsJSON, &item.ContentPaths); err != nil {
			return Stream{}, fmt.Errorf("decode content paths: %w", err)
		}
	}
	return item, nil
}

func collectStreams(rows *sql.Rows) ([]Stream, error) {
	defer rows.Close()
	items := make([]Stream, 0)
	for rows.Next() {
		item, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func encodePaths(paths []string) ([]byte, error) {
	if paths == nil {
		paths = []string{}
	}
	return json.Marshal(paths)
}

// ListStreams returns every stream in creation order; the spawner polls them all.
func (s *PostgresStore) ListStreams(ctx context.Context) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+streamColumns+` FROM feed_streams ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	return collectStreams(rows)
}

// ListStreamsPage returns up to limit streams, newest first, after cursor.
func (s *PostgresStore) ListStreamsPage(ctx context.Context, cursor *PageCursor, limit int) ([]Stream, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+streamColumns+` FROM feed_streams ORDER BY created_at DESC, id DESC LIMIT $1
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+streamColumns+` FROM feed_streams
			WHERE (created_at, id) < ($1, $2)
			ORDER BY created_at DESC, id DESC LIMIT $3
		`, cursor.At, cursor.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list streams page: %w", err)
	}
	return collectStreams(rows)
}

func (s *PostgresStore) GetStream(ctx context.Context, streamID string) (Stream, error) {
	return scanStream(s.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM feed_streams WHERE id=$1`, streamID))
}

func (s *PostgresStore) GetStreamBySlug(ctx context.Context, slug string) (Stream, error) {
	return scanStream(s.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM feed_streams WHERE slug=$1`, slug))
}

func (s *PostgresStore) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM feed_streams WHERE slug=$1)`, slug).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check slug: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreateStream(ctx context.Context, stream Stream) error {
	paths, err := encodePaths(stream.ContentPaths)
	if err != nil {
		return fmt.Errorf("encode content paths: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feed_streams (id, title, slug, feed_url, min_participants, max_participants, duration_minutes,
			time_of_day, auto_publish, content_paths, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, stream.ID, stream.Title, stream.Slug, stream.FeedURL, stream.MinParticipants, stream.MaxParticipants,
		stream.DurationMinutes, stream.TimeOfDay, stream.AutoPublish, paths, stream.CreatedAt)
	if isUniqueViolation(err) {
		return ErrSlugTaken
	}
	if err != nil {
		return fmt.Errorf("insert stream: %w", err)
	}
	return nil
}

// UpdateStream writes a fully merged stream. Cursor columns are never touched here.
func (s *PostgresStore) UpdateStream(ctx context.Context, stream Stream) error {
	paths, err := encodePaths(stream.ContentPaths)
	if err != nil {
		return fmt.Errorf("encode content paths: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE feed_streams
		SET title=$2, feed_url=$3, min_participants=$4, max_participants=$5, duration_minutes=$6,
			time_of_day=$7, auto_publish=$8, content_paths=$9, updated_at=NOW()
		WHERE id=$1
	`, stream.ID, stream.Title, stream.FeedURL, stream.MinParticipants, stream.MaxParticipants,
		stream.DurationMinutes, stream.TimeOfDay, stream.AutoPublish, paths)
	if err != nil {
		return fmt.Errorf("update stream: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update stream rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteStream removes collaborators, detaches sessions and deletes the
// stream in one transaction.
func (s *PostgresStore) DeleteStream(ctx context.Context, streamID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete stream tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM stream_collaborators WHERE stream_id=$1`, streamID); err != nil {
		return fmt.Errorf("delete collaborators: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET stream_id=NULL, updated_at=NOW() WHERE stream_id=$1`, streamID); err != nil {
		return fmt.Errorf("detach sessions: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM feed_streams WHERE id=$1`, streamID)
	if err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete stream rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete stream: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, streamID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_id, email, created_at FROM stream_collaborators
		WHERE stream_id=$1 ORDER BY created_at ASC, email ASC
	`, streamID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		var item Collaborator
		if err := rows.Scan(&item.ID, &item.StreamID, &item.Email, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// AddCollaborator upserts by (stream, email) and returns the stored row.
func (s *PostgresStore) AddCollaborator(ctx context.Context, item Collaborator) (Collaborator, error) {
	var saved Collaborator
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO stream_collaborators (id, stream_id, email, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (stream_id, email) DO UPDATE SET email=EXCLUDED.email
		RETURNING id, stream_id, email, created_at
	`, item.ID, item.StreamID, item.Email, item.CreatedAt).Scan(&saved.ID, &saved.StreamID, &saved.Email, &saved.CreatedAt)
	if err != nil {
		return Collaborator{}, fmt.Errorf("upsert collaborator: %w", err)
	}
	return saved, nil
}

// AdvanceStreamCursor moves the stream's cursor forward. A cursor is never
// moved backwards; false is returned when the update was refused.
func (s *PostgresStore) AdvanceStreamCursor(ctx context.Context, streamID, guid string, publishedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE feed_streams
		SET last_item_guid=$2, last_item_published_at=$3, updated_at=NOW()
		WHERE id=$1 AND (last_item_published_at IS NULL OR last_item_published_at <= $3)
	`, streamID, guid, publishedAt)
	if err != nil {
		return false, fmt.Errorf("advance stream cursor: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance stream cursor rows affected: %w", err)
	}
	return affected > 0, nil
}
