package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrSlugTaken = errors.New("slug already taken")
	ErrNoPoem    = errors.New("session has no poem")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sessionColumns = `id, title, status, starts_at, ends_at, duration_minutes, source_id, stream_id,
	feed_item_guid, feed_item_published_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var item Session
	err := row.Scan(
		&item.ID, &item.Title, &item.Status, &item.StartsAt, &item.EndsAt, &item.DurationMinutes,
		&item.SourceID, &item.StreamID, &item.FeedItemGUID, &item.FeedItemPublishedAt,
		&item.CreatedAt, &item.UpdatedAt,
	)
	return item, err
}

// CreateSession writes a session draft atomically. It returns false without
// error when the draft duplicates an already spawned feed item.
func (s *PostgresStore) CreateSession(ctx context.Context, draft SessionDraft) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin create session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	src := draft.Source
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO source_texts (id, title, body, content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, src.ID, src.Title, src.Body, src.ContentHash, src.CreatedAt); err != nil {
		return false, fmt.Errorf("insert source text: %w", err)
	}

	ses := draft.Session
	result, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, title, status, starts_at, ends_at, duration_minutes, source_id, stream_id,
			feed_item_guid, feed_item_published_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (stream_id, feed_item_guid, feed_item_published_at) WHERE feed_item_guid IS NOT NULL DO NOTHING
	`, ses.ID, ses.Title, ses.Status, ses.StartsAt, ses.EndsAt, ses.DurationMinutes, ses.SourceID, ses.StreamID,
		ses.FeedItemGUID, ses.FeedItemPublishedAt, ses.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert session rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	wordStmt, err := tx.PrepareContext(ctx, `INSERT INTO words (id, session_id, idx, text) VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return false, fmt.Errorf("prepare word insert: %w", err)
	}
	defer wordStmt.Close()
	for _, word := range draft.Words {
		if _, err := wordStmt.ExecContext(ctx, word.ID, ses.ID, word.Index, word.Text); err != nil {
			return false, fmt.Errorf("insert word %d: %w", word.Index, err)
		}
	}

	for _, invite := range draft.Invites {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invites (id, session_id, email, token, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (session_id, email) DO NOTHING
		`, invite.ID, ses.ID, invite.Email, invite.Token, invite.Status, invite.CreatedAt); err != nil {
			return false, fmt.Errorf("insert invite: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit create session: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, sessionID)
	return scanSession(row)
}

func (s *PostgresStore) GetSourceText(ctx context.Context, sourceID string) (SourceText, error) {
	var src SourceText
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, body, content_hash, created_at FROM source_texts WHERE id=$1
	`, sourceID).Scan(&src.ID, &src.Title, &src.Body, &src.ContentHash, &src.CreatedAt)
	return src, err
}

// ListSessions returns the newest sessions first, optionally filtered by status.
func (s *PostgresStore) ListSessions(ctx context.Context, status string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE ($1 = '' OR status = $1)
		ORDER BY starts_at DESC, id DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	defer rows.Close()
	items := make([]Session, 0)
	for rows.Next() {
		item, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateSessionStatus moves a session from one status to another. It reports
// false when the session was no longer in the expected status.
func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, sessionID, from, to string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status=$3, updated_at=NOW() WHERE id=$1 AND status=$2
	`, sessionID, from, to)
	if err != nil {
		return false, fmt.Errorf("update session status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update session status rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ActivateDueSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status='active', updated_at=NOW()
		WHERE status='scheduled' AND starts_at <= $1 AND ends_at > $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("activate sessions: %w", err)
	}
	return result.RowsAffected()
}

func (s *PostgresStore) CloseEndedSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status='closed', updated_at=NOW()
		WHERE status IN ('scheduled', 'active') AND ends_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("close sessions: %w", err)
	}
	return result.RowsAffected()
}

// ListAutoPublishCandidates returns closed sessions without a poem whose
// stream publishes automatically.
func (s *PostgresStore) ListAutoPublishCandidates(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.status, s.starts_at, s.ends_at, s.duration_minutes, s.source_id, s.stream_id,
			s.feed_item_guid, s.feed_item_published_at, s.created_at, s.updated_at
		FROM sessions s
		JOIN feed_streams fs ON fs.id = s.stream_id
		LEFT JOIN published_poems p ON p.session_id = s.id
		WHERE s.status = 'closed' AND fs.auto_publish AND p.id IS NULL
		ORDER BY s.ends_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list auto-publish candidates: %w", err)
	}
	return collectSessions(rows)
}

func (s *PostgresStore) SessionMetrics(ctx context.Context, sessionID string) (SessionMetrics, error) {
	var metrics SessionMetrics
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE hidden) FROM words WHERE session_id=$1
	`, sessionID).Scan(&metrics.TotalWords, &metrics.HiddenWords)
	if err != nil {
		return SessionMetrics{}, fmt.Errorf("session metrics: %w", err)
	}
	metrics.RemainingWords = metrics.TotalWords - metrics.HiddenWords
	return metrics, nil
}

const wordColumns = `id, session_id, idx, text, hidden, hidden_at, actor_id`

func scanWord(row rowScanner) (Word, error) {
	var word Word
	err := row.Scan(&word.ID, &word.SessionID, &word.Index, &word.Text, &word.Hidden, &word.HiddenAt, &word.ActorID)
	return word, err
}

func (s *PostgresStore) ListWords(ctx context.Context, sessionID string) ([]Word, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+wordColumns+` FROM words WHERE session_id=$1 ORDER BY idx ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list words: %w", err)
	}
	defer rows.Close()

	words := make([]Word, 0)
	for rows.Next() {
		word, err := scanWord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan word: %w", err)
		}
		words = append(words, word)
	}
	return words, rows.Err()
}

func (s *PostgresStore) GetWord(ctx context.Context, wordID string) (Word, error) {
	return scanWord(s.db.QueryRowContext(ctx, `SELECT `+wordColumns+` FROM words WHERE id=$1`, wordID))
}

// RedactWord hides a word. The first redaction's timestamp and actor are kept
// on repeated calls, so concurrent redactions converge on one state.
func (s *PostgresStore) RedactWord(ctx context.Context, wordID, actorID string, now time.Time) (Word, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE words
		SET hidden = TRUE,
			hidden_at = COALESCE(hidden_at, $2),
			actor_id = CASE WHEN hidden THEN actor_id ELSE $3 END
		WHERE id = $1
		RETURNING `+wordColumns, wordID, now, actorID)
	word, err := scanWord(row)
	if err != nil {
		return Word{}, fmt.Errorf("redact word: %w", err)
	}
	return word, nil
}

func (s *PostgresStore) ListInvites(ctx context.Context, sessionID string) ([]Invite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, email, token, status, created_at, responded_at
		FROM invites WHERE session_id=$1 ORDER BY created_at ASC, email ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	defer rows.Close()

	invites := make([]Invite, 0)
	for rows.Next() {
		var invite Invite
		if err := rows.Scan(&invite.ID, &invite.SessionID, &invite.Email, &invite.Token, &invite.Status, &invite.CreatedAt, &invite.RespondedAt); err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		invites = append(invites, invite)
	}
	return invites, rows.Err()
}

// AcceptInvite marks the invite holding token as accepted. Accepting twice
// keeps the first response time.
func (s *PostgresStore) AcceptInvite(ctx context.Context, sessionID, token string, now time.Time) (Invite, error) {
	var invite Invite
	err := s.db.QueryRowContext(ctx, `
		UPDATE invites
		SET status='accepted', responded_at=COALESCE(responded_at, $3)
		WHERE session_id=$1 AND token=$2
		RETURNING id, session_id, email, token, status, created_at, responded_at
	`, sessionID, token, now).Scan(&invite.ID, &invite.SessionID, &invite.Email, &invite.Token, &invite.Status, &invite.CreatedAt, &invite.RespondedAt)
	if err != nil {
		return Invite{}, fmt.Errorf("accept invite: %w", err)
	}
	return invite, nil
}

// PublishPoem upserts the session's poem and forces the session to published
// in one transaction.
func (s *PostgresStore) PublishPoem(ctx context.Context, poem Poem) (Poem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Poem{}, fmt.Errorf("begin publish tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var saved Poem
	err = tx.QueryRowContext(ctx, `
		INSERT INTO published_poems (id, session_id, title, body, published_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (session_id) DO UPDATE
		SET title=EXCLUDED.title, body=EXCLUDED.body, published_at=EXCLUDED.published_at, updated_at=NOW()
		RETURNING id, session_id, title, body, published_at, created_at, updated_at
	`, poem.ID, poem.SessionID, poem.Title, poem.Body, poem.PublishedAt).Scan(
		&saved.ID, &saved.SessionID, &saved.Title, &saved.Body, &saved.PublishedAt, &saved.CreatedAt, &saved.UpdatedAt,
	)
	if err != nil {
		return Poem{}, fmt.Errorf("upsert poem: %w", err)
	}

	result, err := tx.ExecContext(ctx, `UPDATE sessions SET status='published', updated_at=NOW() WHERE id=$1`, poem.SessionID)
	if err != nil {
		return Poem{}, fmt.Errorf("mark session published: %w", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return Poem{}, fmt.Errorf("mark session published rows affected: %w", err)
	} else if affected == 0 {
		return Poem{}, sql.ErrNoRows
	}

	if err := tx.Commit(); err != nil {
		return Poem{}, fmt.Errorf("commit publish: %w", err)
	}
	return saved, nil
}

// GetPoemBySession returns nil when the session has not been published.
func (s *PostgresStore) GetPoemBySession(ctx context.Context, sessionID string) (*Poem, error) {
	var poem Poem
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, title, body, published_at, created_at, updated_at
		FROM published_poems WHERE session_id=$1
	`, sessionID).Scan(&poem.ID, &poem.SessionID, &poem.Title, &poem.Body, &poem.PublishedAt, &poem.CreatedAt, &poem.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get poem: %w", err)
	}
	return &poem, nil
}

func (s *PostgresStore) ListPoems(ctx context.Context, limit int) ([]PoemListItem, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.session_id, p.title, p.body, p.published_at, p.created_at, p.updated_at, s.title, fs.slug
		FROM published_poems p
		JOIN sessions s ON s.id = p.session_id
		LEFT JOIN feed_streams fs ON fs.id = s.stream_id
		ORDER BY p.published_at DESC, p.id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list poems: %w", err)
	}
	defer rows.Close()

	items := make([]PoemListItem, 0)
	for rows.Next() {
		var item PoemListItem
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Title, &item.Body, &item.PublishedAt, &item.CreatedAt, &item.UpdatedAt, &item.SessionTitle, &item.StreamSlug); err != nil {
			return nil, fmt.Errorf("scan poem: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListStreamPoems pages through a stream's poems, newest first.
func (s *PostgresStore) ListStreamPoems(ctx context.Context, streamID string, cursor *PageCursor, limit int) ([]Poem, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT p.id, p.session_id, p.title, p.body, p.published_at, p.created_at, p.updated_at
			FROM published_poems p JOIN sessions s ON s.id = p.session_id
			WHERE s.stream_id = $1
			ORDER BY p.published_at DESC, p.id DESC
			LIMIT $2
		`, streamID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT p.id, p.session_id, p.title, p.body, p.published_at, p.created_at, p.updated_at
			FROM published_poems p JOIN sessions s ON s.id = p.session_id
			WHERE s.stream_id = $1 AND (p.published_at, p.id) < ($2, $3)
			ORDER BY p.published_at DESC, p.id DESC
			LIMIT $4
		`, streamID, cursor.At, cursor.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list stream poems: %w", err)
	}
	defer rows.Close()

	poems := make([]Poem, 0)
	for rows.Next() {
		var poem Poem
		if err := rows.Scan(&poem.ID, &poem.SessionID, &poem.Title, &poem.Body, &poem.PublishedAt, &poem.CreatedAt, &poem.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stream poem: %w", err)
		}
		poems = append(poems, poem)
	}
	return poems, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
