// Package postgres implements tgrelay.HistoryStore using PostgreSQL, for
// deployments where several relay instances share one dedup record.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lbj9527/tgrelay"
)

// Store implements tgrelay.HistoryStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ tgrelay.HistoryStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS forwards (
			source BIGINT NOT NULL,
			message_id INTEGER NOT NULL,
			target BIGINT NOT NULL,
			forwarded_at BIGINT NOT NULL,
			PRIMARY KEY (source, message_id, target)
		)`,
		`CREATE TABLE IF NOT EXISTS uploads (
			hash TEXT NOT NULL,
			target BIGINT NOT NULL,
			uploaded_at BIGINT NOT NULL,
			PRIMARY KEY (hash, target)
		)`,
		`CREATE TABLE IF NOT EXISTS downloads (
			source BIGINT NOT NULL,
			message_id INTEGER NOT NULL,
			path TEXT NOT NULL,
			downloaded_at BIGINT NOT NULL,
			PRIMARY KEY (source, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_forwards_range ON forwards(source, message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_target ON uploads(target)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// IsForwarded reports whether message_id has been forwarded from source to
// target.
func (s *Store) IsForwarded(ctx context.Context, source tgrelay.ChannelID, messageID int, target tgrelay.ChannelID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM forwards WHERE source = $1 AND message_id = $2 AND target = $3)`,
		int64(source), messageID, int64(target),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is forwarded: %w", err)
	}
	return exists, nil
}

// MarkForwarded records the forward, idempotently.
func (s *Store) MarkForwarded(ctx context.Context, source tgrelay.ChannelID, messageID int, target tgrelay.ChannelID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO forwards (source, message_id, target, forwarded_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		int64(source), messageID, int64(target), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("mark forwarded: %w", err)
	}
	return nil
}

// UnforwardedInRange returns, ascending, the ids in [startID, endID] not yet
// forwarded from source to every chat in targets.
func (s *Store) UnforwardedInRange(ctx context.Context, source tgrelay.ChannelID, startID, endID int, targets []tgrelay.ChannelID) ([]int, error) {
	if startID > endID || len(targets) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(targets))
	args := []any{int64(source), startID, endID}
	for i, t := range targets {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, int64(t))
	}
	args = append(args, len(targets))

	query := `SELECT message_id FROM forwards
		WHERE source = $1 AND message_id BETWEEN $2 AND $3
		AND target IN (` + strings.Join(placeholders, ",") + `)
		GROUP BY message_id
		HAVING COUNT(DISTINCT target) = $` + fmt.Sprint(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("unforwarded in range: %w", err)
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan message id: %w", err)
		}
		done[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forwards: %w", err)
	}

	pending := make([]int, 0, endID-startID+1-len(done))
	for id := startID; id <= endID; id++ {
		if !done[id] {
			pending = append(pending, id)
		}
	}
	return pending, nil
}

// CountForwardedInRange counts ids in [startID, endID] already forwarded
// from source to target.
func (s *Store) CountForwardedInRange(ctx context.Context, source tgrelay.ChannelID, startID, endID int, target tgrelay.ChannelID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM forwards
		 WHERE source = $1 AND message_id BETWEEN $2 AND $3 AND target = $4`,
		int64(source), startID, endID, int64(target),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count forwarded: %w", err)
	}
	return n, nil
}

// IsUploaded reports whether a file with this sha256 has been uploaded to
// target.
func (s *Store) IsUploaded(ctx context.Context, sha256 string, target tgrelay.ChannelID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM uploads WHERE hash = $1 AND target = $2)`,
		sha256, int64(target),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is uploaded: %w", err)
	}
	return exists, nil
}

// MarkUploaded records the upload fingerprint.
func (s *Store) MarkUploaded(ctx context.Context, sha256 string, target tgrelay.ChannelID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO uploads (hash, target, uploaded_at) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		sha256, int64(target), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	return nil
}

// IsDownloaded reports whether the message's media has been fetched.
func (s *Store) IsDownloaded(ctx context.Context, source tgrelay.ChannelID, messageID int) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM downloads WHERE source = $1 AND message_id = $2)`,
		int64(source), messageID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is downloaded: %w", err)
	}
	return exists, nil
}

// MarkDownloaded records a completed media download and its scratch path.
func (s *Store) MarkDownloaded(ctx context.Context, source tgrelay.ChannelID, messageID int, path string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO downloads (source, message_id, path, downloaded_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (source, message_id) DO UPDATE SET path = $3, downloaded_at = $4`,
		int64(source), messageID, path, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("mark downloaded: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error {
	return nil
}
