// Package sqlite implements tgrelay.HistoryStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lbj9527/tgrelay"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements tgrelay.HistoryStore backed by a local SQLite file.
// Forward, upload and download records accumulate append-only; the engine
// never deletes them.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ tgrelay.HistoryStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS forwards (
			source INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			target INTEGER NOT NULL,
			forwarded_at INTEGER NOT NULL,
			PRIMARY KEY (source, message_id, target)
		)`,
		`CREATE TABLE IF NOT EXISTS uploads (
			hash TEXT NOT NULL,
			target INTEGER NOT NULL,
			uploaded_at INTEGER NOT NULL,
			PRIMARY KEY (hash, target)
		)`,
		`CREATE TABLE IF NOT EXISTS downloads (
			source INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			path TEXT NOT NULL,
			downloaded_at INTEGER NOT NULL,
			PRIMARY KEY (source, message_id)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_forwards_range ON forwards(source, message_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_uploads_target ON uploads(target)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// IsForwarded reports whether message_id has been forwarded from source to
// target.
func (s *Store) IsForwarded(ctx context.Context, source tgrelay.ChannelID, messageID int, target tgrelay.ChannelID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM forwards WHERE source = ? AND message_id = ? AND target = ?`,
		int64(source), messageID, int64(target),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is forwarded: %w", err)
	}
	return n > 0, nil
}

// MarkForwarded records the forward. Re-marking an existing record is a
// no-op, so retried groups stay idempotent.
func (s *Store) MarkForwarded(ctx context.Context, source tgrelay.ChannelID, messageID int, target tgrelay.ChannelID) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO forwards (source, message_id, target, forwarded_at)
		 VALUES (?, ?, ?, ?)`,
		int64(source), messageID, int64(target), time.Now().Unix(),
	)
	if err != nil {
		s.logger.Error("sqlite: mark forwarded failed", "source", int64(source), "message_id", messageID, "error", err)
		return fmt.Errorf("mark forwarded: %w", err)
	}
	s.logger.Debug("sqlite: mark forwarded ok", "source", int64(source), "message_id", messageID, "target", int64(target), "duration", time.Since(start))
	return nil
}

// UnforwardedInRange returns, ascending, the ids in [startID, endID] not yet
// forwarded from source to every chat in targets.
func (s *Store) UnforwardedInRange(ctx context.Context, source tgrelay.ChannelID, startID, endID int, targets []tgrelay.ChannelID) ([]int, error) {
	start := time.Now()
	if startID > endID || len(targets) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(targets))
	args := []any{int64(source), startID, endID}
	for i, t := range targets {
		placeholders[i] = "?"
		args = append(args, int64(t))
	}
	args = append(args, len(targets))

	// Ids already on every requested target.
	query := `SELECT message_id FROM forwards
		WHERE source = ? AND message_id BETWEEN ? AND ?
		AND target IN (` + strings.Join(placeholders, ",") + `)
		GROUP BY message_id
		HAVING COUNT(DISTINCT target) = ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	s.logger.Debug("sqlite: unforwarded in range ok", "source", int64(source), "range", endID-startID+1, "pending", len(pending), "duration", time.Since(start))
	return pending, nil
}

// CountForwardedInRange counts ids in [startID, endID] already forwarded
// from source to target.
func (s *Store) CountForwardedInRange(ctx context.Context, source tgrelay.ChannelID, startID, endID int, target tgrelay.ChannelID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM forwards
		 WHERE source = ? AND message_id BETWEEN ? AND ? AND target = ?`,
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
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM uploads WHERE hash = ? AND target = ?`,
		sha256, int64(target),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is uploaded: %w", err)
	}
	return n > 0, nil
}

// MarkUploaded records the upload fingerprint.
func (s *Store) MarkUploaded(ctx context.Context, sha256 string, target tgrelay.ChannelID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO uploads (hash, target, uploaded_at) VALUES (?, ?, ?)`,
		sha256, int64(target), time.Now().Unix(),
	)
	if err != nil {
		s.logger.Error("sqlite: mark uploaded failed", "hash", sha256, "error", err)
		return fmt.Errorf("mark uploaded: %w", err)
	}
	return nil
}

// IsDownloaded reports whether the message's media has been fetched.
func (s *Store) IsDownloaded(ctx context.Context, source tgrelay.ChannelID, messageID int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM downloads WHERE source = ? AND message_id = ?`,
		int64(source), messageID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is downloaded: %w", err)
	}
	return n > 0, nil
}

// MarkDownloaded records a completed media download and its scratch path.
func (s *Store) MarkDownloaded(ctx context.Context, source tgrelay.ChannelID, messageID int, path string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO downloads (source, message_id, path, downloaded_at)
		 VALUES (?, ?, ?, ?)`,
		int64(source), messageID, path, time.Now().Unix(),
	)
	if err != nil {
		s.logger.Error("sqlite: mark downloaded failed", "source", int64(source), "message_id", messageID, "error", err)
		return fmt.Errorf("mark downloaded: %w", err)
	}
	return nil
}

// DB returns the underlying *sql.DB for host-side maintenance queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}
