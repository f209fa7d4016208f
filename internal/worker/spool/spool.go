// Package spool keeps result posts the coordinator never acknowledged and replays them on start.
// Uses a single-writer SQLite file in WAL mode.
package spool

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"arenajudge/internal/worker/integrity"
	appErr "arenajudge/pkg/errors"
	"arenajudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Post is one spooled result post.
type Post struct {
	ID        int64
	Method    string
	Payload   []byte
	Digest    string
	CreatedAt time.Time
	Attempts  int
}

// Deliverer makes a single post attempt of serialized bytes.
type Deliverer interface {
	Deliver(ctx context.Context, method string, payload []byte) error
}

// Spool is the on-disk post spool.
type Spool struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the spool database at path.
func Open(path string) (*Spool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, appErr.Wrapf(err, appErr.SpoolError, "create spool dir failed")
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SpoolError, "open spool failed")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, appErr.Wrapf(err, appErr.SpoolError, "ping spool failed")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Spool{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Spool) Close() error {
	return s.db.Close()
}

func (s *Spool) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS pending_posts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			method     TEXT NOT NULL,
			payload    BLOB NOT NULL,
			digest     TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_posts_created ON pending_posts(created_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return appErr.Wrapf(err, appErr.SpoolError, "migrate spool failed")
		}
	}
	return nil
}

// Save stores a post that exhausted its retries.
func (s *Spool) Save(ctx context.Context, method string, payload []byte, digest string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_posts (method, payload, digest, created_at) VALUES (?, ?, ?, ?)`,
		method, payload, digest, s.now().UnixMilli())
	if err != nil {
		return appErr.Wrapf(err, appErr.SpoolError, "save post failed")
	}
	return nil
}

// Pending returns spooled posts oldest first. limit <= 0 returns all of them.
func (s *Spool) Pending(ctx context.Context, limit int) ([]Post, error) {
	query := `SELECT id, method, payload, digest, created_at, attempts FROM pending_posts ORDER BY id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SpoolError, "query pending posts failed")
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		var p Post
		var created int64
		if err := rows.Scan(&p.ID, &p.Method, &p.Payload, &p.Digest, &created, &p.Attempts); err != nil {
			return nil, appErr.Wrapf(err, appErr.SpoolError, "scan pending post failed")
		}
		p.CreatedAt = time.UnixMilli(created)
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.SpoolError, "iterate pending posts failed")
	}
	return posts, nil
}

// Delete removes a delivered post.
func (s *Spool) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_posts WHERE id = ?`, id); err != nil {
		return appErr.Wrapf(err, appErr.SpoolError, "delete post %d failed", id)
	}
	return nil
}

// MarkAttempt records one more failed replay of a post.
func (s *Spool) MarkAttempt(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE pending_posts SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
		return appErr.Wrapf(err, appErr.SpoolError, "mark post %d failed", id)
	}
	return nil
}

// Replay re-posts every spooled post once with its exact stored bytes.
// Delivered posts are deleted; the rest stay for the next start.
func (s *Spool) Replay(ctx context.Context, d Deliverer, log *logger.Logger) (delivered, remaining int, err error) {
	if log == nil {
		log = logger.NewNop()
	}
	posts, err := s.Pending(ctx, 0)
	if err != nil {
		return 0, 0, err
	}
	for _, p := range posts {
		if ctx.Err() != nil {
			remaining++
			continue
		}
		if !integrity.Verify(p.Payload, integrity.Digest(p.Digest)) {
			log.Error(ctx, "Dropping corrupt spooled post", zap.Int64("spool_id", p.ID), zap.String("method", p.Method))
			if err := s.Delete(ctx, p.ID); err != nil {
				return delivered, remaining, err
			}
			continue
		}
		if err := d.Deliver(ctx, p.Method, p.Payload); err != nil {
			log.Warn(ctx, "Spooled post still undeliverable",
				zap.Int64("spool_id", p.ID),
				zap.String("method", p.Method),
				zap.Int("attempts", p.Attempts+1),
				zap.Error(err))
			if markErr := s.MarkAttempt(ctx, p.ID); markErr != nil {
				return delivered, remaining, markErr
			}
			remaining++
			continue
		}
		if err := s.Delete(ctx, p.ID); err != nil {
			return delivered, remaining, err
		}
		delivered++
	}
	return delivered, remaining, nil
}
