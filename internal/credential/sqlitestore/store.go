// Package sqlitestore keeps subject credentials in a SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pkt.systems/pwchanged/internal/clock"
	"pkt.systems/pwchanged/internal/credential"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	subject_id TEXT PRIMARY KEY,
	hash BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Store implements credential.Store on SQLite.
type Store struct {
	db     *sql.DB
	hasher credential.Hasher
	clock  clock.Clock
}

var _ credential.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path. A nil hasher uses
// credential.BcryptHasher with the default cost.
func Open(ctx context.Context, path string, hasher credential.Hasher, clk clock.Clock) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlitestore: path is required")
	}
	if hasher == nil {
		hasher = credential.BcryptHasher{}
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &Store{db: db, hasher: hasher, clock: clock.Or(clk)}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FindByID implements credential.Store.
func (s *Store) FindByID(ctx context.Context, subjectID string) (credential.Credential, error) {
	var (
		hash    []byte
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT hash, updated_at FROM credentials WHERE subject_id = ?`, subjectID,
	).Scan(&hash, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, credential.ErrNotFound
	}
	if err != nil {
		return credential.Credential{}, fmt.Errorf("sqlitestore: find %s: %w", subjectID, err)
	}
	return credential.Credential{
		SubjectID: subjectID,
		Hash:      hash,
		UpdatedAt: time.UnixMilli(updated).UTC(),
	}, nil
}

// Verify implements credential.Store.
func (s *Store) Verify(ctx context.Context, subjectID, secret string) (bool, error) {
	c, err := s.FindByID(ctx, subjectID)
	if err != nil {
		return false, err
	}
	return s.hasher.Compare(c.Hash, secret)
}

// Persist implements credential.Store.
func (s *Store) Persist(ctx context.Context, subjectID string, hash []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET hash = ?, updated_at = ? WHERE subject_id = ?`,
		hash, s.clock.Now().UnixMilli(), subjectID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: persist %s: %w", subjectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: persist %s: %w", subjectID, err)
	}
	if n == 0 {
		return credential.ErrNotFound
	}
	return nil
}

// Set creates or overwrites subjectID with a hash of secret. It bypasses the
// change pipeline and is meant for provisioning.
func (s *Store) Set(ctx context.Context, subjectID, secret string) error {
	if strings.TrimSpace(subjectID) == "" {
		return fmt.Errorf("sqlitestore: subject id is required")
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO credentials (subject_id, hash, updated_at) VALUES (?, ?, ?)
ON CONFLICT(subject_id) DO UPDATE SET hash = excluded.hash, updated_at = excluded.updated_at
`, subjectID, hash, s.clock.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlitestore: set %s: %w", subjectID, err)
	}
	return nil
}

// Delete removes subjectID. Missing subjects are ignored.
func (s *Store) Delete(ctx context.Context, subjectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE subject_id = ?`, subjectID); err != nil {
		return fmt.Errorf("sqlitestore: delete %s: %w", subjectID, err)
	}
	return nil
}
