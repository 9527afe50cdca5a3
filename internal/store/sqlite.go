// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	xsqlite "github.com/ManuGH/xoffline/internal/persistence/sqlite"
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS licenses (
		content_id TEXT PRIMARY KEY,
		key_set BLOB NOT NULL,
		acquired_at_unix_nano INTEGER NOT NULL,
		min_remaining_seconds INTEGER NOT NULL DEFAULT 0,
		license_duration_seconds INTEGER NOT NULL DEFAULT 0,
		renewal_seconds INTEGER NOT NULL DEFAULT 0,
		updated_at_ms INTEGER NOT NULL
	);`,
}

// SqliteStore persists license records in a single SQLite table.
type SqliteStore struct {
	DB *sql.DB
}

// OpenSqliteStore opens (or creates) the database at path and migrates it.
func OpenSqliteStore(path string) (*SqliteStore, error) {
	db, err := xsqlite.Open(path, xsqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := xsqlite.Migrate(context.Background(), db, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate %s: %w", path, err)
	}
	return &SqliteStore{DB: db}, nil
}

func (s *SqliteStore) Close() error { return s.DB.Close() }

func (s *SqliteStore) Get(ctx context.Context, contentID string) (*Record, error) {
	var (
		rec        Record
		acquiredNs int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT content_id, key_set, acquired_at_unix_nano, min_remaining_seconds,
			license_duration_seconds, renewal_seconds
		FROM licenses WHERE content_id = ?`, contentID).
		Scan(&rec.ContentID, &rec.KeySet, &acquiredNs, &rec.MinRemainingSeconds,
			&rec.LicenseDurationSeconds, &rec.RenewalSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", contentID, err)
	}
	rec.AcquiredAt = time.Unix(0, acquiredNs).UTC()
	return &rec, nil
}

func (s *SqliteStore) Put(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO licenses (content_id, key_set, acquired_at_unix_nano, min_remaining_seconds,
			license_duration_seconds, renewal_seconds, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_id) DO UPDATE SET
			key_set = excluded.key_set,
			acquired_at_unix_nano = excluded.acquired_at_unix_nano,
			min_remaining_seconds = excluded.min_remaining_seconds,
			license_duration_seconds = excluded.license_duration_seconds,
			renewal_seconds = excluded.renewal_seconds,
			updated_at_ms = excluded.updated_at_ms`,
		rec.ContentID, rec.KeySet, rec.AcquiredAt.UnixNano(), rec.MinRemainingSeconds,
		rec.LicenseDurationSeconds, rec.RenewalSeconds, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: put %s: %w", rec.ContentID, err)
	}
	return nil
}

func (s *SqliteStore) Delete(ctx context.Context, contentID string) error {
	if _, err := s.DB.ExecContext(ctx, "DELETE FROM licenses WHERE content_id = ?", contentID); err != nil {
		return fmt.Errorf("store: delete %s: %w", contentID, err)
	}
	return nil
}

func (s *SqliteStore) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT content_id FROM licenses ORDER BY content_id")
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
