// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/DIRACGrid/diracx-sub002/pkg/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Record is the metadata row of one stored sandbox.
type Record struct {
	PFN            string
	VO             string
	OwnerGroup     string
	Owner          string
	Size           int64
	Assigned       bool
	InsertionTime  time.Time
	LastAccessTime time.Time
}

// MetadataStore is the SQLite-backed sandbox metadata store.
type MetadataStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMetadataStore opens (or creates) the sandbox metadata database at
// path and applies pending migrations.
func NewMetadataStore(ctx context.Context, path string) (*MetadataStore, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}

	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create sub filesystem: %w", err)
	}
	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &MetadataStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *MetadataStore) Close() error {
	return s.db.Close()
}

// Insert stores a new sandbox row.
func (s *MetadataStore) Insert(ctx context.Context, record *Record) error {
	now := s.now().UTC()
	record.InsertionTime = now
	record.LastAccessTime = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandboxes (pfn, vo, owner_group, owner, size, assigned, insertion_time, last_access_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.PFN, record.VO, record.OwnerGroup, record.Owner, record.Size,
		record.Assigned, record.InsertionTime, record.LastAccessTime,
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting sandbox: %w", err)
	}
	return nil
}

// Get retrieves one sandbox row by PFN.
func (s *MetadataStore) Get(ctx context.Context, pfn string) (*Record, error) {
	var record Record
	err := s.db.QueryRowContext(ctx, `
		SELECT pfn, vo, owner_group, owner, size, assigned, insertion_time, last_access_time
		FROM sandboxes WHERE pfn = ?`, pfn).
		Scan(&record.PFN, &record.VO, &record.OwnerGroup, &record.Owner, &record.Size,
			&record.Assigned, &record.InsertionTime, &record.LastAccessTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sandbox: %w", err)
	}
	return &record, nil
}

// Touch refreshes the last access time of one sandbox.
func (s *MetadataStore) Touch(ctx context.Context, pfn string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET last_access_time = ? WHERE pfn = ?`, s.now().UTC(), pfn)
	if err != nil {
		return fmt.Errorf("touching sandbox: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetAssigned flips the assignment flag. Assigned sandboxes survive
// cleaning regardless of age.
func (s *MetadataStore) SetAssigned(ctx context.Context, pfn string, assigned bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET assigned = ? WHERE pfn = ?`, assigned, pfn)
	if err != nil {
		return fmt.Errorf("updating sandbox assignment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListStale returns the PFNs of unassigned sandboxes last accessed
// before the cutoff.
func (s *MetadataStore) ListStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pfn FROM sandboxes WHERE assigned = 0 AND last_access_time < ?`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing stale sandboxes: %w", err)
	}
	defer rows.Close()

	var pfns []string
	for rows.Next() {
		var pfn string
		if err := rows.Scan(&pfn); err != nil {
			return nil, fmt.Errorf("scanning stale sandbox: %w", err)
		}
		pfns = append(pfns, pfn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stale sandboxes: %w", err)
	}
	return pfns, nil
}

// Delete removes one sandbox row.
func (s *MetadataStore) Delete(ctx context.Context, pfn string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE pfn = ?`, pfn)
	if err != nil {
		return fmt.Errorf("deleting sandbox: %w", err)
	}
	return nil
}
