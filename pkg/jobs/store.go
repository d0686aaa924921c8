// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package jobs

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

	"github.com/DIRACGrid/diracx-sub002/pkg/search"
	"github.com/DIRACGrid/diracx-sub002/pkg/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store is the SQLite-backed job store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens (or creates) the job database at path and applies
// pending migrations.
func NewStore(ctx context.Context, path string) (*Store, error) {
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

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores a new job and assigns its JobID. Submission and update
// times are set server-side.
func (s *Store) Insert(ctx context.Context, job *Job) error {
	now := s.now().UTC()
	job.SubmissionTime = now
	job.LastUpdateTime = now
	if job.Status == "" {
		job.Status = StatusReceived
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_name, vo, owner, owner_group, status, minor_status,
			application_status, site, submission_time, last_update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobName, job.VO, job.Owner, job.OwnerGroup, string(job.Status),
		job.MinorStatus, job.ApplicationStatus, job.Site,
		job.SubmissionTime, job.LastUpdateTime,
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	job.JobID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading job id: %w", err)
	}
	return nil
}

const jobColumns = `job_id, job_name, vo, owner, owner_group, status, minor_status,
	application_status, site, submission_time, last_update_time`

// Get retrieves one job. The VO acts as a tenant boundary: a job of
// another VO is reported as missing, not as forbidden.
func (s *Store) Get(ctx context.Context, vo string, jobID int64) (*Job, error) {
	var (
		job    Job
		status string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ? AND vo = ?`, jobID, vo).
		Scan(&job.JobID, &job.JobName, &job.VO, &job.Owner, &job.OwnerGroup,
			&status, &job.MinorStatus, &job.ApplicationStatus, &job.Site,
			&job.SubmissionTime, &job.LastUpdateTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	job.Status = Status(status)
	return &job, nil
}

// SetStatus updates the status fields of one job.
func (s *Store) SetStatus(ctx context.Context, vo string, jobID int64, status Status, minorStatus, applicationStatus string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, minor_status = ?, application_status = ?, last_update_time = ?
		WHERE job_id = ? AND vo = ?`,
		string(status), minorStatus, applicationStatus, s.now().UTC(), jobID, vo)
	if err != nil {
		return fmt.Errorf("updating job status: %w", err)
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

// Search runs one search request scoped to the caller's VO. The VO
// filter is appended unconditionally before composition. Returns the
// total number of matching rows and the requested page.
func (s *Store) Search(ctx context.Context, vo string, params search.Params, page, perPage int) (int64, []map[string]any, error) {
	scoped := params.WithVOFilter(VOParameter, vo)
	query, err := search.Compose(table, scoped, page, perPage, 0)
	if err != nil {
		return 0, nil, err
	}
	return storage.RunSearch(ctx, s.db, query)
}
