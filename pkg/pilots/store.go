// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package pilots

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/token"
	"github.com/DIRACGrid/diracx-sub002/pkg/search"
	"github.com/DIRACGrid/diracx-sub002/pkg/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// secretLength is the size in bytes of a generated pilot secret.
const secretLength = 32

// badCredentials is the single message for every verification failure.
// Unknown references and wrong secrets are indistinguishable to the
// caller.
const badCredentials = "bad pilot_job_reference or pilot_secret"

// Store is the SQLite-backed pilot store. Secrets are hashed with
// HMAC-SHA256 under the installation key before storage.
type Store struct {
	db              *sql.DB
	installationKey []byte
	now             func() time.Time
}

// NewStore opens (or creates) the pilot database at path and applies
// pending migrations. The installation key protects stored secrets
// against offline database theft.
func NewStore(ctx context.Context, path string, installationKey []byte) (*Store, error) {
	if len(installationKey) == 0 {
		return nil, errors.New("pilot store requires an installation key")
	}

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

	return &Store{db: db, installationKey: installationKey, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// hashSecret computes the stored form of a pilot secret.
func (s *Store) hashSecret(secret string) string {
	mac := hmac.New(sha256.New, s.installationKey)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Register stores a new pilot and returns its plaintext secret. The
// secret is returned exactly once; only its keyed hash is persisted.
// A duplicate pilot job reference or stamp is a conflict.
func (s *Store) Register(ctx context.Context, pilot *Pilot) (string, error) {
	raw := make([]byte, secretLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating pilot secret: %w", err)
	}
	secret := hex.EncodeToString(raw)

	now := s.now().UTC()
	pilot.SubmissionTime = now
	pilot.LastUpdateTime = now
	if pilot.Status == "" {
		pilot.Status = StatusSubmitted
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pilots (pilot_job_reference, vo, grid_type, status, pilot_stamp,
			hashed_secret, submission_time, last_update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pilot.PilotJobReference, pilot.VO, pilot.GridType, string(pilot.Status),
		pilot.PilotStamp, s.hashSecret(secret), pilot.SubmissionTime, pilot.LastUpdateTime,
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return "", apierror.NewConflictError(
				fmt.Sprintf("pilot %s already registered", pilot.PilotJobReference), nil)
		}
		return "", fmt.Errorf("inserting pilot: %w", err)
	}
	pilot.PilotID, err = res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("reading pilot id: %w", err)
	}
	return secret, nil
}

const pilotColumns = `pilot_id, pilot_job_reference, vo, grid_type, status, pilot_stamp,
	submission_time, last_update_time`

func scanPilot(row *sql.Row) (*Pilot, error) {
	var (
		pilot  Pilot
		status string
	)
	err := row.Scan(&pilot.PilotID, &pilot.PilotJobReference, &pilot.VO, &pilot.GridType,
		&status, &pilot.PilotStamp, &pilot.SubmissionTime, &pilot.LastUpdateTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning pilot: %w", err)
	}
	pilot.Status = Status(status)
	return &pilot, nil
}

// Get retrieves one pilot by job reference within a VO.
func (s *Store) Get(ctx context.Context, vo, reference string) (*Pilot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pilotColumns+` FROM pilots WHERE pilot_job_reference = ? AND vo = ?`,
		reference, vo)
	return scanPilot(row)
}

// Verify checks a presented pilot secret. Every failure mode returns
// the same authentication error so a caller cannot probe for
// registered references. The comparison is constant time.
func (s *Store) Verify(ctx context.Context, reference, secret string) (*Pilot, error) {
	var (
		pilot  Pilot
		status string
		stored string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT `+pilotColumns+`, hashed_secret FROM pilots WHERE pilot_job_reference = ?`,
		reference).
		Scan(&pilot.PilotID, &pilot.PilotJobReference, &pilot.VO, &pilot.GridType,
			&status, &pilot.PilotStamp, &pilot.SubmissionTime, &pilot.LastUpdateTime,
			&stored)
	if errors.Is(err, sql.ErrNoRows) {
		// Hash anyway so the unknown-reference path costs the same as a
		// mismatch.
		_ = s.hashSecret(secret)
		return nil, apierror.NewAuthenticationRequiredError(badCredentials, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up pilot: %w", err)
	}

	if !hmac.Equal([]byte(stored), []byte(s.hashSecret(secret))) {
		return nil, apierror.NewAuthenticationRequiredError(badCredentials, nil)
	}
	pilot.Status = Status(status)
	return &pilot, nil
}

// SetStatus updates the lifecycle state of one pilot.
func (s *Store) SetStatus(ctx context.Context, vo, reference string, status Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pilots SET status = ?, last_update_time = ?
		WHERE pilot_job_reference = ? AND vo = ?`,
		string(status), s.now().UTC(), reference, vo)
	if err != nil {
		return fmt.Errorf("updating pilot status: %w", err)
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

// Search runs one search request scoped to the caller's VO.
func (s *Store) Search(ctx context.Context, vo string, params search.Params, page, perPage int) (int64, []map[string]any, error) {
	scoped := params.WithVOFilter(VOParameter, vo)
	query, err := search.Compose(table, scoped, page, perPage, 0)
	if err != nil {
		return 0, nil, err
	}
	return storage.RunSearch(ctx, s.db, query)
}

// Identity builds the token identity for an authenticated pilot.
func (p *Pilot) Identity() token.PilotIdentity {
	return token.PilotIdentity{
		Sub:        p.VO + ":" + p.PilotJobReference,
		VO:         p.VO,
		PilotStamp: p.PilotStamp,
	}
}

// Resolver reconstructs pilot identities for refresh rotation. A pilot
// deleted since its last login can no longer rotate.
func (s *Store) Resolver() func(ctx context.Context, sub, reference string) (token.PilotIdentity, error) {
	return func(ctx context.Context, _, reference string) (token.PilotIdentity, error) {
		var (
			pilot  Pilot
			status string
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT `+pilotColumns+` FROM pilots WHERE pilot_job_reference = ?`, reference).
			Scan(&pilot.PilotID, &pilot.PilotJobReference, &pilot.VO, &pilot.GridType,
				&status, &pilot.PilotStamp, &pilot.SubmissionTime, &pilot.LastUpdateTime)
		if errors.Is(err, sql.ErrNoRows) {
			return token.PilotIdentity{}, apierror.NewAuthenticationRequiredError("invalid_grant", nil)
		}
		if err != nil {
			return token.PilotIdentity{}, fmt.Errorf("looking up pilot: %w", err)
		}
		return pilot.Identity(), nil
	}
}
