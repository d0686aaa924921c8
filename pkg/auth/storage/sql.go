// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLStore is the SQLite-backed Store. The three serialized transitions are
// implemented as conditional updates (UPDATE ... WHERE status = expected);
// zero affected rows is loss of race, never success.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (or creates) the database at path and applies pending
// migrations.
func NewSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening auth database: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLStore{db: db}, nil
}

var _ Store = (*SQLStore)(nil)

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// InsertDeviceFlow stores a new PENDING device flow.
func (s *SQLStore) InsertDeviceFlow(ctx context.Context, flow *DeviceFlow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_flows (user_code, device_code, client_id, scope, status, id_token, creation_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		flow.UserCode, flow.DeviceCode, flow.ClientID, flow.Scope,
		string(flow.Status), flow.IDToken, flow.CreationTime.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting device flow: %w", err)
	}
	return nil
}

const deviceFlowColumns = `user_code, device_code, client_id, scope, status, id_token, creation_time`

func scanDeviceFlow(row *sql.Row) (*DeviceFlow, error) {
	var (
		flow   DeviceFlow
		status string
	)
	err := row.Scan(&flow.UserCode, &flow.DeviceCode, &flow.ClientID, &flow.Scope,
		&status, &flow.IDToken, &flow.CreationTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device flow: %w", err)
	}
	flow.Status = FlowStatus(status)
	return &flow, nil
}

// GetDeviceFlowByUserCode retrieves a device flow by user code.
func (s *SQLStore) GetDeviceFlowByUserCode(ctx context.Context, userCode string) (*DeviceFlow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceFlowColumns+` FROM device_flows WHERE user_code = ?`, userCode)
	return scanDeviceFlow(row)
}

// GetDeviceFlowByDeviceCode retrieves a device flow by device code.
func (s *SQLStore) GetDeviceFlowByDeviceCode(ctx context.Context, deviceCode string) (*DeviceFlow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceFlowColumns+` FROM device_flows WHERE device_code = ?`, deviceCode)
	return scanDeviceFlow(row)
}

// SetDeviceFlowIDToken transitions PENDING->READY and stores the id_token.
func (s *SQLStore) SetDeviceFlowIDToken(ctx context.Context, userCode, idToken string) (bool, error) {
	return s.casUpdate(ctx, `
		UPDATE device_flows SET status = ?, id_token = ?
		WHERE user_code = ? AND status = ? AND id_token = ''`,
		[]any{string(FlowReady), idToken, userCode, string(FlowPending)},
		`SELECT 1 FROM device_flows WHERE user_code = ?`, userCode)
}

// FinishDeviceFlow atomically transitions READY->DONE.
func (s *SQLStore) FinishDeviceFlow(ctx context.Context, deviceCode string) (bool, error) {
	return s.casUpdate(ctx, `
		UPDATE device_flows SET status = ?
		WHERE device_code = ? AND status = ?`,
		[]any{string(FlowDone), deviceCode, string(FlowReady)},
		`SELECT 1 FROM device_flows WHERE device_code = ?`, deviceCode)
}

// FailDeviceFlow transitions PENDING->ERROR.
func (s *SQLStore) FailDeviceFlow(ctx context.Context, userCode string) (bool, error) {
	return s.casUpdate(ctx, `
		UPDATE device_flows SET status = ?
		WHERE user_code = ? AND status = ?`,
		[]any{string(FlowError), userCode, string(FlowPending)},
		`SELECT 1 FROM device_flows WHERE user_code = ?`, userCode)
}

// InsertAuthorizationFlow stores a new PENDING authorization flow.
func (s *SQLStore) InsertAuthorizationFlow(ctx context.Context, flow *AuthorizationFlow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_flows
			(uuid, client_id, scope, code_challenge, redirect_uri, status, code, id_token, creation_time)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`,
		flow.UUID, flow.ClientID, flow.Scope, flow.CodeChallenge, flow.RedirectURI,
		string(flow.Status), flow.Code, flow.IDToken, flow.CreationTime.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting authorization flow: %w", err)
	}
	return nil
}

const authFlowColumns = `uuid, client_id, scope, code_challenge, redirect_uri, status,
	COALESCE(code, ''), id_token, creation_time`

func scanAuthorizationFlow(row *sql.Row) (*AuthorizationFlow, error) {
	var (
		flow   AuthorizationFlow
		status string
	)
	err := row.Scan(&flow.UUID, &flow.ClientID, &flow.Scope, &flow.CodeChallenge,
		&flow.RedirectURI, &status, &flow.Code, &flow.IDToken, &flow.CreationTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning authorization flow: %w", err)
	}
	flow.Status = FlowStatus(status)
	return &flow, nil
}

// GetAuthorizationFlow retrieves an authorization flow by UUID.
func (s *SQLStore) GetAuthorizationFlow(ctx context.Context, uuid string) (*AuthorizationFlow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+authFlowColumns+` FROM authorization_flows WHERE uuid = ?`, uuid)
	return scanAuthorizationFlow(row)
}

// GetAuthorizationFlowByCode retrieves an authorization flow by code.
func (s *SQLStore) GetAuthorizationFlowByCode(ctx context.Context, code string) (*AuthorizationFlow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+authFlowColumns+` FROM authorization_flows WHERE code = ?`, code)
	return scanAuthorizationFlow(row)
}

// SetAuthorizationFlowIDToken transitions PENDING->READY and assigns the code.
func (s *SQLStore) SetAuthorizationFlowIDToken(ctx context.Context, uuid, code, idToken string) (bool, error) {
	return s.casUpdate(ctx, `
		UPDATE authorization_flows SET status = ?, code = ?, id_token = ?
		WHERE uuid = ? AND status = ? AND id_token = ''`,
		[]any{string(FlowReady), code, idToken, uuid, string(FlowPending)},
		`SELECT 1 FROM authorization_flows WHERE uuid = ?`, uuid)
}

// FinishAuthorizationFlow atomically transitions READY->DONE.
func (s *SQLStore) FinishAuthorizationFlow(ctx context.Context, code string) (bool, error) {
	return s.casUpdate(ctx, `
		UPDATE authorization_flows SET status = ?
		WHERE code = ? AND status = ?`,
		[]any{string(FlowDone), code, string(FlowReady)},
		`SELECT 1 FROM authorization_flows WHERE code = ?`, code)
}

// InsertRefreshToken stores a new CREATED refresh token record.
func (s *SQLStore) InsertRefreshToken(ctx context.Context, token *RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (jti, status, scope, sub, preferred_username, legacy_exchange, creation_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token.JTI, string(token.Status), token.Scope, token.Sub,
		token.PreferredUsername, token.LegacyExchange, token.CreationTime.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken retrieves a refresh token record by jti.
func (s *SQLStore) GetRefreshToken(ctx context.Context, jti string) (*RefreshToken, error) {
	var (
		token  RefreshToken
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT jti, status, scope, sub, preferred_username, legacy_exchange, creation_time
		FROM refresh_tokens WHERE jti = ?`, jti).
		Scan(&token.JTI, &status, &token.Scope, &token.Sub,
			&token.PreferredUsername, &token.LegacyExchange, &token.CreationTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning refresh token: %w", err)
	}
	token.Status = RefreshTokenStatus(status)
	return &token, nil
}

// RevokeRefreshToken atomically transitions CREATED->REVOKED.
func (s *SQLStore) RevokeRefreshToken(ctx context.Context, jti string) (bool, error) {
	return s.casUpdate(ctx, `
		UPDATE refresh_tokens SET status = ?
		WHERE jti = ? AND status = ?`,
		[]any{string(RefreshRevoked), jti, string(RefreshCreated)},
		`SELECT 1 FROM refresh_tokens WHERE jti = ?`, jti)
}

// RevokeOwnerRefreshTokens revokes every CREATED token of one owner.
func (s *SQLStore) RevokeOwnerRefreshTokens(ctx context.Context, sub, preferredUsername string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET status = ?
		WHERE sub = ? AND preferred_username = ? AND status = ?`,
		string(RefreshRevoked), sub, preferredUsername, string(RefreshCreated))
	if err != nil {
		return 0, fmt.Errorf("revoking owner refresh tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return int(affected), nil
}

// casUpdate runs a conditional update and distinguishes loss-of-race from a
// missing record: zero affected rows followed by a successful existence
// probe means the record was in the wrong state.
func (s *SQLStore) casUpdate(ctx context.Context, updateQuery string, updateArgs []any, existsQuery string, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, updateQuery, updateArgs...)
	if err != nil {
		return false, fmt.Errorf("conditional update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, existsQuery, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("probing record: %w", err)
	}
	return false, nil
}
