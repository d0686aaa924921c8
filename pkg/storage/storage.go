// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the shared SQLite plumbing used by the
// service databases: connection setup with the standard pragmas, a
// REGEXP implementation for the search engine, and driver error
// classification.
package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"sync"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Sentinel errors shared by the SQLite-backed stores.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned on duplicate insertion.
	ErrAlreadyExists = errors.New("record already exists")
)

var registerOnce sync.Once

// registerRegexp makes the SQL REGEXP operator available. SQLite calls
// regexp(pattern, value) for "value REGEXP pattern".
func registerRegexp() {
	registerOnce.Do(func() {
		_ = sqlite3.RegisterDeterministicScalarFunction("regexp", 2,
			func(_ *sqlite3.FunctionContext, args []driver.Value) (driver.Value, error) {
				pattern, ok := args[0].(string)
				if !ok {
					return nil, fmt.Errorf("regexp: pattern is not a string")
				}
				value, ok := args[1].(string)
				if !ok {
					// NULL and non-text values never match.
					return int64(0), nil
				}
				re, err := regexp.Compile(pattern)
				if err != nil {
					return nil, fmt.Errorf("regexp: %w", err)
				}
				if re.MatchString(value) {
					return int64(1), nil
				}
				return int64(0), nil
			})
	})
}

// Open opens (or creates) the SQLite database at path with the standard
// pragmas applied and the REGEXP function registered.
func Open(path string) (*sql.DB, error) {
	registerRegexp()
	db, err := sql.Open("sqlite",
		"file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	return db, nil
}

// IsUniqueViolation checks for a SQLite UNIQUE constraint violation.
func IsUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
