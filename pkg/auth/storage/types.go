// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the transactional store backing the three
// short-lived authentication state machines: the device flow, the
// authorization-code flow and the refresh-token lifecycle.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when a record with the same primary key
	// already exists.
	ErrAlreadyExists = errors.New("record already exists")
)

// FlowStatus is the lifecycle state of an interactive authentication flow.
type FlowStatus string

// Flow lifecycle states.
const (
	FlowPending FlowStatus = "PENDING"
	FlowReady   FlowStatus = "READY"
	FlowDone    FlowStatus = "DONE"
	FlowError   FlowStatus = "ERROR"
)

// RefreshTokenStatus is the lifecycle state of a refresh token record.
type RefreshTokenStatus string

// Refresh token lifecycle states. Revoked rows are retained for replay
// detection across the validity window.
const (
	RefreshCreated RefreshTokenStatus = "CREATED"
	RefreshRevoked RefreshTokenStatus = "REVOKED"
)

// DeviceFlow is one device-authorization grant in progress.
type DeviceFlow struct {
	// UserCode is the short code the user types at the verification URI.
	// Unique among live flows.
	UserCode string

	// DeviceCode is the opaque code the device polls with. Unique.
	DeviceCode string

	ClientID string
	Scope    string
	Status   FlowStatus

	// IDToken is the upstream IdP id_token, set on the PENDING to READY
	// transition.
	IDToken string

	CreationTime time.Time
}

// AuthorizationFlow is one authorization-code grant in progress.
type AuthorizationFlow struct {
	// UUID is the primary key, round-tripped through the IdP as state.
	UUID string

	ClientID      string
	Scope         string
	CodeChallenge string
	RedirectURI   string
	Status        FlowStatus

	// Code is the single-use authorization code, assigned on the PENDING
	// to READY transition.
	Code string

	// IDToken is the upstream IdP id_token, set together with Code.
	IDToken string

	CreationTime time.Time
}

// RefreshToken is the server-side record of one issued refresh token.
type RefreshToken struct {
	// JTI is a time-ordered UUIDv7, embedded in the refresh JWT.
	JTI string

	Status            RefreshTokenStatus
	Scope             string
	Sub               string
	PreferredUsername string
	LegacyExchange    bool
	CreationTime      time.Time
}

// Store is the Auth DB. The three state-machine transitions READY->DONE
// (device and authorization code) and CREATED->REVOKED (refresh) are
// compare-and-set operations serialized per record by the backend; they
// return false when the race is lost, never an error.
type Store interface {
	// InsertDeviceFlow stores a new PENDING device flow. Returns
	// ErrAlreadyExists when the user_code or device_code collides with a
	// live flow.
	InsertDeviceFlow(ctx context.Context, flow *DeviceFlow) error

	// GetDeviceFlowByUserCode retrieves a device flow by user code.
	GetDeviceFlowByUserCode(ctx context.Context, userCode string) (*DeviceFlow, error)

	// GetDeviceFlowByDeviceCode retrieves a device flow by device code.
	GetDeviceFlowByDeviceCode(ctx context.Context, deviceCode string) (*DeviceFlow, error)

	// SetDeviceFlowIDToken transitions PENDING->READY and stores the
	// id_token. Returns false if the flow was not PENDING or already
	// carries an id_token.
	SetDeviceFlowIDToken(ctx context.Context, userCode, idToken string) (bool, error)

	// FinishDeviceFlow atomically transitions READY->DONE. Exactly one
	// concurrent caller wins.
	FinishDeviceFlow(ctx context.Context, deviceCode string) (bool, error)

	// FailDeviceFlow transitions PENDING->ERROR.
	FailDeviceFlow(ctx context.Context, userCode string) (bool, error)

	// InsertAuthorizationFlow stores a new PENDING authorization flow.
	InsertAuthorizationFlow(ctx context.Context, flow *AuthorizationFlow) error

	// GetAuthorizationFlow retrieves an authorization flow by UUID.
	GetAuthorizationFlow(ctx context.Context, uuid string) (*AuthorizationFlow, error)

	// GetAuthorizationFlowByCode retrieves an authorization flow by its
	// assigned code.
	GetAuthorizationFlowByCode(ctx context.Context, code string) (*AuthorizationFlow, error)

	// SetAuthorizationFlowIDToken transitions PENDING->READY, assigning
	// the single-use code and storing the id_token. A second call on the
	// same flow returns false.
	SetAuthorizationFlowIDToken(ctx context.Context, uuid, code, idToken string) (bool, error)

	// FinishAuthorizationFlow atomically transitions READY->DONE for the
	// flow holding code. Exactly one concurrent caller wins.
	FinishAuthorizationFlow(ctx context.Context, code string) (bool, error)

	// InsertRefreshToken stores a new CREATED refresh token record.
	InsertRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token record by jti.
	GetRefreshToken(ctx context.Context, jti string) (*RefreshToken, error)

	// RevokeRefreshToken atomically transitions CREATED->REVOKED. Returns
	// false when the record was already REVOKED (loss of race or replay).
	// Unknown jti returns ErrNotFound.
	RevokeRefreshToken(ctx context.Context, jti string) (bool, error)

	// RevokeOwnerRefreshTokens marks every CREATED token of the given
	// (sub, preferred_username) lineage REVOKED, returning the count.
	RevokeOwnerRefreshTokens(ctx context.Context, sub, preferredUsername string) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
