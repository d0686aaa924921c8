// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package auth orchestrates the interactive authentication flows, refresh
// token rotation and internal token minting. It owns the flow state
// machines persisted in the auth store and brokers identity from the
// per-VO identity providers.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/storage"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/token"
	"github.com/DIRACGrid/diracx-sub002/pkg/idp"
	"github.com/DIRACGrid/diracx-sub002/pkg/logger"
	"github.com/DIRACGrid/diracx-sub002/pkg/registry"
)

// TokenResponse is the RFC 6749 token endpoint response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Config holds the tunables of the auth service.
type Config struct {
	// VerificationURI is the absolute URL users visit to approve a device
	// flow.
	VerificationURI string

	// DeviceFlowLifetime bounds how long an initiated device flow stays
	// redeemable.
	DeviceFlowLifetime time.Duration

	// AuthorizationFlowLifetime bounds the authorization-code flow the
	// same way.
	AuthorizationFlowLifetime time.Duration

	// LegacyExchangeHashedAPIKey is the hex SHA-256 digest of the legacy
	// exchange bearer. Empty disables the exchange endpoint.
	LegacyExchangeHashedAPIKey string
}

// Service implements the authentication flows on top of the flow store,
// the token issuer and the upstream identity providers.
type Service struct {
	store    storage.Store
	issuer   *token.Issuer
	verifier *token.Verifier
	broker   *idp.Broker
	view     *registry.View
	cfg      Config

	// now is replaceable in tests.
	now func() time.Time
	// newUserCode is replaceable in tests.
	newUserCode func() (string, error)
}

// NewService creates the auth service.
func NewService(
	store storage.Store,
	issuer *token.Issuer,
	verifier *token.Verifier,
	broker *idp.Broker,
	view *registry.View,
	cfg Config,
) *Service {
	return &Service{
		store:       store,
		issuer:      issuer,
		verifier:    verifier,
		broker:      broker,
		view:        view,
		cfg:         cfg,
		now:         time.Now,
		newUserCode: NewUserCode,
	}
}

// Verifier exposes the token verifier for request middleware.
func (s *Service) Verifier() *token.Verifier {
	return s.verifier
}

// clientFor resolves the identity provider client for one VO from the
// current registry snapshot.
func (s *Service) clientFor(ctx context.Context, vo string) (*idp.Client, error) {
	snap, err := s.view.Snapshot()
	if err != nil {
		return nil, err
	}
	voConfig, ok := snap.Config.Registry[vo]
	if !ok {
		return nil, apierror.NewInvalidRequestError(fmt.Sprintf("unknown vo %q", vo), nil)
	}
	return s.broker.ClientFor(ctx, voConfig.IdP)
}

// identityFromIDToken resolves the registry identity a token pair will be
// minted for. The id_token subject must be a registered user of the VO and
// a member of the requested group.
func (s *Service) identityFromIDToken(claims *idp.IDTokenClaims, scope ParsedScope) (token.UserIdentity, error) {
	snap, err := s.view.Snapshot()
	if err != nil {
		return token.UserIdentity{}, err
	}
	vo, ok := snap.Config.Registry[scope.VO]
	if !ok {
		return token.UserIdentity{}, apierror.NewInvalidRequestError(fmt.Sprintf("unknown vo %q", scope.VO), nil)
	}
	user, ok := vo.Users[claims.Sub]
	if !ok {
		return token.UserIdentity{}, apierror.NewPermissionDeniedError(
			fmt.Sprintf("subject is not a registered user of vo %q", scope.VO), nil)
	}
	group := vo.Groups[scope.Group]
	if !group.HasUser(claims.Sub) {
		return token.UserIdentity{}, apierror.NewPermissionDeniedError(
			fmt.Sprintf("user %q is not a member of group %q", user.PreferredUsername, scope.Group), nil)
	}
	return token.UserIdentity{
		Sub:               scope.VO + ":" + claims.Sub,
		VO:                scope.VO,
		PreferredUsername: user.PreferredUsername,
		DiracGroup:        scope.Group,
		Properties:        scope.Properties,
	}, nil
}

// mintPair mints an access and refresh token pair and records the refresh
// token for rotation tracking.
func (s *Service) mintPair(ctx context.Context, identity token.UserIdentity, scope string, legacyExchange bool) (*TokenResponse, error) {
	jti, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating jti: %w", err)
	}

	record := &storage.RefreshToken{
		JTI:               jti.String(),
		Status:            storage.RefreshCreated,
		Scope:             scope,
		Sub:               identity.Sub,
		PreferredUsername: identity.PreferredUsername,
		LegacyExchange:    legacyExchange,
		CreationTime:      s.now().UTC(),
	}
	if err := s.store.InsertRefreshToken(ctx, record); err != nil {
		return nil, fmt.Errorf("recording refresh token: %w", err)
	}

	accessToken, err := s.issuer.MintAccessToken(ctx, identity, jti.String())
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.issuer.MintRefreshToken(ctx, identity.Sub, identity.PreferredUsername, jti.String(), legacyExchange)
	if err != nil {
		return nil, err
	}

	logger.Infow("minted token pair",
		"sub", identity.Sub, "group", identity.DiracGroup, "jti", jti.String())

	return &TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    token.TokenTypeBearer,
		ExpiresIn:    int(s.issuer.AccessLifetime().Seconds()),
	}, nil
}

// expired reports whether a record created at creationTime has outlived
// maxValidity.
func (s *Service) expired(creationTime time.Time, maxValidity time.Duration) bool {
	return creationTime.Before(s.now().Add(-maxValidity))
}
