// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/storage"
	"github.com/DIRACGrid/diracx-sub002/pkg/idp"
	"github.com/DIRACGrid/diracx-sub002/pkg/logger"
)

// Refresh rotates a refresh token: the presented jti is revoked and a new
// pair is minted. Presenting an already revoked jti is treated as token
// theft and revokes the whole (sub, preferred_username) lineage.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	invalidGrant := apierror.NewAuthenticationRequiredError("invalid_grant", nil)

	claims, err := s.verifier.Verify(ctx, refreshToken)
	if err != nil {
		return nil, invalidGrant
	}

	record, err := s.store.GetRefreshToken(ctx, claims.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, invalidGrant
	}
	if err != nil {
		return nil, err
	}

	if record.Status == storage.RefreshRevoked {
		return nil, s.handleReplay(ctx, record)
	}

	won, err := s.store.RevokeRefreshToken(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		// A concurrent rotation got there first, which is
		// indistinguishable from a replay.
		return nil, s.handleReplay(ctx, record)
	}

	snap, err := s.view.Snapshot()
	if err != nil {
		return nil, err
	}
	scope, err := ParseScope(record.Scope, snap.Config)
	if err != nil {
		return nil, err
	}
	subject, ok := strings.CutPrefix(record.Sub, scope.VO+":")
	if !ok {
		return nil, invalidGrant
	}
	// Membership is re-checked on every rotation so a user removed from
	// the group loses the lineage at the next refresh.
	identity, err := s.identityFromIDToken(&idp.IDTokenClaims{Sub: subject}, scope)
	if err != nil {
		return nil, err
	}
	return s.mintPair(ctx, identity, record.Scope, record.LegacyExchange)
}

// handleReplay implements the token-theft response: every sibling of the
// replayed token is revoked and the caller gets invalid_grant.
func (s *Service) handleReplay(ctx context.Context, record *storage.RefreshToken) error {
	count, err := s.store.RevokeOwnerRefreshTokens(ctx, record.Sub, record.PreferredUsername)
	if err != nil {
		return err
	}
	logger.Warnw("refresh token replay detected, lineage revoked",
		"sub", record.Sub, "preferred_username", record.PreferredUsername, "revoked", count)
	return apierror.NewAuthenticationRequiredError("invalid_grant", nil)
}

// Revoke marks the jti carried by a presented token REVOKED. Unknown or
// unparsable tokens are silent no-ops as required by RFC 7009.
func (s *Service) Revoke(ctx context.Context, presentedToken string) error {
	claims, err := s.verifier.Verify(ctx, presentedToken)
	if err != nil {
		return nil
	}
	_, err = s.store.RevokeRefreshToken(ctx, claims.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
