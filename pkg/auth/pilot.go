// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/storage"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/token"
	"github.com/DIRACGrid/diracx-sub002/pkg/logger"
)

// PilotResolver reconstructs the pilot identity for a refresh rotation
// from the pilot registry. sub is the canonical "{vo}:{reference}"
// principal, reference the pilot job reference.
type PilotResolver func(ctx context.Context, sub, reference string) (token.PilotIdentity, error)

// MintPilotPair mints an access and refresh token pair for an
// authenticated pilot. The refresh record's owner is the pilot job
// reference, so lineage revocation works the same way as for users.
func (s *Service) MintPilotPair(ctx context.Context, identity token.PilotIdentity, reference string) (*TokenResponse, error) {
	jti, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating jti: %w", err)
	}

	record := &storage.RefreshToken{
		JTI:               jti.String(),
		Status:            storage.RefreshCreated,
		Scope:             "vo:" + identity.VO,
		Sub:               identity.Sub,
		PreferredUsername: reference,
		CreationTime:      s.now().UTC(),
	}
	if err := s.store.InsertRefreshToken(ctx, record); err != nil {
		return nil, fmt.Errorf("recording pilot refresh token: %w", err)
	}

	accessToken, err := s.issuer.MintPilotAccessToken(ctx, identity, jti.String())
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.issuer.MintRefreshToken(ctx, identity.Sub, reference, jti.String(), false)
	if err != nil {
		return nil, err
	}

	logger.Infow("minted pilot token pair", "sub", identity.Sub, "jti", jti.String())
	return &TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    token.TokenTypeBearer,
		ExpiresIn:    int(s.issuer.AccessLifetime().Seconds()),
	}, nil
}

// RefreshPilot rotates a pilot refresh token under the same replay rules
// as user rotation.
func (s *Service) RefreshPilot(ctx context.Context, refreshToken string, resolve PilotResolver) (*TokenResponse, error) {
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
		return nil, s.handleReplay(ctx, record)
	}

	identity, err := resolve(ctx, record.Sub, record.PreferredUsername)
	if err != nil {
		return nil, err
	}
	return s.MintPilotPair(ctx, identity, record.PreferredUsername)
}
