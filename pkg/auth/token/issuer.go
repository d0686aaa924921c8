// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/DIRACGrid/diracx-sub002/pkg/auth/keys"
)

// Issuer mints internal JWTs with the active signing key.
type Issuer struct {
	issuer          string
	audience        string
	keys            keys.Provider
	accessLifetime  time.Duration
	refreshLifetime time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// IssuerConfig configures token minting.
type IssuerConfig struct {
	// Issuer is the iss claim, the externally visible base URL of this
	// service.
	Issuer string

	// Audience is the aud claim. Defaults to Issuer.
	Audience string

	AccessLifetime  time.Duration
	RefreshLifetime time.Duration
}

// NewIssuer creates a token issuer backed by the given key provider.
func NewIssuer(provider keys.Provider, cfg IssuerConfig) *Issuer {
	if cfg.Audience == "" {
		cfg.Audience = cfg.Issuer
	}
	return &Issuer{
		issuer:          cfg.Issuer,
		audience:        cfg.Audience,
		keys:            provider,
		accessLifetime:  cfg.AccessLifetime,
		refreshLifetime: cfg.RefreshLifetime,
		now:             time.Now,
	}
}

// AccessLifetime returns the configured access token lifetime.
func (i *Issuer) AccessLifetime() time.Duration {
	return i.accessLifetime
}

// MintAccessToken mints a user access token.
func (i *Issuer) MintAccessToken(ctx context.Context, identity UserIdentity, jti string) (string, error) {
	now := i.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			Subject:   identity.Sub,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessLifetime)),
		},
		VO:                identity.VO,
		PreferredUsername: identity.PreferredUsername,
		DiracGroup:        identity.DiracGroup,
		DiracProperties:   identity.Properties,
	}
	return i.sign(ctx, claims)
}

// MintPilotAccessToken mints a pilot access token. It carries pilot_stamp
// and deliberately no dirac_group or dirac_properties.
func (i *Issuer) MintPilotAccessToken(ctx context.Context, identity PilotIdentity, jti string) (string, error) {
	now := i.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			Subject:   identity.Sub,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessLifetime)),
		},
		VO:         identity.VO,
		PilotStamp: identity.PilotStamp,
	}
	return i.sign(ctx, claims)
}

// MintRefreshToken mints a refresh token JWT carrying the given jti. The
// server-side record keyed by jti is the authority; the JWT itself only
// proves possession.
func (i *Issuer) MintRefreshToken(ctx context.Context, sub, preferredUsername, jti string, legacyExchange bool) (string, error) {
	now := i.now()
	lifetime := i.refreshLifetime
	if legacyExchange {
		// Legacy exchanged tokens serve long-lived unattended agents.
		lifetime *= 12
	}
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   sub,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
		PreferredUsername: preferredUsername,
		LegacyExchange:    legacyExchange,
	}
	return i.sign(ctx, claims)
}

func (i *Issuer) sign(ctx context.Context, claims *Claims) (string, error) {
	key, err := i.keys.SigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("getting signing key: %w", err)
	}
	method := jwt.GetSigningMethod(key.Algorithm)
	if method == nil {
		return "", fmt.Errorf("unsupported signing algorithm %q", key.Algorithm)
	}
	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = key.KeyID
	signed, err := tok.SignedString(key.Key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
