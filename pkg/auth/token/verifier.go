// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/DIRACGrid/diracx-sub002/pkg/auth/keys"
	"github.com/DIRACGrid/diracx-sub002/pkg/registry"
)

// Common verification errors.
var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrMissingClaim    = errors.New("missing required claim")
	ErrWrongTokenShape = errors.New("wrong token shape for this operation")
)

// AuthorizedUserInfo is the verified user principal attached to a request.
// Properties come from the registry snapshot at verification time, not from
// the token, so a property removed from the group is lost immediately.
type AuthorizedUserInfo struct {
	Sub               string
	VO                string
	PreferredUsername string
	DiracGroup        string
	Properties        []registry.SecurityProperty
	BearerToken       string
	TokenID           string
}

// HasProperty reports whether the principal carries the given property.
func (u *AuthorizedUserInfo) HasProperty(p registry.SecurityProperty) bool {
	for _, prop := range u.Properties {
		if prop == p {
			return true
		}
	}
	return false
}

// AuthorizedPilotInfo is the verified pilot principal attached to a request.
type AuthorizedPilotInfo struct {
	Sub         string
	VO          string
	PilotStamp  string
	BearerToken string
	TokenID     string
}

// Verifier validates internally minted JWTs against the key provider and
// resolves the authorization payload against a registry snapshot.
type Verifier struct {
	issuer string
	keys   keys.Provider
}

// NewVerifier creates a Verifier for tokens minted by this installation.
func NewVerifier(issuer string, provider keys.Provider) *Verifier {
	return &Verifier{issuer: issuer, keys: provider}
}

// acceptedMethods are the JWS algorithms the key provider can produce.
var acceptedMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// Verify parses and validates a raw JWT: signature against any key in the
// set, issuer, expiry. It does not decide whether the token is a user,
// pilot or refresh token; callers inspect the claims.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return v.keyFor(ctx, t)
	},
		jwt.WithValidMethods(acceptedMethods),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrInvalidIssuer
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: jti", ErrMissingClaim)
	}
	return claims, nil
}

// VerifyUser verifies a user access token and resolves its properties from
// the registry snapshot. Pilot tokens are rejected.
func (v *Verifier) VerifyUser(ctx context.Context, raw string, config *registry.Config) (*AuthorizedUserInfo, error) {
	claims, err := v.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	if claims.PilotStamp != "" || claims.IsPilot() {
		return nil, fmt.Errorf("%w: pilot token on a user operation", ErrWrongTokenShape)
	}
	if claims.VO == "" {
		return nil, fmt.Errorf("%w: vo", ErrMissingClaim)
	}

	vo, ok := config.Registry[claims.VO]
	if !ok {
		return nil, fmt.Errorf("%w: unknown vo %q", ErrInvalidToken, claims.VO)
	}
	group, ok := vo.Groups[claims.DiracGroup]
	if !ok {
		return nil, fmt.Errorf("%w: unknown group %q", ErrInvalidToken, claims.DiracGroup)
	}

	return &AuthorizedUserInfo{
		Sub:               claims.Subject,
		VO:                claims.VO,
		PreferredUsername: claims.PreferredUsername,
		DiracGroup:        claims.DiracGroup,
		Properties:        group.Properties,
		BearerToken:       raw,
		TokenID:           claims.ID,
	}, nil
}

// VerifyPilot verifies a pilot access token. User tokens are rejected.
func (v *Verifier) VerifyPilot(ctx context.Context, raw string) (*AuthorizedPilotInfo, error) {
	claims, err := v.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	if claims.PilotStamp == "" {
		return nil, fmt.Errorf("%w: user token on a pilot operation", ErrWrongTokenShape)
	}
	return &AuthorizedPilotInfo{
		Sub:         claims.Subject,
		VO:          claims.VO,
		PilotStamp:  claims.PilotStamp,
		BearerToken: raw,
		TokenID:     claims.ID,
	}, nil
}

func (v *Verifier) keyFor(ctx context.Context, t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	publicKeys, err := v.keys.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading public keys: %w", err)
	}
	for _, pk := range publicKeys {
		if pk.KeyID == kid {
			return pk.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}
