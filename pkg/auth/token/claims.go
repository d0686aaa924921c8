// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package token mints and verifies the internal capability tokens issued
// after identity brokerage. Access and refresh tokens are both signed JWTs;
// the refresh token carries only its jti and owner, the access token carries
// the full authorization payload.
package token

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/DIRACGrid/diracx-sub002/pkg/registry"
)

// TokenTypeBearer is the token_type reported in token responses.
const TokenTypeBearer = "Bearer"

// Claims is the payload of every internally minted JWT. User access tokens
// carry vo, preferred_username, dirac_group and dirac_properties. Pilot
// access tokens carry pilot_stamp and no group or properties. Refresh tokens
// carry the owner identity and legacy_exchange but no authorization payload.
type Claims struct {
	jwt.RegisteredClaims

	VO                string                      `json:"vo,omitempty"`
	PreferredUsername string                      `json:"preferred_username,omitempty"`
	DiracGroup        string                      `json:"dirac_group,omitempty"`
	DiracProperties   []registry.SecurityProperty `json:"dirac_properties,omitempty"`
	PilotStamp        string                      `json:"pilot_stamp,omitempty"`
	LegacyExchange    bool                        `json:"legacy_exchange,omitempty"`
}

// IsPilot reports whether the claims describe a pilot principal. Pilots are
// identified by the absence of dirac_group.
func (c *Claims) IsPilot() bool {
	return c.DiracGroup == ""
}

// UserIdentity is the resolved identity an access token is minted for.
type UserIdentity struct {
	// Sub is the canonical internal principal, "{vo}:{subject}".
	Sub               string
	VO                string
	PreferredUsername string
	DiracGroup        string
	Properties        []registry.SecurityProperty
}

// PilotIdentity is the resolved identity a pilot access token is minted for.
type PilotIdentity struct {
	Sub        string
	VO         string
	PilotStamp string
}
