// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package keys provides signing keys for internal token operations.
package keys

import (
	"crypto"
	"errors"
	"time"
)

// ErrNoSigningKey is returned when no signing key is available.
var ErrNoSigningKey = errors.New("no signing key available")

// DefaultAlgorithm is used when no algorithm can be derived from the key.
const DefaultAlgorithm = "RS256"

// SigningKeyData holds a private key and its JOSE parameters.
type SigningKeyData struct {
	// KeyID identifies this key in the JWK set and in token headers.
	KeyID string

	// Algorithm is the JWS algorithm this key signs with (RS256, ES256...).
	Algorithm string

	// Key is the private key.
	Key crypto.Signer

	// CreatedAt is when the key was loaded or generated.
	CreatedAt time.Time
}

// PublicKeyData holds the public half of a signing key for the JWKS.
type PublicKeyData struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
	CreatedAt time.Time
}
