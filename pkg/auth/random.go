// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// User codes are short enough to type from a second device; the alphabet
// avoids easily confused characters.
const (
	userCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	userCodeLength   = 8

	// deviceCodeLength is the length of the opaque device code.
	deviceCodeLength = 128
)

// NewUserCode generates a fixed-length uppercase user code by rejection
// sampling, so every character is drawn uniformly from the alphabet.
func NewUserCode() (string, error) {
	code := make([]byte, 0, userCodeLength)
	buf := make([]byte, 1)
	// Reject bytes above the largest multiple of the alphabet size to
	// avoid modulo bias.
	limit := byte(256 - 256%len(userCodeAlphabet))
	for len(code) < userCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		if buf[0] >= limit {
			continue
		}
		code = append(code, userCodeAlphabet[int(buf[0])%len(userCodeAlphabet)])
	}
	return string(code), nil
}

// newOpaqueToken generates a URL-safe random string of exactly n
// characters.
func newOpaqueToken(n int) (string, error) {
	raw := make([]byte, (n*3+3)/4+3)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)[:n], nil
}

// NewDeviceCode generates the opaque code the device polls with.
func NewDeviceCode() (string, error) {
	return newOpaqueToken(deviceCodeLength)
}

// NewAuthorizationCode generates a single-use authorization code.
func NewAuthorizationCode() (string, error) {
	return newOpaqueToken(32)
}
