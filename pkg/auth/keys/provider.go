// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/DIRACGrid/diracx-sub002/pkg/logger"
)

// Provider provides signing keys for internal JWT operations.
// Implementations handle key sourcing (PEM, file, generation).
type Provider interface {
	// SigningKey returns the current active signing key.
	// Returns ErrNoSigningKey if no key is available.
	SigningKey(ctx context.Context) (*SigningKeyData, error)

	// PublicKeys returns all public keys for the JWKS endpoint.
	// May return multiple keys during rotation periods.
	PublicKeys(ctx context.Context) ([]*PublicKeyData, error)
}

// PEMProvider loads signing keys from PEM material. The first key is the
// active signing key; the rest are kept verifiable for rotation.
// Keys are loaded once at construction time; changes require restart.
type PEMProvider struct {
	signingKey *SigningKeyData
	allKeys    []*SigningKeyData
}

// NewPEMProvider creates a provider from PEM sources. Each source is either
// inline PEM or a file:// URL. Supports RSA (PKCS1/PKCS8) and ECDSA
// (SEC1/PKCS8) keys. The first source is the active signing key.
func NewPEMProvider(sources ...string) (*PEMProvider, error) {
	if len(sources) == 0 || sources[0] == "" {
		return nil, ErrNoSigningKey
	}

	allKeys := make([]*SigningKeyData, 0, len(sources))
	for _, source := range sources {
		key, err := loadKey(source)
		if err != nil {
			return nil, err
		}
		allKeys = append(allKeys, key)
	}

	return &PEMProvider{
		signingKey: allKeys[0],
		allKeys:    allKeys,
	}, nil
}

func loadKey(source string) (*SigningKeyData, error) {
	data := []byte(source)
	if strings.HasPrefix(source, "file://") {
		var err error
		data, err = os.ReadFile(strings.TrimPrefix(source, "file://"))
		if err != nil {
			return nil, fmt.Errorf("reading signing key: %w", err)
		}
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("signing key is not valid PEM")
	}

	var (
		signer crypto.Signer
		err    error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		signer, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		signer, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		var parsed any
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			signer, ok = parsed.(crypto.Signer)
			if !ok {
				err = fmt.Errorf("unsupported key type %T", parsed)
			}
		}
	default:
		err = fmt.Errorf("unsupported PEM block %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}

	alg, err := algorithmFor(signer)
	if err != nil {
		return nil, err
	}
	kid, err := DeriveKeyID(signer)
	if err != nil {
		return nil, err
	}

	return &SigningKeyData{
		KeyID:     kid,
		Algorithm: alg,
		Key:       signer,
		CreatedAt: time.Now(),
	}, nil
}

func algorithmFor(signer crypto.Signer) (string, error) {
	switch key := signer.(type) {
	case *rsa.PrivateKey:
		return "RS256", nil
	case *ecdsa.PrivateKey:
		switch key.Curve {
		case elliptic.P256():
			return "ES256", nil
		case elliptic.P384():
			return "ES384", nil
		case elliptic.P521():
			return "ES512", nil
		}
		return "", fmt.Errorf("unsupported curve %s", key.Curve.Params().Name)
	default:
		return "", fmt.Errorf("unsupported key type %T", signer)
	}
}

// DeriveKeyID computes a stable key identifier from the JWK thumbprint
// (RFC 7638) of the public key.
func DeriveKeyID(signer crypto.Signer) (string, error) {
	key, err := jwk.Import(signer.Public())
	if err != nil {
		return "", fmt.Errorf("importing public key: %w", err)
	}
	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint[:16]), nil
}

// SigningKey returns the active signing key.
// Returns a copy to prevent external mutation of internal state.
func (p *PEMProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	k := *p.signingKey
	return &k, nil
}

// PublicKeys returns public keys for all loaded keys (active + fallback).
// This keeps tokens signed with rotated-out keys verifiable.
func (p *PEMProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	pubKeys := make([]*PublicKeyData, 0, len(p.allKeys))
	for _, key := range p.allKeys {
		pubKeys = append(pubKeys, &PublicKeyData{
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			PublicKey: key.Key.Public(),
			CreatedAt: key.CreatedAt,
		})
	}
	return pubKeys, nil
}

// GeneratingProvider generates an ephemeral key on first access.
// Suitable for development but NOT recommended for production.
// Generated keys are lost on restart, invalidating all issued tokens.
type GeneratingProvider struct {
	mu  sync.Mutex
	key *SigningKeyData
}

// NewGeneratingProvider creates a provider that generates an ephemeral
// ES256 key lazily on first SigningKey() call.
func NewGeneratingProvider() *GeneratingProvider {
	return &GeneratingProvider{}
}

// SigningKey returns the signing key, generating one if needed.
func (p *GeneratingProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != nil {
		k := *p.key
		return &k, nil
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	kid, err := DeriveKeyID(privateKey)
	if err != nil {
		return nil, err
	}

	logger.Warnw("generated ephemeral signing key - tokens will be invalid after restart",
		"key_id", kid)

	p.key = &SigningKeyData{
		KeyID:     kid,
		Algorithm: "ES256",
		Key:       privateKey,
		CreatedAt: time.Now(),
	}
	k := *p.key
	return &k, nil
}

// PublicKeys returns the public key for JWKS, generating it if needed.
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*PublicKeyData, error) {
	key, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*PublicKeyData{{
		KeyID:     key.KeyID,
		Algorithm: key.Algorithm,
		PublicKey: key.Key.Public(),
		CreatedAt: key.CreatedAt,
	}}, nil
}

// JWKSet renders the provider's public keys as a JWK set.
func JWKSet(ctx context.Context, p Provider) (jwk.Set, error) {
	pubKeys, err := p.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}

	set := jwk.NewSet()
	for _, pub := range pubKeys {
		key, err := jwk.Import(pub.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("importing public key: %w", err)
		}
		if err := key.Set(jwk.KeyIDKey, pub.KeyID); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.AlgorithmKey, pub.Algorithm); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, err
		}
		if err := set.AddKey(key); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Compile-time interface checks.
var (
	_ Provider = (*PEMProvider)(nil)
	_ Provider = (*GeneratingProvider)(nil)
)
