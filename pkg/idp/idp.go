// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package idp brokers authentication against the external OpenID Connect
// identity provider of each virtual organization. The service never sees
// user credentials; it redirects the browser upstream and consumes the
// resulting id_token.
package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/DIRACGrid/diracx-sub002/pkg/registry"
)

// DefaultTimeout bounds every outbound call to the identity provider.
const DefaultTimeout = 10 * time.Second

// retryMaxTries bounds the transient retry loop around upstream calls.
const retryMaxTries = 4

// ErrInvalidIDToken is returned when the upstream id_token fails
// verification.
var ErrInvalidIDToken = errors.New("invalid id_token")

// IDTokenClaims are the claims this service consumes from an upstream
// id_token.
type IDTokenClaims struct {
	Sub               string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
}

// Client talks to one upstream identity provider on behalf of one VO.
type Client struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
	timeout  time.Duration
}

// NewClient performs OIDC discovery against the VO's identity provider and
// returns a client bound to its endpoints. redirectURI is this service's
// callback endpoint, registered with the upstream provider.
func NewClient(ctx context.Context, cfg registry.IdPConfig, redirectURI string, timeout time.Duration) (*Client, error) {
	if cfg.URL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("identity provider URL and client ID are required")
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	discoveryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	provider, err := oidc.NewProvider(discoveryCtx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("discovering identity provider %s: %w", cfg.URL, err)
	}

	return &Client{
		oauth: oauth2.Config{
			ClientID:    cfg.ClientID,
			Endpoint:    provider.Endpoint(),
			RedirectURL: redirectURI,
			Scopes:      []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		timeout:  timeout,
	}, nil
}

// AuthorizationURL builds the upstream authorization URL. state correlates
// the callback with the local flow record.
func (c *Client) AuthorizationURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// ExchangeCode exchanges an upstream authorization code for a verified
// id_token. Transient network failures are retried with jittered backoff;
// token-endpoint 4xx responses are never retried.
func (c *Client) ExchangeCode(ctx context.Context, code string) (string, *IDTokenClaims, error) {
	exchange := func() (*oauth2.Token, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		tok, err := c.oauth.Exchange(callCtx, code)
		if err != nil {
			var retrieveErr *oauth2.RetrieveError
			if errors.As(err, &retrieveErr) && retrieveErr.Response.StatusCode < http.StatusInternalServerError {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return tok, nil
	}

	tok, err := backoff.Retry(ctx, exchange,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(retryMaxTries),
	)
	if err != nil {
		return "", nil, fmt.Errorf("exchanging code with identity provider: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return "", nil, fmt.Errorf("%w: token response carries no id_token", ErrInvalidIDToken)
	}

	claims, err := c.VerifyIDToken(ctx, rawIDToken)
	if err != nil {
		return "", nil, err
	}
	return rawIDToken, claims, nil
}

// VerifyIDToken verifies an id_token against the upstream JWKS and returns
// its claims. Used both at the callback and again at mint time, so a flow
// record holding a forged or expired id_token can never produce tokens.
func (c *Client) VerifyIDToken(ctx context.Context, rawIDToken string) (*IDTokenClaims, error) {
	verifyCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	idToken, err := c.verifier.Verify(verifyCtx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}

	var claims IDTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}
	if claims.Sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidIDToken)
	}
	return &claims, nil
}
