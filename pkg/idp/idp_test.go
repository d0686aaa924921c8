// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/oauth2-proxy/mockoidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DIRACGrid/diracx-sub002/pkg/registry"
)

func startMockIdP(t *testing.T) *mockoidc.MockOIDC {
	t.Helper()
	m, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	// Public client: the token request carries no secret.
	m.ClientSecret = ""
	return m
}

func newTestClient(t *testing.T, m *mockoidc.MockOIDC) *Client {
	t.Helper()
	client, err := NewClient(context.Background(), registry.IdPConfig{
		URL:      m.Issuer(),
		ClientID: m.Config().ClientID,
	}, "http://localhost:8000/api/auth/authorize/complete", 5*time.Second)
	require.NoError(t, err)
	return client
}

// authorize walks the upstream authorization endpoint and returns the code
// from the redirect, the way a browser would.
func authorize(t *testing.T, client *Client, state string) string {
	t.Helper()
	httpClient := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := httpClient.Get(client.AuthorizationURL(state))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, state, location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func TestAuthorizationURL(t *testing.T) {
	t.Parallel()
	m := startMockIdP(t)
	client := newTestClient(t, m)

	u, err := url.Parse(client.AuthorizationURL("flow-state-1"))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, m.Config().ClientID, q.Get("client_id"))
	assert.Equal(t, "flow-state-1", q.Get("state"))
	assert.Contains(t, q.Get("scope"), "openid")
}

func TestExchangeCode(t *testing.T) {
	t.Parallel()
	m := startMockIdP(t)
	client := newTestClient(t, m)

	m.QueueUser(&mockoidc.MockUser{
		Subject:           "42",
		PreferredUsername: "chaen",
		Email:             "chaen@cern.ch",
	})
	code := authorize(t, client, "flow-state-2")

	rawIDToken, claims, err := client.ExchangeCode(context.Background(), code)
	require.NoError(t, err)
	assert.NotEmpty(t, rawIDToken)
	assert.Equal(t, "42", claims.Sub)
	assert.Equal(t, "chaen", claims.PreferredUsername)

	// The stored id_token verifies again at mint time.
	claims, err = client.VerifyIDToken(context.Background(), rawIDToken)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.Sub)
}

func TestExchangeCodeInvalid(t *testing.T) {
	t.Parallel()
	m := startMockIdP(t)
	client := newTestClient(t, m)

	// A bad code is a 4xx and must fail without exhausting the retry
	// budget against the provider.
	start := time.Now()
	_, _, err := client.ExchangeCode(context.Background(), "no-such-code")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestVerifyIDTokenGarbage(t *testing.T) {
	t.Parallel()
	m := startMockIdP(t)
	client := newTestClient(t, m)

	_, err := client.VerifyIDToken(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidIDToken)
}

func TestBrokerCachesClients(t *testing.T) {
	t.Parallel()
	m := startMockIdP(t)
	broker := NewBroker("http://localhost:8000/api/auth/authorize/complete", 5*time.Second)

	cfg := registry.IdPConfig{URL: m.Issuer(), ClientID: m.Config().ClientID}
	first, err := broker.ClientFor(context.Background(), cfg)
	require.NoError(t, err)
	second, err := broker.ClientFor(context.Background(), cfg)
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = broker.ClientFor(context.Background(), registry.IdPConfig{URL: "http://127.0.0.1:1", ClientID: "x"})
	assert.Error(t, err)
}
