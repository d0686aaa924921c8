// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"

	"github.com/google/uuid"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/storage"
	"github.com/DIRACGrid/diracx-sub002/pkg/logger"
)

// CodeChallengeMethodS256 is the only accepted PKCE challenge method.
const CodeChallengeMethodS256 = "S256"

// AuthorizationResponse is returned by flow initiation: the upstream
// authorization URL the browser is redirected to, and the flow UUID.
type AuthorizationResponse struct {
	UUID        string
	RedirectURL string
}

// InitiateAuthorizationFlow starts an authorization-code grant with PKCE.
// Only the S256 challenge method is accepted.
func (s *Service) InitiateAuthorizationFlow(
	ctx context.Context,
	clientID, scope, redirectURI, codeChallenge, codeChallengeMethod string,
) (*AuthorizationResponse, error) {
	if codeChallengeMethod != CodeChallengeMethodS256 {
		return nil, apierror.NewInvalidRequestError("code_challenge_method must be S256", nil)
	}
	if codeChallenge == "" {
		return nil, apierror.NewInvalidRequestError("code_challenge is required", nil)
	}
	if redirectURI == "" {
		return nil, apierror.NewInvalidRequestError("redirect_uri is required", nil)
	}

	snap, err := s.view.Snapshot()
	if err != nil {
		return nil, err
	}
	parsed, err := ParseScope(scope, snap.Config)
	if err != nil {
		return nil, err
	}

	flowUUID := uuid.NewString()
	flow := &storage.AuthorizationFlow{
		UUID:          flowUUID,
		ClientID:      clientID,
		Scope:         scope,
		CodeChallenge: codeChallenge,
		RedirectURI:   redirectURI,
		Status:        storage.FlowPending,
		CreationTime:  s.now().UTC(),
	}
	if err := s.store.InsertAuthorizationFlow(ctx, flow); err != nil {
		return nil, err
	}

	client, err := s.clientFor(ctx, parsed.VO)
	if err != nil {
		return nil, err
	}
	logger.Debugw("initiated authorization flow", "client_id", clientID, "uuid", flowUUID)
	return &AuthorizationResponse{
		UUID:        flowUUID,
		RedirectURL: client.AuthorizationURL(EncodeState(FlowState{Kind: FlowKindAuthorization, Key: flowUUID})),
	}, nil
}

// CompleteAuthorizationFlow consumes the upstream callback: it exchanges
// the upstream code, verifies the id_token, assigns the single-use local
// code and returns the client redirect URL carrying it. A second callback
// for the same flow fails.
func (s *Service) CompleteAuthorizationFlow(ctx context.Context, flowUUID, upstreamCode string) (string, error) {
	flow, err := s.store.GetAuthorizationFlow(ctx, flowUUID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", apierror.NewNotFoundError("unknown authorization flow", nil)
	}
	if err != nil {
		return "", err
	}
	if s.expired(flow.CreationTime, s.cfg.AuthorizationFlowLifetime) {
		return "", apierror.NewAuthenticationRequiredError("authorization flow expired", nil)
	}

	snap, err := s.view.Snapshot()
	if err != nil {
		return "", err
	}
	scope, err := ParseScope(flow.Scope, snap.Config)
	if err != nil {
		return "", err
	}
	client, err := s.clientFor(ctx, scope.VO)
	if err != nil {
		return "", err
	}
	idToken, _, err := client.ExchangeCode(ctx, upstreamCode)
	if err != nil {
		return "", apierror.NewAuthenticationRequiredError("identity provider exchange failed", nil)
	}

	code, err := NewAuthorizationCode()
	if err != nil {
		return "", err
	}
	won, err := s.store.SetAuthorizationFlowIDToken(ctx, flowUUID, code, idToken)
	if err != nil {
		return "", err
	}
	if !won {
		return "", apierror.NewAuthenticationRequiredError("authorization flow is not pending", nil)
	}
	return flow.RedirectURI + "?code=" + code + "&state=" + flowUUID, nil
}

// RedeemAuthorizationCode exchanges a single-use code plus its PKCE
// verifier for a token pair. The challenge comparison is constant time and
// every failure path reports the same invalid_grant error.
func (s *Service) RedeemAuthorizationCode(ctx context.Context, code, codeVerifier string) (*TokenResponse, error) {
	invalidGrant := apierror.NewAuthenticationRequiredError("invalid_grant", nil)

	flow, err := s.store.GetAuthorizationFlowByCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, invalidGrant
	}
	if err != nil {
		return nil, err
	}
	if s.expired(flow.CreationTime, s.cfg.AuthorizationFlowLifetime) {
		return nil, invalidGrant
	}
	if flow.Status != storage.FlowReady {
		return nil, invalidGrant
	}

	digest := sha256.Sum256([]byte(codeVerifier))
	computed := base64.RawURLEncoding.EncodeToString(digest[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(flow.CodeChallenge)) != 1 {
		return nil, invalidGrant
	}

	snap, err := s.view.Snapshot()
	if err != nil {
		return nil, err
	}
	scope, err := ParseScope(flow.Scope, snap.Config)
	if err != nil {
		return nil, err
	}
	client, err := s.clientFor(ctx, scope.VO)
	if err != nil {
		return nil, err
	}
	claims, err := client.VerifyIDToken(ctx, flow.IDToken)
	if err != nil {
		return nil, invalidGrant
	}
	identity, err := s.identityFromIDToken(claims, scope)
	if err != nil {
		return nil, err
	}

	won, err := s.store.FinishAuthorizationFlow(ctx, code)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, invalidGrant
	}
	return s.mintPair(ctx, identity, flow.Scope, false)
}
