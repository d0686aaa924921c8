// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/storage"
	"github.com/DIRACGrid/diracx-sub002/pkg/logger"
)

// userCodeRetries bounds collision retries when generating a user code.
const userCodeRetries = 5

// DeviceFlowResponse is the RFC 8628 device authorization response.
type DeviceFlowResponse struct {
	UserCode                string `json:"user_code"`
	DeviceCode              string `json:"device_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// DevicePollKind enumerates the outcomes of polling a device flow.
type DevicePollKind int

// Poll outcomes. Exactly one concurrent poll of a READY flow observes
// PollSuccess.
const (
	PollPending DevicePollKind = iota
	PollSuccess
	PollExpired
	PollDenied
)

// DevicePollResult is the outcome of one poll. Tokens is set only for
// PollSuccess.
type DevicePollResult struct {
	Kind   DevicePollKind
	Tokens *TokenResponse
}

// InitiateDeviceFlow starts a device authorization grant. The scope is
// validated against the current registry snapshot before anything is
// stored.
func (s *Service) InitiateDeviceFlow(ctx context.Context, clientID, scope string) (*DeviceFlowResponse, error) {
	snap, err := s.view.Snapshot()
	if err != nil {
		return nil, err
	}
	if _, err := ParseScope(scope, snap.Config); err != nil {
		return nil, err
	}

	deviceCode, err := NewDeviceCode()
	if err != nil {
		return nil, err
	}

	// User codes are short, so collisions with live flows happen. Retry a
	// bounded number of times and report failure deterministically after
	// that; the client simply initiates again.
	for attempt := 0; attempt < userCodeRetries; attempt++ {
		userCode, err := s.newUserCode()
		if err != nil {
			return nil, err
		}
		flow := &storage.DeviceFlow{
			UserCode:     userCode,
			DeviceCode:   deviceCode,
			ClientID:     clientID,
			Scope:        scope,
			Status:       storage.FlowPending,
			CreationTime: s.now().UTC(),
		}
		err = s.store.InsertDeviceFlow(ctx, flow)
		if errors.Is(err, storage.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("storing device flow: %w", err)
		}

		logger.Debugw("initiated device flow", "client_id", clientID, "user_code", userCode)
		return &DeviceFlowResponse{
			UserCode:                userCode,
			DeviceCode:              deviceCode,
			VerificationURI:         s.cfg.VerificationURI,
			VerificationURIComplete: s.cfg.VerificationURI + "?user_code=" + userCode,
			ExpiresIn:               int(s.cfg.DeviceFlowLifetime.Seconds()),
			Interval:                5,
		}, nil
	}
	return nil, apierror.NewUnavailableError("could not allocate a user code, please retry", nil)
}

// ValidateUserCode checks that a user code designates a live PENDING flow
// and returns the upstream authorization URL the browser is sent to.
func (s *Service) ValidateUserCode(ctx context.Context, userCode string) (string, error) {
	flow, err := s.store.GetDeviceFlowByUserCode(ctx, userCode)
	if errors.Is(err, storage.ErrNotFound) {
		return "", apierror.NewNotFoundError("unknown user code", nil)
	}
	if err != nil {
		return "", err
	}
	if s.expired(flow.CreationTime, s.cfg.DeviceFlowLifetime) {
		return "", apierror.NewNotFoundError("user code expired", nil)
	}
	if flow.Status != storage.FlowPending {
		return "", apierror.NewAuthenticationRequiredError("device flow already completed", nil)
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
	return client.AuthorizationURL(EncodeState(FlowState{Kind: FlowKindDevice, Key: userCode})), nil
}

// CompleteDeviceFlow consumes the upstream callback for a device flow: it
// exchanges the upstream code, verifies the id_token and transitions the
// flow PENDING to READY. A repeated callback fails.
func (s *Service) CompleteDeviceFlow(ctx context.Context, userCode, upstreamCode string) error {
	flow, err := s.store.GetDeviceFlowByUserCode(ctx, userCode)
	if errors.Is(err, storage.ErrNotFound) {
		return apierror.NewNotFoundError("unknown user code", nil)
	}
	if err != nil {
		return err
	}
	if s.expired(flow.CreationTime, s.cfg.DeviceFlowLifetime) {
		return apierror.NewAuthenticationRequiredError("device flow expired", nil)
	}

	snap, err := s.view.Snapshot()
	if err != nil {
		return err
	}
	scope, err := ParseScope(flow.Scope, snap.Config)
	if err != nil {
		return err
	}
	client, err := s.clientFor(ctx, scope.VO)
	if err != nil {
		return err
	}
	idToken, _, err := client.ExchangeCode(ctx, upstreamCode)
	if err != nil {
		// The flow cannot recover; mark it failed so the poller stops.
		if _, failErr := s.store.FailDeviceFlow(ctx, userCode); failErr != nil {
			logger.Warnf("failed to mark device flow as failed: %v", failErr)
		}
		return apierror.NewAuthenticationRequiredError("identity provider exchange failed", nil)
	}

	won, err := s.store.SetDeviceFlowIDToken(ctx, userCode, idToken)
	if err != nil {
		return err
	}
	if !won {
		return apierror.NewAuthenticationRequiredError("device flow is not pending", nil)
	}
	return nil
}

// PollDeviceFlow redeems a device code for a token pair once the flow is
// READY. Concurrent polls resolve with exactly one winner.
func (s *Service) PollDeviceFlow(ctx context.Context, deviceCode string) (*DevicePollResult, error) {
	flow, err := s.store.GetDeviceFlowByDeviceCode(ctx, deviceCode)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apierror.NewInvalidRequestError("unknown device code", nil)
	}
	if err != nil {
		return nil, err
	}

	if s.expired(flow.CreationTime, s.cfg.DeviceFlowLifetime) {
		return &DevicePollResult{Kind: PollExpired}, nil
	}
	switch flow.Status {
	case storage.FlowPending:
		return &DevicePollResult{Kind: PollPending}, nil
	case storage.FlowDone, storage.FlowError:
		return &DevicePollResult{Kind: PollDenied}, nil
	case storage.FlowReady:
		// fall through to redemption
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
	// Re-verify the stored id_token before consuming the flow, so a
	// transient verification problem does not burn the single redemption.
	claims, err := client.VerifyIDToken(ctx, flow.IDToken)
	if err != nil {
		return nil, apierror.NewAuthenticationRequiredError("stored id_token is no longer valid", nil)
	}
	identity, err := s.identityFromIDToken(claims, scope)
	if err != nil {
		return nil, err
	}

	won, err := s.store.FinishDeviceFlow(ctx, deviceCode)
	if err != nil {
		return nil, err
	}
	if !won {
		return &DevicePollResult{Kind: PollDenied}, nil
	}

	tokens, err := s.mintPair(ctx, identity, flow.Scope, false)
	if err != nil {
		return nil, err
	}
	return &DevicePollResult{Kind: PollSuccess, Tokens: tokens}, nil
}
