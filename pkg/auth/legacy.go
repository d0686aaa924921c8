// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/token"
	"github.com/DIRACGrid/diracx-sub002/pkg/logger"
)

// LegacyExchange trades the pre-shared legacy bearer for an internal token
// pair on behalf of (preferred_username, vo, group). The endpoint is gated
// by installation policy: an unset digest disables it entirely.
func (s *Service) LegacyExchange(ctx context.Context, apiKey, preferredUsername, vo, group string) (*TokenResponse, error) {
	if s.cfg.LegacyExchangeHashedAPIKey == "" {
		return nil, apierror.NewUnavailableError("legacy exchange is not enabled", nil)
	}

	digest := sha256.Sum256([]byte(apiKey))
	presented := hex.EncodeToString(digest[:])
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.LegacyExchangeHashedAPIKey)) != 1 {
		return nil, apierror.NewAuthenticationRequiredError("invalid legacy exchange key", nil)
	}

	snap, err := s.view.Snapshot()
	if err != nil {
		return nil, err
	}
	voConfig, ok := snap.Config.Registry[vo]
	if !ok {
		return nil, apierror.NewInvalidRequestError(fmt.Sprintf("unknown vo %q", vo), nil)
	}
	groupConfig, ok := voConfig.Groups[group]
	if !ok {
		return nil, apierror.NewInvalidRequestError(fmt.Sprintf("unknown group %q for vo %q", group, vo), nil)
	}
	subject, _, err := voConfig.FindUserByPreferredUsername(preferredUsername)
	if err != nil {
		return nil, apierror.NewInvalidRequestError(err.Error(), nil)
	}
	if !groupConfig.HasUser(subject) {
		return nil, apierror.NewInvalidRequestError(
			fmt.Sprintf("user %q is not a member of group %q", preferredUsername, group), nil)
	}

	identity := token.UserIdentity{
		Sub:               vo + ":" + subject,
		VO:                vo,
		PreferredUsername: preferredUsername,
		DiracGroup:        group,
		Properties:        groupConfig.Properties,
	}
	scope := ParsedScope{VO: vo, Group: group, Properties: groupConfig.Properties}.String()

	logger.Infow("legacy exchange", "preferred_username", preferredUsername, "vo", vo, "group", group)
	return s.mintPair(ctx, identity, scope, true)
}
