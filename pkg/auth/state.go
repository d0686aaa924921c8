// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/base64"
	"strings"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
)

// FlowKind distinguishes the two interactive flows sharing the upstream
// callback endpoint.
type FlowKind string

// Flow kinds round-tripped through the identity provider state parameter.
const (
	FlowKindDevice        FlowKind = "device"
	FlowKindAuthorization FlowKind = "authorization"
)

// FlowState is the value round-tripped through the upstream identity
// provider as the OAuth state parameter.
type FlowState struct {
	Kind FlowKind
	Key  string
}

// EncodeState renders a FlowState to its wire form.
func EncodeState(state FlowState) string {
	return base64.RawURLEncoding.EncodeToString([]byte(string(state.Kind) + ":" + state.Key))
}

// DecodeState parses a state parameter received on the upstream callback.
func DecodeState(raw string) (FlowState, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return FlowState{}, apierror.NewInvalidRequestError("malformed state parameter", nil)
	}
	kind, key, ok := strings.Cut(string(decoded), ":")
	if !ok || key == "" {
		return FlowState{}, apierror.NewInvalidRequestError("malformed state parameter", nil)
	}
	switch FlowKind(kind) {
	case FlowKindDevice, FlowKindAuthorization:
		return FlowState{Kind: FlowKind(kind), Key: key}, nil
	default:
		return FlowState{}, apierror.NewInvalidRequestError("unknown flow kind in state parameter", nil)
	}
}
