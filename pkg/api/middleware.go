// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/token"
	"github.com/DIRACGrid/diracx-sub002/pkg/registry"
)

type contextKey int

const (
	userKey contextKey = iota
	pilotKey
)

// UserFromContext returns the verified user principal of the request,
// if any.
func UserFromContext(ctx context.Context) (*token.AuthorizedUserInfo, bool) {
	user, ok := ctx.Value(userKey).(*token.AuthorizedUserInfo)
	return user, ok
}

// PilotFromContext returns the verified pilot principal of the request,
// if any.
func PilotFromContext(ctx context.Context) (*token.AuthorizedPilotInfo, bool) {
	pilot, ok := ctx.Value(pilotKey).(*token.AuthorizedPilotInfo)
	return pilot, ok
}

// Principal verifies the bearer token, when present, and attaches the
// resulting principal to the request context. Requests without a token
// pass through; the policy guards reject them on protected routes. A
// token that is present but invalid fails the request immediately.
func Principal(verifier *token.Verifier, view *registry.View) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := verifier.Verify(r.Context(), raw)
			if err != nil {
				apierror.WriteHTTP(w, apierror.NewAuthenticationRequiredError("invalid token", err))
				return
			}

			ctx := r.Context()
			if claims.PilotStamp != "" {
				pilot, err := verifier.VerifyPilot(ctx, raw)
				if err != nil {
					apierror.WriteHTTP(w, apierror.NewAuthenticationRequiredError("invalid token", err))
					return
				}
				ctx = context.WithValue(ctx, pilotKey, pilot)
			} else {
				snap, err := view.Snapshot()
				if err != nil {
					apierror.WriteHTTP(w, err)
					return
				}
				user, err := verifier.VerifyUser(ctx, raw, snap.Config)
				if err != nil {
					apierror.WriteHTTP(w, apierror.NewAuthenticationRequiredError("invalid token", err))
					return
				}
				ctx = context.WithValue(ctx, userKey, user)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", false
	}
	return raw, true
}
