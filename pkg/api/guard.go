// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"fmt"
	"net/http"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/token"
	"github.com/DIRACGrid/diracx-sub002/pkg/logger"
	"github.com/DIRACGrid/diracx-sub002/pkg/policy"
)

// HandlerFunc is an HTTP handler returning a domain error. Errors are
// translated to the stable {"detail": ...} shape at the boundary.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// UserHandlerFunc additionally receives the verified user principal.
type UserHandlerFunc func(w http.ResponseWriter, r *http.Request, user *token.AuthorizedUserInfo) error

// PilotHandlerFunc additionally receives the verified pilot principal.
type PilotHandlerFunc func(w http.ResponseWriter, r *http.Request, pilot *token.AuthorizedPilotInfo) error

// ParamsFunc extracts the action parameters a policy inspects from the
// request.
type ParamsFunc func(r *http.Request, user *token.AuthorizedUserInfo) policy.Params

// Guard constructs route handlers. Every route is built either through
// Open (deliberately public) or Protected/Pilot (policy attached); in
// development mode constructing a protected route without a policy
// crashes the process, so an accidentally open endpoint cannot ship
// silently.
type Guard struct {
	// DevAssert enables the construction-time policy assertion.
	DevAssert bool
}

// Open builds a handler for a deliberately public endpoint.
func (Guard) Open(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			writeError(w, err)
		}
	}
}

// Protected builds a handler requiring a verified user principal that
// satisfies the policy. paramsFn may be nil for policies that only
// inspect the principal.
func (g Guard) Protected(p policy.Policy, paramsFn ParamsFunc, h UserHandlerFunc) http.HandlerFunc {
	if p.Check == nil {
		if g.DevAssert {
			panic(fmt.Sprintf("protected route registered without a policy (%s)", p.Name))
		}
		logger.Warnf("protected route registered without a policy (%s)", p.Name)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			writeError(w, apierror.NewAuthenticationRequiredError("authentication required", nil))
			return
		}
		if p.Check != nil {
			var params policy.Params
			if paramsFn != nil {
				params = paramsFn(r, user)
			}
			if err := p.Check(user, params); err != nil {
				writeError(w, err)
				return
			}
		}
		if err := h(w, r, user); err != nil {
			writeError(w, err)
		}
	}
}

// Pilot builds a handler requiring a verified pilot principal.
func (Guard) Pilot(h PilotHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pilot, ok := PilotFromContext(r.Context())
		if !ok {
			writeError(w, apierror.NewAuthenticationRequiredError("pilot authentication required", nil))
			return
		}
		if err := h(w, r, pilot); err != nil {
			writeError(w, err)
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	if !apierror.IsInvalidRequest(err) && !apierror.IsAuthenticationRequired(err) &&
		!apierror.IsPermissionDenied(err) && !apierror.IsNotFound(err) &&
		!apierror.IsConflict(err) && !apierror.IsUnavailable(err) {
		logger.Errorf("internal error: %v", err)
	}
	apierror.WriteHTTP(w, err)
}
