// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/token"
	"github.com/DIRACGrid/diracx-sub002/pkg/pilots"
	"github.com/DIRACGrid/diracx-sub002/pkg/policy"
)

// Token endpoint grant types.
const (
	grantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
)

// AuthRouter serves the identity brokerage endpoints. The OAuth
// endpoints are public by design; userinfo requires a verified
// principal.
func AuthRouter(deps Deps) http.Handler {
	routes := &authRoutes{svc: deps.Auth, pilots: deps.Pilots}
	r := chi.NewRouter()

	r.Post("/device", deps.Guard.Open(routes.initiateDeviceFlow))
	r.Get("/device", deps.Guard.Open(routes.redirectDeviceFlow))
	r.Get("/authorize", deps.Guard.Open(routes.initiateAuthorizationFlow))
	r.Get("/authorize/complete", deps.Guard.Open(routes.completeFlow))
	r.Post("/token", deps.Guard.Open(routes.issueToken))
	r.Post("/revoke", deps.Guard.Open(routes.revoke))
	r.Get("/userinfo", deps.Guard.Protected(policy.Authenticated, nil, routes.userinfo))
	r.Get("/pilot-userinfo", deps.Guard.Pilot(routes.pilotUserinfo))
	r.Get("/legacy-exchange", deps.Guard.Open(routes.legacyExchange))
	r.Post("/pilot-login", deps.Guard.Open(routes.pilotLogin))
	r.Post("/pilot-refresh-token", deps.Guard.Open(routes.pilotRefresh))

	return r
}

type authRoutes struct {
	svc    *auth.Service
	pilots *pilots.Store
}

// oauthError writes an RFC 6749 error body. The token endpoint speaks
// the OAuth error vocabulary, not the service's {"detail"} shape.
func oauthError(w http.ResponseWriter, status int, code string) error {
	return writeJSON(w, status, map[string]string{"error": code})
}

type deviceFlowRequest struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
}

func (h *authRoutes) initiateDeviceFlow(w http.ResponseWriter, r *http.Request) error {
	var req deviceFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return apierror.NewInvalidRequestError("malformed request body", err)
	}
	resp, err := h.svc.InitiateDeviceFlow(r.Context(), req.ClientID, req.Scope)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, resp)
}

// redirectDeviceFlow is the browser half of the device flow: the user
// opens the verification URI with their user code and is bounced to the
// upstream identity provider.
func (h *authRoutes) redirectDeviceFlow(w http.ResponseWriter, r *http.Request) error {
	userCode := r.URL.Query().Get("user_code")
	if userCode == "" {
		return apierror.NewInvalidRequestError("user_code is required", nil)
	}
	target, err := h.svc.ValidateUserCode(r.Context(), userCode)
	if err != nil {
		return err
	}
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

func (h *authRoutes) initiateAuthorizationFlow(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	if rt := q.Get("response_type"); rt != "code" {
		return apierror.NewInvalidRequestError("response_type must be code", nil)
	}
	resp, err := h.svc.InitiateAuthorizationFlow(r.Context(),
		q.Get("client_id"), q.Get("scope"), q.Get("redirect_uri"),
		q.Get("code_challenge"), q.Get("code_challenge_method"))
	if err != nil {
		return err
	}
	http.Redirect(w, r, resp.RedirectURL, http.StatusFound)
	return nil
}

// completeFlow is the shared upstream callback. The state parameter
// identifies which flow the browser is finishing.
func (h *authRoutes) completeFlow(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	state, err := auth.DecodeState(q.Get("state"))
	if err != nil {
		return err
	}
	upstreamCode := q.Get("code")
	if upstreamCode == "" {
		return apierror.NewInvalidRequestError("code is required", nil)
	}

	switch state.Kind {
	case auth.FlowKindDevice:
		if err := h.svc.CompleteDeviceFlow(r.Context(), state.Key, upstreamCode); err != nil {
			return err
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Authentication complete. You may close this window.\n"))
		return nil
	case auth.FlowKindAuthorization:
		target, err := h.svc.CompleteAuthorizationFlow(r.Context(), state.Key, upstreamCode)
		if err != nil {
			return err
		}
		http.Redirect(w, r, target, http.StatusFound)
		return nil
	default:
		return apierror.NewInvalidRequestError("malformed state parameter", nil)
	}
}

func (h *authRoutes) issueToken(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return oauthError(w, http.StatusBadRequest, "invalid_request")
	}

	switch r.PostForm.Get("grant_type") {
	case grantDeviceCode:
		return h.deviceCodeGrant(w, r)
	case grantAuthorizationCode:
		return h.authorizationCodeGrant(w, r)
	case grantRefreshToken:
		return h.refreshTokenGrant(w, r)
	default:
		return oauthError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

func (h *authRoutes) deviceCodeGrant(w http.ResponseWriter, r *http.Request) error {
	result, err := h.svc.PollDeviceFlow(r.Context(), r.PostForm.Get("device_code"))
	if err != nil {
		if apierror.IsInvalidRequest(err) || apierror.IsAuthenticationRequired(err) {
			return oauthError(w, http.StatusBadRequest, "invalid_grant")
		}
		return err
	}
	switch result.Kind {
	case auth.PollSuccess:
		return writeJSON(w, http.StatusOK, result.Tokens)
	case auth.PollPending:
		return oauthError(w, http.StatusBadRequest, "authorization_pending")
	case auth.PollExpired:
		return oauthError(w, http.StatusBadRequest, "expired_token")
	default:
		return oauthError(w, http.StatusBadRequest, "access_denied")
	}
}

func (h *authRoutes) authorizationCodeGrant(w http.ResponseWriter, r *http.Request) error {
	tokens, err := h.svc.RedeemAuthorizationCode(r.Context(),
		r.PostForm.Get("code"), r.PostForm.Get("code_verifier"))
	if err != nil {
		if apierror.IsAuthenticationRequired(err) {
			return oauthError(w, http.StatusBadRequest, "invalid_grant")
		}
		return err
	}
	return writeJSON(w, http.StatusOK, tokens)
}

func (h *authRoutes) refreshTokenGrant(w http.ResponseWriter, r *http.Request) error {
	tokens, err := h.svc.Refresh(r.Context(), r.PostForm.Get("refresh_token"))
	if err != nil {
		if apierror.IsAuthenticationRequired(err) {
			return oauthError(w, http.StatusBadRequest, "invalid_grant")
		}
		return err
	}
	return writeJSON(w, http.StatusOK, tokens)
}

// revoke is a silent no-op for unknown tokens, per RFC 7009.
func (h *authRoutes) revoke(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return apierror.NewInvalidRequestError("malformed request body", err)
	}
	if err := h.svc.Revoke(r.Context(), r.PostForm.Get("token")); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// userinfoResponse is the principal view of the presented token.
type userinfoResponse struct {
	Sub               string   `json:"sub"`
	VO                string   `json:"vo"`
	PreferredUsername string   `json:"preferred_username"`
	DiracGroup        string   `json:"dirac_group"`
	Properties        []string `json:"properties"`
}

func (*authRoutes) userinfo(w http.ResponseWriter, _ *http.Request, user *token.AuthorizedUserInfo) error {
	properties := make([]string, 0, len(user.Properties))
	for _, p := range user.Properties {
		properties = append(properties, string(p))
	}
	return writeJSON(w, http.StatusOK, userinfoResponse{
		Sub:               user.Sub,
		VO:                user.VO,
		PreferredUsername: user.PreferredUsername,
		DiracGroup:        user.DiracGroup,
		Properties:        properties,
	})
}

// pilotUserinfoResponse is the principal view of a pilot token.
type pilotUserinfoResponse struct {
	Sub        string `json:"sub"`
	VO         string `json:"vo"`
	PilotStamp string `json:"pilot_stamp"`
}

func (*authRoutes) pilotUserinfo(w http.ResponseWriter, _ *http.Request, pilot *token.AuthorizedPilotInfo) error {
	return writeJSON(w, http.StatusOK, pilotUserinfoResponse{
		Sub:        pilot.Sub,
		VO:         pilot.VO,
		PilotStamp: pilot.PilotStamp,
	})
}

// legacyExchange mints a token pair for callers presenting the
// installation's legacy API key.
func (h *authRoutes) legacyExchange(w http.ResponseWriter, r *http.Request) error {
	apiKey, ok := bearerFromRequest(r)
	if !ok {
		return apierror.NewAuthenticationRequiredError("missing api key", nil)
	}
	q := r.URL.Query()
	tokens, err := h.svc.LegacyExchange(r.Context(), apiKey,
		q.Get("preferred_username"), q.Get("vo"), q.Get("group"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, tokens)
}

func bearerFromRequest(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", false
	}
	return header[len(prefix):], true
}

type pilotLoginRequest struct {
	PilotJobReference string `json:"pilot_job_reference"`
	PilotSecret       string `json:"pilot_secret"`
}

func (h *authRoutes) pilotLogin(w http.ResponseWriter, r *http.Request) error {
	var req pilotLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return apierror.NewInvalidRequestError("malformed request body", err)
	}
	pilot, err := h.pilots.Verify(r.Context(), req.PilotJobReference, req.PilotSecret)
	if err != nil {
		return err
	}
	tokens, err := h.svc.MintPilotPair(r.Context(), pilot.Identity(), pilot.PilotJobReference)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, tokens)
}

type pilotRefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *authRoutes) pilotRefresh(w http.ResponseWriter, r *http.Request) error {
	var req pilotRefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return apierror.NewInvalidRequestError("malformed request body", err)
	}
	tokens, err := h.svc.RefreshPilot(r.Context(), req.RefreshToken, auth.PilotResolver(h.pilots.Resolver()))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, tokens)
}
