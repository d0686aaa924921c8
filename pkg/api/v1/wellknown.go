// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/DIRACGrid/diracx-sub002/pkg/auth/keys"
	"github.com/DIRACGrid/diracx-sub002/pkg/registry"
)

// WellKnownRouter serves the discovery documents. All routes are
// public.
func WellKnownRouter(deps Deps) http.Handler {
	routes := &wellKnownRoutes{issuer: deps.Issuer, keys: deps.Keys, view: deps.View}
	r := chi.NewRouter()
	r.Get("/openid-configuration", deps.Guard.Open(routes.openIDConfiguration))
	r.Get("/dirac-metadata", deps.Guard.Open(routes.diracMetadata))
	r.Get("/jwks.json", deps.Guard.Open(routes.jwks))
	return r
}

type wellKnownRoutes struct {
	issuer string
	keys   keys.Provider
	view   *registry.View
}

// openIDMetadata is the RFC 8414 subset served by this installation.
type openIDMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	DeviceAuthorizationEndpoint       string   `json:"device_authorization_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

func (h *wellKnownRoutes) openIDConfiguration(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, openIDMetadata{
		Issuer:                      h.issuer,
		AuthorizationEndpoint:       h.issuer + "/api/auth/authorize",
		TokenEndpoint:               h.issuer + "/api/auth/token",
		DeviceAuthorizationEndpoint: h.issuer + "/api/auth/device",
		UserinfoEndpoint:            h.issuer + "/api/auth/userinfo",
		RevocationEndpoint:          h.issuer + "/api/auth/revoke",
		JWKSURI:                     h.issuer + "/.well-known/jwks.json",
		GrantTypesSupported: []string{
			"authorization_code",
			"urn:ietf:params:oauth:grant-type:device_code",
			"refresh_token",
		},
		ResponseTypesSupported:            []string{"code"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	})
}

// voMetadata describes one VO in the dirac-metadata document.
type voMetadata struct {
	Groups       []string `json:"groups"`
	DefaultGroup string   `json:"default_group"`
}

func (h *wellKnownRoutes) diracMetadata(w http.ResponseWriter, _ *http.Request) error {
	snap, err := h.view.Snapshot()
	if err != nil {
		return err
	}

	vos := make(map[string]voMetadata, len(snap.Config.Registry))
	for name, vo := range snap.Config.Registry {
		groups := make([]string, 0, len(vo.Groups))
		for group := range vo.Groups {
			groups = append(groups, group)
		}
		slices.Sort(groups)
		vos[name] = voMetadata{Groups: groups, DefaultGroup: vo.DefaultGroup}
	}
	return writeJSON(w, http.StatusOK, map[string]any{"virtual_organizations": vos})
}

func (h *wellKnownRoutes) jwks(w http.ResponseWriter, r *http.Request) error {
	set, err := keys.JWKSet(r.Context(), h.keys)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, set)
}
