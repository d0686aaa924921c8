// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package v1 implements the public HTTP API: OIDC brokerage endpoints,
// administrative search, the sandbox protocol and the configuration
// view.
package v1

import (
	"encoding/json"
	"net/http"

	"github.com/DIRACGrid/diracx-sub002/pkg/api"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/keys"
	"github.com/DIRACGrid/diracx-sub002/pkg/jobs"
	"github.com/DIRACGrid/diracx-sub002/pkg/pilots"
	"github.com/DIRACGrid/diracx-sub002/pkg/registry"
	"github.com/DIRACGrid/diracx-sub002/pkg/sandbox"
)

// Deps carries the wired services the route groups serve.
type Deps struct {
	Issuer  string
	Auth    *auth.Service
	Keys    keys.Provider
	View    *registry.View
	Jobs    *jobs.Store
	Pilots  *pilots.Store
	Sandbox *sandbox.Service

	// MaxPerPage caps search page sizes.
	MaxPerPage int

	Guard api.Guard
}

// Routers builds the route groups keyed by mount prefix.
func Routers(deps Deps) map[string]http.Handler {
	return map[string]http.Handler{
		"/.well-known": WellKnownRouter(deps),
		"/api/health":  HealthRouter(deps),
		"/api/auth":    AuthRouter(deps),
		"/api/jobs":    JobsRouter(deps),
		"/api/pilots":  PilotsRouter(deps),
		"/api/config":  ConfigRouter(deps),
		"/metrics":     api.MetricsHandler(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}
