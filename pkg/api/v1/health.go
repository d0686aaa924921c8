// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/registry"
)

// HealthRouter serves the liveness and readiness probes. The service is
// not ready until the configuration view holds a revision.
func HealthRouter(deps Deps) http.Handler {
	routes := &healthRoutes{view: deps.View}
	r := chi.NewRouter()
	r.Get("/live", deps.Guard.Open(routes.live))
	r.Get("/ready", deps.Guard.Open(routes.ready))
	r.Get("/startup", deps.Guard.Open(routes.ready))
	return r
}

type healthRoutes struct {
	view *registry.View
}

func (*healthRoutes) live(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, map[string]string{"status": "live"})
}

func (h *healthRoutes) ready(w http.ResponseWriter, _ *http.Request) error {
	if !h.view.Ready() {
		return apierror.NewUnavailableError("configuration not loaded", nil)
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
