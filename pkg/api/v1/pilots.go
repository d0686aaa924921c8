// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/token"
	"github.com/DIRACGrid/diracx-sub002/pkg/pilots"
	"github.com/DIRACGrid/diracx-sub002/pkg/policy"
	"github.com/DIRACGrid/diracx-sub002/pkg/search"
)

// PilotsRouter serves pilot registration and administrative pilot
// search. Registration is the only place a pilot secret crosses the
// wire in the clear.
func PilotsRouter(deps Deps) http.Handler {
	routes := &pilotRoutes{pilots: deps.Pilots, maxPerPage: deps.MaxPerPage}
	r := chi.NewRouter()

	r.Post("/management", deps.Guard.Protected(policy.PilotManagement, nil, routes.register))
	r.Post("/management/search", deps.Guard.Protected(policy.PilotManagement, nil, routes.search))

	return r
}

type pilotRoutes struct {
	pilots     *pilots.Store
	maxPerPage int
}

type registerPilotRequest struct {
	PilotJobReference string `json:"pilot_job_reference"`
	GridType          string `json:"grid_type"`
	PilotStamp        string `json:"pilot_stamp"`
}

type registerPilotResponse struct {
	PilotID     int64  `json:"pilot_id"`
	PilotSecret string `json:"pilot_secret"`
}

// register creates a pilot record in the caller's VO and returns the
// generated secret. The secret is shown exactly once; only its keyed
// hash is stored.
func (h *pilotRoutes) register(w http.ResponseWriter, r *http.Request, user *token.AuthorizedUserInfo) error {
	var req registerPilotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return apierror.NewInvalidRequestError("malformed request body", err)
	}
	if req.PilotJobReference == "" {
		return apierror.NewInvalidRequestError("pilot_job_reference is required", nil)
	}

	pilot := &pilots.Pilot{
		PilotJobReference: req.PilotJobReference,
		VO:                user.VO,
		GridType:          req.GridType,
		PilotStamp:        req.PilotStamp,
	}
	secret, err := h.pilots.Register(r.Context(), pilot)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, registerPilotResponse{
		PilotID:     pilot.PilotID,
		PilotSecret: secret,
	})
}

func (h *pilotRoutes) search(w http.ResponseWriter, r *http.Request, user *token.AuthorizedUserInfo) error {
	var params search.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return apierror.NewInvalidRequestError("malformed request body", err)
	}
	page, perPage, err := paging(r, h.maxPerPage)
	if err != nil {
		return err
	}
	total, rows, err := h.pilots.Search(r.Context(), user.VO, params, page, perPage)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return writeJSON(w, http.StatusOK, searchResponse{Total: total, Rows: rows})
}
