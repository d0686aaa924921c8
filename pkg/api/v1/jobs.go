// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/token"
	"github.com/DIRACGrid/diracx-sub002/pkg/jobs"
	"github.com/DIRACGrid/diracx-sub002/pkg/policy"
	"github.com/DIRACGrid/diracx-sub002/pkg/sandbox"
	"github.com/DIRACGrid/diracx-sub002/pkg/search"
)

const defaultPerPage = 100

// JobsRouter serves job submission, retrieval, search and the sandbox
// protocol. Every operation is confined to the caller's VO.
func JobsRouter(deps Deps) http.Handler {
	routes := &jobRoutes{
		jobs:       deps.Jobs,
		sandbox:    deps.Sandbox,
		maxPerPage: deps.MaxPerPage,
	}
	r := chi.NewRouter()

	r.Post("/", deps.Guard.Protected(policy.JobSearch, nil, routes.submit))
	r.Get("/{jobID}", deps.Guard.Protected(policy.JobSearch, nil, routes.get))
	r.Patch("/{jobID}/status", deps.Guard.Protected(policy.JobSearch, nil, routes.setStatus))
	r.Post("/search", deps.Guard.Protected(policy.JobSearch, nil, routes.search))

	r.Post("/sandbox", deps.Guard.Protected(policy.SandboxAccess, nil, routes.initiateSandboxUpload))
	r.Get("/sandbox", deps.Guard.Protected(policy.SandboxAccess, nil, routes.downloadSandbox))
	r.Post("/sandbox/assign", deps.Guard.Protected(policy.SandboxAccess, nil, routes.assignSandbox))

	return r
}

type jobRoutes struct {
	jobs       *jobs.Store
	sandbox    *sandbox.Service
	maxPerPage int
}

func sandboxOwner(user *token.AuthorizedUserInfo) sandbox.Owner {
	return sandbox.Owner{VO: user.VO, Group: user.DiracGroup, Username: user.PreferredUsername}
}

// paging parses the page and per_page query parameters. Pages are
// 1-based; per_page is clamped to the installation maximum.
func paging(r *http.Request, maxPerPage int) (int, int, error) {
	page, perPage := 1, defaultPerPage
	if raw := r.URL.Query().Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, apierror.NewInvalidRequestError("page must be an integer", err)
		}
		page = parsed
	}
	if raw := r.URL.Query().Get("per_page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, apierror.NewInvalidRequestError("per_page must be an integer", err)
		}
		perPage = parsed
	}
	if perPage < 1 {
		return 0, 0, apierror.NewInvalidRequestError("per_page must be positive", nil)
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	return page, perPage, nil
}

type submitJobRequest struct {
	JobName string `json:"job_name"`
	Site    string `json:"site"`
}

type submitJobResponse struct {
	JobID int64 `json:"job_id"`
}

// submit records a new job owned by the caller. Ownership fields come
// from the verified token, never from the request body.
func (h *jobRoutes) submit(w http.ResponseWriter, r *http.Request, user *token.AuthorizedUserInfo) error {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return apierror.NewInvalidRequestError("malformed request body", err)
	}
	if req.JobName == "" {
		return apierror.NewInvalidRequestError("job_name is required", nil)
	}
	job := &jobs.Job{
		JobName:    req.JobName,
		VO:         user.VO,
		Owner:      user.PreferredUsername,
		OwnerGroup: user.DiracGroup,
		Site:       req.Site,
	}
	if err := h.jobs.Insert(r.Context(), job); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, submitJobResponse{JobID: job.JobID})
}

func jobIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil {
		return 0, apierror.NewInvalidRequestError("job id must be an integer", err)
	}
	return id, nil
}

func (h *jobRoutes) get(w http.ResponseWriter, r *http.Request, user *token.AuthorizedUserInfo) error {
	jobID, err := jobIDParam(r)
	if err != nil {
		return err
	}
	job, err := h.jobs.Get(r.Context(), user.VO, jobID)
	if err != nil {
		return err
	}
	if err := policy.JobAccess.Check(user, policy.Params{
		"owner":       job.Owner,
		"owner_group": job.OwnerGroup,
	}); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, job)
}

type setStatusRequest struct {
	Status            jobs.Status `json:"status"`
	MinorStatus       string      `json:"minor_status"`
	ApplicationStatus string      `json:"application_status"`
}

func (h *jobRoutes) setStatus(w http.ResponseWriter, r *http.Request, user *token.AuthorizedUserInfo) error {
	jobID, err := jobIDParam(r)
	if err != nil {
		return err
	}
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return apierror.NewInvalidRequestError("malformed request body", err)
	}
	if req.Status == "" {
		return apierror.NewInvalidRequestError("status is required", nil)
	}

	job, err := h.jobs.Get(r.Context(), user.VO, jobID)
	if err != nil {
		return err
	}
	if err := policy.JobAccess.Check(user, policy.Params{
		"owner":       job.Owner,
		"owner_group": job.OwnerGroup,
	}); err != nil {
		return err
	}

	if err := h.jobs.SetStatus(r.Context(), user.VO, jobID,
		req.Status, req.MinorStatus, req.ApplicationStatus); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": string(req.Status)})
}

type searchResponse struct {
	Total int64            `json:"total"`
	Rows  []map[string]any `json:"rows"`
}

func (h *jobRoutes) search(w http.ResponseWriter, r *http.Request, user *token.AuthorizedUserInfo) error {
	var params search.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return apierror.NewInvalidRequestError("malformed request body", err)
	}
	page, perPage, err := paging(r, h.maxPerPage)
	if err != nil {
		return err
	}
	total, rows, err := h.jobs.Search(r.Context(), user.VO, params, page, perPage)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return writeJSON(w, http.StatusOK, searchResponse{Total: total, Rows: rows})
}

type sandboxUploadRequest struct {
	ChecksumAlgorithm string `json:"checksum_algorithm"`
	Checksum          string `json:"checksum"`
	Size              int64  `json:"size"`
	Format            string `json:"format"`
}

func (h *jobRoutes) initiateSandboxUpload(w http.ResponseWriter, r *http.Request, user *token.AuthorizedUserInfo) error {
	var req sandboxUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return apierror.NewInvalidRequestError("malformed request body", err)
	}
	resp, err := h.sandbox.InitiateUpload(r.Context(), sandboxOwner(user), sandbox.Info{
		ChecksumAlgorithm: req.ChecksumAlgorithm,
		Checksum:          req.Checksum,
		Size:              req.Size,
		Format:            req.Format,
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, resp)
}

func (h *jobRoutes) downloadSandbox(w http.ResponseWriter, r *http.Request, user *token.AuthorizedUserInfo) error {
	pfn := r.URL.Query().Get("pfn")
	if pfn == "" {
		return apierror.NewInvalidRequestError("pfn is required", nil)
	}
	resp, err := h.sandbox.Download(r.Context(), sandboxOwner(user), pfn)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, resp)
}

type sandboxAssignRequest struct {
	PFN      string `json:"pfn"`
	Assigned bool   `json:"assigned"`
}

func (h *jobRoutes) assignSandbox(w http.ResponseWriter, r *http.Request, user *token.AuthorizedUserInfo) error {
	var req sandboxAssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return apierror.NewInvalidRequestError("malformed request body", err)
	}
	if req.PFN == "" {
		return apierror.NewInvalidRequestError("pfn is required", nil)
	}
	if err := h.sandbox.Assign(r.Context(), sandboxOwner(user), req.PFN, req.Assigned); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]bool{"assigned": req.Assigned})
}
