// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oauth2-proxy/mockoidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DIRACGrid/diracx-sub002/pkg/api"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/keys"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/storage"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/token"
	"github.com/DIRACGrid/diracx-sub002/pkg/idp"
	"github.com/DIRACGrid/diracx-sub002/pkg/jobs"
	"github.com/DIRACGrid/diracx-sub002/pkg/pilots"
	"github.com/DIRACGrid/diracx-sub002/pkg/registry"
	"github.com/DIRACGrid/diracx-sub002/pkg/sandbox"
	"github.com/DIRACGrid/diracx-sub002/pkg/search"
)

const testBucket = "sandboxes"

type apiEnv struct {
	srv  *httptest.Server
	svc  *auth.Service
	view *registry.View
	mock *mockoidc.MockOIDC
}

// fakePresigner satisfies the sandbox S3 interfaces without a real
// object store.
type fakePresigner struct{}

func (fakePresigner) PresignGetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{
		URL:    "https://s3.invalid/" + *params.Bucket + "/" + *params.Key + "?signed",
		Method: http.MethodGet,
	}, nil
}

func (fakePresigner) PresignPostObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.PresignPostOptions)) (*s3.PresignedPostRequest, error) {
	return &s3.PresignedPostRequest{
		URL:    "https://s3.invalid/" + *params.Bucket,
		Values: map[string]string{"key": *params.Key},
	}, nil
}

func (fakePresigner) DeleteObject(_ context.Context, _ *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return &s3.DeleteObjectOutput{}, nil
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	ctx := context.Background()

	mock, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mock.Shutdown() })
	mock.ClientSecret = ""

	config := &registry.Config{
		Registry: map[string]registry.VO{
			"lhcb": {
				IdP:          registry.IdPConfig{URL: mock.Issuer(), ClientID: mock.Config().ClientID},
				DefaultGroup: "lhcb_user",
				Groups: map[string]registry.Group{
					"lhcb_user": {
						Properties: []registry.SecurityProperty{registry.NormalUser},
						Users:      []string{"42"},
					},
					"lhcb_prmgr": {
						Properties: []registry.SecurityProperty{registry.NormalUser, registry.JobAdministrator},
						Users:      []string{"43"},
					},
					"lhcb_pilot": {
						Properties: []registry.SecurityProperty{registry.GenericPilot},
						Users:      []string{"44"},
					},
				},
				Users: map[string]registry.User{
					"42": {PreferredUsername: "chaen"},
					"43": {PreferredUsername: "fstagni"},
					"44": {PreferredUsername: "pilotop"},
				},
			},
		},
	}
	view := registry.NewView(&registry.StaticSource{Config: config})
	require.NoError(t, view.Refresh(ctx))

	provider := keys.NewGeneratingProvider()

	dir := t.TempDir()
	jobStore, err := jobs.NewStore(ctx, filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobStore.Close() })

	pilotStore, err := pilots.NewStore(ctx, filepath.Join(dir, "pilots.db"), []byte("installation-key"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pilotStore.Close() })

	sandboxStore, err := sandbox.NewMetadataStore(ctx, filepath.Join(dir, "sandbox.db"))
	require.NoError(t, err)
	sandboxSvc := sandbox.NewServiceWithClients(sandboxStore, fakePresigner{}, fakePresigner{},
		sandbox.Config{Bucket: testBucket})

	// The issuer URL has to be known before the server exists; start the
	// server on a handler shim and assemble the router afterwards.
	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	issuer := token.NewIssuer(provider, token.IssuerConfig{
		Issuer:          srv.URL,
		AccessLifetime:  30 * time.Minute,
		RefreshLifetime: time.Hour,
	})
	verifier := token.NewVerifier(srv.URL, provider)
	authSvc := auth.NewService(
		storage.NewMemoryStore(),
		issuer,
		verifier,
		idp.NewBroker(srv.URL+"/api/auth/authorize/complete", 5*time.Second),
		view,
		auth.Config{
			VerificationURI:            srv.URL + "/api/auth/device",
			DeviceFlowLifetime:         10 * time.Minute,
			AuthorizationFlowLifetime:  5 * time.Minute,
			LegacyExchangeHashedAPIKey: sha256Hex("legacy-api-key"),
		},
	)

	handler = api.NewRouter(api.Principal(verifier, view), Routers(Deps{
		Issuer:     srv.URL,
		Auth:       authSvc,
		Keys:       provider,
		View:       view,
		Jobs:       jobStore,
		Pilots:     pilotStore,
		Sandbox:    sandboxSvc,
		MaxPerPage: 1000,
		Guard:      api.Guard{DevAssert: true},
	}))

	return &apiEnv{srv: srv, svc: authSvc, view: view, mock: mock}
}

func sha256Hex(s string) string {
	digest := sha256.Sum256([]byte(s))
	return hex.EncodeToString(digest[:])
}

// mintToken produces an access token for the given registry user via
// the legacy exchange path.
func (e *apiEnv) mintToken(t *testing.T, username, group string) string {
	t.Helper()
	tokens, err := e.svc.LegacyExchange(context.Background(), "legacy-api-key", username, "lhcb", group)
	require.NoError(t, err)
	return tokens.AccessToken
}

func (e *apiEnv) request(t *testing.T, method, path, bearer string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestDeviceFlowOverHTTP(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	resp := env.request(t, http.MethodPost, "/api/auth/device", "",
		map[string]string{"client_id": "cli", "scope": "vo:lhcb group:lhcb_user"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	flow := decodeBody[auth.DeviceFlowResponse](t, resp)
	require.NotEmpty(t, flow.DeviceCode)
	require.NotEmpty(t, flow.UserCode)

	// Polling before approval reports pending in OAuth vocabulary.
	form := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {flow.DeviceCode},
	}
	poll, err := http.PostForm(env.srv.URL+"/api/auth/token", form)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, poll.StatusCode)
	assert.Equal(t, "authorization_pending", decodeBody[map[string]string](t, poll)["error"])

	// The browser leg: verification URI redirects upstream, the IdP
	// redirects back to the shared callback.
	env.mock.QueueUser(&mockoidc.MockUser{Subject: "42", PreferredUsername: "chaen"})
	noRedirect := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	verification, err := noRedirect.Get(env.srv.URL + "/api/auth/device?user_code=" + flow.UserCode)
	require.NoError(t, err)
	verification.Body.Close()
	require.Equal(t, http.StatusFound, verification.StatusCode)

	upstream, err := noRedirect.Get(verification.Header.Get("Location"))
	require.NoError(t, err)
	upstream.Body.Close()
	require.Equal(t, http.StatusFound, upstream.StatusCode)

	callback, err := http.Get(upstream.Header.Get("Location"))
	require.NoError(t, err)
	callback.Body.Close()
	require.Equal(t, http.StatusOK, callback.StatusCode)

	poll, err = http.PostForm(env.srv.URL+"/api/auth/token", form)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, poll.StatusCode)
	tokens := decodeBody[auth.TokenResponse](t, poll)
	require.NotEmpty(t, tokens.AccessToken)

	// The minted token works against userinfo.
	info := env.request(t, http.MethodGet, "/api/auth/userinfo", tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, info.StatusCode)
	body := decodeBody[map[string]any](t, info)
	assert.Equal(t, "lhcb", body["vo"])
	assert.Equal(t, "chaen", body["preferred_username"])

	// A second poll is a replay.
	poll, err = http.PostForm(env.srv.URL+"/api/auth/token", form)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, poll.StatusCode)
	assert.Equal(t, "access_denied", decodeBody[map[string]string](t, poll)["error"])
}

func TestRefreshGrantOverHTTP(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	pair, err := env.svc.LegacyExchange(context.Background(), "legacy-api-key", "chaen", "lhcb", "lhcb_user")
	require.NoError(t, err)

	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {pair.RefreshToken}}
	resp, err := http.PostForm(env.srv.URL+"/api/auth/token", form)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := decodeBody[auth.TokenResponse](t, resp)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// Replaying the consumed token is an invalid_grant.
	resp, err = http.PostForm(env.srv.URL+"/api/auth/token", form)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decodeBody[map[string]string](t, resp)["error"])

	resp, err = http.PostForm(env.srv.URL+"/api/auth/token", url.Values{"grant_type": {"password"}})
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unsupported_grant_type", decodeBody[map[string]string](t, resp)["error"])
}

func TestUserinfoRequiresToken(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	resp := env.request(t, http.MethodGet, "/api/auth/userinfo", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/api/auth/userinfo", "not-a-jwt", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWellKnownDocuments(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	resp := env.request(t, http.MethodGet, "/.well-known/openid-configuration", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	oidcDoc := decodeBody[map[string]any](t, resp)
	assert.Equal(t, env.srv.URL, oidcDoc["issuer"])
	assert.Equal(t, env.srv.URL+"/api/auth/token", oidcDoc["token_endpoint"])

	resp = env.request(t, http.MethodGet, "/.well-known/dirac-metadata", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	meta := decodeBody[struct {
		VOs map[string]struct {
			Groups       []string `json:"groups"`
			DefaultGroup string   `json:"default_group"`
		} `json:"virtual_organizations"`
	}](t, resp)
	require.Contains(t, meta.VOs, "lhcb")
	assert.Equal(t, "lhcb_user", meta.VOs["lhcb"].DefaultGroup)
	assert.Equal(t, []string{"lhcb_pilot", "lhcb_prmgr", "lhcb_user"}, meta.VOs["lhcb"].Groups)

	resp = env.request(t, http.MethodGet, "/.well-known/jwks.json", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jwksDoc := decodeBody[map[string]any](t, resp)
	assert.NotEmpty(t, jwksDoc["keys"])
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	resp := env.request(t, http.MethodGet, "/api/health/live", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/api/health/ready", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadinessBeforeConfigLoads(t *testing.T) {
	t.Parallel()

	view := registry.NewView(&registry.StaticSource{Config: &registry.Config{}})
	handler := api.NewRouter(nil, map[string]http.Handler{
		"/api/health": HealthRouter(Deps{View: view, Guard: api.Guard{DevAssert: true}}),
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestConfigConditionalRequests(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	bearer := env.mintToken(t, "chaen", "lhcb_user")

	resp := env.request(t, http.MethodGet, "/api/config/", bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	lastModified := resp.Header.Get("Last-Modified")
	require.NotEmpty(t, etag)
	require.NotEmpty(t, lastModified)
	resp.Body.Close()

	// Either validator alone is enough for a 304.
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/config/", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("If-None-Match", etag)
	cached, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	cached.Body.Close()
	assert.Equal(t, http.StatusNotModified, cached.StatusCode)

	req.Header.Del("If-None-Match")
	req.Header.Set("If-Modified-Since", lastModified)
	cached, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	cached.Body.Close()
	assert.Equal(t, http.StatusNotModified, cached.StatusCode)

	// A stale validator gets the full body.
	req.Header.Set("If-Modified-Since", time.Now().Add(-24*time.Hour).UTC().Format(time.RFC1123))
	fresh, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	fresh.Body.Close()
	assert.Equal(t, http.StatusOK, fresh.StatusCode)

	// Unauthenticated reads are rejected.
	resp = env.request(t, http.MethodGet, "/api/config/", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	bearer := env.mintToken(t, "chaen", "lhcb_user")

	resp := env.request(t, http.MethodPost, "/api/jobs/", bearer,
		map[string]string{"job_name": "reco-1", "site": "LCG.CERN.ch"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	submitted := decodeBody[map[string]int64](t, resp)
	jobID := submitted["job_id"]
	require.NotZero(t, jobID)

	resp = env.request(t, http.MethodGet, fmt.Sprintf("/api/jobs/%d", jobID), bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decodeBody[jobs.Job](t, resp)
	assert.Equal(t, "chaen", job.Owner)
	assert.Equal(t, jobs.StatusReceived, job.Status)

	resp = env.request(t, http.MethodPatch, fmt.Sprintf("/api/jobs/%d/status", jobID), bearer,
		map[string]string{"status": "RUNNING", "minor_status": "Application"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.request(t, http.MethodPost, "/api/jobs/search?per_page=10", bearer, search.Params{
		Search: []search.SearchSpec{
			{Parameter: "Status", Operator: search.OpEqual, Value: "RUNNING"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	found := decodeBody[searchResponse](t, resp)
	require.EqualValues(t, 1, found.Total)
	assert.EqualValues(t, jobID, found.Rows[0]["JobID"])

	// Another user in the same group cannot read the job, an admin can.
	other := env.mintToken(t, "fstagni", "lhcb_prmgr")
	resp = env.request(t, http.MethodGet, fmt.Sprintf("/api/jobs/%d", jobID), other, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestJobSearchRequiresNormalUser(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	bearer := env.mintToken(t, "pilotop", "lhcb_pilot")

	resp := env.request(t, http.MethodPost, "/api/jobs/search", bearer, search.Params{})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestJobSearchRejectsBadInput(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	bearer := env.mintToken(t, "chaen", "lhcb_user")

	// Non-positive page sizes are rejected rather than silently widened
	// past the installation maximum.
	for _, perPage := range []string{"-1", "0"} {
		resp := env.request(t, http.MethodPost, "/api/jobs/search?per_page="+perPage, bearer, search.Params{})
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}

	// An oversized page size clamps to the maximum instead of failing.
	resp := env.request(t, http.MethodPost, "/api/jobs/search?per_page=999999", bearer, search.Params{})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A malformed regex filter is a bad request, not a server error.
	resp = env.request(t, http.MethodPost, "/api/jobs/search", bearer, search.Params{
		Search: []search.SearchSpec{{Parameter: "JobName", Operator: search.OpRegex, Value: "("}},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPilotRegistrationAndLogin(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	admin := env.mintToken(t, "fstagni", "lhcb_prmgr")

	resp := env.request(t, http.MethodPost, "/api/pilots/management", admin, map[string]string{
		"pilot_job_reference": "https://ce.cern.ch/job/1",
		"grid_type":           "HTCondorCE",
		"pilot_stamp":         "stamp-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	registered := decodeBody[map[string]any](t, resp)
	secret, _ := registered["pilot_secret"].(string)
	require.NotEmpty(t, secret)

	// A normal user may not register pilots.
	user := env.mintToken(t, "chaen", "lhcb_user")
	denied := env.request(t, http.MethodPost, "/api/pilots/management", user, map[string]string{
		"pilot_job_reference": "https://ce.cern.ch/job/2",
	})
	denied.Body.Close()
	assert.Equal(t, http.StatusForbidden, denied.StatusCode)

	// The pilot trades its secret for tokens.
	login := env.request(t, http.MethodPost, "/api/auth/pilot-login", "", map[string]string{
		"pilot_job_reference": "https://ce.cern.ch/job/1",
		"pilot_secret":        secret,
	})
	require.Equal(t, http.StatusOK, login.StatusCode)
	tokens := decodeBody[auth.TokenResponse](t, login)
	require.NotEmpty(t, tokens.AccessToken)

	// The pilot token is a pilot principal, not a user.
	info := env.request(t, http.MethodGet, "/api/auth/pilot-userinfo", tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, info.StatusCode)
	pilotInfo := decodeBody[map[string]string](t, info)
	assert.Equal(t, "lhcb", pilotInfo["vo"])
	assert.Equal(t, "stamp-1", pilotInfo["pilot_stamp"])

	userinfo := env.request(t, http.MethodGet, "/api/auth/userinfo", tokens.AccessToken, nil)
	userinfo.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, userinfo.StatusCode)

	// Rotation works and replay kills the lineage.
	refreshed := env.request(t, http.MethodPost, "/api/auth/pilot-refresh-token", "",
		map[string]string{"refresh_token": tokens.RefreshToken})
	require.Equal(t, http.StatusOK, refreshed.StatusCode)
	rotated := decodeBody[auth.TokenResponse](t, refreshed)
	assert.NotEqual(t, tokens.RefreshToken, rotated.RefreshToken)

	replay := env.request(t, http.MethodPost, "/api/auth/pilot-refresh-token", "",
		map[string]string{"refresh_token": tokens.RefreshToken})
	replay.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, replay.StatusCode)

	// Wrong secrets are rejected without detail.
	badLogin := env.request(t, http.MethodPost, "/api/auth/pilot-login", "", map[string]string{
		"pilot_job_reference": "https://ce.cern.ch/job/1",
		"pilot_secret":        strings.Repeat("0", 64),
	})
	badLogin.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, badLogin.StatusCode)
}

func TestPilotSearchScopedToVO(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	admin := env.mintToken(t, "fstagni", "lhcb_prmgr")

	resp := env.request(t, http.MethodPost, "/api/pilots/management", admin, map[string]string{
		"pilot_job_reference": "https://ce.cern.ch/job/7",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	found := env.request(t, http.MethodPost, "/api/pilots/management/search", admin, search.Params{
		Parameters: []string{"PilotJobReference", "Status"},
	})
	require.Equal(t, http.StatusOK, found.StatusCode)
	result := decodeBody[searchResponse](t, found)
	require.EqualValues(t, 1, result.Total)
	assert.Equal(t, "https://ce.cern.ch/job/7", result.Rows[0]["PilotJobReference"])
}

func TestSandboxProtocolOverHTTP(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	bearer := env.mintToken(t, "chaen", "lhcb_user")
	checksum := sha256Hex("payload")

	upload := env.request(t, http.MethodPost, "/api/jobs/sandbox", bearer, map[string]any{
		"checksum_algorithm": "sha256",
		"checksum":           checksum,
		"size":               1024,
		"format":             "tar.bz2",
	})
	require.Equal(t, http.StatusOK, upload.StatusCode)
	initiated := decodeBody[sandbox.UploadResponse](t, upload)
	expectedPFN := "/" + testBucket + "/lhcb/lhcb_user/chaen/sha256:" + checksum + ".tar.bz2"
	assert.Equal(t, expectedPFN, initiated.PFN)
	require.NotEmpty(t, initiated.URL)
	assert.Contains(t, initiated.Fields, "x-amz-checksum-sha256")

	// Re-initiating the same content needs no second upload.
	again := env.request(t, http.MethodPost, "/api/jobs/sandbox", bearer, map[string]any{
		"checksum_algorithm": "sha256",
		"checksum":           checksum,
		"size":               1024,
		"format":             "tar.bz2",
	})
	require.Equal(t, http.StatusOK, again.StatusCode)
	assert.Empty(t, decodeBody[sandbox.UploadResponse](t, again).URL)

	download := env.request(t, http.MethodGet, "/api/jobs/sandbox?pfn="+url.QueryEscape(initiated.PFN), bearer, nil)
	require.Equal(t, http.StatusOK, download.StatusCode)
	assert.NotEmpty(t, decodeBody[sandbox.DownloadResponse](t, download).URL)

	assign := env.request(t, http.MethodPost, "/api/jobs/sandbox/assign", bearer,
		map[string]any{"pfn": initiated.PFN, "assigned": true})
	assign.Body.Close()
	assert.Equal(t, http.StatusOK, assign.StatusCode)

	// A PFN outside the caller's namespace is invalid regardless of
	// whether it exists.
	foreign := "/" + testBucket + "/lhcb/lhcb_prmgr/fstagni/sha256:" + checksum + ".tar.bz2"
	stolen := env.request(t, http.MethodGet, "/api/jobs/sandbox?pfn="+url.QueryEscape(foreign), bearer, nil)
	stolen.Body.Close()
	assert.Equal(t, http.StatusBadRequest, stolen.StatusCode)
}

func TestMetricsExposed(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	// Generate at least one request before scraping.
	warm := env.request(t, http.MethodGet, "/api/health/live", "", nil)
	warm.Body.Close()

	resp := env.request(t, http.MethodGet, "/metrics", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "diracx_http_requests_total")
}
