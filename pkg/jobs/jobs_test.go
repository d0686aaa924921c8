// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/search"
	"github.com/DIRACGrid/diracx-sub002/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedJobs(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	jobs := []*Job{
		{JobName: "reco-001", VO: "lhcb", Owner: "chaen", OwnerGroup: "lhcb_user", Status: StatusRunning, Site: "LCG.CERN.ch"},
		{JobName: "reco-002", VO: "lhcb", Owner: "chaen", OwnerGroup: "lhcb_user", Status: StatusWaiting, Site: "LCG.CNAF.it"},
		{JobName: "mc-gen-7", VO: "lhcb", Owner: "fstagni", OwnerGroup: "lhcb_prmgr", Status: StatusDone, Site: "LCG.CERN.ch"},
		{JobName: "other-vo", VO: "gridpp", Owner: "chaen", OwnerGroup: "gridpp_user", Status: StatusRunning, Site: "LCG.RAL.uk"},
	}
	for _, job := range jobs {
		require.NoError(t, store.Insert(ctx, job))
		require.NotZero(t, job.JobID)
	}
}

func TestInsertAndGet(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	job := &Job{JobName: "reco-001", VO: "lhcb", Owner: "chaen", OwnerGroup: "lhcb_user"}
	require.NoError(t, store.Insert(ctx, job))
	assert.Equal(t, StatusReceived, job.Status)

	got, err := store.Get(ctx, "lhcb", job.JobID)
	require.NoError(t, err)
	assert.Equal(t, "reco-001", got.JobName)
	assert.Equal(t, StatusReceived, got.Status)
	assert.False(t, got.SubmissionTime.IsZero())

	// Another VO cannot see the job.
	_, err = store.Get(ctx, "gridpp", job.JobID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.Get(ctx, "lhcb", 99999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetStatus(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	job := &Job{JobName: "reco-001", VO: "lhcb", Owner: "chaen", OwnerGroup: "lhcb_user"}
	require.NoError(t, store.Insert(ctx, job))

	require.NoError(t, store.SetStatus(ctx, "lhcb", job.JobID, StatusRunning, "Application", "Executing"))

	got, err := store.Get(ctx, "lhcb", job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "Application", got.MinorStatus)
	assert.Equal(t, "Executing", got.ApplicationStatus)

	err = store.SetStatus(ctx, "gridpp", job.JobID, StatusDone, "", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSearchScopedToVO(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	seedJobs(t, store)
	ctx := context.Background()

	// No explicit filters: the implicit tenant filter still applies.
	total, rows, err := store.Search(ctx, "lhcb", search.Params{}, 1, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, "lhcb", row["VO"])
	}

	// Filtering on another VO intersects with the tenant filter to nothing.
	total, rows, err = store.Search(ctx, "lhcb", search.Params{
		Search: []search.SearchSpec{{Parameter: "VO", Operator: search.OpEqual, Value: "gridpp"}},
	}, 1, 100)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, rows)
}

func TestSearchOperators(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	seedJobs(t, store)
	ctx := context.Background()

	total, rows, err := store.Search(ctx, "lhcb", search.Params{
		Parameters: []string{"JobID", "JobName"},
		Search:     []search.SearchSpec{{Parameter: "JobName", Operator: search.OpLike, Value: "reco-%"}},
		Sort:       []search.SortSpec{{Parameter: "JobName", Direction: search.Ascending}},
	}, 1, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, rows, 2)
	assert.Equal(t, "reco-001", rows[0]["JobName"])
	assert.Equal(t, "reco-002", rows[1]["JobName"])

	total, _, err = store.Search(ctx, "lhcb", search.Params{
		Parameters: []string{"JobID"},
		Search:     []search.SearchSpec{{Parameter: "JobName", Operator: search.OpRegex, Value: "^mc-gen-[0-9]$"}},
	}, 1, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	total, _, err = store.Search(ctx, "lhcb", search.Params{
		Parameters: []string{"JobID"},
		Search: []search.SearchSpec{
			{Parameter: "Status", Operator: search.OpIn, Values: []any{string(StatusRunning), string(StatusWaiting)}},
		},
	}, 1, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	// A malformed regex must fail as a bad request before any SQL runs.
	_, _, err = store.Search(ctx, "lhcb", search.Params{
		Parameters: []string{"JobID"},
		Search:     []search.SearchSpec{{Parameter: "JobName", Operator: search.OpRegex, Value: "("}},
	}, 1, 100)
	require.Error(t, err)
	assert.True(t, apierror.IsInvalidRequest(err))
}

func TestSearchPaging(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	seedJobs(t, store)
	ctx := context.Background()

	total, rows, err := store.Search(ctx, "lhcb", search.Params{
		Parameters: []string{"JobID"},
		Sort:       []search.SortSpec{{Parameter: "JobID", Direction: search.Ascending}},
	}, 2, 2)
	require.NoError(t, err)
	// total counts all matches, the page holds the remainder.
	assert.EqualValues(t, 3, total)
	assert.Len(t, rows, 1)

	_, _, err = store.Search(ctx, "lhcb", search.Params{}, 0, 10)
	require.Error(t, err)
	assert.True(t, apierror.IsInvalidRequest(err))
}

func TestSearchDistinct(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	seedJobs(t, store)
	ctx := context.Background()

	total, rows, err := store.Search(ctx, "lhcb", search.Params{
		Parameters: []string{"Site"},
		Distinct:   true,
		Sort:       []search.SortSpec{{Parameter: "Site", Direction: search.Ascending}},
	}, 1, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, rows, 2)
	assert.Equal(t, "LCG.CERN.ch", rows[0]["Site"])
	assert.Equal(t, "LCG.CNAF.it", rows[1]["Site"])
}

func TestSearchUnknownParameter(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Search(ctx, "lhcb", search.Params{
		Parameters: []string{"NoSuchField"},
	}, 1, 10)
	require.Error(t, err)
	assert.True(t, apierror.IsInvalidRequest(err))
}
