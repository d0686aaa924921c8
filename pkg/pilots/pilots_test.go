// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package pilots

import (
	"context"
	"encoding/hex"
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
	store, err := NewStore(context.Background(),
		filepath.Join(t.TempDir(), "pilots.db"), []byte("installation-key"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRegisterAndVerify(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	pilot := &Pilot{
		PilotJobReference: "https://dirac.example/jobs/001",
		VO:                "lhcb",
		GridType:          "HTCondorCE",
		PilotStamp:        "stamp-001",
	}
	secret, err := store.Register(ctx, pilot)
	require.NoError(t, err)
	assert.NotZero(t, pilot.PilotID)
	assert.Equal(t, StatusSubmitted, pilot.Status)

	// 32 random bytes, hex encoded.
	raw, err := hex.DecodeString(secret)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	verified, err := store.Verify(ctx, pilot.PilotJobReference, secret)
	require.NoError(t, err)
	assert.Equal(t, "lhcb", verified.VO)
	assert.Equal(t, "stamp-001", verified.PilotStamp)

	identity := verified.Identity()
	assert.Equal(t, "lhcb:https://dirac.example/jobs/001", identity.Sub)
	assert.Equal(t, "stamp-001", identity.PilotStamp)
}

func TestVerifyFailuresAreUniform(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	pilot := &Pilot{PilotJobReference: "ref-1", VO: "lhcb"}
	_, err := store.Register(ctx, pilot)
	require.NoError(t, err)

	// Wrong secret and unknown reference fail with the same message.
	_, errWrong := store.Verify(ctx, "ref-1", "deadbeef")
	require.Error(t, errWrong)
	assert.True(t, apierror.IsAuthenticationRequired(errWrong))

	_, errUnknown := store.Verify(ctx, "no-such-ref", "deadbeef")
	require.Error(t, errUnknown)
	assert.True(t, apierror.IsAuthenticationRequired(errUnknown))

	assert.Equal(t, errWrong.Error(), errUnknown.Error())
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Register(ctx, &Pilot{PilotJobReference: "ref-1", VO: "lhcb", PilotStamp: "s1"})
	require.NoError(t, err)

	_, err = store.Register(ctx, &Pilot{PilotJobReference: "ref-1", VO: "lhcb", PilotStamp: "s2"})
	require.Error(t, err)
	assert.True(t, apierror.IsConflict(err))

	// Same stamp under a fresh reference is also a conflict.
	_, err = store.Register(ctx, &Pilot{PilotJobReference: "ref-2", VO: "lhcb", PilotStamp: "s1"})
	require.Error(t, err)
	assert.True(t, apierror.IsConflict(err))
}

func TestSecretsDifferPerPilot(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	s1, err := store.Register(ctx, &Pilot{PilotJobReference: "ref-1", VO: "lhcb"})
	require.NoError(t, err)
	s2, err := store.Register(ctx, &Pilot{PilotJobReference: "ref-2", VO: "lhcb"})
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)

	// Each secret only opens its own pilot.
	_, err = store.Verify(ctx, "ref-1", s2)
	require.Error(t, err)
	_, err = store.Verify(ctx, "ref-2", s2)
	require.NoError(t, err)
}

func TestSetStatus(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	pilot := &Pilot{PilotJobReference: "ref-1", VO: "lhcb"}
	_, err := store.Register(ctx, pilot)
	require.NoError(t, err)

	require.NoError(t, store.SetStatus(ctx, "lhcb", "ref-1", StatusRunning))
	got, err := store.Get(ctx, "lhcb", "ref-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	err = store.SetStatus(ctx, "gridpp", "ref-1", StatusDone)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSearchScopedToVO(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	for _, pilot := range []*Pilot{
		{PilotJobReference: "ref-1", VO: "lhcb", Status: StatusRunning},
		{PilotJobReference: "ref-2", VO: "lhcb", Status: StatusWaiting},
		{PilotJobReference: "ref-3", VO: "gridpp", Status: StatusRunning},
	} {
		_, err := store.Register(ctx, pilot)
		require.NoError(t, err)
	}

	total, rows, err := store.Search(ctx, "lhcb", search.Params{
		Parameters: []string{"PilotJobReference", "Status"},
		Sort:       []search.SortSpec{{Parameter: "PilotJobReference", Direction: search.Ascending}},
	}, 1, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, rows, 2)
	assert.Equal(t, "ref-1", rows[0]["PilotJobReference"])

	// The hashed secret is not a searchable parameter.
	_, _, err = store.Search(ctx, "lhcb", search.Params{
		Parameters: []string{"HashedSecret"},
	}, 1, 10)
	require.Error(t, err)
	assert.True(t, apierror.IsInvalidRequest(err))
}

func TestResolver(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	pilot := &Pilot{PilotJobReference: "ref-1", VO: "lhcb", PilotStamp: "s1"}
	_, err := store.Register(ctx, pilot)
	require.NoError(t, err)

	resolve := store.Resolver()
	identity, err := resolve(ctx, "lhcb:ref-1", "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "lhcb:ref-1", identity.Sub)
	assert.Equal(t, "s1", identity.PilotStamp)

	_, err = resolve(ctx, "lhcb:gone", "gone")
	require.Error(t, err)
	assert.True(t, apierror.IsAuthenticationRequired(err))
}
