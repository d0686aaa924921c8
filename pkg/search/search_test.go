// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
)

func jobsTable() Table {
	return Table{
		Name: "jobs",
		Fields: map[string]Field{
			"JobID":  {Column: "job_id"},
			"Status": {Column: "status"},
			"Owner":  {Column: "owner"},
			"VO":     {Column: "vo"},
		},
	}
}

func TestParamsUnmarshalValidation(t *testing.T) {
	t.Parallel()

	var p Params
	err := json.Unmarshal([]byte(`{"search":[{"parameter":"Status","operator":"eq","value":"RUNNING"}]}`), &p)
	require.NoError(t, err)
	require.Len(t, p.Search, 1)
	assert.Equal(t, OpEqual, p.Search[0].Operator)

	err = json.Unmarshal([]byte(`{"search":[{"parameter":"Status","operator":"contains","value":"x"}]}`), &p)
	require.Error(t, err)
	assert.True(t, apierror.IsInvalidRequest(err))

	err = json.Unmarshal([]byte(`{"search":[{"parameter":"Status","operator":"in"}]}`), &p)
	require.Error(t, err)
	assert.True(t, apierror.IsInvalidRequest(err))

	err = json.Unmarshal([]byte(`{"sort":[{"parameter":"JobID","direction":"sideways"}]}`), &p)
	require.Error(t, err)
	assert.True(t, apierror.IsInvalidRequest(err))
}

func TestComposeBasic(t *testing.T) {
	t.Parallel()

	params := Params{
		Parameters: []string{"JobID", "Status"},
		Search: []SearchSpec{
			{Parameter: "Status", Operator: OpEqual, Value: "RUNNING"},
			{Parameter: "JobID", Operator: OpGreaterThan, Value: 100},
		},
		Sort: []SortSpec{{Parameter: "JobID", Direction: Descending}},
	}

	q, err := Compose(jobsTable(), params, 1, 50, 0)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT job_id, status FROM jobs WHERE status = ? AND job_id > ? ORDER BY job_id DESC LIMIT 50 OFFSET 0",
		q.SelectSQL)
	assert.Equal(t,
		"SELECT COUNT(*) FROM (SELECT job_id, status FROM jobs WHERE status = ? AND job_id > ?)",
		q.CountSQL)
	assert.Equal(t, []any{"RUNNING", 100}, q.Args)
}

func TestComposeVOFilterAlwaysPresent(t *testing.T) {
	t.Parallel()

	// The tenant filter must survive composition verbatim even when the
	// caller supplied no filters at all.
	params := Params{Parameters: []string{"JobID"}}.WithVOFilter("VO", "lhcb")

	q, err := Compose(jobsTable(), params, 1, 10, 0)
	require.NoError(t, err)
	assert.Contains(t, q.SelectSQL, "WHERE vo = ?")
	assert.Contains(t, q.CountSQL, "WHERE vo = ?")
	assert.Equal(t, []any{"lhcb"}, q.Args)

	// And it is appended after the caller's own conditions, so a caller
	// filtering on another VO still gets an empty intersection.
	params = Params{
		Parameters: []string{"JobID"},
		Search:     []SearchSpec{{Parameter: "VO", Operator: OpEqual, Value: "gridpp"}},
	}.WithVOFilter("VO", "lhcb")

	q, err = Compose(jobsTable(), params, 1, 10, 0)
	require.NoError(t, err)
	assert.Contains(t, q.SelectSQL, "WHERE vo = ? AND vo = ?")
	assert.Equal(t, []any{"gridpp", "lhcb"}, q.Args)
}

func TestComposeUnknownParameter(t *testing.T) {
	t.Parallel()

	cases := []Params{
		{Parameters: []string{"Nope"}},
		{Search: []SearchSpec{{Parameter: "Nope", Operator: OpEqual, Value: 1}}},
		{Sort: []SortSpec{{Parameter: "Nope", Direction: Ascending}}},
	}
	for _, params := range cases {
		_, err := Compose(jobsTable(), params, 1, 10, 0)
		require.Error(t, err)
		assert.True(t, apierror.IsInvalidRequest(err))
		assert.Contains(t, err.Error(), "Nope")
	}
}

func TestComposePaging(t *testing.T) {
	t.Parallel()

	params := Params{Parameters: []string{"JobID"}}

	q, err := Compose(jobsTable(), params, 3, 25, 0)
	require.NoError(t, err)
	assert.Contains(t, q.SelectSQL, "LIMIT 25 OFFSET 50")

	// Oversized and non-positive page sizes clamp to the maximum.
	q, err = Compose(jobsTable(), params, 1, 5000, 100)
	require.NoError(t, err)
	assert.Contains(t, q.SelectSQL, "LIMIT 100 OFFSET 0")

	q, err = Compose(jobsTable(), params, 1, 0, 100)
	require.NoError(t, err)
	assert.Contains(t, q.SelectSQL, "LIMIT 100 OFFSET 0")

	_, err = Compose(jobsTable(), params, 0, 10, 0)
	require.Error(t, err)
	assert.True(t, apierror.IsInvalidRequest(err))
}

func TestComposeDistinctAndDefaults(t *testing.T) {
	t.Parallel()

	params := Params{Distinct: true}
	q, err := Compose(jobsTable(), params, 1, 10, 0)
	require.NoError(t, err)
	// Nil parameter list selects every field in deterministic order.
	assert.Equal(t,
		"SELECT DISTINCT job_id, owner, status, vo FROM jobs LIMIT 10 OFFSET 0",
		q.SelectSQL)

	_, err = Compose(jobsTable(), Params{Parameters: []string{}}, 1, 10, 0)
	require.Error(t, err)
	assert.True(t, apierror.IsInvalidRequest(err))
}

func TestComposeVectorOperators(t *testing.T) {
	t.Parallel()

	params := Params{
		Parameters: []string{"JobID"},
		Search: []SearchSpec{
			{Parameter: "Status", Operator: OpIn, Values: []any{"RUNNING", "WAITING"}},
			{Parameter: "Owner", Operator: OpNotIn, Values: []any{"chaen"}},
		},
	}
	q, err := Compose(jobsTable(), params, 1, 10, 0)
	require.NoError(t, err)
	assert.Contains(t, q.SelectSQL, "status IN (?, ?)")
	assert.Contains(t, q.SelectSQL, "owner NOT IN (?)")
	assert.Equal(t, []any{"RUNNING", "WAITING", "chaen"}, q.Args)
}

func TestComposeInvalidRegex(t *testing.T) {
	t.Parallel()

	params := Params{
		Parameters: []string{"JobID"},
		Search:     []SearchSpec{{Parameter: "Status", Operator: OpRegex, Value: "("}},
	}
	_, err := Compose(jobsTable(), params, 1, 10, 0)
	require.Error(t, err)
	assert.True(t, apierror.IsInvalidRequest(err))

	// A valid pattern still composes to a REGEXP condition.
	params.Search[0].Value = "^RUN"
	q, err := Compose(jobsTable(), params, 1, 10, 0)
	require.NoError(t, err)
	assert.Contains(t, q.SelectSQL, "status REGEXP ?")
}

func TestMatcher(t *testing.T) {
	t.Parallel()

	row := map[string]any{
		"JobID":  int64(123),
		"Status": "RUNNING",
		"Owner":  "chaen",
		"VO":     "lhcb",
	}

	cases := []struct {
		name string
		spec SearchSpec
		want bool
	}{
		{"eq match", SearchSpec{Parameter: "Status", Operator: OpEqual, Value: "RUNNING"}, true},
		{"eq miss", SearchSpec{Parameter: "Status", Operator: OpEqual, Value: "DONE"}, false},
		{"neq", SearchSpec{Parameter: "Status", Operator: OpNotEqual, Value: "DONE"}, true},
		{"gt numeric", SearchSpec{Parameter: "JobID", Operator: OpGreaterThan, Value: 100}, true},
		{"lt numeric", SearchSpec{Parameter: "JobID", Operator: OpLessThan, Value: 100}, false},
		{"numeric across types", SearchSpec{Parameter: "JobID", Operator: OpEqual, Value: float64(123)}, true},
		{"like", SearchSpec{Parameter: "Owner", Operator: OpLike, Value: "cha%"}, true},
		{"like underscore", SearchSpec{Parameter: "Owner", Operator: OpLike, Value: "_haen"}, true},
		{"not like", SearchSpec{Parameter: "Owner", Operator: OpNotLike, Value: "fst%"}, true},
		{"regex", SearchSpec{Parameter: "Status", Operator: OpRegex, Value: "^RUN"}, true},
		{"in", SearchSpec{Parameter: "VO", Operator: OpIn, Values: []any{"lhcb", "gridpp"}}, true},
		{"not in", SearchSpec{Parameter: "VO", Operator: OpNotIn, Values: []any{"gridpp"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Match(row, tc.spec)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := Match(row, SearchSpec{Parameter: "Nope", Operator: OpEqual, Value: 1})
	require.Error(t, err)
	assert.True(t, apierror.IsInvalidRequest(err))

	_, err = Match(row, SearchSpec{Parameter: "Status", Operator: OpRegex, Value: "("})
	require.Error(t, err)
	assert.True(t, apierror.IsInvalidRequest(err))

	ok, err := MatchAll(row, []SearchSpec{
		{Parameter: "Status", Operator: OpEqual, Value: "RUNNING"},
		{Parameter: "VO", Operator: OpEqual, Value: "lhcb"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = MatchAll(row, []SearchSpec{
		{Parameter: "Status", Operator: OpEqual, Value: "RUNNING"},
		{Parameter: "VO", Operator: OpEqual, Value: "gridpp"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}
