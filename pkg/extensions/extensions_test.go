// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package extensions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupPriority(t *testing.T) {
	t.Parallel()

	reg := Parse("lhcbdirac,gridppdirac")

	require.NoError(t, reg.Register(BaseExtension, "policies", "job-access", "base-impl"))
	require.NoError(t, reg.Register("gridppdirac", "policies", "job-access", "gridpp-impl"))
	require.NoError(t, reg.Register("lhcbdirac", "policies", "job-access", "lhcb-impl"))

	// The first extension in the list wins over later ones and the base.
	impl, ok := reg.Lookup("policies", "job-access")
	require.True(t, ok)
	assert.Equal(t, "lhcb-impl", impl)

	provider, ok := reg.Provider("policies", "job-access")
	require.True(t, ok)
	assert.Equal(t, "lhcbdirac", provider)
}

func TestBaseFallback(t *testing.T) {
	t.Parallel()

	reg := Parse("lhcbdirac")
	require.NoError(t, reg.Register(BaseExtension, "routes", "jobs", "base-routes"))

	impl, ok := reg.Lookup("routes", "jobs")
	require.True(t, ok)
	assert.Equal(t, "base-routes", impl)

	_, ok = reg.Lookup("routes", "missing")
	assert.False(t, ok)
}

func TestRegisterUnknownExtension(t *testing.T) {
	t.Parallel()

	reg := New(nil)
	err := reg.Register("rogue", "routes", "jobs", "impl")
	require.Error(t, err)
}
