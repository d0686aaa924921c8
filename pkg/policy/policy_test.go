// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/token"
	"github.com/DIRACGrid/diracx-sub002/pkg/registry"
)

func user(group string, props ...registry.SecurityProperty) *token.AuthorizedUserInfo {
	return &token.AuthorizedUserInfo{
		Sub:               "lhcb:42",
		VO:                "lhcb",
		PreferredUsername: "chaen",
		DiracGroup:        group,
		Properties:        props,
	}
}

func TestRequireProperty(t *testing.T) {
	t.Parallel()

	p := RequireProperty("test", registry.NormalUser, registry.Operator)

	assert.NoError(t, p.Check(user("lhcb_user", registry.NormalUser), nil))
	assert.NoError(t, p.Check(user("lhcb_user", registry.Operator), nil))

	err := p.Check(user("lhcb_user", registry.GenericPilot), nil)
	require.Error(t, err)
	assert.True(t, apierror.IsPermissionDenied(err))
}

func TestJobAccess(t *testing.T) {
	t.Parallel()

	owned := Params{"owner": "chaen", "owner_group": "lhcb_user"}
	foreign := Params{"owner": "fstagni", "owner_group": "lhcb_prmgr"}
	sameGroup := Params{"owner": "fstagni", "owner_group": "lhcb_user"}

	normal := user("lhcb_user", registry.NormalUser)
	assert.NoError(t, JobAccess.Check(normal, owned))
	assert.Error(t, JobAccess.Check(normal, foreign))
	assert.Error(t, JobAccess.Check(normal, sameGroup))

	sharing := user("lhcb_user", registry.NormalUser, registry.JobSharing)
	assert.NoError(t, JobAccess.Check(sharing, sameGroup))
	assert.Error(t, JobAccess.Check(sharing, foreign))

	admin := user("lhcb_prmgr", registry.JobAdministrator)
	assert.NoError(t, JobAccess.Check(admin, foreign))
	assert.NoError(t, JobAccess.Check(admin, owned))
}

func TestPilotManagement(t *testing.T) {
	t.Parallel()

	assert.Error(t, PilotManagement.Check(user("lhcb_user", registry.NormalUser), nil))
	assert.NoError(t, PilotManagement.Check(user("lhcb_prmgr", registry.JobAdministrator), nil))
	assert.NoError(t, PilotManagement.Check(user("lhcb_pilot", registry.GenericPilot), nil))
}
