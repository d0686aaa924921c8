// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package policy defines the access policies attached to protected
// endpoints. A policy is a named predicate over the verified principal
// and the parameters of the attempted action; failure maps to 403.
package policy

import (
	"fmt"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/token"
	"github.com/DIRACGrid/diracx-sub002/pkg/registry"
)

// Params carries the action-specific inputs a policy inspects, such as
// the owner of the job being acted on.
type Params map[string]any

// Policy decides whether a user principal may perform an action.
type Policy struct {
	Name  string
	Check func(user *token.AuthorizedUserInfo, params Params) error
}

func denied(name, reason string) error {
	return apierror.NewPermissionDeniedError(fmt.Sprintf("%s: %s", name, reason), nil)
}

// RequireProperty builds a policy satisfied by any of the listed
// properties.
func RequireProperty(name string, properties ...registry.SecurityProperty) Policy {
	return Policy{
		Name: name,
		Check: func(user *token.AuthorizedUserInfo, _ Params) error {
			for _, p := range properties {
				if user.HasProperty(p) {
					return nil
				}
			}
			return denied(name, fmt.Sprintf("requires one of %v", properties))
		},
	}
}

// Authenticated passes for any verified user. Used by endpoints whose
// only requirement is a valid token, such as userinfo and config reads.
var Authenticated = Policy{
	Name: "authenticated",
	Check: func(_ *token.AuthorizedUserInfo, _ Params) error {
		return nil
	},
}

// JobAccess allows a user to act on a job they own, on any job of
// their group when they hold JOB_SHARING, and on any job of the VO when
// they hold JOB_ADMINISTRATOR. The owning VO is enforced upstream by
// the implicit search filter, not here.
var JobAccess = Policy{
	Name: "job-access",
	Check: func(user *token.AuthorizedUserInfo, params Params) error {
		if user.HasProperty(registry.JobAdministrator) {
			return nil
		}
		owner, _ := params["owner"].(string)
		ownerGroup, _ := params["owner_group"].(string)
		if user.HasProperty(registry.JobSharing) && ownerGroup == user.DiracGroup {
			return nil
		}
		if owner == user.PreferredUsername && ownerGroup == user.DiracGroup {
			return nil
		}
		return denied("job-access", "not the job owner")
	},
}

// JobSearch gates the search surface: any normal user may search, the
// implicit VO filter bounds what they see.
var JobSearch = RequireProperty("job-search", registry.NormalUser, registry.JobAdministrator)

// SandboxAccess requires a normal user; namespace confinement is
// enforced by the PFN prefix check in the sandbox service.
var SandboxAccess = RequireProperty("sandbox-access", registry.NormalUser)

// PilotManagement gates pilot registration and administrative pilot
// search.
var PilotManagement = RequireProperty("pilot-management",
	registry.GenericPilot, registry.Operator, registry.JobAdministrator)
