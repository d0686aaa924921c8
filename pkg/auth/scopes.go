// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"
	"sort"
	"strings"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/registry"
)

// ParsedScope is the validated authorization request: one VO, one group and
// the properties the minted token will carry.
type ParsedScope struct {
	VO         string
	Group      string
	Properties []registry.SecurityProperty
}

// String renders the scope back to its canonical wire form.
func (p ParsedScope) String() string {
	parts := []string{"vo:" + p.VO, "group:" + p.Group}
	props := make([]string, 0, len(p.Properties))
	for _, prop := range p.Properties {
		props = append(props, "property:"+string(prop))
	}
	sort.Strings(props)
	return strings.Join(append(parts, props...), " ")
}

// ParseScope parses and validates a space-separated scope string of the
// form "vo:<vo> [group:<group>] [property:<p>...]" against the registry.
// Exactly one vo is required. A missing group resolves to the VO default.
// Requested properties must be a subset of the group's; none requested
// grants the full group set.
func ParseScope(scope string, config *registry.Config) (ParsedScope, error) {
	var (
		vos        []string
		groups     []string
		properties []registry.SecurityProperty
	)
	for _, part := range strings.Fields(scope) {
		switch {
		case strings.HasPrefix(part, "vo:"):
			vos = append(vos, strings.TrimPrefix(part, "vo:"))
		case strings.HasPrefix(part, "group:"):
			groups = append(groups, strings.TrimPrefix(part, "group:"))
		case strings.HasPrefix(part, "property:"):
			properties = append(properties, registry.SecurityProperty(strings.TrimPrefix(part, "property:")))
		default:
			return ParsedScope{}, apierror.NewInvalidRequestError(fmt.Sprintf("unrecognized scope %q", part), nil)
		}
	}

	if len(vos) != 1 {
		return ParsedScope{}, apierror.NewInvalidRequestError("exactly one vo scope is required", nil)
	}
	vo, ok := config.Registry[vos[0]]
	if !ok {
		return ParsedScope{}, apierror.NewInvalidRequestError(fmt.Sprintf("unknown vo %q", vos[0]), nil)
	}

	if len(groups) > 1 {
		return ParsedScope{}, apierror.NewInvalidRequestError("at most one group scope is allowed", nil)
	}
	groupName := vo.DefaultGroup
	if len(groups) == 1 {
		groupName = groups[0]
	}
	group, ok := vo.Groups[groupName]
	if !ok {
		return ParsedScope{}, apierror.NewInvalidRequestError(
			fmt.Sprintf("unknown group %q for vo %q", groupName, vos[0]), nil)
	}

	if len(properties) == 0 {
		properties = group.Properties
	} else {
		for _, p := range properties {
			if !group.HasProperty(p) {
				return ParsedScope{}, apierror.NewInvalidRequestError(
					fmt.Sprintf("property %q is not available to group %q", p, groupName), nil)
			}
		}
	}

	return ParsedScope{VO: vos[0], Group: groupName, Properties: properties}, nil
}
