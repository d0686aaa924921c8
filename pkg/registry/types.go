// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package registry provides the read-only view of the VO/group/user
// configuration tree, refreshed asynchronously from a versioned source.
package registry

import (
	"fmt"
	"slices"
)

// SecurityProperty is a capability tag consulted by access policies.
type SecurityProperty string

// Well-known security properties.
const (
	NormalUser       SecurityProperty = "NORMAL_USER"
	JobAdministrator SecurityProperty = "JOB_ADMINISTRATOR"
	JobSharing       SecurityProperty = "JOB_SHARING"
	GenericPilot     SecurityProperty = "GENERIC_PILOT"
	Operator         SecurityProperty = "OPERATOR"
	ProxyManagement  SecurityProperty = "PROXY_MANAGEMENT"
	TrustedHost      SecurityProperty = "TRUSTED_HOST"
)

// IdPConfig binds a VO to its external OpenID Connect identity provider.
type IdPConfig struct {
	URL      string `yaml:"URL" json:"URL"`
	ClientID string `yaml:"ClientID" json:"ClientID"`
}

// User is a member of a VO, keyed by the IdP subject.
type User struct {
	PreferredUsername string `yaml:"PreferredUsername" json:"PreferredUsername"`
	Email             string `yaml:"Email,omitempty" json:"Email,omitempty"`
}

// Group is a named set of users with an attached set of security properties.
type Group struct {
	Properties         []SecurityProperty `yaml:"Properties" json:"Properties"`
	Users              []string           `yaml:"Users" json:"Users"`
	JobShare           int                `yaml:"JobShare,omitempty" json:"JobShare,omitempty"`
	AllowBackgroundTQs bool               `yaml:"AllowBackgroundTQs,omitempty" json:"AllowBackgroundTQs,omitempty"`
}

// HasUser reports whether the subject is a member of the group.
func (g Group) HasUser(subject string) bool {
	return slices.Contains(g.Users, subject)
}

// HasProperty reports whether the group carries the given property.
func (g Group) HasProperty(p SecurityProperty) bool {
	return slices.Contains(g.Properties, p)
}

// VO is a tenant: it owns groups, users and an IdP binding.
type VO struct {
	IdP          IdPConfig        `yaml:"IdP" json:"IdP"`
	DefaultGroup string           `yaml:"DefaultGroup" json:"DefaultGroup"`
	Groups       map[string]Group `yaml:"Groups" json:"Groups"`
	Users        map[string]User  `yaml:"Users" json:"Users"`
}

// Config is the root of the configuration tree.
type Config struct {
	Registry map[string]VO `yaml:"Registry" json:"Registry"`
}

// Validate checks the structural invariants of the tree: every group member
// must exist in the VO user map, and the default group must exist.
func (c *Config) Validate() error {
	for voName, vo := range c.Registry {
		if vo.DefaultGroup == "" {
			return fmt.Errorf("vo %q: DefaultGroup is required", voName)
		}
		if _, ok := vo.Groups[vo.DefaultGroup]; !ok {
			return fmt.Errorf("vo %q: DefaultGroup %q does not exist", voName, vo.DefaultGroup)
		}
		for groupName, group := range vo.Groups {
			for _, subject := range group.Users {
				if _, ok := vo.Users[subject]; !ok {
					return fmt.Errorf("vo %q: group %q references unknown user %q",
						voName, groupName, subject)
				}
			}
		}
	}
	return nil
}

// FindUserByPreferredUsername returns the subject and user record matching a
// preferred username within a VO. Exactly one match is required.
func (vo VO) FindUserByPreferredUsername(preferredUsername string) (string, User, error) {
	var (
		foundSubject string
		foundUser    User
		matches      int
	)
	for subject, user := range vo.Users {
		if user.PreferredUsername == preferredUsername {
			foundSubject, foundUser = subject, user
			matches++
		}
	}
	if matches != 1 {
		return "", User{}, fmt.Errorf("preferred username %q matches %d users", preferredUsername, matches)
	}
	return foundSubject, foundUser, nil
}
