// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{Registry: map[string]VO{
		"lhcb": {
			IdP:          IdPConfig{URL: "https://idp.example.org", ClientID: "diracx"},
			DefaultGroup: "lhcb_user",
			Groups: map[string]Group{
				"lhcb_user":  {Properties: []SecurityProperty{NormalUser}, Users: []string{"42", "43"}},
				"lhcb_prmgr": {Properties: []SecurityProperty{NormalUser, JobAdministrator}, Users: []string{"43"}},
			},
			Users: map[string]User{
				"42": {PreferredUsername: "chaen"},
				"43": {PreferredUsername: "fstagni"},
			},
		},
	}}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validConfig().Validate())

	// The default group must exist.
	cfg := validConfig()
	vo := cfg.Registry["lhcb"]
	vo.DefaultGroup = "lhcb_admin"
	cfg.Registry["lhcb"] = vo
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lhcb_admin")

	cfg = validConfig()
	vo = cfg.Registry["lhcb"]
	vo.DefaultGroup = ""
	cfg.Registry["lhcb"] = vo
	require.Error(t, cfg.Validate())

	// Every group member must exist in the VO user map.
	cfg = validConfig()
	group := cfg.Registry["lhcb"].Groups["lhcb_user"]
	group.Users = append(group.Users, "99")
	cfg.Registry["lhcb"].Groups["lhcb_user"] = group
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown user "99"`)
}

func TestFindUserByPreferredUsername(t *testing.T) {
	t.Parallel()

	vo := validConfig().Registry["lhcb"]

	subject, user, err := vo.FindUserByPreferredUsername("chaen")
	require.NoError(t, err)
	assert.Equal(t, "42", subject)
	assert.Equal(t, "chaen", user.PreferredUsername)

	_, _, err = vo.FindUserByPreferredUsername("nobody")
	require.Error(t, err)

	// Ambiguous usernames are rejected, not resolved arbitrarily.
	vo.Users["44"] = User{PreferredUsername: "chaen"}
	_, _, err = vo.FindUserByPreferredUsername("chaen")
	require.Error(t, err)
}

const minimalYAML = `
Registry:
  lhcb:
    IdP:
      URL: https://idp.example.org
      ClientID: diracx
    DefaultGroup: lhcb_user
    Groups:
      lhcb_user:
        Properties: [NORMAL_USER]
        Users: ["42"]
    Users:
      "42":
        PreferredUsername: chaen
`

func TestFileSourceRevisionTracksContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))

	// A directory path resolves to the conventional file inside it.
	source, err := NewFileSource(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = source.Close() })

	cfg, rev, err := source.Load(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, rev.ID)
	require.Contains(t, cfg.Registry, "lhcb")
	assert.Equal(t, "lhcb_user", cfg.Registry["lhcb"].DefaultGroup)

	// Unchanged content keeps the same revision ID.
	_, again, err := source.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, rev.ID, again.ID)

	// Changed content produces a new revision ID.
	changed := minimalYAML + `      "43":
        PreferredUsername: fstagni
`
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o600))
	_, next, err := source.Load(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, rev.ID, next.ID)

	// A tree violating the membership invariants never loads.
	require.NoError(t, os.WriteFile(path, []byte(`
Registry:
  lhcb:
    DefaultGroup: lhcb_user
    Groups:
      lhcb_user:
        Users: ["missing"]
    Users: {}
`), 0o600))
	_, _, err = source.Load(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown user")

	require.NoError(t, os.WriteFile(path, []byte("Registry: ["), 0o600))
	_, _, err = source.Load(ctx)
	require.Error(t, err)

	_, err = NewFileSource(filepath.Join(dir, "does-not-exist"))
	require.Error(t, err)
}

// stubSource hands out whatever the test sets, so refresh behavior can be
// driven without touching the filesystem.
type stubSource struct {
	cfg *Config
	rev Revision
	err error
}

func (s *stubSource) Load(context.Context) (*Config, Revision, error) {
	return s.cfg, s.rev, s.err
}

func (*stubSource) Close() error { return nil }

func TestViewPublishesOnRevisionChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	source := &stubSource{cfg: validConfig(), rev: Revision{ID: "rev-1"}}
	view := NewView(source)

	// Nothing is served before the first successful refresh.
	assert.False(t, view.Ready())
	_, err := view.Snapshot()
	require.Error(t, err)

	require.NoError(t, view.Refresh(ctx))
	require.True(t, view.Ready())
	first, err := view.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, `"rev-1"`, first.ETag())

	// An unchanged revision keeps the published snapshot as-is.
	require.NoError(t, view.Refresh(ctx))
	same, err := view.Snapshot()
	require.NoError(t, err)
	assert.Same(t, first, same)

	// A failed refresh keeps serving the previous snapshot.
	source.err = assert.AnError
	require.Error(t, view.Refresh(ctx))
	kept, err := view.Snapshot()
	require.NoError(t, err)
	assert.Same(t, first, kept)

	// A new revision replaces the snapshot.
	source.err = nil
	source.rev = Revision{ID: "rev-2"}
	require.NoError(t, view.Refresh(ctx))
	next, err := view.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, `"rev-2"`, next.ETag())
	assert.NotSame(t, first, next)
}
