// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the configuration file looked up inside a source tree.
const ConfigFileName = "default.yml"

// Revision identifies one version of the configuration tree.
// IDs are monotone for a given source: a newer revision never reuses an
// older ID, and ModTime never goes backwards.
type Revision struct {
	// ID is an opaque identifier suitable for use as an ETag value.
	ID string

	// ModTime is the time the revision was produced.
	ModTime time.Time
}

// Source produces validated configuration snapshots. Writers are
// out-of-band; a Source is read-only.
type Source interface {
	// Load returns the current configuration and its revision.
	Load(ctx context.Context) (*Config, Revision, error)

	// Close releases resources held by the source.
	Close() error
}

// NewSource builds a source appropriate for the given URL: git URLs get a
// GitSource, everything else is treated as a local path.
func NewSource(url string) (Source, error) {
	if strings.HasPrefix(url, "git+") || strings.HasSuffix(url, ".git") {
		return NewGitSource(strings.TrimPrefix(url, "git+"))
	}
	return NewFileSource(strings.TrimPrefix(url, "file://"))
}

// FileSource reads the configuration from a local file or directory.
// The revision is derived from the content digest and file mtime.
type FileSource struct {
	path string
}

// NewFileSource creates a source over a local path. If the path is a
// directory, ConfigFileName inside it is read.
func NewFileSource(path string) (*FileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config source %s: %w", path, err)
	}
	if info.IsDir() {
		path = filepath.Join(path, ConfigFileName)
	}
	return &FileSource{path: path}, nil
}

// Load reads and validates the configuration file.
func (s *FileSource) Load(_ context.Context) (*Config, Revision, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, Revision{}, fmt.Errorf("reading config: %w", err)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, Revision{}, fmt.Errorf("stat config: %w", err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return nil, Revision{}, err
	}

	digest := sha256.Sum256(data)
	rev := Revision{
		ID:      hex.EncodeToString(digest[:8]),
		ModTime: info.ModTime().UTC().Truncate(time.Second),
	}
	return cfg, rev, nil
}

// Close implements Source.
func (*FileSource) Close() error { return nil }

// StaticSource serves a fixed in-memory configuration. Used by tests and
// single-node development deployments that do not track a config repo.
type StaticSource struct {
	Config *Config
}

// Load implements Source. The revision is derived from the serialized
// configuration so distinct configs produce distinct ETags.
func (s *StaticSource) Load(_ context.Context) (*Config, Revision, error) {
	if err := s.Config.Validate(); err != nil {
		return nil, Revision{}, fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(s.Config)
	if err != nil {
		return nil, Revision{}, fmt.Errorf("serializing config: %w", err)
	}
	digest := sha256.Sum256(data)
	return s.Config, Revision{
		ID:      hex.EncodeToString(digest[:8]),
		ModTime: time.Unix(0, 0).UTC(),
	}, nil
}

// Close implements Source.
func (*StaticSource) Close() error { return nil }

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
