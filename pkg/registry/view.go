// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/logger"
)

// DefaultRefreshInterval is the soft TTL of a cached configuration snapshot.
const DefaultRefreshInterval = 1 * time.Minute

// Snapshot is one immutable configuration revision. Handlers hold a single
// snapshot for the duration of a request.
type Snapshot struct {
	Config   *Config
	Revision Revision
}

// ETag returns the revision as a strong entity tag.
func (s *Snapshot) ETag() string {
	return fmt.Sprintf("%q", s.Revision.ID)
}

// LastModified returns the revision time in HTTP date format.
func (s *Snapshot) LastModified() string {
	return s.Revision.ModTime.UTC().Format(time.RFC1123)
}

// View caches the latest validated snapshot of a Source and refreshes it
// asynchronously. Revisions are monotone: a refresh that fails leaves the
// previous snapshot in place.
type View struct {
	source   Source
	interval time.Duration
	current  atomic.Pointer[Snapshot]
}

// ViewOption configures a View.
type ViewOption func(*View)

// WithRefreshInterval overrides the soft TTL of the cached snapshot.
func WithRefreshInterval(d time.Duration) ViewOption {
	return func(v *View) {
		v.interval = d
	}
}

// NewView creates a view over the source. No snapshot is loaded until the
// first Refresh.
func NewView(source Source, opts ...ViewOption) *View {
	v := &View{
		source:   source,
		interval: DefaultRefreshInterval,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Refresh loads the source and publishes the new snapshot if its revision
// moved forward.
func (v *View) Refresh(ctx context.Context) error {
	cfg, rev, err := v.source.Load(ctx)
	if err != nil {
		return err
	}

	if prev := v.current.Load(); prev != nil && prev.Revision.ID == rev.ID {
		return nil
	}

	v.current.Store(&Snapshot{Config: cfg, Revision: rev})
	logger.Infow("configuration refreshed", "revision", rev.ID, "modified", rev.ModTime)
	return nil
}

// Run refreshes the view at the configured interval until ctx is cancelled.
func (v *View) Run(ctx context.Context) error {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := v.Refresh(ctx); err != nil {
				logger.Warnw("configuration refresh failed", "error", err)
			}
		}
	}
}

// Snapshot returns the current snapshot, or an unavailable error if no
// revision has been produced yet.
func (v *View) Snapshot() (*Snapshot, error) {
	s := v.current.Load()
	if s == nil {
		return nil, apierror.NewUnavailableError("configuration not yet loaded", nil)
	}
	return s, nil
}

// Ready reports whether a configuration revision is available.
func (v *View) Ready() bool {
	return v.current.Load() != nil
}
