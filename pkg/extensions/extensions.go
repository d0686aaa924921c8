// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package extensions implements the ordered implementation registry
// through which installations override routes, policies and schemas.
// The registry is built once at startup from the DIRACX_EXTENSIONS
// setting and is the sole indirection point: callers look up by
// (group, name) and take the highest-priority implementation.
package extensions

import (
	"fmt"
	"strings"
	"sync"
)

// BaseExtension is the implicit lowest-priority extension providing the
// built-in implementations.
const BaseExtension = "diracx"

type key struct {
	group string
	name  string
}

type entry struct {
	extension string
	priority  int
	impl      any
}

// Registry holds implementations keyed by (group, name), ordered by
// extension priority. Registration happens during startup; lookups may
// run concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	priority map[string]int
	entries  map[key][]entry
}

// New builds a registry from the ordered extension list, highest
// priority first. The base extension is always present as the lowest
// priority.
func New(ordered []string) *Registry {
	priority := make(map[string]int, len(ordered)+1)
	rank := len(ordered)
	for _, name := range ordered {
		name = strings.TrimSpace(name)
		if name == "" || name == BaseExtension {
			continue
		}
		priority[name] = rank
		rank--
	}
	priority[BaseExtension] = 0
	return &Registry{priority: priority, entries: make(map[key][]entry)}
}

// Parse builds a registry from the comma-separated DIRACX_EXTENSIONS
// value.
func Parse(setting string) *Registry {
	if setting == "" {
		return New(nil)
	}
	return New(strings.Split(setting, ","))
}

// Register adds an implementation under (group, name) on behalf of an
// extension. The extension must have been declared at startup.
func (r *Registry) Register(extension, group, name string, impl any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rank, ok := r.priority[extension]
	if !ok {
		return fmt.Errorf("extension %q is not enabled", extension)
	}
	k := key{group: group, name: name}
	r.entries[k] = append(r.entries[k], entry{extension: extension, priority: rank, impl: impl})
	return nil
}

// Lookup returns the highest-priority implementation registered under
// (group, name).
func (r *Registry) Lookup(group, name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best, ok := r.best(key{group: group, name: name})
	if !ok {
		return nil, false
	}
	return best.impl, true
}

// Provider returns the name of the extension whose implementation wins
// the lookup.
func (r *Registry) Provider(group, name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best, ok := r.best(key{group: group, name: name})
	if !ok {
		return "", false
	}
	return best.extension, true
}

func (r *Registry) best(k key) (entry, bool) {
	candidates := r.entries[k]
	if len(candidates) == 0 {
		return entry{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.priority > best.priority {
			best = c
		}
	}
	return best, true
}
