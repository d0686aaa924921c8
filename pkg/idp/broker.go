// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"context"
	"sync"
	"time"

	"github.com/DIRACGrid/diracx-sub002/pkg/registry"
)

// Broker hands out one Client per identity provider, constructed lazily and
// cached by (URL, ClientID). A VO whose registry entry changes its IdP
// binding gets a fresh client on the next request.
type Broker struct {
	redirectURI string
	timeout     time.Duration

	mu      sync.Mutex
	clients map[registry.IdPConfig]*Client
}

// NewBroker creates a Broker. redirectURI is this service's upstream
// callback endpoint.
func NewBroker(redirectURI string, timeout time.Duration) *Broker {
	return &Broker{
		redirectURI: redirectURI,
		timeout:     timeout,
		clients:     make(map[registry.IdPConfig]*Client),
	}
}

// ClientFor returns the Client for one identity provider binding,
// performing discovery on first use.
func (b *Broker) ClientFor(ctx context.Context, cfg registry.IdPConfig) (*Client, error) {
	b.mu.Lock()
	if client, ok := b.clients[cfg]; ok {
		b.mu.Unlock()
		return client, nil
	}
	b.mu.Unlock()

	// Discovery happens outside the lock; concurrent first users may race
	// and both succeed, the second insert wins.
	client, err := NewClient(ctx, cfg, b.redirectURI, b.timeout)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.clients[cfg] = client
	b.mu.Unlock()
	return client, nil
}
