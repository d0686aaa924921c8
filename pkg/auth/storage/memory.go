// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process
// development deployments. All operations are serialized by a single mutex,
// which trivially satisfies the compare-and-set contract.
type MemoryStore struct {
	mu sync.Mutex

	deviceByUser   map[string]*DeviceFlow
	deviceByDevice map[string]*DeviceFlow
	authByUUID     map[string]*AuthorizationFlow
	authByCode     map[string]*AuthorizationFlow
	refreshByJTI   map[string]*RefreshToken
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deviceByUser:   make(map[string]*DeviceFlow),
		deviceByDevice: make(map[string]*DeviceFlow),
		authByUUID:     make(map[string]*AuthorizationFlow),
		authByCode:     make(map[string]*AuthorizationFlow),
		refreshByJTI:   make(map[string]*RefreshToken),
	}
}

var _ Store = (*MemoryStore)(nil)

// InsertDeviceFlow stores a new PENDING device flow.
func (s *MemoryStore) InsertDeviceFlow(_ context.Context, flow *DeviceFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deviceByUser[flow.UserCode]; ok {
		return ErrAlreadyExists
	}
	if _, ok := s.deviceByDevice[flow.DeviceCode]; ok {
		return ErrAlreadyExists
	}
	stored := *flow
	s.deviceByUser[flow.UserCode] = &stored
	s.deviceByDevice[flow.DeviceCode] = &stored
	return nil
}

// GetDeviceFlowByUserCode retrieves a device flow by user code.
func (s *MemoryStore) GetDeviceFlowByUserCode(_ context.Context, userCode string) (*DeviceFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.deviceByUser[userCode]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *flow
	return &copied, nil
}

// GetDeviceFlowByDeviceCode retrieves a device flow by device code.
func (s *MemoryStore) GetDeviceFlowByDeviceCode(_ context.Context, deviceCode string) (*DeviceFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.deviceByDevice[deviceCode]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *flow
	return &copied, nil
}

// SetDeviceFlowIDToken transitions PENDING->READY and stores the id_token.
func (s *MemoryStore) SetDeviceFlowIDToken(_ context.Context, userCode, idToken string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.deviceByUser[userCode]
	if !ok {
		return false, ErrNotFound
	}
	if flow.Status != FlowPending || flow.IDToken != "" {
		return false, nil
	}
	flow.Status = FlowReady
	flow.IDToken = idToken
	return true, nil
}

// FinishDeviceFlow atomically transitions READY->DONE.
func (s *MemoryStore) FinishDeviceFlow(_ context.Context, deviceCode string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.deviceByDevice[deviceCode]
	if !ok {
		return false, ErrNotFound
	}
	if flow.Status != FlowReady {
		return false, nil
	}
	flow.Status = FlowDone
	return true, nil
}

// FailDeviceFlow transitions PENDING->ERROR.
func (s *MemoryStore) FailDeviceFlow(_ context.Context, userCode string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.deviceByUser[userCode]
	if !ok {
		return false, ErrNotFound
	}
	if flow.Status != FlowPending {
		return false, nil
	}
	flow.Status = FlowError
	return true, nil
}

// InsertAuthorizationFlow stores a new PENDING authorization flow.
func (s *MemoryStore) InsertAuthorizationFlow(_ context.Context, flow *AuthorizationFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authByUUID[flow.UUID]; ok {
		return ErrAlreadyExists
	}
	stored := *flow
	s.authByUUID[flow.UUID] = &stored
	return nil
}

// GetAuthorizationFlow retrieves an authorization flow by UUID.
func (s *MemoryStore) GetAuthorizationFlow(_ context.Context, uuid string) (*AuthorizationFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.authByUUID[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *flow
	return &copied, nil
}

// GetAuthorizationFlowByCode retrieves an authorization flow by code.
func (s *MemoryStore) GetAuthorizationFlowByCode(_ context.Context, code string) (*AuthorizationFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.authByCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *flow
	return &copied, nil
}

// SetAuthorizationFlowIDToken transitions PENDING->READY and assigns the code.
func (s *MemoryStore) SetAuthorizationFlowIDToken(_ context.Context, uuid, code, idToken string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.authByUUID[uuid]
	if !ok {
		return false, ErrNotFound
	}
	if flow.Status != FlowPending || flow.IDToken != "" {
		return false, nil
	}
	flow.Status = FlowReady
	flow.Code = code
	flow.IDToken = idToken
	s.authByCode[code] = flow
	return true, nil
}

// FinishAuthorizationFlow atomically transitions READY->DONE.
func (s *MemoryStore) FinishAuthorizationFlow(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.authByCode[code]
	if !ok {
		return false, ErrNotFound
	}
	if flow.Status != FlowReady {
		return false, nil
	}
	flow.Status = FlowDone
	return true, nil
}

// InsertRefreshToken stores a new CREATED refresh token record.
func (s *MemoryStore) InsertRefreshToken(_ context.Context, token *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshByJTI[token.JTI]; ok {
		return ErrAlreadyExists
	}
	stored := *token
	s.refreshByJTI[token.JTI] = &stored
	return nil
}

// GetRefreshToken retrieves a refresh token record by jti.
func (s *MemoryStore) GetRefreshToken(_ context.Context, jti string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refreshByJTI[jti]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *token
	return &copied, nil
}

// RevokeRefreshToken atomically transitions CREATED->REVOKED.
func (s *MemoryStore) RevokeRefreshToken(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refreshByJTI[jti]
	if !ok {
		return false, ErrNotFound
	}
	if token.Status != RefreshCreated {
		return false, nil
	}
	token.Status = RefreshRevoked
	return true, nil
}

// RevokeOwnerRefreshTokens revokes every CREATED token of one owner.
func (s *MemoryStore) RevokeOwnerRefreshTokens(_ context.Context, sub, preferredUsername string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, token := range s.refreshByJTI {
		if token.Sub == sub && token.PreferredUsername == preferredUsername && token.Status == RefreshCreated {
			token.Status = RefreshRevoked
			revoked++
		}
	}
	return revoked, nil
}

// Close implements Store.
func (*MemoryStore) Close() error { return nil }
