// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultFlowTTL bounds how long an abandoned flow record lives.
	DefaultFlowTTL = 24 * time.Hour

	// DefaultRefreshTTL bounds refresh token retention. Revoked records
	// must outlive the refresh token validity window so replays are
	// detected.
	DefaultRefreshTTL = 30 * 24 * time.Hour

	// casRetries bounds the optimistic transaction retry loop.
	casRetries = 8
)

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// URL is a redis:// connection URL.
	URL string

	// KeyPrefix namespaces all keys, e.g. "diracx:auth:".
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	FlowTTL    time.Duration
	RefreshTTL time.Duration
}

// RedisStore implements Store on Redis. The serialized transitions use
// WATCH-based optimistic transactions: a concurrent modification fails the
// MULTI block and the losing caller observes the already-advanced state.
type RedisStore struct {
	client     redis.UniversalClient
	keyPrefix  string
	flowTTL    time.Duration
	refreshTTL time.Duration
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisStore(client, cfg), nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	return newRedisStore(client, cfg)
}

func newRedisStore(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	if cfg.FlowTTL == 0 {
		cfg.FlowTTL = DefaultFlowTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	return &RedisStore{
		client:     client,
		keyPrefix:  cfg.KeyPrefix,
		flowTTL:    cfg.FlowTTL,
		refreshTTL: cfg.RefreshTTL,
	}
}

var _ Store = (*RedisStore)(nil)

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) deviceKey(userCode string) string {
	return s.keyPrefix + "device:" + userCode
}

func (s *RedisStore) deviceCodeKey(deviceCode string) string {
	return s.keyPrefix + "device:code:" + deviceCode
}

func (s *RedisStore) authFlowKey(uuid string) string {
	return s.keyPrefix + "authflow:" + uuid
}

func (s *RedisStore) authCodeKey(code string) string {
	return s.keyPrefix + "authflow:code:" + code
}

func (s *RedisStore) refreshKey(jti string) string {
	return s.keyPrefix + "refresh:" + jti
}

func (s *RedisStore) ownerKey(sub, preferredUsername string) string {
	return s.keyPrefix + "refresh:owner:" + sub + ":" + preferredUsername
}

// InsertDeviceFlow stores a new PENDING device flow.
func (s *RedisStore) InsertDeviceFlow(ctx context.Context, flow *DeviceFlow) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("marshaling device flow: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.deviceKey(flow.UserCode), data, s.flowTTL).Result()
	if err != nil {
		return fmt.Errorf("storing device flow: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	ok, err = s.client.SetNX(ctx, s.deviceCodeKey(flow.DeviceCode), flow.UserCode, s.flowTTL).Result()
	if err != nil {
		return fmt.Errorf("storing device code index: %w", err)
	}
	if !ok {
		_ = s.client.Del(ctx, s.deviceKey(flow.UserCode)).Err()
		return ErrAlreadyExists
	}
	return nil
}

// GetDeviceFlowByUserCode retrieves a device flow by user code.
func (s *RedisStore) GetDeviceFlowByUserCode(ctx context.Context, userCode string) (*DeviceFlow, error) {
	return s.getDeviceFlow(ctx, s.deviceKey(userCode))
}

// GetDeviceFlowByDeviceCode retrieves a device flow by device code.
func (s *RedisStore) GetDeviceFlowByDeviceCode(ctx context.Context, deviceCode string) (*DeviceFlow, error) {
	userCode, err := s.client.Get(ctx, s.deviceCodeKey(deviceCode)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving device code: %w", err)
	}
	return s.getDeviceFlow(ctx, s.deviceKey(userCode))
}

func (s *RedisStore) getDeviceFlow(ctx context.Context, key string) (*DeviceFlow, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting device flow: %w", err)
	}
	var flow DeviceFlow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("unmarshaling device flow: %w", err)
	}
	return &flow, nil
}

// SetDeviceFlowIDToken transitions PENDING->READY and stores the id_token.
func (s *RedisStore) SetDeviceFlowIDToken(ctx context.Context, userCode, idToken string) (bool, error) {
	return s.casDeviceFlow(ctx, s.deviceKey(userCode), func(flow *DeviceFlow) bool {
		if flow.Status != FlowPending || flow.IDToken != "" {
			return false
		}
		flow.Status = FlowReady
		flow.IDToken = idToken
		return true
	})
}

// FinishDeviceFlow atomically transitions READY->DONE.
func (s *RedisStore) FinishDeviceFlow(ctx context.Context, deviceCode string) (bool, error) {
	userCode, err := s.client.Get(ctx, s.deviceCodeKey(deviceCode)).Result()
	if errors.Is(err, redis.Nil) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("resolving device code: %w", err)
	}
	return s.casDeviceFlow(ctx, s.deviceKey(userCode), func(flow *DeviceFlow) bool {
		if flow.Status != FlowReady {
			return false
		}
		flow.Status = FlowDone
		return true
	})
}

// FailDeviceFlow transitions PENDING->ERROR.
func (s *RedisStore) FailDeviceFlow(ctx context.Context, userCode string) (bool, error) {
	return s.casDeviceFlow(ctx, s.deviceKey(userCode), func(flow *DeviceFlow) bool {
		if flow.Status != FlowPending {
			return false
		}
		flow.Status = FlowError
		return true
	})
}

// casDeviceFlow applies mutate under WATCH. It returns false without error
// when mutate rejects the current state (wrong status) or when the
// optimistic transaction keeps losing against concurrent writers.
func (s *RedisStore) casDeviceFlow(ctx context.Context, key string, mutate func(*DeviceFlow) bool) (bool, error) {
	won := false
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var flow DeviceFlow
		if err := json.Unmarshal(data, &flow); err != nil {
			return err
		}
		if !mutate(&flow) {
			won = false
			return nil
		}
		updated, err := json.Marshal(&flow)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		if err == nil {
			won = true
		}
		return err
	}

	for range casRetries {
		won = false
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return won, nil
	}
	// Every attempt observed a concurrent writer; the record has been
	// advanced by someone else, which is a lost race.
	return false, nil
}

// InsertAuthorizationFlow stores a new PENDING authorization flow.
func (s *RedisStore) InsertAuthorizationFlow(ctx context.Context, flow *AuthorizationFlow) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("marshaling authorization flow: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.authFlowKey(flow.UUID), data, s.flowTTL).Result()
	if err != nil {
		return fmt.Errorf("storing authorization flow: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// GetAuthorizationFlow retrieves an authorization flow by UUID.
func (s *RedisStore) GetAuthorizationFlow(ctx context.Context, uuid string) (*AuthorizationFlow, error) {
	data, err := s.client.Get(ctx, s.authFlowKey(uuid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting authorization flow: %w", err)
	}
	var flow AuthorizationFlow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("unmarshaling authorization flow: %w", err)
	}
	return &flow, nil
}

// GetAuthorizationFlowByCode retrieves an authorization flow by code.
func (s *RedisStore) GetAuthorizationFlowByCode(ctx context.Context, code string) (*AuthorizationFlow, error) {
	uuid, err := s.client.Get(ctx, s.authCodeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving authorization code: %w", err)
	}
	return s.GetAuthorizationFlow(ctx, uuid)
}

// SetAuthorizationFlowIDToken transitions PENDING->READY and assigns the code.
func (s *RedisStore) SetAuthorizationFlowIDToken(ctx context.Context, uuid, code, idToken string) (bool, error) {
	won, err := s.casAuthorizationFlow(ctx, s.authFlowKey(uuid), func(flow *AuthorizationFlow) bool {
		if flow.Status != FlowPending || flow.IDToken != "" {
			return false
		}
		flow.Status = FlowReady
		flow.Code = code
		flow.IDToken = idToken
		return true
	})
	if err != nil || !won {
		return won, err
	}
	if err := s.client.Set(ctx, s.authCodeKey(code), uuid, s.flowTTL).Err(); err != nil {
		return false, fmt.Errorf("storing authorization code index: %w", err)
	}
	return true, nil
}

// FinishAuthorizationFlow atomically transitions READY->DONE.
func (s *RedisStore) FinishAuthorizationFlow(ctx context.Context, code string) (bool, error) {
	uuid, err := s.client.Get(ctx, s.authCodeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("resolving authorization code: %w", err)
	}
	return s.casAuthorizationFlow(ctx, s.authFlowKey(uuid), func(flow *AuthorizationFlow) bool {
		if flow.Status != FlowReady {
			return false
		}
		flow.Status = FlowDone
		return true
	})
}

func (s *RedisStore) casAuthorizationFlow(ctx context.Context, key string, mutate func(*AuthorizationFlow) bool) (bool, error) {
	won := false
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var flow AuthorizationFlow
		if err := json.Unmarshal(data, &flow); err != nil {
			return err
		}
		if !mutate(&flow) {
			won = false
			return nil
		}
		updated, err := json.Marshal(&flow)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		if err == nil {
			won = true
		}
		return err
	}

	for range casRetries {
		won = false
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return won, nil
	}
	return false, nil
}

// InsertRefreshToken stores a new CREATED refresh token record.
func (s *RedisStore) InsertRefreshToken(ctx context.Context, token *RefreshToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshaling refresh token: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.refreshKey(token.JTI), data, s.refreshTTL).Result()
	if err != nil {
		return fmt.Errorf("storing refresh token: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	if err := s.client.SAdd(ctx, s.ownerKey(token.Sub, token.PreferredUsername), token.JTI).Err(); err != nil {
		return fmt.Errorf("indexing refresh token owner: %w", err)
	}
	if err := s.client.Expire(ctx, s.ownerKey(token.Sub, token.PreferredUsername), s.refreshTTL).Err(); err != nil {
		return fmt.Errorf("expiring owner index: %w", err)
	}
	return nil
}

// GetRefreshToken retrieves a refresh token record by jti.
func (s *RedisStore) GetRefreshToken(ctx context.Context, jti string) (*RefreshToken, error) {
	data, err := s.client.Get(ctx, s.refreshKey(jti)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting refresh token: %w", err)
	}
	var token RefreshToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("unmarshaling refresh token: %w", err)
	}
	return &token, nil
}

// RevokeRefreshToken atomically transitions CREATED->REVOKED.
func (s *RedisStore) RevokeRefreshToken(ctx context.Context, jti string) (bool, error) {
	key := s.refreshKey(jti)
	won := false
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var token RefreshToken
		if err := json.Unmarshal(data, &token); err != nil {
			return err
		}
		if token.Status != RefreshCreated {
			won = false
			return nil
		}
		token.Status = RefreshRevoked
		updated, err := json.Marshal(&token)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		if err == nil {
			won = true
		}
		return err
	}

	for range casRetries {
		won = false
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return won, nil
	}
	return false, nil
}

// RevokeOwnerRefreshTokens revokes every CREATED token of one owner.
func (s *RedisStore) RevokeOwnerRefreshTokens(ctx context.Context, sub, preferredUsername string) (int, error) {
	jtis, err := s.client.SMembers(ctx, s.ownerKey(sub, preferredUsername)).Result()
	if err != nil {
		return 0, fmt.Errorf("listing owner refresh tokens: %w", err)
	}

	revoked := 0
	for _, jti := range jtis {
		won, err := s.RevokeRefreshToken(ctx, jti)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return revoked, err
		}
		if won {
			revoked++
		}
	}
	return revoked, nil
}
