// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package settings loads the installation configuration from the
// environment. All variables share the DIRACX_ prefix.
package settings

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultAccessTokenLifetime  = 30 * time.Minute
	DefaultRefreshTokenLifetime = 12 * time.Hour
	DefaultFlowLifetime         = 10 * time.Minute
	DefaultSandboxURLValidity   = 5 * time.Minute
	DefaultSandboxRetention     = 90 * 24 * time.Hour
	DefaultSandboxMaxSize       = int64(100) * 1024 * 1024
	DefaultMaxPerPage           = 10000
	DefaultIdPTimeout           = 10 * time.Second
)

// S3 holds the object store connection settings.
type S3 struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
}

// Settings is the validated installation configuration.
type Settings struct {
	// Issuer is the token issuer URL, also served as the OIDC issuer.
	Issuer string

	// ListenAddress is the HTTP bind address.
	ListenAddress string

	// ConfigSourceURL locates the configuration repository. Git URLs and
	// local paths (optionally file://) are supported.
	ConfigSourceURL string

	// TokenSigningKey is the PEM signing key, inline or as a file:// URL.
	TokenSigningKey string

	// LegacyExchangeHashedAPIKey is the hex SHA-256 of the legacy exchange
	// API key. Empty disables the legacy exchange endpoint.
	LegacyExchangeHashedAPIKey string

	// PilotSecretKey keys the HMAC under which pilot secrets are stored.
	PilotSecretKey string

	// AuthDBURL, JobDBURL, PilotDBURL and SandboxDBURL are SQLite paths.
	// The auth DB may instead be a redis:// URL.
	AuthDBURL    string
	JobDBURL     string
	PilotDBURL   string
	SandboxDBURL string

	// Extensions is the ordered extension list, highest priority first.
	Extensions []string

	S3 S3

	AccessTokenLifetime  time.Duration
	RefreshTokenLifetime time.Duration
	DeviceFlowLifetime   time.Duration
	AuthFlowLifetime     time.Duration
	SandboxURLValidity   time.Duration
	SandboxRetention     time.Duration
	SandboxMaxSize       int64
	MaxPerPage           int
	IdPTimeout           time.Duration

	// DevAssert enables the development-mode crash on endpoints served
	// without a policy check.
	DevAssert bool
}

// Load reads settings from the environment via viper.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("DIRACX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_address", ":8000")
	v.SetDefault("access_token_lifetime", DefaultAccessTokenLifetime)
	v.SetDefault("refresh_token_lifetime", DefaultRefreshTokenLifetime)
	v.SetDefault("device_flow_lifetime", DefaultFlowLifetime)
	v.SetDefault("auth_flow_lifetime", DefaultFlowLifetime)
	v.SetDefault("sandbox_url_validity", DefaultSandboxURLValidity)
	v.SetDefault("sandbox_retention", DefaultSandboxRetention)
	v.SetDefault("sandbox_max_size", DefaultSandboxMaxSize)
	v.SetDefault("max_per_page", DefaultMaxPerPage)
	v.SetDefault("idp_timeout", DefaultIdPTimeout)
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("s3_bucket", "sandboxes")
	v.SetDefault("job_db_url", "diracx-jobs.db")
	v.SetDefault("pilot_db_url", "diracx-pilots.db")
	v.SetDefault("sandbox_db_url", "diracx-sandbox.db")

	s := &Settings{
		Issuer:                     v.GetString("issuer"),
		ListenAddress:              v.GetString("listen_address"),
		ConfigSourceURL:            v.GetString("config_source_url"),
		TokenSigningKey:            v.GetString("token_signing_key"),
		LegacyExchangeHashedAPIKey: v.GetString("legacy_exchange_hashed_api_key"),
		PilotSecretKey:             v.GetString("pilot_secret_key"),
		AuthDBURL:                  v.GetString("auth_db_url"),
		JobDBURL:                   v.GetString("job_db_url"),
		PilotDBURL:                 v.GetString("pilot_db_url"),
		SandboxDBURL:               v.GetString("sandbox_db_url"),
		S3: S3{
			Endpoint:  v.GetString("s3_endpoint"),
			AccessKey: v.GetString("s3_access_key"),
			SecretKey: v.GetString("s3_secret_key"),
			Region:    v.GetString("s3_region"),
			Bucket:    v.GetString("s3_bucket"),
		},
		AccessTokenLifetime:  v.GetDuration("access_token_lifetime"),
		RefreshTokenLifetime: v.GetDuration("refresh_token_lifetime"),
		DeviceFlowLifetime:   v.GetDuration("device_flow_lifetime"),
		AuthFlowLifetime:     v.GetDuration("auth_flow_lifetime"),
		SandboxURLValidity:   v.GetDuration("sandbox_url_validity"),
		SandboxRetention:     v.GetDuration("sandbox_retention"),
		SandboxMaxSize:       v.GetInt64("sandbox_max_size"),
		MaxPerPage:           v.GetInt("max_per_page"),
		IdPTimeout:           v.GetDuration("idp_timeout"),
		DevAssert:            v.GetBool("dev_assert"),
	}

	if raw := v.GetString("extensions"); raw != "" {
		for _, ext := range strings.Split(raw, ",") {
			if ext = strings.TrimSpace(ext); ext != "" {
				s.Extensions = append(s.Extensions, ext)
			}
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks that the settings required to serve are present.
func (s *Settings) Validate() error {
	if s.Issuer == "" {
		return fmt.Errorf("DIRACX_ISSUER is required")
	}
	if s.ConfigSourceURL == "" {
		return fmt.Errorf("DIRACX_CONFIG_SOURCE_URL is required")
	}
	if s.MaxPerPage <= 0 {
		return fmt.Errorf("DIRACX_MAX_PER_PAGE must be positive")
	}
	return nil
}
