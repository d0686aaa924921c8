// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/DIRACGrid/diracx-sub002/pkg/api"
	v1 "github.com/DIRACGrid/diracx-sub002/pkg/api/v1"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/keys"
	authstorage "github.com/DIRACGrid/diracx-sub002/pkg/auth/storage"
	"github.com/DIRACGrid/diracx-sub002/pkg/auth/token"
	"github.com/DIRACGrid/diracx-sub002/pkg/extensions"
	"github.com/DIRACGrid/diracx-sub002/pkg/idp"
	"github.com/DIRACGrid/diracx-sub002/pkg/jobs"
	"github.com/DIRACGrid/diracx-sub002/pkg/logger"
	"github.com/DIRACGrid/diracx-sub002/pkg/pilots"
	"github.com/DIRACGrid/diracx-sub002/pkg/registry"
	"github.com/DIRACGrid/diracx-sub002/pkg/sandbox"
	"github.com/DIRACGrid/diracx-sub002/pkg/settings"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the diracx API server",
	Long: `Start the HTTP API server. The process runs until it receives
SIGINT or SIGTERM, then drains in-flight requests and exits.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := settings.Load()
	if err != nil {
		return err
	}

	provider, err := newKeyProvider(s)
	if err != nil {
		return err
	}

	source, err := registry.NewSource(s.ConfigSourceURL)
	if err != nil {
		return err
	}
	defer source.Close()
	view := registry.NewView(source)

	// The server cannot authorize anything without a configuration
	// revision, so the first load is retried rather than failed through.
	if _, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, view.Refresh(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(2*time.Minute)); err != nil {
		return fmt.Errorf("loading initial configuration: %w", err)
	}

	authStore, err := newAuthStore(ctx, s)
	if err != nil {
		return err
	}
	defer authStore.Close()

	jobStore, err := jobs.NewStore(ctx, s.JobDBURL)
	if err != nil {
		return err
	}
	defer jobStore.Close()

	pilotStore, err := pilots.NewStore(ctx, s.PilotDBURL, []byte(s.PilotSecretKey))
	if err != nil {
		return err
	}
	defer pilotStore.Close()

	sandboxSvc, err := newSandboxService(ctx, s)
	if err != nil {
		return err
	}

	issuer := token.NewIssuer(provider, token.IssuerConfig{
		Issuer:          s.Issuer,
		AccessLifetime:  s.AccessTokenLifetime,
		RefreshLifetime: s.RefreshTokenLifetime,
	})
	verifier := token.NewVerifier(s.Issuer, provider)
	authSvc := auth.NewService(
		authStore,
		issuer,
		verifier,
		idp.NewBroker(s.Issuer+"/api/auth/authorize/complete", s.IdPTimeout),
		view,
		auth.Config{
			VerificationURI:            s.Issuer + "/api/auth/device",
			DeviceFlowLifetime:         s.DeviceFlowLifetime,
			AuthorizationFlowLifetime:  s.AuthFlowLifetime,
			LegacyExchangeHashedAPIKey: s.LegacyExchangeHashedAPIKey,
		},
	)

	routers := v1.Routers(v1.Deps{
		Issuer:     s.Issuer,
		Auth:       authSvc,
		Keys:       provider,
		View:       view,
		Jobs:       jobStore,
		Pilots:     pilotStore,
		Sandbox:    sandboxSvc,
		MaxPerPage: s.MaxPerPage,
		Guard:      api.Guard{DevAssert: s.DevAssert},
	})
	handler := api.NewRouter(api.Principal(verifier, view), mountOverrides(s, routers))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := view.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	group.Go(func() error {
		return api.Serve(ctx, s.ListenAddress, false, handler)
	})
	return group.Wait()
}

// mountOverrides runs the built-in route groups through the extension
// registry so an enabled extension can replace any of them wholesale.
func mountOverrides(s *settings.Settings, routers map[string]http.Handler) map[string]http.Handler {
	reg := extensions.New(s.Extensions)
	for prefix, router := range routers {
		if err := reg.Register(extensions.BaseExtension, "routers", prefix, router); err != nil {
			logger.Panicf("registering base router %s: %v", prefix, err)
		}
	}

	mounted := make(map[string]http.Handler, len(routers))
	for prefix := range routers {
		impl, ok := reg.Lookup("routers", prefix)
		if !ok {
			continue
		}
		if ext, _ := reg.Provider("routers", prefix); ext != extensions.BaseExtension {
			logger.Infow("route group overridden", "prefix", prefix, "extension", ext)
		}
		mounted[prefix] = impl.(http.Handler)
	}
	return mounted
}

func newKeyProvider(s *settings.Settings) (keys.Provider, error) {
	if s.TokenSigningKey == "" {
		return keys.NewGeneratingProvider(), nil
	}
	return keys.NewPEMProvider(s.TokenSigningKey)
}

// newAuthStore selects the flow store backend from the auth DB URL:
// redis:// URLs get the Redis store, anything else is a SQLite path.
func newAuthStore(ctx context.Context, s *settings.Settings) (authstorage.Store, error) {
	switch {
	case s.AuthDBURL == "":
		logger.Warn("no auth DB configured, flow state is in-memory and lost on restart")
		return authstorage.NewMemoryStore(), nil
	case strings.HasPrefix(s.AuthDBURL, "redis://"), strings.HasPrefix(s.AuthDBURL, "rediss://"):
		return authstorage.NewRedisStore(ctx, authstorage.RedisConfig{
			URL:       s.AuthDBURL,
			KeyPrefix: "diracx:auth:",
		})
	default:
		return authstorage.NewSQLStore(ctx, s.AuthDBURL)
	}
}

func newSandboxService(ctx context.Context, s *settings.Settings) (*sandbox.Service, error) {
	store, err := sandbox.NewMetadataStore(ctx, s.SandboxDBURL)
	if err != nil {
		return nil, err
	}
	return sandbox.NewService(ctx, store, sandboxConfig(s))
}

func sandboxConfig(s *settings.Settings) sandbox.Config {
	return sandbox.Config{
		Bucket:          s.S3.Bucket,
		Endpoint:        s.S3.Endpoint,
		Region:          s.S3.Region,
		AccessKeyID:     s.S3.AccessKey,
		SecretAccessKey: s.S3.SecretKey,
		MaxSandboxSize:  s.SandboxMaxSize,
		URLValidity:     s.SandboxURLValidity,
		Retention:       s.SandboxRetention,
	}
}
