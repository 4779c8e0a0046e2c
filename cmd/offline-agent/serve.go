package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/offline-agent/pkg/agent"
	"github.com/Sternrassler/offline-agent/pkg/config"
	"github.com/Sternrassler/offline-agent/pkg/host"
	"github.com/Sternrassler/offline-agent/pkg/logging"
	"github.com/Sternrassler/offline-agent/pkg/network"
	"github.com/Sternrassler/offline-agent/pkg/precache"
	"github.com/Sternrassler/offline-agent/pkg/store"
	"github.com/Sternrassler/offline-agent/pkg/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Install the configured version and serve fetches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
}

// app is a fully wired agent process.
type app struct {
	caches  *store.Caches
	reg     *host.Registration
	handler http.Handler
	close   func() error
}

// newApp wires storage, network, registration and the HTTP surface. It
// restores the version a previous run left active, then installs and
// activates the configured version unless that is the restored one. A failed
// install is logged and the restored version, if any, keeps serving.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	scope, err := cfg.ScopeURL()
	if err != nil {
		return nil, err
	}
	upstream, err := cfg.UpstreamURL()
	if err != nil {
		return nil, err
	}

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	caches := store.NewCaches(backend)

	netClient, err := network.New(network.Config{
		Origin:    &url.URL{Scheme: scope.Scheme, Host: scope.Host},
		Upstream:  upstream,
		Timeout:   cfg.FetchTimeout,
		UserAgent: cfg.UserAgent,
		Retry:     network.RetryConfig{MaxAttempts: cfg.FetchRetries + 1},
	})
	if err != nil {
		closeBackend()
		return nil, fmt.Errorf("network: %w", err)
	}

	reg, err := host.NewRegistration(scope, netClient)
	if err != nil {
		closeBackend()
		return nil, fmt.Errorf("registration: %w", err)
	}

	newAgent := func(version string) (*agent.Agent, error) {
		a, err := agent.New(agent.Config{
			Version:  version,
			Scope:    scope,
			Manifest: cfg.Precache,
			Caches:   caches,
			Network:  netClient,
			Host:     reg,
			Precache: precache.Config{
				MaxConcurrency: cfg.PrecacheConcurrency,
				Timeout:        cfg.FetchTimeout,
			},
			WriteTimeout: cfg.WriteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("agent: %w", err)
		}
		return a, nil
	}

	restored, err := restore(ctx, caches, reg, newAgent)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to restore stored version")
	}

	if restored != cfg.Version {
		a, err := newAgent(cfg.Version)
		if err != nil {
			closeBackend()
			return nil, err
		}
		if err := reg.Update(ctx, a); err != nil {
			log.Error().Err(err).Str("version", cfg.Version).Str("active", restored).Msg("Install failed")
		}
	}

	return &app{
		caches:  caches,
		reg:     reg,
		handler: host.NewServer(reg, caches),
		close:   closeBackend,
	}, nil
}

// restore activates the newest generation a previous run activated, so the
// agent serves offline right after a restart. It returns the restored version,
// or "" when storage holds none.
func restore(ctx context.Context, caches *store.Caches, reg *host.Registration, newAgent func(string) (*agent.Agent, error)) (string, error) {
	version, ok, err := caches.Restorable(ctx)
	if err != nil || !ok {
		return "", err
	}
	a, err := newAgent(version)
	if err != nil {
		return "", err
	}
	if err := reg.Restore(ctx, a); err != nil {
		return "", err
	}
	return version, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
	})

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Listen).
			Str("scope", cfg.Scope).
			Str("version", cfg.Version).
			Str("backend", cfg.Backend).
			Msg("Starting offline agent")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Graceful shutdown failed")
	}

	// background cache writes finish before the backend closes
	a.reg.Wait()
	return nil
}
