// Package server runs the public side of burrow: the control-plane
// HTTP API that allocates tunnels and the proxy listener that pairs
// user connections with agent sockets.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrownet/burrow/auth"
	"github.com/burrownet/burrow/config"
	"github.com/burrownet/burrow/tunnel"
)

const reapInterval = time.Minute

// Options carries the flag-driven server settings.
type Options struct {
	Domain     string
	APIPort    int
	ProxyPort  int
	Secure     bool
	MaxSockets int
	ProxyIP    string
	AuthMode   config.AuthMode
}

// Run starts the server and blocks until ctx is cancelled, then shuts
// everything down gracefully.
func Run(ctx context.Context, cfg *config.Config, opts Options, log zerolog.Logger) error {
	if opts.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if opts.MaxSockets < 1 || opts.MaxSockets > 255 {
		return fmt.Errorf("max-sockets %d out of range [1, 255]", opts.MaxSockets)
	}

	gate, err := auth.New(cfg, opts.AuthMode, log)
	if err != nil {
		return err
	}
	if opts.AuthMode == config.AuthModeRedis {
		if err := gate.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis ping failed")
		} else {
			log.Info().Msg("redis connected")
		}
	}

	manager := tunnel.NewManager(opts.MaxSockets, log)
	manager.StartReaper(ctx, reapInterval, cfg.IdleTTL)

	acceptor, err := newUserAcceptor(opts.ProxyPort, manager, cfg.TakeTimeout, log)
	if err != nil {
		return err
	}
	go acceptor.run(ctx)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", opts.APIPort),
		Handler:     newRouter(opts, manager, gate, log),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("domain", opts.Domain).
			Int("api_port", opts.APIPort).
			Int("proxy_port", opts.ProxyPort).
			Str("auth_mode", string(opts.AuthMode)).
			Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		acceptor.close()
		manager.Close()
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown signal received")
	acceptor.close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	manager.Close()
	log.Info().Msg("server stopped")
	return nil
}
