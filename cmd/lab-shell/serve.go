package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/csai/lab-shell/internal/api"
	"github.com/csai/lab-shell/internal/auth"
	"github.com/csai/lab-shell/internal/compose"
	"github.com/csai/lab-shell/internal/metrics"
	"github.com/csai/lab-shell/internal/observability"
	"github.com/csai/lab-shell/internal/orchestrator"
	"github.com/csai/lab-shell/internal/relay"
	"github.com/csai/lab-shell/internal/session"
	"github.com/csai/lab-shell/internal/state"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the local control API used by the viewer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root)
		},
	}
}

func runServe(ctx context.Context, root *rootOptions) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel)

	connections, codec, err := newConnections(cfg)
	if err != nil {
		logger.Error("connections_init_failed", slog.String("error", err.Error()))
		return err
	}
	for _, id := range connections.UnknownProtocols() {
		p, _ := connections.Lookup(id)
		logger.Warn("connection_protocol_unknown", slog.String("connection_id", id), slog.String("protocol", p.Protocol.String()))
	}
	st, err := state.New(cfg.Storage.StateFile)
	if err != nil {
		logger.Error("state_init_failed", slog.String("error", err.Error()))
		return err
	}
	engine, err := orchestrator.New(cfg, logger)
	if err != nil {
		logger.Error("engine_init_failed", slog.String("error", err.Error()))
		return err
	}
	defer engine.Close()

	reg := metrics.New()
	observer := api.NewSessionObserver(reg, st, logger)
	manager := session.NewManager(session.Deps{
		Registry:       connections,
		Tokens:         codec,
		Dialer:         relay.NewDialer(logger, relay.WithObserver(reg)),
		Endpoint:       cfg.ListenEndpoint.WebsocketURL(),
		ConnectTimeout: cfg.ConnectTimeout(),
		Logger:         logger,
		OnChange:       observer.Observe,
		OnRemove:       observer.Forget,
	})
	defer manager.Close()

	apiServer := api.New(cfg, api.Deps{
		Connections: connections,
		Tokens:      codec,
		Sessions:    manager,
		Services:    compose.New(composeConfig(cfg), logger),
		Probes:      engine,
		History:     st,
	}, reg, logger)

	routes := apiServer.Routes()
	authState := auth.NewMiddlewareState(cfg.Auth.NonceTTLSeconds)
	protected := authState.Middleware(cfg.Auth, routes)
	rateLimited := auth.NewRateLimiter(cfg.RateLimit, reg).Middleware(protected)
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.Server.HealthPublic && (r.URL.Path == "/healthz" || r.URL.Path == "/readyz") {
			routes.ServeHTTP(w, r)
			return
		}
		rateLimited.ServeHTTP(w, r)
	})
	handler = observability.Middleware(logger, reg, handler)

	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("lab_shell_start",
			slog.String("listen_addr", cfg.Server.ListenAddr),
			slog.String("auth_mode", cfg.Auth.Mode),
			slog.Int("connections", connections.Len()),
			slog.String("relay_endpoint", cfg.ListenEndpoint.WebsocketURL()))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server_failed", slog.String("error", err.Error()))
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", slog.String("error", err.Error()))
	}
	logger.Info("lab_shell_stopped")
	return nil
}
