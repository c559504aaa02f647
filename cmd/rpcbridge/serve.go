package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mnehpets/rpcbridge/bridge"
	"github.com/mnehpets/rpcbridge/config"
	"github.com/mnehpets/rpcbridge/endpoint"
	"github.com/mnehpets/rpcbridge/jsonrpc"
	"github.com/mnehpets/rpcbridge/middleware"
	"github.com/mnehpets/rpcbridge/server"
)

func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			logger := cfg.Log.NewLogger(cmd.ErrOrStderr())
			slog.SetDefault(logger)

			// stop restores default signal handling so a second Ctrl+C kills.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
			}
			return serve(ctx, ln, cfg, logger)
		},
	}
}

// serve runs the HTTP server on ln until ctx is done, then shuts down
// gracefully within the configured timeout.
func serve(ctx context.Context, ln net.Listener, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := newServer(cfg, logger, reg)
	if err != nil {
		return err
	}
	defer srv.Close()

	httpSrv := &http.Server{
		Handler:           http.MaxBytesHandler(srv, cfg.Bridge.MaxBodyBytes),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rpcbridge listening",
			"addr", ln.Addr().String(),
			"rpc_path", cfg.Bridge.RPCPath,
			"response_mode", cfg.Bridge.ResponseMode)
		errCh <- httpSrv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newServer wires the engine, bridge and HTTP layer from cfg. Metrics are
// registered with reg.
func newServer(cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (*server.Server, error) {
	engine := jsonrpc.NewEndpoint(jsonrpc.WithLogger(logger.With("component", "jsonrpc")))
	registerProcedures(engine, newDevice())

	key, err := hex.DecodeString(cfg.Bridge.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("bridge.token_key: %w", err)
	}
	tokens, err := bridge.NewTokenCodec(key)
	if err != nil {
		return nil, err
	}

	b, err := bridge.New(engine,
		bridge.WithRPCPath(cfg.Bridge.RPCPath),
		bridge.WithMaxBodyBytes(cfg.Bridge.MaxBodyBytes),
		bridge.WithMaxBufferedBytes(cfg.Bridge.MaxBufferedBytes),
		bridge.WithMaxResponses(cfg.Bridge.MaxResponses),
		bridge.WithResponseTTL(cfg.Bridge.ResponseTTL),
		bridge.WithTokenCodec(tokens),
		bridge.WithLogger(logger.With("component", "bridge")),
		bridge.WithMetrics(bridge.NewMetrics(reg)),
	)
	if err != nil {
		return nil, err
	}

	var headerOpts []middleware.APIHeadersOption
	if len(cfg.CORS.AllowedOrigins) > 0 {
		headerOpts = append(headerOpts, middleware.WithCORS(middleware.DefaultCORSConfig(cfg.CORS.AllowedOrigins...)))
	}
	processors := []endpoint.Processor{
		middleware.NewRequestLogProcessor(logger.With("component", "http")),
		middleware.NewAPIHeadersProcessor(headerOpts...),
	}

	opts := []server.Option{
		server.WithResponsePrefix(cfg.Bridge.ResponsePrefix),
		server.WithResponseMode(server.ResponseMode(cfg.Bridge.ResponseMode)),
		server.WithChunkSize(cfg.Bridge.ChunkSize),
		server.WithSweepInterval(cfg.Bridge.SweepInterval),
		server.WithProcessors(processors...),
		server.WithLogger(logger.With("component", "server")),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, server.WithMetricsHandler(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	}
	return server.New(b, opts...)
}
