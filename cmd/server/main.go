package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/brunobiangulo/kgraph"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath, addr, logLevel string

	cmd := &cobra.Command{
		Use:           "kgraph-server",
		Short:         "HTTP API for knowledge graph extraction",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := kgraph.LoadConfig(configPath)
			if err != nil {
				slog.Error("loading config", "error", err)
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML or JSON config file")
	cmd.Flags().StringVar(&addr, "addr", ":5000", "listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	return cmd
}

func serve(ctx context.Context, cfg kgraph.Config) error {
	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: kgraph.ParseLevel(cfg.LogLevel),
	})))
	gin.SetMode(gin.ReleaseMode)

	engine, err := kgraph.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		return err
	}
	defer engine.Close()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newRouter(engine, cfg.Server, engine.Metrics().Handler()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			slog.Error("server error", "error", err)
			return err
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	slog.Info("server stopped")
	return nil
}

// newRouter builds the gin engine. Middleware chain:
// recovery -> cors -> auth -> logging -> routes.
func newRouter(e service, cfg kgraph.ServerConfig, metrics http.Handler) *gin.Engine {
	base := cfg.BasePath
	if base == "" {
		base = "/"
	}

	r := gin.New()
	r.Use(recoveryMiddleware())
	r.Use(corsMiddleware(cfg.AllowedOrigins))
	r.Use(authMiddleware(cfg.APIKey, path.Join(base, "health"), "/metrics"))
	r.Use(logMiddleware())

	newHandler(e, cfg.UploadDir).register(r.Group(base))
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	return r
}
