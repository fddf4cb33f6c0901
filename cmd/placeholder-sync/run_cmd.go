package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/placeholder-sync/internal/auth"
	"github.com/alexjbarnes/placeholder-sync/internal/engine"
	"github.com/alexjbarnes/placeholder-sync/internal/mcpserver"
	"github.com/alexjbarnes/placeholder-sync/internal/remote"
	"github.com/alexjbarnes/placeholder-sync/internal/server"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync continuously: on local changes, server notifications and every SYNC_INTERVAL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			err = runDaemon(cmd.Context(), a)
			if errors.Is(err, context.Canceled) && cmd.Context().Err() != nil {
				return nil
			}

			return err
		},
	}
}

// runDaemon runs the pass loop alongside its trigger sources until ctx is
// cancelled or one of them fails.
func runDaemon(ctx context.Context, a *app) error {
	cfg := a.cfg
	logger := a.logger

	logger.Info("placeholder-sync starting",
		slog.String("version", Version),
		slog.String("sync_dir", cfg.SyncDir),
		slog.String("server", cfg.ServerURL),
		slog.String("remote_root", cfg.RemoteRoot),
		slog.Bool("placeholders", cfg.UsePlaceholders),
		slog.Bool("watch", cfg.EnableWatch),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	triggers := engine.NewTriggers()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.engine.Run(gctx, cfg.SyncInterval, triggers)
	})

	if cfg.EnableWatch {
		watcher := engine.NewWatcher(cfg.SyncDir, a.policy.Excluded, logger)

		g.Go(func() error {
			return watcher.Watch(gctx, func(paths []string) {
				logger.Debug("local changes detected", slog.Int("paths", len(paths)))
				triggers.Notify()
			})
		})
	}

	notifier := remote.NewNotifier(cfg.ServerURL, cfg.ServerToken, a.httpClient, logger)

	g.Go(func() error {
		return notifier.Listen(gctx, func(ev remote.Event) {
			logger.Debug("remote change notification",
				slog.String("op", ev.Op),
				slog.String("path", ev.Path),
			)
			triggers.Notify()
		})
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, a, triggers.Notify)
		})
	}

	return g.Wait()
}

// runMCP serves the control tools until ctx is cancelled.
func runMCP(ctx context.Context, a *app, trigger func()) error {
	entries, err := a.cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	keys := auth.NewKeys()
	for _, e := range entries {
		keys.Add(e.UserID, e.Key)
	}

	mcpLogger := a.logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "placeholder-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, a.engine, trigger)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := server.New(a.cfg.MCPListenAddr, server.MuxConfig{
		Keys:       keys,
		MCPHandler: mcpHandler,
		Logger:     mcpLogger,
		Version:    Version,
	})

	mcpLogger.Info("starting MCP server",
		slog.String("listen", a.cfg.MCPListenAddr),
		slog.Int("keys", keys.Len()),
	)

	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return ctx.Err()
}
