// codexd - HTTP bridge in front of a codex app-server child process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"

	"github.com/codexbridge/codexd/internal/admin"
	"github.com/codexbridge/codexd/internal/api"
	"github.com/codexbridge/codexd/internal/chat"
	"github.com/codexbridge/codexd/internal/config"
	"github.com/codexbridge/codexd/internal/history"
	"github.com/codexbridge/codexd/internal/identity"
	"github.com/codexbridge/codexd/internal/launcher"
	"github.com/codexbridge/codexd/internal/middleware"
	"github.com/codexbridge/codexd/internal/session"
	"github.com/codexbridge/codexd/internal/store"
	"github.com/codexbridge/codexd/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting codexd", "bind", cfg.BindHost+":"+cfg.BindPort, "launcher", cfg.Launcher)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("database health check failed", "error", err)
		os.Exit(1)
	}

	var l launcher.Launcher
	switch cfg.Launcher {
	case config.LauncherContainer:
		containerLauncher, lerr := launcher.NewContainerLauncher(cfg.ContainerImage)
		if lerr != nil {
			slog.Error("failed to initialize container launcher", "error", lerr)
			os.Exit(1)
		}
		if _, err := containerLauncher.EnsureNetwork(context.Background()); err != nil {
			slog.Error("failed to ensure bridge network", "error", err)
			os.Exit(1)
		}
		l = containerLauncher
	default:
		l = &launcher.ProcessLauncher{BinaryPath: cfg.ChildBinaryPath}
	}

	adminStream := admin.NewStream(logger)

	mgr := session.NewManager(session.Config{
		Launcher:        l,
		BaseDataDir:     cfg.BaseDataDir,
		APIKey:          cfg.ChildAPIKey,
		MaxSessions:     cfg.MaxSessions,
		IdleTimeout:     cfg.IdleTimeout,
		CleanupInterval: cfg.CleanupInterval,
		Log:             logger,
		OnEvent: func(evt session.Event) {
			adminStream.OnEvent(evt)
			if recErr := repo.RecordEvent(context.Background(), evt.Type, evt.UserID); recErr != nil {
				slog.Warn("failed to record session event", "error", recErr)
			}
		},
	})

	resolver, err := identity.NewResolver(cfg)
	if err != nil {
		slog.Error("failed to initialize identity resolver", "error", err)
		os.Exit(1)
	}

	histSvc := history.NewService(mgr, repo, cfg.HistoryPreviewChars)
	orchestrator := chat.NewOrchestrator(mgr, cfg.TurnTimeout)

	handler, err := api.NewHandler(cfg, resolver, orchestrator, histSvc)
	if err != nil {
		slog.Error("failed to initialize HTTP handlers", "error", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

	r.Get("/", handler.Root)
	r.Get("/status", handler.Status)
	r.Get("/threads", handler.Threads)
	r.Get("/history", handler.History)
	r.Post("/chat", handler.Chat)

	if cfg.AdminStreamEnabled {
		r.Get("/admin/sessions/stream", adminStream.ServeHTTP)
	}

	r.Handle("/docs/*", http.StripPrefix("/docs", web.DocsHandler()))

	srv := &http.Server{
		Addr:         cfg.BindHost + ":" + cfg.BindPort,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams have no fixed write deadline
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		slog.Error("failed to bind listener", "error", err)
		os.Exit(1)
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := mgr.Shutdown(shutdownCtx, 8*time.Second); err != nil {
		slog.Warn("session manager shutdown did not complete cleanly", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}
