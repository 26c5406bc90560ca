// Throne companion backend server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	slogmulti "github.com/samber/slog-multi"
	"golang.org/x/sync/errgroup"

	"github.com/thronecompanions/throne/internal/agent"
	"github.com/thronecompanions/throne/internal/analytics"
	"github.com/thronecompanions/throne/internal/api"
	"github.com/thronecompanions/throne/internal/billing"
	"github.com/thronecompanions/throne/internal/config"
	"github.com/thronecompanions/throne/internal/identity"
	"github.com/thronecompanions/throne/internal/middleware"
	"github.com/thronecompanions/throne/internal/quota"
	"github.com/thronecompanions/throne/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(cfg.LogFile)
	if err != nil {
		slog.Error("Failed to open log file", "path", cfg.LogFile, "error", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		closeLog()
		os.Exit(1) //nolint:gocritic // closeLog is called explicitly above.
	}
	slog.Info("Server stopped successfully")
}

// newLogger writes JSON to stdout and, when path is set, fans out to a file.
func newLogger(path string) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	stdout := slog.NewJSONHandler(os.Stdout, opts)
	if path == "" {
		return slog.New(stdout), func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	//nolint:gosec // Log path is operator-controlled configuration.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	handler := slogmulti.Fanout(stdout, slog.NewJSONHandler(f, opts))
	return slog.New(handler), func() { _ = f.Close() }, nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(context.Background()); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	tokens := identity.NewTokenService(cfg.JWTSecret, cfg.TokenTTL, cfg.AdminEmails)
	counter := quota.NewCounter(repo, cfg.UsageWindow)
	events := analytics.NewRecorder(repo, logger)
	bill := billing.NewService(repo, billing.StandIn{BaseURL: cfg.CheckoutBaseURL}, billing.WithTracker(events))

	responder := agent.Responder(agent.ScriptedResponder{})
	if cfg.ResponderAddr != "" {
		grpcCfg := agent.DefaultGrpcResponderConfig(cfg.ResponderAddr)
		grpcCfg.RequestTimeout = cfg.ResponderTimeout
		grpcResponder, err := agent.NewGrpcResponder(grpcCfg, logger)
		if err != nil {
			slog.Warn("Reply generator unavailable, using scripted replies", "address", cfg.ResponderAddr, "error", err)
		} else {
			defer grpcResponder.Close()
			responder = &agent.FallbackResponder{Primary: grpcResponder, Fallback: agent.ScriptedResponder{}, Logger: logger}
			slog.Info("Reply generator connected", "address", cfg.ResponderAddr)
		}
	}

	convLog, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return err
	}

	limiter := agent.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	chatSvc := agent.NewService(repo, counter, responder, limiter, convLog, logger, agent.WithTracker(events))
	defer chatSvc.Close()

	apiHandler := api.NewHandler(repo, tokens, counter, bill, events)
	chatHandler := agent.NewHandler(chatSvc, tokens,
		agent.WithMaxBodySize(cfg.MaxRequestBody),
		agent.WithOriginPatterns(originPatterns(cfg.FrontendURL), cfg.IsDevelopment()),
	)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Directory and credential routes need no visitor identity.
	apiHandler.RegisterPublic(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		apiHandler.RegisterRoutes(r)
		chatHandler.RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // chat sockets stay open
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return counter.RunSweeper(gctx, cfg.UsageSweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// originPatterns turns the frontend URL into the host pattern the WebSocket
// origin check expects.
func originPatterns(frontendURL string) []string {
	if frontendURL == "" {
		return nil
	}
	u, err := url.Parse(frontendURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}
