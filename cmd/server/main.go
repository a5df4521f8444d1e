package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wa-gateway/backend/api/handlers"
	"github.com/wa-gateway/backend/internal/authstate"
	"github.com/wa-gateway/backend/internal/clock"
	"github.com/wa-gateway/backend/internal/config"
	"github.com/wa-gateway/backend/internal/db"
	"github.com/wa-gateway/backend/internal/journal"
	"github.com/wa-gateway/backend/internal/keepalive"
	"github.com/wa-gateway/backend/internal/logging"
	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/presence"
	"github.com/wa-gateway/backend/internal/qr"
	"github.com/wa-gateway/backend/internal/reconnect"
	"github.com/wa-gateway/backend/internal/repository"
	"github.com/wa-gateway/backend/internal/session"
	"github.com/wa-gateway/backend/internal/transport/bridge"
	"github.com/wa-gateway/backend/internal/webhook"
	"github.com/wa-gateway/backend/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		envFile    string
	)
	cmd := &cobra.Command{
		Use:          "wa-gateway",
		Short:        "Multi-tenant messaging gateway",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file (overridden by environment)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides PORT")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logging.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(log)
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	database, err := db.InitDB(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.CloseDB()

	repo := repository.NewSessionRepository(database)
	if n, err := repo.MarkAllClosed(ctx); err != nil {
		log.Warn("failed to reset session rows", "error", err)
	} else if n > 0 {
		log.Info("marked stale sessions closed", "count", n)
	}

	store, err := openStore(cfg.Storage, database)
	if err != nil {
		return err
	}

	clk := clock.Real()

	rec, err := journal.NewRecorder(cfg.Storage.JournalDir, clk, log)
	if err != nil {
		return err
	}
	defer rec.Close()

	stream := ws.NewService(ws.DefaultHistorySize, log)
	defer stream.Close()

	dispatcher := newDispatcher(cfg.Webhook, log)
	dispatcher.AddTap(stream)
	dispatcher.AddTap(rec)

	manager := session.NewManager(session.Deps{
		Store:     store,
		Connector: bridge.NewConnector(bridge.Config{URL: cfg.Transport.BridgeURL, Logger: log}),
		Repo:      repo,
		Notifier:  dispatcher,
		QR:        qr.NewBroker(clk),
		Clock:     clk,
		Logger:    log,
		Hooks: session.Hooks{
			OnClose: stream.Forget,
			OnDelete: func(id string) {
				if err := rec.Remove(id); err != nil {
					log.Warn("failed to remove journal", "session", id, "error", err)
				}
			},
		},
	}, managerConfig(cfg))

	restored, err := manager.Restore(ctx)
	if err != nil {
		log.Warn("session restore incomplete", "error", err)
	}
	log.Info("sessions restored", "count", restored)

	var monitor *keepalive.Monitor
	if cfg.Session.KeepAliveInterval > 0 {
		monitor = keepalive.New(manager, keepalive.Config{
			Interval: cfg.Session.KeepAliveInterval,
			Timeout:  cfg.Session.KeepAliveTimeout,
		}, clk, log)
		monitor.Start(ctx)
	}

	limiter := handlers.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	go pruneVisitors(ctx, limiter)

	router := handlers.NewRouter(handlers.RouterConfig{
		Manager:     manager,
		Events:      stream.Handler(),
		Journal:     rec,
		Media:       handlers.NewMediaFetcher(cfg.Media.FetchTimeout, cfg.Media.MaxBytes),
		RateLimiter: limiter,
		APIKey:      cfg.Server.APIKey,
		Logger:      log,
	})
	if cfg.Server.APIKey == "" {
		log.Warn("API_KEY is empty, the API is unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down server")
	case err := <-serveErr:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", "error", err)
	}
	if monitor != nil {
		monitor.Stop()
	}
	manager.Shutdown(shutdownCtx)
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Warn("webhook deliveries abandoned", "error", err)
	}
	log.Info("server exited")
	return nil
}

func openStore(cfg config.StorageConfig, database *sql.DB) (authstate.Store, error) {
	var sealer *authstate.Sealer
	if cfg.Passphrase != "" {
		s, err := authstate.NewSealer(cfg.Passphrase)
		if err != nil {
			return nil, err
		}
		sealer = s
	}
	switch cfg.AuthStore {
	case "sqlite":
		return authstate.NewSQLiteStore(database, sealer), nil
	case "", "file":
		return authstate.NewFileStore(cfg.SessionsDir, sealer)
	}
	return nil, fmt.Errorf("unknown AUTH_STORE %q", cfg.AuthStore)
}

func newDispatcher(cfg config.WebhookConfig, log *slog.Logger) *webhook.Dispatcher {
	client := &http.Client{Timeout: cfg.Timeout}
	var sinks []webhook.Sink
	if cfg.MessageURL != "" {
		sinks = append(sinks, webhook.NewHTTPSink(webhook.HTTPSinkConfig{
			Name:   "message",
			URL:    cfg.MessageURL,
			Kinds:  []model.EventKind{model.EventMessage, model.EventSendFailed},
			APIKey: cfg.APIKey,
			Secret: cfg.Secret,
			Client: client,
		}))
	}
	if cfg.ConnectionURL != "" {
		sinks = append(sinks, webhook.NewHTTPSink(webhook.HTTPSinkConfig{
			Name:   "connection",
			URL:    cfg.ConnectionURL,
			Kinds:  []model.EventKind{model.EventConnection},
			APIKey: cfg.APIKey,
			Secret: cfg.Secret,
			Client: client,
		}))
	}
	return webhook.NewDispatcher(cfg.Timeout, log, sinks...)
}

func managerConfig(cfg *config.Config) session.Config {
	sc := cfg.Session
	return session.Config{
		ConnectTimeout:   cfg.Transport.ConnectTimeout,
		QRTimeout:        sc.QRTimeout,
		CredsSaveTimeout: sc.CredsSaveTimeout,
		ReadMessages:     sc.ReadMessages,
		ReadDelay:        sc.ReadDelay,
		Reconnect: reconnect.Policy{
			Enabled:     sc.AutoReconnect,
			BaseDelay:   sc.ReconnectDelay,
			MaxDelay:    sc.ReconnectMaxDelay,
			MaxAttempts: sc.ReconnectMaxAttempts,
		},
		Presence: presence.Config{
			Enabled:  sc.UseTyping,
			MinDelay: sc.MinSendDelay,
			MaxDelay: sc.MaxSendDelay,
			Burst:    sc.TypingDuration,
			Interval: sc.TypingInterval,
		},
		CountryCode: sc.DefaultCountryCode,
	}
}

func pruneVisitors(ctx context.Context, l *handlers.RateLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune(10 * time.Minute)
		}
	}
}
