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
	"path/filepath"
	"syscall"
	"time"

	"nomicms/api/internal/app"
	"nomicms/api/internal/attachments"
	"nomicms/api/internal/config"
	"nomicms/api/internal/store"
	"nomicms/api/internal/telemetry"
	"nomicms/api/internal/users"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("forum api stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", slog.Any("error", err))
		}
	}()

	contentStore, db, err := openContentStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	var source users.Source = users.StaticSource{}
	if db != nil {
		source = users.NewSQLSource(db, cfg.Store == config.StorePostgres)
	}
	if cfg.RedisURL != "" {
		client, err := users.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		source = users.NewCachedSource(client, source, cfg.UserCacheTTL)
		logger.Info("using redis user cache", slog.Duration("ttl", cfg.UserCacheTTL))
	}

	uploads, err := attachments.New(attachments.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
		PublicURL: cfg.S3PublicURL,
	})
	if err != nil {
		return err
	}
	if uploads != nil {
		if err := uploads.EnsureBucket(ctx); err != nil {
			// uploads fail until the bucket exists
			logger.Warn("attachment bucket unavailable", slog.String("bucket", cfg.S3Bucket), slog.Any("error", err))
		}
	} else {
		logger.Info("attachment storage disabled")
	}

	resolver := users.NewResolver(source, cfg.DefaultAvatarURL, logger)
	service := app.New(store.NewGuard(contentStore), resolver, app.Options{
		Logger: logger,
		Locale: cfg.Locale,
	})
	if err := service.Bootstrap(ctx, cfg.SeedDefaults); err != nil {
		return fmt.Errorf("bootstrap forum: %w", err)
	}

	httpServer := app.NewHTTPServer(service, app.HTTPConfig{
		CORSOrigin:     cfg.CORSOrigin,
		TokenSecret:    []byte(cfg.JWTSecret),
		Attachments:    uploads,
		MaxUploadBytes: cfg.AttachmentMaxBytes,
		Logger:         logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("forum api listening", slog.String("addr", cfg.Addr), slog.String("store", cfg.Store))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openContentStore selects the snapshot driver. The returned *sql.DB is
// nil for drivers that do not use a database.
func openContentStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.ContentStore, *sql.DB, error) {
	switch cfg.Store {
	case config.StorePostgres, config.StoreSQLite:
		dialect := store.DialectPostgres
		open := func() (*sql.DB, error) { return store.Open(ctx, cfg.DatabaseURL) }
		if cfg.Store == config.StoreSQLite {
			dialect = store.DialectSQLite
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
			}
			open = func() (*sql.DB, error) { return store.OpenSQLite(ctx, cfg.SQLitePath) }
		}
		db, err := open()
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := store.ApplyMigrations(ctx, db, dialect); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		return store.NewSQLStore(db, dialect), db, nil

	case config.StoreFile:
		fileStore, err := store.NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return fileStore, nil, nil

	case config.StoreGit:
		gitStore, err := store.OpenGitStore(filepath.Join(cfg.DataDir, "journal"))
		if err != nil {
			return nil, nil, err
		}
		revisions, err := gitStore.Revisions()
		if err != nil {
			return nil, nil, err
		}
		logger.Info("opened forum journal", slog.Int("revisions", revisions))
		return gitStore, nil, nil

	case config.StoreMemory:
		logger.Warn("using in-memory forum store; content is lost on restart")
		return store.NewMemoryStore(store.Snapshot{}), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown forum store %q", cfg.Store)
}
