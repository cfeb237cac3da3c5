package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/framepipe/framepipe/internal/auth"
	"github.com/framepipe/framepipe/internal/catalog"
	"github.com/framepipe/framepipe/internal/config"
	"github.com/framepipe/framepipe/internal/dispatch"
	"github.com/framepipe/framepipe/internal/logging"
	"github.com/framepipe/framepipe/internal/mux"
	"github.com/framepipe/framepipe/internal/registry"
	"github.com/framepipe/framepipe/internal/termio"
	"github.com/framepipe/framepipe/internal/upload"
)

const serverVersion = "v0.1.0"

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printServerUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		return
	}
	cfg := config.ParseServerConfig()
	logger := logging.New("framepiped", cfg.LogLevel, cfg.LogJSON)

	secret := cfg.AuthSecret
	if secret == "" {
		secret = "framepipe-dev-secret"
		logger.Warn("no auth secret configured, using the development secret")
	}

	store, cat, closeDB, err := buildStores(cfg)
	if err != nil {
		logger.Error("storage init failed", "error", err)
		os.Exit(1)
	}
	defer closeDB()

	dispatcher, closeRedis, err := buildDispatcher(cfg)
	if err != nil {
		logger.Error("dispatcher init failed", "error", err)
		os.Exit(1)
	}
	defer closeRedis()

	manager := upload.NewManager(upload.Deps{
		Store:      store,
		Catalog:    cat,
		Dispatcher: dispatcher,
		StagingDir: cfg.StagingDir,
		BlobDir:    cfg.BlobDir,
		Logger:     logger,
	})

	srv := &server{
		cfg:      cfg,
		logger:   logger,
		verifier: auth.NewVerifier(secret),
		store:    store,
		manager:  manager,
		hub:      mux.NewHub(0, logger),
		limits:   newServerLimits(cfg),
	}

	handler := http.NewServeMux()
	handler.HandleFunc("GET /health", srv.handleHealth)
	handler.HandleFunc("POST /upload/session", srv.handleCreateSession)
	handler.HandleFunc("GET /upload/session/{token}", srv.handleSessionStatus)
	handler.HandleFunc("DELETE /upload/session/{token}", srv.handleCancelSession)
	handler.HandleFunc("GET /ws/upload/{token}", srv.handleUploadSocket)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go srv.sweepLoop(ctx)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		srv.hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("server starting", "addr", cfg.Addr, "version", serverVersion,
		"session_ttl", cfg.SessionTTL, "staging_dir", cfg.StagingDir, "blob_dir", cfg.BlobDir)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// buildStores selects the registry and catalog backends: Postgres when
// a DSN is configured, in-memory otherwise.
func buildStores(cfg config.ServerConfig) (registry.Store, catalog.Catalog, func(), error) {
	opts := registry.Options{
		TTL:          cfg.SessionTTL,
		OwnerQuota:   cfg.OwnerQuotaBytes,
		MaxChunkSize: cfg.MaxChunkSize,
	}
	if cfg.DatabaseURL == "" {
		return registry.NewMemStore(opts), catalog.NewMemory(), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := registry.RunMigrations(db); err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return registry.NewPGStore(db, opts), catalog.NewPostgres(db), func() { db.Close() }, nil
}

// buildDispatcher selects the completion-event path: Redis when a URL
// is configured, the in-process buffer otherwise.
func buildDispatcher(cfg config.ServerConfig) (dispatch.Dispatcher, func(), error) {
	if cfg.RedisURL == "" {
		return dispatch.NewBuffered(), func() {}, nil
	}
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	return dispatch.NewRedis(client, ""), func() { client.Close() }, nil
}

func (s *server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.manager.SweepExpired(ctx)
			if err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("expiry sweep", "sessions", n)
			}
		}
	}
}

func printServerUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: framepiped [flags]")
	fmt.Fprintln(termio.Stderr(), "  --addr ADDR                  listen address (default :8080)")
	fmt.Fprintln(termio.Stderr(), "  --database-url DSN           postgres DSN for the session registry (empty: in-memory)")
	fmt.Fprintln(termio.Stderr(), "  --redis-url URL              redis URL for completion events (empty: in-process)")
	fmt.Fprintln(termio.Stderr(), "  --auth-secret S              HMAC secret for bearer tokens")
	fmt.Fprintln(termio.Stderr(), "  --staging-dir DIR            staging directory for in-progress uploads (default ./staging)")
	fmt.Fprintln(termio.Stderr(), "  --blob-dir DIR               blob storage root for finalized artifacts (default ./storage)")
	fmt.Fprintln(termio.Stderr(), "  --session-ttl DURATION       upload session lifetime (default 24h)")
	fmt.Fprintln(termio.Stderr(), "  --sweep-interval DURATION    expiry sweep period (default 1m)")
	fmt.Fprintln(termio.Stderr(), "  --owner-quota-bytes N        combined active-session size cap per owner (default 50GiB)")
	fmt.Fprintln(termio.Stderr(), "  --max-chunk-size N           upper bound on a session's chunk size (default 8MiB)")
	fmt.Fprintln(termio.Stderr(), "  --ws-connects-per-min N      max websocket connects per minute per IP (default 30)")
	fmt.Fprintln(termio.Stderr(), "  --ws-msgs-per-sec N          max websocket messages per second per connection (default 200)")
	fmt.Fprintln(termio.Stderr(), "  --ws-idle-timeout DURATION   websocket idle timeout (default 10m)")
	fmt.Fprintln(termio.Stderr(), "  --malformed-msg-limit N      malformed messages tolerated before disconnect (default 8)")
	fmt.Fprintln(termio.Stderr(), "  --log-level LEVEL            debug, info, warn, error (default info)")
	fmt.Fprintln(termio.Stderr(), "  --log-json                   emit JSON log lines")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
