package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/browser"
	_ "modernc.org/sqlite"

	"github.com/revelium/splatlab/appconfig"
	"github.com/revelium/splatlab/auth"
	"github.com/revelium/splatlab/jobqueue"
	"github.com/revelium/splatlab/runners"
	"github.com/revelium/splatlab/scenes"
	"github.com/revelium/splatlab/server"
	"github.com/revelium/splatlab/storage"
	"github.com/revelium/splatlab/stream"
	"github.com/revelium/splatlab/tasks"
)

const shutdownTimeout = 30 * time.Second

func initDB(cfg appconfig.Config) (*sql.DB, error) {
	dbPath := cfg.DBPath
	log.Printf("Using database path from config: %s", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := scenes.EnsureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := auth.EnsureSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("Connected to SQLite database at: %s", dbPath)
	return db, nil
}

// browserURL picks the page to open: the configured web client, or the
// local health endpoint when no client origin is set.
func browserURL(cfg appconfig.Config) string {
	if o := cfg.AllowedOrigin; strings.HasPrefix(o, "http://") || strings.HasPrefix(o, "https://") {
		return o
	}
	addr := cfg.ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/health"
}

func main() {
	configPath := flag.String("config", appconfig.DefaultConfigPath(), "path to config.json")
	addr := flag.String("addr", "", "listen address (overrides config)")
	open := flag.Bool("open", false, "open the web client in a browser once the server is up")
	flag.Parse()

	cfg, path, err := appconfig.LoadFrom(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Loaded config from %s", path)
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	// ––– database and storage –––
	db, err := initDB(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize %s storage: %v", cfg.Storage.Kind, err)
	}

	// ––– job queue and runners –––
	log.Println("Initializing job queue with database persistence...")
	queue := jobqueue.NewQueueWithDB(db)
	queue.SetBackendLimit(jobqueue.BackendModal, cfg.Workers.Modal)
	queue.SetBackendLimit(jobqueue.BackendReplicate, cfg.Workers.Replicate)
	queue.SetBackendLimit(jobqueue.BackendLocal, cfg.Workers.Local)
	log.Printf("Job queue initialized. Current jobs: %d", len(queue.GetJobs()))

	env := tasks.NewEnv(cfg, db, store)
	if !env.Modal.Configured() {
		log.Printf("Image-to-3D backend not configured; set %s and %s", appconfig.EnvModalEndpoint, appconfig.EnvModalStatusEndpoint)
	}
	if !env.Replicate.Configured() {
		log.Printf("Inpainting backend not configured; set %s", appconfig.EnvReplicateToken)
	}
	workers := runners.New(queue, env)

	// ––– auth –––
	authSvc := auth.NewService(db, cfg.JWTSecret)
	if cfg.RequireAuth {
		created, err := authSvc.CreateDefaultUser(ctx, appconfig.AdminPassword())
		if err != nil {
			log.Fatalf("Failed to create default user: %v", err)
		}
		if created {
			log.Println("Created default admin user")
		}
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.NewMux(&server.Dependencies{
			Queue:  queue,
			DB:     db,
			Store:  store,
			Env:    env,
			Auth:   authSvc,
			Config: cfg,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// SSE connections never go idle; close them when shutdown starts
	srv.RegisterOnShutdown(stream.Shutdown)

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("splatlab listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if *open {
		if err := browser.OpenURL(browserURL(cfg)); err != nil {
			log.Printf("Failed to open browser: %v", err)
		}
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Printf("HTTP server error: %v", err)
		}
	}

	log.Println("Shutting down splatlab...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// stop taking requests first so no new jobs arrive while runners drain
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Shutting down job runners...")
	workers.Shutdown(shutdownCtx)

	log.Println("Saving job queue to database...")
	if err := queue.SaveAllJobsToDB(); err != nil {
		log.Printf("Error saving jobs to database: %v", err)
	}

	log.Println("splatlab shutdown complete")
}
