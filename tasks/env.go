package tasks

import (
	"database/sql"
	"time"

	"github.com/revelium/splatlab/appconfig"
	"github.com/revelium/splatlab/downloads"
	"github.com/revelium/splatlab/inference"
	"github.com/revelium/splatlab/storage"
)

// Env carries the services tasks run against.
type Env struct {
	DB        *sql.DB
	Store     storage.Store
	Modal     *inference.ModalClient
	Replicate *inference.ReplicateClient
	Fetcher   *downloads.Fetcher
	Config    appconfig.Config
}

// NewEnv builds the backend clients described by cfg.
func NewEnv(cfg appconfig.Config, db *sql.DB, store storage.Store) *Env {
	return &Env{
		DB:        db,
		Store:     store,
		Modal:     inference.NewModalClient(cfg.Modal.Endpoint, cfg.Modal.StatusEndpoint),
		Replicate: ReplicateClient(cfg.Replicate),
		Fetcher:   downloads.NewFetcher(nil),
		Config:    cfg,
	}
}

// ReplicateClient maps the replicate config section onto a client.
func ReplicateClient(c appconfig.ReplicateConfig) *inference.ReplicateClient {
	return &inference.ReplicateClient{
		Token:         c.APIToken,
		BaseURL:       c.BaseURL,
		Version:       c.Version,
		Steps:         c.Steps,
		GuidanceScale: c.GuidanceScale,
		PollInterval:  time.Duration(c.PollIntervalMs) * time.Millisecond,
		MaxAttempts:   c.MaxPollAttempts,
	}
}
