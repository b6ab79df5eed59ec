package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/agri-registry/pkg/api"
	"github.com/hazyhaar/agri-registry/pkg/config"
	"github.com/hazyhaar/agri-registry/pkg/ingest"
	"github.com/hazyhaar/agri-registry/pkg/partition"
	"github.com/hazyhaar/agri-registry/pkg/query"
	"github.com/hazyhaar/agri-registry/pkg/store"
	"github.com/hazyhaar/agri-registry/pkg/tabular"
)

// app wires the storage backend and the domain services shared by every subcommand.
type app struct {
	backend  store.Backend
	registry *partition.Registry
	catalog  *partition.Catalog
	ingest   *ingest.Coordinator
	query    *query.Service
	logger   *slog.Logger
}

func openBackend(ctx context.Context, cfg config.StorageConfig) (store.Backend, error) {
	switch cfg.Backend {
	case "mongo":
		return store.NewMongo(ctx, cfg.MongoURI)
	case "sqlite":
		return store.NewSQLite(cfg.DataDir)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	backend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	registry := partition.NewRegistry(backend, logger)
	catalog, err := partition.OpenCatalog(ctx, backend, registry, logger)
	if err != nil {
		backend.Close(ctx)
		return nil, fmt.Errorf("open partition catalog: %w", err)
	}
	logger.Info("storage ready", "backend", backend.Name())
	return &app{
		backend:  backend,
		registry: registry,
		catalog:  catalog,
		ingest:   ingest.NewCoordinator(catalog, registry, tabular.Options{Encoding: cfg.CSVEncoding}, logger),
		query:    query.NewService(catalog, registry),
		logger:   logger,
	}, nil
}

func (a *app) services() api.Services {
	return api.Services{
		Catalog:  a.catalog,
		Registry: a.registry,
		Ingest:   a.ingest,
		Query:    a.query,
		Logger:   a.logger,
		Backend:  a.backend.Name(),
	}
}

// close releases every partition accessor, then the catalog and the backend,
// giving up on the accessors when ctx ends.
func (a *app) close(ctx context.Context) error {
	return errors.Join(
		a.registry.CloseAll(ctx),
		a.catalog.Close(),
		a.backend.Close(ctx),
	)
}
