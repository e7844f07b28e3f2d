package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"mycoatlas/api/internal/app"
	"mycoatlas/api/internal/config"
	"mycoatlas/api/internal/descrepo"
	"mycoatlas/api/internal/notify"
	"mycoatlas/api/internal/search"
	"mycoatlas/api/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var de *app.DomainError
		if errors.As(err, &de) {
			log.Fatalf("%s: %s", de.Code, de.Message)
		}
		log.Fatal(err)
	}
}

// runtime holds everything a database-backed subcommand needs. Meili and
// Redis are optional; the service degrades to pg_trgm suggestions and an
// in-memory notice sink when they are not configured.
type runtime struct {
	cfg    config.Config
	db     *sql.DB
	svc    *app.Service
	search *search.Service
	queue  *notify.RedisQueue
}

func setup(ctx context.Context) (*runtime, func(), error) {
	cfg := config.Load()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create repos dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	repos := descrepo.New(cfg.ReposDir)

	trgm := search.NewPgTrgm(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, trgm)

	var sink notify.Sink = notify.NewMemorySink()
	var queue *notify.RedisQueue
	if strings.TrimSpace(cfg.RedisURL) != "" {
		queue, err = notify.NewRedisQueue(cfg.RedisURL)
		if err != nil {
			if meiliClient != nil {
				meiliClient.Close()
			}
			db.Close()
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		sink = queue
	}

	rt := &runtime{
		cfg:    cfg,
		db:     db,
		svc:    app.NewService(dataStore, sink, searchService, repos),
		search: searchService,
		queue:  queue,
	}
	cleanup := func() {
		if rt.queue != nil {
			rt.queue.Close()
		}
		if meiliClient != nil {
			meiliClient.Close()
		}
		db.Close()
	}
	return rt, cleanup, nil
}
