// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package app wires configuration into a ready-to-use ingestion pipeline.
// Both the upload server and the batch CLI build their pipeline here so the
// two entry points admit content under identical rules.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/dermagate/ingestion/internal/config"
	"github.com/dermagate/ingestion/internal/dedup"
	"github.com/dermagate/ingestion/internal/metrics"
	"github.com/dermagate/ingestion/internal/pipeline"
	"github.com/dermagate/ingestion/internal/queue"
	"github.com/dermagate/ingestion/internal/records"
	"github.com/dermagate/ingestion/internal/scanner"
	"github.com/dermagate/ingestion/internal/signer"
	"github.com/dermagate/ingestion/internal/storage"
	"github.com/dermagate/ingestion/internal/validator"
)

// healthCheck is one dependency checked by /health.
type healthCheck struct {
	name string
	ping func(ctx context.Context) error
}

// App holds the pipeline and the connections behind it.
type App struct {
	Pipeline *pipeline.Pipeline
	Config   *config.Config

	checks  []healthCheck
	closers []func()
}

// Build connects to every configured backend and assembles the pipeline.
// On error, anything already opened is closed. rec may be nil.
func Build(ctx context.Context, cfg *config.Config, rec metrics.Recorder) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// --- Redis (admitted-event queue, and optionally the index) ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	a.closers = append(a.closers, func() { rdb.Close() })

	publisher := queue.NewPublisher(rdb, cfg.AdmittedQueue)
	if err := publisher.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}
	a.checks = append(a.checks, healthCheck{"redis", publisher.Ping})
	slog.Info("connected to Redis", "queue", cfg.AdmittedQueue)

	// --- Dedup index ---
	index, err := a.buildIndex(ctx, cfg, rdb)
	if err != nil {
		return nil, err
	}

	// --- Scanner ---
	scan := a.buildScanner(ctx, cfg)

	// --- Gates ---
	v, err := validator.New(cfg.MaxBytes, cfg.Formats)
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}
	s, err := signer.New(cfg.SignerAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("build signer: %w", err)
	}

	a.Pipeline, err = pipeline.New(pipeline.Config{
		Validator: v,
		Signer:    s,
		Index:     index,
		Store:     storage.NewFileStore(),
		Scanner:   scan,
		Notifier:  publisher,
		Metrics:   rec,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("ingestion pipeline ready",
		"index", cfg.IndexBackend,
		"scanner", cfg.Scanner.Kind,
		"signer", s.Algorithm(),
		"max_bytes", v.MaxBytes(),
	)
	return a, nil
}

func (a *App) buildIndex(ctx context.Context, cfg *config.Config, rdb *redis.Client) (pipeline.Index, error) {
	switch cfg.IndexBackend {
	case config.IndexPostgres:
		pool, err := pgxpool.New(ctx, cfg.IndexURL)
		if err != nil {
			return nil, fmt.Errorf("create Postgres pool: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
		}
		idx, err := records.NewPostgresIndex(ctx, pool)
		if err != nil {
			return nil, err
		}
		idx.SetClaimTTL(cfg.ClaimTTL)
		a.checks = append(a.checks, healthCheck{"postgres", idx.Ping})
		return idx, nil

	case config.IndexSQLite:
		idx, err := records.OpenSQLiteIndex(cfg.IndexPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { idx.Close() })
		idx.SetClaimTTL(cfg.ClaimTTL)
		a.checks = append(a.checks, healthCheck{"sqlite", idx.Ping})
		return idx, nil

	default:
		idx := dedup.NewRedisIndex(rdb)
		idx.SetClaimTTL(cfg.ClaimTTL)
		return idx, nil
	}
}

func (a *App) buildScanner(ctx context.Context, cfg *config.Config) pipeline.Scanner {
	if cfg.Scanner.Kind == config.ScannerClamd {
		c := scanner.NewClamdScanner(cfg.Scanner.Address, cfg.Scanner.Timeout)
		a.checks = append(a.checks, healthCheck{"clamd", c.Ping})
		return c
	}
	return scanner.NewHTTPScanner(ctx, scanner.HTTPConfig{
		BaseURL:      cfg.Scanner.URL,
		Timeout:      cfg.Scanner.Timeout,
		ClientID:     cfg.Scanner.ClientID,
		ClientSecret: cfg.Scanner.ClientSecret,
		TokenURL:     cfg.Scanner.TokenURL,
		Scopes:       cfg.Scanner.Scopes,
	})
}

// Health pings every dependency and returns the first failure.
func (a *App) Health(ctx context.Context) error {
	for _, c := range a.checks {
		if err := c.ping(ctx); err != nil {
			return fmt.Errorf("%s unhealthy: %w", c.name, err)
		}
	}
	return nil
}

// HealthHandler serves /health.
func (a *App) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := a.Health(r.Context()); err != nil {
			slog.Warn("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	}
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
