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

// Dermagate: Image Ingestion Service
//
// Entry point for the upload server. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to Redis and the configured dedup index (Redis, Postgres or SQLite)
//  3. Builds the validate / sign / dedup / store / scan pipeline
//  4. Serves POST /uploads/{category}, /health and /metrics
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dermagate/ingestion/internal/app"
	"github.com/dermagate/ingestion/internal/config"
	"github.com/dermagate/ingestion/internal/metrics"
	"github.com/dermagate/ingestion/internal/upload"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting dermagate ingestion service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	slog.Info("configuration loaded",
		"storage_root", cfg.StorageRoot,
		"index", cfg.IndexBackend,
		"scanner", cfg.Scanner.Kind,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Build pipeline ---
	svc, err := app.Build(ctx, cfg, metrics.NewProm("dermagate"))
	if err != nil {
		slog.Error("failed to build ingestion pipeline", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	// --- Routes ---
	mux := http.NewServeMux()
	upload.NewHandler(svc.Pipeline, cfg.StorageRoot, cfg.MaxUploadBytes, "").Register(mux)
	mux.HandleFunc("GET /health", svc.HealthHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	ready, done, err := upload.Serve(ctx, cfg.Port, mux)
	if err != nil {
		slog.Error("failed to start upload server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()
	<-done

	slog.Info("ingestion service stopped")
}
