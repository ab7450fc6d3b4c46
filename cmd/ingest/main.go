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

// Dermagate: Batch Ingestion Command
//
// Standalone CLI tool that pushes local image files through the same
// admission pipeline as the upload server. Intended for seeding data on new
// deployments.
//
// Usage:
//
//	go run ./cmd/ingest/ --category SkinCancer [--dir /data/uploads/SkinCancer] FILE...
//	go run ./cmd/ingest/ --category SkinCancer --from ./archive
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dermagate/ingestion/internal/app"
	"github.com/dermagate/ingestion/internal/batch"
	"github.com/dermagate/ingestion/internal/config"
	"github.com/dermagate/ingestion/internal/models"
)

// errFilesFailed signals that the run finished but some files hit errors.
var errFilesFailed = errors.New("some files failed to ingest")

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		if errors.Is(err, errFilesFailed) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		category    string
		targetDir   string
		fromDir     string
		concurrency int
	)

	flagSet := pflag.NewFlagSet("ingest", pflag.ContinueOnError)
	flagSet.StringVarP(&category, "category", "c", string(models.SkinCancer), "disease category to file images under")
	flagSet.StringVarP(&targetDir, "dir", "d", "", "target directory for admitted images (default: <storage root>/<category>)")
	flagSet.StringVar(&fromDir, "from", "", "ingest every regular file in this directory")
	flagSet.IntVar(&concurrency, "concurrency", 4, "files ingested in parallel")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	files := flagSet.Args()
	if fromDir != "" {
		listed, err := batch.ListDir(fromDir)
		if err != nil {
			return err
		}
		files = append(files, listed...)
	}
	if len(files) == 0 {
		printHelp(flagSet)
		return errors.New("no files to ingest: pass FILE arguments or --from DIR")
	}

	// Fail on a bad category before touching any backend.
	if _, err := models.ParseCategory(category); err != nil {
		return err
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	if targetDir == "" {
		targetDir = filepath.Join(cfg.StorageRoot, category)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, err := app.Build(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("build ingestion pipeline: %w", err)
	}
	defer svc.Close()

	// --- Run ---
	runner := batch.NewRunner(batch.RunnerConfig{
		Ingester:    svc.Pipeline,
		Concurrency: concurrency,
	})
	summary, err := runner.Run(ctx, batch.Request{
		Category:  category,
		Directory: targetDir,
		Files:     files,
	})
	if err != nil {
		return err
	}

	// --- Summary ---
	for _, fr := range summary.Files {
		attrs := []any{"path", fr.Path, "status", fr.Status}
		if fr.Reason != models.ReasonNone {
			attrs = append(attrs, "reason", fr.Reason)
		}
		if fr.Address != "" {
			attrs = append(attrs, "address", fr.Address)
		}
		if fr.Err != nil {
			attrs = append(attrs, "error", fr.Err)
		}
		slog.Info("file result", attrs...)
	}

	if summary.Errors > 0 {
		return fmt.Errorf("%w: %d of %d", errFilesFailed, summary.Errors, len(summary.Files))
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `ingest pushes local images through the admission pipeline.

Each file is validated, fingerprinted, checked against the dedup index,
stored under its content signature and scanned for malware. Rejections
are reported per file; infrastructure failures make the command exit 2.

Usage:
  ingest [flags] FILE...
  ingest [flags] --from DIR

Flags:
%s`, flagSet.FlagUsages())
}
