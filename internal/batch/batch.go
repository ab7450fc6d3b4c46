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

// Package batch ingests local image files in bulk through the same
// pipeline the upload server uses. Intended for seeding a new deployment
// from an existing image collection.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dermagate/ingestion/internal/models"
)

// Ingester runs one submission to completion.
type Ingester interface {
	Ingest(ctx context.Context, sub *models.Submission) (models.Result, error)
}

// Request defines the scope of a batch run.
type Request struct {
	Category  string
	Directory string   // target directory for admitted artifacts
	Files     []string // local files to ingest
}

// FileResult is the outcome for one file.
type FileResult struct {
	Path    string
	Status  models.Status
	Reason  models.Reason
	Address string
	Err     error
}

// Summary summarises a completed batch run.
type Summary struct {
	Category   string
	Files      []FileResult // in request order
	Admitted   int
	Duplicates int
	Rejected   int
	Errors     int
	Elapsed    time.Duration
}

// Runner ingests files with bounded concurrency.
type Runner struct {
	ingester    Ingester
	concurrency int
}

// RunnerConfig holds dependencies for the batch runner.
type RunnerConfig struct {
	Ingester    Ingester
	Concurrency int // defaults to 4
}

// NewRunner creates a batch runner.
func NewRunner(cfg RunnerConfig) *Runner {
	n := cfg.Concurrency
	if n <= 0 {
		n = 4
	}
	return &Runner{ingester: cfg.Ingester, concurrency: n}
}

// Run ingests every file in req. Per-file failures are recorded in the
// summary; Run only returns an error for an invalid request or when ctx is
// cancelled before all files were attempted.
func (r *Runner) Run(ctx context.Context, req Request) (*Summary, error) {
	if _, err := models.ParseCategory(req.Category); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Directory) == "" {
		return nil, models.ErrEmptyDirectory
	}

	start := time.Now()
	slog.Info("starting batch ingestion",
		"category", req.Category,
		"directory", req.Directory,
		"files", len(req.Files),
		"concurrency", r.concurrency,
	)

	results := make([]FileResult, len(req.Files))
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup

	for i, path := range req.Files {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		// A slot may free up in the same instant ctx is cancelled.
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, fmt.Errorf("batch cancelled after %d of %d files: %w", i, len(req.Files), err)
		}

		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = r.ingestFile(ctx, req, path)
		}(i, path)
	}
	wg.Wait()

	summary := &Summary{Category: req.Category, Files: results}
	for _, fr := range results {
		switch {
		case fr.Err != nil:
			summary.Errors++
		case fr.Status == models.StatusAdmitted:
			summary.Admitted++
		case fr.Status == models.StatusDuplicate:
			summary.Duplicates++
		default:
			summary.Rejected++
		}
	}
	summary.Elapsed = time.Since(start)

	slog.Info("batch ingestion complete",
		"category", req.Category,
		"admitted", summary.Admitted,
		"duplicates", summary.Duplicates,
		"rejected", summary.Rejected,
		"errors", summary.Errors,
		"elapsed", summary.Elapsed,
	)

	return summary, nil
}

func (r *Runner) ingestFile(ctx context.Context, req Request, path string) FileResult {
	fr := FileResult{Path: path}

	f, err := os.Open(path)
	if err != nil {
		fr.Err = fmt.Errorf("open %s: %w", path, err)
		slog.Warn("batch: open failed", "path", path, "error", err)
		return fr
	}
	defer f.Close()

	sub, err := models.NewSubmission(f, req.Directory, req.Category)
	if err != nil {
		fr.Err = err
		return fr
	}

	res, err := r.ingester.Ingest(ctx, sub)
	fr.Status = res.Status
	fr.Reason = res.Reason
	fr.Address = res.Address
	if err != nil {
		fr.Err = err
		slog.Warn("batch: ingestion failed", "path", path, "attempt_id", sub.AttemptID, "error", err)
	}
	return fr
}

// ListDir returns the regular, non-hidden files directly inside dir, sorted
// by name.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
