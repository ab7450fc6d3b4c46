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

// Package upload exposes the ingestion pipeline over HTTP.
//
// Clients POST an image to /uploads/{category}, either as the raw request
// body or as the "image" field of a multipart form. The body is spooled to
// a temporary file so the pipeline gets a seekable stream, then the
// attempt runs synchronously and the terminal status is returned as JSON:
//
//	201 admitted    200 duplicate    422 rejected
//	400 bad request 413 too large    503 infrastructure failure
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dermagate/ingestion/internal/models"
	"github.com/dermagate/ingestion/internal/pipeline"
)

// FormField is the multipart field carrying the image.
const FormField = "image"

// Ingester runs one submission to completion.
type Ingester interface {
	Ingest(ctx context.Context, sub *models.Submission) (models.Result, error)
}

// Response is the JSON body of every upload reply.
type Response struct {
	Status    models.Status `json:"status,omitempty"`
	Address   string        `json:"address,omitempty"`
	Format    string        `json:"format,omitempty"`
	Reason    models.Reason `json:"reason,omitempty"`
	AttemptID string        `json:"attempt_id,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Handler serves image uploads.
type Handler struct {
	ingester       Ingester
	storageRoot    string
	maxUploadBytes int64
	spoolDir       string
}

// NewHandler creates an upload handler. Artifacts for category c land in
// storageRoot/c/. Bodies larger than maxUploadBytes are refused with 413
// before reaching the pipeline. An empty spoolDir uses os.TempDir.
func NewHandler(ingester Ingester, storageRoot string, maxUploadBytes int64, spoolDir string) *Handler {
	return &Handler{
		ingester:       ingester,
		storageRoot:    storageRoot,
		maxUploadBytes: maxUploadBytes,
		spoolDir:       spoolDir,
	}
}

// Register adds the upload routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /uploads/{category}", h.ServeUpload)
}

// ServeUpload handles POST /uploads/{category}.
func (h *Handler) ServeUpload(w http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")

	// Reject unknown categories before reading the body.
	if _, err := models.ParseCategory(category); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: err.Error()})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	spool, err := h.spoolBody(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeJSON(w, http.StatusRequestEntityTooLarge, Response{
				Error: fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit),
			})
		case errors.Is(err, errNoImage):
			writeJSON(w, http.StatusBadRequest, Response{Error: err.Error()})
		default:
			slog.Error("failed to spool upload", "category", category, "error", err)
			writeJSON(w, http.StatusBadRequest, Response{Error: "could not read upload body"})
		}
		return
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	dir := models.NormalizeDirectory(filepath.Join(h.storageRoot, category))
	sub, err := models.NewSubmission(spool, dir, category)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: err.Error()})
		return
	}

	res, err := h.ingester.Ingest(r.Context(), sub)
	if err != nil {
		status, msg := http.StatusInternalServerError, "ingestion failed"
		switch {
		case errors.Is(err, pipeline.ErrInfrastructure):
			status, msg = http.StatusServiceUnavailable, "ingestion failed, retry later"
		case errors.Is(err, pipeline.ErrStream):
			status, msg = http.StatusBadRequest, "upload body could not be read"
		}
		writeJSON(w, status, Response{
			Status:    res.Status,
			Reason:    res.Reason,
			AttemptID: sub.AttemptID,
			Error:     msg,
		})
		return
	}

	writeJSON(w, statusCode(res.Status), Response{
		Status:    res.Status,
		Address:   res.Address,
		Format:    res.Format,
		Reason:    res.Reason,
		AttemptID: sub.AttemptID,
	})
}

var errNoImage = fmt.Errorf("multipart upload has no %q field", FormField)

// spoolBody copies the image bytes into a temp file and rewinds it.
func (h *Handler) spoolBody(r *http.Request) (*os.File, error) {
	src := io.Reader(r.Body)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		mr, err := r.MultipartReader()
		if err != nil {
			return nil, fmt.Errorf("read multipart: %w", err)
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil, errNoImage
			}
			if err != nil {
				return nil, fmt.Errorf("next multipart part: %w", err)
			}
			if part.FormName() == FormField {
				src = part
				break
			}
			part.Close()
		}
	}

	f, err := os.CreateTemp(h.spoolDir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("rewind spool file: %w", err)
	}
	return f, nil
}

func statusCode(s models.Status) int {
	switch s {
	case models.StatusAdmitted:
		return http.StatusCreated
	case models.StatusDuplicate:
		return http.StatusOK
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

// Serve starts the HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections. When ctx is cancelled the server
// drains in-flight uploads and then closes the done channel.
func Serve(ctx context.Context, port int, handler http.Handler) (<-chan struct{}, <-chan struct{}, error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind upload port %d: %w", port, err)
	}

	ready := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		<-ctx.Done()
		slog.Info("upload server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("upload server shutdown error", "error", err)
		}
	}()

	go func() {
		slog.Info("upload server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("upload server error", "error", err)
		}
	}()

	return ready, done, nil
}
