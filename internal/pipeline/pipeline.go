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

// Package pipeline runs one image submission through the admission gates
// and decides whether it is admitted, a duplicate, or rejected.
//
// Gates run in a fixed order and short-circuit:
//
//	Validating -> SignatureCheck -> Storing -> ScanGate -> Admitted
//	     |              |                         |
//	  Rejected      Duplicate                 Rejected
//
// Content rejections are results, not errors. Failures of the stream or of
// shared infrastructure (index, store, scanner) are returned as errors
// wrapping ErrStream or ErrInfrastructure so callers can tell a retryable
// failure from a verdict on the content.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dermagate/ingestion/internal/metrics"
	"github.com/dermagate/ingestion/internal/models"
	"github.com/dermagate/ingestion/internal/scanner"
	"github.com/dermagate/ingestion/internal/storage"
	"github.com/dermagate/ingestion/internal/validator"
)

var (
	// ErrInfrastructure marks failures of the index, store or scanner.
	// The same payload may be retried.
	ErrInfrastructure = errors.New("ingestion infrastructure failure")

	// ErrStream marks failures reading or seeking the submitted stream.
	ErrStream = errors.New("submission stream failure")
)

// Validator checks size and format.
type Validator interface {
	Validate(stream io.ReadSeeker) (validator.Verdict, error)
}

// Signer computes content signatures.
type Signer interface {
	Sign(r io.Reader) (models.ContentSignature, error)
}

// Index is the dedup index. Claim must be an atomic insert-if-absent that
// records owner; Release and Confirm act only on owner's claim, and Confirm
// returns models.ErrClaimLost once the claim has passed to someone else.
type Index interface {
	Exists(ctx context.Context, category models.Category, sig models.ContentSignature) (bool, error)
	Claim(ctx context.Context, category models.Category, sig models.ContentSignature, owner string) (bool, error)
	Owns(ctx context.Context, category models.Category, sig models.ContentSignature, owner string) (bool, error)
	Release(ctx context.Context, category models.Category, sig models.ContentSignature, owner string) error
	Confirm(ctx context.Context, rec models.ArtifactRecord, owner string) error
}

// Store persists artifacts. Remove must tolerate a missing artifact.
type Store interface {
	Write(r io.Reader, address string) error
	Remove(address string) error
}

// Scanner returns a malware verdict for a stored artifact.
type Scanner interface {
	Scan(ctx context.Context, address string) (scanner.Verdict, error)
}

// Notifier is told about every admitted artifact.
type Notifier interface {
	PublishAdmitted(ctx context.Context, event *models.AdmittedEvent) error
}

// Config holds dependencies for the pipeline.
type Config struct {
	Validator Validator
	Signer    Signer
	Index     Index
	Store     Store
	Scanner   Scanner
	Notifier  Notifier         // optional
	Metrics   metrics.Recorder // optional
}

// Pipeline is safe for concurrent use; all per-attempt state lives on the
// stack of Ingest.
type Pipeline struct {
	validator Validator
	signer    Signer
	index     Index
	store     Store
	scanner   Scanner
	notifier  Notifier
	metrics   metrics.Recorder
	now       func() time.Time
}

// New creates a pipeline. Every dependency except Notifier and Metrics is
// required.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Validator == nil:
		return nil, errors.New("pipeline: validator is required")
	case cfg.Signer == nil:
		return nil, errors.New("pipeline: signer is required")
	case cfg.Index == nil:
		return nil, errors.New("pipeline: index is required")
	case cfg.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case cfg.Scanner == nil:
		return nil, errors.New("pipeline: scanner is required")
	}

	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Noop{}
	}

	return &Pipeline{
		validator: cfg.Validator,
		signer:    cfg.Signer,
		index:     cfg.Index,
		store:     cfg.Store,
		scanner:   cfg.Scanner,
		notifier:  cfg.Notifier,
		metrics:   rec,
		now:       time.Now,
	}, nil
}

// attempt carries one submission through the state machine.
type attempt struct {
	sub    *models.Submission
	log    *slog.Logger
	state  State
	format string
	size   int64
	sig    models.ContentSignature
	addr   string
}

func (a *attempt) enter(s State) {
	a.log.Debug("ingest state transition", "from", a.state.String(), "to", s.String())
	a.state = s
}

// Ingest runs the submission to a terminal state. The returned Result is
// always well formed; err is non-nil only for stream or infrastructure
// failures, in which case the Result is Rejected with ReasonIOFailure.
func (p *Pipeline) Ingest(ctx context.Context, sub *models.Submission) (models.Result, error) {
	start := time.Now()
	a := &attempt{
		sub:   sub,
		state: StateStart,
		log: slog.With(
			"attempt_id", sub.AttemptID,
			"category", string(sub.Category),
		),
	}

	res, stage, err := p.run(ctx, a)
	if !a.state.Terminal() {
		// Stream failures bail out mid-gate.
		a.enter(StateRejected)
	}
	if err != nil {
		p.metrics.IncInfraFailure(stage)
		a.log.Error("ingestion failed", "stage", stage, "error", err)
	}

	p.metrics.ObserveAttempt(string(sub.Category), string(res.Status), string(res.Reason), time.Since(start).Seconds())
	a.log.Info("ingestion finished",
		"status", res.Status,
		"reason", res.Reason,
		"address", res.Address,
		"elapsed", time.Since(start),
	)
	return res, err
}

// run walks the state machine and returns the result, the stage that failed
// (if any) and the error.
func (p *Pipeline) run(ctx context.Context, a *attempt) (models.Result, string, error) {
	stream := a.sub.Stream

	// --- Validating ---
	a.enter(StateValidating)
	verdict, err := p.validator.Validate(stream)
	if err != nil {
		return models.Rejected(models.ReasonIOFailure, ""), "validate", fmt.Errorf("%w: validate: %w", ErrStream, err)
	}
	if !verdict.OK {
		a.enter(StateRejected)
		return models.Rejected(verdict.Reason, ""), "", nil
	}
	a.format = verdict.Format
	a.size = verdict.Size

	// --- SignatureCheck ---
	a.enter(StateSignatureCheck)
	if _, err := stream.Seek(0, io.SeekStart); err != nil {
		return models.Rejected(models.ReasonIOFailure, ""), "sign", fmt.Errorf("%w: rewind before signing: %w", ErrStream, err)
	}
	a.sig, err = p.signer.Sign(stream)
	if err != nil {
		return models.Rejected(models.ReasonIOFailure, ""), "sign", fmt.Errorf("%w: sign: %w", ErrStream, err)
	}
	a.log = a.log.With("signature", string(a.sig))

	exists, err := p.index.Exists(ctx, a.sub.Category, a.sig)
	if err != nil {
		return p.infraFailure(a, "index", err, false)
	}
	if exists {
		a.enter(StateDuplicate)
		return models.Duplicate(a.sig), "", nil
	}

	claimed, err := p.index.Claim(ctx, a.sub.Category, a.sig, a.sub.AttemptID)
	if err != nil {
		return p.infraFailure(a, "index", err, false)
	}
	if !claimed {
		// Another attempt claimed the same content between Exists and Claim.
		a.log.Info("lost claim race, treating as duplicate")
		a.enter(StateDuplicate)
		return models.Duplicate(a.sig), "", nil
	}

	// --- Storing ---
	a.enter(StateStoring)
	a.addr = storage.Address(a.sub.Directory, a.sig, a.format)
	if _, err := stream.Seek(0, io.SeekStart); err != nil {
		p.releaseClaim(ctx, a)
		return models.Rejected(models.ReasonIOFailure, a.sig), "store", fmt.Errorf("%w: rewind before write: %w", ErrStream, err)
	}
	sr := &streamReader{r: stream}
	if err := p.store.Write(sr, a.addr); err != nil {
		// The store writes atomically, so nothing partial sits at addr.
		// An identical artifact from another category may, so leave it.
		if sr.err != nil {
			p.releaseClaim(ctx, a)
			return models.Rejected(models.ReasonIOFailure, a.sig), "store", fmt.Errorf("%w: read during write: %w", ErrStream, sr.err)
		}
		return p.infraFailure(a, "store", err, false)
	}

	// --- ScanGate ---
	a.enter(StateScanGate)
	scan, err := p.scanner.Scan(ctx, a.addr)
	if err != nil {
		// Unscanned content must not stay on disk.
		return p.infraFailure(a, "scan", err, true)
	}
	if scan.Infected {
		a.log.Warn("malware detected, removing artifact", "address", a.addr, "threat", scan.Threat)
		p.removeArtifact(a)
		p.releaseClaim(ctx, a)
		a.enter(StateRejected)
		return models.Rejected(models.ReasonMalware, a.sig), "", nil
	}

	// --- Admitted ---
	admittedAt := p.now().UTC()
	rec := models.ArtifactRecord{
		Category:   a.sub.Category,
		Signature:  a.sig,
		Address:    a.addr,
		Format:     a.format,
		Size:       a.size,
		AdmittedAt: admittedAt,
	}
	if err := p.index.Confirm(ctx, rec, a.sub.AttemptID); err != nil {
		if errors.Is(err, models.ErrClaimLost) {
			// Another attempt took over the expired claim and may already
			// own the artifact at addr.
			a.log.Warn("claim expired before confirm, leaving artifact to its new owner", "address", a.addr)
			a.enter(StateRejected)
			return models.Rejected(models.ReasonIOFailure, a.sig), "confirm", fmt.Errorf("%w: confirm: %w", ErrInfrastructure, err)
		}
		return p.infraFailure(a, "confirm", err, true)
	}

	a.enter(StateAdmitted)
	p.notify(ctx, a, admittedAt)
	return models.Admitted(a.sig, a.addr, a.format), "", nil
}

// infraFailure releases the claim, optionally removes the written artifact,
// and builds the Rejected/io_failure result. The artifact is only removed
// while this attempt still owns the claim.
func (p *Pipeline) infraFailure(a *attempt, stage string, cause error, removeArtifact bool) (models.Result, string, error) {
	if a.state == StateStoring || a.state == StateScanGate {
		if removeArtifact && p.ownsClaim(a) {
			p.removeArtifact(a)
		}
		p.releaseClaim(context.Background(), a)
	}
	a.enter(StateRejected)
	return models.Rejected(models.ReasonIOFailure, a.sig), stage, fmt.Errorf("%w: %s: %w", ErrInfrastructure, stage, cause)
}

// removeArtifact deletes the artifact; failures are logged and never change
// the verdict.
func (p *Pipeline) removeArtifact(a *attempt) {
	if err := p.store.Remove(a.addr); err != nil {
		p.metrics.IncCleanupFailure("remove")
		a.log.Error("failed to remove artifact", "address", a.addr, "error", err)
	}
}

// ownsClaim reports whether the attempt still holds its claim. If the index
// cannot answer, it assumes so: leaving unscanned content on disk is worse.
func (p *Pipeline) ownsClaim(a *attempt) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	owns, err := p.index.Owns(ctx, a.sub.Category, a.sig, a.sub.AttemptID)
	if err != nil {
		a.log.Error("failed to check claim ownership", "error", err)
		return true
	}
	if !owns {
		a.log.Warn("claim passed to another attempt, leaving artifact in place", "address", a.addr)
	}
	return owns
}

// releaseClaim drops the index claim. It runs even if ctx is cancelled so a
// cancelled request does not block the content until the claim expires.
func (p *Pipeline) releaseClaim(ctx context.Context, a *attempt) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.index.Release(ctx, a.sub.Category, a.sig, a.sub.AttemptID); err != nil {
		p.metrics.IncCleanupFailure("release")
		a.log.Error("failed to release index claim", "error", err)
	}
}

// notify publishes the admitted event. The artifact is already durable, so
// a publish failure is only logged.
func (p *Pipeline) notify(ctx context.Context, a *attempt, admittedAt time.Time) {
	if p.notifier == nil {
		return
	}
	event := &models.AdmittedEvent{
		AttemptID:  a.sub.AttemptID,
		Category:   string(a.sub.Category),
		Signature:  string(a.sig),
		Address:    a.addr,
		Format:     a.format,
		Size:       a.size,
		AdmittedAt: admittedAt.Format(time.RFC3339),
	}
	if err := p.notifier.PublishAdmitted(ctx, event); err != nil {
		a.log.Warn("failed to publish admitted event", "error", err)
	}
}

// streamReader remembers the first non-EOF read error so a failing
// submission can be told apart from a failing store.
type streamReader struct {
	r   io.Reader
	err error
}

func (s *streamReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && s.err == nil {
		s.err = err
	}
	return n, err
}
