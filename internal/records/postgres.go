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

// Package records provides durable SQL-backed dedup indexes for admitted
// artifacts: Postgres for production deployments and SQLite for single-node
// setups and local runs.
package records

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dermagate/ingestion/internal/models"
)

// Record statuses.
const (
	StatusPending  = "pending"
	StatusAdmitted = "admitted"
)

// DefaultClaimTTL is how long a pending record blocks the same content
// before another attempt may take it over.
const DefaultClaimTTL = 10 * time.Minute

// PostgresIndex stores artifact records in Postgres. The UNIQUE constraint on
// (category, signature) makes Claim an atomic insert-if-absent.
type PostgresIndex struct {
	pool     *pgxpool.Pool
	claimTTL time.Duration
}

// NewPostgresIndex creates an index backed by the given pool and ensures the
// artifact_records table exists.
func NewPostgresIndex(ctx context.Context, pool *pgxpool.Pool) (*PostgresIndex, error) {
	x := &PostgresIndex{pool: pool, claimTTL: DefaultClaimTTL}
	if err := x.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure artifact schema: %w", err)
	}
	slog.Info("artifact record index initialised", "backend", "postgres")
	return x, nil
}

func (x *PostgresIndex) ensureSchema(ctx context.Context) error {
	_, err := x.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS artifact_records (
			id          BIGSERIAL PRIMARY KEY,
			category    TEXT NOT NULL,
			signature   TEXT NOT NULL,
			address     TEXT DEFAULT '',
			format      TEXT DEFAULT '',
			size_bytes  BIGINT DEFAULT 0,
			status      TEXT DEFAULT 'pending',
			owner       TEXT DEFAULT '',
			admitted_at TIMESTAMPTZ,
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(category, signature)
		);
		ALTER TABLE artifact_records ADD COLUMN IF NOT EXISTS owner TEXT DEFAULT '';
		CREATE INDEX IF NOT EXISTS idx_artifacts_status ON artifact_records(status);
	`)
	return err
}

// Exists reports whether the pair is admitted or freshly claimed.
func (x *PostgresIndex) Exists(ctx context.Context, category models.Category, sig models.ContentSignature) (bool, error) {
	var exists bool
	err := x.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM artifact_records
			WHERE category = $1 AND signature = $2
			  AND (status = $3 OR updated_at > NOW() - $4::interval)
		)
	`, string(category), string(sig), StatusAdmitted, x.ttlInterval()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query artifact record: %w", err)
	}
	return exists, nil
}

// Claim inserts a pending record owned by owner if none exists, or takes
// over a pending record older than the claim TTL. It returns true only for
// the caller whose write took effect.
func (x *PostgresIndex) Claim(ctx context.Context, category models.Category, sig models.ContentSignature, owner string) (bool, error) {
	tag, err := x.pool.Exec(ctx, `
		INSERT INTO artifact_records (category, signature, status, owner)
		VALUES ($1, $2, $3, $5)
		ON CONFLICT (category, signature) DO UPDATE SET
			owner      = EXCLUDED.owner,
			updated_at = NOW()
		WHERE artifact_records.status = $3
		  AND artifact_records.updated_at < NOW() - $4::interval
	`, string(category), string(sig), StatusPending, x.ttlInterval(), owner)
	if err != nil {
		return false, fmt.Errorf("claim artifact record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Owns reports whether owner holds a pending record that is not yet stale.
func (x *PostgresIndex) Owns(ctx context.Context, category models.Category, sig models.ContentSignature, owner string) (bool, error) {
	var owns bool
	err := x.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM artifact_records
			WHERE category = $1 AND signature = $2
			  AND status = $3 AND owner = $4
			  AND updated_at > NOW() - $5::interval
		)
	`, string(category), string(sig), StatusPending, owner, x.ttlInterval()).Scan(&owns)
	if err != nil {
		return false, fmt.Errorf("query artifact claim: %w", err)
	}
	return owns, nil
}

// Release deletes owner's pending record. Admitted records and other
// owners' claims are left alone.
func (x *PostgresIndex) Release(ctx context.Context, category models.Category, sig models.ContentSignature, owner string) error {
	_, err := x.pool.Exec(ctx, `
		DELETE FROM artifact_records
		WHERE category = $1 AND signature = $2 AND status = $3 AND owner = $4
	`, string(category), string(sig), StatusPending, owner)
	if err != nil {
		return fmt.Errorf("release artifact record: %w", err)
	}
	return nil
}

// Confirm marks owner's pending record admitted and stores where the
// artifact lives. It returns models.ErrClaimLost if the record is no longer
// owner's pending claim.
func (x *PostgresIndex) Confirm(ctx context.Context, rec models.ArtifactRecord, owner string) error {
	tag, err := x.pool.Exec(ctx, `
		UPDATE artifact_records SET
			address     = $3,
			format      = $4,
			size_bytes  = $5,
			status      = $6,
			admitted_at = $7,
			updated_at  = NOW()
		WHERE category = $1 AND signature = $2
		  AND status = $8 AND owner = $9
	`, string(rec.Category), string(rec.Signature), rec.Address, rec.Format, rec.Size,
		StatusAdmitted, rec.AdmittedAt, StatusPending, owner)
	if err != nil {
		return fmt.Errorf("confirm artifact record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrClaimLost
	}
	return nil
}

func (x *PostgresIndex) ttlInterval() string {
	return fmt.Sprintf("%d seconds", int(x.claimTTL.Seconds()))
}

// Ping checks the database connection.
func (x *PostgresIndex) Ping(ctx context.Context) error {
	return x.pool.Ping(ctx)
}

// SetClaimTTL overrides DefaultClaimTTL. Non-positive values are ignored.
func (x *PostgresIndex) SetClaimTTL(d time.Duration) {
	if d > 0 {
		x.claimTTL = d
	}
}
