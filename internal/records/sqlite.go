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

package records

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/dermagate/ingestion/internal/models"
)

// ArtifactRow is the artifact_records table as seen by gorm.
type ArtifactRow struct {
	ID         uint   `gorm:"primaryKey"`
	Category   string `gorm:"uniqueIndex:uniq_category_signature;size:64;not null"`
	Signature  string `gorm:"uniqueIndex:uniq_category_signature;size:128;not null"`
	Address    string `gorm:"size:1024"`
	Format     string `gorm:"size:16"`
	SizeBytes  int64
	Status     string `gorm:"index;size:16"`
	Owner      string `gorm:"size:64"`
	AdmittedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName keeps the table name aligned with the Postgres schema.
func (ArtifactRow) TableName() string { return "artifact_records" }

// SQLiteIndex stores artifact records in a local SQLite file.
type SQLiteIndex struct {
	db       *gorm.DB
	claimTTL time.Duration
	now      func() time.Time
}

// OpenSQLiteIndex opens (or creates) the database at path and migrates the
// schema. Writes are serialised through a single connection.
func OpenSQLiteIndex(path string) (*SQLiteIndex, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&ArtifactRow{}); err != nil {
		return nil, fmt.Errorf("migrate artifact_records: %w", err)
	}

	slog.Info("artifact record index initialised", "backend", "sqlite", "path", path)
	return &SQLiteIndex{db: db, claimTTL: DefaultClaimTTL, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (x *SQLiteIndex) Close() error {
	sqlDB, err := x.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Exists reports whether the pair is admitted or freshly claimed.
func (x *SQLiteIndex) Exists(ctx context.Context, category models.Category, sig models.ContentSignature) (bool, error) {
	var n int64
	err := x.db.WithContext(ctx).Model(&ArtifactRow{}).
		Where("category = ? AND signature = ?", string(category), string(sig)).
		Where("status = ? OR updated_at > ?", StatusAdmitted, x.cutoff()).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("query artifact record: %w", err)
	}
	return n > 0, nil
}

// Claim inserts a pending row owned by owner if none exists, or takes over
// a stale pending row. It returns true only for the caller whose write took
// effect.
func (x *SQLiteIndex) Claim(ctx context.Context, category models.Category, sig models.ContentSignature, owner string) (bool, error) {
	now := x.now().UTC()
	row := ArtifactRow{
		Category:  string(category),
		Signature: string(sig),
		Status:    StatusPending,
		Owner:     owner,
		CreatedAt: now,
		UpdatedAt: now,
	}

	res := x.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("claim artifact record: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	res = x.db.WithContext(ctx).Model(&ArtifactRow{}).
		Where("category = ? AND signature = ? AND status = ? AND updated_at < ?",
			string(category), string(sig), StatusPending, x.cutoff()).
		Updates(map[string]any{"owner": owner, "updated_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("take over stale claim: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Owns reports whether owner holds a pending row that is not yet stale.
func (x *SQLiteIndex) Owns(ctx context.Context, category models.Category, sig models.ContentSignature, owner string) (bool, error) {
	var n int64
	err := x.db.WithContext(ctx).Model(&ArtifactRow{}).
		Where("category = ? AND signature = ? AND status = ? AND owner = ? AND updated_at > ?",
			string(category), string(sig), StatusPending, owner, x.cutoff()).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("query artifact claim: %w", err)
	}
	return n > 0, nil
}

// Release deletes owner's pending row. Admitted rows and other owners'
// claims are left alone.
func (x *SQLiteIndex) Release(ctx context.Context, category models.Category, sig models.ContentSignature, owner string) error {
	err := x.db.WithContext(ctx).
		Where("category = ? AND signature = ? AND status = ? AND owner = ?",
			string(category), string(sig), StatusPending, owner).
		Delete(&ArtifactRow{}).Error
	if err != nil {
		return fmt.Errorf("release artifact record: %w", err)
	}
	return nil
}

// Confirm marks owner's pending row admitted and stores where the artifact
// lives. It returns models.ErrClaimLost if the row is no longer owner's
// pending claim.
func (x *SQLiteIndex) Confirm(ctx context.Context, rec models.ArtifactRecord, owner string) error {
	admittedAt := rec.AdmittedAt.UTC()
	res := x.db.WithContext(ctx).Model(&ArtifactRow{}).
		Where("category = ? AND signature = ? AND status = ? AND owner = ?",
			string(rec.Category), string(rec.Signature), StatusPending, owner).
		Updates(map[string]any{
			"address":     rec.Address,
			"format":      rec.Format,
			"size_bytes":  rec.Size,
			"status":      StatusAdmitted,
			"admitted_at": &admittedAt,
			"updated_at":  x.now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("confirm artifact record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrClaimLost
	}
	return nil
}

// Ping checks the database handle.
func (x *SQLiteIndex) Ping(ctx context.Context) error {
	sqlDB, err := x.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (x *SQLiteIndex) cutoff() time.Time {
	return x.now().UTC().Add(-x.claimTTL)
}

// SetClaimTTL overrides DefaultClaimTTL. Non-positive values are ignored.
func (x *SQLiteIndex) SetClaimTTL(d time.Duration) {
	if d > 0 {
		x.claimTTL = d
	}
}
