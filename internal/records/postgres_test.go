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
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dermagate/ingestion/internal/models"
)

// openPostgresIndex connects to TEST_DATABASE_URL or skips.
func openPostgresIndex(t *testing.T) (*PostgresIndex, models.ContentSignature) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	idx, err := NewPostgresIndex(ctx, pool)
	if err != nil {
		t.Fatalf("NewPostgresIndex: %v", err)
	}

	sig := models.ContentSignature("test-" + uuid.NewString())
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM artifact_records WHERE signature = $1`, string(sig))
	})
	return idx, sig
}

func TestPostgresIndex_Lifecycle(t *testing.T) {
	idx, sig := openPostgresIndex(t)
	ctx := context.Background()

	if exists, err := idx.Exists(ctx, models.SkinCancer, sig); err != nil || exists {
		t.Fatalf("Exists on fresh signature = %v, %v", exists, err)
	}
	if ok, err := idx.Claim(ctx, models.SkinCancer, sig, "attempt-a"); err != nil || !ok {
		t.Fatalf("first Claim = %v, %v", ok, err)
	}
	if ok, err := idx.Claim(ctx, models.SkinCancer, sig, "attempt-a"); err != nil || ok {
		t.Fatalf("second Claim = %v, %v", ok, err)
	}

	if err := idx.Release(ctx, models.SkinCancer, sig, "attempt-a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if exists, _ := idx.Exists(ctx, models.SkinCancer, sig); exists {
		t.Fatal("released claim still reported as existing")
	}

	if ok, err := idx.Claim(ctx, models.SkinCancer, sig, "attempt-a"); err != nil || !ok {
		t.Fatalf("re-Claim = %v, %v", ok, err)
	}
	err := idx.Confirm(ctx, models.ArtifactRecord{
		Category:   models.SkinCancer,
		Signature:  sig,
		Address:    "/data/" + string(sig) + ".png",
		Format:     "png",
		Size:       1024,
		AdmittedAt: time.Now().UTC(),
	}, "attempt-a")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	// Release after Confirm must not drop the admitted record.
	if err := idx.Release(ctx, models.SkinCancer, sig, "attempt-a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if exists, _ := idx.Exists(ctx, models.SkinCancer, sig); !exists {
		t.Error("admitted record missing")
	}
}

func TestPostgresIndex_ConcurrentClaims(t *testing.T) {
	idx, sig := openPostgresIndex(t)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := idx.Claim(context.Background(), models.SkinCancer, sig, fmt.Sprintf("attempt-%d", i))
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("winners = %d, want 1", winners.Load())
	}
}

func TestPostgresIndex_OwnerChecks(t *testing.T) {
	idx, sig := openPostgresIndex(t)
	ctx := context.Background()

	if ok, err := idx.Claim(ctx, models.SkinCancer, sig, "attempt-a"); err != nil || !ok {
		t.Fatalf("Claim = %v, %v", ok, err)
	}
	if owns, _ := idx.Owns(ctx, models.SkinCancer, sig, "attempt-b"); owns {
		t.Error("attempt-b reported as owner")
	}
	if err := idx.Release(ctx, models.SkinCancer, sig, "attempt-b"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if owns, _ := idx.Owns(ctx, models.SkinCancer, sig, "attempt-a"); !owns {
		t.Fatal("foreign Release dropped attempt-a's claim")
	}

	rec := models.ArtifactRecord{Category: models.SkinCancer, Signature: sig, Address: "/data/x.png", AdmittedAt: time.Now().UTC()}
	if err := idx.Confirm(ctx, rec, "attempt-b"); !errors.Is(err, models.ErrClaimLost) {
		t.Errorf("foreign Confirm err = %v, want ErrClaimLost", err)
	}
	if err := idx.Confirm(ctx, rec, "attempt-a"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
}
