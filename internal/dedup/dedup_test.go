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

package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dermagate/ingestion/internal/models"
)

func newTestIndex(t *testing.T) (*RedisIndex, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)

	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisIndex(rdb), srv
}

// TestRedisIndex_ClaimOnce verifies SETNX semantics.
func TestRedisIndex_ClaimOnce(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	exists, err := idx.Exists(ctx, models.SkinCancer, "sig1")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatal("fresh index reports sig1 present")
	}

	ok, err := idx.Claim(ctx, models.SkinCancer, "sig1", "attempt-a")
	if err != nil || !ok {
		t.Fatalf("first Claim = %v, %v; want true", ok, err)
	}
	ok, err = idx.Claim(ctx, models.SkinCancer, "sig1", "attempt-a")
	if err != nil || ok {
		t.Fatalf("second Claim = %v, %v; want false", ok, err)
	}

	exists, _ = idx.Exists(ctx, models.SkinCancer, "sig1")
	if !exists {
		t.Error("claimed signature not reported as existing")
	}
}

// TestRedisIndex_ReleaseFreesClaim verifies a released claim can be retaken.
func TestRedisIndex_ReleaseFreesClaim(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	idx.Claim(ctx, models.SkinCancer, "sig1", "attempt-a")
	if err := idx.Release(ctx, models.SkinCancer, "sig1", "attempt-a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ok, _ := idx.Claim(ctx, models.SkinCancer, "sig1", "attempt-a")
	if !ok {
		t.Error("claim after release failed")
	}
}

// TestRedisIndex_ClaimExpires verifies an abandoned claim times out while a
// confirmed record does not.
func TestRedisIndex_ClaimExpires(t *testing.T) {
	idx, srv := newTestIndex(t)
	ctx := context.Background()

	idx.Claim(ctx, models.SkinCancer, "abandoned", "attempt-a")
	idx.Claim(ctx, models.SkinCancer, "kept", "attempt-b")
	err := idx.Confirm(ctx, models.ArtifactRecord{
		Category:   models.SkinCancer,
		Signature:  "kept",
		Address:    "/data/kept.png",
		Format:     "png",
		Size:       42,
		AdmittedAt: time.Now(),
	}, "attempt-b")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	srv.FastForward(DefaultClaimTTL + time.Second)

	if exists, _ := idx.Exists(ctx, models.SkinCancer, "abandoned"); exists {
		t.Error("abandoned claim did not expire")
	}
	if exists, _ := idx.Exists(ctx, models.SkinCancer, "kept"); !exists {
		t.Error("confirmed record expired")
	}

	raw, err := srv.Get(key(models.SkinCancer, "kept"))
	if err != nil {
		t.Fatalf("get raw record: %v", err)
	}
	var rec storedRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.Address != "/data/kept.png" || rec.Format != "png" || rec.Size != 42 {
		t.Errorf("stored record = %+v", rec)
	}
}

// TestRedisIndex_ConcurrentClaims verifies exactly one claimant wins.
func TestRedisIndex_ConcurrentClaims(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := idx.Claim(ctx, models.SkinCancer, "race", fmt.Sprintf("attempt-%d", i))
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want 1", wins.Load())
	}
}

// TestRedisIndex_OwnerChecks verifies Release and Confirm only act for the
// attempt that holds the claim.
func TestRedisIndex_OwnerChecks(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	idx.Claim(ctx, models.SkinCancer, "sig1", "attempt-a")

	if owns, _ := idx.Owns(ctx, models.SkinCancer, "sig1", "attempt-b"); owns {
		t.Error("attempt-b reported as owner")
	}
	if err := idx.Release(ctx, models.SkinCancer, "sig1", "attempt-b"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if owns, _ := idx.Owns(ctx, models.SkinCancer, "sig1", "attempt-a"); !owns {
		t.Fatal("foreign Release dropped attempt-a's claim")
	}

	rec := models.ArtifactRecord{Category: models.SkinCancer, Signature: "sig1", Address: "/data/sig1.png", AdmittedAt: time.Now()}
	if err := idx.Confirm(ctx, rec, "attempt-b"); !errors.Is(err, models.ErrClaimLost) {
		t.Fatalf("foreign Confirm err = %v, want ErrClaimLost", err)
	}
	if err := idx.Confirm(ctx, rec, "attempt-a"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if owns, _ := idx.Owns(ctx, models.SkinCancer, "sig1", "attempt-a"); owns {
		t.Error("admitted record still reported as a claim")
	}
}

// TestRedisIndex_ExpiredClaimTakenOver verifies that once a claim expires
// and another attempt admits the content, the first attempt can neither
// confirm nor release the record.
func TestRedisIndex_ExpiredClaimTakenOver(t *testing.T) {
	idx, srv := newTestIndex(t)
	idx.SetClaimTTL(time.Second)
	ctx := context.Background()

	if ok, _ := idx.Claim(ctx, models.SkinCancer, "sig1", "attempt-a"); !ok {
		t.Fatal("attempt-a claim failed")
	}
	srv.FastForward(2 * time.Second)

	if ok, _ := idx.Claim(ctx, models.SkinCancer, "sig1", "attempt-b"); !ok {
		t.Fatal("attempt-b could not take over the expired claim")
	}
	rec := models.ArtifactRecord{Category: models.SkinCancer, Signature: "sig1", Address: "/data/sig1.png", AdmittedAt: time.Now()}
	if err := idx.Confirm(ctx, rec, "attempt-b"); err != nil {
		t.Fatalf("attempt-b Confirm: %v", err)
	}

	if owns, _ := idx.Owns(ctx, models.SkinCancer, "sig1", "attempt-a"); owns {
		t.Error("attempt-a still owns the claim")
	}
	if err := idx.Confirm(ctx, rec, "attempt-a"); !errors.Is(err, models.ErrClaimLost) {
		t.Errorf("attempt-a Confirm err = %v, want ErrClaimLost", err)
	}
	if err := idx.Release(ctx, models.SkinCancer, "sig1", "attempt-a"); err != nil {
		t.Fatalf("attempt-a Release: %v", err)
	}
	if exists, _ := idx.Exists(ctx, models.SkinCancer, "sig1"); !exists {
		t.Error("attempt-a's Release erased attempt-b's admitted record")
	}
}

// TestRedisIndex_Ping verifies the health check.
func TestRedisIndex_Ping(t *testing.T) {
	idx, srv := newTestIndex(t)
	if err := idx.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	srv.Close()
	if err := idx.Ping(context.Background()); err == nil {
		t.Error("expected ping failure after server close")
	}
}
