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

// Package dedup provides a Redis-backed dedup index keyed on
// (category, content signature). Claims use SET NX so that two concurrent
// uploads of the same content cannot both proceed to storage. A claim holds
// its owner's attempt ID; Release and Confirm act only for that owner.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dermagate/ingestion/internal/models"
)

const (
	// DefaultClaimTTL bounds how long an unconfirmed claim blocks the same
	// content. A crashed attempt frees its claim after this.
	DefaultClaimTTL = 10 * time.Minute

	// keyPrefix namespaces index keys in Redis.
	keyPrefix = "dermagate:artifact:"

	// pendingPrefix marks a claim value; admitted values are JSON.
	pendingPrefix = "pending:"
)

// releaseScript deletes the key only while it still holds the caller's claim.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// confirmScript swaps the caller's claim for the admitted record and drops
// the TTL. Returns 0 if the claim belongs to someone else or has expired.
const confirmScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2])
  return 1
end
return 0
`

// RedisIndex tracks which (category, signature) pairs are claimed or admitted.
type RedisIndex struct {
	rdb      *redis.Client
	claimTTL time.Duration
}

// NewRedisIndex creates a dedup index backed by Redis.
func NewRedisIndex(rdb *redis.Client) *RedisIndex {
	return &RedisIndex{
		rdb:      rdb,
		claimTTL: DefaultClaimTTL,
	}
}

func key(category models.Category, sig models.ContentSignature) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, category, sig)
}

// Exists reports whether the pair is claimed or admitted.
func (x *RedisIndex) Exists(ctx context.Context, category models.Category, sig models.ContentSignature) (bool, error) {
	n, err := x.rdb.Exists(ctx, key(category, sig)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup EXISTS: %w", err)
	}
	return n > 0, nil
}

// Claim returns true if the pair was not present and is now claimed by
// owner (SETNX).
func (x *RedisIndex) Claim(ctx context.Context, category models.Category, sig models.ContentSignature, owner string) (bool, error) {
	set, err := x.rdb.SetNX(ctx, key(category, sig), claimValue(owner), x.claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Owns reports whether owner still holds an unexpired claim on the pair.
func (x *RedisIndex) Owns(ctx context.Context, category models.Category, sig models.ContentSignature, owner string) (bool, error) {
	val, err := x.rdb.Get(ctx, key(category, sig)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup GET: %w", err)
	}
	return val == claimValue(owner), nil
}

// Release drops owner's claim. Someone else's claim and admitted records
// are left alone.
func (x *RedisIndex) Release(ctx context.Context, category models.Category, sig models.ContentSignature, owner string) error {
	err := x.rdb.Eval(ctx, releaseScript, []string{key(category, sig)}, claimValue(owner)).Err()
	if err != nil {
		return fmt.Errorf("dedup release: %w", err)
	}
	return nil
}

// Confirm replaces owner's claim with the admitted record and removes its
// TTL. It returns models.ErrClaimLost if owner no longer holds the claim.
func (x *RedisIndex) Confirm(ctx context.Context, rec models.ArtifactRecord, owner string) error {
	payload, err := json.Marshal(storedRecord{
		Address:    rec.Address,
		Format:     rec.Format,
		Size:       rec.Size,
		AdmittedAt: rec.AdmittedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	n, err := x.rdb.Eval(ctx, confirmScript, []string{key(rec.Category, rec.Signature)},
		claimValue(owner),
		string(payload),
	).Int()
	if err != nil {
		return fmt.Errorf("dedup confirm: %w", err)
	}
	if n == 0 {
		return models.ErrClaimLost
	}
	return nil
}

func claimValue(owner string) string {
	return pendingPrefix + owner
}

// Ping checks the Redis connection.
func (x *RedisIndex) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return x.rdb.Ping(ctx).Err()
}

// storedRecord is the JSON value kept under an admitted key.
type storedRecord struct {
	Address    string `json:"address"`
	Format     string `json:"format"`
	Size       int64  `json:"size"`
	AdmittedAt string `json:"admitted_at"`
}

// SetClaimTTL overrides DefaultClaimTTL. Non-positive values are ignored.
func (x *RedisIndex) SetClaimTTL(d time.Duration) {
	if d > 0 {
		x.claimTTL = d
	}
}
