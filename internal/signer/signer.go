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

// Package signer computes content signatures used to name and deduplicate
// stored artifacts.
package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/zeebo/blake3"

	"github.com/dermagate/ingestion/internal/models"
)

// Supported digest algorithms.
const (
	SHA256 = "sha256"
	BLAKE3 = "blake3"
)

// Signer computes a hex digest over everything it reads. It never seeks;
// the caller positions the stream.
type Signer struct {
	algorithm string
	newHash   func() hash.Hash
}

// New returns a Signer for the named algorithm. An empty name selects SHA-256.
func New(algorithm string) (*Signer, error) {
	switch algorithm {
	case "", SHA256:
		return &Signer{algorithm: SHA256, newHash: sha256.New}, nil
	case BLAKE3:
		return &Signer{algorithm: BLAKE3, newHash: func() hash.Hash { return blake3.New() }}, nil
	default:
		return nil, fmt.Errorf("unsupported signature algorithm %q", algorithm)
	}
}

// Algorithm returns the digest algorithm name.
func (s *Signer) Algorithm() string {
	return s.algorithm
}

// Sign reads r to EOF and returns the lowercase hex digest.
func (s *Signer) Sign(r io.Reader) (models.ContentSignature, error) {
	h := s.newHash()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("read content for signature: %w", err)
	}
	return models.ContentSignature(hex.EncodeToString(h.Sum(nil))), nil
}
