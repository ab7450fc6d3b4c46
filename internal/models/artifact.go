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

// Package models defines the data structures shared across the ingestion service.
package models

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category is a disease category an image can be filed under.
type Category string

// SkinCancer is currently the only supported category.
const SkinCancer Category = "SkinCancer"

// supportedCategories is the fixed set accepted by ParseCategory.
var supportedCategories = []Category{SkinCancer}

// Construction errors. These are returned before any I/O happens.
var (
	ErrUnknownCategory = errors.New("unknown category")
	ErrEmptyDirectory  = errors.New("target directory is empty")
	ErrNilStream       = errors.New("submission stream is nil")
)

// ErrClaimLost is returned by an index when the caller's claim expired and
// was taken over, or otherwise no longer belongs to the caller.
var ErrClaimLost = errors.New("index claim no longer held")

// ParseCategory validates s against the supported categories.
func ParseCategory(s string) (Category, error) {
	for _, c := range supportedCategories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %s doesn't exist", ErrUnknownCategory, s)
}

// Categories returns a copy of the supported category list.
func Categories() []Category {
	out := make([]Category, len(supportedCategories))
	copy(out, supportedCategories)
	return out
}

// ContentSignature is the hex digest of an artifact's full byte content.
type ContentSignature string

// Submission is the input to one ingestion attempt. The stream is owned
// exclusively by the pipeline run that receives it.
type Submission struct {
	AttemptID string
	Stream    io.ReadSeeker
	Directory string
	Category  Category
}

// NewSubmission validates the category and normalises the directory so it
// always ends with a path separator.
func NewSubmission(stream io.ReadSeeker, directory, category string) (*Submission, error) {
	if stream == nil {
		return nil, ErrNilStream
	}
	cat, err := ParseCategory(category)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(directory) == "" {
		return nil, ErrEmptyDirectory
	}
	return &Submission{
		AttemptID: uuid.NewString(),
		Stream:    stream,
		Directory: NormalizeDirectory(directory),
		Category:  cat,
	}, nil
}

// NormalizeDirectory appends the OS path separator when missing.
func NormalizeDirectory(dir string) string {
	if strings.HasSuffix(dir, string(os.PathSeparator)) || strings.HasSuffix(dir, "/") {
		return dir
	}
	return dir + string(os.PathSeparator)
}

// ArtifactRecord is a (category, signature) entry in the dedup index.
// Address, Format and Size are filled once the artifact is admitted.
type ArtifactRecord struct {
	Category   Category
	Signature  ContentSignature
	Address    string
	Format     string
	Size       int64
	AdmittedAt time.Time
}

// AdmittedEvent is published to downstream consumers for every newly
// admitted artifact.
type AdmittedEvent struct {
	AttemptID  string `json:"attempt_id"`
	Category   string `json:"category"`
	Signature  string `json:"signature"`
	Address    string `json:"address"`
	Format     string `json:"format"`
	Size       int64  `json:"size"`
	AdmittedAt string `json:"admitted_at"`
}
