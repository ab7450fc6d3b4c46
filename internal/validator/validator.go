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

// Package validator checks an uploaded stream against a size ceiling and an
// allow-list of image formats. Formats are detected from the image header,
// not from a file name or declared MIME type, and the whole image must then
// decode cleanly.
package validator

import (
	"errors"
	"fmt"
	"image"
	"io"
	"strings"

	// Decoders register themselves with the image package.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/dermagate/ingestion/internal/models"
)

// DefaultMaxBytes is the upload size ceiling (4 MiB).
const DefaultMaxBytes int64 = 4 << 20

// DefaultMaxPixels caps width*height so a small compressed file cannot
// expand into a huge bitmap during the full decode.
const DefaultMaxPixels int64 = 25_000_000

// DefaultFormats is the default format allow-list.
var DefaultFormats = []string{"png", "jpeg", "gif", "bmp", "tiff", "webp"}

// Verdict is the outcome of validating one stream.
type Verdict struct {
	OK     bool
	Format string // lowercase decoder name, e.g. "png"
	Size   int64
	Reason models.Reason
}

// Validator is safe for concurrent use.
type Validator struct {
	maxBytes  int64
	maxPixels int64
	allowed   map[string]bool
}

// New builds a validator. A non-positive maxBytes selects DefaultMaxBytes and
// an empty format list selects DefaultFormats.
func New(maxBytes int64, formats []string) (*Validator, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if len(formats) == 0 {
		formats = DefaultFormats
	}

	allowed := make(map[string]bool, len(formats))
	for _, f := range formats {
		name := CanonicalFormat(f)
		if !isRegistered(name) {
			return nil, fmt.Errorf("format %q has no registered decoder", f)
		}
		allowed[name] = true
	}

	return &Validator{maxBytes: maxBytes, maxPixels: DefaultMaxPixels, allowed: allowed}, nil
}

// MaxBytes returns the configured size ceiling.
func (v *Validator) MaxBytes() int64 {
	return v.maxBytes
}

// SetMaxPixels overrides DefaultMaxPixels. Non-positive values are ignored.
func (v *Validator) SetMaxPixels(n int64) {
	if n > 0 {
		v.maxPixels = n
	}
}

// Validate checks size first, then the header, then decodes the whole
// image. Malformed content produces a failed Verdict, not an error; only
// failures of the stream itself are returned as errors. The stream is
// rewound to the start before returning.
func (v *Validator) Validate(stream io.ReadSeeker) (Verdict, error) {
	size, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return Verdict{}, fmt.Errorf("seek to end: %w", err)
	}
	if _, err := stream.Seek(0, io.SeekStart); err != nil {
		return Verdict{}, fmt.Errorf("rewind stream: %w", err)
	}

	if size > v.maxBytes {
		return Verdict{Size: size, Reason: models.ReasonOversize}, nil
	}

	tr := &trackingReader{r: stream}
	cfg, format, decodeErr := image.DecodeConfig(tr)
	if err := rewind(stream, tr); err != nil {
		return Verdict{}, err
	}
	if decodeErr != nil || !v.allowed[format] {
		return Verdict{Size: size, Reason: models.ReasonUnsupportedFormat}, nil
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > v.maxPixels {
		return Verdict{Size: size, Reason: models.ReasonUnsupportedFormat}, nil
	}

	// A valid header says nothing about the pixel data behind it.
	_, decoded, decodeErr := image.Decode(io.LimitReader(tr, size))
	if err := rewind(stream, tr); err != nil {
		return Verdict{}, err
	}
	if decodeErr != nil || decoded != format {
		return Verdict{Size: size, Reason: models.ReasonUnsupportedFormat}, nil
	}

	return Verdict{OK: true, Format: format, Size: size}, nil
}

// rewind seeks back to the start and surfaces any read error seen by tr.
func rewind(stream io.Seeker, tr *trackingReader) error {
	if _, err := stream.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind stream: %w", err)
	}
	if tr.err != nil {
		return fmt.Errorf("read stream: %w", tr.err)
	}
	return nil
}

// CanonicalFormat maps common aliases onto decoder names.
func CanonicalFormat(f string) string {
	f = strings.ToLower(strings.TrimSpace(f))
	switch f {
	case "jpg":
		return "jpeg"
	case "tif":
		return "tiff"
	}
	return f
}

// isRegistered reports whether the image package can decode the format.
func isRegistered(name string) bool {
	switch name {
	case "png", "jpeg", "gif", "bmp", "tiff", "webp":
		return true
	}
	return false
}

// trackingReader remembers the first non-EOF error from the underlying
// reader so decoder failures can be told apart from I/O failures.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}
