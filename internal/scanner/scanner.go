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

// Package scanner provides malware scanner clients. Each client scans the
// artifact stored at an address and returns a clean/infected verdict. The
// verdict is authoritative; clients never retry within one call.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// Verdict is the outcome of scanning one artifact.
type Verdict struct {
	Infected bool
	Threat   string // scanner-specific threat name, empty when clean
}

// Clean is the verdict for an artifact with no findings.
var Clean = Verdict{}

// HTTPScanner submits artifacts to a scanning service over HTTP.
//
// Protocol: POST {baseURL}/scan with the raw artifact as the body. The
// service answers 200 with {"result": "clean"|"infected", "threat": "..."}.
type HTTPScanner struct {
	httpClient *http.Client
	baseURL    string
}

// HTTPConfig configures an HTTPScanner.
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration

	// OAuth2 client credentials. When ClientID is empty requests are sent
	// unauthenticated.
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// NewHTTPScanner creates a scanner client.
func NewHTTPScanner(ctx context.Context, cfg HTTPConfig) *HTTPScanner {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	if cfg.ClientID != "" {
		creds := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = creds.Client(ctx)
		client.Timeout = timeout
	}

	return &HTTPScanner{
		httpClient: client,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// scanResponse is the scanning service's reply.
type scanResponse struct {
	Result string `json:"result"`
	Threat string `json:"threat"`
}

// Scan uploads the artifact at address and returns the service's verdict.
func (s *HTTPScanner) Scan(ctx context.Context, address string) (Verdict, error) {
	f, err := os.Open(address)
	if err != nil {
		return Verdict{}, fmt.Errorf("open artifact for scan: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/scan", f)
	if err != nil {
		return Verdict{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Filename", filepath.Base(address))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("scan request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Error("scanner error", "status", resp.StatusCode, "body", string(body))
		return Verdict{}, fmt.Errorf("scanner returned HTTP %d", resp.StatusCode)
	}

	var out scanResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Verdict{}, fmt.Errorf("decode scan response: %w", err)
	}

	switch strings.ToLower(out.Result) {
	case "clean":
		return Clean, nil
	case "infected":
		return Verdict{Infected: true, Threat: out.Threat}, nil
	default:
		// Anything else is not a verdict; fail closed via an error.
		return Verdict{}, fmt.Errorf("unexpected scan result %q", out.Result)
	}
}
