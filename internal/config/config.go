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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Index backends.
const (
	IndexRedis    = "redis"
	IndexPostgres = "postgres"
	IndexSQLite   = "sqlite"
)

// Scanner kinds.
const (
	ScannerHTTP  = "http"
	ScannerClamd = "clamd"
)

// ScannerConfig selects and configures the malware scanner.
type ScannerConfig struct {
	Kind    string // "http" or "clamd"
	URL     string // http scanner base URL
	Address string // clamd address, "host:port" or "unix:/path"
	Timeout time.Duration

	// OAuth2 client credentials for the http scanner.
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Config holds all configuration for the ingestion service.
type Config struct {
	// Storage
	StorageRoot string

	// Validation
	MaxBytes int64
	Formats  []string

	// Signer
	SignerAlgorithm string

	// Dedup index
	IndexBackend string
	IndexURL     string // postgres DSN
	IndexPath    string // sqlite file
	ClaimTTL     time.Duration

	// Redis
	RedisURL      string
	AdmittedQueue string

	Scanner ScannerConfig

	// Server
	Port           int
	MaxUploadBytes int64

	LogLevel string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Storage struct {
		Root string `yaml:"root"`
	} `yaml:"storage"`
	Validation struct {
		MaxBytes int64    `yaml:"max_bytes"`
		Formats  []string `yaml:"formats"`
	} `yaml:"validation"`
	Signer struct {
		Algorithm string `yaml:"algorithm"`
	} `yaml:"signer"`
	Index struct {
		Backend  string `yaml:"backend"`
		URL      string `yaml:"url"`
		Path     string `yaml:"path"`
		ClaimTTL string `yaml:"claim_ttl"`
	} `yaml:"index"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Admitted string `yaml:"admitted"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Scanner struct {
		Kind    string `yaml:"kind"`
		URL     string `yaml:"url"`
		Address string `yaml:"address"`
		Timeout string `yaml:"timeout"`
		OAuth   struct {
			ClientID     string   `yaml:"client_id"`
			ClientSecret string   `yaml:"client_secret"`
			TokenURL     string   `yaml:"token_url"`
			Scopes       []string `yaml:"scopes"`
		} `yaml:"oauth"`
	} `yaml:"scanner"`
	Server struct {
		Port           int   `yaml:"port"`
		MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	} `yaml:"server"`
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// falls back to environment variables for anything the file leaves unset.
// A missing file is not an error; the service then runs on env alone.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("config file not found, using environment only", "path", configPath)
	case err != nil:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	default:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	cfg := &Config{
		StorageRoot:     firstNonEmpty(raw.Storage.Root, envOrDefault("STORAGE_ROOT", "/data/uploads")),
		MaxBytes:        firstPositive(raw.Validation.MaxBytes, envOrDefaultInt64("MAX_BYTES", 4<<20)),
		Formats:         raw.Validation.Formats,
		SignerAlgorithm: firstNonEmpty(raw.Signer.Algorithm, envOrDefault("SIGNER_ALGORITHM", "sha256")),
		IndexBackend:    strings.ToLower(firstNonEmpty(raw.Index.Backend, envOrDefault("INDEX_BACKEND", IndexRedis))),
		IndexURL:        firstNonEmpty(raw.Index.URL, os.Getenv("DATABASE_URL")),
		IndexPath:       firstNonEmpty(raw.Index.Path, envOrDefault("INDEX_PATH", "/data/index.db")),
		RedisURL:        firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		AdmittedQueue:   firstNonEmpty(raw.Redis.Queues.Admitted, envOrDefault("ADMITTED_QUEUE", "admitted_images")),
		Scanner: ScannerConfig{
			Kind:         strings.ToLower(firstNonEmpty(raw.Scanner.Kind, envOrDefault("SCANNER_KIND", ScannerHTTP))),
			URL:          firstNonEmpty(raw.Scanner.URL, os.Getenv("SCANNER_URL")),
			Address:      firstNonEmpty(raw.Scanner.Address, envOrDefault("CLAMD_ADDRESS", "localhost:3310")),
			ClientID:     firstNonEmpty(raw.Scanner.OAuth.ClientID, os.Getenv("SCANNER_CLIENT_ID")),
			ClientSecret: firstNonEmpty(raw.Scanner.OAuth.ClientSecret, os.Getenv("SCANNER_CLIENT_SECRET")),
			TokenURL:     firstNonEmpty(raw.Scanner.OAuth.TokenURL, os.Getenv("SCANNER_TOKEN_URL")),
			Scopes:       raw.Scanner.OAuth.Scopes,
		},
		Port:           firstPositiveInt(raw.Server.Port, envOrDefaultInt("PORT", 8080)),
		MaxUploadBytes: firstPositive(raw.Server.MaxUploadBytes, envOrDefaultInt64("MAX_UPLOAD_BYTES", 32<<20)),
		LogLevel:       strings.ToLower(firstNonEmpty(raw.LogLevel, envOrDefault("LOG_LEVEL", "info"))),
	}

	if len(cfg.Formats) == 0 {
		if v := os.Getenv("ALLOWED_FORMATS"); v != "" {
			cfg.Formats = splitList(v)
		}
	}

	cfg.ClaimTTL, err = durationSetting(raw.Index.ClaimTTL, "CLAIM_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("index.claim_ttl: %w", err)
	}
	cfg.Scanner.Timeout, err = durationSetting(raw.Scanner.Timeout, "SCANNER_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("scanner.timeout: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StorageRoot) == "" {
		return errors.New("storage root is empty")
	}
	if c.MaxUploadBytes < c.MaxBytes {
		return fmt.Errorf("max upload bytes (%d) is below the image size ceiling (%d)", c.MaxUploadBytes, c.MaxBytes)
	}

	switch c.IndexBackend {
	case IndexRedis:
	case IndexPostgres:
		if c.IndexURL == "" {
			return errors.New("postgres index selected but no DATABASE_URL / index.url configured")
		}
	case IndexSQLite:
		if c.IndexPath == "" {
			return errors.New("sqlite index selected but no index.path configured")
		}
	default:
		return fmt.Errorf("unknown index backend %q (want redis, postgres or sqlite)", c.IndexBackend)
	}

	switch c.Scanner.Kind {
	case ScannerHTTP:
		if c.Scanner.URL == "" {
			return errors.New("http scanner selected but no SCANNER_URL / scanner.url configured")
		}
		if c.Scanner.ClientID != "" && (c.Scanner.ClientSecret == "" || c.Scanner.TokenURL == "") {
			return errors.New("scanner OAuth client_id set without client_secret and token_url")
		}
	case ScannerClamd:
		if c.Scanner.Address == "" {
			return errors.New("clamd scanner selected but no address configured")
		}
	default:
		return fmt.Errorf("unknown scanner kind %q (want http or clamd)", c.Scanner.Kind)
	}

	// A claim must outlive the slowest scan or another upload can take it over.
	if c.ClaimTTL > 0 && c.Scanner.Timeout > 0 && c.ClaimTTL <= c.Scanner.Timeout {
		return fmt.Errorf("claim ttl (%s) must exceed scanner timeout (%s)", c.ClaimTTL, c.Scanner.Timeout)
	}

	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

// durationSetting prefers the YAML value, then the env var, then fallback.
// Unlike the env helpers, a malformed YAML duration is an error.
func durationSetting(yamlValue, envKey string, fallback time.Duration) (time.Duration, error) {
	if yamlValue != "" {
		return time.ParseDuration(yamlValue)
	}
	if v := os.Getenv(envKey); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d, nil
		}
	}
	return fallback, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int64) int64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveInt(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
