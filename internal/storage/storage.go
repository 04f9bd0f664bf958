package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pana-app/pana-engine/internal/config"
	"github.com/rs/zerolog"
)

// ErrInvalidKey is returned for locators that are empty or escape the store root.
var ErrInvalidKey = errors.New("invalid audio key")

// AudioStore abstracts recording storage backends. Keys are the
// recordings.file_path locators, e.g. "2026/10/17/<uuid>.m4a".
type AudioStore interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for the audio file.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	Exists(ctx context.Context, key string) bool

	// Type returns "local" or "s3".
	Type() string
}

// New creates an AudioStore based on config. Returns an error if S3 is
// configured but unreachable.
func New(cfg config.S3Config, audioDir string, log zerolog.Logger) (AudioStore, error) {
	if !cfg.Enabled() {
		return NewLocalStore(audioDir), nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")
	return s3store, nil
}
