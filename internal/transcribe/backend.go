package transcribe

import (
	"context"
	"io"
	"path"
	"time"

	"github.com/pana-app/pana-engine/internal/metrics"
	"github.com/rs/zerolog"
)

// AudioOpener opens a recording's audio by its stored locator.
type AudioOpener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// BackendOptions configures a Backend.
type BackendOptions struct {
	Provider Provider
	Audio    AudioOpener
	Timeout  time.Duration // bounds open + remote call; 0 = no bound
	Request  TranscribeOpts
	Log      zerolog.Logger
}

// Backend is the transcription adapter the workers call. It opens the
// audio, calls the provider once under a deadline and normalizes every
// failure into a *BackendError. It never retries and never touches the
// store.
type Backend struct {
	provider Provider
	audio    AudioOpener
	timeout  time.Duration
	request  TranscribeOpts
	log      zerolog.Logger
}

func NewBackend(opts BackendOptions) *Backend {
	return &Backend{
		provider: opts.Provider,
		audio:    opts.Audio,
		timeout:  opts.Timeout,
		request:  opts.Request,
		log:      opts.Log,
	}
}

// Model returns the provider's model identifier.
func (b *Backend) Model() string { return b.provider.Model() }

// Transcribe runs one backend call for the audio at locator.
func (b *Backend) Transcribe(ctx context.Context, locator string) (*Response, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := b.call(ctx, locator)
	elapsed := time.Since(start)

	result := "ok"
	if err != nil {
		be := &BackendError{Provider: b.provider.Name(), Err: err}
		result = "error"
		if be.Timeout() {
			result = "timeout"
		}
		resp, err = nil, be
	}
	metrics.BackendDuration.WithLabelValues(b.provider.Name(), result).Observe(elapsed.Seconds())

	b.log.Debug().
		Str("provider", b.provider.Name()).
		Str("locator", locator).
		Str("result", result).
		Dur("elapsed", elapsed).
		Msg("backend call")
	return resp, err
}

func (b *Backend) call(ctx context.Context, locator string) (*Response, error) {
	f, err := b.audio.Open(ctx, locator)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return b.provider.Transcribe(ctx, f, path.Base(locator), b.request)
}
