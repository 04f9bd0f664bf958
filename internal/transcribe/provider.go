package transcribe

import (
	"context"
	"io"
)

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string, opts TranscribeOpts) (*Response, error)
	Name() string  // "whisper", "deepinfra"
	Model() string // model identifier for DB/logs
}

// TranscribeOpts are per-request decoding options. Zero values are omitted
// from the request so servers fall back to their own defaults.
type TranscribeOpts struct {
	Temperature float64
	Language    string
	Prompt      string // initial_prompt / domain vocabulary
	BeamSize    int    // 0 = server default
	VadFilter   bool
}

// Response is the common transcription result from any provider.
type Response struct {
	Text     string
	Language string
	Duration float64   // audio duration in seconds
	Segments []Segment // scored segments, input to Confidence
	Words    []Word    // nil if provider doesn't support word timestamps
}

// Segment carries the acoustic scores of one decoded span.
type Segment struct {
	Start        float64
	End          float64
	Text         string
	AvgLogProb   float64 // <= 0, closer to 0 is more confident
	NoSpeechProb float64 // [0,1]
}

// Word is a timestamped word. Its JSON form is what gets persisted.
type Word struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}
