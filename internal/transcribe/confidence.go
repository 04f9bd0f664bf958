package transcribe

import (
	"errors"
	"fmt"
	"math"
)

// ErrNoSegments is returned by Confidence for an empty segment list.
// Callers treat it as "no confidence available".
var ErrNoSegments = errors.New("no segments to score")

const (
	logProbWeight = 0.7
	speechWeight  = 0.3
)

// SegmentScore combines one segment's acoustic scores into [0,1]:
// 0.7 * clamp(1 + avg_logprob) + 0.3 * (1 - no_speech_prob), rounded to 3 places.
func SegmentScore(s Segment) (float64, error) {
	if math.IsNaN(s.AvgLogProb) || math.IsInf(s.AvgLogProb, 0) {
		return 0, fmt.Errorf("segment avg_logprob %v is not finite", s.AvgLogProb)
	}
	if math.IsNaN(s.NoSpeechProb) || s.NoSpeechProb < 0 || s.NoSpeechProb > 1 {
		return 0, fmt.Errorf("segment no_speech_prob %v outside [0,1]", s.NoSpeechProb)
	}
	logProb := clamp01(1 + s.AvgLogProb)
	speech := 1 - s.NoSpeechProb
	return round3(logProbWeight*logProb + speechWeight*speech), nil
}

// Confidence is the arithmetic mean of the per-segment scores.
func Confidence(segments []Segment) (float64, error) {
	if len(segments) == 0 {
		return 0, ErrNoSegments
	}
	var sum float64
	for i, s := range segments {
		score, err := SegmentScore(s)
		if err != nil {
			return 0, fmt.Errorf("segment %d: %w", i, err)
		}
		sum += score
	}
	return sum / float64(len(segments)), nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
