package transcribe

import (
	"errors"
	"math"
	"testing"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSegmentScore(t *testing.T) {
	tests := []struct {
		name     string
		seg      Segment
		want     float64
		wantFail bool
	}{
		{"typical_segment", Segment{AvgLogProb: -0.3, NoSpeechProb: 0.0}, 0.79, false},
		{"perfect_segment", Segment{AvgLogProb: 0, NoSpeechProb: 0}, 1.0, false},
		{"logprob_clamps_at_minus_one", Segment{AvgLogProb: -1, NoSpeechProb: 0}, 0.3, false},
		{"logprob_clamps_below_minus_one", Segment{AvgLogProb: -4.2, NoSpeechProb: 0.5}, 0.15, false},
		{"positive_logprob_clamps_to_one", Segment{AvgLogProb: 0.5, NoSpeechProb: 1}, 0.7, false},
		{"rounded_to_three_places", Segment{AvgLogProb: -0.12345, NoSpeechProb: 0.3333}, 0.814, false},
		{"nan_logprob", Segment{AvgLogProb: math.NaN()}, 0, true},
		{"inf_logprob", Segment{AvgLogProb: math.Inf(-1)}, 0, true},
		{"no_speech_above_one", Segment{NoSpeechProb: 1.5}, 0, true},
		{"no_speech_negative", Segment{NoSpeechProb: -0.1}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SegmentScore(tt.seg)
			if tt.wantFail {
				if err == nil {
					t.Fatalf("SegmentScore(%+v) = %v, want error", tt.seg, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("SegmentScore: %v", err)
			}
			if !approx(got, tt.want) {
				t.Errorf("SegmentScore(%+v) = %v, want %v", tt.seg, got, tt.want)
			}
		})
	}
}

func TestConfidence(t *testing.T) {
	t.Run("mean_of_segment_scores", func(t *testing.T) {
		got, err := Confidence([]Segment{
			{AvgLogProb: -0.2, NoSpeechProb: 0.1}, // 0.83
			{AvgLogProb: -0.4, NoSpeechProb: 0.2}, // 0.66
		})
		if err != nil {
			t.Fatal(err)
		}
		if !approx(got, 0.745) {
			t.Errorf("Confidence = %v, want 0.745", got)
		}
	})

	t.Run("empty_is_an_error", func(t *testing.T) {
		if _, err := Confidence(nil); !errors.Is(err, ErrNoSegments) {
			t.Errorf("err = %v, want ErrNoSegments", err)
		}
	})

	t.Run("bad_segment_fails_whole_list", func(t *testing.T) {
		_, err := Confidence([]Segment{{AvgLogProb: -0.1}, {NoSpeechProb: 2}})
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("always_in_unit_interval", func(t *testing.T) {
		for lp := -3.0; lp <= 0.5; lp += 0.25 {
			for ns := 0.0; ns <= 1.0; ns += 0.125 {
				c, err := Confidence([]Segment{{AvgLogProb: lp, NoSpeechProb: ns}})
				if err != nil {
					t.Fatal(err)
				}
				if c < 0 || c > 1 {
					t.Fatalf("Confidence(lp=%v ns=%v) = %v outside [0,1]", lp, ns, c)
				}
			}
		}
	})
}
