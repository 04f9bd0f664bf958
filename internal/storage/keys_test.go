package storage

import (
	"regexp"
	"testing"
	"time"
)

func TestRecordingKey(t *testing.T) {
	at := time.Date(2026, 10, 17, 8, 30, 5, 0, time.UTC)
	tests := []struct {
		name     string
		filename string
		wantExt  string
	}{
		{"keeps_extension", "memo.m4a", ".m4a"},
		{"lowercases_extension", "MEMO.MP3", ".mp3"},
		{"defaults_to_wav", "memo", ".wav"},
		{"ignores_directories", "../x/y.ogg", ".ogg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := RecordingKey(at, tt.filename)
			re := regexp.MustCompile(`^2026-10-17/08-30-05-[0-9a-f-]{36}` + regexp.QuoteMeta(tt.wantExt) + `$`)
			if !re.MatchString(key) {
				t.Errorf("key = %q", key)
			}
		})
	}

	if RecordingKey(at, "a.wav") == RecordingKey(at, "a.wav") {
		t.Error("keys for the same second must differ")
	}
}
