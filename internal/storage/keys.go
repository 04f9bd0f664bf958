package storage

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RecordingKey builds the locator for a new recording:
// {YYYY-MM-DD}/{HH-MM-SS}-{uuid}{ext}. Missing extensions default to .wav.
func RecordingKey(recordedAt time.Time, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".wav"
	}
	return recordedAt.Format("2006-01-02") + "/" + recordedAt.Format("15-04-05") + "-" + uuid.NewString() + ext
}
