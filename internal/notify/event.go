package notify

import (
	"encoding/json"
	"fmt"
)

// DefaultChannel is the well-known channel completion events are broadcast on.
const DefaultChannel = "transcription_completed"

// Event announces that a job reached a terminal state.
type Event struct {
	TranscriptionID int64  `json:"transcription_id"`
	RecordingID     int64  `json:"recording_id"`
	Status          string `json:"status"`
}

// Encode returns the UTF-8 JSON wire form of the event.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a wire payload.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}
