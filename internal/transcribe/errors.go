package transcribe

import (
	"context"
	"errors"
	"fmt"
)

// BackendError wraps any failure of the remote transcription call,
// including timeouts.
type BackendError struct {
	Provider string
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend: %v", e.Provider, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the call failed because its deadline expired.
func (e *BackendError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(e.Err, &te) && te.Timeout()
}
