package transcription

import (
	"errors"
	"fmt"
)

// ErrNoMatch is returned when the backend processed the audio but found no intelligible speech
var ErrNoMatch = errors.New("no speech recognized")

// ServiceError reports a backend that could not be reached or rejected the request
type ServiceError struct {
	Backend    string
	StatusCode int // HTTP status, 0 when no response was received
	Retryable  bool
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s backend returned HTTP %d: %v", e.Backend, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s backend unavailable: %v", e.Backend, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a ServiceError worth retrying
func IsRetryable(err error) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr) && svcErr.Retryable
}

// retryableStatus reports whether an HTTP status indicates a transient backend condition
func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}
