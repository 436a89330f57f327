package generation

import (
	"errors"
	"fmt"
)

// Error kinds.
const (
	KindTimeout = "timeout"
	KindService = "service_error"
	KindEmpty   = "empty_response"
)

var (
	ErrTimeout       = errors.New("generation timeout")
	ErrServiceError  = errors.New("generation service error")
	ErrEmptyResponse = errors.New("generation returned no code")
)

// Error is a failed generation call for one model.
type Error struct {
	Kind  string
	Model string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("generate with %s: %s: %v", e.Model, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindTimeout:
		return target == ErrTimeout
	case KindService:
		return target == ErrServiceError
	case KindEmpty:
		return target == ErrEmptyResponse
	}
	return false
}

// Kind returns the kind of a generation error, or KindService for errors
// from elsewhere.
func Kind(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindService
}
