package service

import (
	"errors"
	"fmt"
)

// Session errors. Handlers match them with errors.Is and map them to response codes.
var (
	ErrNoActiveSession     = errors.New("no active session")
	ErrExamNotInWindow     = errors.New("exam is not within its window")
	ErrAttemptLimitReached = errors.New("attempt limit reached")
	ErrTimeExpired         = errors.New("time expired")
	ErrSecurityViolation   = errors.New("request blocked by security policy")
	ErrValidation          = errors.New("validation error")
	ErrUnavailable         = errors.New("service temporarily unavailable")
	ErrNotFound            = errors.New("not found")
)

// Window errors carry which side of the window was hit.
var (
	ErrExamNotOpen = fmt.Errorf("%w: exam has not started", ErrExamNotInWindow)
	ErrExamClosed  = fmt.Errorf("%w: exam has ended", ErrExamNotInWindow)
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
