package bill

import (
	"errors"

	"github.com/zombor/billsplit/internal/ledger"
)

var (
	// ErrValidationFailed marks input people can fix themselves
	ErrValidationFailed = errors.New("validation failed")

	// ErrBusy is returned when a receipt is already being recognized for the session
	ErrBusy = errors.New("receipt recognition already in progress")

	// ErrWrongPhase is returned for operations the session's current phase does not allow
	ErrWrongPhase = errors.New("operation not allowed in current phase")

	// ErrSessionNotFound is returned for unknown or pruned session IDs
	ErrSessionNotFound = errors.New("session not found")

	// ErrIndexOutOfRange is returned for item or participant indexes that do not exist
	ErrIndexOutOfRange = ledger.ErrIndexOutOfRange

	// ErrInvalidAmount is returned for negative or missing prices
	ErrInvalidAmount = ledger.ErrInvalidAmount
)

// UserError carries a message meant for the people using the session
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return e.UserMessage + ": " + e.Err.Error()
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// validationError wraps ErrValidationFailed with a user-facing message
func validationError(userMessage string) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         ErrValidationFailed,
	}
}

// userMessage returns the user-facing part of err, or the whole error text
func userMessage(err error) string {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue.UserMessage
	}
	return err.Error()
}
