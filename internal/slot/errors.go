package slot

import (
	"errors"
	"fmt"
)

// ErrInvalidState is matched by every InvalidStateError via errors.Is.
var ErrInvalidState = errors.New("operation not allowed in current session state")

// DefaultRetryMessage is used when a slot defines no RetryPrompt.
const DefaultRetryMessage = "Sorry, I didn't understand that. Please try again."

// ValidationError reports a rejected user answer. The caller re-prompts with
// RetryMessage and keeps the slot pending.
type ValidationError struct {
	Slot         string
	RetryMessage string
	Err          error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid value for slot %q: %v", e.Slot, e.Err)
	}
	return fmt.Sprintf("invalid value for slot %q", e.Slot)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// InvalidStateError reports an operation invoked outside its allowed state.
// It is an integration error and must never be shown to the end user.
type InvalidStateError struct {
	Op     string
	Status Status
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("slot: %s not allowed in status %s: %s", e.Op, e.Status, e.Reason)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsInvalidState reports whether err carries an InvalidStateError.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}
