package domain

import "errors"

var (
	ErrNotFound                  = errors.New("not found")
	ErrInvalidInput              = errors.New("invalid input")
	ErrEmailExists               = errors.New("email already registered")
	ErrInvalidCredentials        = errors.New("invalid email or password")
	ErrCannotCancel              = errors.New("booking can no longer be canceled")
	ErrDuplicateFreeConsultation = errors.New("duplicate free consultation")
)

// IneligibleError is returned when a free consultation is refused. Reason is
// safe to show to the guest.
type IneligibleError struct {
	Reason string
	Code   string
}

func (e *IneligibleError) Error() string {
	return "free consultation not allowed: " + e.Code
}
