package lending

import (
	"errors"
	"fmt"
)

var (
	// ErrForbidden is returned when the acting party may not perform the
	// operation on this loan, offer, or request.
	ErrForbidden = errors.New("forbidden")

	// ErrPaymentPending is returned when a gateway charge was accepted but
	// has not reached a terminal state; the repayment stays PENDING.
	ErrPaymentPending = errors.New("payment pending gateway confirmation")
)

// ValidationError carries the violated constraint so callers can report it
// without leaking other parties' financial data.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
