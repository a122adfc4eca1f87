package reservation

import (
	"errors"
	"fmt"
)

var (
	// ErrDropEnded means the drop is over. Terminal; no retry.
	ErrDropEnded = errors.New("drop ended")

	// ErrIncompleteSelection means the user has not chosen both an edition
	// and a size, or the chosen edition is no longer available.
	ErrIncompleteSelection = errors.New("incomplete selection")

	// ErrAlreadyInFlight means a reservation attempt is still pending for
	// this coordinator. Transient; self-resolves.
	ErrAlreadyInFlight = errors.New("reservation already in flight")
)

// NetworkError wraps a transport failure on the reservation path. The user
// may retry; the coordinator never does so automatically.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("reservation network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerRejectedError means the storefront explicitly refused the
// reservation, e.g. sold out mid-flight. The message is surfaced verbatim
// and the attempt is never retried.
type ServerRejectedError struct {
	Message string
}

func (e *ServerRejectedError) Error() string {
	return fmt.Sprintf("reservation rejected: %s", e.Message)
}
