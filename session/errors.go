package session

import "errors"

var (
	// ErrSessionBusy reports a state query or exec request issued while
	// the target is not stopped.
	ErrSessionBusy = errors.New("session is busy")

	// ErrSessionTerminated reports a request issued after the session
	// reached its terminal state.
	ErrSessionTerminated = errors.New("session is terminated")

	// ErrUnknownRequest reports a DAP command this adapter does not
	// implement.
	ErrUnknownRequest = errors.New("unsupported request")
)

// IsSessionBusy reports whether err wraps ErrSessionBusy.
func IsSessionBusy(err error) bool {
	return errors.Is(err, ErrSessionBusy)
}

// IsSessionTerminated reports whether err wraps ErrSessionTerminated.
func IsSessionTerminated(err error) bool {
	return errors.Is(err, ErrSessionTerminated)
}

// IsUnknownRequest reports whether err wraps ErrUnknownRequest.
func IsUnknownRequest(err error) bool {
	return errors.Is(err, ErrUnknownRequest)
}
