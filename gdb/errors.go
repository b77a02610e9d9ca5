package gdb

import "errors"

var (
	// ErrLaunchFailure reports that the GDB subprocess could not be
	// started, or died before producing any MI output.
	ErrLaunchFailure = errors.New("failed to launch gdb")

	// ErrProcessTerminated reports an operation attempted after the GDB
	// subprocess exited.
	ErrProcessTerminated = errors.New("gdb process terminated")
)

// IsLaunchFailure reports whether err wraps ErrLaunchFailure.
func IsLaunchFailure(err error) bool {
	return errors.Is(err, ErrLaunchFailure)
}

// IsProcessTerminated reports whether err wraps ErrProcessTerminated.
func IsProcessTerminated(err error) bool {
	return errors.Is(err, ErrProcessTerminated)
}
