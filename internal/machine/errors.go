package machine

import "fmt"

// ActiveBuildError is raised by the device driver when a build is already
// in progress; the poll loop stays connected and transitions to Busy.
type ActiveBuildError struct{ Reason string }

func (e *ActiveBuildError) Error() string { return fmt.Sprintf("active build: %s", e.Reason) }

// BuildCancelledError is raised when the device itself cancelled the
// in-progress build (e.g. the operator pressed the cancel button on the
// device). The current task is cancelled and cleared; the connection is
// kept.
type BuildCancelledError struct{ Reason string }

func (e *BuildCancelledError) Error() string { return fmt.Sprintf("build cancelled: %s", e.Reason) }

// ExternalStopError is raised when an external-stop flag was observed set.
// Handled identically to BuildCancelledError.
//
// The driver this was ported from treats BuildCancelled and ExternalStop
// identically, with a comment questioning whether that's intentional.
// Preserved as-is; see DESIGN.md.
type ExternalStopError struct{ Reason string }

func (e *ExternalStopError) Error() string { return fmt.Sprintf("external stop: %s", e.Reason) }

// OverheatError is fatal: the machine disconnects.
type OverheatError struct{ Reason string }

func (e *OverheatError) Error() string { return fmt.Sprintf("overheat: %s", e.Reason) }

// CommandNotSupportedError is fatal: the connected firmware doesn't speak a
// command the driver needed.
type CommandNotSupportedError struct{ Command string }

func (e *CommandNotSupportedError) Error() string {
	return fmt.Sprintf("command not supported: %s", e.Command)
}

// ProtocolError is fatal: the wire protocol to the device desynced.
type ProtocolError struct{ Reason string }

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %s", e.Reason) }

// ParameterError is fatal: the device rejected a parameter as out of range.
type ParameterError struct{ Reason string }

func (e *ParameterError) Error() string { return fmt.Sprintf("parameter error: %s", e.Reason) }

// BufferOverflowError is recoverable: the caller should pause briefly and
// resubmit the same line.
type BufferOverflowError struct{}

func (e *BufferOverflowError) Error() string { return "buffer overflow" }

// classify reports what a driver-raised error means for the machine's
// connection state. Anything not in the recoverable set is fatal, per the
// classification table ("any other exception" disconnects).
func classify(err error) (fatal bool) {
	switch err.(type) {
	case *ActiveBuildError, *BuildCancelledError, *ExternalStopError, *BufferOverflowError:
		return false
	default:
		return true
	}
}
