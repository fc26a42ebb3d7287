package engine

import (
	"errors"
	"fmt"
)

// Standard errors returned by the engine client.
var (
	// ErrNotRunning indicates no live engine process at send time.
	ErrNotRunning = errors.New("engine not running")

	// ErrNotReady indicates the client has not finished initializing.
	ErrNotReady = errors.New("engine not ready")

	// ErrAlreadyRunning indicates the engine process is already started.
	ErrAlreadyRunning = errors.New("engine already running")

	// ErrTimeout indicates a request exceeded its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrRequestAgedOut indicates a pending request was evicted by the
	// stale-id sweep.
	ErrRequestAgedOut = errors.New("request aged out")

	// ErrIDSpaceExhausted indicates correlation-id generation kept
	// colliding with outstanding ids. Not expected to be reachable.
	ErrIDSpaceExhausted = errors.New("correlation id space exhausted")

	// ErrShutdown indicates the client has been shut down.
	ErrShutdown = errors.New("engine client shut down")

	// ErrEngineCrashed indicates the engine process exited unexpectedly.
	ErrEngineCrashed = errors.New("engine crashed")

	// ErrRestartsExhausted indicates automatic recovery gave up after the
	// configured number of attempts. A manual restart resets the counter.
	ErrRestartsExhausted = errors.New("restart attempts exhausted; manual restart required")

	// ErrRestartInFlight indicates a restart is already in progress.
	ErrRestartInFlight = errors.New("restart already in progress")

	// ErrInstallFailed indicates the installer collaborator could not
	// provide the engine binary.
	ErrInstallFailed = errors.New("engine binary not available")
)

// EngineError is an error reported by the engine inside a response body.
type EngineError struct {
	// Action is the operation the engine was answering, when known.
	Action string
	// Message is the engine's error text.
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("engine error (%s): %s", e.Action, e.Message)
	}
	return fmt.Sprintf("engine error: %s", e.Message)
}

// DecodeError is a wire-level decode failure. It is confined to the stream
// pump: the offending bytes are dropped and logged, never propagated to
// callers.
type DecodeError struct {
	Reason string
	Size   int
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Size > 0 {
		return fmt.Sprintf("wire decode: %s (%d bytes)", e.Reason, e.Size)
	}
	return fmt.Sprintf("wire decode: %s", e.Reason)
}
