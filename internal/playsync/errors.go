package playsync

import "errors"

// Error taxonomy for the sync engine. Validation and permission errors are
// surfaced to the initiating client only; durable-store failures are retried
// in the background and never surfaced synchronously.
var (
	// ErrNotFound means the session or participant does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied means the actor may not perform the control action.
	// Session state is left untouched.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrValidation means an out-of-range timestamp or playback rate.
	ErrValidation = errors.New("validation failed")
	// ErrCapacity means the session is at max_participants.
	ErrCapacity = errors.New("session is full")
	// ErrSessionEnded means the session reached its terminal state; no
	// operation may mutate it.
	ErrSessionEnded = errors.New("session has ended")
	// ErrFatal means detected state corruption (e.g. two simultaneous
	// hosts). The session is terminated and all participants notified.
	ErrFatal = errors.New("session state corrupted")
)
