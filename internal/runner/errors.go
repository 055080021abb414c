package runner

import "errors"

var (
	// ErrAborted is returned by Run when the run was stopped before the
	// queue drained (exit command, signal, context cancellation).
	ErrAborted = errors.New("run aborted")
	// ErrNotFound means no active worker has the handle.
	ErrNotFound = errors.New("no active worker")
	// ErrStopped rejects state changes once the run is stopped.
	ErrStopped = errors.New("run is stopped")
)
