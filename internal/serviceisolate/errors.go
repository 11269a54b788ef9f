package serviceisolate

import "errors"

var (
	// ErrAlreadyStarted is returned by Run while a service isolate exists or is being spawned.
	ErrAlreadyStarted = errors.New("service isolate already started")
	// ErrSingleUse is returned by Run after a completed teardown unless restarts are enabled.
	ErrSingleUse = errors.New("service isolate has already run in this process")
	// ErrForcedKill is returned by Shutdown when the isolate had to be terminated.
	ErrForcedKill = errors.New("service isolate did not exit and was terminated")
	// ErrStaleIsolate is returned to Admin calls made on behalf of a spawn attempt that no longer owns the state.
	ErrStaleIsolate = errors.New("service isolate is no longer current")
	// ErrAlreadyAttached is returned when the spawn attempt already attached its isolate.
	ErrAlreadyAttached = errors.New("service isolate already attached")
	// ErrPortAlreadySet is returned when a port is published twice for the same isolate.
	ErrPortAlreadySet = errors.New("port already published")
	// ErrIllegalPort is returned when the empty port is published.
	ErrIllegalPort = errors.New("illegal port")
	// ErrShuttingDown is returned when ports are published after shutdown began.
	ErrShuttingDown = errors.New("service isolate is shutting down")
	// ErrUnknownAsset is returned by GetSource for names missing from the asset store.
	ErrUnknownAsset = errors.New("unknown builtin library")
	// ErrUnsupportedImport is returned when the service isolate imports a non-builtin library.
	ErrUnsupportedImport = errors.New("unsupported import")
	// ErrUnknownTag is returned for library tags the handler does not serve.
	ErrUnknownTag = errors.New("unknown library tag")
)
