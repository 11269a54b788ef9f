package vm

import "errors"

var (
	// ErrReservedName is returned when a user isolate asks for the service isolate's name.
	ErrReservedName = errors.New("isolate name is reserved")
	// ErrResourcesExhausted is returned when the isolate limit is reached.
	ErrResourcesExhausted = errors.New("isolate limit reached")
	// ErrClosed is returned by spawns after the runtime was closed.
	ErrClosed = errors.New("runtime closed")
	// ErrNoLoadPort is returned when the service isolate started without a load port.
	ErrNoLoadPort = errors.New("service isolate has no load port")
	// ErrLoadFailed wraps errors reported by the load port.
	ErrLoadFailed = errors.New("load request failed")
)
