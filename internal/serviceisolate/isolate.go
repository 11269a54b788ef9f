package serviceisolate

import (
	"context"
	"reflect"

	"vmservice/internal/portmap"
)

// Isolate is the part of an isolate this package needs. Implementations must
// be comparable (pointer types); identity is decided with ==.
type Isolate interface {
	Name() string
	MainPort() portmap.Port
	// Origin is the main port of the isolate at the root of the spawn chain.
	// Isolates spawned by the service isolate share its origin.
	Origin() portmap.Port
}

// LibraryInstaller is an isolate that accepts extra libraries at creation time.
type LibraryInstaller interface {
	Isolate
	InstallLibrary(url, source string) error
}

// SpawnKind tells the Spawner which creation path to take.
type SpawnKind int

const (
	SpawnOrdinary SpawnKind = iota
	SpawnService
)

func (k SpawnKind) String() string {
	if k == SpawnService {
		return "service"
	}
	return "ordinary"
}

// CreateCallback is invoked by the Spawner once the isolate object exists and
// before it runs any code. A non-nil error aborts the spawn.
type CreateCallback func(iso Isolate) error

// TagHandler resolves library requests while an isolate's code is loaded.
type TagHandler func(tag LibraryTag, library, url string) (Resolution, error)

// SpawnRequest describes one isolate creation.
type SpawnRequest struct {
	Kind SpawnKind
	Name string
	// OnCreate is the dedicated creation callback for SpawnService.
	OnCreate CreateCallback
	// TagHandler replaces the default library loader for SpawnService.
	TagHandler TagHandler
	// Admin is the privileged view the service isolate's startup code uses to
	// publish its ports and report completion. Nil for ordinary spawns.
	Admin Admin
}

// Spawner creates and destroys isolates. It owns every isolate it creates.
type Spawner interface {
	CreateIsolate(ctx context.Context, req SpawnRequest) (Isolate, error)
	// TerminateIsolate forcibly stops iso. It returns once termination has
	// been initiated.
	TerminateIsolate(iso Isolate)
}

// Poster delivers a message to a port without blocking.
type Poster interface {
	PostMessage(port portmap.Port, msg []byte) bool
}

// AssetStore supplies builtin source text.
type AssetStore interface {
	Lookup(name string) (string, bool)
}

// isNil reports whether iso is nil, including a nil pointer stored in the
// interface.
func isNil(iso any) bool {
	if iso == nil {
		return true
	}
	v := reflect.ValueOf(iso)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
