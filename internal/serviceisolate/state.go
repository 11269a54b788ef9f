package serviceisolate

import "vmservice/internal/portmap"

// Phase is the coarse lifecycle position of the service isolate.
type Phase int

const (
	PhaseAbsent Phase = iota
	PhaseInitializing
	PhaseRunning
	PhaseShuttingDown
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseRunning:
		return "running"
	case PhaseShuttingDown:
		return "shutting_down"
	default:
		return "absent"
	}
}

// Snapshot is an immutable copy of the guarded state, published after every
// mutation.
type Snapshot struct {
	Isolate      Isolate
	ServicePort  portmap.Port
	LoadPort     portmap.Port
	Origin       portmap.Port
	Initializing bool
	ShuttingDown bool
	// Attempt identifies the spawn attempt that owns the isolate.
	Attempt uint64
}

// Phase derives the lifecycle phase.
func (s Snapshot) Phase() Phase {
	switch {
	case s.ShuttingDown:
		return PhaseShuttingDown
	case s.Initializing:
		return PhaseInitializing
	case s.Isolate != nil:
		return PhaseRunning
	default:
		return PhaseAbsent
	}
}

// Exists reports whether a service isolate is attached.
func (s Snapshot) Exists() bool {
	return s.Isolate != nil
}

// Running reports whether the service isolate is attached and fully started.
func (s Snapshot) Running() bool {
	return s.Isolate != nil && !s.Initializing && !s.ShuttingDown
}

func (s Snapshot) isDescendant(candidate Isolate) bool {
	if s.Origin == portmap.Illegal || s.Isolate == candidate {
		return false
	}
	return candidate.Origin() == s.Origin
}

// state is guarded by Coordinator.mu.
type state struct {
	isolate      Isolate
	servicePort  portmap.Port
	loadPort     portmap.Port
	origin       portmap.Port
	initializing bool
	shuttingDown bool

	// attempts counts Run calls that reached the Spawner; generation is the
	// attempt whose isolate is (or was last) attached.
	attempts   uint64
	generation uint64
	// concluded is set once the current startup attempt can no longer
	// publish a load port.
	concluded bool
	// used is set once a spawn succeeded.
	used bool
}

func (st *state) snapshot() *Snapshot {
	return &Snapshot{
		Isolate:      st.isolate,
		ServicePort:  st.servicePort,
		LoadPort:     st.loadPort,
		Origin:       st.origin,
		Initializing: st.initializing,
		ShuttingDown: st.shuttingDown,
		Attempt:      st.generation,
	}
}

func (st *state) clear() {
	st.isolate = nil
	st.servicePort = portmap.Illegal
	st.loadPort = portmap.Illegal
	st.origin = portmap.Illegal
	st.initializing = false
	st.shuttingDown = false
	st.concluded = true
}
