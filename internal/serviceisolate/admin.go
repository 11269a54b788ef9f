package serviceisolate

import (
	"vmservice/internal/portmap"
)

// Admin is the privileged surface handed to the service isolate's startup
// code and to the runtime's teardown path. Each view is bound to one spawn
// attempt; calls from an attempt that no longer owns the state are ignored or
// rejected with ErrStaleIsolate.
type Admin interface {
	SetServiceIsolate(iso Isolate) error
	SetServicePort(port portmap.Port) error
	// SetLoadPort publishes the load port. It is accepted while the attempt is
	// still Initializing, following the startup order in which ports are
	// published before FinishedInitializing, rather than the stricter rule that
	// the load port appears only once initialization has ended.
	SetLoadPort(port portmap.Port) error
	// FinishedInitializing leaves the Initializing phase and wakes waiters.
	FinishedInitializing()
	// FinishedExiting clears the isolate and all ports.
	FinishedExiting()
	// KillServiceIsolate terminates the isolate through the Spawner.
	KillServiceIsolate()
}

type adminView struct {
	c   *Coordinator
	gen uint64
}

func (a *adminView) SetServiceIsolate(iso Isolate) error {
	if isNil(iso) {
		return ErrStaleIsolate
	}
	c := a.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.st.attempts != a.gen || !c.st.initializing {
		return ErrStaleIsolate
	}
	if c.st.generation == a.gen {
		return ErrAlreadyAttached
	}
	c.st.isolate = iso
	c.st.origin = iso.Origin()
	c.st.servicePort = portmap.Illegal
	c.st.loadPort = portmap.Illegal
	c.st.generation = a.gen
	c.publishLocked()
	return nil
}

// checkPublishLocked validates a port publication. c.mu must be held.
func (a *adminView) checkPublishLocked(port, current portmap.Port) error {
	st := &a.c.st
	switch {
	case st.generation != a.gen || st.isolate == nil:
		return ErrStaleIsolate
	case st.shuttingDown:
		return ErrShuttingDown
	case port == portmap.Illegal:
		return ErrIllegalPort
	case current != portmap.Illegal:
		return ErrPortAlreadySet
	}
	return nil
}

func (a *adminView) SetServicePort(port portmap.Port) error {
	c := a.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := a.checkPublishLocked(port, c.st.servicePort); err != nil {
		return err
	}
	c.st.servicePort = port
	c.publishLocked()
	return nil
}

func (a *adminView) SetLoadPort(port portmap.Port) error {
	c := a.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := a.checkPublishLocked(port, c.st.loadPort); err != nil {
		return err
	}
	c.st.loadPort = port
	c.publishLocked()
	c.cond.Broadcast()
	return nil
}

func (a *adminView) FinishedInitializing() {
	c := a.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.generation != a.gen || c.st.isolate == nil || !c.st.initializing {
		return
	}
	c.st.initializing = false
	c.st.concluded = true
	c.publishLocked()
	c.cond.Broadcast()
}

func (a *adminView) FinishedExiting() {
	a.c.finishedExiting(a.gen)
}

func (a *adminView) KillServiceIsolate() {
	a.c.killServiceIsolate(a.gen)
}
