package serviceisolate

import (
	"context"
	"fmt"

	"vmservice/internal/logger"
	"vmservice/internal/message"
	"vmservice/internal/portmap"
)

// Port returns the service port, or portmap.Illegal if none is published.
func (c *Coordinator) Port() portmap.Port {
	return c.snap.Load().ServicePort
}

// LoadPort returns the load port without blocking.
func (c *Coordinator) LoadPort() portmap.Port {
	return c.snap.Load().LoadPort
}

// WaitForLoadPort blocks until the service isolate publishes its load port.
// If the startup attempt in flight ends without publishing one, it returns
// portmap.Illegal. Called before any Run, it blocks until a startup attempt
// concludes.
func (c *Coordinator) WaitForLoadPort() portmap.Port {
	port, _ := c.waitForLoadPort(context.Background())
	return port
}

// WaitForLoadPortContext is WaitForLoadPort with cancellation.
func (c *Coordinator) WaitForLoadPortContext(ctx context.Context) (portmap.Port, error) {
	return c.waitForLoadPort(ctx)
}

func (c *Coordinator) waitForLoadPort(ctx context.Context) (portmap.Port, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	for c.st.loadPort == portmap.Illegal && !c.st.concluded {
		if err := ctx.Err(); err != nil {
			return portmap.Illegal, err
		}
		c.cond.Wait()
	}
	return c.st.loadPort, nil
}

// SendIsolateStartupMessage tells the service isolate that iso started.
// It returns false if the service isolate is not running, if iso belongs to
// the service isolate's own family, or if the message cannot be posted.
func (c *Coordinator) SendIsolateStartupMessage(iso Isolate) bool {
	return c.sendIsolateEvent(message.KindIsolateStartup, iso)
}

// SendIsolateShutdownMessage tells the service isolate that iso is stopping.
// Failures are reported as false and are safe to ignore.
func (c *Coordinator) SendIsolateShutdownMessage(iso Isolate) bool {
	return c.sendIsolateEvent(message.KindIsolateShutdown, iso)
}

func (c *Coordinator) sendIsolateEvent(kind message.Kind, iso Isolate) bool {
	if isNil(iso) {
		return false
	}
	snap := c.snap.Load()
	if !snap.Running() || snap.ServicePort == portmap.Illegal {
		return false
	}
	if snap.Isolate == iso || snap.isDescendant(iso) {
		return false
	}

	log := logger.WithComponent("service-isolate")
	msg, err := c.newIsolateEvent(kind, iso.MainPort(), iso.Name())
	if err != nil {
		log.Error().Err(err).Str("kind", kind.String()).Msg("Failed to build isolate event")
		return false
	}
	if !c.poster.PostMessage(snap.ServicePort, msg) {
		log.Debug().
			Str("kind", kind.String()).
			Str("isolate", iso.Name()).
			Msg("Service port rejected isolate event")
		return false
	}
	return true
}

// ConstructExitMessageAndCache builds the exit message for iso and caches
// it. It must run while allocation is still safe; only the first call per
// coordinator has an effect. With Options.Restartable, later attempts reuse
// that buffer, so its IsolatePort names the first attempt's isolate and must
// not be used to identify the receiver; only its Kind is meaningful.
func (c *Coordinator) ConstructExitMessageAndCache(iso Isolate) error {
	if isNil(iso) {
		return fmt.Errorf("cannot build exit message without an isolate")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitMessage.Load() != nil {
		return nil
	}
	msg, err := c.newExitMessage(iso.MainPort())
	if err != nil {
		return fmt.Errorf("failed to construct exit message: %w", err)
	}
	c.exitMessage.Store(&msg)
	return nil
}

// SendServiceExitMessage posts the cached exit message to the service port.
// It performs no encoding and no allocation, and returns false when there is
// nothing to send or nowhere to send it.
func (c *Coordinator) SendServiceExitMessage() bool {
	msg := c.exitMessage.Load()
	if msg == nil {
		return false
	}
	snap := c.snap.Load()
	if snap.Isolate == nil || snap.ServicePort == portmap.Illegal {
		return false
	}
	return c.poster.PostMessage(snap.ServicePort, *msg)
}
