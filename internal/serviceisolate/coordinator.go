package serviceisolate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"vmservice/internal/logger"
	"vmservice/internal/message"
	"vmservice/internal/portmap"
)

// DefaultShutdownTimeout bounds how long Shutdown waits for a cooperative exit.
const DefaultShutdownTimeout = 5 * time.Second

// Observer receives every published Snapshot, in mutation order. It runs with
// the coordinator's monitor held and must not call Run, Shutdown or any Admin
// method.
type Observer func(Snapshot)

// Options configures a Coordinator.
type Options struct {
	// ShutdownTimeout is how long Shutdown waits after sending the exit
	// message before terminating the isolate.
	ShutdownTimeout time.Duration
	// InjectServiceLibrary enables MaybeInjectVMServiceLibrary.
	InjectServiceLibrary bool
	// Restartable allows Run again after a full teardown.
	Restartable bool
	Clock       clock.Clock
	Observers   []Observer
}

// Coordinator owns the service isolate state.
type Coordinator struct {
	spawner Spawner
	poster  Poster
	assets  AssetStore
	opts    Options
	clock   clock.Clock

	// opMu serialises Run and Shutdown. It is always taken before mu.
	opMu sync.Mutex

	mu   sync.Mutex
	cond *sync.Cond
	st   state

	snap        atomic.Pointer[Snapshot]
	exitMessage atomic.Pointer[[]byte]

	newExitMessage  func(isolatePort portmap.Port) ([]byte, error)
	newIsolateEvent func(kind message.Kind, port portmap.Port, name string) ([]byte, error)
}

// New creates a coordinator in the Absent phase.
func New(spawner Spawner, poster Poster, assets AssetStore, opts Options) *Coordinator {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	c := &Coordinator{
		spawner:         spawner,
		poster:          poster,
		assets:          assets,
		opts:            opts,
		clock:           clk,
		newExitMessage:  message.ServiceExit,
		newIsolateEvent: message.IsolateEvent,
	}
	c.cond = sync.NewCond(&c.mu)
	c.snap.Store(c.st.snapshot())
	return c
}

// Snapshot returns the most recently published state.
func (c *Coordinator) Snapshot() Snapshot {
	return *c.snap.Load()
}

// Phase returns the current lifecycle phase.
func (c *Coordinator) Phase() Phase {
	return c.snap.Load().Phase()
}

// Exists reports whether a service isolate is attached (initializing,
// running or shutting down).
func (c *Coordinator) Exists() bool {
	return c.snap.Load().Exists()
}

// IsRunning reports whether the service isolate finished initializing and is
// not shutting down.
func (c *Coordinator) IsRunning() bool {
	return c.snap.Load().Running()
}

// publishLocked stores a fresh snapshot and notifies observers. c.mu must be held.
func (c *Coordinator) publishLocked() {
	snap := c.st.snapshot()
	c.snap.Store(snap)
	for _, obs := range c.opts.Observers {
		obs(*snap)
	}
}

// CreateCallback returns the creation callback for the spawn attempt in
// flight. Spawners normally receive it through SpawnRequest.OnCreate.
func (c *Coordinator) CreateCallback() CreateCallback {
	c.mu.Lock()
	gen := c.st.attempts
	c.mu.Unlock()
	return c.createCallback(&adminView{c: c, gen: gen})
}

func (c *Coordinator) createCallback(admin *adminView) CreateCallback {
	return func(iso Isolate) error {
		if err := admin.SetServiceIsolate(iso); err != nil {
			return err
		}
		if err := c.ConstructExitMessageAndCache(iso); err != nil {
			log := logger.WithComponent("service-isolate")
			log.Warn().Err(err).Msg("Exit message unavailable, shutdown will terminate the isolate")
		}
		return nil
	}
}

// Run spawns the service isolate. It returns once the Spawner created the
// isolate; initialization continues on the isolate's own goroutine. On
// failure the state is rolled back to Absent.
func (c *Coordinator) Run(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	log := logger.WithComponent("service-isolate")

	c.mu.Lock()
	if c.st.isolate != nil || c.st.initializing {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if c.st.used && !c.opts.Restartable {
		c.mu.Unlock()
		return ErrSingleUse
	}
	c.st.attempts++
	admin := &adminView{c: c, gen: c.st.attempts}
	c.st.initializing = true
	c.st.concluded = false
	c.publishLocked()
	c.mu.Unlock()

	log.Info().Uint64("attempt", admin.gen).Msg("Spawning service isolate")

	iso, err := c.spawner.CreateIsolate(ctx, SpawnRequest{
		Kind:       SpawnService,
		Name:       Name,
		OnCreate:   c.createCallback(admin),
		TagHandler: c.LibraryTagHandler,
		Admin:      admin,
	})
	if err == nil && isNil(iso) {
		err = errors.New("spawner returned no isolate")
	}
	if err != nil {
		c.rollback(admin.gen)
		log.Error().Err(err).Msg("Failed to spawn service isolate")
		return fmt.Errorf("failed to spawn service isolate: %w", err)
	}

	// Spawners that skip the creation callback still get the isolate attached.
	if err := admin.SetServiceIsolate(iso); err == nil {
		if err := c.ConstructExitMessageAndCache(iso); err != nil {
			log.Warn().Err(err).Msg("Exit message unavailable, shutdown will terminate the isolate")
		}
	}

	c.mu.Lock()
	c.st.used = true
	c.mu.Unlock()

	log.Info().
		Str("isolate", iso.Name()).
		Str("main_port", iso.MainPort().String()).
		Msg("Service isolate spawned")
	return nil
}

func (c *Coordinator) rollback(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.attempts != gen {
		return
	}
	c.st.clear()
	c.publishLocked()
	c.cond.Broadcast()
}

// Shutdown asks the service isolate to exit and waits up to
// Options.ShutdownTimeout, or until ctx is done, before terminating it. On
// return the state is Absent. ErrForcedKill reports that termination was
// needed; it is informational and never retried.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	log := logger.WithComponent("service-isolate")

	c.mu.Lock()
	if c.st.isolate == nil {
		c.mu.Unlock()
		return nil
	}
	gen := c.st.generation

	expired := false
	timer := c.clock.AfterFunc(c.opts.ShutdownTimeout, func() {
		c.mu.Lock()
		expired = true
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()
	stopCtx := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stopCtx()

	if c.st.initializing {
		log.Warn().Msg("Shutdown requested while service isolate is initializing")
		c.st.initializing = false
		c.st.concluded = true
	}
	c.st.shuttingDown = true
	c.publishLocked()
	c.cond.Broadcast()
	c.mu.Unlock()

	log.Info().Dur("timeout", c.opts.ShutdownTimeout).Msg("Shutting down service isolate")

	sent := c.SendServiceExitMessage()
	if !sent {
		log.Warn().Msg("Exit message could not be delivered")
	}

	c.mu.Lock()
	for sent && !expired && ctx.Err() == nil && c.st.generation == gen && c.st.isolate != nil {
		c.cond.Wait()
	}
	exited := c.st.generation != gen || c.st.isolate == nil
	c.mu.Unlock()

	if exited {
		log.Info().Msg("Service isolate exited")
		return nil
	}

	log.Warn().
		Bool("exit_sent", sent).
		Bool("ctx_done", ctx.Err() != nil).
		Msg("Service isolate did not exit, terminating")
	c.killServiceIsolate(gen)
	return ErrForcedKill
}

// killServiceIsolate terminates the isolate of attempt gen through the
// Spawner and clears the state without waiting for the isolate to confirm.
func (c *Coordinator) killServiceIsolate(gen uint64) {
	c.mu.Lock()
	if c.st.generation != gen || c.st.isolate == nil {
		c.mu.Unlock()
		return
	}
	iso := c.st.isolate
	if !c.st.shuttingDown {
		c.st.shuttingDown = true
		c.st.initializing = false
		c.st.concluded = true
		c.publishLocked()
	}
	c.mu.Unlock()

	log := logger.WithComponent("service-isolate")

	log.Warn().
		Str("main_port", iso.MainPort().String()).
		Msg("Terminating service isolate")
	c.spawner.TerminateIsolate(iso)
	c.finishedExiting(gen)
}

func (c *Coordinator) finishedExiting(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.generation != gen || c.st.isolate == nil {
		return
	}
	c.st.clear()
	c.publishLocked()
	c.cond.Broadcast()
}
