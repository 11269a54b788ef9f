// Package vm is the in-process runtime that hosts isolates and the service
// isolate's program.
package vm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"vmservice/internal/logger"
	"vmservice/internal/portmap"
	"vmservice/internal/serviceisolate"
)

// Config bounds the runtime.
type Config struct {
	// MaxIsolates limits live isolates, the service isolate included. Zero
	// means no limit.
	MaxIsolates int
	// InboxCapacity is the queue length of every main port.
	InboxCapacity int
}

// DefaultInboxCapacity is used when Config.InboxCapacity is not set.
const DefaultInboxCapacity = 128

// ServiceHooks is what the runtime calls into the service isolate
// coordinator for. *serviceisolate.Coordinator implements it.
type ServiceHooks interface {
	MaybeInjectVMServiceLibrary(iso serviceisolate.LibraryInstaller) bool
	SendIsolateStartupMessage(iso serviceisolate.Isolate) bool
	SendIsolateShutdownMessage(iso serviceisolate.Isolate) bool
	IsServiceIsolate(iso serviceisolate.Isolate) bool
	IsServiceIsolateDescendant(iso serviceisolate.Isolate) bool
}

// Main is the body of an ordinary isolate. The isolate exits when it returns.
type Main func(iso *Isolate) error

// Runtime creates, tracks and destroys isolates. It implements
// serviceisolate.Spawner.
type Runtime struct {
	ports *portmap.Map
	cfg   Config

	mu       sync.Mutex
	hooks    ServiceHooks
	isolates map[portmap.Port]*Isolate
	closed   bool
	wg       sync.WaitGroup

	registry *Registry
}

// NewRuntime creates a runtime that opens main ports in ports.
func NewRuntime(ports *portmap.Map, cfg Config) *Runtime {
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = DefaultInboxCapacity
	}
	return &Runtime{
		ports:    ports,
		cfg:      cfg,
		isolates: make(map[portmap.Port]*Isolate),
		registry: NewRegistry(),
	}
}

// Attach connects the runtime to the service isolate coordinator. Isolates
// spawned before Attach are not reported.
func (r *Runtime) Attach(h ServiceHooks) {
	r.mu.Lock()
	r.hooks = h
	r.mu.Unlock()
}

func (r *Runtime) serviceHooks() ServiceHooks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hooks
}

// Registry is the service isolate's view of running isolates.
func (r *Runtime) Registry() *Registry {
	return r.registry
}

// Ports returns the port map the runtime opens main ports in.
func (r *Runtime) Ports() *portmap.Map {
	return r.ports
}

// newIsolate registers a fresh isolate. A nil parent makes it the root of its
// own spawn chain.
func (r *Runtime) newIsolate(ctx context.Context, name string, parent *Isolate) (*Isolate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if r.cfg.MaxIsolates > 0 && len(r.isolates) >= r.cfg.MaxIsolates {
		return nil, fmt.Errorf("%w: %d live isolates", ErrResourcesExhausted, len(r.isolates))
	}

	port, inbox := r.ports.Open(r.cfg.InboxCapacity)
	origin := port
	if parent != nil {
		origin = parent.origin
	}
	ictx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	iso := &Isolate{
		id:        uuid.New(),
		name:      name,
		port:      port,
		origin:    origin,
		inbox:     inbox,
		ctx:       ictx,
		cancel:    cancel,
		done:      make(chan struct{}),
		libraries: make(map[string]string),
	}
	r.isolates[port] = iso
	r.wg.Add(1)
	return iso, nil
}

// exit closes the isolate's port and removes it.
func (r *Runtime) exit(iso *Isolate) {
	iso.once.Do(func() {
		iso.cancel()
		r.mu.Lock()
		delete(r.isolates, iso.port)
		r.mu.Unlock()
		r.ports.Close(iso.port)
		close(iso.done)
		r.wg.Done()
	})
}

// Spawn starts an ordinary isolate running main. The reserved service
// isolate name is rejected.
func (r *Runtime) Spawn(ctx context.Context, name string, parent *Isolate, main Main) (*Isolate, error) {
	if serviceisolate.NameEquals(name) {
		return nil, fmt.Errorf("%w: %s", ErrReservedName, name)
	}
	return r.spawn(ctx, name, parent, main)
}

func (r *Runtime) spawn(ctx context.Context, name string, parent *Isolate, main Main) (*Isolate, error) {
	iso, err := r.newIsolate(ctx, name, parent)
	if err != nil {
		return nil, err
	}
	hooks := r.serviceHooks()
	if hooks != nil {
		hooks.MaybeInjectVMServiceLibrary(iso)
	}

	log := logger.WithComponent("vm")
	log.Debug().Str("isolate", iso.String()).Str("id", iso.id.String()).Msg("Isolate spawned")

	go func() {
		defer r.exit(iso)
		if hooks != nil {
			hooks.SendIsolateStartupMessage(iso)
		}
		if err := main(iso); err != nil {
			iso.setErr(err)
			log.Warn().Err(err).Str("isolate", iso.String()).Msg("Isolate exited with error")
		}
		if hooks != nil {
			hooks.SendIsolateShutdownMessage(iso)
		}
	}()
	return iso, nil
}

// CreateIsolate implements serviceisolate.Spawner. Service spawns run the
// creation callback before the service program starts; ordinary spawns idle
// until terminated.
func (r *Runtime) CreateIsolate(ctx context.Context, req serviceisolate.SpawnRequest) (serviceisolate.Isolate, error) {
	if req.Kind != serviceisolate.SpawnService {
		return r.Spawn(ctx, req.Name, nil, idle)
	}

	iso, err := r.newIsolate(ctx, req.Name, nil)
	if err != nil {
		return nil, err
	}
	if req.OnCreate != nil {
		if err := req.OnCreate(iso); err != nil {
			r.exit(iso)
			return nil, fmt.Errorf("creation callback: %w", err)
		}
	}

	prog := &serviceProgram{
		rt:       r,
		iso:      iso,
		admin:    req.Admin,
		tags:     req.TagHandler,
		registry: r.registry,
	}
	go prog.run()
	return iso, nil
}

// TerminateIsolate cancels the isolate's context. It does not wait for the
// isolate to exit.
func (r *Runtime) TerminateIsolate(iso serviceisolate.Isolate) {
	if iso == nil {
		return
	}
	r.mu.Lock()
	target := r.isolates[iso.MainPort()]
	r.mu.Unlock()
	if target == nil {
		return
	}
	log := logger.WithComponent("vm")
	log.Info().Str("isolate", target.String()).Msg("Terminating isolate")
	target.cancel()
}

// Lookup returns the live isolate with the given main port.
func (r *Runtime) Lookup(port portmap.Port) (*Isolate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	iso, ok := r.isolates[port]
	return iso, ok
}

// Count returns the number of live isolates.
func (r *Runtime) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.isolates)
}

// ListIsolates returns live user isolates ordered by port. The service
// isolate, its descendants and anything using the reserved name are hidden.
func (r *Runtime) ListIsolates() []*Isolate {
	hooks := r.serviceHooks()
	r.mu.Lock()
	all := make([]*Isolate, 0, len(r.isolates))
	for _, iso := range r.isolates {
		all = append(all, iso)
	}
	r.mu.Unlock()

	out := all[:0]
	for _, iso := range all {
		if serviceisolate.NameEquals(iso.name) {
			continue
		}
		if hooks != nil && (hooks.IsServiceIsolate(iso) || hooks.IsServiceIsolateDescendant(iso)) {
			continue
		}
		out = append(out, iso)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].port < out[b].port })
	return out
}

// Close terminates every isolate and waits until all have exited. Spawns
// after Close fail with ErrClosed.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	live := make([]*Isolate, 0, len(r.isolates))
	for _, iso := range r.isolates {
		live = append(live, iso)
	}
	r.mu.Unlock()

	for _, iso := range live {
		iso.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for isolates to exit: %w", ctx.Err())
	}
}

func idle(iso *Isolate) error {
	<-iso.ctx.Done()
	return nil
}
