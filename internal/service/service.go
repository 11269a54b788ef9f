// Package service runs the daemon under the host's service manager: signals
// on Unix, the Service Control Manager on Windows.
package service

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultStopTimeout bounds how long a stop request waits for RunFunc.
const DefaultStopTimeout = 30 * time.Second

// ErrStopTimeout is returned when RunFunc did not return within StopTimeout.
var ErrStopTimeout = errors.New("service did not stop in time")

// Service is a platform service runner.
type Service interface {
	// Run starts RunFunc and blocks until it returns or the service is stopped.
	Run(ctx context.Context) error
	// Stop cancels the context passed to RunFunc.
	Stop() error
	// IsService reports whether the process runs under a service manager.
	IsService() bool
}

// RunFunc is the daemon body. It must return once ctx is done.
type RunFunc func(ctx context.Context) error

// Options configures NewService.
type Options struct {
	// Name is the registered service name (Windows SCM, event log source).
	Name        string
	StopTimeout time.Duration
	// OnReload runs on SIGHUP or a Windows parameter-change request.
	OnReload func()
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "vmserviced"
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	return o
}

// canceller cancels the run context at most once.
type canceller struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

func (c *canceller) bind(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		cancel()
	}
	return ctx
}

func (c *canceller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		if c.cancel != nil {
			c.cancel()
		}
	}
	return nil
}

// start runs fn on its own goroutine and returns its result channel.
func start(ctx context.Context, fn RunFunc) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()
	return done
}

// awaitStop waits for done after a stop request.
func awaitStop(done <-chan error, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		return ErrStopTimeout
	}
}
