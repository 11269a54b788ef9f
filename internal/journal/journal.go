// Package journal records service isolate lifecycle transitions to an
// external sink.
package journal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"vmservice/internal/logger"
	"vmservice/internal/serviceisolate"
)

// Event is one recorded lifecycle transition.
type Event struct {
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	Host        string    `json:"host"`
	Phase       string    `json:"phase"`
	Attempt     uint64    `json:"attempt"`
	Isolate     string    `json:"isolate,omitempty"`
	ServicePort int64     `json:"service_port"`
	LoadPort    int64     `json:"load_port"`
}

// Sink persists events. Write is called from a single goroutine.
type Sink interface {
	Write(ctx context.Context, ev Event) error
	Close() error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Write(context.Context, Event) error { return nil }
func (NopSink) Close() error                       { return nil }

// transition identifies a snapshot for deduplication.
type transition struct {
	phase       serviceisolate.Phase
	attempt     uint64
	servicePort int64
	loadPort    int64
}

// Recorder queues events and writes them to a Sink on its own goroutine, so
// Observe never blocks the coordinator. Events are dropped when the queue is
// full.
type Recorder struct {
	sink Sink
	host string
	ch   chan Event
	done chan struct{}
	now  func() time.Time

	// writeCtx is passed to Sink.Write and cancelled by Close once flushing
	// is over, so a stalled sink cannot block Close.
	writeCtx    context.Context
	cancelWrite context.CancelFunc

	mu     sync.Mutex
	last   transition
	seen   bool
	closed bool

	dropped atomic.Uint64
	written atomic.Uint64
}

// NewRecorder starts a recorder with a queue of bufSize events.
func NewRecorder(sink Sink, host string, bufSize int) *Recorder {
	if bufSize < 1 {
		bufSize = 1
	}
	r := &Recorder{
		sink: sink,
		host: host,
		ch:   make(chan Event, bufSize),
		done: make(chan struct{}),
		now:  time.Now,
	}
	r.writeCtx, r.cancelWrite = context.WithCancel(context.Background())
	go r.drain()
	return r
}

// Observe converts a snapshot into an event. Snapshots that change nothing
// visible (same phase, attempt and ports) are skipped. It is safe to
// register as a serviceisolate.Observer.
func (r *Recorder) Observe(s serviceisolate.Snapshot) {
	tr := transition{
		phase:       s.Phase(),
		attempt:     s.Attempt,
		servicePort: int64(s.ServicePort),
		loadPort:    int64(s.LoadPort),
	}

	r.mu.Lock()
	if r.seen && r.last == tr {
		r.mu.Unlock()
		return
	}
	r.last = tr
	r.seen = true
	r.mu.Unlock()

	ev := Event{
		Phase:       tr.phase.String(),
		Attempt:     tr.attempt,
		ServicePort: tr.servicePort,
		LoadPort:    tr.loadPort,
	}
	if s.Isolate != nil {
		ev.Isolate = s.Isolate.Name()
	}
	r.Record(ev)
}

// Record queues ev, filling in ID, Time and Host when unset. It reports
// whether the event was accepted.
func (r *Recorder) Record(ev Event) bool {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = r.now()
	}
	if ev.Host == "" {
		ev.Host = r.host
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped.Add(1)
		return false
	}
	select {
	case r.ch <- ev:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Dropped returns how many events were discarded.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns how many events reached the sink.
func (r *Recorder) Written() uint64 { return r.written.Load() }

func (r *Recorder) drain() {
	defer close(r.done)
	log := logger.WithComponent("journal")
	for ev := range r.ch {
		if err := r.sink.Write(r.writeCtx, ev); err != nil {
			log.Warn().Err(err).Str("phase", ev.Phase).Msg("Failed to write lifecycle event")
			continue
		}
		r.written.Add(1)
	}
}

// Close flushes queued events, then closes the sink. If ctx ends first the
// in-flight Write is cancelled, the sink is closed anyway and the remaining
// events are lost.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	var flushErr error
	select {
	case <-r.done:
	case <-ctx.Done():
		flushErr = fmt.Errorf("journal flush interrupted: %w", ctx.Err())
	}
	r.cancelWrite()
	if err := r.sink.Close(); err != nil {
		return err
	}
	return flushErr
}
