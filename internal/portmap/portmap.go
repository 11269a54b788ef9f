// Package portmap provides addressable message inboxes shared by all isolates in a process.
package portmap

import (
	"strconv"
	"sync"
)

// Port is an opaque, comparable address of an isolate inbox.
type Port int64

// Illegal is the reserved empty port. No inbox is ever opened on it.
const Illegal Port = 0

// String renders the port for logs.
func (p Port) String() string {
	if p == Illegal {
		return "illegal"
	}
	return strconv.FormatInt(int64(p), 10)
}

type inbox struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// Map owns the set of open ports. Delivery is non-blocking: a full or closed
// inbox rejects the message instead of stalling the sender.
type Map struct {
	mu    sync.RWMutex
	next  Port
	boxes map[Port]*inbox
}

// New creates an empty port map.
func New() *Map {
	return &Map{boxes: make(map[Port]*inbox)}
}

// Open allocates a new port whose inbox buffers up to capacity messages.
// The returned channel is closed when the port is closed.
func (m *Map) Open(capacity int) (Port, <-chan []byte) {
	if capacity < 1 {
		capacity = 1
	}
	box := &inbox{ch: make(chan []byte, capacity)}

	m.mu.Lock()
	m.next++
	p := m.next
	m.boxes[p] = box
	m.mu.Unlock()

	return p, box.ch
}

// Close removes the port. Messages already queued stay readable until the
// channel is drained. Returns false if the port was not open.
func (m *Map) Close(p Port) bool {
	m.mu.Lock()
	box, ok := m.boxes[p]
	delete(m.boxes, p)
	m.mu.Unlock()
	if !ok {
		return false
	}

	box.mu.Lock()
	box.closed = true
	close(box.ch)
	box.mu.Unlock()
	return true
}

// PostMessage enqueues msg on the inbox of p. The slice is handed over as is;
// callers must not modify it afterwards. It does not allocate.
func (m *Map) PostMessage(p Port, msg []byte) bool {
	if p == Illegal {
		return false
	}
	m.mu.RLock()
	box, ok := m.boxes[p]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	box.mu.Lock()
	defer box.mu.Unlock()
	if box.closed {
		return false
	}
	select {
	case box.ch <- msg:
		return true
	default:
		return false
	}
}

// IsOpen reports whether p currently has an inbox.
func (m *Map) IsOpen(p Port) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.boxes[p]
	return ok
}

// Len returns the number of open ports.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.boxes)
}
