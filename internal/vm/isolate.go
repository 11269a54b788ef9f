package vm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"vmservice/internal/portmap"
)

// Isolate is one unit of execution owned by a Runtime. It has a private inbox
// reachable through its main port.
type Isolate struct {
	id     uuid.UUID
	name   string
	port   portmap.Port
	origin portmap.Port
	inbox  <-chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	libraries map[string]string
	err       error
}

func (i *Isolate) ID() uuid.UUID          { return i.id }
func (i *Isolate) Name() string           { return i.name }
func (i *Isolate) MainPort() portmap.Port { return i.port }
func (i *Isolate) Origin() portmap.Port   { return i.origin }

// Inbox delivers messages posted to the main port. It is closed when the
// isolate exits.
func (i *Isolate) Inbox() <-chan []byte { return i.inbox }

// Context is cancelled when the isolate is terminated.
func (i *Isolate) Context() context.Context { return i.ctx }

// Done is closed once the isolate has exited and its port is closed.
func (i *Isolate) Done() <-chan struct{} { return i.done }

// Err returns the error the isolate's body exited with.
func (i *Isolate) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

// InstallLibrary adds a library to the isolate before it runs.
func (i *Isolate) InstallLibrary(url, source string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.libraries[url]; ok {
		return fmt.Errorf("library %s already installed in %s", url, i.name)
	}
	i.libraries[url] = source
	return nil
}

// Library returns the source of an installed library.
func (i *Isolate) Library(url string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	src, ok := i.libraries[url]
	return src, ok
}

// Libraries lists installed library URLs in sorted order.
func (i *Isolate) Libraries() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	urls := make([]string, 0, len(i.libraries))
	for url := range i.libraries {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

func (i *Isolate) String() string {
	return fmt.Sprintf("%s(%s)", i.name, i.port)
}

func (i *Isolate) setErr(err error) {
	i.mu.Lock()
	i.err = err
	i.mu.Unlock()
}
