package serviceisolate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vmservice/internal/assets"
	"vmservice/internal/message"
	"vmservice/internal/portmap"
)

type fakeIsolate struct {
	name   string
	port   portmap.Port
	origin portmap.Port

	mu         sync.Mutex
	libs       map[string]string
	installErr error
}

func (f *fakeIsolate) Name() string           { return f.name }
func (f *fakeIsolate) MainPort() portmap.Port { return f.port }
func (f *fakeIsolate) Origin() portmap.Port   { return f.origin }

func (f *fakeIsolate) InstallLibrary(url, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.installErr != nil {
		return f.installErr
	}
	if f.libs == nil {
		f.libs = make(map[string]string)
	}
	f.libs[url] = source
	return nil
}

func newIsolate(name string, port portmap.Port) *fakeIsolate {
	return &fakeIsolate{name: name, port: port, origin: port}
}

// child returns an isolate spawned by parent.
func child(parent *fakeIsolate, name string, port portmap.Port) *fakeIsolate {
	return &fakeIsolate{name: name, port: port, origin: parent.origin}
}

type fakeSpawner struct {
	mu           sync.Mutex
	err          error
	skipCallback bool
	nextPort     portmap.Port
	requests     []SpawnRequest
	created      []*fakeIsolate
	terminated   []Isolate
	// onSpawn runs after the isolate was created, outside the spawner lock.
	onSpawn func(req SpawnRequest, iso *fakeIsolate)
}

func (s *fakeSpawner) CreateIsolate(ctx context.Context, req SpawnRequest) (Isolate, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	s.nextPort++
	iso := newIsolate(req.Name, 100+s.nextPort)
	s.created = append(s.created, iso)
	skip := s.skipCallback
	hook := s.onSpawn
	s.mu.Unlock()

	if req.OnCreate != nil && !skip {
		if err := req.OnCreate(iso); err != nil {
			return nil, err
		}
	}
	if hook != nil {
		hook(req, iso)
	}
	return iso, nil
}

func (s *fakeSpawner) TerminateIsolate(iso Isolate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = append(s.terminated, iso)
}

func (s *fakeSpawner) lastRequest(t *testing.T) SpawnRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		t.Fatal("no spawn request recorded")
	}
	return s.requests[len(s.requests)-1]
}

func (s *fakeSpawner) lastIsolate(t *testing.T) *fakeIsolate {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.created) == 0 {
		t.Fatal("no isolate created")
	}
	return s.created[len(s.created)-1]
}

func (s *fakeSpawner) terminatedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.terminated)
}

type posted struct {
	port portmap.Port
	msg  []byte
}

type recordingPoster struct {
	mu     sync.Mutex
	reject bool
	msgs   []posted
}

func (p *recordingPoster) PostMessage(port portmap.Port, msg []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject || port == portmap.Illegal {
		return false
	}
	p.msgs = append(p.msgs, posted{port: port, msg: msg})
	return true
}

func (p *recordingPoster) envelopes(t *testing.T) []message.Envelope {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]message.Envelope, 0, len(p.msgs))
	for _, m := range p.msgs {
		env, err := message.Decode(m.msg)
		if err != nil {
			t.Fatalf("decode posted message: %v", err)
		}
		out = append(out, env)
	}
	return out
}

// countingPoster records without allocating.
type countingPoster struct {
	n    int
	last portmap.Port
}

func (p *countingPoster) PostMessage(port portmap.Port, msg []byte) bool {
	p.n++
	p.last = port
	return len(msg) > 0
}

var errSpawn = errors.New("spawn failed")

func testStore() *assets.Store {
	return assets.NewStore(map[string]string{
		assets.ServiceLibraryURL:                   "library vmservice;\nimport 'dart:async';\npart 'message.dart';\n",
		assets.ServiceLibraryURL + "/message.dart": "part of vmservice;\n",
		assets.ServiceScriptURL:                    "library vmservice_io;\nimport 'dart:vmservice';\n",
		"dart:async":                               "library dart.async;\n",
	})
}

type fixture struct {
	c       *Coordinator
	spawner *fakeSpawner
	poster  *recordingPoster
}

func newFixture(opts Options) *fixture {
	sp := &fakeSpawner{}
	po := &recordingPoster{}
	return &fixture{
		c:       New(sp, po, testStore(), opts),
		spawner: sp,
		poster:  po,
	}
}

// start runs the coordinator and returns the admin view of the attempt.
func (f *fixture) start(t *testing.T) Admin {
	t.Helper()
	if err := f.c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return f.spawner.lastRequest(t).Admin
}

// startRunning runs the coordinator and publishes both ports.
func (f *fixture) startRunning(t *testing.T, servicePort, loadPort portmap.Port) Admin {
	t.Helper()
	admin := f.start(t)
	if err := admin.SetServicePort(servicePort); err != nil {
		t.Fatalf("SetServicePort: %v", err)
	}
	if err := admin.SetLoadPort(loadPort); err != nil {
		t.Fatalf("SetLoadPort: %v", err)
	}
	admin.FinishedInitializing()
	return admin
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
