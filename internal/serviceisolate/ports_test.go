package serviceisolate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vmservice/internal/message"
	"vmservice/internal/portmap"
)

func TestWaitForLoadPort_ConcurrentWaiters(t *testing.T) {
	f := newFixture(Options{})
	admin := f.start(t)

	const waiters = 8
	var returned atomic.Int32
	results := make(chan portmap.Port, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := f.c.WaitForLoadPort()
			returned.Add(1)
			results <- p
		}()
	}

	time.Sleep(20 * time.Millisecond)
	if n := returned.Load(); n != 0 {
		t.Fatalf("%d waiters returned before the load port was published", n)
	}

	if err := admin.SetLoadPort(9); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	close(results)
	for p := range results {
		if p != 9 {
			t.Errorf("waiter got %s, want 9", p)
		}
	}
}

func TestWaitForLoadPort_BlocksBeforeRun(t *testing.T) {
	f := newFixture(Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	p, err := f.c.WaitForLoadPortContext(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if p != portmap.Illegal {
		t.Errorf("expected illegal port, got %s", p)
	}
}

func TestWaitForLoadPort_InitializationWithoutLoadPort(t *testing.T) {
	f := newFixture(Options{})
	admin := f.start(t)

	done := make(chan portmap.Port, 1)
	go func() { done <- f.c.WaitForLoadPort() }()

	admin.FinishedInitializing()

	select {
	case p := <-done:
		if p != portmap.Illegal {
			t.Errorf("expected illegal port, got %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released when initialization ended")
	}
}

func TestSendIsolateStartupMessage_NoServicePort(t *testing.T) {
	f := newFixture(Options{})
	admin := f.start(t)
	admin.FinishedInitializing()

	if f.c.SendIsolateStartupMessage(newIsolate("worker", 40)) {
		t.Error("expected false without a service port")
	}
	if len(f.poster.envelopes(t)) != 0 {
		t.Error("nothing should be posted")
	}
}

func TestSendIsolateStartupMessage_NotRunning(t *testing.T) {
	f := newFixture(Options{})
	if f.c.SendIsolateStartupMessage(newIsolate("worker", 40)) {
		t.Error("expected false before Run")
	}

	admin := f.start(t)
	if err := admin.SetServicePort(7); err != nil {
		t.Fatal(err)
	}
	if f.c.SendIsolateStartupMessage(newIsolate("worker", 40)) {
		t.Error("expected false while initializing")
	}
	if f.c.SendIsolateStartupMessage(nil) {
		t.Error("expected false for nil isolate")
	}
}

func TestSendIsolateEvents_Delivered(t *testing.T) {
	f := newFixture(Options{})
	f.startRunning(t, 7, 9)
	worker := newIsolate("worker", 40)

	if !f.c.SendIsolateStartupMessage(worker) {
		t.Fatal("startup message not sent")
	}
	if !f.c.SendIsolateShutdownMessage(worker) {
		t.Fatal("shutdown message not sent")
	}

	envs := f.poster.envelopes(t)
	if len(envs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(envs))
	}
	if envs[0].Kind != message.KindIsolateStartup || envs[1].Kind != message.KindIsolateShutdown {
		t.Errorf("unexpected kinds %s, %s", envs[0].Kind, envs[1].Kind)
	}
	for _, env := range envs {
		if env.IsolatePort != 40 || env.Name != "worker" {
			t.Errorf("unexpected envelope %+v", env)
		}
	}
	f.poster.mu.Lock()
	defer f.poster.mu.Unlock()
	if f.poster.msgs[0].port != 7 {
		t.Errorf("posted to %s, want 7", f.poster.msgs[0].port)
	}
}

func TestSendIsolateEvents_SkipServiceFamily(t *testing.T) {
	f := newFixture(Options{})
	f.startRunning(t, 7, 9)
	svc := f.spawner.lastIsolate(t)

	if f.c.SendIsolateStartupMessage(svc) {
		t.Error("service isolate must not report itself")
	}
	if f.c.SendIsolateStartupMessage(child(svc, "vm-service-loader", 50)) {
		t.Error("descendants must not be reported")
	}
}

func TestSendIsolateShutdownMessage_PostRejected(t *testing.T) {
	f := newFixture(Options{})
	f.startRunning(t, 7, 9)
	f.poster.reject = true

	if f.c.SendIsolateShutdownMessage(newIsolate("worker", 40)) {
		t.Error("expected false when the port rejects the message")
	}
}

func TestSendServiceExitMessage_NoIsolate(t *testing.T) {
	f := newFixture(Options{})
	if f.c.SendServiceExitMessage() {
		t.Error("expected false without a service isolate")
	}
}

func TestSendServiceExitMessage_NoAllocation(t *testing.T) {
	sp := &fakeSpawner{}
	po := &countingPoster{}
	c := New(sp, po, testStore(), Options{})
	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	admin := sp.lastRequest(t).Admin
	if err := admin.SetServicePort(7); err != nil {
		t.Fatal(err)
	}
	admin.FinishedInitializing()

	// Encoding is unavailable from here on; the cached buffer still goes out.
	errEncode := errors.New("out of memory")
	c.newExitMessage = func(portmap.Port) ([]byte, error) { return nil, errEncode }
	c.newIsolateEvent = func(message.Kind, portmap.Port, string) ([]byte, error) { return nil, errEncode }

	allocs := testing.AllocsPerRun(100, func() {
		if !c.SendServiceExitMessage() {
			t.Fatal("exit message not sent")
		}
	})
	if allocs != 0 {
		t.Errorf("SendServiceExitMessage allocated %.1f times per call", allocs)
	}
	if po.last != 7 {
		t.Errorf("posted to %s, want 7", po.last)
	}
	if c.SendIsolateStartupMessage(newIsolate("worker", 40)) {
		t.Error("startup message should fail when encoding fails")
	}
}

func TestConstructExitMessageAndCache_FirstCallWins(t *testing.T) {
	f := newFixture(Options{})
	var built int
	f.c.newExitMessage = func(p portmap.Port) ([]byte, error) {
		built++
		return message.ServiceExit(p)
	}

	if err := f.c.ConstructExitMessageAndCache(newIsolate("a", 1)); err != nil {
		t.Fatal(err)
	}
	if err := f.c.ConstructExitMessageAndCache(newIsolate("b", 2)); err != nil {
		t.Fatal(err)
	}
	if built != 1 {
		t.Errorf("exit message built %d times", built)
	}

	env, err := message.Decode(*f.c.exitMessage.Load())
	if err != nil {
		t.Fatal(err)
	}
	if env.Kind != message.KindServiceExit || env.IsolatePort != 1 {
		t.Errorf("unexpected cached message %+v", env)
	}
}

func TestConstructExitMessageAndCache_Errors(t *testing.T) {
	f := newFixture(Options{})
	if err := f.c.ConstructExitMessageAndCache(nil); err == nil {
		t.Error("expected error for nil isolate")
	}

	f.c.newExitMessage = func(portmap.Port) ([]byte, error) { return nil, errSpawn }
	if err := f.c.ConstructExitMessageAndCache(newIsolate("a", 1)); !errors.Is(err, errSpawn) {
		t.Errorf("expected wrapped encode error, got %v", err)
	}
	if f.c.exitMessage.Load() != nil {
		t.Error("failed construction must not cache")
	}
}
