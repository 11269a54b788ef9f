package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vmservice/internal/config"
	"vmservice/internal/journal"
)

func testConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lifecycle.jsonl")
	cfg := config.DefaultConfig()
	cfg.Hostname = "test-host"
	cfg.Journal.Type = "file"
	cfg.Journal.File.FilePath = path
	cfg.Service.ShutdownTimeout = 2 * time.Second
	return cfg, path
}

func readJournal(t *testing.T, path string) []journal.Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()

	var events []journal.Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev journal.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad journal line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestDaemon_RunAndShutdown(t *testing.T) {
	cfg, path := testConfig(t)
	d, err := newDaemon(cfg)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx, 2) }()

	deadline := time.Now().Add(5 * time.Second)
	for !(d.coordinator.IsRunning() && len(d.runtime.ListIsolates()) == 2) {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("service isolate and demo isolates did not come up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	if d.coordinator.Exists() {
		t.Error("service isolate still attached after shutdown")
	}
	if n := d.runtime.Count(); n != 0 {
		t.Errorf("%d isolates still alive", n)
	}

	events := readJournal(t, path)
	if len(events) < 3 {
		t.Fatalf("expected at least 3 journal events, got %d", len(events))
	}
	if events[0].Phase != "initializing" {
		t.Errorf("first phase = %q, want initializing", events[0].Phase)
	}
	if last := events[len(events)-1]; last.Phase != "absent" {
		t.Errorf("last phase = %q, want absent", last.Phase)
	}
	sawRunning := false
	for _, ev := range events {
		if ev.Host != "test-host" {
			t.Errorf("event host = %q", ev.Host)
		}
		if ev.Phase == "running" && ev.LoadPort != 0 {
			sawRunning = true
		}
	}
	if !sawRunning {
		t.Error("no running event with a load port")
	}
}

func TestNewDaemon_BadJournal(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Journal.Type = "carrier-pigeon"
	if _, err := newDaemon(cfg); err == nil {
		t.Fatal("expected error for unknown journal type")
	}
}

func TestNewDaemon_DirectoryWithoutAddress(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Directory.Enabled = true
	cfg.Directory.Address = ""
	if _, err := newDaemon(cfg); err == nil {
		t.Fatal("expected error for directory without address")
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "vmserviced dev") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestRunCommand_MissingConfig(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	cmd := newRootCommand()
	cmd.SetArgs([]string{"run", "--config", "missing.json", "--logging", "missing-logging.json"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing config")
	}
	if _, err := os.Stat(filepath.Join(dir, startupErrorLogDir, "startup-error.log")); err != nil {
		t.Errorf("startup error file not written: %v", err)
	}
}

func TestDaemon_RunContinuesWhenServiceIsolateFails(t *testing.T) {
	cfg, _ := testConfig(t)
	d, err := newDaemon(cfg)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}

	// Use up the single run so the daemon's own start is refused.
	if err := d.coordinator.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := d.coordinator.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx, 1) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(d.runtime.ListIsolates()) != 1 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("demo isolate did not come up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case err := <-done:
		t.Fatalf("run returned early: %v", err)
	default:
	}
	if d.coordinator.Exists() {
		t.Error("service isolate should not be attached")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
