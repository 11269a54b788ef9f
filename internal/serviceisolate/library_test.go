package serviceisolate

import (
	"errors"
	"strings"
	"testing"

	"vmservice/internal/assets"
)

func TestGetSource(t *testing.T) {
	f := newFixture(Options{})

	src, err := f.c.GetSource(assets.ServiceLibraryURL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(src, "library vmservice;") {
		t.Errorf("unexpected source %q", src)
	}

	if _, err := f.c.GetSource("dart:missing"); !errors.Is(err, ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestCanonicalizeURL(t *testing.T) {
	tests := []struct {
		library, url, want string
	}{
		{"dart:vmservice", "message.dart", "dart:vmservice/message.dart"},
		{"dart:vmservice/message.dart", "running_isolate.dart", "dart:vmservice/running_isolate.dart"},
		{"dart:vmservice_io", "dart:vmservice", "dart:vmservice"},
		{"dart:vmservice", "package:foo/foo.dart", "package:foo/foo.dart"},
	}
	for _, tt := range tests {
		if got := CanonicalizeURL(tt.library, tt.url); got != tt.want {
			t.Errorf("CanonicalizeURL(%q, %q) = %q, want %q", tt.library, tt.url, got, tt.want)
		}
	}
}

func TestLibraryTagHandler(t *testing.T) {
	f := newFixture(Options{})
	h := f.c.LibraryTagHandler

	tests := []struct {
		name    string
		tag     LibraryTag
		library string
		url     string
		wantURL string
		wantErr error
	}{
		{"canonicalize relative", TagCanonicalizeURL, "dart:vmservice", "message.dart", "dart:vmservice/message.dart", nil},
		{"script", TagScript, "", assets.ServiceScriptURL, assets.ServiceScriptURL, nil},
		{"builtin import", TagImport, assets.ServiceScriptURL, "dart:vmservice", "dart:vmservice", nil},
		{"foreign import", TagImport, assets.ServiceScriptURL, "dart:io", "", ErrUnsupportedImport},
		{"part source", TagSource, "dart:vmservice", "message.dart", "dart:vmservice/message.dart", nil},
		{"missing part", TagSource, "dart:vmservice", "nope.dart", "", ErrUnknownAsset},
		{"unknown tag", LibraryTag(42), "dart:vmservice", "x", "", ErrUnknownTag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h(tt.tag, tt.library, tt.url)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if res.URL != tt.wantURL {
				t.Errorf("URL = %q, want %q", res.URL, tt.wantURL)
			}
			if tt.tag != TagCanonicalizeURL && res.Source == "" {
				t.Error("expected source text")
			}
		})
	}
}

func TestLibraryTagHandler_RejectsMissingArguments(t *testing.T) {
	f := newFixture(Options{})

	if _, err := f.c.LibraryTagHandler(TagSource, "dart:vmservice", ""); err == nil {
		t.Error("expected error for empty url")
	}
	if _, err := f.c.LibraryTagHandler(TagImport, "", "dart:async"); err == nil {
		t.Error("expected error for import without a library")
	}
}

func TestMaybeInjectVMServiceLibrary(t *testing.T) {
	f := newFixture(Options{InjectServiceLibrary: true})
	f.startRunning(t, 7, 9)
	svc := f.spawner.lastIsolate(t)

	worker := newIsolate("worker", 40)
	if !f.c.MaybeInjectVMServiceLibrary(worker) {
		t.Fatal("expected injection into an ordinary isolate")
	}
	if _, ok := worker.libs[assets.ServiceLibraryURL]; !ok {
		t.Error("service library not installed")
	}

	skipped := map[string]*fakeIsolate{
		"service isolate": svc,
		"descendant":      child(svc, "vm-service-loader", 50),
		"reserved name":   newIsolate(Name, 41),
	}
	for name, iso := range skipped {
		if f.c.MaybeInjectVMServiceLibrary(iso) {
			t.Errorf("%s should not receive the service library", name)
		}
	}

	broken := newIsolate("broken", 42)
	broken.installErr = errors.New("snapshot is read-only")
	if f.c.MaybeInjectVMServiceLibrary(broken) {
		t.Error("failed installation should report false")
	}
}

func TestMaybeInjectVMServiceLibrary_Disabled(t *testing.T) {
	f := newFixture(Options{})
	worker := newIsolate("worker", 40)
	if f.c.MaybeInjectVMServiceLibrary(worker) {
		t.Error("injection disabled by default")
	}
	if len(worker.libs) != 0 {
		t.Error("nothing should be installed")
	}
}
