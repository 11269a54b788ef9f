// Package assets holds the source text of the builtin libraries that make up
// the service isolate's program.
package assets

import (
	"embed"
	"sort"
)

//go:embed sources/*.dart
var sources embed.FS

// Library URLs served by the builtin store.
const (
	ServiceLibraryURL = "dart:vmservice"
	ServiceScriptURL  = "dart:vmservice_io"
)

// manifest maps canonical URLs to embedded files.
var manifest = map[string]string{
	ServiceLibraryURL:                            "sources/vmservice.dart",
	ServiceLibraryURL + "/message.dart":          "sources/message.dart",
	ServiceLibraryURL + "/running_isolate.dart":  "sources/running_isolate.dart",
	ServiceLibraryURL + "/running_isolates.dart": "sources/running_isolates.dart",
	ServiceScriptURL:                             "sources/vmservice_io.dart",
	ServiceScriptURL + "/loader.dart":            "sources/loader.dart",
	ServiceScriptURL + "/server.dart":            "sources/server.dart",
}

// Store is a read-only lookup of builtin source text.
type Store struct {
	files map[string]string
}

// Builtin returns the store backed by the embedded sources.
func Builtin() *Store {
	files := make(map[string]string, len(manifest))
	for url, path := range manifest {
		data, err := sources.ReadFile(path)
		if err != nil {
			// The manifest and the embed pattern are compiled together.
			panic("assets: missing embedded source " + path)
		}
		files[url] = string(data)
	}
	return &Store{files: files}
}

// NewStore builds a store from explicit contents.
func NewStore(files map[string]string) *Store {
	cp := make(map[string]string, len(files))
	for k, v := range files {
		cp[k] = v
	}
	return &Store{files: cp}
}

// Lookup returns the source registered under name.
func (s *Store) Lookup(name string) (string, bool) {
	src, ok := s.files[name]
	return src, ok
}

// Names lists every registered URL in sorted order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
