package vm

import (
	"fmt"
	"regexp"

	"vmservice/internal/message"
	"vmservice/internal/portmap"
	"vmservice/internal/serviceisolate"
)

// coreLibraries are part of every isolate and never requested from the tag
// handler.
var coreLibraries = map[string]bool{
	"dart:core":    true,
	"dart:async":   true,
	"dart:isolate": true,
}

var directiveRE = regexp.MustCompile(`(?m)^\s*(import|part)\s+'([^']+)'\s*;`)

// Library is one loaded library and the parts compiled into it.
type Library struct {
	URL     string
	Source  string
	Imports []string
	Parts   map[string]string
}

// Graph is the set of libraries reachable from a root script.
type Graph struct {
	Root  string
	order []string
	libs  map[string]*Library
}

// Libraries returns every loaded library in load order.
func (g *Graph) Libraries() []*Library {
	out := make([]*Library, 0, len(g.order))
	for _, url := range g.order {
		out = append(out, g.libs[url])
	}
	return out
}

// Library returns the loaded library with the given canonical URL.
func (g *Graph) Library(url string) (*Library, bool) {
	lib, ok := g.libs[url]
	return lib, ok
}

// Load resolves root and everything it imports through tags.
func Load(tags serviceisolate.TagHandler, root string) (*Graph, error) {
	res, err := tags(serviceisolate.TagScript, "", root)
	if err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", root, err)
	}
	g := &Graph{Root: res.URL, libs: make(map[string]*Library)}

	queue := []serviceisolate.Resolution{res}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, seen := g.libs[next.URL]; seen {
			continue
		}
		lib := &Library{URL: next.URL, Source: next.Source, Parts: make(map[string]string)}
		g.libs[lib.URL] = lib
		g.order = append(g.order, lib.URL)

		for _, m := range directiveRE.FindAllStringSubmatch(lib.Source, -1) {
			kind, url := m[1], m[2]
			if kind == "part" {
				part, err := tags(serviceisolate.TagSource, lib.URL, url)
				if err != nil {
					return nil, fmt.Errorf("failed to load part %s of %s: %w", url, lib.URL, err)
				}
				lib.Parts[part.URL] = part.Source
				continue
			}

			if coreLibraries[url] {
				continue
			}
			canon, err := tags(serviceisolate.TagCanonicalizeURL, lib.URL, url)
			if err != nil {
				return nil, err
			}
			lib.Imports = append(lib.Imports, canon.URL)
			if _, seen := g.libs[canon.URL]; seen {
				continue
			}
			imp, err := tags(serviceisolate.TagImport, lib.URL, url)
			if err != nil {
				return nil, fmt.Errorf("failed to import %s from %s: %w", url, lib.URL, err)
			}
			queue = append(queue, imp)
		}
	}
	return g, nil
}

// serveLoads is the loader helper's body: it answers load requests with the
// builtin source text.
func serveLoads(rt *Runtime, tags serviceisolate.TagHandler) Main {
	return func(iso *Isolate) error {
		for {
			select {
			case <-iso.ctx.Done():
				return nil
			case raw, ok := <-iso.inbox:
				if !ok {
					return nil
				}
				env, err := message.Decode(raw)
				if err != nil || env.Kind != message.KindLoadRequest {
					continue
				}
				reply := portFrom(env.ReplyPort)
				var src []byte
				var errText string
				res, err := tags(serviceisolate.TagScript, "", env.Name)
				if err != nil {
					errText = err.Error()
				} else {
					src = []byte(res.Source)
				}
				msg, err := message.LoadReply(env.Name, src, errText)
				if err != nil {
					continue
				}
				rt.ports.PostMessage(reply, msg)
			}
		}
	}
}

func portFrom(v int64) portmap.Port {
	return portmap.Port(v)
}
