package vm

import (
	"testing"
	"time"
)

func TestRegistry_OrderedByPort(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	for _, e := range []Entry{{Port: 30, Name: "c"}, {Port: 10, Name: "a"}, {Port: 20, Name: "b"}} {
		e.Since = now
		if !r.Add(e) {
			t.Fatalf("port %s reported as duplicate", e.Port)
		}
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(list))
	}
	for i, want := range []string{"a", "b", "c"} {
		if list[i].Name != want {
			t.Errorf("entry %d = %s, want %s", i, list[i].Name, want)
		}
	}
}

func TestRegistry_ReplaceRemoveClear(t *testing.T) {
	r := NewRegistry()
	r.Add(Entry{Port: 10, Name: "old"})
	if r.Add(Entry{Port: 10, Name: "new"}) {
		t.Error("second add for the same port should report a replacement")
	}
	if e, _ := r.Get(10); e.Name != "new" {
		t.Errorf("Get = %+v", e)
	}

	if _, ok := r.Remove(10); !ok {
		t.Error("Remove should find the entry")
	}
	if _, ok := r.Remove(10); ok {
		t.Error("second Remove should miss")
	}

	r.Add(Entry{Port: 1})
	r.Add(Entry{Port: 2})
	r.Clear()
	if r.Len() != 0 {
		t.Errorf("Len after Clear = %d", r.Len())
	}
}
