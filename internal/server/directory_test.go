package server

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gravitational/trace"

	"github.com/charahq/chara/pkg/subdomain"
)

func TestDirectoryRegisterAndGet(t *testing.T) {
	d := NewDirectory()

	t.Run("count starts at zero", func(t *testing.T) {
		if d.Count() != 0 {
			t.Errorf("Count() = %d, want 0", d.Count())
		}
	})

	t.Run("get returns not found for non-existent", func(t *testing.T) {
		_, err := d.Get("nonexistent")
		if !trace.IsNotFound(err) {
			t.Errorf("Get() error = %v, want NotFound", err)
		}
	})

	t.Run("requested name is honored and stamped", func(t *testing.T) {
		s := &Session{}
		name, honored := d.Register("myapp", s)
		if name != "myapp" || !honored {
			t.Fatalf("Register() = (%q, %v), want (\"myapp\", true)", name, honored)
		}
		if s.Subdomain() != "myapp" {
			t.Errorf("Subdomain() = %q, want \"myapp\"", s.Subdomain())
		}
		got, err := d.Get("myapp")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if got != s {
			t.Error("Get() returned a different session")
		}
	})
}

func TestDirectoryCollision(t *testing.T) {
	d := NewDirectory()

	name, honored := d.Register("myapp", &Session{})
	if name != "myapp" || !honored {
		t.Fatalf("first Register() = (%q, %v), want (\"myapp\", true)", name, honored)
	}

	// Second claim of the same name must yield a different one.
	name2, honored2 := d.Register("myapp", &Session{})
	if honored2 {
		t.Error("second Register(myapp) reported honored")
	}
	if name2 == name {
		t.Errorf("collision produced duplicate name %q", name2)
	}

	// Collisions are case-insensitive.
	name3, honored3 := d.Register("MYAPP", &Session{})
	if honored3 {
		t.Error("Register(MYAPP) reported honored while myapp is taken")
	}
	if name3 == name || name3 == name2 {
		t.Errorf("case-insensitive collision produced duplicate name %q", name3)
	}

	if d.Count() != 3 {
		t.Errorf("Count() = %d, want 3", d.Count())
	}
}

func TestDirectoryGeneratesWhenUnrequested(t *testing.T) {
	d := NewDirectory()

	name, honored := d.Register("", &Session{})
	if honored {
		t.Error("empty request reported honored")
	}
	if err := subdomain.Validate(name); err != nil {
		t.Errorf("generated name %q is invalid: %v", name, err)
	}
	if !strings.HasPrefix(name, subdomain.Prefix+"-") {
		t.Errorf("generated name %q lacks the %q prefix", name, subdomain.Prefix)
	}
}

func TestDirectoryInvalidRequestFallsBack(t *testing.T) {
	d := NewDirectory()

	for _, requested := range []string{"ab", "-start", "end-", "has space", "has_underscore"} {
		name, honored := d.Register(requested, &Session{})
		if honored {
			t.Errorf("Register(%q) reported honored", requested)
		}
		if err := subdomain.Validate(name); err != nil {
			t.Errorf("Register(%q) produced invalid name %q: %v", requested, name, err)
		}
	}
}

func TestDirectoryUnregister(t *testing.T) {
	d := NewDirectory()

	s := &Session{}
	d.Register("myapp", s)
	if d.Count() != 1 {
		t.Errorf("Count() after register = %d, want 1", d.Count())
	}

	d.Unregister("myapp", s)
	if d.Count() != 0 {
		t.Errorf("Count() after unregister = %d, want 0", d.Count())
	}

	// The name is free again.
	if _, honored := d.Register("myapp", &Session{}); !honored {
		t.Error("Register() after unregister was not honored")
	}
}

func TestDirectoryUnregisterStaleSession(t *testing.T) {
	d := NewDirectory()

	old := &Session{}
	d.Register("myapp", old)
	d.Unregister("myapp", old)

	current := &Session{}
	d.Register("myapp", current)

	// A second unregister from the old session must not evict the one
	// that reclaimed the name.
	d.Unregister("myapp", old)
	got, err := d.Get("myapp")
	if err != nil {
		t.Fatalf("Get() after stale unregister failed: %v", err)
	}
	if got != current {
		t.Error("stale unregister evicted the current session")
	}
}

func TestDirectoryUnregisterNonExistent(t *testing.T) {
	d := NewDirectory()

	// Should not panic or change count.
	d.Unregister("nonexistent", &Session{})
	if d.Count() != 0 {
		t.Errorf("Count() = %d, want 0", d.Count())
	}
}

func TestDirectoryForEach(t *testing.T) {
	d := NewDirectory()

	d.Register("app1", &Session{})
	d.Register("app2", &Session{})
	d.Register("app3", &Session{})

	var count int
	d.ForEach(func(name string, s *Session) bool {
		count++
		return true
	})
	if count != 3 {
		t.Errorf("ForEach iterated %d times, want 3", count)
	}

	// Early exit.
	count = 0
	d.ForEach(func(name string, s *Session) bool {
		count++
		return false
	})
	if count != 1 {
		t.Errorf("ForEach with early exit iterated %d times, want 1", count)
	}
}

func TestDirectoryConcurrentRegister(t *testing.T) {
	d := NewDirectory()
	var wg sync.WaitGroup
	var honoredCount atomic.Int64

	// Everyone wants the same name. Exactly one wins it; the rest get
	// unique fallbacks.
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, honored := d.Register("myapp", &Session{}); honored {
				honoredCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if d.Count() != 100 {
		t.Errorf("Count() = %d, want 100", d.Count())
	}
	if honoredCount.Load() != 1 {
		t.Errorf("honored %d registrations of the same name, want 1", honoredCount.Load())
	}
}

func BenchmarkDirectoryRegister(b *testing.B) {
	d := NewDirectory()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		name := "bench" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26)) + string(rune('a'+(i/676)%26))
		d.Register(name, &Session{})
	}
}

func BenchmarkDirectoryGet(b *testing.B) {
	d := NewDirectory()
	d.Register("testapp", &Session{})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Get("testapp")
	}
}
