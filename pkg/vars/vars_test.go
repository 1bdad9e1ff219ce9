package vars

import (
	"sync"
	"testing"
)

func TestSet_UnknownScope(t *testing.T) {
	s := New()
	if err := s.Set("x", 1, Scope("session")); err == nil {
		t.Fatal("expected error for unknown scope")
	}
}

func TestGet_NearestWins(t *testing.T) {
	s := New()
	s.Set("x", "global", Global)
	s.Set("x", "test_case", TestCase)
	s.Set("x", "step", Step)

	if got := s.Get("x", Step, nil); got != "step" {
		t.Errorf("from step: got %v, want step", got)
	}
	if got := s.Get("x", Module, nil); got != "test_case" {
		t.Errorf("from module: got %v, want test_case", got)
	}
	if got := s.Get("x", Global, nil); got != "global" {
		t.Errorf("from global: got %v, want global", got)
	}
}

func TestGet_VisibilityStopsAtFirstMatch(t *testing.T) {
	s := New()
	s.Set("token", "outer", Global)
	if got := s.Get("token", Temp, nil); got != "outer" {
		t.Errorf("got %v", got)
	}
	s.Set("token", "inner", Temp)
	if got := s.Get("token", Temp, nil); got != "inner" {
		t.Errorf("after shadowing: got %v", got)
	}
	// The temp binding must be invisible from scopes that cannot see temp.
	if got := s.Get("token", Step, nil); got != "outer" {
		t.Errorf("from step: got %v, want outer", got)
	}
}

func TestGet_Default(t *testing.T) {
	s := New()
	if got := s.Get("missing", Step, "fallback"); got != "fallback" {
		t.Errorf("got %v", got)
	}
}

func TestClear(t *testing.T) {
	s := New()
	s.Set("a", 1, Step)
	s.Set("b", 2, TestCase)
	if err := s.Clear(Step); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Lookup("a", Step); ok {
		t.Error("a still visible after clear")
	}
	if got := s.Get("b", Step, nil); got != 2 {
		t.Errorf("b lost: got %v", got)
	}
}

func TestSnapshot_FlattenedNearestWins(t *testing.T) {
	s := New()
	s.Set("x", "g", Global)
	s.Set("x", "t", TestCase)
	s.Set("y", "g-only", Global)
	s.Set("z", "s", Step)

	snap := s.Snapshot(Step)
	if snap["x"] != "t" {
		t.Errorf("x: got %v, want t", snap["x"])
	}
	if snap["y"] != "g-only" {
		t.Errorf("y: got %v", snap["y"])
	}
	if snap["z"] != "s" {
		t.Errorf("z: got %v", snap["z"])
	}

	// Snapshot from global must not see locals.
	gsnap := s.Snapshot(Global)
	if _, ok := gsnap["z"]; ok {
		t.Error("global snapshot sees step variable")
	}
	if gsnap["x"] != "g" {
		t.Errorf("global snapshot x: got %v", gsnap["x"])
	}
}

func TestFingerprint_ChangesOnVisibleWrite(t *testing.T) {
	s := New()
	before := s.Fingerprint(Step)
	s.Set("x", 1, TestCase) // test_case is visible from step
	after := s.Fingerprint(Step)
	if before == after {
		t.Error("fingerprint unchanged after write to visible scope")
	}
}

func TestFingerprint_StableWithoutWrites(t *testing.T) {
	s := New()
	s.Set("x", 1, TestCase)
	a := s.Fingerprint(Step)
	b := s.Fingerprint(Step)
	if a != b {
		t.Error("fingerprint not stable across reads")
	}
}

func TestFingerprint_UnaffectedByInvisibleWrite(t *testing.T) {
	s := New()
	before := s.Fingerprint(Global)
	s.Set("x", 1, Step) // step is not visible from global
	after := s.Fingerprint(Global)
	if before != after {
		t.Error("global fingerprint changed by step-scope write")
	}
}

func TestSaveRestore(t *testing.T) {
	s := New()
	s.Set("item", "before", Step)
	saved, err := s.Save(Step)
	if err != nil {
		t.Fatal(err)
	}

	s.Set("item", "iter-0", Step)
	s.Set("extra", true, Step)
	s.Restore(saved)

	if got := s.Get("item", Step, nil); got != "before" {
		t.Errorf("item: got %v", got)
	}
	if _, ok := s.Lookup("extra", Step); ok {
		t.Error("extra leaked past restore")
	}

	// Same snapshot must be restorable twice (once per loop iteration).
	s.Set("item", "iter-1", Step)
	s.Restore(saved)
	if got := s.Get("item", Step, nil); got != "before" {
		t.Errorf("second restore: got %v", got)
	}
}

func TestSave_GlobalRejected(t *testing.T) {
	s := New()
	if _, err := s.Save(Global); err == nil {
		t.Fatal("expected error saving global scope")
	}
}

func TestSharedGlobal(t *testing.T) {
	g := NewGlobal()
	a := NewWithGlobal(g)
	b := NewWithGlobal(g)

	a.Set("run_id", "r-1", Global)
	if got := b.Get("run_id", TestCase, nil); got != "r-1" {
		t.Errorf("store b does not see shared global: got %v", got)
	}
	// Locals stay isolated.
	a.Set("x", 1, TestCase)
	if _, ok := b.Lookup("x", TestCase); ok {
		t.Error("test_case variable leaked across stores")
	}
}

func TestSharedGlobal_ConcurrentWrites(t *testing.T) {
	g := NewGlobal()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s := NewWithGlobal(g)
			for j := 0; j < 100; j++ {
				s.Set("counter", n, Global)
				s.Get("counter", Global, nil)
			}
		}(i)
	}
	wg.Wait()
	if _, ok := g.lookup("counter"); !ok {
		t.Error("counter missing after concurrent writes")
	}
}

func TestImportExport(t *testing.T) {
	g := NewGlobal()
	g.Import(map[string]any{"a": 1, "b": "two"})
	out := g.Export()
	if out["a"] != 1 || out["b"] != "two" {
		t.Errorf("round trip: got %v", out)
	}
	// Export returns a copy.
	out["a"] = 99
	if v, _ := g.lookup("a"); v != 1 {
		t.Error("export aliases internal map")
	}
}

func TestParseScope(t *testing.T) {
	if _, err := ParseScope("test_case"); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseScope("bogus"); err == nil {
		t.Fatal("expected error")
	}
}
