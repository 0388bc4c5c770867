package svccore

import (
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
)

func newNamedPool(t *testing.T, s SelectionStrategy[string], names ...string) (*WorkPool[string], []*WorkTask[string]) {
	t.Helper()
	p := NewWorkPool[string](s, nil)
	tasks := make([]*WorkTask[string], 0, len(names))
	for _, n := range names {
		tasks = append(tasks, p.Register(n))
	}
	return p, tasks
}

// nextTargets calls GetNext n times and returns the picked targets.
func nextTargets(t *testing.T, p *WorkPool[string], n int) []string {
	t.Helper()
	got := make([]string, 0, n)
	for range n {
		task := p.GetNext()
		if task == nil {
			t.Fatalf("GetNext returned nil after %v", got)
		}
		got = append(got, task.Target)
	}
	return got
}

func TestRoundRobin_EachOnceBeforeRepeat(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e"}
	p, _ := newNamedPool(t, NewRoundRobinStrategy[string](), names...)

	for lap := range 3 {
		seen := map[string]bool{}
		for _, target := range nextTargets(t, p, len(names)) {
			if seen[target] {
				t.Fatalf("lap %d: %s repeated before all tasks were visited", lap, target)
			}
			seen[target] = true
		}
		if len(seen) != len(names) {
			t.Fatalf("lap %d visited %d tasks; want %d", lap, len(seen), len(names))
		}
	}
}

func TestRoundRobin_NoneAdmits(t *testing.T) {
	var calls int
	p, _ := newNamedPool(t, NewRoundRobinStrategy[string](), "a", "b", "c", "d")
	p.SetAdmissionPredicate(func(*WorkTask[string]) bool {
		calls++
		return false
	})

	if got := p.GetNext(); got != nil {
		t.Fatalf("GetNext = %s; want nil", got.Target)
	}
	if calls > 4 {
		t.Fatalf("predicate called %d times; scan must stop after one lap", calls)
	}
}

func TestRoundRobin_SkipsNonAdmitting(t *testing.T) {
	p, _ := newNamedPool(t, NewRoundRobinStrategy[string](), "a", "b", "c")
	p.SetAdmissionPredicate(func(task *WorkTask[string]) bool { return task.Target != "b" })

	got := nextTargets(t, p, 4)
	if want := []string{"a", "c", "a", "c"}; !slices.Equal(got, want) {
		t.Fatalf("order = %v; want %v", got, want)
	}
}

func TestRoundRobin_RemovalBeforeCursor(t *testing.T) {
	p, tasks := newNamedPool(t, NewRoundRobinStrategy[string](), "a", "b", "c", "d")
	if got := nextTargets(t, p, 2); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("first picks = %v; want [a b]", got)
	}

	if !p.Unregister(tasks[0]) {
		t.Fatal("Unregister(a) = false")
	}
	if p.Unregister(tasks[0]) {
		t.Fatal("second Unregister(a) = true")
	}

	// c and d are still owed this lap
	got := nextTargets(t, p, 3)
	if want := []string{"c", "d", "b"}; !slices.Equal(got, want) {
		t.Fatalf("after removal = %v; want %v", got, want)
	}
}

func TestRoundRobin_RemovalOfLastWinner(t *testing.T) {
	p, tasks := newNamedPool(t, NewRoundRobinStrategy[string](), "a", "b", "c", "d")
	_ = nextTargets(t, p, 2)

	p.Unregister(tasks[1])
	got := nextTargets(t, p, 3)
	if want := []string{"c", "d", "a"}; !slices.Equal(got, want) {
		t.Fatalf("after removing b = %v; want %v", got, want)
	}
}

func TestRoundRobin_RemovalAfterCursor(t *testing.T) {
	p, tasks := newNamedPool(t, NewRoundRobinStrategy[string](), "a", "b", "c", "d")
	_ = nextTargets(t, p, 1)

	p.Unregister(tasks[2])
	got := nextTargets(t, p, 3)
	if want := []string{"b", "d", "a"}; !slices.Equal(got, want) {
		t.Fatalf("after removing c = %v; want %v", got, want)
	}
}

func TestRoundRobin_RemovalWrapsCursor(t *testing.T) {
	p, tasks := newNamedPool(t, NewRoundRobinStrategy[string](), "a", "b", "c")
	_ = nextTargets(t, p, 2)

	// c was due next and is gone: the lap restarts at a
	p.Unregister(tasks[2])
	got := nextTargets(t, p, 2)
	if want := []string{"a", "b"}; !slices.Equal(got, want) {
		t.Fatalf("after removing c = %v; want %v", got, want)
	}
}

func TestLoadAware_OnlyLeastLoadedIsOffered(t *testing.T) {
	p, tasks := newNamedPool(t, NewLoadAwareStrategy[string](), "two", "zero", "one")
	p.WorkAdded(tasks[0])
	p.WorkAdded(tasks[0])
	p.WorkAdded(tasks[2])

	var order []string
	for _, task := range p.Tasks() {
		order = append(order, task.Target)
	}
	if want := []string{"zero", "one", "two"}; !slices.Equal(order, want) {
		t.Fatalf("order = %v; want %v", order, want)
	}

	if got := p.GetNext().Target; got != "zero" {
		t.Fatalf("GetNext = %s; want zero", got)
	}

	// the least loaded task refuses: no fall-through to "one"
	p.SetAdmissionPredicate(func(task *WorkTask[string]) bool { return task.Target != "zero" })
	if got := p.GetNext(); got != nil {
		t.Fatalf("GetNext = %s; want nil", got.Target)
	}
}

func TestLoadAware_ResortsOnCompletion(t *testing.T) {
	p, tasks := newNamedPool(t, NewLoadAwareStrategy[string](), "a", "b")
	p.WorkAdded(tasks[0])
	if got := p.GetNext().Target; got != "b" {
		t.Fatalf("GetNext = %s; want b", got)
	}

	p.WorkAdded(tasks[1])
	p.WorkAdded(tasks[1])
	if got := p.GetNext().Target; got != "a" {
		t.Fatalf("GetNext = %s; want a", got)
	}

	p.WorkRemoved(tasks[1])
	p.WorkRemoved(tasks[1])
	p.WorkRemoved(tasks[1]) // never below zero
	if c := tasks[1].WorkCount(); c != 0 {
		t.Fatalf("WorkCount = %d; want 0", c)
	}
	if got := p.GetNext().Target; got != "b" {
		t.Fatalf("GetNext = %s; want b", got)
	}
}

func TestRandom_FindsSingleAdmittingTask(t *testing.T) {
	s := NewRandomStrategy[string](0)
	s.intn = rand.New(rand.NewPCG(1, 2)).IntN
	p, _ := newNamedPool(t, s, "a", "b", "c", "d")

	var samples int
	p.SetAdmissionPredicate(func(task *WorkTask[string]) bool {
		samples++
		return task.Target == "c"
	})

	for range 50 {
		samples = 0
		got := p.GetNext()
		if got == nil || got.Target != "c" {
			t.Fatalf("GetNext = %v; want c", got)
		}
		if samples > DefaultRandomAttemptFactor*4 {
			t.Fatalf("took %d samples; cap is %d", samples, DefaultRandomAttemptFactor*4)
		}
	}
}

func TestRandom_NoneAdmitsIsBounded(t *testing.T) {
	p, _ := newNamedPool(t, NewRandomStrategy[string](3), "a", "b", "c", "d", "e")

	var samples int
	p.SetAdmissionPredicate(func(*WorkTask[string]) bool {
		samples++
		return false
	})

	if got := p.GetNext(); got != nil {
		t.Fatalf("GetNext = %s; want nil", got.Target)
	}
	if samples != 3*5 {
		t.Fatalf("samples = %d; want %d", samples, 3*5)
	}
}

func TestWorkPool_EmptyPool(t *testing.T) {
	for _, st := range []StrategyType{StrategyRoundRobin, StrategyRandom, StrategyLoadAware} {
		s, err := NewStrategy[int](st, Options{})
		if err != nil {
			t.Fatalf("NewStrategy(%s): %v", st, err)
		}
		if got := NewWorkPool[int](s, nil).GetNext(); got != nil {
			t.Fatalf("%s: GetNext on empty pool = %v", st, got)
		}
	}
}

func TestWorkPool_SetStrategy(t *testing.T) {
	p, tasks := newNamedPool(t, nil, "a", "b")
	p.WorkAdded(tasks[0])

	p.SetStrategy(NewLoadAwareStrategy[string]())
	if got := nextTargets(t, p, 2); !slices.Equal(got, []string{"b", "b"}) {
		t.Fatalf("load-aware picks = %v; want [b b]", got)
	}

	p.SetStrategy(nil)
	if got := p.GetNext().Target; got != "b" {
		t.Fatalf("nil strategy replaced the active one, got %s", got)
	}
}

func TestWorkPool_ConcurrentRegistrationAndSelection(t *testing.T) {
	p := NewWorkPool[int](NewRoundRobinStrategy[int](), func(task *WorkTask[int]) bool {
		return task.Target%2 == 0
	})

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := range 200 {
				task := p.Register(w*1000 + i)
				if i%3 == 0 {
					p.Unregister(task)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for range 500 {
				if task := p.GetNext(); task != nil {
					p.WorkAdded(task)
					p.WorkRemoved(task)
				}
			}
		}()
	}
	wg.Wait()

	for _, task := range p.Tasks() {
		if c := task.WorkCount(); c != 0 {
			t.Fatalf("task %d WorkCount = %d; want 0", task.Target, c)
		}
	}
}

func TestParseStrategyType(t *testing.T) {
	for name, want := range strategyNames {
		got, err := ParseStrategyType(name)
		if err != nil {
			t.Fatalf("ParseStrategyType(%q): %v", name, err)
		}
		if got != want || got.String() != name {
			t.Fatalf("ParseStrategyType(%q) = %v (%s); want %v", name, got, got, want)
		}
	}

	if _, err := ParseStrategyType("weighted"); err == nil {
		t.Fatal("ParseStrategyType(weighted) succeeded")
	}
	if _, err := NewStrategy[int](StrategyType(42), Options{}); err == nil {
		t.Fatal("NewStrategy(42) succeeded")
	}
	if got := StrategyType(42).String(); got != "Unknown" {
		t.Fatalf("String = %q; want Unknown", got)
	}
}
