package svccore

import (
	"cmp"
	"fmt"
	"math/rand/v2"
	"slices"
)

// compile-time type validation
var (
	_ SelectionStrategy[any] = (*RandomStrategy[any])(nil)
	_ SelectionStrategy[any] = (*RoundRobinStrategy[any])(nil)
	_ SelectionStrategy[any] = (*LoadAwareStrategy[any])(nil)
)

// StrategyType names a built-in SelectionStrategy.
type StrategyType int

const (
	StrategyRoundRobin StrategyType = iota
	StrategyRandom
	StrategyLoadAware
)

var strategyNames = map[string]StrategyType{
	"round-robin": StrategyRoundRobin,
	"random":      StrategyRandom,
	"load-aware":  StrategyLoadAware,
}

func (st StrategyType) String() string {
	switch st {
	case StrategyRoundRobin:
		return "round-robin"
	case StrategyRandom:
		return "random"
	case StrategyLoadAware:
		return "load-aware"
	default:
		return "Unknown"
	}
}

// ParseStrategyType maps a configuration name to its StrategyType.
func ParseStrategyType(name string) (StrategyType, error) {
	st, ok := strategyNames[name]
	if !ok {
		return 0, fmt.Errorf("svccore: unknown strategy %q", name)
	}
	return st, nil
}

// NewStrategy builds the strategy st. opts.RandomAttemptFactor configures
// the random strategy.
func NewStrategy[T any](st StrategyType, opts Options) (SelectionStrategy[T], error) {
	opts.FillDefaults()
	constructors := map[StrategyType]func() SelectionStrategy[T]{
		StrategyRoundRobin: func() SelectionStrategy[T] { return NewRoundRobinStrategy[T]() },
		StrategyRandom:     func() SelectionStrategy[T] { return NewRandomStrategy[T](opts.RandomAttemptFactor) },
		StrategyLoadAware:  func() SelectionStrategy[T] { return NewLoadAwareStrategy[T]() },
	}
	mk, ok := constructors[st]
	if !ok {
		return nil, fmt.Errorf("svccore: unknown strategy %d", int(st))
	}
	return mk(), nil
}

// RandomStrategy samples tasks uniformly until one admits. Sampling is
// capped at factor*len(tasks) draws, after which Select gives up.
type RandomStrategy[T any] struct {
	factor int
	intn   func(n int) int
}

// NewRandomStrategy returns a random strategy with the given sampling
// factor; values <= 0 select DefaultRandomAttemptFactor.
func NewRandomStrategy[T any](factor int) *RandomStrategy[T] {
	if factor <= 0 {
		factor = DefaultRandomAttemptFactor
	}
	return &RandomStrategy[T]{factor: factor, intn: rand.IntN}
}

func (s *RandomStrategy[T]) Select(tasks []*WorkTask[T], admits AdmitFunc[T]) *WorkTask[T] {
	n := len(tasks)
	for range s.factor * n {
		if t := tasks[s.intn(n)]; admits(t) {
			return t
		}
	}
	return nil
}

func (s *RandomStrategy[T]) Reorder([]*WorkTask[T]) {}

func (s *RandomStrategy[T]) Removed(int) {}

// RoundRobinStrategy scans forward from the slot after the last winner,
// wrapping once. Every admitting task is visited before any repeats, also
// across removals.
type RoundRobinStrategy[T any] struct {
	current int
}

func NewRoundRobinStrategy[T any]() *RoundRobinStrategy[T] {
	return &RoundRobinStrategy[T]{}
}

func (s *RoundRobinStrategy[T]) Select(tasks []*WorkTask[T], admits AdmitFunc[T]) *WorkTask[T] {
	n := len(tasks)
	start := s.current % n
	for step := range n {
		i := (start + step) % n
		if t := tasks[i]; admits(t) {
			s.current = (i + 1) % n
			return t
		}
	}
	return nil
}

func (s *RoundRobinStrategy[T]) Reorder([]*WorkTask[T]) {}

// Removed keeps current on the task that was due next.
func (s *RoundRobinStrategy[T]) Removed(index int) {
	if index < s.current {
		s.current--
	}
}

// LoadAwareStrategy keeps tasks sorted by ascending work count and offers
// only the least loaded one. If that task does not admit, Select returns
// nil even when a busier task would.
//
// Every count update costs a sort, which suits small pools only.
type LoadAwareStrategy[T any] struct{}

func NewLoadAwareStrategy[T any]() *LoadAwareStrategy[T] {
	return &LoadAwareStrategy[T]{}
}

func (s *LoadAwareStrategy[T]) Select(tasks []*WorkTask[T], admits AdmitFunc[T]) *WorkTask[T] {
	if t := tasks[0]; admits(t) {
		return t
	}
	return nil
}

func (s *LoadAwareStrategy[T]) Removed(int) {}

func (s *LoadAwareStrategy[T]) Reorder(tasks []*WorkTask[T]) {
	slices.SortStableFunc(tasks, func(a, b *WorkTask[T]) int {
		return cmp.Compare(a.WorkCount(), b.WorkCount())
	})
}
