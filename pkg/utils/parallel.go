package utils

import (
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ParallelForEach runs fn over every element, bounded by GOMAXPROCS.
// It is a barrier: all invocations complete before it returns.
func ParallelForEach[T any](elems []T, fn func(T)) {
	g := errgroup.Group{}
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, elem := range elems {
		elem := elem
		g.Go(func() error {
			fn(elem)
			return nil
		})
	}
	_ = g.Wait()
}

// ParallelFor runs fn for each index in [0, n).
func ParallelFor(n int, fn func(int)) {
	g := errgroup.Group{}
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

// Feeder collects work items submitted from inside task bodies.
type Feeder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (f *Feeder[T]) Add(v T) {
	f.mu.Lock()
	f.items = append(f.items, v)
	f.mu.Unlock()
}

func (f *Feeder[T]) take() []T {
	f.mu.Lock()
	items := f.items
	f.items = nil
	f.mu.Unlock()
	return items
}

// ParallelFeed runs a BFS over roots: fn may submit newly discovered
// work through the feeder, which is drained round by round until the
// worklist is empty.
func ParallelFeed[T any](roots []T, fn func(T, *Feeder[T])) {
	feeder := &Feeder[T]{}
	frontier := roots
	for len(frontier) > 0 {
		ParallelForEach(frontier, func(v T) {
			fn(v, feeder)
		})
		frontier = feeder.take()
	}
}
