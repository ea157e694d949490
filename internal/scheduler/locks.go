package scheduler

import (
	"sort"
	"sync"
)

// PathLocks serialises units that declare the same output paths. Units writing
// different paths run concurrently; units sharing a path take turns.
type PathLocks struct {
	mu    sync.Mutex             // Guards locks
	locks map[string]*sync.Mutex // Per-path mutexes, created on first use
}

// NewPathLocks creates an empty lock table.
func NewPathLocks() *PathLocks {
	return &PathLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

func (l *PathLocks) lockFor(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[path]
	if !ok {
		m = &sync.Mutex{}
		l.locks[path] = m
	}
	return m
}

// LockAll acquires every path's lock and returns a func releasing them.
// Paths are deduplicated and taken in lexical order so two callers can never deadlock.
func (l *PathLocks) LockAll(paths []string) (unlock func()) {
	sorted := dedupeSorted(paths)
	held := make([]*sync.Mutex, 0, len(sorted))
	for _, path := range sorted {
		m := l.lockFor(path)
		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func dedupeSorted(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	out := sorted[:1]
	for _, p := range sorted[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}
