package engine

import (
	"sync"
)

// inflight tracks paths with an instruction being executed. A path is
// never handed to the executor twice at once.
type inflight struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{paths: make(map[string]struct{})}
}

// acquire claims every path or none of them.
func (f *inflight) acquire(paths ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range paths {
		if _, busy := f.paths[p]; busy {
			return false
		}
	}

	for _, p := range paths {
		f.paths[p] = struct{}{}
	}

	return true
}

func (f *inflight) release(paths ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range paths {
		delete(f.paths, p)
	}
}

func (f *inflight) busy(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.paths[path]

	return ok
}
