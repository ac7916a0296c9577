// Package mutex implements the named-resource reservation system that
// serializes incompatible package-manager operations (spec.md 4.4). A
// single sync.Mutex + sync.Cond guards a central state map, the same shape
// the teacher uses for CircuitBreaker's state machine
// (pkg/resilience/circuit_breaker.go: one mutex, explicit named transition
// methods, never an ad hoc field mutation) generalized from three fixed
// states to an open-ended set of named resources.
package mutex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adamryczkowski/updateall/internal/errs"
	"github.com/adamryczkowski/updateall/internal/logging"
)

// Manager reserves named resources with ordered, all-or-nothing
// acquisition, guaranteeing deadlock freedom: every caller acquires its
// entire set atomically in sorted order, so two callers wanting
// overlapping sets always serialize on the lowest-named shared resource.
type Manager struct {
	mu        sync.Mutex
	cond      *sync.Cond
	held      map[string]string // resource name -> holder id
	contended map[string]int    // contention counter, exposed via ContentionScore
	log       *logging.Logger
}

// NewManager constructs an empty Manager.
func NewManager(log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	m := &Manager{
		held:      make(map[string]string),
		contended: make(map[string]int),
		log:       log.WithComponent("mutex.manager"),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// sortedCopy returns names sorted ascending, the fixed global order the
// deadlock-free rule requires.
func sortedCopy(names []string) []string {
	out := make([]string, len(names))
	copy(out, names)
	sort.Strings(out)
	return out
}

func (m *Manager) availableLocked(names []string, holder string) bool {
	for _, n := range names {
		if owner, ok := m.held[n]; ok && owner != holder {
			return false
		}
	}
	return true
}

// Acquire blocks until every name in names is free, then marks them all
// held by holder. Acquisition is atomic over the full (sorted) set: a
// caller never holds a strict subset while waiting for the rest.
func (m *Manager) Acquire(ctx context.Context, holder string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	sorted := sortedCopy(names)

	m.mu.Lock()
	defer m.mu.Unlock()

	for !m.availableLocked(sorted, holder) {
		for _, n := range sorted {
			if owner, ok := m.held[n]; ok && owner != holder {
				m.contended[n]++
			}
		}
		if !m.waitLocked(ctx) {
			return classifyCtxErr(ctx.Err())
		}
	}
	for _, n := range sorted {
		m.held[n] = holder
	}
	return nil
}

// waitLocked blocks on the condition variable, unblocking early if ctx is
// done. Mutex Manager has no native context-aware cond wait, so a watcher
// goroutine broadcasts once ctx.Done() fires.
func (m *Manager) waitLocked(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		close(done)
		m.cond.Broadcast()
	})
	defer stop()
	m.cond.Wait()
	select {
	case <-done:
		return ctx.Err() == nil
	default:
		return true
	}
}

// classifyCtxErr maps a context error to the sentinel a caller can
// errors.Is against: deadline breaches become ErrTimeout, any other
// cancellation (including a parent-run cancel) becomes ErrCancelled.
func classifyCtxErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errs.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", errs.ErrCancelled, err)
}

// TryAcquire is the non-blocking variant with a deadline: it fails with
// errs.ErrTimeout if the set isn't free before deadline elapses.
func (m *Manager) TryAcquire(holder string, names []string, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	return m.Acquire(ctx, holder, names)
}

// Release marks names free and wakes every waiter, per the "broadcast on
// release" implementation note in spec.md 4.4.
func (m *Manager) Release(holder string, names []string) {
	if len(names) == 0 {
		return
	}
	m.mu.Lock()
	for _, n := range names {
		if owner, ok := m.held[n]; ok && owner == holder {
			delete(m.held, n)
		}
	}
	m.mu.Unlock()
	m.cond.Broadcast()
}

// Free reports whether every name in names is currently unheld; used by the
// scheduler to test a candidate ready set without acquiring it.
func (m *Manager) Free(names []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		if _, ok := m.held[n]; ok {
			return false
		}
	}
	return true
}

// ContentionScore returns how many times an Acquire has found name held by
// another holder and waited, counted since the Manager was created. The
// scheduler does not call it; its tie-break uses the Selector's own bloom
// filter of contended names.
func (m *Manager) ContentionScore(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contended[name]
}
