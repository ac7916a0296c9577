// Package errs provides the engine's small typed-error hierarchy and a
// multi-error aggregator, grounded on the teacher's pkg/resilience/errors.go
// (a fixed set of classified error kinds) and pkg/storage/factory.go's
// ErrorAggregator (collect-then-join, used when a caller wants every
// problem found rather than the first). Every sentinel below corresponds
// to one of spec.md 7's named failure modes plus the config-validation and
// catch-all kinds spec.md 8/9 assume exist.
package errs

import (
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors for the failure kinds spec.md 7 and 8 name. Callers wrap
// one of these with fmt.Errorf("...: %w", ErrX) so errors.Is still matches
// the sentinel through additional context.
var (
	// ErrUnavailable marks a plugin whose applicability/version probe
	// came back negative; the plugin is skipped, not failed.
	ErrUnavailable = errors.New("plugin unavailable")
	// ErrConfig marks a configuration problem: a missing/invalid field,
	// or a plugin dependency graph that doesn't validate.
	ErrConfig = errors.New("invalid configuration")
	// ErrTransientIO marks a probe or connection failure expected to be
	// retried or to degrade to "unknown" rather than abort the run.
	ErrTransientIO = errors.New("transient I/O failure")
	// ErrTimeout marks a wall-clock deadline breach.
	ErrTimeout = errors.New("operation timed out")
	// ErrCancelled marks a user- or scheduler-initiated cancellation.
	ErrCancelled = errors.New("operation cancelled")
	// ErrUpdateFailed marks a child command that exited non-zero with no
	// success pattern matched.
	ErrUpdateFailed = errors.New("update command failed")
	// ErrInternal marks a violated invariant: an illegal state
	// transition, a code path that should be unreachable.
	ErrInternal = errors.New("internal error")
)

// Aggregator collects every error a multi-step operation encounters so the
// caller can report all of them at once, instead of failing fast on the
// first. Mirrors ErrorAggregator's Add/HasErrors/CreateAggregateError
// split, one mutex guarding a slice.
type Aggregator struct {
	mu   sync.Mutex
	errs []error
}

// Add appends err to the aggregator; a nil err is a no-op.
func (a *Aggregator) Add(err error) {
	if err == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, err)
}

// HasErrors reports whether any error has been added.
func (a *Aggregator) HasErrors() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.errs) > 0
}

// Errors returns a copy of every error collected so far.
func (a *Aggregator) Errors() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]error, len(a.errs))
	copy(out, a.errs)
	return out
}

// Join returns nil if nothing was collected, the lone error if exactly one
// was, or a combined error listing every message otherwise. The combined
// error wraps every collected error so errors.Is still finds a sentinel
// buried in any of them.
func (a *Aggregator) Join() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch len(a.errs) {
	case 0:
		return nil
	case 1:
		return a.errs[0]
	default:
		return fmt.Errorf("%d problems found: %w", len(a.errs), errors.Join(a.errs...))
	}
}
