// Package scheduler turns a set of plugins into an execution order that
// respects their declared Dependencies and, within each phase, picks a
// budget-bounded ready set whose RequiredMutexes don't collide — the DAG +
// Kahn's-algorithm validation and greedy ready-set selection described in
// spec.md 4.5, grounded on the teacher's dependency resolution in
// pkg/storage/factory.go's backend construction order and the worker-pool
// fan-out shape of pkg/ipfs's block-upload batching.
package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/adamryczkowski/updateall/internal/mutex"
	"github.com/adamryczkowski/updateall/internal/plugin"
)

// Node is one plugin's scheduling state.
type Node struct {
	Name         string
	Capability   plugin.Capability
	Dependencies []string

	done    bool
	running bool
	failed  bool
}

// Graph is the dependency DAG over a run's selected plugins.
type Graph struct {
	nodes map[string]*Node
	order []string // insertion order, for deterministic iteration
}

// NewGraph builds a Graph from capabilities, indexed by their Identity.Name.
func NewGraph(caps []plugin.Capability) *Graph {
	g := &Graph{nodes: make(map[string]*Node, len(caps))}
	for _, c := range caps {
		name := c.Identity().Name
		g.nodes[name] = &Node{Name: name, Capability: c, Dependencies: c.Dependencies()}
		g.order = append(g.order, name)
	}
	return g
}

// Validate runs Kahn's algorithm to confirm the dependency graph is acyclic
// and every dependency names a plugin actually present in the run, per
// spec.md 4.5's "Dependency cycle detected" / "unknown dependency" edge
// cases.
func (g *Graph) Validate() error {
	indegree := make(map[string]int, len(g.nodes))
	adj := make(map[string][]string, len(g.nodes))
	for name := range g.nodes {
		indegree[name] = 0
	}
	for name, n := range g.nodes {
		for _, dep := range n.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				return fmt.Errorf("plugin %q depends on unknown plugin %q", name, dep)
			}
			adj[dep] = append(adj[dep], name)
			indegree[name]++
		}
	}

	var queue []string
	for _, name := range g.order {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		var next []string
		for _, dep := range adj[n] {
			indegree[dep]--
			if indegree[dep] == 0 {
				next = append(next, dep)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if visited != len(g.nodes) {
		return fmt.Errorf("dependency cycle detected among plugins")
	}
	return nil
}

// Ready returns the subset of not-yet-done, not-yet-running nodes whose
// every dependency is already done, sorted for determinism before the
// caller applies its own tie-breaking.
func (g *Graph) Ready() []*Node {
	var ready []*Node
	for _, name := range g.order {
		n := g.nodes[name]
		if n.done || n.running {
			continue
		}
		if g.depsSatisfied(n) {
			ready = append(ready, n)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Name < ready[j].Name })
	return ready
}

func (g *Graph) depsSatisfied(n *Node) bool {
	for _, dep := range n.Dependencies {
		if d, ok := g.nodes[dep]; !ok || !d.done {
			return false
		}
	}
	return true
}

// MarkRunning / MarkDone update a node's scheduling state as the
// orchestrator dispatches and completes work.
func (g *Graph) MarkRunning(name string) {
	if n, ok := g.nodes[name]; ok {
		n.running = true
	}
}

func (g *Graph) MarkDone(name string) {
	if n, ok := g.nodes[name]; ok {
		n.running = false
		n.done = true
	}
}

// MarkFailed marks name as done and failed, so nodes depending on it (even
// transitively) are reported by BlockedByFailure instead of ever becoming
// ready, per spec.md 7's "downstream plugins transition directly to
// skipped" rule.
func (g *Graph) MarkFailed(name string) {
	if n, ok := g.nodes[name]; ok {
		n.running = false
		n.done = true
		n.failed = true
	}
}

// BlockedByFailure returns not-yet-done, not-yet-running nodes that can
// never become ready because a dependency (direct or transitive) already
// failed. The caller is expected to mark each one done (via MarkDone)
// after recording it as skipped, so the same node isn't reported twice.
func (g *Graph) BlockedByFailure() []*Node {
	var blocked []*Node
	for _, name := range g.order {
		n := g.nodes[name]
		if n.done || n.running {
			continue
		}
		if g.anyDependencyFailed(n) {
			blocked = append(blocked, n)
		}
	}
	sort.Slice(blocked, func(i, j int) bool { return blocked[i].Name < blocked[j].Name })
	return blocked
}

func (g *Graph) anyDependencyFailed(n *Node) bool {
	for _, dep := range n.Dependencies {
		d, ok := g.nodes[dep]
		if !ok {
			continue
		}
		if d.failed || g.anyDependencyFailed(d) {
			return true
		}
	}
	return false
}

// Remaining reports how many nodes have not yet finished.
func (g *Graph) Remaining() int {
	n := 0
	for _, node := range g.nodes {
		if !node.done {
			n++
		}
	}
	return n
}

// DownloadLimiter bounds how many plugins may be in PhaseDownload at once
// (spec.md 4.5, 6.4's max_parallel_downloads budget), enforced
// independently of named mutexes since a download's contended resource is
// network bandwidth, not a lockable resource. A counting semaphore over a
// buffered channel, the same bounded-concurrency primitive the Process
// Runner's caller uses for MaxConcurrentPlugins via errgroup.SetLimit.
type DownloadLimiter struct {
	slots chan struct{}
}

// NewDownloadLimiter constructs a limiter allowing up to max concurrent
// downloads. max <= 0 means unbounded.
func NewDownloadLimiter(max int) *DownloadLimiter {
	if max <= 0 {
		return &DownloadLimiter{}
	}
	return &DownloadLimiter{slots: make(chan struct{}, max)}
}

// Acquire blocks until a download slot is free or ctx is done.
func (d *DownloadLimiter) Acquire(ctx context.Context) error {
	if d == nil || d.slots == nil {
		return nil
	}
	select {
	case d.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously acquired download slot.
func (d *DownloadLimiter) Release() {
	if d == nil || d.slots == nil {
		return
	}
	<-d.slots
}

// Selector picks a budget-bounded subset of a ready set to dispatch next,
// skipping any whose mutex set collides with another candidate already
// chosen this round or with mutexes currently held elsewhere, and gates
// entry into PhaseDownload against a shared DownloadLimiter.
type Selector struct {
	mutexes   *mutex.Manager
	downloads *DownloadLimiter
	contended *bloom.BloomFilter
}

// NewSelector constructs a Selector backed by a shared Mutex Manager and a
// shared DownloadLimiter. The bloom filter tracks recently seen contended
// resource names so the tie-breaker can prefer plugins whose mutex sets
// are unlikely to collide without re-scanning the full held-set map on
// every tick (spec.md 4.5's scheduling-heuristic note).
func NewSelector(mutexes *mutex.Manager, downloads *DownloadLimiter) *Selector {
	return &Selector{
		mutexes:   mutexes,
		downloads: downloads,
		contended: bloom.NewWithEstimates(1024, 0.01),
	}
}

// AcquireDownload reserves one of the shared MaxParallelDownloads slots,
// blocking until one is free or ctx is done. Every caller entering
// PhaseDownload must pair this with ReleaseDownload on exit.
func (s *Selector) AcquireDownload(ctx context.Context) error {
	return s.downloads.Acquire(ctx)
}

// ReleaseDownload frees a slot reserved by AcquireDownload.
func (s *Selector) ReleaseDownload() {
	s.downloads.Release()
}

// Select picks up to budget nodes from ready to dispatch next in phase,
// skipping candidates whose required mutex set is currently unavailable
// or overlaps a set already claimed by an earlier pick in this round.
// Within ties it prefers (held-mutex count asc, estimated wall-time desc,
// name asc) — spec.md 4.5's longest-processing-time-first heuristic for
// better makespan, falling back to bloom-flagged contention and then name
// when a plugin reports no estimate.
func (s *Selector) Select(ctx context.Context, ready []*Node, phase plugin.Phase, budget int) []*Node {
	if budget <= 0 || len(ready) == 0 {
		return nil
	}

	candidates := make([]*Node, len(ready))
	copy(candidates, ready)
	sort.SliceStable(candidates, func(i, j int) bool {
		ri := candidates[i].Capability.RequiredMutexes(phase)
		rj := candidates[j].Capability.RequiredMutexes(phase)
		if len(ri) != len(rj) {
			return len(ri) < len(rj)
		}
		wi := estimatedSeconds(ctx, candidates[i].Capability, phase)
		wj := estimatedSeconds(ctx, candidates[j].Capability, phase)
		if wi != wj {
			return wi > wj
		}
		ci := s.contentionWeight(ri)
		cj := s.contentionWeight(rj)
		if ci != cj {
			return ci < cj
		}
		return candidates[i].Name < candidates[j].Name
	})

	claimed := map[string]bool{}
	var picked []*Node
	for _, n := range candidates {
		if len(picked) >= budget {
			break
		}
		names := n.Capability.RequiredMutexes(phase)
		if s.collides(names, claimed) {
			continue
		}
		if !s.mutexes.Free(names) {
			for _, name := range names {
				s.contended.Add([]byte(name))
			}
			continue
		}
		for _, name := range names {
			claimed[name] = true
		}
		picked = append(picked, n)
	}
	return picked
}

func (s *Selector) collides(names []string, claimed map[string]bool) bool {
	for _, n := range names {
		if claimed[n] {
			return true
		}
	}
	return false
}

func (s *Selector) contentionWeight(names []string) int {
	w := 0
	for _, n := range names {
		if s.contended.Test([]byte(n)) {
			w++
		}
	}
	return w
}

// estimatedSeconds reads a candidate's own pre-execution time estimate for
// phase, the longest-processing-time-first tie-break's input. A plugin
// with no estimate (nil Estimate, or a nil Seconds field) sorts as if it
// needs zero time, falling through to the contention/name tie-breaks.
func estimatedSeconds(ctx context.Context, cap plugin.Capability, phase plugin.Phase) float64 {
	est := cap.Estimate(ctx, phase)
	if est == nil || est.Seconds == nil {
		return 0
	}
	return *est.Seconds
}
