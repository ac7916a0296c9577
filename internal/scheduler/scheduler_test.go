package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adamryczkowski/updateall/internal/mutex"
	"github.com/adamryczkowski/updateall/internal/plugin"
	"github.com/adamryczkowski/updateall/internal/stream"
)

// fakeCapability is a minimal plugin.Capability stub for scheduler tests;
// only the methods the scheduler actually calls matter.
type fakeCapability struct {
	name     string
	deps     []string
	mutexes  []string
	estimate *float64
}

func (f *fakeCapability) Identity() plugin.Identity { return plugin.Identity{Name: f.name} }
func (f *fakeCapability) IsApplicable(ctx context.Context) bool { return true }
func (f *fakeCapability) InstalledVersion(ctx context.Context) plugin.VersionProbe {
	return plugin.Unknown
}
func (f *fakeCapability) AvailableVersion(ctx context.Context) plugin.VersionProbe {
	return plugin.Unknown
}
func (f *fakeCapability) NeedsUpdate(ctx context.Context) plugin.UpdateNeed {
	return plugin.NeedYes
}
func (f *fakeCapability) Estimate(ctx context.Context, phase plugin.Phase) *plugin.Estimate {
	if f.estimate == nil {
		return nil
	}
	return &plugin.Estimate{Seconds: f.estimate}
}
func (f *fakeCapability) SupportsSplitDownload() bool { return false }
func (f *fakeCapability) RequiredMutexes(phase plugin.Phase) []string { return f.mutexes }
func (f *fakeCapability) RequiredDependencies(phase plugin.Phase) []string { return nil }
func (f *fakeCapability) SudoCommands() []string { return nil }
func (f *fakeCapability) Execute(ctx context.Context, phase plugin.Phase, dryRun bool) <-chan stream.Event {
	ch := make(chan stream.Event)
	close(ch)
	return ch
}
func (f *fakeCapability) Dependencies() []string { return f.deps }

func TestGraphValidateDetectsCycle(t *testing.T) {
	g := NewGraph([]plugin.Capability{
		&fakeCapability{name: "a", deps: []string{"b"}},
		&fakeCapability{name: "b", deps: []string{"a"}},
	})
	require.Error(t, g.Validate())
}

func TestGraphValidateDetectsUnknownDependency(t *testing.T) {
	g := NewGraph([]plugin.Capability{
		&fakeCapability{name: "a", deps: []string{"ghost"}},
	})
	require.Error(t, g.Validate())
}

func TestGraphValidateAcceptsDAG(t *testing.T) {
	g := NewGraph([]plugin.Capability{
		&fakeCapability{name: "a"},
		&fakeCapability{name: "b", deps: []string{"a"}},
	})
	require.NoError(t, g.Validate())
}

func TestReadyRespectsDependencyOrder(t *testing.T) {
	g := NewGraph([]plugin.Capability{
		&fakeCapability{name: "a"},
		&fakeCapability{name: "b", deps: []string{"a"}},
	})
	ready := g.Ready()
	require.Len(t, ready, 1)
	require.Equal(t, "a", ready[0].Name)

	g.MarkRunning("a")
	require.Empty(t, g.Ready())

	g.MarkDone("a")
	ready = g.Ready()
	require.Len(t, ready, 1)
	require.Equal(t, "b", ready[0].Name)

	g.MarkDone("b")
	require.Equal(t, 0, g.Remaining())
}

func TestSelectorAvoidsMutexCollisionWithinRound(t *testing.T) {
	m := mutex.NewManager(nil)
	s := NewSelector(m, NewDownloadLimiter(0))

	ready := []*Node{
		{Name: "apt1", Capability: &fakeCapability{name: "apt1", mutexes: []string{"apt"}}},
		{Name: "apt2", Capability: &fakeCapability{name: "apt2", mutexes: []string{"apt"}}},
		{Name: "pip", Capability: &fakeCapability{name: "pip", mutexes: []string{"pip"}}},
	}

	picked := s.Select(context.Background(), ready, plugin.PhaseCheck, 10)
	require.Len(t, picked, 2)
	names := map[string]bool{}
	for _, n := range picked {
		names[n.Name] = true
	}
	require.True(t, names["pip"])
	require.True(t, names["apt1"] || names["apt2"])
	require.False(t, names["apt1"] && names["apt2"])
}

func TestSelectorRespectsBudget(t *testing.T) {
	m := mutex.NewManager(nil)
	s := NewSelector(m, NewDownloadLimiter(0))
	ready := []*Node{
		{Name: "a", Capability: &fakeCapability{name: "a"}},
		{Name: "b", Capability: &fakeCapability{name: "b"}},
	}
	picked := s.Select(context.Background(), ready, plugin.PhaseCheck, 1)
	require.Len(t, picked, 1)
}

func TestSelectorPrefersLargerEstimatedWallTimeOnTie(t *testing.T) {
	m := mutex.NewManager(nil)
	s := NewSelector(m, NewDownloadLimiter(0))
	short := 5.0
	long := 50.0
	ready := []*Node{
		{Name: "short", Capability: &fakeCapability{name: "short", estimate: &short}},
		{Name: "long", Capability: &fakeCapability{name: "long", estimate: &long}},
	}
	picked := s.Select(context.Background(), ready, plugin.PhaseCheck, 1)
	require.Len(t, picked, 1)
	require.Equal(t, "long", picked[0].Name)
}

func TestDownloadLimiterBoundsConcurrentAcquires(t *testing.T) {
	lim := NewDownloadLimiter(1)
	require.NoError(t, lim.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := lim.Acquire(ctx)
	require.Error(t, err)

	lim.Release()
	require.NoError(t, lim.Acquire(context.Background()))
	lim.Release()
}

func TestDownloadLimiterUnboundedWhenZero(t *testing.T) {
	lim := NewDownloadLimiter(0)
	require.NoError(t, lim.Acquire(context.Background()))
	require.NoError(t, lim.Acquire(context.Background()))
}

func TestBlockedByFailureSkipsDirectDependent(t *testing.T) {
	g := NewGraph([]plugin.Capability{
		&fakeCapability{name: "a"},
		&fakeCapability{name: "b", deps: []string{"a"}},
	})
	g.MarkFailed("a")

	blocked := g.BlockedByFailure()
	require.Len(t, blocked, 1)
	require.Equal(t, "b", blocked[0].Name)

	g.MarkDone("b")
	require.Equal(t, 0, g.Remaining())
}

func TestBlockedByFailurePropagatesTransitively(t *testing.T) {
	g := NewGraph([]plugin.Capability{
		&fakeCapability{name: "a"},
		&fakeCapability{name: "b", deps: []string{"a"}},
		&fakeCapability{name: "c", deps: []string{"b"}},
		&fakeCapability{name: "unrelated"},
	})
	g.MarkFailed("a")

	blocked := g.BlockedByFailure()
	var names []string
	for _, n := range blocked {
		names = append(names, n.Name)
	}
	require.ElementsMatch(t, []string{"b", "c"}, names)

	for _, n := range blocked {
		g.MarkDone(n.Name)
	}
	require.Empty(t, g.BlockedByFailure())

	ready := g.Ready()
	require.Len(t, ready, 1)
	require.Equal(t, "unrelated", ready[0].Name)
}

func TestBlockedByFailureIgnoresAlreadyDoneNodes(t *testing.T) {
	g := NewGraph([]plugin.Capability{
		&fakeCapability{name: "a"},
		&fakeCapability{name: "b", deps: []string{"a"}},
	})
	g.MarkDone("a")
	g.MarkDone("b")
	g.MarkFailed("a")

	require.Empty(t, g.BlockedByFailure())
}

func TestSelectorSkipsHeldMutex(t *testing.T) {
	m := mutex.NewManager(nil)
	require.NoError(t, m.Acquire(context.Background(), "holder", []string{"apt"}))
	s := NewSelector(m, NewDownloadLimiter(0))

	ready := []*Node{
		{Name: "apt1", Capability: &fakeCapability{name: "apt1", mutexes: []string{"apt"}}},
	}
	picked := s.Select(context.Background(), ready, plugin.PhaseCheck, 10)
	require.Empty(t, picked)
}
