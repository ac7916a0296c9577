// Package plugin defines the Capability contract every update back-end
// satisfies, plus the process-wide registry in-process plugins register
// into — generalized from the teacher's storage.BackendFactory /
// GetRegisteredBackends registry pattern (pkg/storage/factory.go) from a
// single backend-type key to a plugin-name key.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/adamryczkowski/updateall/internal/stream"
)

// Phase re-exports stream.Phase so plugin implementations only import one
// package for the CHECK/DOWNLOAD/EXECUTE vocabulary.
type Phase = stream.Phase

const (
	PhaseCheck    = stream.PhaseCheck
	PhaseDownload = stream.PhaseDownload
	PhaseExecute  = stream.PhaseExecute
)

// UpdateNeed is the tri-state result of NeedsUpdate.
type UpdateNeed int

const (
	NeedUnknown UpdateNeed = iota
	NeedYes
	NeedNo
)

// VersionProbe is the transient VersionInfo result of a version query.
type VersionProbe struct {
	Version string
	Known   bool
}

// Unknown is the well-known "probe failed, proceed" sentinel value used
// throughout the engine: networking/probe errors degrade to unknown rather
// than aborting the run (spec.md 7, TransientIOError).
var Unknown = VersionProbe{Known: false}

// Estimate is the plugin's own pre-execution resource estimate.
type Estimate struct {
	DownloadBytes *int64
	PackageCount  *int
	Seconds       *float64
	Confidence    float64 // [0,1]
}

// Identity is the stable, human-facing description of a plugin.
type Identity struct {
	Name        string
	Description string
	Command     string
}

// Capability is the polymorphic operation set every plugin — in-process or
// external-executable — exposes, per spec.md section 4.1 and section 6.
type Capability interface {
	Identity() Identity
	IsApplicable(ctx context.Context) bool
	InstalledVersion(ctx context.Context) VersionProbe
	AvailableVersion(ctx context.Context) VersionProbe
	NeedsUpdate(ctx context.Context) UpdateNeed
	Estimate(ctx context.Context, phase Phase) *Estimate
	SupportsSplitDownload() bool
	RequiredMutexes(phase Phase) []string
	RequiredDependencies(phase Phase) []string
	SudoCommands() []string
	Execute(ctx context.Context, phase Phase, dryRun bool) <-chan stream.Event
	// Dependencies lists the ordered set of plugin names whose successful
	// completion must precede this plugin's first phase. Distinct from
	// mutexes (advisory vs. correctness, spec.md 4.4/4.5).
	Dependencies() []string
}

// DefaultNeedsUpdate compares InstalledVersion/AvailableVersion by string
// inequality, degrading to unknown when either probe failed. CommandPlugin
// (when no NeedsUpdateFunc is set) and the external plugin adapter use it.
func DefaultNeedsUpdate(installed, available VersionProbe) UpdateNeed {
	if !installed.Known || !available.Known {
		return NeedUnknown
	}
	if installed.Version == available.Version {
		return NeedNo
	}
	return NeedYes
}

// registry is the process-wide plugin factory table, mirroring
// storage.BackendFactory's CreateBackend/GetRegisteredBackends split between
// a registration-time map and queries against it.
var (
	registryMu sync.RWMutex
	registry   = map[string]func(Config) (Capability, error){}
)

// Config is the per-plugin configuration handed to a factory function at
// construction time; concrete plugins type-assert or decode Raw into their
// own shape.
type Config struct {
	Name    string
	Enabled bool
	Timeout float64 // seconds; 0 means "use the engine default"
	Raw     map[string]interface{}
}

// Register adds a plugin factory to the process-wide registry. Called from
// an init() function by in-tree plugin packages, exactly as storage backends
// self-register in pkg/storage/backends.
func Register(name string, factory func(Config) (Capability, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Create instantiates a registered plugin by name.
func Create(cfg Config) (Capability, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin %q is not registered", cfg.Name)
	}
	return factory(cfg)
}

// RegisteredNames returns every registered plugin name, sorted, mirroring
// GetRegisteredBackends's deterministic ordering.
func RegisteredNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
