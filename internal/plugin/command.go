package plugin

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/adamryczkowski/updateall/internal/process"
	"github.com/adamryczkowski/updateall/internal/stream"
)

// UpdateCommand is one shell-out a CommandPlugin runs for a given phase,
// per spec.md section 6.1.
type UpdateCommand struct {
	Argv             []string
	Description      string
	Sudo             bool
	Timeout          time.Duration
	Phase            Phase
	IgnoreExitCodes  []int
	SuccessPatterns  []string
	ErrorPatterns    []string
}

// CommandPlugin is the reference in-process plugin base: version probing
// via "<command> --version", NeedsUpdate via string inequality, and
// execution of a declared list of UpdateCommands through the Process
// Runner — the in-tree default described by spec.md section 6.1.
type CommandPlugin struct {
	Ident            Identity
	VersionArgs      []string
	Commands         []UpdateCommand
	Mutexes          map[Phase][]string
	Dependencies_    []string
	SplitDownload    bool
	SudoCommandPaths []string
	Runner           *process.Runner

	// Applicable reports whether this plugin's back-end exists on the
	// host (e.g. "which apt-get"); nil means always applicable.
	Applicable func(ctx context.Context) bool

	// AvailableVersionFunc probes the remote/repo version; CommandPlugin
	// has no generic way to do this (it differs per package manager), so
	// callers must supply it.
	AvailableVersionFunc func(ctx context.Context) VersionProbe

	// NeedsUpdateFunc overrides DefaultNeedsUpdate's string-inequality
	// comparison for package managers whose version probes aren't a
	// simple before/after pair (e.g. "is anything upgradable" rather than
	// "what version is installed"). nil uses DefaultNeedsUpdate.
	NeedsUpdateFunc func(ctx context.Context) UpdateNeed
}

func (p *CommandPlugin) Identity() Identity { return p.Ident }

func (p *CommandPlugin) IsApplicable(ctx context.Context) bool {
	if p.Applicable == nil {
		return true
	}
	return p.Applicable(ctx)
}

func (p *CommandPlugin) InstalledVersion(ctx context.Context) VersionProbe {
	if p.Ident.Command == "" || len(p.VersionArgs) == 0 {
		return Unknown
	}
	out, err := exec.CommandContext(ctx, p.Ident.Command, p.VersionArgs...).Output()
	if err != nil {
		return Unknown
	}
	return VersionProbe{Version: strings.TrimSpace(string(out)), Known: true}
}

func (p *CommandPlugin) AvailableVersion(ctx context.Context) VersionProbe {
	if p.AvailableVersionFunc == nil {
		return Unknown
	}
	return p.AvailableVersionFunc(ctx)
}

func (p *CommandPlugin) NeedsUpdate(ctx context.Context) UpdateNeed {
	if p.NeedsUpdateFunc != nil {
		return p.NeedsUpdateFunc(ctx)
	}
	return DefaultNeedsUpdate(p.InstalledVersion(ctx), p.AvailableVersion(ctx))
}

func (p *CommandPlugin) Estimate(ctx context.Context, phase Phase) *Estimate {
	return nil
}

func (p *CommandPlugin) SupportsSplitDownload() bool { return p.SplitDownload }

func (p *CommandPlugin) RequiredMutexes(phase Phase) []string {
	return p.Mutexes[phase]
}

func (p *CommandPlugin) RequiredDependencies(phase Phase) []string {
	// Advisory dependencies default to the mutex set: a plugin that will
	// want "apt" is likely to want it free when scheduled, same as it
	// wants it free when it runs.
	return p.Mutexes[phase]
}

func (p *CommandPlugin) SudoCommands() []string { return p.SudoCommandPaths }

func (p *CommandPlugin) Dependencies() []string { return p.Dependencies_ }

// Execute runs every UpdateCommand declared for phase, in order, streaming
// their combined output and emitting a single Completion for the phase.
func (p *CommandPlugin) Execute(ctx context.Context, phase Phase, dryRun bool) <-chan stream.Event {
	out := make(chan stream.Event, stream.DefaultCapacity)
	go func() {
		defer close(out)
		out <- stream.PhaseStart{Phase: phase}

		if dryRun {
			out <- stream.PhaseEnd{Phase: phase, Success: true}
			out <- stream.NewCompletion(true, 0, 0, "")
			return
		}

		var cmds []UpdateCommand
		for _, c := range p.Commands {
			if c.Phase == phase {
				cmds = append(cmds, c)
			}
		}
		if len(cmds) == 0 {
			out <- stream.PhaseEnd{Phase: phase, Success: true}
			out <- stream.NewCompletion(true, 0, 0, "")
			return
		}

		packagesUpdated := 0
		for _, cmd := range cmds {
			spec := process.Spec{
				Argv:            cmd.Argv,
				Sudo:            cmd.Sudo,
				Timeout:         cmd.Timeout,
				IgnoreExitCodes: cmd.IgnoreExitCodes,
				SuccessPatterns: cmd.SuccessPatterns,
			}
			events := p.Runner.Run(ctx, spec)
			var completion stream.Completion
			for ev := range events {
				if c, ok := ev.(stream.Completion); ok {
					completion = c
					continue
				}
				out <- ev
			}
			if !completion.Success {
				out <- stream.PhaseEnd{Phase: phase, Success: false, Error: completion.Error}
				out <- stream.NewCompletion(false, completion.ExitCode, packagesUpdated, completion.Error)
				return
			}
			packagesUpdated++
		}

		out <- stream.PhaseEnd{Phase: phase, Success: true}
		out <- stream.NewCompletion(true, 0, packagesUpdated, "")
	}()
	return out
}
