// Package external adapts an arbitrary executable to the plugin
// Capability interface via the verb-based subcommand protocol (spec.md
// 6.2): is-applicable, installed-version, available-version,
// estimate-update, does-require-sudo, sudo-programs-paths,
// can-separate-download, download/update (self-update is never sent), and the
// newline-separated *-mutexes/*-dependency queries. Grounded on the
// CommandPlugin base in internal/plugin/command.go, generalized from a
// fixed declared-command list to one where every operation itself shells
// out to the plugin binary with a different verb.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/adamryczkowski/updateall/internal/plugin"
	"github.com/adamryczkowski/updateall/internal/process"
	"github.com/adamryczkowski/updateall/internal/stream"
)

// Plugin wraps one external executable implementing the verb protocol.
type Plugin struct {
	Path    string
	Name    string
	Timeout time.Duration
	Runner  *process.Runner
}

// New constructs a Plugin for the executable at path.
func New(path, name string, timeout time.Duration, runner *process.Runner) *Plugin {
	if runner == nil {
		runner = process.NewRunner(nil)
	}
	return &Plugin{Path: path, Name: name, Timeout: timeout, Runner: runner}
}

func (p *Plugin) Identity() plugin.Identity {
	return plugin.Identity{Name: p.Name, Description: p.Name + " (external plugin)", Command: p.Path}
}

func (p *Plugin) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if p.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, p.Timeout)
}

func (p *Plugin) run(parent context.Context, args ...string) (stdout string, exitCode int, err error) {
	ctx, cancel := p.ctx(parent)
	defer cancel()
	cmd := exec.CommandContext(ctx, p.Path, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	err = cmd.Run()
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}
	return out.String(), exitCode, err
}

func (p *Plugin) IsApplicable(ctx context.Context) bool {
	_, exitCode, err := p.run(ctx, "is-applicable")
	return err == nil && exitCode == 0
}

func (p *Plugin) InstalledVersion(ctx context.Context) plugin.VersionProbe {
	return p.versionProbe(ctx, "installed-version")
}

func (p *Plugin) AvailableVersion(ctx context.Context) plugin.VersionProbe {
	return p.versionProbe(ctx, "available-version")
}

func (p *Plugin) versionProbe(ctx context.Context, verb string) plugin.VersionProbe {
	out, _, err := p.run(ctx, verb)
	if err != nil {
		return plugin.Unknown
	}
	v := strings.TrimSpace(out)
	if v == "" {
		return plugin.Unknown
	}
	return plugin.VersionProbe{Version: v, Known: true}
}

func (p *Plugin) NeedsUpdate(ctx context.Context) plugin.UpdateNeed {
	return plugin.DefaultNeedsUpdate(p.InstalledVersion(ctx), p.AvailableVersion(ctx))
}

// estimatePayload mirrors the estimate-update verb's JSON stdout shape.
type estimatePayload struct {
	DownloadBytes *int64   `json:"download_bytes"`
	CPUSeconds    *float64 `json:"cpu_seconds"`
	WallSeconds   *float64 `json:"wall_seconds"`
	MemoryBytes   *int64   `json:"memory_bytes"`
	PackageCount  *int     `json:"package_count"`
	Confidence    *float64 `json:"confidence"`
}

func (p *Plugin) Estimate(ctx context.Context, _ plugin.Phase) *plugin.Estimate {
	out, _, err := p.run(ctx, "estimate-update")
	if err != nil {
		return nil
	}
	var payload estimatePayload
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		return nil
	}
	confidence := 0.5
	if payload.Confidence != nil {
		confidence = *payload.Confidence
	}
	return &plugin.Estimate{
		DownloadBytes: payload.DownloadBytes,
		PackageCount:  payload.PackageCount,
		Seconds:       payload.WallSeconds,
		Confidence:    confidence,
	}
}

func (p *Plugin) SupportsSplitDownload() bool {
	_, exitCode, err := p.run(context.Background(), "can-separate-download")
	return err == nil && exitCode == 0
}

func (p *Plugin) RequiredMutexes(ph plugin.Phase) []string {
	return p.lines(context.Background(), verbFor(ph, "mutexes"))
}

func (p *Plugin) RequiredDependencies(ph plugin.Phase) []string {
	return p.lines(context.Background(), verbFor(ph, "dependency"))
}

func verbFor(ph plugin.Phase, suffix string) string {
	switch ph {
	case plugin.PhaseDownload:
		return "download-" + suffix
	case plugin.PhaseExecute:
		return "update-" + suffix
	default:
		return "check-" + suffix
	}
}

func (p *Plugin) lines(ctx context.Context, verb string) []string {
	out, _, err := p.run(ctx, verb)
	if err != nil {
		return nil
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names
}

func (p *Plugin) SudoCommands() []string {
	return p.lines(context.Background(), "sudo-programs-paths")
}

func (p *Plugin) requiresSudo(ctx context.Context) bool {
	_, exitCode, err := p.run(ctx, "does-require-sudo")
	return err == nil && exitCode == 0
}

func (p *Plugin) Dependencies() []string {
	return p.RequiredDependencies(plugin.PhaseCheck)
}

// verbForExecute maps a phase to the long-running verb that actually
// performs work: download for PhaseDownload, update for every other phase.
func verbForExecute(ph plugin.Phase) string {
	switch ph {
	case plugin.PhaseDownload:
		return "download"
	default:
		return "update"
	}
}

func (p *Plugin) Execute(ctx context.Context, ph plugin.Phase, dryRun bool) <-chan stream.Event {
	out := make(chan stream.Event, stream.DefaultCapacity)
	go func() {
		defer close(out)
		out <- stream.PhaseStart{Phase: ph}

		if dryRun {
			out <- stream.PhaseEnd{Phase: ph, Success: true}
			out <- stream.NewCompletion(true, 0, 0, "")
			return
		}

		spec := process.Spec{
			Argv:    []string{p.Path, verbForExecute(ph)},
			Sudo:    p.requiresSudo(ctx),
			Timeout: p.Timeout,
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
		out <- stream.PhaseEnd{Phase: ph, Success: completion.Success, Error: completion.Error}
		out <- completion
	}()
	return out
}
