// Package sample provides reference in-tree plugins built on
// internal/plugin.CommandPlugin, demonstrating the declared-UpdateCommand
// style spec.md 6.1 describes as the in-process plugin default.
package sample

import (
	"bufio"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/adamryczkowski/updateall/internal/plugin"
	"github.com/adamryczkowski/updateall/internal/process"
)

func init() {
	plugin.Register("apt", newAptPlugin)
}

func newAptPlugin(cfg plugin.Config) (plugin.Capability, error) {
	timeout := 10 * time.Minute
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout * float64(time.Second))
	}

	return &plugin.CommandPlugin{
		Ident: plugin.Identity{
			Name:        "apt",
			Description: "Debian/Ubuntu APT package manager",
			Command:     "apt-get",
		},
		// VersionArgs is left unset: apt has no single installed/
		// available version pair the way a self-versioned tool does.
		// NeedsUpdateFunc below reads aptAvailableVersion's
		// up-to-date/updates-pending classification directly instead of
		// DefaultNeedsUpdate's string-inequality comparison.
		Mutexes: map[plugin.Phase][]string{
			plugin.PhaseCheck:    {"apt"},
			plugin.PhaseDownload: {"apt"},
			plugin.PhaseExecute:  {"apt", "dpkg"},
		},
		SudoCommandPaths: []string{"/usr/bin/apt-get"},
		Runner:           process.NewRunner(nil),
		Applicable: func(ctx context.Context) bool {
			_, err := exec.LookPath("apt-get")
			return err == nil
		},
		AvailableVersionFunc: func(ctx context.Context) plugin.VersionProbe {
			return aptAvailableVersion(ctx)
		},
		NeedsUpdateFunc: func(ctx context.Context) plugin.UpdateNeed {
			switch aptAvailableVersion(ctx) {
			case plugin.VersionProbe{Version: "up-to-date", Known: true}:
				return plugin.NeedNo
			case plugin.VersionProbe{Version: "updates-pending", Known: true}:
				return plugin.NeedYes
			default:
				return plugin.NeedUnknown
			}
		},
		Commands: []plugin.UpdateCommand{
			{
				Argv:            []string{"apt-get", "update"},
				Description:     "refresh package indexes",
				Sudo:            true,
				Timeout:         timeout,
				Phase:           plugin.PhaseCheck,
				SuccessPatterns: []string{"Reading package lists"},
			},
			{
				Argv:            []string{"apt-get", "-y", "--download-only", "upgrade"},
				Description:     "download upgradable packages",
				Sudo:            true,
				Timeout:         timeout,
				Phase:           plugin.PhaseDownload,
			},
			{
				Argv:            []string{"apt-get", "-y", "upgrade"},
				Description:     "apply package upgrades",
				Sudo:            true,
				Timeout:         timeout,
				Phase:           plugin.PhaseExecute,
			},
		},
	}, nil
}

// aptAvailableVersion shells out to "apt list --upgradable" and counts
// package lines (those containing "/") as a stand-in for a real
// per-package version comparison: one or more yields "updates-pending",
// none yields "up-to-date", which NeedsUpdateFunc maps to NeedYes/NeedNo.
func aptAvailableVersion(ctx context.Context) plugin.VersionProbe {
	cmd := exec.CommandContext(ctx, "apt", "list", "--upgradable")
	out, err := cmd.Output()
	if err != nil {
		return plugin.Unknown
	}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	count := 0
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "/") {
			count++
		}
	}
	if count == 0 {
		return plugin.VersionProbe{Version: "up-to-date", Known: true}
	}
	return plugin.VersionProbe{Version: "updates-pending", Known: true}
}
