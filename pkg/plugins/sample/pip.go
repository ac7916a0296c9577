package sample

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/adamryczkowski/updateall/internal/plugin"
	"github.com/adamryczkowski/updateall/internal/process"
)

func init() {
	plugin.Register("pip", newPipPlugin)
}

func newPipPlugin(cfg plugin.Config) (plugin.Capability, error) {
	timeout := 5 * time.Minute
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout * float64(time.Second))
	}

	return &plugin.CommandPlugin{
		Ident: plugin.Identity{
			Name:        "pip",
			Description: "Python pip package manager (user site-packages)",
			Command:     "pip3",
		},
		VersionArgs: []string{"--version"},
		Mutexes: map[plugin.Phase][]string{
			plugin.PhaseCheck:   {"pip"},
			plugin.PhaseExecute: {"pip"},
		},
		Runner: process.NewRunner(nil),
		Applicable: func(ctx context.Context) bool {
			_, err := exec.LookPath("pip3")
			return err == nil
		},
		AvailableVersionFunc: func(ctx context.Context) plugin.VersionProbe {
			return pipOutdatedSummary(ctx)
		},
		NeedsUpdateFunc: func(ctx context.Context) plugin.UpdateNeed {
			switch pipOutdatedSummary(ctx) {
			case plugin.VersionProbe{Version: "none", Known: true}:
				return plugin.NeedNo
			case plugin.VersionProbe{Version: "outdated", Known: true}:
				return plugin.NeedYes
			default:
				return plugin.NeedUnknown
			}
		},
		Commands: []plugin.UpdateCommand{
			{
				Argv:        []string{"pip3", "list", "--outdated", "--format=freeze"},
				Description: "list outdated packages",
				Timeout:     timeout,
				Phase:       plugin.PhaseCheck,
			},
			{
				Argv:            []string{"pip3", "install", "--upgrade", "--user", "pip"},
				Description:     "upgrade pip itself",
				Timeout:         timeout,
				Phase:           plugin.PhaseExecute,
				IgnoreExitCodes: []int{0},
			},
		},
	}, nil
}

func pipOutdatedSummary(ctx context.Context) plugin.VersionProbe {
	cmd := exec.CommandContext(ctx, "pip3", "list", "--outdated", "--format=freeze")
	out, err := cmd.Output()
	if err != nil {
		return plugin.Unknown
	}
	if strings.TrimSpace(string(out)) == "" {
		return plugin.VersionProbe{Version: "none", Known: true}
	}
	return plugin.VersionProbe{Version: "outdated", Known: true}
}
