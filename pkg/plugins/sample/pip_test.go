package sample

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adamryczkowski/updateall/internal/plugin"
)

func TestNewPipPluginWiresIdentityAndPhases(t *testing.T) {
	cap, err := newPipPlugin(plugin.Config{Name: "pip"})
	require.NoError(t, err)

	cp, ok := cap.(*plugin.CommandPlugin)
	require.True(t, ok)
	require.Equal(t, "pip", cp.Ident.Name)
	require.Equal(t, "pip3", cp.Ident.Command)
	require.Equal(t, []string{"--version"}, cp.VersionArgs)

	require.ElementsMatch(t, []string{"pip"}, cp.Mutexes[plugin.PhaseCheck])
	require.ElementsMatch(t, []string{"pip"}, cp.Mutexes[plugin.PhaseExecute])

	require.Len(t, cp.Commands, 2)
	require.Equal(t, plugin.PhaseCheck, cp.Commands[0].Phase)
	require.Equal(t, plugin.PhaseExecute, cp.Commands[1].Phase)
	require.False(t, cp.Commands[0].Sudo)
	require.Equal(t, []int{0}, cp.Commands[1].IgnoreExitCodes)
}

func TestNewPipPluginAppliesConfiguredTimeout(t *testing.T) {
	cap, err := newPipPlugin(plugin.Config{Name: "pip", Timeout: 15})
	require.NoError(t, err)
	cp := cap.(*plugin.CommandPlugin)

	for _, c := range cp.Commands {
		require.Equal(t, 15*time.Second, c.Timeout)
	}
}

func TestNewPipPluginDefaultsTimeoutWhenUnset(t *testing.T) {
	cap, err := newPipPlugin(plugin.Config{Name: "pip"})
	require.NoError(t, err)
	cp := cap.(*plugin.CommandPlugin)

	require.Equal(t, 5*time.Minute, cp.Commands[0].Timeout)
}

func TestPipPluginIsRegistered(t *testing.T) {
	require.Contains(t, plugin.RegisteredNames(), "pip")
}
