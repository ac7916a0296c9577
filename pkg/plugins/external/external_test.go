package external

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adamryczkowski/updateall/internal/plugin"
	"github.com/adamryczkowski/updateall/internal/process"
	"github.com/adamryczkowski/updateall/internal/stream"
)

// writeScript drops an executable shell script into t.TempDir() that
// dispatches on its first argument (the verb the plugin protocol sends).
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-plugin")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestVerbForMapsPhaseToProtocolVerbs(t *testing.T) {
	require.Equal(t, "check-mutexes", verbFor(plugin.PhaseCheck, "mutexes"))
	require.Equal(t, "download-mutexes", verbFor(plugin.PhaseDownload, "mutexes"))
	require.Equal(t, "update-mutexes", verbFor(plugin.PhaseExecute, "mutexes"))
	require.Equal(t, "check-dependency", verbFor(plugin.PhaseCheck, "dependency"))
}

func TestVerbForExecuteMapsDownloadAndUpdate(t *testing.T) {
	require.Equal(t, "download", verbForExecute(plugin.PhaseDownload))
	require.Equal(t, "update", verbForExecute(plugin.PhaseExecute))
	require.Equal(t, "update", verbForExecute(plugin.PhaseCheck))
}

func TestIsApplicableReflectsExitCode(t *testing.T) {
	path := writeScript(t, `
case "$1" in
  is-applicable) exit 0 ;;
esac
`)
	p := New(path, "fake", time.Second, process.NewRunner(nil))
	require.True(t, p.IsApplicable(context.Background()))
}

func TestIsApplicableFalseOnNonZeroExit(t *testing.T) {
	path := writeScript(t, `
case "$1" in
  is-applicable) exit 1 ;;
esac
`)
	p := New(path, "fake", time.Second, process.NewRunner(nil))
	require.False(t, p.IsApplicable(context.Background()))
}

func TestVersionProbesReadStdout(t *testing.T) {
	path := writeScript(t, `
case "$1" in
  installed-version) echo "1.2.3" ;;
  available-version) echo "1.3.0" ;;
esac
`)
	p := New(path, "fake", time.Second, process.NewRunner(nil))

	installed := p.InstalledVersion(context.Background())
	require.True(t, installed.Known)
	require.Equal(t, "1.2.3", installed.Version)

	available := p.AvailableVersion(context.Background())
	require.True(t, available.Known)
	require.Equal(t, "1.3.0", available.Version)

	require.Equal(t, plugin.NeedYes, p.NeedsUpdate(context.Background()))
}

func TestEstimateParsesJSONPayload(t *testing.T) {
	path := writeScript(t, `
case "$1" in
  estimate-update) echo '{"download_bytes":1024,"wall_seconds":12.5,"confidence":0.9}' ;;
esac
`)
	p := New(path, "fake", time.Second, process.NewRunner(nil))

	est := p.Estimate(context.Background(), plugin.PhaseExecute)
	require.NotNil(t, est)
	require.Equal(t, int64(1024), *est.DownloadBytes)
	require.InDelta(t, 12.5, *est.Seconds, 0.001)
	require.InDelta(t, 0.9, est.Confidence, 0.001)
}

func TestEstimateReturnsNilOnMalformedJSON(t *testing.T) {
	path := writeScript(t, `
case "$1" in
  estimate-update) echo 'not json' ;;
esac
`)
	p := New(path, "fake", time.Second, process.NewRunner(nil))
	require.Nil(t, p.Estimate(context.Background(), plugin.PhaseExecute))
}

func TestRequiredMutexesSplitsNewlineOutput(t *testing.T) {
	path := writeScript(t, `
case "$1" in
  update-mutexes) printf 'apt\ndpkg\n' ;;
esac
`)
	p := New(path, "fake", time.Second, process.NewRunner(nil))
	require.ElementsMatch(t, []string{"apt", "dpkg"}, p.RequiredMutexes(plugin.PhaseExecute))
}

func TestDependenciesUsesCheckPhaseVerb(t *testing.T) {
	path := writeScript(t, `
case "$1" in
  check-dependency) printf 'base\n' ;;
esac
`)
	p := New(path, "fake", time.Second, process.NewRunner(nil))
	require.Equal(t, []string{"base"}, p.Dependencies())
}

func TestExecuteDryRunSkipsActualWork(t *testing.T) {
	path := writeScript(t, `exit 1`)
	p := New(path, "fake", time.Second, process.NewRunner(nil))

	var completion stream.Completion
	for ev := range p.Execute(context.Background(), plugin.PhaseExecute, true) {
		if c, ok := ev.(stream.Completion); ok {
			completion = c
		}
	}
	require.True(t, completion.Success)
}

func TestExecuteRunsUpdateVerbAndReportsCompletion(t *testing.T) {
	path := writeScript(t, `
case "$1" in
  does-require-sudo) exit 1 ;;
  update) echo "updated" ; exit 0 ;;
esac
`)
	p := New(path, "fake", time.Second, process.NewRunner(nil))

	var completion stream.Completion
	var sawOutput bool
	for ev := range p.Execute(context.Background(), plugin.PhaseExecute, false) {
		switch v := ev.(type) {
		case stream.Completion:
			completion = v
		case stream.Output:
			sawOutput = true
		}
	}
	require.True(t, completion.Success)
	require.True(t, sawOutput)
}
