package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDirOf(t *testing.T) {
	require.Equal(t, "/etc/updateall", dirOf("/etc/updateall/config.yaml"))
	require.Equal(t, ".", dirOf("config.yaml"))
}

func TestWatcherRunReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schedule":{"max_concurrent_plugins":4}}`), 0o644))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *EngineConfig, 1)
	go w.Run(ctx, func(cfg *EngineConfig) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"schedule":{"max_concurrent_plugins":9}}`), 0o644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, 9, cfg.Schedule.MaxConcurrentPlugins)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not observe the config file write")
	}
}
