package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	procrunner "github.com/adamryczkowski/updateall/internal/process"
)

func TestCollectorFinishWithoutStartReturnsZeroValues(t *testing.T) {
	c := NewCollector(nil)
	cpuAvg, mem, sent, recv, samples := c.Finish()
	require.Zero(t, cpuAvg)
	require.Zero(t, mem)
	require.Zero(t, sent)
	require.Zero(t, recv)
	require.Zero(t, samples)
}

func TestCollectorStartFinishDoesNotPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewCollector(nil)
	c.Start(ctx)
	time.Sleep(10 * time.Millisecond)
	_, _, _, _, _ = c.Finish()
}

func TestFinalizeCombinesUsageAndHostSamples(t *testing.T) {
	started := time.Now()
	ended := started.Add(2 * time.Second)
	usage := procrunner.Usage{UserCPU: time.Second, MaxRSSBytes: 1024}

	m := Finalize("apt", "EXECUTE", started, ended, usage, 12.5, 2048, 100, 200, 3)

	require.Equal(t, "apt", m.PluginName)
	require.Equal(t, "EXECUTE", m.Phase)
	require.Equal(t, 2*time.Second, m.WallDuration)
	require.Equal(t, time.Second, m.UserCPU)
	require.Equal(t, int64(1024), m.MaxRSSBytes)
	require.Equal(t, 12.5, m.HostCPUPercentAvg)
	require.Equal(t, uint64(2048), m.HostMemUsedBytes)
	require.Equal(t, uint64(100), m.NetBytesSent)
	require.Equal(t, uint64(200), m.NetBytesRecv)
	require.Equal(t, 3, m.SampleCount)
}
