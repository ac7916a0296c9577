// Package metrics periodically samples host CPU, memory, and I/O counters
// while a plugin phase runs, and finalizes them together with the child
// process's own Usage figures into a StepMetrics row (spec.md 4.8). Host
// sampling via gopsutil is new relative to the teacher, which has no
// resource-sampling code of its own; the sampling-loop shape (ticker,
// context-cancellable goroutine, mutex-guarded accumulator) follows the
// periodic-maintenance goroutines in pkg/resilience (circuit breaker half-
// open probes run on the same ticker-plus-done-channel pattern).
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/adamryczkowski/updateall/internal/logging"
	procrunner "github.com/adamryczkowski/updateall/internal/process"
)

// SampleInterval is how often the collector polls host counters while a
// step is active.
const SampleInterval = 1 * time.Second

// StepMetrics is the finalized resource accounting for one plugin phase,
// stored verbatim in the step_metrics history table (spec.md 4.8/4.9).
type StepMetrics struct {
	PluginName   string
	Phase        string
	StartedAt    time.Time
	EndedAt      time.Time
	WallDuration time.Duration

	UserCPU     time.Duration
	SystemCPU   time.Duration
	MaxRSSBytes int64
	InBlocks    int64
	OutBlocks   int64

	HostCPUPercentAvg float64
	HostMemUsedBytes  uint64
	NetBytesSent      uint64
	NetBytesRecv      uint64

	SampleCount int
}

// Collector samples host-wide counters on a ticker for the duration of one
// step and combines them with the child's own rusage figures at Finish.
type Collector struct {
	log *logging.Logger

	mu           sync.Mutex
	cpuSum       float64
	cpuSamples   int
	memLast      uint64
	netSentStart uint64
	netRecvStart uint64
	netSentLast  uint64
	netRecvLast  uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector constructs an idle Collector.
func NewCollector(log *logging.Logger) *Collector {
	if log == nil {
		log = logging.Default()
	}
	return &Collector{log: log.WithComponent("metrics.collector")}
}

// Start begins sampling host counters in the background until Finish is
// called or ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	sampleCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	if counters, err := net.IOCounters(false); err == nil && len(counters) > 0 {
		c.netSentStart = counters[0].BytesSent
		c.netRecvStart = counters[0].BytesRecv
		c.netSentLast = c.netSentStart
		c.netRecvLast = c.netRecvStart
	}

	go c.loop(sampleCtx)
}

func (c *Collector) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Collector) sample() {
	percents, err := cpu.Percent(0, false)
	var cpuPct float64
	if err == nil && len(percents) > 0 {
		cpuPct = percents[0]
	}

	var memUsed uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsed = vm.Used
	}

	var sent, recv uint64
	if counters, err := net.IOCounters(false); err == nil && len(counters) > 0 {
		sent = counters[0].BytesSent
		recv = counters[0].BytesRecv
	}

	c.mu.Lock()
	c.cpuSum += cpuPct
	c.cpuSamples++
	c.memLast = memUsed
	if sent > 0 {
		c.netSentLast = sent
	}
	if recv > 0 {
		c.netRecvLast = recv
	}
	c.mu.Unlock()
}

// Finish stops sampling and returns the accumulated host metrics; wall and
// process-level figures are filled in by the caller from its own
// timestamps and the process.Usage it passes to Finalize.
func (c *Collector) Finish() (hostCPUAvg float64, hostMemUsed, netSent, netRecv uint64, samples int) {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cpuSamples > 0 {
		hostCPUAvg = c.cpuSum / float64(c.cpuSamples)
	}
	hostMemUsed = c.memLast
	if c.netSentLast >= c.netSentStart {
		netSent = c.netSentLast - c.netSentStart
	}
	if c.netRecvLast >= c.netRecvStart {
		netRecv = c.netRecvLast - c.netRecvStart
	}
	samples = c.cpuSamples
	return
}

// ChildPIDCPUPercent reports a single child process's CPU usage by PID,
// used by plugins that want to attribute contention to a specific
// subprocess rather than the whole host (spec.md 4.8's "per-process"
// option).
func ChildPIDCPUPercent(ctx context.Context, pid int32) (float64, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return 0, err
	}
	return p.CPUPercentWithContext(ctx)
}

// Finalize merges host samples and a child's reported Usage into a
// complete StepMetrics row.
func Finalize(pluginName, phaseName string, started, ended time.Time, usage procrunner.Usage, hostCPUAvg float64, hostMem, netSent, netRecv uint64, samples int) StepMetrics {
	return StepMetrics{
		PluginName:        pluginName,
		Phase:             phaseName,
		StartedAt:         started,
		EndedAt:           ended,
		WallDuration:      ended.Sub(started),
		UserCPU:           usage.UserCPU,
		SystemCPU:         usage.SystemCPU,
		MaxRSSBytes:       usage.MaxRSSBytes,
		InBlocks:          usage.InBlocks,
		OutBlocks:         usage.OutBlocks,
		HostCPUPercentAvg: hostCPUAvg,
		HostMemUsedBytes:  hostMem,
		NetBytesSent:      netSent,
		NetBytesRecv:      netRecv,
		SampleCount:       samples,
	}
}
