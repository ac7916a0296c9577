// Package process supervises child processes on behalf of a plugin phase:
// it launches them (optionally sudo-wrapped), merges stdout/stderr into the
// streaming channel, parses the PROGRESS: sub-protocol, enforces timeouts
// and cancellation via a graceful-then-forceful shutdown sequence, and
// reports resource usage at exit for the Metrics Collector to attach to the
// active StepMetrics row.
package process

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/adamryczkowski/updateall/internal/logging"
	"github.com/adamryczkowski/updateall/internal/stream"
)

// progressSentinel is the in-band sub-protocol marker (spec.md 4.3/6.2).
const progressSentinel = "PROGRESS:"

// GracePeriod is how long a child is given to exit after SIGTERM before
// SIGKILL is sent. spec.md 9(c) leaves the exact duration as an
// implementation choice; 5s is the value picked and honored throughout.
const GracePeriod = 5 * time.Second

// StderrTailLimit bounds how much of a failed command's combined output is
// retained for the UpdateFailed error message (spec.md 7).
const StderrTailLimit = 4 * 1024

// Spec describes one child invocation.
type Spec struct {
	Argv            []string
	Sudo            bool
	Timeout         time.Duration // 0 means no per-invocation deadline
	IgnoreExitCodes []int
	SuccessPatterns []string

	// OnUsage, if set, is called once with the child's accumulated
	// resource usage after it exits, so the Metrics Collector can attach
	// CPU/IO figures to the current StepMetrics row (spec.md 4.3: network
	// bytes are not included here — those are host-level samples taken
	// independently, see internal/metrics).
	OnUsage func(Usage)
}

// Usage is the resource usage the OS reports for a terminated child,
// gathered via syscall.Wait4's Rusage on exit.
type Usage struct {
	UserCPU     time.Duration
	SystemCPU   time.Duration
	MaxRSSBytes int64
	InBlocks    int64
	OutBlocks   int64
}

// Runner launches and supervises child processes.
type Runner struct {
	log *logging.Logger
}

// NewRunner constructs a Runner.
func NewRunner(log *logging.Logger) *Runner {
	if log == nil {
		log = logging.Default()
	}
	return &Runner{log: log.WithComponent("process.runner")}
}

// Run launches spec.Argv and returns a channel of stream.Events ending in
// exactly one Completion (spec.md invariant 4). The channel is closed after
// the Completion is sent.
func (r *Runner) Run(ctx context.Context, spec Spec) <-chan stream.Event {
	out := make(chan stream.Event, stream.DefaultCapacity)
	go r.run(ctx, spec, out)
	return out
}

func (r *Runner) run(ctx context.Context, spec Spec, out chan<- stream.Event) {
	defer close(out)

	argv := spec.Argv
	if spec.Sudo {
		argv = append([]string{"sudo"}, argv...)
	}
	if len(argv) == 0 {
		out <- stream.NewCompletion(false, -1, 0, "empty command")
		return
	}

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, spec.Timeout)
		defer cancelTimeout()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		out <- stream.NewCompletion(false, -1, 0, err.Error())
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		out <- stream.NewCompletion(false, -1, 0, err.Error())
		return
	}

	if err := cmd.Start(); err != nil {
		out <- stream.NewCompletion(false, -1, 0, err.Error())
		return
	}

	var tail outputTail
	var wg sync.WaitGroup
	wg.Add(2)
	go readLines(&wg, stdout, stream.ChannelStdout, out, &tail)
	go readLines(&wg, stderr, stream.ChannelStderr, out, &tail)

	waitDone := make(chan error, 1)
	go func() { wg.Wait(); waitDone <- cmd.Wait() }()

	reason := ""
	select {
	case err := <-waitDone:
		r.finish(cmd, err, spec, tail.String(), out, "")
		return
	case <-runCtx.Done():
		if spec.Timeout > 0 && runCtx.Err() == context.DeadlineExceeded {
			reason = "timeout"
		} else {
			reason = "cancelled"
		}
	}

	r.shutdown(cmd, reason)
	err = <-waitDone
	r.finish(cmd, err, spec, tail.String(), out, reason)
}

// shutdown sends the graceful-then-forceful termination sequence shared by
// cancellation and timeout handling (spec.md 4.3/5).
func (r *Runner) shutdown(cmd *exec.Cmd, reason string) {
	if cmd.Process == nil {
		return
	}
	r.log.Warn("terminating child process", map[string]interface{}{"reason": reason, "pid": cmd.Process.Pid})
	_ = cmd.Process.Signal(syscall.SIGTERM)
	timer := time.NewTimer(GracePeriod)
	defer timer.Stop()
	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-timer.C:
		_ = cmd.Process.Kill()
	}
}

func (r *Runner) finish(cmd *exec.Cmd, waitErr error, spec Spec, tail string, out chan<- stream.Event, forcedReason string) {
	exitCode := 0
	success := true
	errMsg := forcedReason

	if waitErr != nil {
		success = false
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
		if errMsg == "" {
			errMsg = waitErr.Error()
		}
	}

	if !success && forcedReason == "" {
		if containsInt(spec.IgnoreExitCodes, exitCode) {
			success = true
			errMsg = ""
		} else if matchesAny(tail, spec.SuccessPatterns) {
			success = true
			errMsg = ""
		}
	}

	if !success && len(tail) > StderrTailLimit {
		tail = tail[len(tail)-StderrTailLimit:]
	}
	if !success && errMsg == "" {
		errMsg = tail
	}

	if spec.OnUsage != nil && cmd.ProcessState != nil {
		if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok {
			spec.OnUsage(rusageFrom(ru))
		}
	}

	out <- stream.NewCompletion(success, exitCode, 0, logging.Redact(errMsg))
}

func containsInt(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func matchesAny(haystack string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(haystack, p) {
			return true
		}
	}
	return false
}

// outputTail accumulates combined stdout+stderr for success-pattern
// matching and the UpdateFailed error tail, bounded so a runaway command
// cannot exhaust memory.
type outputTail struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (t *outputTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.WriteString(line)
	t.buf.WriteByte('\n')
	if t.buf.Len() > 4*StderrTailLimit {
		s := t.buf.String()
		t.buf.Reset()
		t.buf.WriteString(s[len(s)-StderrTailLimit:])
	}
}

func (t *outputTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// readLines scans a child pipe line by line, classifying each line as
// either a PROGRESS: event or plain Output, per spec.md 4.3(1)/(2).
// Two readers (stdout, stderr) run concurrently; their events interleave
// only as each reader observes lines, preserving per-channel order without
// a cross-channel ordering guarantee (spec.md 5).
func readLines(wg *sync.WaitGroup, r io.Reader, ch stream.Channel, out chan<- stream.Event, tail *outputTail) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		tail.add(line)
		if ev, ok := parseProgress(line); ok {
			out <- ev
			continue
		}
		out <- stream.NewOutput(ch, line)
	}
}

// progressPayload mirrors the StreamEvent shape carried after the
// PROGRESS: sentinel (spec.md 6.2).
type progressPayload struct {
	Type       string   `json:"type"`
	Phase      string   `json:"phase,omitempty"`
	Percent    *float64 `json:"percent,omitempty"`
	Message    string   `json:"message,omitempty"`
	BytesDone  *int64   `json:"bytes_done,omitempty"`
	BytesTotal *int64   `json:"bytes_total,omitempty"`
	ItemsDone  *int64   `json:"items_done,omitempty"`
	ItemsTotal *int64   `json:"items_total,omitempty"`
}

func parseProgress(line string) (stream.Event, bool) {
	idx := strings.Index(line, progressSentinel)
	if idx != 0 {
		return nil, false
	}
	payload := strings.TrimSpace(line[len(progressSentinel):])
	var p progressPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, false
	}
	switch p.Type {
	case "phase_start":
		return stream.PhaseStart{Phase: parsePhase(p.Phase)}, true
	case "phase_end":
		return stream.PhaseEnd{Phase: parsePhase(p.Phase), Success: p.Message != "error"}, true
	case "error":
		return stream.Error{Message: p.Message}, true
	default:
		return stream.Progress{
			Phase:      parsePhase(p.Phase),
			Percent:    p.Percent,
			Message:    p.Message,
			BytesDone:  p.BytesDone,
			BytesTotal: p.BytesTotal,
			ItemsDone:  p.ItemsDone,
			ItemsTotal: p.ItemsTotal,
		}, true
	}
}

func parsePhase(s string) stream.Phase {
	switch strings.ToUpper(s) {
	case "DOWNLOAD":
		return stream.PhaseDownload
	case "EXECUTE":
		return stream.PhaseExecute
	default:
		return stream.PhaseCheck
	}
}

// rusageFrom extracts the fields this engine tracks from a syscall.Rusage,
// converting the platform's (sec, usec) pairs to durations.
func rusageFrom(ru *syscall.Rusage) Usage {
	if ru == nil {
		return Usage{}
	}
	return Usage{
		UserCPU:     time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond,
		SystemCPU:   time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond,
		MaxRSSBytes: int64(ru.Maxrss),
		InBlocks:    int64(ru.Inblock),
		OutBlocks:   int64(ru.Oublock),
	}
}

// ParseInt parses a whitespace-trimmed decimal integer, such as the N of
// plain-text "packages changed: N" style output, reporting false when it
// is not one; kept alongside the other output-parsing helpers.
func ParseInt(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}
