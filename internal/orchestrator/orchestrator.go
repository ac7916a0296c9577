// Package orchestrator implements the top-level run loop described in
// spec.md 4.7: open a run, build each enabled plugin's phase machine,
// request estimates, hand the set to the scheduler, fan out execution
// with golang.org/x/sync/errgroup, relay every plugin's stream to the UI
// sink, sample host metrics per phase, and persist execution, step-metrics
// and estimate rows to the history store before closing the run. The
// stream events themselves go to the sink only; the history store does not
// receive them. The fan-out shape (errgroup.Group with SetLimit bounding
// concurrent plugins, one goroutine per dispatched ticket) follows the
// teacher's compliance batch processor
// (pkg/compliance/processor.go's worker-pool section) generalized from a
// fixed worker count to the scheduler's budget-constrained ready set.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/adamryczkowski/updateall/internal/config"
	"github.com/adamryczkowski/updateall/internal/errs"
	"github.com/adamryczkowski/updateall/internal/estimator"
	"github.com/adamryczkowski/updateall/internal/history"
	"github.com/adamryczkowski/updateall/internal/logging"
	"github.com/adamryczkowski/updateall/internal/metrics"
	"github.com/adamryczkowski/updateall/internal/mutex"
	"github.com/adamryczkowski/updateall/internal/phase"
	"github.com/adamryczkowski/updateall/internal/plugin"
	"github.com/adamryczkowski/updateall/internal/process"
	"github.com/adamryczkowski/updateall/internal/scheduler"
	"github.com/adamryczkowski/updateall/internal/stream"
)

// Sink receives every event published for the whole run, the UI
// consumer's view onto the Streaming Channel (spec.md 4.2/4.7).
type Sink interface {
	Publish(ev stream.Event)
}

// Orchestrator drives one full run of every applicable, enabled plugin.
type Orchestrator struct {
	cfg     *config.EngineConfig
	store   *history.Store
	mutexes *mutex.Manager
	log     *logging.Logger
	dryRun  bool
}

// New constructs an Orchestrator. store may be nil, in which case history
// persistence is skipped.
func New(cfg *config.EngineConfig, store *history.Store, log *logging.Logger, dryRun bool) *Orchestrator {
	if log == nil {
		log = logging.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		mutexes: mutex.NewManager(log),
		log:     log.WithComponent("orchestrator"),
		dryRun:  dryRun,
	}
}

// Result summarizes one completed run.
type Result struct {
	RunID          uuid.UUID
	Succeeded      []string
	Failed         []string
	Skipped        []string
	Cancelled      bool
}

// pluginState tracks one plugin's progress through the run, combining its
// Capability, phase machine, and (if persistence is enabled) its history
// execution row.
type pluginState struct {
	node        *scheduler.Node
	machine     *phase.Machine
	executionID uuid.UUID
	startedAt   time.Time
}

// Run executes every enabled, applicable plugin to completion, honoring
// ctx cancellation, and returns the tallied Result.
func (o *Orchestrator) Run(ctx context.Context, caps []plugin.Capability, sink Sink) (*Result, error) {
	runID := uuid.New()
	startedAt := time.Now().UTC()
	hostname, _ := os.Hostname()

	if o.store != nil {
		if err := o.store.CreateRun(ctx, &history.Run{
			RunID:     runID,
			StartedAt: startedAt,
			DryRun:    o.dryRun,
			Hostname:  hostname,
		}); err != nil {
			return nil, fmt.Errorf("open run: %w", err)
		}
	}

	var selected []plugin.Capability
	for _, c := range caps {
		name := c.Identity().Name
		if !o.cfg.IsEnabled(name) {
			continue
		}
		if !c.IsApplicable(ctx) {
			o.log.Debug("plugin not applicable on this host", map[string]interface{}{
				"plugin": name,
				"error":  errs.ErrUnavailable.Error(),
			})
			continue
		}
		selected = append(selected, c)
	}

	graph := scheduler.NewGraph(selected)
	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfig, err)
	}
	selector := scheduler.NewSelector(o.mutexes, scheduler.NewDownloadLimiter(o.cfg.Schedule.MaxParallelDownloads))

	states := make(map[string]*pluginState, len(selected))
	for _, c := range selected {
		states[c.Identity().Name] = &pluginState{machine: phase.NewMachine()}
	}

	result := &Result{RunID: runID}
	var resultMu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(o.cfg.Schedule.MaxConcurrentPlugins)

	for {
		select {
		case <-ctx.Done():
			result.Cancelled = true
		default:
		}
		if result.Cancelled || graph.Remaining() == 0 {
			break
		}

		for _, blocked := range graph.BlockedByFailure() {
			o.skipBlockedPlugin(ctx, runID, blocked.Name)
			resultMu.Lock()
			result.Skipped = append(result.Skipped, blocked.Name)
			resultMu.Unlock()
			graph.MarkDone(blocked.Name)
		}
		if graph.Remaining() == 0 {
			break
		}

		ready := graph.Ready()
		if len(ready) == 0 {
			// nothing ready but work remains: either in-flight tasks will
			// free dependencies, or mutex contention will resolve. Avoid
			// a busy spin.
			time.Sleep(20 * time.Millisecond)
			continue
		}

		budget := o.cfg.Schedule.MaxConcurrentPlugins
		picks := selector.Select(ctx, ready, plugin.PhaseCheck, budget)
		if len(picks) == 0 {
			time.Sleep(20 * time.Millisecond)
			continue
		}

		for _, node := range picks {
			node := node
			graph.MarkRunning(node.Name)
			st := states[node.Name]
			st.node = node
			eg.Go(func() error {
				outcome := o.runPlugin(egCtx, runID, node, st, sink, selector)
				resultMu.Lock()
				switch outcome {
				case outcomeSucceeded:
					result.Succeeded = append(result.Succeeded, node.Name)
				case outcomeSkipped:
					result.Skipped = append(result.Skipped, node.Name)
				default:
					result.Failed = append(result.Failed, node.Name)
				}
				resultMu.Unlock()
				switch outcome {
				case outcomeSucceeded, outcomeSkipped:
					graph.MarkDone(node.Name)
				default:
					graph.MarkFailed(node.Name)
				}
				return nil
			})
		}
	}

	_ = eg.Wait()

	endedAt := time.Now().UTC()
	if o.store != nil {
		_ = o.store.CloseRun(ctx, &history.Run{
			RunID:          runID,
			EndedAt:        &endedAt,
			SucceededCount: len(result.Succeeded),
			FailedCount:    len(result.Failed),
			SkippedCount:   len(result.Skipped),
			Cancelled:      result.Cancelled,
		})
	}

	return result, nil
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeSkipped
	outcomeFailed
)

// runPlugin drives a single plugin through CHECK and, if needed,
// DOWNLOAD/EXECUTE, persisting its execution row, estimate and step
// metrics along the way.
func (o *Orchestrator) runPlugin(ctx context.Context, runID uuid.UUID, node *scheduler.Node, st *pluginState, sink Sink, selector *scheduler.Selector) outcome {
	cap := node.Capability
	name := node.Name
	st.startedAt = time.Now().UTC()

	if o.store != nil {
		st.executionID = uuid.New()
		_ = o.store.CreatePluginExecution(ctx, &history.PluginExecution{
			ExecutionID: st.executionID,
			RunID:       runID,
			PluginName:  name,
			FinalState:  "checking",
			StartedAt:   st.startedAt,
		})
	}

	if err := st.machine.Transition(phase.StateChecking); err != nil {
		o.log.Error("illegal transition", map[string]interface{}{"plugin": name, "error": err.Error()})
	}

	need := cap.NeedsUpdate(ctx)
	if need == plugin.NeedNo {
		_ = st.machine.Transition(phase.StateSkipped)
		o.finishExecution(ctx, st, name, "skipped", 0, "")
		return outcomeSkipped
	}

	o.recordEstimate(ctx, st, cap, plugin.PhaseExecute)

	nextPhase := plugin.PhaseExecute
	if cap.SupportsSplitDownload() {
		nextPhase = plugin.PhaseDownload
		_ = st.machine.Transition(phase.StateDownloading)
	} else {
		_ = st.machine.Transition(phase.StateExecuting)
	}

	packagesUpdated, success, errMsg := o.runPhase(ctx, cap, name, nextPhase, st.executionID, sink, selector)
	if success && nextPhase == plugin.PhaseDownload {
		_ = st.machine.Transition(phase.StateExecuting)
		var more int
		more, success, errMsg = o.runPhase(ctx, cap, name, plugin.PhaseExecute, st.executionID, sink, selector)
		packagesUpdated += more
	}

	if success {
		_ = st.machine.Transition(phase.StateSucceeded)
		o.finishExecution(ctx, st, name, "succeeded", packagesUpdated, "")
		return outcomeSucceeded
	}

	finalState, target := classifyFailure(errMsg)
	_ = st.machine.Transition(target)
	o.finishExecution(ctx, st, name, finalState, packagesUpdated, errMsg)
	if finalState == "failed" {
		o.log.Error("plugin update failed", map[string]interface{}{
			"plugin": name,
			"error":  fmt.Errorf("%w: %s", errs.ErrUpdateFailed, errMsg).Error(),
		})
	}
	return outcomeFailed
}

// classifyCtxErr maps a context cancellation/deadline error to the
// sentinel a caller (and classifyFailure, by substring) can recognize —
// mirrors internal/mutex.classifyCtxErr for the download-slot gate, which
// has no Manager of its own to carry the classification.
func classifyCtxErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errs.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", errs.ErrCancelled, err)
}

// classifyFailure maps a Completion's error string to the distinct
// persisted status and phase-machine target spec.md 3/4.6 require:
// cancellation and timeout both land on StateCancelled (spec.md 5's "same
// as cancellation but tagged differently"), while every other non-success
// completion is a genuine failure.
func classifyFailure(errMsg string) (finalState string, target phase.State) {
	switch {
	case strings.Contains(errMsg, "timeout"):
		return "timeout", phase.StateCancelled
	case strings.Contains(errMsg, "cancelled"):
		return "cancelled", phase.StateCancelled
	default:
		return "failed", phase.StateFailed
	}
}

// skipBlockedPlugin records a plugin execution row for a plugin that will
// never run because one of its dependencies failed, per spec.md 7's rule
// that downstream plugins transition directly to skipped with an
// explanatory message rather than being dispatched at all.
func (o *Orchestrator) skipBlockedPlugin(ctx context.Context, runID uuid.UUID, name string) {
	if o.store == nil {
		return
	}
	now := time.Now().UTC()
	executionID := uuid.New()
	_ = o.store.CreatePluginExecution(ctx, &history.PluginExecution{
		ExecutionID: executionID,
		RunID:       runID,
		PluginName:  name,
		FinalState:  "skipped",
		StartedAt:   now,
	})
	_ = o.store.FinishPluginExecution(ctx, &history.PluginExecution{
		ExecutionID:  executionID,
		FinalState:   "skipped",
		EndedAt:      &now,
		ErrorMessage: "skipped: an upstream dependency failed",
	})
}

// runPhase acquires the plugin's mutex set for phase (and, for
// PhaseDownload, a shared download-concurrency slot bounded by
// max_parallel_downloads, spec.md 4.5/6.4/8 Invariant 4), executes it,
// relays every event to the sink (events are not written to the history
// store), samples host metrics
// for its duration, and releases what it acquired on exit — the acquire-
// before-entry, release-on-exit rule spec.md 4.6 names. A dry run never
// touches the resource an EXECUTE-phase mutex protects (nothing is
// actually applied), so it skips acquiring that mutex set and skips
// recording a StepMetrics row for the phase entirely.
func (o *Orchestrator) runPhase(ctx context.Context, cap plugin.Capability, name string, ph plugin.Phase, executionID uuid.UUID, sink Sink, selector *scheduler.Selector) (packagesUpdated int, success bool, errMsg string) {
	skipMutexAndMetrics := o.dryRun && ph == plugin.PhaseExecute

	if ph == plugin.PhaseDownload {
		if err := selector.AcquireDownload(ctx); err != nil {
			return 0, false, fmt.Sprintf("download slot acquisition: %v", classifyCtxErr(err))
		}
		defer selector.ReleaseDownload()
	}

	mutexNames := cap.RequiredMutexes(ph)
	if !skipMutexAndMetrics {
		if err := o.mutexes.Acquire(ctx, name, mutexNames); err != nil {
			return 0, false, fmt.Sprintf("mutex acquisition: %v", err)
		}
		defer o.mutexes.Release(name, mutexNames)
	}

	collector := metrics.NewCollector(o.log)
	collector.Start(ctx)
	started := time.Now().UTC()

	// usage is never filled in: Capability.Execute passes no child
	// process.Usage back here and CommandPlugin sets no process.Spec.OnUsage,
	// so the StepMetrics row's CPU/RSS/block fields are recorded as zero.
	var usage process.Usage

	events := cap.Execute(ctx, ph, o.dryRun)
	for ev := range events {
		if sink != nil {
			sink.Publish(ev)
		}
		if c, ok := ev.(stream.Completion); ok {
			packagesUpdated = c.PackagesUpdated
			success = c.Success
			errMsg = c.Error
		}
	}

	ended := time.Now().UTC()
	hostCPUAvg, hostMem, netSent, netRecv, samples := collector.Finish()

	if !skipMutexAndMetrics && o.store != nil && executionID != uuid.Nil {
		sm := metrics.Finalize(name, ph.String(), started, ended, usage, hostCPUAvg, hostMem, netSent, netRecv, samples)
		_ = o.store.RecordStepMetrics(ctx, executionID, sm)
	}
	return packagesUpdated, success, errMsg
}

func (o *Orchestrator) finishExecution(ctx context.Context, st *pluginState, name, state string, packagesUpdated int, errMsg string) {
	if o.store == nil {
		return
	}
	ended := time.Now().UTC()
	_ = o.store.FinishPluginExecution(ctx, &history.PluginExecution{
		ExecutionID:     st.executionID,
		FinalState:      state,
		EndedAt:         &ended,
		PackagesUpdated: packagesUpdated,
		ErrorMessage:    errMsg,
	})
}

func (o *Orchestrator) recordEstimate(ctx context.Context, st *pluginState, cap plugin.Capability, ph plugin.Phase) {
	if o.store == nil {
		return
	}
	past, err := o.store.PastDurations(ctx, cap.Identity().Name, ph.String(), o.cfg.Estimator.MaxSamples)
	if err != nil {
		return
	}
	pred := estimator.Estimate(past, estimator.Covariates{}, o.cfg.Estimator.ConfidenceAlpha)
	if pred == nil {
		return
	}
	_ = o.store.RecordEstimate(ctx, &history.EstimateRow{
		ExecutionID:       st.executionID,
		PluginName:        cap.Identity().Name,
		Phase:             ph.String(),
		PredictedSeconds:  &pred.Point,
		LowerBoundSeconds: &pred.Lower,
		UpperBoundSeconds: &pred.Upper,
		Confidence:        pred.Confidence,
		Model:             string(pred.Model),
	})
}
