package history

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/adamryczkowski/updateall/internal/metrics"
)

func TestRunAndPluginExecutionLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker for testcontainers")
	}
	ctx := context.Background()
	store, cleanup := newTestStore(t, ctx)
	defer cleanup()

	run := &Run{
		RunID:     uuid.New(),
		StartedAt: time.Now().UTC(),
		DryRun:    false,
		Hostname:  "test-host",
	}
	require.NoError(t, store.CreateRun(ctx, run))

	exec := &PluginExecution{
		ExecutionID: uuid.New(),
		RunID:       run.RunID,
		PluginName:  "apt",
		FinalState:  "executing",
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreatePluginExecution(ctx, exec))

	m := metrics.StepMetrics{
		PluginName:   "apt",
		Phase:        "execute",
		StartedAt:    exec.StartedAt,
		EndedAt:      time.Now().UTC(),
		WallDuration: 3 * time.Second,
		UserCPU:      1200 * time.Millisecond,
	}
	require.NoError(t, store.RecordStepMetrics(ctx, exec.ExecutionID, m))

	ended := time.Now().UTC()
	exec.FinalState = "succeeded"
	exec.EndedAt = &ended
	exec.PackagesUpdated = 4
	require.NoError(t, store.FinishPluginExecution(ctx, exec))

	run.EndedAt = &ended
	run.SucceededCount = 1
	require.NoError(t, store.CloseRun(ctx, run))

	durations, err := store.PastDurations(ctx, "apt", "execute", 10)
	require.NoError(t, err)
	require.Len(t, durations, 1)
	require.InDelta(t, 3.0, durations[0], 0.01)

	summary, err := store.Summary(ctx, 10)
	require.NoError(t, err)
	require.Len(t, summary, 1)
	require.Equal(t, 1, summary[0].SucceededCount)
}

func TestEstimateReconciliationAndAccuracy(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker for testcontainers")
	}
	ctx := context.Background()
	store, cleanup := newTestStore(t, ctx)
	defer cleanup()

	run := &Run{RunID: uuid.New(), StartedAt: time.Now().UTC(), Hostname: "test-host"}
	require.NoError(t, store.CreateRun(ctx, run))

	exec := &PluginExecution{
		ExecutionID: uuid.New(),
		RunID:       run.RunID,
		PluginName:  "dnf",
		FinalState:  "executing",
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreatePluginExecution(ctx, exec))

	predicted := 10.0
	est := &EstimateRow{
		ExecutionID:      exec.ExecutionID,
		PluginName:       "dnf",
		Phase:            "execute",
		PredictedSeconds: &predicted,
		Confidence:       0.8,
		Model:            "exponential-smoothing",
	}
	require.NoError(t, store.RecordEstimate(ctx, est))
	require.NoError(t, store.ReconcileEstimate(ctx, est.EstimateID, 12.0))

	rows, err := store.Accuracy(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "dnf", rows[0].PluginName)
	require.InDelta(t, 16.7, rows[0].MAPEPercent, 0.5)
}

func TestPerformanceAggregatesAcrossRuns(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker for testcontainers")
	}
	ctx := context.Background()
	store, cleanup := newTestStore(t, ctx)
	defer cleanup()

	run := &Run{RunID: uuid.New(), StartedAt: time.Now().UTC(), Hostname: "test-host"}
	require.NoError(t, store.CreateRun(ctx, run))

	durationsMS := []int64{1000, 2000, 3000}
	for i, ms := range durationsMS {
		exec := &PluginExecution{
			ExecutionID: uuid.New(),
			RunID:       run.RunID,
			PluginName:  "apt",
			FinalState:  "executing",
			StartedAt:   time.Now().UTC(),
		}
		require.NoError(t, store.CreatePluginExecution(ctx, exec))

		m := metrics.StepMetrics{
			PluginName:   "apt",
			Phase:        "execute",
			StartedAt:    exec.StartedAt,
			EndedAt:      exec.StartedAt.Add(time.Duration(ms) * time.Millisecond),
			WallDuration: time.Duration(ms) * time.Millisecond,
		}
		require.NoError(t, store.RecordStepMetrics(ctx, exec.ExecutionID, m))

		ended := time.Now().UTC()
		exec.EndedAt = &ended
		// the middle run fails, so the success-rate math has a genuine
		// denominator/numerator split to check.
		if i == 1 {
			exec.FinalState = "failed"
			exec.ErrorMessage = "boom"
		} else {
			exec.FinalState = "succeeded"
		}
		require.NoError(t, store.FinishPluginExecution(ctx, exec))
	}

	rows, err := store.Performance(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "apt", rows[0].PluginName)
	require.Equal(t, 3, rows[0].TotalRuns)
	require.Equal(t, 2, rows[0].SucceededRuns)
	require.InDelta(t, 66.7, rows[0].SuccessRatePct, 0.5)
	require.InDelta(t, 2.0, rows[0].MeanSeconds, 0.01)
	require.InDelta(t, 2.0, rows[0].MedianSeconds, 0.01)
}

func TestFailedExecutionsFeedsSearchIndex(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker for testcontainers")
	}
	ctx := context.Background()
	store, cleanup := newTestStore(t, ctx)
	defer cleanup()

	run := &Run{RunID: uuid.New(), StartedAt: time.Now().UTC(), Hostname: "test-host"}
	require.NoError(t, store.CreateRun(ctx, run))

	exec := &PluginExecution{
		ExecutionID: uuid.New(),
		RunID:       run.RunID,
		PluginName:  "pip",
		FinalState:  "failed",
		StartedAt:   time.Now().UTC(),
		ErrorMessage: "could not find a version that satisfies the requirement",
	}
	require.NoError(t, store.CreatePluginExecution(ctx, exec))

	indexPath := t.TempDir() + "/search.bleve"
	idx, err := OpenSearchIndex(indexPath)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Rebuild(ctx, store, 100))

	results, err := idx.Search("requirement", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, exec.ExecutionID.String(), results[0].ExecutionID)
}
