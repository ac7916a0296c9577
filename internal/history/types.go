package history

import (
	"time"

	"github.com/google/uuid"
)

// Run is one invocation of the orchestrator from start to finish
// (spec.md 4.9).
type Run struct {
	RunID          uuid.UUID
	StartedAt      time.Time
	EndedAt        *time.Time
	DryRun         bool
	Hostname       string
	SucceededCount int
	FailedCount    int
	SkippedCount   int
	Cancelled      bool
}

// PluginExecution is one plugin's full lifecycle within a Run.
type PluginExecution struct {
	ExecutionID     uuid.UUID
	RunID           uuid.UUID
	PluginName      string
	FinalState      string
	StartedAt       time.Time
	EndedAt         *time.Time
	PackagesUpdated int
	ErrorMessage    string
}

// StepMetricRow is the persisted form of metrics.StepMetrics, keyed to a
// plugin execution.
type StepMetricRow struct {
	MetricID          uuid.UUID
	ExecutionID       uuid.UUID
	Phase             string
	StartedAt         time.Time
	EndedAt           time.Time
	WallDurationMS    int64
	UserCPUMS         int64
	SystemCPUMS       int64
	MaxRSSBytes       int64
	InBlocks          int64
	OutBlocks         int64
	HostCPUPercentAvg float64
	HostMemUsedBytes  int64
	NetBytesSent      int64
	NetBytesRecv      int64
	SampleCount       int
}

// EstimateRow is the persisted form of an estimator prediction, updated
// with ActualSeconds once the step finishes so the accuracy view can
// compute error.
type EstimateRow struct {
	EstimateID        uuid.UUID
	ExecutionID       uuid.UUID
	PluginName        string
	Phase             string
	PredictedSeconds  *float64
	PredictedBytes    *int64
	LowerBoundSeconds *float64
	UpperBoundSeconds *float64
	Confidence        float64
	Model             string
	ActualSeconds     *float64
}

// AccuracyRow is one line of the estimator-accuracy report (spec.md
// 4.9(iii)): mean absolute percentage error per plugin/phase/model.
type AccuracyRow struct {
	PluginName  string
	Phase       string
	Model       string
	SampleCount int
	MAPEPercent float64
}

// SummaryRow is one line of the run-history summary view (spec.md
// 4.9(i)).
type SummaryRow struct {
	RunID          uuid.UUID
	StartedAt      time.Time
	EndedAt        *time.Time
	SucceededCount int
	FailedCount    int
	SkippedCount   int
}

// PerformanceRow is one line of the per-plugin performance view (spec.md
// 4.9(ii)): how often a plugin has run, how often it succeeded, and the
// shape of its EXECUTE-phase wall-clock duration.
type PerformanceRow struct {
	PluginName     string
	TotalRuns      int
	SucceededRuns  int
	SuccessRatePct float64
	MeanSeconds    float64
	MedianSeconds  float64
	P95Seconds     float64
}
