package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/adamryczkowski/updateall/internal/metrics"
)

// CreateRun inserts the opening row of a new run.
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	return s.WithRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO runs (run_id, started_at, dry_run, hostname)
			VALUES ($1, $2, $3, $4)`,
			r.RunID, r.StartedAt, r.DryRun, r.Hostname)
		return err
	})
}

// CloseRun records the final tallies once every plugin has reached a
// terminal phase state.
func (s *Store) CloseRun(ctx context.Context, r *Run) error {
	return s.WithRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE runs
			SET ended_at = $2, succeeded_count = $3, failed_count = $4,
			    skipped_count = $5, cancelled = $6
			WHERE run_id = $1`,
			r.RunID, r.EndedAt, r.SucceededCount, r.FailedCount, r.SkippedCount, r.Cancelled)
		return err
	})
}

// CreatePluginExecution inserts a new plugin execution row at dispatch
// time.
func (s *Store) CreatePluginExecution(ctx context.Context, e *PluginExecution) error {
	return s.WithRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO plugin_executions (execution_id, run_id, plugin_name, final_state, started_at, error_message)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ExecutionID, e.RunID, e.PluginName, e.FinalState, e.StartedAt, nullIfEmpty(e.ErrorMessage))
		return err
	})
}

// FinishPluginExecution records the terminal state once a plugin's phase
// machine reaches a terminal state.
func (s *Store) FinishPluginExecution(ctx context.Context, e *PluginExecution) error {
	return s.WithRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE plugin_executions
			SET final_state = $2, ended_at = $3, packages_updated = $4, error_message = $5
			WHERE execution_id = $1`,
			e.ExecutionID, e.FinalState, e.EndedAt, e.PackagesUpdated, nullIfEmpty(e.ErrorMessage))
		return err
	})
}

// RecordStepMetrics persists one completed phase's resource accounting.
func (s *Store) RecordStepMetrics(ctx context.Context, executionID uuid.UUID, m metrics.StepMetrics) error {
	row := StepMetricRow{
		MetricID:          uuid.New(),
		ExecutionID:       executionID,
		Phase:             m.Phase,
		StartedAt:         m.StartedAt,
		EndedAt:           m.EndedAt,
		WallDurationMS:    m.WallDuration.Milliseconds(),
		UserCPUMS:         m.UserCPU.Milliseconds(),
		SystemCPUMS:       m.SystemCPU.Milliseconds(),
		MaxRSSBytes:       m.MaxRSSBytes,
		InBlocks:          m.InBlocks,
		OutBlocks:         m.OutBlocks,
		HostCPUPercentAvg: m.HostCPUPercentAvg,
		HostMemUsedBytes:  int64(m.HostMemUsedBytes),
		NetBytesSent:      int64(m.NetBytesSent),
		NetBytesRecv:      int64(m.NetBytesRecv),
		SampleCount:       m.SampleCount,
	}
	return s.WithRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO step_metrics (
				metric_id, execution_id, phase, started_at, ended_at, wall_duration_ms,
				user_cpu_ms, system_cpu_ms, max_rss_bytes, in_blocks, out_blocks,
				host_cpu_percent_avg, host_mem_used_bytes, net_bytes_sent, net_bytes_recv, sample_count
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			row.MetricID, row.ExecutionID, row.Phase, row.StartedAt, row.EndedAt, row.WallDurationMS,
			row.UserCPUMS, row.SystemCPUMS, row.MaxRSSBytes, row.InBlocks, row.OutBlocks,
			row.HostCPUPercentAvg, row.HostMemUsedBytes, row.NetBytesSent, row.NetBytesRecv, row.SampleCount)
		return err
	})
}

// RecordEstimate persists a pre-execution prediction so its accuracy can
// later be reconciled against the step's actual wall time.
func (s *Store) RecordEstimate(ctx context.Context, e *EstimateRow) error {
	if e.EstimateID == uuid.Nil {
		e.EstimateID = uuid.New()
	}
	return s.WithRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO estimates (
				estimate_id, execution_id, plugin_name, phase, predicted_seconds, predicted_bytes,
				lower_bound_seconds, upper_bound_seconds, confidence, model
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			e.EstimateID, e.ExecutionID, e.PluginName, e.Phase, e.PredictedSeconds, e.PredictedBytes,
			e.LowerBoundSeconds, e.UpperBoundSeconds, e.Confidence, e.Model)
		return err
	})
}

// ReconcileEstimate fills in the actual wall-clock seconds once the step
// finishes, the value the accuracy view compares predictions against.
func (s *Store) ReconcileEstimate(ctx context.Context, estimateID uuid.UUID, actualSeconds float64) error {
	return s.WithRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`UPDATE estimates SET actual_seconds = $2 WHERE estimate_id = $1`,
			estimateID, actualSeconds)
		return err
	})
}

// PastDurations returns the actual wall-clock seconds of every completed
// step for pluginName/phase, most recent first, bounded by limit — the
// raw sample feed the estimator's model-selection table consumes
// (spec.md 4.10).
func (s *Store) PastDurations(ctx context.Context, pluginName, phase string, limit int) ([]float64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sm.wall_duration_ms
		FROM step_metrics sm
		JOIN plugin_executions pe ON pe.execution_id = sm.execution_id
		WHERE pe.plugin_name = $1 AND sm.phase = $2
		ORDER BY sm.started_at DESC
		LIMIT $3`, pluginName, phase, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		out = append(out, float64(ms)/1000.0)
	}
	return out, rows.Err()
}

// Summary returns the run-history summary view (spec.md 4.9(i)), most
// recent run first.
func (s *Store) Summary(ctx context.Context, limit int) ([]SummaryRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, started_at, ended_at, succeeded_count, failed_count, skipped_count
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var r SummaryRow
		if err := rows.Scan(&r.RunID, &r.StartedAt, &r.EndedAt, &r.SucceededCount, &r.FailedCount, &r.SkippedCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Accuracy returns the estimator-accuracy view (spec.md 4.9(iii)): mean
// absolute percentage error grouped by plugin/phase/model, over
// estimates that have been reconciled with an actual duration.
func (s *Store) Accuracy(ctx context.Context) ([]AccuracyRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT plugin_name, phase, model, COUNT(*),
		       AVG(ABS(actual_seconds - predicted_seconds) / NULLIF(actual_seconds, 0)) * 100
		FROM estimates
		WHERE actual_seconds IS NOT NULL AND predicted_seconds IS NOT NULL
		GROUP BY plugin_name, phase, model
		ORDER BY plugin_name, phase`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccuracyRow
	for rows.Next() {
		var a AccuracyRow
		if err := rows.Scan(&a.PluginName, &a.Phase, &a.Model, &a.SampleCount, &a.MAPEPercent); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Performance returns the per-plugin performance view (spec.md 4.9(ii)):
// how many times each plugin has run, its success rate, and the
// mean/median/P95 of its EXECUTE-phase wall-clock duration, computed with
// Postgres's percentile_cont (pgx, the same driver every other query in
// this file uses).
func (s *Store) Performance(ctx context.Context) ([]PerformanceRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			pe.plugin_name,
			COUNT(*) AS total_runs,
			COUNT(*) FILTER (WHERE pe.final_state = 'succeeded') AS succeeded_runs,
			100.0 * COUNT(*) FILTER (WHERE pe.final_state = 'succeeded') / NULLIF(COUNT(*), 0) AS success_rate_pct,
			COALESCE(AVG(sm.wall_duration_ms) / 1000.0, 0) AS mean_seconds,
			COALESCE(PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY sm.wall_duration_ms) / 1000.0, 0) AS median_seconds,
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY sm.wall_duration_ms) / 1000.0, 0) AS p95_seconds
		FROM plugin_executions pe
		LEFT JOIN step_metrics sm ON sm.execution_id = pe.execution_id AND UPPER(sm.phase) = 'EXECUTE'
		GROUP BY pe.plugin_name
		ORDER BY pe.plugin_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PerformanceRow
	for rows.Next() {
		var p PerformanceRow
		if err := rows.Scan(&p.PluginName, &p.TotalRuns, &p.SucceededRuns, &p.SuccessRatePct,
			&p.MeanSeconds, &p.MedianSeconds, &p.P95Seconds); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FailedExecutions returns plugin executions whose final_state is
// "failed", most recent first — the raw feed for SearchIndex.Rebuild's
// bleve index rebuild.
func (s *Store) FailedExecutions(ctx context.Context, limit int) ([]PluginExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT execution_id, run_id, plugin_name, final_state, started_at, ended_at,
		       packages_updated, COALESCE(error_message, '')
		FROM plugin_executions
		WHERE final_state = 'failed'
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PluginExecution
	for rows.Next() {
		var e PluginExecution
		if err := rows.Scan(&e.ExecutionID, &e.RunID, &e.PluginName, &e.FinalState, &e.StartedAt, &e.EndedAt,
			&e.PackagesUpdated, &e.ErrorMessage); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// WithTx runs fn inside an explicit transaction, committing on success
// and rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin history transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Now returns the current time (time.Now), for stamping history rows.
func Now() time.Time { return time.Now() }
