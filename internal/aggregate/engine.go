// Package aggregate rebuilds the summary tables from the raw event log and
// schedules those rebuilds.
package aggregate

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	alerrors "github.com/alembic/alembic/internal/errors"
)

// TxRunner runs a function inside one write transaction that commits only
// if the function succeeds. *store.Store implements it.
type TxRunner interface {
	WithWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Result describes a successful recompute.
type Result struct {
	EfficiencyRows int64
	StabilityRows  int64
	StartedAt      time.Time
	Duration       time.Duration
}

// Finished jobs with all four dimensions present, grouped by those
// dimensions. AVG skips NULLs, so events without a speed_factor do not count
// toward avg_speed, and a group with no speed samples gets NULL. The size
// reduction is a mean of per-event ratios over events with a positive input
// size and a known output size.
const rebuildEfficiencySQL = `
INSERT INTO efficiency_stats (
    hardware_model, encoder, video_codec, resolution,
    sample_count, avg_speed, avg_size_reduction_pct, success_rate
)
SELECT
    hardware_model, encoder, video_codec, resolution,
    COUNT(*),
    AVG(speed_factor),
    AVG(CASE
        WHEN input_size_bytes > 0 AND output_size_bytes IS NOT NULL
        THEN CAST(input_size_bytes - output_size_bytes AS REAL) / input_size_bytes
    END),
    CAST(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END) AS REAL) / COUNT(*)
FROM raw_events
WHERE event_type = 'job_finished'
    AND hardware_model IS NOT NULL
    AND encoder IS NOT NULL
    AND video_codec IS NOT NULL
    AND resolution IS NOT NULL
GROUP BY hardware_model, encoder, video_codec, resolution`

const rebuildStabilitySQL = `
INSERT INTO stability_stats (encoder, error_type, count)
SELECT encoder, failure_reason, COUNT(*)
FROM raw_events
WHERE status = 'failure'
    AND encoder IS NOT NULL
    AND failure_reason IS NOT NULL
GROUP BY encoder, failure_reason`

// Engine recomputes efficiency_stats and stability_stats.
type Engine struct {
	store TxRunner
	now   func() time.Time
}

// NewEngine creates an engine writing through store.
func NewEngine(store TxRunner) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Recompute replaces the contents of both summary tables with values derived
// from every raw event, in a single transaction. Readers see either the old
// or the new contents. On any failure, including cancellation of ctx, the
// transaction rolls back and the previous contents remain.
func (e *Engine) Recompute(ctx context.Context) (Result, error) {
	ctx, span := otel.Tracer("alembic/aggregate").Start(ctx, "Engine.Recompute")
	defer span.End()

	res := Result{StartedAt: e.now()}

	err := e.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM efficiency_stats"); err != nil {
			return err
		}
		r, err := tx.ExecContext(ctx, rebuildEfficiencySQL)
		if err != nil {
			return err
		}
		if res.EfficiencyRows, err = r.RowsAffected(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM stability_stats"); err != nil {
			return err
		}
		r, err = tx.ExecContext(ctx, rebuildStabilitySQL)
		if err != nil {
			return err
		}
		res.StabilityRows, err = r.RowsAffected()
		return err
	})
	res.Duration = e.now().Sub(res.StartedAt)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recompute failed")
		return Result{}, classify(ctx, err)
	}

	span.SetAttributes(
		attribute.Int64("aggregate.efficiency_rows", res.EfficiencyRows),
		attribute.Int64("aggregate.stability_rows", res.StabilityRows),
	)
	return res, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return alerrors.NewAggregationError(alerrors.CodeRecomputeCancelled, "recompute abandoned", err)
	}
	if alerrors.GetCode(err) == alerrors.CodeStoreClosed {
		return err
	}
	return alerrors.NewAggregationError(alerrors.CodeRecomputeFailed, "recompute failed", err)
}
