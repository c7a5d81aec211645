// Package query composes the insights snapshot served to clients.
package query

import (
	"context"
	"database/sql"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/alembic/alembic/internal/store"
	"github.com/alembic/alembic/pkg/types"
)

const (
	// SchemaVersion tags every snapshot.
	SchemaVersion = 1

	// LeaderboardLimit caps efficiency rows per snapshot.
	LeaderboardLimit = 50

	// StabilityLimit caps failure buckets per snapshot.
	StabilityLimit = 20
)

// Insights is the snapshot returned by the insights endpoint.
type Insights struct {
	Schema      int                `json:"schema"`
	Coverage    CoverageView       `json:"coverage"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
	Stability   []StabilityEntry   `json:"stability"`
}

// CoverageView is the coverage block of a snapshot.
type CoverageView struct {
	TotalJobs      int64 `json:"total_jobs"`
	UniqueHardware int64 `json:"unique_hardware"`
}

// LeaderboardEntry is one efficiency row with absent averages reported as 0.
type LeaderboardEntry struct {
	Hardware  string  `json:"hardware"`
	Encoder   string  `json:"encoder"`
	Codec     string  `json:"codec"`
	Res       string  `json:"res"`
	Speed     float64 `json:"speed"`
	Reduction float64 `json:"reduction"`
	Samples   int64   `json:"samples"`
}

// StabilityEntry is one failure bucket.
type StabilityEntry struct {
	Encoder string `json:"encoder"`
	Error   string `json:"error"`
	Count   int64  `json:"count"`
}

// ReadTxRunner opens a read transaction. *store.Store implements it.
type ReadTxRunner interface {
	WithReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Service reads summary tables and coverage into Insights.
type Service struct {
	store ReadTxRunner
}

// NewService creates a query service reading from store.
func NewService(store ReadTxRunner) *Service {
	return &Service{store: store}
}

// GetInsights reads coverage, the top leaderboard rows and the top failure
// buckets from one consistent snapshot of the database. It has no side
// effects. Errors are STORE errors carrying the underlying cause, which
// callers must not expose.
func (s *Service) GetInsights(ctx context.Context) (*Insights, error) {
	ctx, span := otel.Tracer("alembic/query").Start(ctx, "Service.GetInsights")
	defer span.End()

	var (
		cov  types.Coverage
		eff  []types.EfficiencyStat
		stab []types.StabilityStat
	)
	err := s.store.WithReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		if cov, err = store.QueryCoverage(ctx, tx); err != nil {
			return err
		}
		if eff, err = store.QueryEfficiency(ctx, tx, LeaderboardLimit); err != nil {
			return err
		}
		stab, err = store.QueryStability(ctx, tx, StabilityLimit)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("query.leaderboard_rows", len(eff)),
		attribute.Int("query.stability_rows", len(stab)),
	)
	return compose(cov, eff, stab), nil
}

// compose builds the response, substituting 0 for absent averages.
func compose(cov types.Coverage, eff []types.EfficiencyStat, stab []types.StabilityStat) *Insights {
	out := &Insights{
		Schema: SchemaVersion,
		Coverage: CoverageView{
			TotalJobs:      cov.TotalJobs,
			UniqueHardware: cov.UniqueHardware,
		},
		Leaderboard: make([]LeaderboardEntry, 0, len(eff)),
		Stability:   make([]StabilityEntry, 0, len(stab)),
	}
	for _, row := range eff {
		out.Leaderboard = append(out.Leaderboard, LeaderboardEntry{
			Hardware:  row.HardwareModel,
			Encoder:   row.Encoder,
			Codec:     row.VideoCodec,
			Res:       row.Resolution,
			Speed:     row.AvgSpeed.OrZero(),
			Reduction: row.AvgSizeReductionPct.OrZero(),
			Samples:   row.SampleCount,
		})
	}
	for _, row := range stab {
		out.Stability = append(out.Stability, StabilityEntry{
			Encoder: row.Encoder,
			Error:   row.FailureReason,
			Count:   row.Count,
		})
	}
	return out
}
