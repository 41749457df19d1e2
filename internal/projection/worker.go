package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpClear/internal/core"
	"PerpClear/internal/event"
	"PerpClear/internal/ledger"
	"PerpClear/internal/observability"
	"PerpClear/internal/state"
)

// ProjectionWorker maintains the read-model tables from core output.
// The projection channel is lossy: if this worker falls behind, events
// are dropped and the tables go stale until Rebuild replays them from
// the event log. Queries read the watermark to know how fresh they are.
//
// The worker keeps its own position book and runs fills through the same
// position arithmetic as the core, so the positions table mirrors core
// state without re-deriving open-notional attribution in SQL.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	book      *state.PositionBook
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		book:      state.NewPositionBook(),
		metrics:   metrics,
		log:       log.With().Str("component", "projection").Logger(),
		lastSeq:   -1,
	}
}

// Run loads existing position rows into the worker's book, then projects
// events until the context is cancelled or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	if err := pw.loadPositions(ctx); err != nil {
		return fmt.Errorf("warm position book: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			seq := output.Envelope.Sequence
			if pw.lastSeq >= 0 && seq != pw.lastSeq+1 {
				pw.log.Warn().
					Int64("expected", pw.lastSeq+1).
					Int64("got", seq).
					Msg("projection gap, tables stale until rebuild")
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent; a failed update
				// is healed by Rebuild, not by blocking the core.
				pw.log.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
			}
			pw.lastSeq = seq
		}
	}
}

func (pw *ProjectionWorker) loadPositions(ctx context.Context) error {
	rows, err := pw.db.QueryContext(ctx,
		`SELECT trader_id, market_id, size, open_notional, version FROM clearing.positions`)
	if err != nil {
		return err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var pos state.Position
		if err := rows.Scan(&pos.TraderID, &pos.Market, &pos.Size, &pos.OpenNotional, &pos.Version); err != nil {
			return err
		}
		pw.book.RestorePosition(&pos)
		count++
	}
	if count > 0 {
		pw.log.Info().Int("positions", count).Msg("position book warmed from projections")
	}
	return rows.Err()
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	env := output.Envelope

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, batch := range output.Batches {
		for _, j := range batch.Journals {
			if err := pw.updateBalance(ctx, tx, j, env.Sequence); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	evt, err := event.DecodePayload(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	switch e := evt.(type) {
	case *event.TradeExecuted:
		if err := pw.projectFill(ctx, tx, e.TraderID, e.Market, e.BaseDelta, e.QuoteDelta, env.Sequence); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}

	case *event.PositionLiquidated:
		if err := pw.projectFill(ctx, tx, e.TraderID, e.Market, e.BaseDelta, e.QuoteDelta, env.Sequence); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
		if err := pw.insertLiquidation(ctx, tx, e, env.Sequence, env.Timestamp); err != nil {
			return fmt.Errorf("liquidation history: %w", err)
		}
		outcome := "closed"
		if e.BadDebt {
			outcome = "bad_debt"
		}
		pw.metrics.LiquidationsCompleted.WithLabelValues(e.Market, outcome).Inc()

	case *event.FundingEpochSettled:
		stats := fundingStatsFromBatches(e.Market, output.Batches)
		if err := pw.insertFundingEpoch(ctx, tx, e, stats, env.Sequence, env.Timestamp); err != nil {
			return fmt.Errorf("funding history: %w", err)
		}
		pw.metrics.FundingEpochsSettled.WithLabelValues(e.Market).Inc()
		pw.metrics.FundingPositionsSettled.WithLabelValues(e.Market).Add(float64(stats.positions))
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO clearing.watermark (name, sequence)
		VALUES ('main', $1)
		ON CONFLICT (name) DO UPDATE SET sequence = $1`,
		env.Sequence,
	); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateBalance applies one journal to the balances table. The ledger's
// convention is debit increases, credit decreases; the tracker and this
// SQL must agree or the integrity check's zero-sum scan breaks.
func (pw *ProjectionWorker) updateBalance(ctx context.Context, tx *sql.Tx, j ledger.Journal, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO clearing.balances (account_path, asset_id, balance, updated_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = clearing.balances.balance + $3, updated_sequence = $4`,
		j.DebitAccount.AccountPath(), uint16(j.AssetID), j.Amount, seq,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO clearing.balances (account_path, asset_id, balance, updated_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = clearing.balances.balance + $3, updated_sequence = $4`,
		j.CreditAccount.AccountPath(), uint16(j.AssetID), -j.Amount, seq,
	); err != nil {
		return err
	}

	return nil
}

// projectFill runs the fill through the worker's book and upserts the
// resulting position row. Flat positions are deleted rather than stored
// as zero rows.
func (pw *ProjectionWorker) projectFill(ctx context.Context, tx *sql.Tx, traderID uuid.UUID, market string, baseDelta, quoteDelta int64, seq int64) error {
	outcome, err := pw.book.PreviewFill(traderID, market, baseDelta, quoteDelta)
	if err != nil {
		return err
	}
	pos := pw.book.ApplyFill(traderID, market, outcome)

	if pos.IsFlat() {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM clearing.positions WHERE trader_id = $1 AND market_id = $2`,
			pos.TraderID, market,
		)
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO clearing.positions (trader_id, market_id, size, open_notional, version, updated_sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (trader_id, market_id)
		DO UPDATE SET size = $3, open_notional = $4, version = $5, updated_sequence = $6`,
		pos.TraderID, market, pos.Size, pos.OpenNotional, pos.Version, seq,
	)
	return err
}

func (pw *ProjectionWorker) insertLiquidation(ctx context.Context, tx *sql.Tx, e *event.PositionLiquidated, seq int64, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO clearing.liquidation_history
			(liquidation_id, trader_id, liquidator_id, market_id, base_delta, quote_delta,
			 realized_pnl, settled_pnl, penalty, reward, bad_debt, sequence, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (liquidation_id) DO NOTHING`,
		e.LiquidationID.String(), e.TraderID, e.LiquidatorID, e.Market,
		e.BaseDelta, e.QuoteDelta, e.RealizedPnl, e.SettledPnl,
		e.Penalty, e.Reward, e.BadDebt, seq, ts,
	)
	return err
}

type fundingStats struct {
	positions     int
	totalPaid     int64
	totalReceived int64
}

// fundingStatsFromBatches aggregates an epoch's journals. A funding
// payment debiting the pool means the trader paid in; crediting the pool
// means the trader was paid out.
func fundingStatsFromBatches(market string, batches []*ledger.Batch) fundingStats {
	poolKey := ledger.FundingPoolKey(market)

	var stats fundingStats
	for _, batch := range batches {
		for _, j := range batch.Journals {
			if j.JournalType != ledger.JournalTypeFundingPayment {
				continue
			}
			stats.positions++
			if j.DebitAccount == poolKey {
				stats.totalPaid += j.Amount
			} else if j.CreditAccount == poolKey {
				stats.totalReceived += j.Amount
			}
		}
	}
	return stats
}

func (pw *ProjectionWorker) insertFundingEpoch(ctx context.Context, tx *sql.Tx, e *event.FundingEpochSettled, stats fundingStats, seq int64, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO clearing.funding_history
			(market_id, epoch_id, funding_rate, mark_price, positions_settled,
			 total_paid, total_received, sequence, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (market_id, epoch_id) DO NOTHING`,
		e.Market, e.EpochID, e.FundingRate, e.MarkPrice, stats.positions,
		stats.totalPaid, stats.totalReceived, seq, ts,
	)
	return err
}
