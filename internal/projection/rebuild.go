package projection

import (
	"context"
	"fmt"
	"time"

	"PerpClear/internal/event"
	"PerpClear/internal/ledger"
	"PerpClear/internal/state"
)

const rebuildBatchSize = 1000

// Rebuild reconstructs every projection table from the event log.
// Balances rebuild in one aggregate pass over the journals; positions and
// the history tables replay event payloads in order. Run this with the
// live worker stopped, then restart it.
func (pw *ProjectionWorker) Rebuild(ctx context.Context) error {
	start := time.Now()

	truncates := []string{
		`TRUNCATE clearing.balances`,
		`TRUNCATE clearing.positions`,
		`TRUNCATE clearing.funding_history`,
		`TRUNCATE clearing.liquidation_history`,
		`UPDATE clearing.watermark SET sequence = -1 WHERE name = 'main'`,
	}
	for _, stmt := range truncates {
		if _, err := pw.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset projections: %w", err)
		}
	}
	pw.book = state.NewPositionBook()
	pw.lastSeq = -1

	if err := pw.rebuildBalances(ctx); err != nil {
		return err
	}

	lastSeq, err := pw.rebuildFromEvents(ctx)
	if err != nil {
		return err
	}

	if _, err := pw.db.ExecContext(ctx,
		`UPDATE clearing.watermark SET sequence = $1 WHERE name = 'main'`,
		lastSeq,
	); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	pw.lastSeq = lastSeq

	pw.log.Info().
		Int64("last_sequence", lastSeq).
		Dur("elapsed", time.Since(start)).
		Msg("projection rebuild complete")
	return nil
}

// rebuildBalances aggregates the journal table directly. Debits add,
// credits subtract, matching the in-memory tracker.
func (pw *ProjectionWorker) rebuildBalances(ctx context.Context) error {
	_, err := pw.db.ExecContext(ctx, `
		INSERT INTO clearing.balances (account_path, asset_id, balance, updated_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(seq)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence AS seq
			FROM clearing.journals
			UNION ALL
			SELECT credit_account AS account_path, asset_id, -amount AS delta, sequence AS seq
			FROM clearing.journals
		) flows
		GROUP BY account_path, asset_id`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}
	return nil
}

func (pw *ProjectionWorker) rebuildFromEvents(ctx context.Context) (int64, error) {
	lastSeq := int64(-1)

	for {
		rows, err := pw.db.QueryContext(ctx, `
			SELECT sequence, event_type, payload, timestamp
			FROM clearing.events
			WHERE sequence > $1
			ORDER BY sequence ASC
			LIMIT $2`,
			lastSeq, rebuildBatchSize,
		)
		if err != nil {
			return 0, fmt.Errorf("read events after %d: %w", lastSeq, err)
		}

		type eventRow struct {
			sequence  int64
			eventType string
			payload   []byte
			timestamp time.Time
		}
		var batch []eventRow
		for rows.Next() {
			var r eventRow
			if err := rows.Scan(&r.sequence, &r.eventType, &r.payload, &r.timestamp); err != nil {
				rows.Close()
				return 0, err
			}
			batch = append(batch, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, err
		}
		if len(batch) == 0 {
			return lastSeq, nil
		}

		for _, r := range batch {
			if err := pw.rebuildOne(ctx, r.sequence, r.eventType, r.payload, r.timestamp); err != nil {
				return 0, fmt.Errorf("rebuild at sequence %d: %w", r.sequence, err)
			}
			lastSeq = r.sequence
		}
	}
}

func (pw *ProjectionWorker) rebuildOne(ctx context.Context, seq int64, eventType string, payload []byte, ts time.Time) error {
	et := event.EventTypeFromString(eventType)
	if et == event.EventTypeUnknown {
		return fmt.Errorf("unknown event type %q", eventType)
	}

	evt, err := event.DecodePayload(et, payload)
	if err != nil {
		return err
	}

	switch evt.(type) {
	case *event.TradeExecuted, *event.PositionLiquidated, *event.FundingEpochSettled:
	default:
		// Balances were rebuilt in the aggregate pass; nothing else to
		// project for this event.
		return nil
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch e := evt.(type) {
	case *event.TradeExecuted:
		if err := pw.projectFill(ctx, tx, e.TraderID, e.Market, e.BaseDelta, e.QuoteDelta, seq); err != nil {
			return err
		}

	case *event.PositionLiquidated:
		if err := pw.projectFill(ctx, tx, e.TraderID, e.Market, e.BaseDelta, e.QuoteDelta, seq); err != nil {
			return err
		}
		if err := pw.insertLiquidation(ctx, tx, e, seq, ts); err != nil {
			return err
		}

	case *event.FundingEpochSettled:
		stats, err := pw.fundingStatsFromJournals(ctx, e.Market, seq)
		if err != nil {
			return err
		}
		if err := pw.insertFundingEpoch(ctx, tx, e, stats, seq, ts); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// fundingStatsFromJournals recomputes an epoch's totals from persisted
// journal rows, used when the in-process batches are not available.
func (pw *ProjectionWorker) fundingStatsFromJournals(ctx context.Context, market string, seq int64) (fundingStats, error) {
	poolPath := ledger.FundingPoolKey(market).AccountPath()

	rows, err := pw.db.QueryContext(ctx, `
		SELECT debit_account, credit_account, amount
		FROM clearing.journals
		WHERE sequence = $1 AND journal_type = $2`,
		seq, int32(ledger.JournalTypeFundingPayment),
	)
	if err != nil {
		return fundingStats{}, err
	}
	defer rows.Close()

	var stats fundingStats
	for rows.Next() {
		var debit, credit string
		var amount int64
		if err := rows.Scan(&debit, &credit, &amount); err != nil {
			return fundingStats{}, err
		}
		stats.positions++
		if debit == poolPath {
			stats.totalPaid += amount
		} else if credit == poolPath {
			stats.totalReceived += amount
		}
	}
	return stats, rows.Err()
}
