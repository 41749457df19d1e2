package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"PerpClear/internal/ledger"
)

// QueryService serves reads from the projection tables and the event
// log. Every response carries as_of_sequence, the last event the
// projections have absorbed; live mark-to-market values (margin, free
// collateral) are answered by the core, not here.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalance returns a trader's settled collateral and owed PnL in the
// settlement asset.
func (qs *QueryService) GetBalance(ctx context.Context, traderID uuid.UUID) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	collateralPath := ledger.NewTraderAccountKey(traderID, ledger.SubTypeCollateral, ledger.SettlementAssetID).AccountPath()
	collateral, err := qs.getProjectedBalance(ctx, collateralPath)
	if err != nil {
		return nil, err
	}

	owedPath := ledger.NewTraderAccountKey(traderID, ledger.SubTypeOwedPnl, ledger.SettlementAssetID).AccountPath()
	owedPnl, err := qs.getProjectedBalance(ctx, owedPath)
	if err != nil {
		return nil, err
	}

	assetName, _ := ledger.GetAssetName(ledger.SettlementAssetID)

	return &BalanceResponse{
		TraderID:        traderID,
		Asset:           assetName,
		Collateral:      collateral,
		OwedPnl:         owedPnl,
		CollateralValue: collateral + owedPnl,
		AsOfSequence:    asOfSeq,
	}, nil
}

// GetPositions returns a trader's open positions, ordered by market.
func (qs *QueryService) GetPositions(ctx context.Context, traderID uuid.UUID) ([]PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT market_id, size, open_notional, version
		FROM clearing.positions
		WHERE trader_id = $1
		ORDER BY market_id`,
		traderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		p := PositionResponse{TraderID: traderID, AsOfSequence: asOfSeq}
		if err := rows.Scan(&p.MarketID, &p.Size, &p.OpenNotional, &p.Version); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetFundingHistory returns settled funding epochs, newest first, with
// cursor pagination on epoch_id.
func (qs *QueryService) GetFundingHistory(
	ctx context.Context,
	marketID string,
	limit int,
	beforeEpoch *int64,
) ([]FundingEpochResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT market_id, epoch_id, funding_rate, mark_price, positions_settled,
		       total_paid, total_received, sequence, settled_at
		FROM clearing.funding_history
		WHERE market_id = $1`
	args := []interface{}{marketID}
	argIdx := 2

	if beforeEpoch != nil {
		query += fmt.Sprintf(" AND epoch_id < $%d", argIdx)
		args = append(args, *beforeEpoch)
		argIdx++
	}

	query += " ORDER BY epoch_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []FundingEpochResponse
	for rows.Next() {
		h := FundingEpochResponse{AsOfSequence: asOfSeq}
		if err := rows.Scan(
			&h.MarketID, &h.EpochID, &h.FundingRate, &h.MarkPrice, &h.PositionsSettled,
			&h.TotalPaid, &h.TotalReceived, &h.Sequence, &h.SettledAt,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetLiquidationHistory returns completed forced closes, newest first,
// optionally filtered by trader, with cursor pagination on sequence.
func (qs *QueryService) GetLiquidationHistory(
	ctx context.Context,
	traderID *uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]LiquidationRecord, error) {
	query := `
		SELECT liquidation_id, trader_id, liquidator_id, market_id, base_delta, quote_delta,
		       realized_pnl, settled_pnl, penalty, reward, bad_debt, sequence, executed_at
		FROM clearing.liquidation_history
		WHERE 1=1`
	var args []interface{}
	argIdx := 1

	if traderID != nil {
		query += fmt.Sprintf(" AND trader_id = $%d", argIdx)
		args = append(args, *traderID)
		argIdx++
	}
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []LiquidationRecord
	for rows.Next() {
		var r LiquidationRecord
		if err := rows.Scan(
			&r.LiquidationID, &r.TraderID, &r.LiquidatorID, &r.MarketID,
			&r.BaseDelta, &r.QuoteDelta, &r.RealizedPnl, &r.SettledPnl,
			&r.Penalty, &r.Reward, &r.BadDebt, &r.Sequence, &r.ExecutedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetJournalHistory returns journal rows touching any of a trader's
// accounts, newest first, with cursor pagination on sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	traderID uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("trader:%s:%%", traderID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM clearing.journals
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyIntegrity walks the persisted hash chain and checks that every
// asset's projected balances sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM clearing.events`,
	).Scan(&report.EventCount); err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM clearing.events e1
		LEFT JOIN clearing.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e2.sequence IS NOT NULL AND e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance)
		FROM clearing.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var ua UnbalancedAsset
		if err := balanceRows.Scan(&ua.AssetID, &ua.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, ua)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx,
		`SELECT sequence FROM clearing.watermark WHERE name = 'main'`,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx,
		`SELECT balance FROM clearing.balances WHERE account_path = $1`,
		accountPath,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}
