package query

import (
	"time"

	"github.com/google/uuid"
)

// BalanceResponse is a trader's settled balances as projected from the
// journal. Mark-to-market values come from the margin endpoint, which
// reads live core state instead of projections.
type BalanceResponse struct {
	TraderID        uuid.UUID `json:"trader_id"`
	Asset           string    `json:"asset"`
	Collateral      int64     `json:"collateral"`
	OwedPnl         int64     `json:"owed_pnl"`
	CollateralValue int64     `json:"collateral_value"`
	AsOfSequence    int64     `json:"as_of_sequence"`
}

// PositionResponse is one projected position row.
type PositionResponse struct {
	TraderID     uuid.UUID `json:"trader_id"`
	MarketID     string    `json:"market_id"`
	Size         int64     `json:"size"`
	OpenNotional int64     `json:"open_notional"`
	Version      int64     `json:"version"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// FundingEpochResponse is one settled funding epoch for a market.
type FundingEpochResponse struct {
	MarketID         string    `json:"market_id"`
	EpochID          int64     `json:"epoch_id"`
	FundingRate      int64     `json:"funding_rate"`
	MarkPrice        int64     `json:"mark_price"`
	PositionsSettled int       `json:"positions_settled"`
	TotalPaid        int64     `json:"total_paid"`
	TotalReceived    int64     `json:"total_received"`
	Sequence         int64     `json:"sequence"`
	SettledAt        time.Time `json:"settled_at"`
	AsOfSequence     int64     `json:"as_of_sequence"`
}

// LiquidationRecord is one completed forced close.
type LiquidationRecord struct {
	LiquidationID string    `json:"liquidation_id"`
	TraderID      uuid.UUID `json:"trader_id"`
	LiquidatorID  uuid.UUID `json:"liquidator_id"`
	MarketID      string    `json:"market_id"`
	BaseDelta     int64     `json:"base_delta"`
	QuoteDelta    int64     `json:"quote_delta"`
	RealizedPnl   int64     `json:"realized_pnl"`
	SettledPnl    int64     `json:"settled_pnl"`
	Penalty       int64     `json:"penalty"`
	Reward        int64     `json:"reward"`
	BadDebt       bool      `json:"bad_debt"`
	Sequence      int64     `json:"sequence"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// JournalHistoryEntry is one journal row touching a trader's accounts.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification pass over
// the persisted event log and balance projections.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	EventCount       int64             `json:"event_count"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose projected balances do not sum to
// zero across all accounts.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
