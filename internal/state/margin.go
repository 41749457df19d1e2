package state

import (
	"fmt"

	fpmath "PerpClear/internal/math"

	"github.com/google/uuid"
)

// MarginCalculator computes cross-margin metrics over the position book,
// price table, and ledger balances. It accepts the balance reads as an
// interface to avoid a direct dependency on the ledger package while still
// taking *ledger.BalanceTracker.
type MarginCalculator struct {
	book     *PositionBook
	prices   *IndexPriceTable
	params   *ParamsManager
	balances BalanceReader
}

type BalanceReader interface {
	GetTraderCollateral(uuid.UUID) int64
	GetTraderOwedPnl(uuid.UUID) int64
}

func NewMarginCalculator(
	book *PositionBook,
	prices *IndexPriceTable,
	params *ParamsManager,
	balances BalanceReader,
) *MarginCalculator {
	return &MarginCalculator{
		book:     book,
		prices:   prices,
		params:   params,
		balances: balances,
	}
}

// Adjustment overlays a hypothetical post-action state on the current one.
// The solvency gate values every action on the adjusted state before any
// mutation happens; a nil Adjustment means current state.
type Adjustment struct {
	Market          string // Market whose position is overridden ("" = none)
	NewSize         int64
	NewOpenNotional int64
	CollateralDelta int64 // Applied to the collateral balance
	OwedPnlDelta    int64 // Applied to the owed-PnL balance
}

type posView struct {
	market       string
	size         int64
	openNotional int64
}

// positionsWith materializes the trader's open positions with the
// adjustment applied, including a position the adjustment newly opens.
func (mc *MarginCalculator) positionsWith(traderID uuid.UUID, adj *Adjustment) []posView {
	views := make([]posView, 0, 4)
	overrideApplied := false

	for _, pos := range mc.book.TraderPositions(traderID) {
		if adj != nil && adj.Market == pos.Market {
			views = append(views, posView{pos.Market, adj.NewSize, adj.NewOpenNotional})
			overrideApplied = true
			continue
		}
		views = append(views, posView{pos.Market, pos.Size, pos.OpenNotional})
	}

	if adj != nil && adj.Market != "" && !overrideApplied {
		views = append(views, posView{adj.Market, adj.NewSize, adj.NewOpenNotional})
	}

	return views
}

// CollateralValueWith returns the realized side of the account: collateral
// plus owed PnL, both possibly adjusted.
func (mc *MarginCalculator) CollateralValueWith(traderID uuid.UUID, adj *Adjustment) int64 {
	collateral := mc.balances.GetTraderCollateral(traderID)
	owed := mc.balances.GetTraderOwedPnl(traderID)

	if adj != nil {
		collateral += adj.CollateralDelta
		owed += adj.OwedPnlDelta
	}

	return collateral + owed
}

// AccountValueWith returns collateral value plus unrealized PnL across all
// open positions at current index prices. A missing price for an open
// position fails the valuation, and with it the command being judged.
func (mc *MarginCalculator) AccountValueWith(traderID uuid.UUID, adj *Adjustment) (int64, error) {
	av := mc.CollateralValueWith(traderID, adj)

	for _, v := range mc.positionsWith(traderID, adj) {
		if v.size == 0 {
			continue
		}

		price, ok := mc.prices.Get(v.market)
		if !ok {
			return 0, fmt.Errorf("no index price for market %s", v.market)
		}

		av += fpmath.ComputeUnrealizedPnL(
			v.size, v.openNotional, price,
			fpmath.PriceConfig.Scale,
			fpmath.QuantityConfig.Scale,
			fpmath.QuoteConfig.Scale,
		)
	}

	return av, nil
}

// marginRequirementWith sums ratio * |position notional| over open positions.
func (mc *MarginCalculator) marginRequirementWith(
	traderID uuid.UUID,
	adj *Adjustment,
	ratioOf func(*MarketParams) int64,
) (int64, error) {
	var total int64

	for _, v := range mc.positionsWith(traderID, adj) {
		if v.size == 0 {
			continue
		}

		params, ok := mc.params.Get(v.market)
		if !ok {
			return 0, fmt.Errorf("no market params for %s", v.market)
		}

		price, ok := mc.prices.Get(v.market)
		if !ok {
			return 0, fmt.Errorf("no index price for market %s", v.market)
		}

		notional := fpmath.ComputeNotional(
			v.size, price,
			fpmath.PriceConfig.Scale,
			fpmath.QuantityConfig.Scale,
			fpmath.QuoteConfig.Scale,
		)

		total += fpmath.ApplyRatio(fpmath.Abs64(notional), ratioOf(params), fpmath.RatioConfig.Scale)
	}

	return total, nil
}

// InitialMarginWith returns the total initial margin requirement.
func (mc *MarginCalculator) InitialMarginWith(traderID uuid.UUID, adj *Adjustment) (int64, error) {
	return mc.marginRequirementWith(traderID, adj, func(p *MarketParams) int64 { return p.IMRatio })
}

// MaintenanceMarginWith returns the total maintenance margin requirement.
func (mc *MarginCalculator) MaintenanceMarginWith(traderID uuid.UUID, adj *Adjustment) (int64, error) {
	return mc.marginRequirementWith(traderID, adj, func(p *MarketParams) int64 { return p.MMRatio })
}

// FreeCollateralSignedWith is the gate's quantity:
// min(collateralValue, accountValue) - initial margin requirement.
// The min clamp keeps unrealized gains from backing new exposure while
// unrealized losses still count against it.
func (mc *MarginCalculator) FreeCollateralSignedWith(traderID uuid.UUID, adj *Adjustment) (int64, error) {
	cv := mc.CollateralValueWith(traderID, adj)

	av, err := mc.AccountValueWith(traderID, adj)
	if err != nil {
		return 0, err
	}

	im, err := mc.InitialMarginWith(traderID, adj)
	if err != nil {
		return 0, err
	}

	return fpmath.Min64(cv, av) - im, nil
}

// FreeCollateral is the public read: the signed value clamped at zero.
func (mc *MarginCalculator) FreeCollateral(traderID uuid.UUID) (int64, error) {
	signed, err := mc.FreeCollateralSignedWith(traderID, nil)
	if err != nil {
		return 0, err
	}
	return fpmath.Max64(signed, 0), nil
}

// AccountValue returns the current account value.
func (mc *MarginCalculator) AccountValue(traderID uuid.UUID) (int64, error) {
	return mc.AccountValueWith(traderID, nil)
}

// MarginSnapshot is a consistent view of one trader's margin state.
type MarginSnapshot struct {
	Collateral        int64
	OwedPnl           int64
	UnrealizedPnl     int64
	CollateralValue   int64
	AccountValue      int64
	InitialMargin     int64
	MaintenanceMargin int64
	FreeCollateral    int64
	Liquidatable      bool
}

// Snapshot computes every margin metric for a trader in one pass.
func (mc *MarginCalculator) Snapshot(traderID uuid.UUID) (*MarginSnapshot, error) {
	collateral := mc.balances.GetTraderCollateral(traderID)
	owed := mc.balances.GetTraderOwedPnl(traderID)

	av, err := mc.AccountValueWith(traderID, nil)
	if err != nil {
		return nil, err
	}

	im, err := mc.InitialMarginWith(traderID, nil)
	if err != nil {
		return nil, err
	}

	mm, err := mc.MaintenanceMarginWith(traderID, nil)
	if err != nil {
		return nil, err
	}

	cv := collateral + owed

	return &MarginSnapshot{
		Collateral:        collateral,
		OwedPnl:           owed,
		UnrealizedPnl:     av - cv,
		CollateralValue:   cv,
		AccountValue:      av,
		InitialMargin:     im,
		MaintenanceMargin: mm,
		FreeCollateral:    fpmath.Max64(fpmath.Min64(cv, av)-im, 0),
		Liquidatable:      mm > 0 && av < mm,
	}, nil
}
