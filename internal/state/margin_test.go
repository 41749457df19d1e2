package state_test

import (
	"testing"

	"PerpClear/internal/ledger"
	"PerpClear/internal/state"

	"github.com/google/uuid"
)

const refMarket = "BTC-USD"

// fixture wires the margin stack the way the core does: real balance
// tracker, real book, default params (10% IM, 5% MM on BTC-USD).
type fixture struct {
	book     *state.PositionBook
	prices   *state.IndexPriceTable
	params   *state.ParamsManager
	tracker  *ledger.BalanceTracker
	margin   *state.MarginCalculator
	gate     *state.SolvencyGate
	backstop *state.BackstopSet
	liq      *state.LiquidationEngine
}

func newFixture() *fixture {
	f := &fixture{
		book:     state.NewPositionBook(),
		prices:   state.NewIndexPriceTable(),
		params:   state.NewParamsManager(),
		tracker:  ledger.NewBalanceTracker(),
		backstop: state.NewBackstopSet(),
	}
	f.margin = state.NewMarginCalculator(f.book, f.prices, f.params, f.tracker)
	f.gate = state.NewSolvencyGate(f.margin)
	f.liq = state.NewLiquidationEngine(f.margin, f.backstop)
	return f
}

func (f *fixture) setCollateral(traderID uuid.UUID, amount int64) {
	f.tracker.SetBalance(
		ledger.NewTraderAccountKey(traderID, ledger.SubTypeCollateral, ledger.SettlementAssetID), amount)
}

func (f *fixture) setOwedPnl(traderID uuid.UUID, amount int64) {
	f.tracker.SetBalance(
		ledger.NewTraderAccountKey(traderID, ledger.SubTypeOwedPnl, ledger.SettlementAssetID), amount)
}

func (f *fixture) setPosition(traderID uuid.UUID, market string, size, openNotional int64) {
	f.book.RestorePosition(&state.Position{
		TraderID:     traderID,
		Market:       market,
		Size:         size,
		OpenNotional: openNotional,
	})
}

// referenceTrader sets up the scenario used throughout: 100 collateral,
// long 7.866 base opened for 800 quote, index at 103.222.
func (f *fixture) referenceTrader() uuid.UUID {
	traderID := uuid.New()
	f.setCollateral(traderID, 100_000_000)
	f.setPosition(traderID, refMarket, 7_866_000, -800_000_000)
	f.prices.Update(refMarket, 103_222_000, 1, 1000)
	return traderID
}

func rejectCode(t *testing.T, err error) state.RejectCode {
	t.Helper()
	rej, ok := state.AsRejection(err)
	if !ok {
		t.Fatalf("expected a rejection, got %v", err)
	}
	return rej.Code
}

// ============================================================================
// Test: Valuation
// ============================================================================

func TestAccountValue_ReferencePosition(t *testing.T) {
	f := newFixture()
	traderID := f.referenceTrader()

	av, err := f.margin.AccountValue(traderID)
	if err != nil {
		t.Fatalf("AccountValue failed: %v", err)
	}

	// 100 + (7.866 * 103.222 - 800) = 111.944252
	if av != 111_944_252 {
		t.Errorf("account value: got %d, want 111_944_252", av)
	}
}

func TestAccountValue_MissingPrice_Fails(t *testing.T) {
	f := newFixture()
	traderID := uuid.New()
	f.setCollateral(traderID, 100_000_000)
	f.setPosition(traderID, refMarket, 1_000_000, -100_000_000)

	if _, err := f.margin.AccountValue(traderID); err == nil {
		t.Error("valuation of an open position without a price must fail")
	}
}

func TestFreeCollateral_SignedAndClamped(t *testing.T) {
	f := newFixture()
	traderID := f.referenceTrader()

	// IM = 10% of 811.944252 = 81.194425 (half-even on .2)
	// signed FC = min(100, 111.944252) - 81.194425 = 18.805575
	signed, err := f.margin.FreeCollateralSignedWith(traderID, nil)
	if err != nil {
		t.Fatalf("FreeCollateralSignedWith failed: %v", err)
	}
	if signed != 18_805_575 {
		t.Errorf("signed free collateral: got %d, want 18_805_575", signed)
	}

	public, err := f.margin.FreeCollateral(traderID)
	if err != nil {
		t.Fatalf("FreeCollateral failed: %v", err)
	}
	if public != signed {
		t.Errorf("public free collateral should equal positive signed value, got %d", public)
	}
}

func TestFreeCollateral_ClampsNegativeToZero(t *testing.T) {
	f := newFixture()
	traderID := f.referenceTrader()
	f.setCollateral(traderID, 10_000_000) // IM requirement far above account value

	public, err := f.margin.FreeCollateral(traderID)
	if err != nil {
		t.Fatalf("FreeCollateral failed: %v", err)
	}
	if public != 0 {
		t.Errorf("public free collateral must clamp at zero, got %d", public)
	}
}

func TestFreeCollateral_UnrealizedGainsExcluded(t *testing.T) {
	f := newFixture()
	traderID := uuid.New()

	// Long 1 base opened at 100, index now 200: 100 unrealized gain.
	f.setCollateral(traderID, 50_000_000)
	f.setPosition(traderID, refMarket, 1_000_000, -100_000_000)
	f.prices.Update(refMarket, 200_000_000, 1, 1000)

	// collateralValue = 50, accountValue = 150.
	// Conservative: min(50, 150) - IM(20) = 30. The gain backs nothing.
	signed, err := f.margin.FreeCollateralSignedWith(traderID, nil)
	if err != nil {
		t.Fatalf("FreeCollateralSignedWith failed: %v", err)
	}
	if signed != 30_000_000 {
		t.Errorf("unrealized gains must not raise free collateral: got %d, want 30_000_000", signed)
	}
}

func TestMarginSnapshot_Reference(t *testing.T) {
	f := newFixture()
	traderID := f.referenceTrader()

	snap, err := f.margin.Snapshot(traderID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if snap.AccountValue != 111_944_252 {
		t.Errorf("account value: got %d, want 111_944_252", snap.AccountValue)
	}
	if snap.UnrealizedPnl != 11_944_252 {
		t.Errorf("unrealized: got %d, want 11_944_252", snap.UnrealizedPnl)
	}
	if snap.InitialMargin != 81_194_425 {
		t.Errorf("initial margin: got %d, want 81_194_425", snap.InitialMargin)
	}
	if snap.MaintenanceMargin != 40_597_213 {
		t.Errorf("maintenance margin: got %d, want 40_597_213", snap.MaintenanceMargin)
	}
	if snap.FreeCollateral != 18_805_575 {
		t.Errorf("free collateral: got %d, want 18_805_575", snap.FreeCollateral)
	}
	if snap.Liquidatable {
		t.Error("reference trader is healthy, not liquidatable")
	}
}

// ============================================================================
// Test: Solvency gate
// ============================================================================

func TestGate_ReduceIntoBadDebt_Rejects(t *testing.T) {
	f := newFixture()
	traderID := f.referenceTrader()

	// Sell 4 base for 208.094 quote: realizes a loss that leaves
	// accountValue at -92.849748.
	outcome, err := f.book.PreviewFill(traderID, refMarket, -4_000_000, 208_094_000)
	if err != nil {
		t.Fatalf("PreviewFill failed: %v", err)
	}
	if outcome.Action != state.FillActionReduce {
		t.Fatalf("expected Reduce, got %s", outcome.Action)
	}

	err = f.gate.CheckFill(traderID, refMarket, outcome, 0)
	if code := rejectCode(t, err); code != state.RejectBadDebt {
		t.Errorf("expected BadDebt, got %s", code)
	}
}

func TestGate_FlipChecksFreeCollateral(t *testing.T) {
	f := newFixture()
	traderID := f.referenceTrader()

	// Sell 17.185 base for 1722.675955 quote: closes the long and opens a
	// 9.319 short. Post account value 60.750137 is solvent, but signed free
	// collateral is -35.442445, so the flip rejects as an increase.
	outcome, err := f.book.PreviewFill(traderID, refMarket, -17_185_000, 1_722_675_955)
	if err != nil {
		t.Fatalf("PreviewFill failed: %v", err)
	}
	if outcome.Action != state.FillActionFlip {
		t.Fatalf("expected Flip, got %s", outcome.Action)
	}
	if outcome.NewSize != -9_319_000 {
		t.Errorf("new size: got %d, want -9_319_000", outcome.NewSize)
	}

	err = f.gate.CheckFill(traderID, refMarket, outcome, 0)
	if code := rejectCode(t, err); code != state.RejectInsufficientForIncrease {
		t.Errorf("expected InsufficientFreeCollateralForIncrease, got %s", code)
	}

	// The gate judged a hypothetical: the book must be untouched.
	pos := f.book.Get(traderID, refMarket)
	if pos.Size != 7_866_000 || pos.OpenNotional != -800_000_000 {
		t.Error("rejected fill must not mutate the position")
	}
}

func TestGate_ReduceWithinBounds_Succeeds(t *testing.T) {
	f := newFixture()
	traderID := f.referenceTrader()

	// Sell 1 base for 81.485759 quote: post signed free collateral is
	// exactly 8.91, account value stays positive.
	outcome, err := f.book.PreviewFill(traderID, refMarket, -1_000_000, 81_485_759)
	if err != nil {
		t.Fatalf("PreviewFill failed: %v", err)
	}

	if err := f.gate.CheckFill(traderID, refMarket, outcome, 0); err != nil {
		t.Fatalf("reduce within bounds should pass: %v", err)
	}

	adj := &state.Adjustment{
		Market:          refMarket,
		NewSize:         outcome.NewSize,
		NewOpenNotional: outcome.NewOpenNotional,
		OwedPnlDelta:    outcome.RealizedPnl,
	}
	fc, err := f.margin.FreeCollateralSignedWith(traderID, adj)
	if err != nil {
		t.Fatalf("FreeCollateralSignedWith failed: %v", err)
	}
	if fc != 8_910_000 {
		t.Errorf("post-reduce free collateral: got %d, want 8_910_000", fc)
	}
}

func TestGate_ReduceToleratesNegativeFreeCollateral(t *testing.T) {
	f := newFixture()
	traderID := f.referenceTrader()
	f.setCollateral(traderID, 30_000_000) // Under the IM requirement already

	// Selling 1 base at the index price keeps account value positive.
	// Free collateral is deeply negative, but a pure reduce does not care.
	outcome, err := f.book.PreviewFill(traderID, refMarket, -1_000_000, 103_222_000)
	if err != nil {
		t.Fatalf("PreviewFill failed: %v", err)
	}

	if err := f.gate.CheckFill(traderID, refMarket, outcome, 0); err != nil {
		t.Fatalf("reduce should tolerate negative free collateral: %v", err)
	}
}

func TestGate_OpenRequiresFreeCollateral(t *testing.T) {
	f := newFixture()
	traderID := uuid.New()
	f.setCollateral(traderID, 50_000_000)
	f.prices.Update(refMarket, 103_222_000, 1, 1000)

	// 4 base at index: IM 41.2888 fits under 50 collateral.
	okOutcome, err := f.book.PreviewFill(traderID, refMarket, 4_000_000, -412_888_000)
	if err != nil {
		t.Fatalf("PreviewFill failed: %v", err)
	}
	if okOutcome.Action != state.FillActionOpen {
		t.Fatalf("expected Open, got %s", okOutcome.Action)
	}
	if err := f.gate.CheckFill(traderID, refMarket, okOutcome, 0); err != nil {
		t.Fatalf("open within free collateral should pass: %v", err)
	}

	// 5 base needs IM 51.611: over the collateral.
	bigOutcome, err := f.book.PreviewFill(traderID, refMarket, 5_000_000, -516_110_000)
	if err != nil {
		t.Fatalf("PreviewFill failed: %v", err)
	}
	err = f.gate.CheckFill(traderID, refMarket, bigOutcome, 0)
	if code := rejectCode(t, err); code != state.RejectInsufficientForIncrease {
		t.Errorf("expected InsufficientFreeCollateralForIncrease, got %s", code)
	}
}

func TestGate_FeeCanTipAccountValue(t *testing.T) {
	f := newFixture()
	traderID := uuid.New()
	f.setCollateral(traderID, 1_000_000)
	f.prices.Update(refMarket, 103_222_000, 1, 1000)

	outcome, err := f.book.PreviewFill(traderID, refMarket, 400_000, -41_288_800)
	if err != nil {
		t.Fatalf("PreviewFill failed: %v", err)
	}

	// A 2.0 fee against 1.0 collateral: account value goes negative before
	// the free-collateral check even runs.
	err = f.gate.CheckFill(traderID, refMarket, outcome, 2_000_000)
	if code := rejectCode(t, err); code != state.RejectBadDebt {
		t.Errorf("expected BadDebt, got %s", code)
	}
}

func TestGate_WithdrawalSettlesOwedFirst(t *testing.T) {
	f := newFixture()
	traderID := uuid.New()
	f.setCollateral(traderID, 100_000_000)
	f.setOwedPnl(traderID, 40_000_000)

	settled, err := f.gate.CheckWithdrawal(traderID, 120_000_000)
	if err != nil {
		t.Fatalf("withdrawal within settled balance should pass: %v", err)
	}
	if settled != 40_000_000 {
		t.Errorf("settled PnL: got %d, want 40_000_000", settled)
	}

	_, err = f.gate.CheckWithdrawal(traderID, 150_000_000)
	if code := rejectCode(t, err); code != state.RejectInsufficientForWithdraw {
		t.Errorf("expected InsufficientFreeCollateralForWithdraw, got %s", code)
	}
}

func TestGate_WithdrawalWithNegativeOwed(t *testing.T) {
	f := newFixture()
	traderID := uuid.New()
	f.setCollateral(traderID, 100_000_000)
	f.setOwedPnl(traderID, -30_000_000)

	if _, err := f.gate.CheckWithdrawal(traderID, 70_000_000); err != nil {
		t.Fatalf("withdrawal of post-settlement balance should pass: %v", err)
	}

	_, err := f.gate.CheckWithdrawal(traderID, 80_000_000)
	if code := rejectCode(t, err); code != state.RejectInsufficientForWithdraw {
		t.Errorf("expected InsufficientFreeCollateralForWithdraw, got %s", code)
	}
}

func TestGate_WithdrawalBlockedByPositionMargin(t *testing.T) {
	f := newFixture()
	traderID := f.referenceTrader()

	// Free collateral is 18.805575; margin holds the rest of the 100.
	if _, err := f.gate.CheckWithdrawal(traderID, 18_805_575); err != nil {
		t.Fatalf("withdrawal up to free collateral should pass: %v", err)
	}

	_, err := f.gate.CheckWithdrawal(traderID, 18_805_576)
	if code := rejectCode(t, err); code != state.RejectInsufficientForWithdraw {
		t.Errorf("expected InsufficientFreeCollateralForWithdraw, got %s", code)
	}
}

// ============================================================================
// Test: Liquidation engine
// ============================================================================

func TestLiquidation_HealthyAccount_NotLiquidatable(t *testing.T) {
	f := newFixture()
	traderID := f.referenceTrader()

	_, err := f.liq.Authorize(uuid.New(), traderID, refMarket)
	if code := rejectCode(t, err); code != state.RejectNotLiquidatable {
		t.Errorf("expected NotLiquidatable, got %s", code)
	}
}

func TestLiquidation_NoPosition_NotLiquidatable(t *testing.T) {
	f := newFixture()
	traderID := uuid.New()
	f.setCollateral(traderID, 100_000_000)

	_, err := f.liq.Authorize(uuid.New(), traderID, refMarket)
	if code := rejectCode(t, err); code != state.RejectNotLiquidatable {
		t.Errorf("expected NotLiquidatable, got %s", code)
	}
}

func TestLiquidation_MaintenancePath_AnyLiquidator(t *testing.T) {
	f := newFixture()
	traderID := f.referenceTrader()

	// Account value 36.944252 sits under the 40.597213 maintenance
	// requirement but above zero: any liquidator may close it.
	f.setCollateral(traderID, 25_000_000)

	decision, err := f.liq.Authorize(uuid.New(), traderID, refMarket)
	if err != nil {
		t.Fatalf("maintenance-path liquidation should authorize: %v", err)
	}
	if decision.BadDebt {
		t.Error("positive account value is not bad debt")
	}
	if decision.BaseDelta != -7_866_000 {
		t.Errorf("close delta: got %d, want -7_866_000", decision.BaseDelta)
	}
}

func TestLiquidation_BadDebt_RequiresBackstop(t *testing.T) {
	f := newFixture()
	traderID := f.referenceTrader()
	f.setCollateral(traderID, -20_000_000) // Account value -8.055748

	outsider := uuid.New()
	_, err := f.liq.Authorize(outsider, traderID, refMarket)
	if code := rejectCode(t, err); code != state.RejectBadDebt {
		t.Errorf("expected BadDebt for non-backstop liquidator, got %s", code)
	}

	member := uuid.New()
	f.backstop.Set(member, true)

	decision, err := f.liq.Authorize(member, traderID, refMarket)
	if err != nil {
		t.Fatalf("backstop member should authorize bad-debt takeover: %v", err)
	}
	if !decision.BadDebt {
		t.Error("decision should flag bad debt")
	}
}

func TestLiquidation_JudgeClose_CrystallizedBadDebt(t *testing.T) {
	f := newFixture()
	traderID := f.referenceTrader()
	f.setCollateral(traderID, 25_000_000) // Maintenance path, account value positive

	// The engine's close fill comes back at a terrible price: realizing it
	// leaves the account negative even before the penalty.
	outcome, err := f.book.PreviewFill(traderID, refMarket, -7_866_000, 700_000_000)
	if err != nil {
		t.Fatalf("PreviewFill failed: %v", err)
	}

	outsider := uuid.New()
	err = f.liq.JudgeClose(outsider, traderID, refMarket, outcome, 20_000_000)
	if code := rejectCode(t, err); code != state.RejectBadDebt {
		t.Errorf("expected BadDebt for crystallizing close, got %s", code)
	}

	member := uuid.New()
	f.backstop.Set(member, true)
	if err := f.liq.JudgeClose(member, traderID, refMarket, outcome, 20_000_000); err != nil {
		t.Fatalf("backstop member may crystallize bad debt: %v", err)
	}
}

// ============================================================================
// Test: Position book fill taxonomy
// ============================================================================

func TestPositionBook_OpenIncreaseReduceCloseFlip(t *testing.T) {
	book := state.NewPositionBook()
	traderID := uuid.New()

	// Open long 2 for 200.
	out, err := book.PreviewFill(traderID, refMarket, 2_000_000, -200_000_000)
	if err != nil {
		t.Fatalf("PreviewFill failed: %v", err)
	}
	if out.Action != state.FillActionOpen || out.NewOpenNotional != -200_000_000 {
		t.Fatalf("open: got %s notional %d", out.Action, out.NewOpenNotional)
	}
	book.ApplyFill(traderID, refMarket, out)

	// Increase by 1 for 110.
	out, err = book.PreviewFill(traderID, refMarket, 1_000_000, -110_000_000)
	if err != nil {
		t.Fatalf("PreviewFill failed: %v", err)
	}
	if out.Action != state.FillActionIncrease || out.NewOpenNotional != -310_000_000 {
		t.Fatalf("increase: got %s notional %d", out.Action, out.NewOpenNotional)
	}
	book.ApplyFill(traderID, refMarket, out)

	// Reduce 1 of 3 for 120: releases a third of the notional.
	out, err = book.PreviewFill(traderID, refMarket, -1_000_000, 120_000_000)
	if err != nil {
		t.Fatalf("PreviewFill failed: %v", err)
	}
	if out.Action != state.FillActionReduce {
		t.Fatalf("expected Reduce, got %s", out.Action)
	}
	// share = -310 / 3 = -103.333333 (half-even), realized = 120 - 103.333333
	if out.RealizedPnl != 16_666_667 {
		t.Errorf("reduce realized: got %d, want 16_666_667", out.RealizedPnl)
	}
	if out.NewOpenNotional != -206_666_667 {
		t.Errorf("reduce notional: got %d, want -206_666_667", out.NewOpenNotional)
	}
	book.ApplyFill(traderID, refMarket, out)

	// Close the remaining 2 for 250.
	out, err = book.PreviewFill(traderID, refMarket, -2_000_000, 250_000_000)
	if err != nil {
		t.Fatalf("PreviewFill failed: %v", err)
	}
	if out.Action != state.FillActionClose {
		t.Fatalf("expected Close, got %s", out.Action)
	}
	if out.RealizedPnl != 250_000_000-206_666_667 {
		t.Errorf("close realized: got %d, want %d", out.RealizedPnl, 250_000_000-206_666_667)
	}
	if out.NewSize != 0 || out.NewOpenNotional != 0 {
		t.Error("close must flatten the position")
	}
	book.ApplyFill(traderID, refMarket, out)

	// Reopen long 2 for 200, then flip short by selling 5 for 550.
	out, _ = book.PreviewFill(traderID, refMarket, 2_000_000, -200_000_000)
	book.ApplyFill(traderID, refMarket, out)

	out, err = book.PreviewFill(traderID, refMarket, -5_000_000, 550_000_000)
	if err != nil {
		t.Fatalf("PreviewFill failed: %v", err)
	}
	if out.Action != state.FillActionFlip {
		t.Fatalf("expected Flip, got %s", out.Action)
	}
	// Closing 2 of 5 at uniform price: quoteClose = 550 * 2/5 = 220.
	if out.RealizedPnl != 20_000_000 {
		t.Errorf("flip realized: got %d, want 20_000_000", out.RealizedPnl)
	}
	if out.NewSize != -3_000_000 || out.NewOpenNotional != 330_000_000 {
		t.Errorf("flip result: size %d notional %d", out.NewSize, out.NewOpenNotional)
	}
}

func TestPositionBook_ZeroBaseDelta_Fails(t *testing.T) {
	book := state.NewPositionBook()

	if _, err := book.PreviewFill(uuid.New(), refMarket, 0, 100); err == nil {
		t.Error("zero base delta must fail preview")
	}
}

func TestPositionBook_PartialClosesSumToFullNotional(t *testing.T) {
	book := state.NewPositionBook()
	traderID := uuid.New()

	out, _ := book.PreviewFill(traderID, refMarket, 7_866_000, -800_000_000)
	book.ApplyFill(traderID, refMarket, out)

	// Close in three uneven slices; released notional must sum to 800.
	var released int64
	for _, slice := range []int64{-2_500_000, -3_100_000, -2_266_000} {
		out, err := book.PreviewFill(traderID, refMarket, slice, 0)
		if err != nil {
			t.Fatalf("PreviewFill failed: %v", err)
		}
		pos := book.Get(traderID, refMarket)
		released += pos.OpenNotional - out.NewOpenNotional
		book.ApplyFill(traderID, refMarket, out)
	}

	if released != -800_000_000 {
		t.Errorf("released notional: got %d, want -800_000_000", released)
	}
	if pos := book.Get(traderID, refMarket); !pos.IsFlat() {
		t.Error("position should be flat after full close")
	}
}

// ============================================================================
// Test: Params, strategy, funding epochs
// ============================================================================

func TestParams_Validate(t *testing.T) {
	bad := []*state.MarketParams{
		{Market: "X", IMRatio: 50_000, MMRatio: 50_000},         // im == mm
		{Market: "X", IMRatio: 1_000_000, MMRatio: 50_000},      // im == 100%
		{Market: "X", IMRatio: 100_000, MMRatio: 0},             // mm == 0
		{Market: "", IMRatio: 100_000, MMRatio: 50_000},         // no market
		{Market: "X", IMRatio: 100_000, MMRatio: 50_000, FeeRatio: 1_000_000},
		{Market: "X", IMRatio: 100_000, MMRatio: 50_000, RewardShare: 1_000_001},
	}

	for i, params := range bad {
		if err := state.ValidateMarketParams(params); err == nil {
			t.Errorf("case %d should fail validation", i)
		}
	}

	good := &state.MarketParams{
		Market: "X", IMRatio: 100_000, MMRatio: 50_000,
		FeeRatio: 500, InsuranceFeeShare: 200_000,
		PenaltyRatio: 25_000, RewardShare: 300_000,
	}
	if err := state.ValidateMarketParams(good); err != nil {
		t.Errorf("valid params should pass: %v", err)
	}
}

func TestParams_FeeAndPenaltySplits(t *testing.T) {
	params := &state.MarketParams{
		Market: "X", IMRatio: 100_000, MMRatio: 50_000,
		FeeRatio: 500, InsuranceFeeShare: 200_000,
		PenaltyRatio: 25_000, RewardShare: 300_000,
	}

	// 0.05% of 1000 = 0.5; 20% of that to insurance.
	fee, insurance := params.FeeOn(-1_000_000_000)
	if fee != 500_000 {
		t.Errorf("fee: got %d, want 500_000", fee)
	}
	if insurance != 100_000 {
		t.Errorf("insurance fee: got %d, want 100_000", insurance)
	}

	// 2.5% of 800 = 20; 30% of that to the liquidator.
	penalty, reward := params.PenaltyOn(-800_000_000)
	if penalty != 20_000_000 {
		t.Errorf("penalty: got %d, want 20_000_000", penalty)
	}
	if reward != 6_000_000 {
		t.Errorf("reward: got %d, want 6_000_000", reward)
	}
}

func TestStrategy_Parse(t *testing.T) {
	if _, err := state.ParseStrategy("conservative"); err != nil {
		t.Errorf("conservative must parse: %v", err)
	}
	if _, err := state.ParseStrategy("moderate"); err == nil {
		t.Error("moderate is recognized but unimplemented, must fail")
	}
	if _, err := state.ParseStrategy("aggressive"); err == nil {
		t.Error("aggressive is recognized but unimplemented, must fail")
	}
	if _, err := state.ParseStrategy("yolo"); err == nil {
		t.Error("unknown strategy must fail")
	}
}

func TestFunding_EpochSequencing(t *testing.T) {
	fm := state.NewFundingManager()

	stored, err := fm.StoreSnapshot("BTC-USD", 0, 100_000, 50_000_000_000, 1000)
	if err != nil || !stored {
		t.Fatalf("epoch 0 should store: stored=%v err=%v", stored, err)
	}

	// Gap: epoch 2 before 1.
	if _, err := fm.StoreSnapshot("BTC-USD", 2, 100_000, 50_000_000_000, 3000); err == nil {
		t.Error("epoch gap must fail")
	}

	// Duplicate: silently skipped.
	stored, err = fm.StoreSnapshot("BTC-USD", 0, 100_000, 50_000_000_000, 1000)
	if err != nil || stored {
		t.Errorf("duplicate epoch should skip: stored=%v err=%v", stored, err)
	}

	if _, err := fm.StoreSnapshot("BTC-USD", 1, -50_000, 49_000_000_000, 2000); err != nil {
		t.Errorf("epoch 1 should store: %v", err)
	}

	if err := fm.MarkSettled("BTC-USD", 0); err != nil {
		t.Errorf("settling stored epoch should pass: %v", err)
	}
	if err := fm.MarkSettled("BTC-USD", 0); err == nil {
		t.Error("double settlement must fail")
	}
	if err := fm.MarkSettled("BTC-USD", 9); err == nil {
		t.Error("settling unknown epoch must fail")
	}
}

func TestInsuranceFund_Coverage(t *testing.T) {
	fund := state.NewInsuranceFund()

	if got := fund.CoverageFor(-10_000_000); got != 10_000_000 {
		t.Errorf("coverage for -10: got %d, want 10_000_000", got)
	}
	if got := fund.CoverageFor(5_000_000); got != 0 {
		t.Errorf("coverage for positive balance: got %d, want 0", got)
	}
}
