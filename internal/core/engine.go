package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"PerpClear/internal/event"
	"PerpClear/internal/ledger"
	"PerpClear/internal/market"
	fpmath "PerpClear/internal/math"
	"PerpClear/internal/observability"
	"PerpClear/internal/state"

	"github.com/google/uuid"
)

var (
	// ErrReentrantCall is returned when a collaborator invoked during an
	// in-flight transition calls back into the core.
	ErrReentrantCall = errors.New("reentrant call into clearing core")

	// ErrDuplicate is returned for a trade or liquidation request whose ID
	// was already processed. The effect is already applied; the caller
	// should query for the result instead of retrying.
	ErrDuplicate = errors.New("duplicate request")
)

// ClearingCore is the single-threaded margin and solvency engine. Every
// state change funnels through one command loop: the command is judged
// against post-action valuations, collaborators are consulted, and only an
// accepted command becomes a fact event that mutates state and enters the
// hash-chained log. Rejected commands return synchronously and leave no
// trace.
type ClearingCore struct {
	sequence int64

	hasher       *StateHasher
	balances     *ledger.BalanceTracker
	journalGen   *ledger.JournalGenerator
	validator    *ledger.InvariantValidator
	book         *state.PositionBook
	prices       *state.IndexPriceTable
	params       *state.ParamsManager
	backstop     *state.BackstopSet
	fundingMgr   *state.FundingManager
	margin       *state.MarginCalculator
	gate         *state.SolvencyGate
	liquidation  *state.LiquidationEngine
	insurance    *state.InsuranceFund
	engine       market.Engine
	idempotency  *IdempotencyChecker
	seqValidator *SequenceValidator
	metrics      *observability.Metrics

	commands       chan coreCommand
	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one applied event with everything downstream workers need:
// the envelope, the journal batches it produced, and the state digest the
// hash covers.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batches    []*ledger.Batch
	StateDelta []byte
}

type coreCommand struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

type reentrancyMarker struct{}

func NewClearingCore(
	startSequence int64,
	engine market.Engine,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *ClearingCore {
	balances := ledger.NewBalanceTracker()
	book := state.NewPositionBook()
	prices := state.NewIndexPriceTable()
	params := state.NewParamsManager()
	backstop := state.NewBackstopSet()
	margin := state.NewMarginCalculator(book, prices, params, balances)

	return &ClearingCore{
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		balances:       balances,
		journalGen:     ledger.NewJournalGenerator(0),
		validator:      ledger.NewInvariantValidator(balances),
		book:           book,
		prices:         prices,
		params:         params,
		backstop:       backstop,
		fundingMgr:     state.NewFundingManager(),
		margin:         margin,
		gate:           state.NewSolvencyGate(margin),
		liquidation:    state.NewLiquidationEngine(margin, backstop),
		insurance:      state.NewInsuranceFund(),
		engine:         engine,
		idempotency:    NewIdempotencyChecker(1_000_000, dbChecker),
		seqValidator:   NewSequenceValidator(),
		metrics:        metrics,
		commands:       make(chan coreCommand, 256),
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// Run executes the command loop until ctx is canceled. All public methods
// block until the loop has fully processed their command; starting Run is
// what brings the core online. Snapshot restore and replay must happen
// before Run.
func (c *ClearingCore) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-c.commands:
			cmd.reply <- cmd.fn(context.WithValue(cmd.ctx, reentrancyMarker{}, true))
		}
	}
}

// submit hands a command to the loop and waits for its result. A context
// already inside a transition is rejected: collaborators must not call back
// into the core while the core waits on them.
func (c *ClearingCore) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(reentrancyMarker{}) != nil {
		return ErrReentrantCall
	}

	cmd := coreCommand{ctx: ctx, fn: fn, reply: make(chan error, 1)}

	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Once accepted the command runs exactly once; always report its
	// outcome rather than abandoning it on cancellation.
	return <-cmd.reply
}

// ============================================================================
// Commands
// ============================================================================

// DepositCommand credits settlement-asset collateral confirmed by custody.
type DepositCommand struct {
	DepositID uuid.UUID
	TraderID  uuid.UUID
	Asset     string
	Amount    int64
	Sequence  int64 // Custody stream sequence; zero when API-originated
	Timestamp time.Time
}

// WithdrawCommand moves collateral out after settling owed PnL.
type WithdrawCommand struct {
	WithdrawalID uuid.UUID
	TraderID     uuid.UUID
	Asset        string
	Amount       int64
	Timestamp    time.Time
}

// SettleCommand realizes a trader's owed PnL into collateral.
type SettleCommand struct {
	RequestID uuid.UUID
	TraderID  uuid.UUID
	Timestamp time.Time
}

// TradeCommand requests a position change filled by the market engine.
type TradeCommand struct {
	TradeID   uuid.UUID
	TraderID  uuid.UUID
	Market    string
	BaseDelta int64
	Timestamp time.Time
}

// LiquidateCommand requests a forced close of another trader's position.
type LiquidateCommand struct {
	LiquidationID uuid.UUID
	LiquidatorID  uuid.UUID
	TraderID      uuid.UUID
	Market        string
	Timestamp     time.Time
}

// CoverCommand zeroes a trader's negative collateral against the insurance
// fund. Admin surface.
type CoverCommand struct {
	RequestID uuid.UUID
	TraderID  uuid.UUID
	Timestamp time.Time
}

// TradeResult reports an accepted fill back to the caller.
type TradeResult struct {
	FillID      uuid.UUID
	Action      state.FillAction
	BaseDelta   int64
	QuoteDelta  int64
	Fee         int64
	RealizedPnl int64
	IsPartial   bool
}

// LiquidationResult reports a completed forced close.
type LiquidationResult struct {
	BaseDelta   int64
	QuoteDelta  int64
	RealizedPnl int64
	Penalty     int64
	Reward      int64
	BadDebt     bool
	IsPartial   bool
}

// Deposit credits collateral. Zero amounts succeed without any effect;
// duplicate deposit IDs succeed without double-crediting.
func (c *ClearingCore) Deposit(ctx context.Context, cmd *DepositCommand) error {
	if cmd.Amount < 0 {
		return fmt.Errorf("deposit amount must not be negative, got %d", cmd.Amount)
	}
	if cmd.Amount == 0 {
		return nil
	}

	return c.submit(ctx, func(context.Context) error {
		evt := &event.DepositConfirmed{
			DepositID: cmd.DepositID,
			TraderID:  cmd.TraderID,
			Asset:     cmd.Asset,
			Amount:    cmd.Amount,
			Sequence:  cmd.Sequence,
			Timestamp: cmd.Timestamp,
		}
		if c.isDuplicate(evt) {
			return nil
		}
		return c.commit(evt)
	})
}

// Withdraw settles the trader's full owed PnL into collateral, then releases
// the amount if it fits under post-settlement free collateral. Settlement
// and withdrawal commit or roll back together. Zero amounts succeed without
// any effect.
func (c *ClearingCore) Withdraw(ctx context.Context, cmd *WithdrawCommand) error {
	if cmd.Amount < 0 {
		return fmt.Errorf("withdrawal amount must not be negative, got %d", cmd.Amount)
	}
	if cmd.Amount == 0 {
		return nil
	}

	return c.submit(ctx, func(context.Context) error {
		if err := validateSettlementAsset(cmd.Asset); err != nil {
			return err
		}

		evt := &event.WithdrawalConfirmed{
			WithdrawalID: cmd.WithdrawalID,
			TraderID:     cmd.TraderID,
			Asset:        cmd.Asset,
			Amount:       cmd.Amount,
			Timestamp:    cmd.Timestamp,
		}
		if c.isDuplicate(evt) {
			return nil
		}

		settled, err := c.gate.CheckWithdrawal(cmd.TraderID, cmd.Amount)
		if err != nil {
			c.recordRejection(err)
			return err
		}

		evt.SettledPnl = settled
		return c.commit(evt)
	})
}

// SettleOwedPnl realizes the trader's entire owed PnL into collateral and
// returns the settled amount. Settling zero owed PnL is a no-op.
func (c *ClearingCore) SettleOwedPnl(ctx context.Context, cmd *SettleCommand) (int64, error) {
	var settled int64

	err := c.submit(ctx, func(context.Context) error {
		evt := &event.PnlSettled{
			RequestID: cmd.RequestID,
			TraderID:  cmd.TraderID,
			Timestamp: cmd.Timestamp,
		}
		if c.isDuplicate(evt) {
			return nil
		}

		owed := c.balances.GetTraderOwedPnl(cmd.TraderID)
		if owed == 0 {
			return nil
		}

		evt.SettledPnl = owed
		if err := c.commit(evt); err != nil {
			return err
		}

		settled = owed
		return nil
	})

	return settled, err
}

// OpenPosition executes a trade intent through the market engine and books
// the fill if it passes the solvency gate. The fill may open, increase,
// reduce, close, or flip the position; anything that grows exposure must
// also leave signed free collateral non-negative.
func (c *ClearingCore) OpenPosition(ctx context.Context, cmd *TradeCommand) (*TradeResult, error) {
	if cmd.BaseDelta == 0 {
		return nil, fmt.Errorf("trade for %s has zero base delta", cmd.Market)
	}

	var result *TradeResult

	err := c.submit(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.executeTrade(ctx, cmd, false)
		return err
	})

	return result, err
}

// ClosePosition executes a reduce-only trade against an existing position.
// A zero BaseDelta closes the full position. The fill is still judged for
// bad debt: a close that would leave account value negative is rejected in
// full, partial fills included.
func (c *ClearingCore) ClosePosition(ctx context.Context, cmd *TradeCommand) (*TradeResult, error) {
	var result *TradeResult

	err := c.submit(ctx, func(ctx context.Context) error {
		pos := c.book.Get(cmd.TraderID, cmd.Market)
		if pos == nil || pos.IsFlat() {
			return fmt.Errorf("no position to close in %s", cmd.Market)
		}

		closeCmd := *cmd
		if closeCmd.BaseDelta == 0 {
			closeCmd.BaseDelta = -pos.Size
		}
		if fpmath.Sign64(closeCmd.BaseDelta) == fpmath.Sign64(pos.Size) {
			return fmt.Errorf("close delta %d does not oppose position %d",
				closeCmd.BaseDelta, pos.Size)
		}
		if fpmath.Abs64(closeCmd.BaseDelta) > fpmath.Abs64(pos.Size) {
			return fmt.Errorf("close delta %d exceeds position size %d",
				closeCmd.BaseDelta, pos.Size)
		}

		var err error
		result, err = c.executeTrade(ctx, &closeCmd, true)
		return err
	})

	return result, err
}

// executeTrade is the shared trade path: consult the engine, judge the
// actual fill, and book it. Runs inside the command loop.
func (c *ClearingCore) executeTrade(ctx context.Context, cmd *TradeCommand, reduceOnly bool) (*TradeResult, error) {
	if c.idempotency.IsDuplicate(event.EventTypeTradeExecuted.String(), cmd.TradeID.String()) {
		return nil, ErrDuplicate
	}

	params, ok := c.params.Get(cmd.Market)
	if !ok {
		return nil, fmt.Errorf("unknown market: %s", cmd.Market)
	}
	indexPrice, ok := c.prices.Get(cmd.Market)
	if !ok {
		return nil, fmt.Errorf("no index price for %s", cmd.Market)
	}

	fill, err := c.engine.Execute(ctx, &market.Intent{
		Market:     cmd.Market,
		TraderID:   cmd.TraderID,
		BaseDelta:  cmd.BaseDelta,
		ReduceOnly: reduceOnly,
	})
	if err != nil {
		return nil, err
	}

	outcome, err := c.book.PreviewFill(cmd.TraderID, cmd.Market, fill.BaseDelta, fill.QuoteDelta)
	if err != nil {
		return nil, err
	}

	fee, insuranceFee := params.FeeOn(fill.QuoteDelta)

	if err := c.gate.CheckFill(cmd.TraderID, cmd.Market, outcome, fee); err != nil {
		c.recordRejection(err)
		return nil, err
	}

	evt := &event.TradeExecuted{
		TradeID:      cmd.TradeID,
		TraderID:     cmd.TraderID,
		Market:       cmd.Market,
		BaseDelta:    fill.BaseDelta,
		QuoteDelta:   fill.QuoteDelta,
		Fee:          fee,
		InsuranceFee: insuranceFee,
		RealizedPnl:  outcome.RealizedPnl,
		IndexPrice:   indexPrice,
		Timestamp:    cmd.Timestamp,
	}
	if err := c.commit(evt); err != nil {
		return nil, err
	}

	return &TradeResult{
		FillID:      fill.FillID,
		Action:      outcome.Action,
		BaseDelta:   fill.BaseDelta,
		QuoteDelta:  fill.QuoteDelta,
		Fee:         fee,
		RealizedPnl: outcome.RealizedPnl,
		IsPartial:   fill.IsPartial,
	}, nil
}

// Liquidate force-closes a trader's position at market. Healthy accounts
// reject NotLiquidatable; underwater accounts may only be taken over by
// backstop members. The close realizes PnL, settles the full owed balance,
// and charges the penalty split between the liquidator and the insurance
// fund. The trader's collateral may go negative: that balance is the
// explicit bad-debt record.
func (c *ClearingCore) Liquidate(ctx context.Context, cmd *LiquidateCommand) (*LiquidationResult, error) {
	var result *LiquidationResult

	err := c.submit(ctx, func(ctx context.Context) error {
		if c.idempotency.IsDuplicate(event.EventTypePositionLiquidated.String(), cmd.LiquidationID.String()) {
			return ErrDuplicate
		}

		decision, err := c.liquidation.Authorize(cmd.LiquidatorID, cmd.TraderID, cmd.Market)
		if err != nil {
			c.recordRejection(err)
			return err
		}

		params, ok := c.params.Get(cmd.Market)
		if !ok {
			return fmt.Errorf("unknown market: %s", cmd.Market)
		}
		indexPrice, _ := c.prices.Get(cmd.Market)

		fill, err := c.engine.Execute(ctx, &market.Intent{
			Market:     cmd.Market,
			TraderID:   cmd.TraderID,
			BaseDelta:  decision.BaseDelta,
			ReduceOnly: true,
		})
		if err != nil {
			return err
		}

		outcome, err := c.book.PreviewFill(cmd.TraderID, cmd.Market, fill.BaseDelta, fill.QuoteDelta)
		if err != nil {
			return err
		}

		penalty, reward := params.PenaltyOn(outcome.ClosedNotional)

		if err := c.liquidation.JudgeClose(cmd.LiquidatorID, cmd.TraderID, cmd.Market, outcome, penalty); err != nil {
			c.recordRejection(err)
			return err
		}

		// The close settles everything into collateral so the bad-debt
		// record, if any, lands on a single balance.
		settled := c.balances.GetTraderOwedPnl(cmd.TraderID) + outcome.RealizedPnl
		postCollateral := c.balances.GetTraderCollateral(cmd.TraderID) + settled - penalty

		evt := &event.PositionLiquidated{
			LiquidationID: cmd.LiquidationID,
			TraderID:      cmd.TraderID,
			LiquidatorID:  cmd.LiquidatorID,
			Market:        cmd.Market,
			BaseDelta:     fill.BaseDelta,
			QuoteDelta:    fill.QuoteDelta,
			RealizedPnl:   outcome.RealizedPnl,
			SettledPnl:    settled,
			Penalty:       penalty,
			Reward:        reward,
			IndexPrice:    indexPrice,
			BadDebt:       postCollateral < 0,
			Timestamp:     cmd.Timestamp,
		}
		if err := c.commit(evt); err != nil {
			return err
		}

		result = &LiquidationResult{
			BaseDelta:   fill.BaseDelta,
			QuoteDelta:  fill.QuoteDelta,
			RealizedPnl: outcome.RealizedPnl,
			Penalty:     penalty,
			Reward:      reward,
			BadDebt:     postCollateral < 0,
			IsPartial:   fill.IsPartial,
		}
		return nil
	})

	return result, err
}

// CoverBadDebt zeroes a trader's negative collateral against the insurance
// fund and returns the covered amount. The fund itself may go negative. A
// trader with non-negative collateral is a no-op.
func (c *ClearingCore) CoverBadDebt(ctx context.Context, cmd *CoverCommand) (int64, error) {
	var covered int64

	err := c.submit(ctx, func(context.Context) error {
		evt := &event.BadDebtCovered{
			RequestID: cmd.RequestID,
			TraderID:  cmd.TraderID,
			Timestamp: cmd.Timestamp,
		}
		if c.isDuplicate(evt) {
			return nil
		}

		coverage := c.insurance.CoverageFor(c.balances.GetTraderCollateral(cmd.TraderID))
		if coverage == 0 {
			return nil
		}

		evt.Amount = coverage
		if err := c.commit(evt); err != nil {
			return err
		}

		covered = coverage
		return nil
	})

	return covered, err
}

// UpdateMarketParams installs new risk parameters for a market. Invalid
// parameters fail before anything is logged.
func (c *ClearingCore) UpdateMarketParams(ctx context.Context, params *state.MarketParams, sequence int64, timestamp time.Time) error {
	if err := state.ValidateMarketParams(params); err != nil {
		return err
	}

	return c.submit(ctx, func(context.Context) error {
		evt := &event.MarketParamsUpdated{
			Market:            params.Market,
			IMRatio:           params.IMRatio,
			MMRatio:           params.MMRatio,
			FeeRatio:          params.FeeRatio,
			InsuranceFeeShare: params.InsuranceFeeShare,
			PenaltyRatio:      params.PenaltyRatio,
			RewardShare:       params.RewardShare,
			Sequence:          sequence,
			Timestamp:         timestamp,
		}
		if c.isDuplicate(evt) {
			return nil
		}
		return c.commit(evt)
	})
}

// UpdateBackstop changes a trader's backstop liquidity provider eligibility.
func (c *ClearingCore) UpdateBackstop(ctx context.Context, traderID uuid.UUID, eligible bool, sequence int64, timestamp time.Time) error {
	return c.submit(ctx, func(context.Context) error {
		evt := &event.BackstopSetUpdated{
			TraderID:  traderID,
			Eligible:  eligible,
			Sequence:  sequence,
			Timestamp: timestamp,
		}
		if c.isDuplicate(evt) {
			return nil
		}
		return c.commit(evt)
	})
}

// ProcessIngested feeds an event parsed off the ingestion surfaces (custody
// deposits, index prices, funding, admin) through the pipeline. Duplicates
// and stale prices succeed without effect so redeliveries can be acked;
// ordering violations fail so the shell can NAK and wait.
func (c *ClearingCore) ProcessIngested(ctx context.Context, evt event.Event) error {
	return c.submit(ctx, func(context.Context) error {
		if c.isDuplicate(evt) {
			return nil
		}

		switch e := evt.(type) {
		case *event.DepositConfirmed:
			// Validated in apply.
		case *event.IndexPriceUpdated:
			if c.prices.Stale(e.Market, e.PriceSequence) {
				return nil
			}
		case *event.FundingRateSnapshot:
			if _, ok := c.fundingMgr.GetSnapshot(e.Market, e.EpochID); ok {
				return nil
			}
		case *event.FundingEpochSettled:
			snap, ok := c.fundingMgr.GetSnapshot(e.Market, e.EpochID)
			if !ok {
				return fmt.Errorf("no funding snapshot for %s epoch %d", e.Market, e.EpochID)
			}
			if snap.Settled {
				return nil
			}
		case *event.MarketParamsUpdated, *event.BackstopSetUpdated:
		default:
			return fmt.Errorf("event type %T cannot be ingested", evt)
		}

		return c.commit(evt)
	})
}

func (c *ClearingCore) isDuplicate(evt event.Event) bool {
	return c.idempotency.IsDuplicate(evt.EventType().String(), evt.IdempotencyKey())
}

func (c *ClearingCore) recordRejection(err error) {
	if c.metrics == nil {
		return
	}
	if rej, ok := state.AsRejection(err); ok {
		c.metrics.CommandsRejected.WithLabelValues(string(rej.Code)).Inc()
	}
}

func validateSettlementAsset(asset string) error {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return fmt.Errorf("unknown asset: %s", asset)
	}
	if assetID != ledger.SettlementAssetID {
		return fmt.Errorf("asset %s is not the settlement asset", asset)
	}
	return nil
}

// ============================================================================
// Reads
// ============================================================================

// MarginOf returns a consistent margin snapshot for one trader.
func (c *ClearingCore) MarginOf(ctx context.Context, traderID uuid.UUID) (*state.MarginSnapshot, error) {
	var snap *state.MarginSnapshot
	err := c.submit(ctx, func(context.Context) error {
		var err error
		snap, err = c.margin.Snapshot(traderID)
		return err
	})
	return snap, err
}

// FreeCollateralOf returns the clamped free collateral for one trader.
func (c *ClearingCore) FreeCollateralOf(ctx context.Context, traderID uuid.UUID) (int64, error) {
	var fc int64
	err := c.submit(ctx, func(context.Context) error {
		var err error
		fc, err = c.margin.FreeCollateral(traderID)
		return err
	})
	return fc, err
}

// BalancesOf returns the trader's collateral and owed PnL balances.
func (c *ClearingCore) BalancesOf(ctx context.Context, traderID uuid.UUID) (collateral, owedPnl int64, err error) {
	err = c.submit(ctx, func(context.Context) error {
		collateral = c.balances.GetTraderCollateral(traderID)
		owedPnl = c.balances.GetTraderOwedPnl(traderID)
		return nil
	})
	return collateral, owedPnl, err
}

// PositionsOf returns copies of the trader's open positions.
func (c *ClearingCore) PositionsOf(ctx context.Context, traderID uuid.UUID) ([]*state.Position, error) {
	var positions []*state.Position
	err := c.submit(ctx, func(context.Context) error {
		for _, pos := range c.book.TraderPositions(traderID) {
			copied := *pos
			positions = append(positions, &copied)
		}
		return nil
	})
	return positions, err
}

// InsuranceFundBalance returns the insurance fund's current balance.
func (c *ClearingCore) InsuranceFundBalance(ctx context.Context) (int64, error) {
	var balance int64
	err := c.submit(ctx, func(context.Context) error {
		balance = c.balances.GetInsuranceFundBalance()
		return nil
	})
	return balance, err
}

// ============================================================================
// Pipeline
// ============================================================================

// commit turns an accepted fact into state: apply mutations, journal the
// balance moves, hash the result into the chain, and hand the output to the
// persistence and projection workers.
func (c *ClearingCore) commit(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()

	batches, err := c.apply(evt)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	for _, batch := range batches {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch for %s: %v", eventType, err))
		}
		if err := c.balances.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: validated batch failed to apply: %v", err))
		}
	}

	digest := c.stateDigest(evt, batches)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		Timestamp:      eventTimestamp(evt),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	if err := c.postCheckInvariants(evt); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", eventType, err))
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batches:    batches,
		StateDelta: digest,
	}

	// Persistence blocks: the core stalls rather than lose an event.
	// Projections drop: they rebuild from the event log if behind.
	select {
	case c.persistChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.PersistBackpressure.Inc()
		}
		c.persistChan <- output
	}
	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues(eventType).Inc()
		}
	}

	c.sequence++
	c.idempotency.MarkProcessed(eventType, evt.IdempotencyKey())

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return nil
}

// apply dispatches a fact event to its state mutation and journal recipe.
// The same paths run live and during replay: replay feeds decoded payloads
// here with no collaborator in sight, and the hash chain confirms the
// rebuilt state matches what was logged.
func (c *ClearingCore) apply(evt event.Event) ([]*ledger.Batch, error) {
	switch e := evt.(type) {
	case *event.DepositConfirmed:
		return c.applyDeposit(e)
	case *event.WithdrawalConfirmed:
		return c.applyWithdrawal(e)
	case *event.PnlSettled:
		return c.applySettlement(e)
	case *event.TradeExecuted:
		return c.applyTrade(e)
	case *event.PositionLiquidated:
		return c.applyLiquidation(e)
	case *event.BadDebtCovered:
		return c.applyCoverage(e)
	case *event.IndexPriceUpdated:
		return c.applyIndexPrice(e)
	case *event.FundingRateSnapshot:
		return c.applyFundingSnapshot(e)
	case *event.FundingEpochSettled:
		return c.applyFundingSettle(e)
	case *event.MarketParamsUpdated:
		return c.applyParams(e)
	case *event.BackstopSetUpdated:
		return c.applyBackstop(e)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

func (c *ClearingCore) applyDeposit(e *event.DepositConfirmed) ([]*ledger.Batch, error) {
	if err := validateSettlementAsset(e.Asset); err != nil {
		return nil, err
	}
	if e.Sequence > 0 {
		if err := c.seqValidator.ValidateSequence("deposits", e.Sequence, false); err != nil {
			return nil, err
		}
	}

	batch, err := c.journalGen.GenerateDeposit(
		e.TraderID, e.DepositID, e.Amount, ledger.SettlementAssetID, e.Timestamp.UnixMicro())
	if err != nil {
		return nil, err
	}
	return []*ledger.Batch{batch}, nil
}

func (c *ClearingCore) applyWithdrawal(e *event.WithdrawalConfirmed) ([]*ledger.Batch, error) {
	if err := validateSettlementAsset(e.Asset); err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GenerateWithdrawal(
		e.TraderID, e.WithdrawalID, e.Amount, e.SettledPnl, ledger.SettlementAssetID, e.Timestamp.UnixMicro())
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, nil
	}
	return []*ledger.Batch{batch}, nil
}

func (c *ClearingCore) applySettlement(e *event.PnlSettled) ([]*ledger.Batch, error) {
	batch, err := c.journalGen.GeneratePnlSettlement(
		e.TraderID, e.IdempotencyKey(), e.SettledPnl, ledger.SettlementAssetID, e.Timestamp.UnixMicro())
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, nil
	}
	return []*ledger.Batch{batch}, nil
}

func (c *ClearingCore) applyTrade(e *event.TradeExecuted) ([]*ledger.Batch, error) {
	outcome, err := c.book.PreviewFill(e.TraderID, e.Market, e.BaseDelta, e.QuoteDelta)
	if err != nil {
		return nil, err
	}
	if outcome.RealizedPnl != e.RealizedPnl {
		return nil, fmt.Errorf("trade %s diverged on replay: realized %d, logged %d",
			e.TradeID, outcome.RealizedPnl, e.RealizedPnl)
	}

	batch, err := c.journalGen.GenerateTradeFill(
		e.TraderID, e.TradeID, e.RealizedPnl, e.Fee, e.InsuranceFee,
		ledger.SettlementAssetID, e.Timestamp.UnixMicro())
	if err != nil {
		return nil, err
	}

	c.book.ApplyFill(e.TraderID, e.Market, outcome)

	if batch == nil {
		return nil, nil
	}
	return []*ledger.Batch{batch}, nil
}

func (c *ClearingCore) applyLiquidation(e *event.PositionLiquidated) ([]*ledger.Batch, error) {
	outcome, err := c.book.PreviewFill(e.TraderID, e.Market, e.BaseDelta, e.QuoteDelta)
	if err != nil {
		return nil, err
	}
	if outcome.RealizedPnl != e.RealizedPnl {
		return nil, fmt.Errorf("liquidation %s diverged on replay: realized %d, logged %d",
			e.LiquidationID, outcome.RealizedPnl, e.RealizedPnl)
	}

	batch, err := c.journalGen.GenerateLiquidation(
		e.TraderID, e.LiquidatorID, e.LiquidationID,
		e.RealizedPnl, e.SettledPnl, e.Penalty, e.Reward,
		ledger.SettlementAssetID, e.Timestamp.UnixMicro())
	if err != nil {
		return nil, err
	}

	c.book.ApplyFill(e.TraderID, e.Market, outcome)

	if batch == nil {
		return nil, nil
	}
	return []*ledger.Batch{batch}, nil
}

func (c *ClearingCore) applyCoverage(e *event.BadDebtCovered) ([]*ledger.Batch, error) {
	batch, err := c.journalGen.GenerateBadDebtCoverage(
		e.TraderID, e.IdempotencyKey(), e.Amount, ledger.SettlementAssetID, e.Timestamp.UnixMicro())
	if err != nil {
		return nil, err
	}
	return []*ledger.Batch{batch}, nil
}

func (c *ClearingCore) applyIndexPrice(e *event.IndexPriceUpdated) ([]*ledger.Batch, error) {
	if !c.prices.Update(e.Market, e.Price, e.PriceSequence, e.Timestamp.UnixMicro()) {
		return nil, fmt.Errorf("stale index price for %s: sequence %d", e.Market, e.PriceSequence)
	}
	c.seqValidator.RecordPriceSequence(e.Market, e.PriceSequence)
	return nil, nil
}

func (c *ClearingCore) applyFundingSnapshot(e *event.FundingRateSnapshot) ([]*ledger.Batch, error) {
	stored, err := c.fundingMgr.StoreSnapshot(
		e.Market, e.EpochID, e.FundingRate, e.MarkPrice, e.Timestamp.UnixMicro())
	if err != nil {
		return nil, err
	}
	if !stored {
		return nil, fmt.Errorf("duplicate funding snapshot for %s epoch %d", e.Market, e.EpochID)
	}
	return nil, nil
}

func (c *ClearingCore) applyFundingSettle(e *event.FundingEpochSettled) ([]*ledger.Batch, error) {
	snap, ok := c.fundingMgr.GetSnapshot(e.Market, e.EpochID)
	if !ok {
		return nil, fmt.Errorf("no funding snapshot for %s epoch %d", e.Market, e.EpochID)
	}

	positions := c.book.MarketPositions(e.Market)
	forFunding := make([]fpmath.PositionForFunding, 0, len(positions))
	for _, pos := range positions {
		forFunding = append(forFunding, fpmath.PositionForFunding{
			TraderID: [16]byte(pos.TraderID),
			Size:     pos.Size,
		})
	}

	settlement := fpmath.ComputeFundingSettlement(
		e.Market, e.EpochID, snap.FundingRate, snap.MarkPrice, forFunding)

	batches, err := c.journalGen.GenerateFundingSettlement(
		settlement, ledger.SettlementAssetID, e.Timestamp.UnixMicro())
	if err != nil {
		return nil, err
	}

	if err := c.fundingMgr.MarkSettled(e.Market, e.EpochID); err != nil {
		return nil, err
	}

	return batches, nil
}

func (c *ClearingCore) applyParams(e *event.MarketParamsUpdated) ([]*ledger.Batch, error) {
	err := c.params.Update(&state.MarketParams{
		Market:            e.Market,
		IMRatio:           e.IMRatio,
		MMRatio:           e.MMRatio,
		FeeRatio:          e.FeeRatio,
		InsuranceFeeShare: e.InsuranceFeeShare,
		PenaltyRatio:      e.PenaltyRatio,
		RewardShare:       e.RewardShare,
	})
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *ClearingCore) applyBackstop(e *event.BackstopSetUpdated) ([]*ledger.Batch, error) {
	c.backstop.Set(e.TraderID, e.Eligible)
	return nil, nil
}

// stateDigest builds the canonical bytes the hash chain covers: every
// account balance the batches touched, sorted by path, then the canonical
// form of any position the event mutated.
func (c *ClearingCore) stateDigest(evt event.Event, batches []*ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	for _, batch := range batches {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, c.balances.GetBalance(key))
	}

	switch e := evt.(type) {
	case *event.TradeExecuted:
		if pos := c.book.Get(e.TraderID, e.Market); pos != nil {
			digest = append(digest, pos.CanonicalBytes()...)
		}
	case *event.PositionLiquidated:
		if pos := c.book.Get(e.TraderID, e.Market); pos != nil {
			digest = append(digest, pos.CanonicalBytes()...)
		}
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants runs after batches are applied. A violation here
// means the books are wrong, and a wrong ledger must not keep running.
func (c *ClearingCore) postCheckInvariants(evt event.Event) error {
	switch e := evt.(type) {
	case *event.DepositConfirmed, *event.WithdrawalConfirmed:
		if err := c.validator.ValidateExternalFlows(ledger.SettlementAssetID); err != nil {
			return err
		}
	case *event.FundingEpochSettled:
		if err := c.validator.ValidateFundingPoolZero(e.Market, ledger.SettlementAssetID); err != nil {
			return err
		}
	}

	// Periodic full zero-sum sweep; per-batch balance is checked on every
	// event already.
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return err
		}
	}

	return nil
}

// eventTimestamp extracts the versioned input timestamp. The core never
// reads the wall clock for state: every timestamp arrives on the fact.
func eventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.DepositConfirmed:
		return e.Timestamp
	case *event.WithdrawalConfirmed:
		return e.Timestamp
	case *event.PnlSettled:
		return e.Timestamp
	case *event.TradeExecuted:
		return e.Timestamp
	case *event.PositionLiquidated:
		return e.Timestamp
	case *event.BadDebtCovered:
		return e.Timestamp
	case *event.IndexPriceUpdated:
		return e.Timestamp
	case *event.FundingRateSnapshot:
		return e.Timestamp
	case *event.FundingEpochSettled:
		return e.Timestamp
	case *event.MarketParamsUpdated:
		return e.Timestamp
	case *event.BackstopSetUpdated:
		return e.Timestamp
	default:
		panic(fmt.Sprintf("FATAL: no timestamp source for event type %T", evt))
	}
}

// GetSequence returns the next sequence the core will assign.
func (c *ClearingCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current hash chain tip.
func (c *ClearingCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}
