package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Engine is the external matching engine the core asks to execute trade
// intents. It is a collaborator, not part of this system: the core sends an
// intent, the engine returns the fill it actually achieved. A timeout or
// error fails the whole command with no state change.
type Engine interface {
	Execute(ctx context.Context, intent *Intent) (*Fill, error)
}

// Intent is a request to exchange base exposure at market. BaseDelta is the
// signed change the trader wants; positive buys base, negative sells.
type Intent struct {
	Market     string
	TraderID   uuid.UUID
	BaseDelta  int64
	ReduceOnly bool
}

// Fill is the engine's result. BaseDelta carries the sign of the intent,
// QuoteDelta the opposite sign (buying base spends quote). IsPartial marks
// fills smaller than the intent.
type Fill struct {
	FillID     uuid.UUID
	BaseDelta  int64
	QuoteDelta int64
	IsPartial  bool
}

// NATSEngine talks to the matching engine over NATS request/reply on
// clearing.engine.execute.<market>.
type NATSEngine struct {
	nc      *nats.Conn
	timeout time.Duration
}

func NewNATSEngine(nc *nats.Conn, timeout time.Duration) *NATSEngine {
	return &NATSEngine{nc: nc, timeout: timeout}
}

type executeRequestJSON struct {
	Market     string `json:"market"`
	TraderID   string `json:"trader_id"`
	BaseDelta  int64  `json:"base_delta"`
	ReduceOnly bool   `json:"reduce_only"`
	DeadlineUs int64  `json:"deadline_us"`
}

type executeResultJSON struct {
	FillID            string `json:"fill_id"`
	BaseAmount        int64  `json:"base_amount"`
	ExchangedNotional int64  `json:"exchanged_notional"`
	IsPartial         bool   `json:"is_partial"`
	Error             string `json:"error,omitempty"`
}

func executeSubject(market string) string {
	return "clearing.engine.execute." + market
}

func (e *NATSEngine) Execute(ctx context.Context, intent *Intent) (*Fill, error) {
	if intent.BaseDelta == 0 {
		return nil, fmt.Errorf("execute %s: zero base delta", intent.Market)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	deadline, _ := ctx.Deadline()
	req := executeRequestJSON{
		Market:     intent.Market,
		TraderID:   intent.TraderID.String(),
		BaseDelta:  intent.BaseDelta,
		ReduceOnly: intent.ReduceOnly,
		DeadlineUs: deadline.UnixMicro(),
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	msg, err := e.nc.RequestWithContext(ctx, executeSubject(intent.Market), data)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", intent.Market, err)
	}

	var res executeResultJSON
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return nil, fmt.Errorf("parse execute result: %w", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("execute %s: engine: %s", intent.Market, res.Error)
	}

	return validateFill(intent, &res)
}

// validateFill checks the engine's answer against the intent before the core
// trusts it: the filled base must carry the intent's sign and not exceed it,
// the exchanged notional must carry the opposite sign, and the partial flag
// must agree with the amounts.
func validateFill(intent *Intent, res *executeResultJSON) (*Fill, error) {
	fillID, err := uuid.Parse(res.FillID)
	if err != nil {
		return nil, fmt.Errorf("parse fill_id: %w", err)
	}

	base := res.BaseAmount
	quote := res.ExchangedNotional

	if base == 0 {
		return nil, fmt.Errorf("execute %s: engine returned empty fill", intent.Market)
	}
	if sign(base) != sign(intent.BaseDelta) {
		return nil, fmt.Errorf("execute %s: fill base %d against intent %d",
			intent.Market, base, intent.BaseDelta)
	}
	if abs(base) > abs(intent.BaseDelta) {
		return nil, fmt.Errorf("execute %s: fill base %d exceeds intent %d",
			intent.Market, base, intent.BaseDelta)
	}
	if quote == 0 || sign(quote) == sign(base) {
		return nil, fmt.Errorf("execute %s: fill notional %d inconsistent with base %d",
			intent.Market, quote, base)
	}
	if partial := abs(base) < abs(intent.BaseDelta); partial != res.IsPartial {
		return nil, fmt.Errorf("execute %s: partial flag %v but filled %d of %d",
			intent.Market, res.IsPartial, base, intent.BaseDelta)
	}

	return &Fill{
		FillID:     fillID,
		BaseDelta:  base,
		QuoteDelta: quote,
		IsPartial:  res.IsPartial,
	}, nil
}

func sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
