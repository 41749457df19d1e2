package state

import (
	"fmt"

	fpmath "PerpClear/internal/math"
)

// MarketParams defines margin, fee, and liquidation parameters per market.
// All ratios use the ratio scale (1_000_000 = 100%).
type MarketParams struct {
	Market            string
	IMRatio           int64 // Initial margin on |position notional|
	MMRatio           int64 // Maintenance margin on |position notional|
	FeeRatio          int64 // Taker fee on |exchanged notional|
	InsuranceFeeShare int64 // Share of the fee routed to the insurance fund
	PenaltyRatio      int64 // Liquidation penalty on |closed notional|
	RewardShare       int64 // Liquidator's share of the penalty
}

var DefaultMarketParams = map[string]*MarketParams{
	"BTC-USD": {
		Market:            "BTC-USD",
		IMRatio:           100_000, // 10%
		MMRatio:           50_000,  // 5%
		FeeRatio:          500,     // 0.05%
		InsuranceFeeShare: 200_000, // 20% of the fee
		PenaltyRatio:      25_000,  // 2.5%
		RewardShare:       300_000, // 30% of the penalty
	},
	"ETH-USD": {
		Market:            "ETH-USD",
		IMRatio:           100_000,
		MMRatio:           50_000,
		FeeRatio:          500,
		InsuranceFeeShare: 200_000,
		PenaltyRatio:      25_000,
		RewardShare:       300_000,
	},
}

// FeeOn splits the taker fee for an exchanged notional into the exchange
// and insurance portions. insuranceFee is included in fee, not additional.
func (p *MarketParams) FeeOn(exchangedNotional int64) (fee, insuranceFee int64) {
	fee = fpmath.ApplyRatio(fpmath.Abs64(exchangedNotional), p.FeeRatio, fpmath.RatioConfig.Scale)
	insuranceFee = fpmath.ApplyRatio(fee, p.InsuranceFeeShare, fpmath.RatioConfig.Scale)
	return fee, insuranceFee
}

// PenaltyOn splits the liquidation penalty for a closed notional into the
// total charge and the liquidator's reward. reward is included in penalty.
func (p *MarketParams) PenaltyOn(closedNotional int64) (penalty, reward int64) {
	penalty = fpmath.ApplyRatio(fpmath.Abs64(closedNotional), p.PenaltyRatio, fpmath.RatioConfig.Scale)
	reward = fpmath.ApplyRatio(penalty, p.RewardShare, fpmath.RatioConfig.Scale)
	return penalty, reward
}

// ParamsManager manages per-market parameters
type ParamsManager struct {
	params map[string]*MarketParams
}

func NewParamsManager() *ParamsManager {
	params := make(map[string]*MarketParams)
	for k, v := range DefaultMarketParams {
		copied := *v
		params[k] = &copied
	}

	return &ParamsManager{params: params}
}

func (pm *ParamsManager) Get(market string) (*MarketParams, bool) {
	params, ok := pm.params[market]
	return params, ok
}

// ValidateMarketParams checks that parameters are within valid ranges:
// 0 < mm < im < 1_000_000, fee and penalty below 100%, shares at most 100%.
func ValidateMarketParams(params *MarketParams) error {
	if params.Market == "" {
		return fmt.Errorf("market must be set")
	}
	if params.MMRatio <= 0 {
		return fmt.Errorf("mm_ratio must be > 0, got %d", params.MMRatio)
	}
	if params.IMRatio <= params.MMRatio {
		return fmt.Errorf("im_ratio (%d) must be > mm_ratio (%d)", params.IMRatio, params.MMRatio)
	}
	if params.IMRatio >= 1_000_000 {
		return fmt.Errorf("im_ratio must be < 1_000_000, got %d", params.IMRatio)
	}
	if params.FeeRatio < 0 || params.FeeRatio >= 1_000_000 {
		return fmt.Errorf("fee_ratio must be in [0, 1_000_000), got %d", params.FeeRatio)
	}
	if params.InsuranceFeeShare < 0 || params.InsuranceFeeShare > 1_000_000 {
		return fmt.Errorf("insurance_fee_share must be in [0, 1_000_000], got %d", params.InsuranceFeeShare)
	}
	if params.PenaltyRatio < 0 || params.PenaltyRatio >= 1_000_000 {
		return fmt.Errorf("penalty_ratio must be in [0, 1_000_000), got %d", params.PenaltyRatio)
	}
	if params.RewardShare < 0 || params.RewardShare > 1_000_000 {
		return fmt.Errorf("reward_share must be in [0, 1_000_000], got %d", params.RewardShare)
	}
	return nil
}

func (pm *ParamsManager) Update(params *MarketParams) error {
	if err := ValidateMarketParams(params); err != nil {
		return fmt.Errorf("invalid params for %s: %w", params.Market, err)
	}
	copied := *params
	pm.params[params.Market] = &copied
	return nil
}

// All returns every market's params (snapshot creation)
func (pm *ParamsManager) All() map[string]*MarketParams {
	result := make(map[string]*MarketParams, len(pm.params))
	for k, v := range pm.params {
		result[k] = v
	}
	return result
}
