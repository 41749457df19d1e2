package state

import "fmt"

// FreeCollateralStrategy selects how collateral backs new exposure.
// Only the conservative strategy exists: free collateral is computed from
// min(collateralValue, accountValue), so unrealized gains never back new
// positions. Moderate and aggressive are recognized tags without an
// implementation; selecting one fails configuration, loudly, at startup.
type FreeCollateralStrategy string

const (
	StrategyConservative FreeCollateralStrategy = "conservative"
	StrategyModerate     FreeCollateralStrategy = "moderate"
	StrategyAggressive   FreeCollateralStrategy = "aggressive"
)

// ParseStrategy validates a configured strategy tag.
func ParseStrategy(tag string) (FreeCollateralStrategy, error) {
	switch FreeCollateralStrategy(tag) {
	case StrategyConservative:
		return StrategyConservative, nil
	case StrategyModerate, StrategyAggressive:
		return "", fmt.Errorf("free-collateral strategy %q is not implemented", tag)
	default:
		return "", fmt.Errorf("unknown free-collateral strategy %q", tag)
	}
}
