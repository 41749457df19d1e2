package state

// InsuranceFund helpers around the system insurance account. The balance
// itself lives in the ledger; these are the coverage rules. The fund is
// allowed to go negative: covering more than it holds records the system's
// own shortfall instead of hiding it.
type InsuranceFund struct{}

func NewInsuranceFund() *InsuranceFund {
	return &InsuranceFund{}
}

// CoverageFor returns how much coverage a trader's collateral balance
// needs: the full shortfall if negative, zero otherwise.
func (f *InsuranceFund) CoverageFor(collateralBalance int64) int64 {
	if collateralBalance < 0 {
		return -collateralBalance
	}
	return 0
}
