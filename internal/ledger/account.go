package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypeOwedPnl

	// System sub-types
	SubTypeSystemFees
	SubTypeSystemInsuranceFund
	SubTypeSystemPnlClearing
	SubTypeSystemFundingPool

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID maps asset strings to numeric IDs for performance.
// Exactly one settlement asset is live; the registry keeps room for
// the rest so wire payloads naming them fail loudly instead of aliasing.
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDC": 1,
		"USDT": 2,
	}
	idToAsset = map[AssetID]string{
		1: "USDC",
		2: "USDT",
	}
)

// SettlementAssetID is the single asset all margin accounting runs in.
const SettlementAssetID AssetID = 1

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (21 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for traders, name bytes for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewTraderAccountKey creates a key for trader accounts
func NewTraderAccountKey(traderID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: traderID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// Well-known system account keys for the settlement asset.
func InsuranceFundKey() AccountKey {
	return NewSystemAccountKey("insurance", SubTypeSystemInsuranceFund, SettlementAssetID)
}

func FeeAccountKey() AccountKey {
	return NewSystemAccountKey("fees", SubTypeSystemFees, SettlementAssetID)
}

func PnlClearingKey() AccountKey {
	return NewSystemAccountKey("clearing", SubTypeSystemPnlClearing, SettlementAssetID)
}

func FundingPoolKey(marketID string) AccountKey {
	return NewSystemAccountKey(marketID, SubTypeSystemFundingPool, SettlementAssetID)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("trader:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s:%s", k.entityName(), k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

// entityName recovers the name a system key was built from.
// Names longer than the key's 16 bytes are truncated at construction,
// so callers must keep market identifiers within that bound.
func (k AccountKey) entityName() string {
	end := len(k.EntityID)
	for end > 0 && k.EntityID[end-1] == 0 {
		end--
	}
	return string(k.EntityID[:end])
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeOwedPnl:
		return "owed_pnl"
	case SubTypeSystemFees:
		return "fees"
	case SubTypeSystemInsuranceFund:
		return "insurance_fund"
	case SubTypeSystemPnlClearing:
		return "pnl_clearing"
	case SubTypeSystemFundingPool:
		return "funding_pool"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
