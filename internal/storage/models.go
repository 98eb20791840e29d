package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// VaultSample is one vault's valuation at one block.
type VaultSample struct {
	BlockNumber    int64
	Vault          string
	RefreshVersion int64
	SampledAt      time.Time
	NAVPerShare    decimal.Decimal
	TotalValueUSD  decimal.Decimal
	TotalAssets    decimal.Decimal
	TotalSupply    decimal.Decimal
	Warnings       int
	CreatedAt      time.Time
}

// ActionRecord is the audit row of one orchestrated transaction.
type ActionRecord struct {
	ID        string
	Target    string
	Kind      string
	State     string
	TxHash    *string
	Reason    *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AlertRecord captures an emitted drift alert for de-duplication/auditing.
type AlertRecord struct {
	ID           int64
	Vault        string
	Token        string
	BlockNumber  int64
	DriftPct     decimal.Decimal
	ThresholdPct decimal.Decimal
	Channels     []string
	CreatedAt    time.Time
}
