package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// PositionSource records which producer last updated a Position.
type PositionSource string

const (
	SourceNone  PositionSource = ""
	SourceEvent PositionSource = "event"
	SourcePoll  PositionSource = "poll"
)

// Position is the latest known collateral/debt state of an automation
// account, valued in USD with 18 decimals on chain.
type Position struct {
	CollateralValue decimal.Decimal `json:"collateral_value"`
	DebtValue       decimal.Decimal `json:"debt_value"`
	LTVBps          int64           `json:"ltv_bps"`
	Block           uint64          `json:"block"`
	Source          PositionSource  `json:"source"`
	ObservedAt      time.Time       `json:"observed_at"`
}

// IsEmpty reports whether the position holds neither collateral nor debt.
func (p Position) IsEmpty() bool {
	return p.CollateralValue.IsZero() && p.DebtValue.IsZero()
}

var bpsScale = decimal.NewFromInt(10_000)

// ComputeLTVBps returns round(debt/collateral * 10000), or 0 when there is no
// debt. Without collateral the ratio is undefined and 0 is returned as well.
func ComputeLTVBps(collateral, debt decimal.Decimal) int64 {
	if debt.IsZero() || !collateral.IsPositive() {
		return 0
	}
	return debt.Div(collateral).Mul(bpsScale).Round(0).IntPart()
}

// TokenDecimals is the fixed scale of the account's USD values and of both
// loop tokens.
const TokenDecimals = 18

// FromWei converts an 18-decimal on-chain integer to a decimal.
func FromWei(v *big.Int) decimal.Decimal {
	return FromUnits(v, TokenDecimals)
}

// FromUnits converts an on-chain integer with the given decimals.
func FromUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// ToUnits converts a decimal amount to its on-chain integer, truncating any
// precision beyond decimals.
func ToUnits(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).Truncate(0).BigInt()
}
