package loop

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// Metrics are the display figures derived from a Position.
type Metrics struct {
	Equity           decimal.Decimal `json:"equity"`
	LeverageMultiple decimal.Decimal `json:"leverage_multiple"`
	LTVPercent       float64         `json:"ltv_percent"`
	Danger           bool            `json:"danger"`
}

// Project computes equity, leverage and the danger flag. Leverage is 1 when
// equity is not positive.
func Project(p domain.Position, dangerThresholdPct float64) Metrics {
	equity := p.CollateralValue.Sub(p.DebtValue)
	leverage := decimal.NewFromInt(1)
	if equity.IsPositive() {
		leverage = p.CollateralValue.DivRound(equity, 18)
	}
	pct := float64(p.LTVBps) / 100
	return Metrics{
		Equity:           equity,
		LeverageMultiple: leverage,
		LTVPercent:       pct,
		Danger:           pct > dangerThresholdPct,
	}
}
