package loop

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

func position(coll, debt string) domain.Position {
	c := decimal.RequireFromString(coll)
	d := decimal.RequireFromString(debt)
	return domain.Position{CollateralValue: c, DebtValue: d, LTVBps: domain.ComputeLTVBps(c, d)}
}

func TestProjectLeverageAboveOneAndIncreasing(t *testing.T) {
	prev := decimal.NewFromInt(1)
	for debt := 1; debt < 100; debt++ {
		p := position("100", decimal.NewFromInt(int64(debt)).String())
		m := Project(p, 75)
		require.True(t, m.LeverageMultiple.GreaterThan(decimal.NewFromInt(1)), "debt=%d", debt)
		require.True(t, m.LeverageMultiple.GreaterThan(prev), "debt=%d", debt)
		prev = m.LeverageMultiple
	}
}

func TestProjectNoEquity(t *testing.T) {
	m := Project(position("0", "0"), 75)
	require.True(t, m.LeverageMultiple.Equal(decimal.NewFromInt(1)))
	require.True(t, m.Equity.IsZero())

	m = Project(position("100", "120"), 75)
	require.True(t, m.LeverageMultiple.Equal(decimal.NewFromInt(1)))
	require.True(t, m.Equity.IsNegative())
	require.True(t, m.Danger)
}

func TestProjectDangerThreshold(t *testing.T) {
	m := Project(position("100", "75"), 75)
	require.Equal(t, 75.0, m.LTVPercent)
	require.False(t, m.Danger)

	m = Project(position("100", "76"), 75)
	require.True(t, m.Danger)
	require.True(t, m.Equity.Equal(decimal.NewFromInt(24)))
}

func TestComputeLTVBps(t *testing.T) {
	require.Equal(t, int64(0), domain.ComputeLTVBps(decimal.NewFromInt(100), decimal.Zero))
	require.Equal(t, int64(0), domain.ComputeLTVBps(decimal.Zero, decimal.NewFromInt(5)))
	require.Equal(t, int64(3333), domain.ComputeLTVBps(decimal.NewFromInt(3), decimal.NewFromInt(1)))
	require.Equal(t, int64(6667), domain.ComputeLTVBps(decimal.NewFromInt(3), decimal.NewFromInt(2)))
}
