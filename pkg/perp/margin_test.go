package perp

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestInitialMargin(t *testing.T) {
	// 1 BTC at 50000 with 10x leverage locks 5000.
	im := InitialMargin(d("1"), d("50000"), d("10"))
	assert.True(t, im.Equal(d("5000")), "got %s", im)

	im = InitialMargin(d("0.5"), d("40000"), d("20"))
	assert.True(t, im.Equal(d("1000")), "got %s", im)
}

func TestMaintenanceMargin(t *testing.T) {
	mm := MaintenanceMargin(d("1"), d("50000"))
	assert.True(t, mm.Equal(d("250")), "got %s", mm)
}

func TestLiquidationPrice(t *testing.T) {
	t.Run("long", func(t *testing.T) {
		// 50000 * (1 - 1/10 + 0.005) = 45250
		liq := LiquidationPrice(Buy, d("50000"), d("10"))
		assert.True(t, liq.Equal(d("45250")), "got %s", liq)
	})

	t.Run("short", func(t *testing.T) {
		// 50000 * (1 + 1/10 - 0.005) = 54750
		liq := LiquidationPrice(Sell, d("50000"), d("10"))
		assert.True(t, liq.Equal(d("54750")), "got %s", liq)
	})

	t.Run("higher leverage is tighter", func(t *testing.T) {
		liq10 := LiquidationPrice(Buy, d("50000"), d("10"))
		liq50 := LiquidationPrice(Buy, d("50000"), d("50"))
		assert.True(t, liq50.GreaterThan(liq10))
	})
}

func TestBankruptcyPrice(t *testing.T) {
	long := BankruptcyPrice(Buy, d("50000"), d("10"))
	assert.True(t, long.Equal(d("45000")), "got %s", long)

	short := BankruptcyPrice(Sell, d("50000"), d("10"))
	assert.True(t, short.Equal(d("55000")), "got %s", short)

	// Bankruptcy sits beyond liquidation in the loss direction.
	assert.True(t, long.LessThan(LiquidationPrice(Buy, d("50000"), d("10"))))
	assert.True(t, short.GreaterThan(LiquidationPrice(Sell, d("50000"), d("10"))))
}

func TestUnrealizedPnL(t *testing.T) {
	pnl := UnrealizedPnL(Buy, d("50000"), d("2"), d("51000"))
	assert.True(t, pnl.Equal(d("2000")), "got %s", pnl)

	pnl = UnrealizedPnL(Sell, d("50000"), d("2"), d("51000"))
	assert.True(t, pnl.Equal(d("-2000")), "got %s", pnl)
}

func TestShouldLiquidate(t *testing.T) {
	long := &Position{UserID: "alice", Side: Buy, Size: d("1"), EntryPrice: d("50000"), Leverage: d("10")}
	short := &Position{UserID: "bob", Side: Sell, Size: d("1"), EntryPrice: d("50000"), Leverage: d("10")}

	assert.False(t, ShouldLiquidate(long, d("45251")))
	assert.True(t, ShouldLiquidate(long, d("45250")), "boundary counts as breached")
	assert.True(t, ShouldLiquidate(long, d("44000")))

	assert.False(t, ShouldLiquidate(short, d("54749")))
	assert.True(t, ShouldLiquidate(short, d("54750")))
	assert.True(t, ShouldLiquidate(short, d("56000")))
}

func TestMarginRatio(t *testing.T) {
	ratio, ok := MarginRatio(d("95000"), d("-2000"), d("5000"))
	assert.True(t, ok)
	assert.True(t, ratio.Equal(d("1860")), "got %s", ratio)

	_, ok = MarginRatio(d("100000"), d("0"), d("0"))
	assert.False(t, ok, "zero used margin is undefined")
}
