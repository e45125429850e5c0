package perp

import "github.com/shopspring/decimal"

// MaintenanceMarginRate is the fixed maintenance margin rate (0.5%).
var MaintenanceMarginRate = decimal.RequireFromString("0.005")

var one = decimal.NewFromInt(1)

// InitialMargin returns size * price / leverage.
func InitialMargin(size, price, leverage decimal.Decimal) decimal.Decimal {
	return size.Mul(price).Div(leverage)
}

// MaintenanceMargin returns size * price * maintenance margin rate.
func MaintenanceMargin(size, price decimal.Decimal) decimal.Decimal {
	return size.Mul(price).Mul(MaintenanceMarginRate)
}

// LiquidationPrice is the mark price at which the position's margin is
// exhausted to the maintenance level.
//
//	long:  entry * (1 - 1/leverage + mmr)
//	short: entry * (1 + 1/leverage - mmr)
func LiquidationPrice(side Side, entry, leverage decimal.Decimal) decimal.Decimal {
	inv := one.Div(leverage)
	if side == Buy {
		return entry.Mul(one.Sub(inv).Add(MaintenanceMarginRate))
	}
	return entry.Mul(one.Add(inv).Sub(MaintenanceMarginRate))
}

// BankruptcyPrice is the mark price at which all of the position's margin is
// lost (zero equity).
//
//	long:  entry * (1 - 1/leverage)
//	short: entry * (1 + 1/leverage)
func BankruptcyPrice(side Side, entry, leverage decimal.Decimal) decimal.Decimal {
	inv := one.Div(leverage)
	if side == Buy {
		return entry.Mul(one.Sub(inv))
	}
	return entry.Mul(one.Add(inv))
}

// UnrealizedPnL returns the position PnL at the mark price:
// (mark - entry) * size for longs, (entry - mark) * size for shorts.
func UnrealizedPnL(side Side, entry, size, mark decimal.Decimal) decimal.Decimal {
	if side == Buy {
		return mark.Sub(entry).Mul(size)
	}
	return entry.Sub(mark).Mul(size)
}

// ShouldLiquidate reports whether the mark price has crossed the position's
// liquidation price. Side determines the direction of the inequality.
func ShouldLiquidate(p *Position, mark decimal.Decimal) bool {
	liq := LiquidationPrice(p.Side, p.EntryPrice, p.Leverage)
	if p.Side == Buy {
		return mark.LessThanOrEqual(liq)
	}
	return mark.GreaterThanOrEqual(liq)
}

// MarginRatio returns (available + unrealizedPnL) / usedMargin * 100. The
// second return value is false when usedMargin is zero, in which case the
// ratio is undefined and callers treat it as +Inf.
func MarginRatio(available, unrealizedPnL, usedMargin decimal.Decimal) (decimal.Decimal, bool) {
	if usedMargin.IsZero() {
		return decimal.Zero, false
	}
	return available.Add(unrealizedPnL).Div(usedMargin).Mul(decimal.NewFromInt(100)), true
}
