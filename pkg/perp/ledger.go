package perp

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PositionLedger applies trades to per-user positions in one-way mode:
// at most one position per user. A same-side trade grows the position at the
// size-weighted average entry; an opposite-side trade reduces it, realizing
// PnL into the user's balance, and flips any excess into a new position on
// the other side at the trade price.
type PositionLedger struct {
	positions map[string]*Position
}

// NewPositionLedger creates an empty ledger.
func NewPositionLedger() *PositionLedger {
	return &PositionLedger{positions: make(map[string]*Position)}
}

// Get returns the user's open position, if any.
func (l *PositionLedger) Get(userID string) (*Position, bool) {
	p, ok := l.positions[userID]
	return p, ok
}

// Remove deletes the user's position entry.
func (l *PositionLedger) Remove(userID string) {
	delete(l.positions, userID)
}

// Len returns the number of open positions.
func (l *PositionLedger) Len() int {
	return len(l.positions)
}

// All returns open positions in ascending user-id order so scans over the
// ledger are reproducible.
func (l *PositionLedger) All() []*Position {
	out := make([]*Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// reserveOrderMargin moves initial margin for a resting order from available
// balance into the order-margin bucket so stacked resting orders cannot
// commit more than the user holds.
func reserveOrderMargin(user *User, size, price, leverage decimal.Decimal) {
	margin := InitialMargin(size, price, leverage)
	user.AvailableBalance = user.AvailableBalance.Sub(margin)
	user.OrderMargin = user.OrderMargin.Add(margin)
}

// releaseOrderMargin returns the reservation for size of a resting order to
// available balance, on cancel or on fill. Fills happen at the resting
// order's own price, so release and reservation cancel exactly.
func releaseOrderMargin(user *User, size, price, leverage decimal.Decimal) {
	margin := InitialMargin(size, price, leverage)
	user.OrderMargin = user.OrderMargin.Sub(margin)
	user.AvailableBalance = user.AvailableBalance.Add(margin)
}

// lockMargin moves initial margin for a fill from available balance to used
// margin.
func lockMargin(user *User, size, price, leverage decimal.Decimal) {
	margin := InitialMargin(size, price, leverage)
	user.AvailableBalance = user.AvailableBalance.Sub(margin)
	user.UsedMargin = user.UsedMargin.Add(margin)
}

// releaseMargin returns the share of used margin backing closedSize of a
// position of totalSize to available balance, together with realized PnL.
// Available balance is floored at zero; a loss beyond margin means the
// position should already have been liquidated.
func releaseMargin(user *User, closedSize, totalSize, realized decimal.Decimal) {
	released := user.UsedMargin
	if !closedSize.Equal(totalSize) {
		released = user.UsedMargin.Mul(closedSize).Div(totalSize)
	}
	user.UsedMargin = user.UsedMargin.Sub(released)
	user.AvailableBalance = user.AvailableBalance.Add(released).Add(realized)
	if user.AvailableBalance.IsNegative() {
		user.AvailableBalance = decimal.Zero
	}
}

// ApplyTrade applies one side of a trade to the user's position and balances
// and returns the PnL realized by any closed portion.
func (l *PositionLedger) ApplyTrade(user *User, side Side, size, price, leverage decimal.Decimal, now time.Time) decimal.Decimal {
	pos, ok := l.positions[user.ID]
	if !ok {
		l.positions[user.ID] = &Position{
			UserID:     user.ID,
			Side:       side,
			Size:       size,
			EntryPrice: price,
			Leverage:   leverage,
			OpenedAt:   now,
			UpdatedAt:  now,
		}
		lockMargin(user, size, price, leverage)
		return decimal.Zero
	}

	if pos.Side == side {
		// Same side: grow at the size-weighted average entry.
		newSize := pos.Size.Add(size)
		pos.EntryPrice = pos.Size.Mul(pos.EntryPrice).Add(size.Mul(price)).Div(newSize)
		pos.Size = newSize
		pos.UpdatedAt = now
		lockMargin(user, size, price, leverage)
		return decimal.Zero
	}

	// Opposite side: close up to the position size, flip any excess.
	closed := decimal.Min(size, pos.Size)
	realized := UnrealizedPnL(pos.Side, pos.EntryPrice, closed, price)
	releaseMargin(user, closed, pos.Size, realized)

	remainder := size.Sub(pos.Size)
	switch {
	case remainder.IsNegative():
		pos.Size = pos.Size.Sub(closed)
		pos.UpdatedAt = now
	case remainder.IsZero():
		delete(l.positions, user.ID)
	default:
		l.positions[user.ID] = &Position{
			UserID:     user.ID,
			Side:       side,
			Size:       remainder,
			EntryPrice: price,
			Leverage:   leverage,
			OpenedAt:   now,
			UpdatedAt:  now,
		}
		lockMargin(user, remainder, price, leverage)
	}
	return realized
}

// RecomputeUnrealized refreshes unrealized PnL for every position and its
// owner at the given mark price. Users without a position are reset to zero.
func (l *PositionLedger) RecomputeUnrealized(users map[string]*User, mark decimal.Decimal) {
	for _, user := range users {
		pos, ok := l.positions[user.ID]
		if !ok {
			user.UnrealizedPnL = decimal.Zero
			continue
		}
		pos.UnrealizedPnL = UnrealizedPnL(pos.Side, pos.EntryPrice, pos.Size, mark)
		user.UnrealizedPnL = pos.UnrealizedPnL
	}
}
