package perp

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeMatch is one fill produced while matching an incoming order. Maker is
// the resting order that was hit; Price is always the maker's price.
type TradeMatch struct {
	Maker *Order
	Price decimal.Decimal
	Size  decimal.Decimal
}

// MatchingEngine matches incoming orders against the book using price-time
// priority. It mutates the book (consuming resting orders, appending limit
// remainders) and returns the ordered list of fills; position and balance
// effects are applied by the caller.
type MatchingEngine struct {
	book *OrderBook
}

// NewMatchingEngine creates a matcher over the given book.
func NewMatchingEngine(book *OrderBook) *MatchingEngine {
	return &MatchingEngine{book: book}
}

// priceCrosses reports whether an incoming limit order is willing to trade at
// the given level price. Market orders have no price bound.
func priceCrosses(incoming *Order, levelPrice decimal.Decimal) bool {
	if incoming.Type == Market {
		return true
	}
	if incoming.Side == Buy {
		return levelPrice.LessThanOrEqual(incoming.Price)
	}
	return levelPrice.GreaterThanOrEqual(incoming.Price)
}

// Match consumes liquidity from the opposite side of the book for the
// incoming order. For a buy it scans ask levels from the lowest price upward,
// for a sell bid levels from the highest price downward; within a level
// orders are consumed oldest-first.
//
// Self-trade prevention: a resting order owned by the incoming order's owner
// is canceled outright (removed, no trade) and scanning continues in place.
// Canceled orders are returned so the caller can unwind their margin
// reservations.
//
// The unmatched remainder of a limit order is appended to the book as a new
// resting order; the remainder of a market order is discarded.
func (m *MatchingEngine) Match(incoming *Order, now time.Time) ([]TradeMatch, []*Order) {
	opposite := m.book.sideFor(incoming.Side.Opposite())
	var matches []TradeMatch
	var canceled []*Order

	for incoming.Size.IsPositive() {
		level := opposite.best()
		if level == nil {
			break
		}
		if !priceCrosses(incoming, level.price) {
			break
		}

		for len(level.orders) > 0 && incoming.Size.IsPositive() {
			resting := level.orders[0]

			if resting.UserID == incoming.UserID {
				// Self-trade: cancel the resting order, record no trade.
				level.orders = level.orders[1:]
				delete(m.book.orders, resting.ID)
				canceled = append(canceled, resting)
				continue
			}

			size := decimal.Min(incoming.Size, resting.Size)
			matches = append(matches, TradeMatch{
				Maker: resting,
				Price: resting.Price,
				Size:  size,
			})

			incoming.Size = incoming.Size.Sub(size)
			resting.Size = resting.Size.Sub(size)
			if resting.Size.IsZero() {
				level.orders = level.orders[1:]
				delete(m.book.orders, resting.ID)
			}
		}

		opposite.dropEmptyBest()
	}

	if incoming.Type == Limit && incoming.Size.IsPositive() {
		incoming.Timestamp = now
		m.book.Add(incoming)
	}

	return matches, canceled
}
