package perp

import (
	"sort"

	"github.com/shopspring/decimal"
)

// BookLevel is an aggregated price level in a book snapshot.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Count int             `json:"count"`
}

// priceLevel holds the resting orders at one price in strict arrival order.
// Total size is derived from the orders so partial fills that shrink an
// order's size in place never desynchronize the level.
type priceLevel struct {
	price  decimal.Decimal
	orders []*Order
}

func (l *priceLevel) totalSize() decimal.Decimal {
	total := decimal.Zero
	for _, o := range l.orders {
		total = total.Add(o.Size)
	}
	return total
}

// bookSide keeps price levels sorted best-first: descending for bids,
// ascending for asks. Ordering is an explicit slice so time/price priority is
// a testable property rather than incidental map behavior.
type bookSide struct {
	side   Side
	levels []*priceLevel
}

// find returns the index at which price belongs and whether a level with
// exactly that price already exists.
func (bs *bookSide) find(price decimal.Decimal) (int, bool) {
	idx := sort.Search(len(bs.levels), func(i int) bool {
		c := bs.levels[i].price.Cmp(price)
		if bs.side == Buy {
			return c <= 0
		}
		return c >= 0
	})
	if idx < len(bs.levels) && bs.levels[idx].price.Equal(price) {
		return idx, true
	}
	return idx, false
}

func (bs *bookSide) add(order *Order) {
	idx, exact := bs.find(order.Price)
	if !exact {
		level := &priceLevel{price: order.Price}
		bs.levels = append(bs.levels, nil)
		copy(bs.levels[idx+1:], bs.levels[idx:])
		bs.levels[idx] = level
	}
	level := bs.levels[idx]
	level.orders = append(level.orders, order)
}

func (bs *bookSide) remove(order *Order) bool {
	idx, exact := bs.find(order.Price)
	if !exact {
		return false
	}
	level := bs.levels[idx]
	for i, o := range level.orders {
		if o.ID == order.ID {
			level.orders = append(level.orders[:i], level.orders[i+1:]...)
			if len(level.orders) == 0 {
				bs.levels = append(bs.levels[:idx], bs.levels[idx+1:]...)
			}
			return true
		}
	}
	return false
}

// best returns the best price level or nil when the side is empty.
func (bs *bookSide) best() *priceLevel {
	if len(bs.levels) == 0 {
		return nil
	}
	return bs.levels[0]
}

// dropEmptyBest removes the best level if it holds no orders.
func (bs *bookSide) dropEmptyBest() {
	if len(bs.levels) > 0 && len(bs.levels[0].orders) == 0 {
		bs.levels = bs.levels[1:]
	}
}

func (bs *bookSide) snapshot(depth int) []BookLevel {
	n := len(bs.levels)
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]BookLevel, 0, n)
	for _, level := range bs.levels[:n] {
		out = append(out, BookLevel{
			Price: level.price,
			Size:  level.totalSize(),
			Count: len(level.orders),
		})
	}
	return out
}

// OrderBook holds resting limit orders by price level and arrival order.
// It has no side effects beyond membership changes; matching lives in
// MatchingEngine.
type OrderBook struct {
	bids   *bookSide
	asks   *bookSide
	orders map[uint64]*Order
}

// NewOrderBook creates an empty book.
func NewOrderBook() *OrderBook {
	return &OrderBook{
		bids:   &bookSide{side: Buy},
		asks:   &bookSide{side: Sell},
		orders: make(map[uint64]*Order),
	}
}

func (ob *OrderBook) sideFor(s Side) *bookSide {
	if s == Buy {
		return ob.bids
	}
	return ob.asks
}

// Add inserts a resting order at its price level, preserving arrival order.
func (ob *OrderBook) Add(order *Order) {
	ob.sideFor(order.Side).add(order)
	ob.orders[order.ID] = order
}

// Remove deletes a resting order by id.
func (ob *OrderBook) Remove(orderID uint64) (*Order, error) {
	order, ok := ob.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	ob.sideFor(order.Side).remove(order)
	delete(ob.orders, orderID)
	return order, nil
}

// Get looks up a resting order by id.
func (ob *OrderBook) Get(orderID uint64) (*Order, bool) {
	order, ok := ob.orders[orderID]
	return order, ok
}

// Len returns the number of resting orders.
func (ob *OrderBook) Len() int {
	return len(ob.orders)
}

// BestBid returns the highest bid price, if any.
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	if level := ob.bids.best(); level != nil {
		return level.price, true
	}
	return decimal.Zero, false
}

// BestAsk returns the lowest ask price, if any.
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	if level := ob.asks.best(); level != nil {
		return level.price, true
	}
	return decimal.Zero, false
}

// Depth returns aggregated bid and ask levels, best-first. depth == 0 returns
// all levels.
func (ob *OrderBook) Depth(depth int) (bids, asks []BookLevel) {
	return ob.bids.snapshot(depth), ob.asks.snapshot(depth)
}
