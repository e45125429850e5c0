package perp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchFullFillAtSamePrice(t *testing.T) {
	book := NewOrderBook()
	engine := NewMatchingEngine(book)
	now := time.Now()

	book.Add(limitOrder(1, "alice", Sell, "1", "50000"))
	incoming := limitOrder(2, "bob", Buy, "1", "50000")

	matches, _ := engine.Match(incoming, now)
	require.Len(t, matches, 1)
	assert.True(t, matches[0].Price.Equal(d("50000")))
	assert.True(t, matches[0].Size.Equal(d("1")))
	assert.Equal(t, "alice", matches[0].Maker.UserID)
	assert.Equal(t, 0, book.Len(), "both orders fully consumed")
}

func TestMatchPartialFillRestsRemainder(t *testing.T) {
	book := NewOrderBook()
	engine := NewMatchingEngine(book)
	now := time.Now()

	book.Add(limitOrder(1, "alice", Sell, "1", "50000"))
	incoming := limitOrder(2, "bob", Buy, "3", "50000")

	matches, _ := engine.Match(incoming, now)
	require.Len(t, matches, 1)
	assert.True(t, matches[0].Size.Equal(d("1")))

	// The unfilled 2 BTC rests as a bid at 50000.
	resting, ok := book.Get(2)
	require.True(t, ok)
	assert.True(t, resting.Size.Equal(d("2")))
	bid, ok := book.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Equal(d("50000")))
}

func TestMatchMarketRemainderDiscarded(t *testing.T) {
	book := NewOrderBook()
	engine := NewMatchingEngine(book)

	book.Add(limitOrder(1, "alice", Sell, "1", "50000"))
	incoming := limitOrder(2, "bob", Buy, "3", "0")
	incoming.Type = Market

	matches, _ := engine.Match(incoming, time.Now())
	require.Len(t, matches, 1)
	assert.Equal(t, 0, book.Len(), "market remainder must not rest")
}

func TestMatchPriceTimePriority(t *testing.T) {
	book := NewOrderBook()
	engine := NewMatchingEngine(book)

	book.Add(limitOrder(1, "alice", Sell, "1", "50200"))
	book.Add(limitOrder(2, "bob", Sell, "1", "50000"))
	book.Add(limitOrder(3, "carol", Sell, "1", "50000"))

	incoming := limitOrder(4, "dave", Buy, "3", "50200")
	matches, _ := engine.Match(incoming, time.Now())
	require.Len(t, matches, 3)

	// Best price first, then arrival order within the level.
	assert.Equal(t, "bob", matches[0].Maker.UserID)
	assert.Equal(t, "carol", matches[1].Maker.UserID)
	assert.Equal(t, "alice", matches[2].Maker.UserID)
	assert.True(t, matches[2].Price.Equal(d("50200")), "each fill at the maker price")
}

func TestMatchRespectsLimitPrice(t *testing.T) {
	book := NewOrderBook()
	engine := NewMatchingEngine(book)

	book.Add(limitOrder(1, "alice", Sell, "1", "50500"))
	incoming := limitOrder(2, "bob", Buy, "1", "50000")

	matches, _ := engine.Match(incoming, time.Now())
	assert.Empty(t, matches)
	assert.Equal(t, 2, book.Len(), "incoming rests below the ask")
}

func TestMatchSelfTradePrevention(t *testing.T) {
	book := NewOrderBook()
	engine := NewMatchingEngine(book)

	book.Add(limitOrder(1, "alice", Sell, "1", "50000"))
	book.Add(limitOrder(2, "bob", Sell, "1", "50000"))

	incoming := limitOrder(3, "alice", Buy, "2", "50000")
	matches, canceled := engine.Match(incoming, time.Now())

	// Alice's resting ask is canceled without a trade; bob's fills.
	require.Len(t, matches, 1)
	assert.Equal(t, "bob", matches[0].Maker.UserID)
	require.Len(t, canceled, 1)
	assert.Equal(t, uint64(1), canceled[0].ID)
	_, ok := book.Get(1)
	assert.False(t, ok, "own resting order canceled")

	// The unfilled 1 BTC of the incoming order rests.
	resting, ok := book.Get(3)
	require.True(t, ok)
	assert.True(t, resting.Size.Equal(d("1")))
}
