package perp

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newADLFixture() (*PositionLedger, *PositionLiquidationEngine, *InsuranceFund, *LiquidationEngine, *ADLEngine) {
	ledger := NewPositionLedger()
	inventory := NewPositionLiquidationEngine()
	fund := &InsuranceFund{Balance: decimal.Zero}
	liq := NewLiquidationEngine(ledger, inventory, fund, testLogger())
	adl := NewADLEngine(ledger, inventory, fund, testLogger())
	return ledger, inventory, fund, liq, adl
}

func TestADLScoreRanking(t *testing.T) {
	mark := d("45000")

	// Same profit ratio, higher effective leverage scores higher.
	rich := testUser("rich", "1000000")
	poor := testUser("poor", "10000")
	pos := &Position{Side: Sell, Size: d("1"), EntryPrice: d("50000"), Leverage: d("10")}

	richScore := adlScore(rich, pos, mark)
	poorScore := adlScore(poor, pos, mark)
	assert.True(t, poorScore.GreaterThan(richScore), "thinner equity ranks first")

	// A losing position never scores positive.
	losing := &Position{Side: Buy, Size: d("1"), EntryPrice: d("50000"), Leverage: d("10")}
	assert.True(t, adlScore(rich, losing, mark).IsNegative())
}

func TestDeleverageClosesEnginePosition(t *testing.T) {
	ledger, _, fund, liq, adl := newADLFixture()
	now := time.Now()

	alice := testUser("alice", "100000")
	bob := testUser("bob", "100000")
	users := map[string]*User{"alice": alice, "bob": bob}

	// Alice long 1 BTC, bob short 1 BTC, both entered at 50000.
	ledger.ApplyTrade(alice, Buy, d("1"), d("50000"), d("10"), now)
	ledger.ApplyTrade(bob, Sell, d("1"), d("50000"), d("10"), now)

	mark := d("45000")
	ledger.RecomputeUnrealized(users, mark)
	ep, err := liq.Liquidate(alice, mark, now)
	require.NoError(t, err)
	require.True(t, fund.Balance.Equal(d("5000")))

	result := adl.Deleverage(ep, users, mark, now)
	require.True(t, result.Success)
	require.Len(t, result.Closed, 1)
	assert.Equal(t, "bob", result.Closed[0].UserID)
	assert.True(t, result.Closed[0].Size.Equal(d("1")))
	assert.True(t, result.Closed[0].Price.Equal(mark), "ADL closes at the mark price")
	assert.True(t, result.Closed[0].RealizedPnL.Equal(d("5000")))
	assert.True(t, result.Shortfall.IsZero())
	assert.Equal(t, EngineCompleted, ep.Status)

	// Bob realized +5000; the engine's -5000 settled against the fund.
	assert.True(t, bob.AvailableBalance.Equal(d("105000")), "got %s", bob.AvailableBalance)
	assert.True(t, bob.UsedMargin.IsZero())
	assert.True(t, fund.Balance.IsZero(), "got %s", fund.Balance)
	_, ok := ledger.Get("bob")
	assert.False(t, ok)
}

func TestDeleverageShortfall(t *testing.T) {
	ledger, inventory, _, liq, adl := newADLFixture()
	now := time.Now()

	alice := testUser("alice", "100000")
	bob := testUser("bob", "100000")
	carol := testUser("carol", "100000")
	users := map[string]*User{"alice": alice, "bob": bob, "carol": carol}

	// Alice long 2 BTC against bob short 1 and carol long 1: after
	// liquidating alice only bob's 1 BTC short is an eligible counterparty.
	ledger.ApplyTrade(alice, Buy, d("2"), d("50000"), d("10"), now)
	ledger.ApplyTrade(bob, Sell, d("1"), d("50000"), d("10"), now)
	ledger.ApplyTrade(carol, Buy, d("1"), d("50000"), d("10"), now)

	mark := d("45000")
	ledger.RecomputeUnrealized(users, mark)
	ep, err := liq.Liquidate(alice, mark, now)
	require.NoError(t, err)

	result := adl.Deleverage(ep, users, mark, now)
	assert.False(t, result.Success, "insufficient counterparties must not fake a fill")
	assert.True(t, result.ClosedSize.Equal(d("1")))
	assert.True(t, result.Shortfall.Equal(d("1")), "got %s", result.Shortfall)
	assert.True(t, result.Remaining.Equal(d("1")))

	// The engine position stays open at reduced size, pending another pass.
	assert.Equal(t, EnginePending, ep.Status)
	assert.True(t, ep.Size.Equal(d("1")))
	assert.Equal(t, 1, inventory.Len())
}

func TestDeleverageSkipsUnprofitableAndSameSide(t *testing.T) {
	ledger, _, _, liq, adl := newADLFixture()
	now := time.Now()

	alice := testUser("alice", "100000")
	bob := testUser("bob", "100000")
	carol := testUser("carol", "100000")
	users := map[string]*User{"alice": alice, "bob": bob, "carol": carol}

	// Bob shorts at 44000: opposite side but under water at mark 45000.
	ledger.ApplyTrade(alice, Buy, d("1"), d("50000"), d("10"), now)
	ledger.ApplyTrade(bob, Sell, d("1"), d("44000"), d("10"), now)
	ledger.ApplyTrade(carol, Buy, d("1"), d("50000"), d("10"), now)

	mark := d("45000")
	ledger.RecomputeUnrealized(users, mark)
	ep, err := liq.Liquidate(alice, mark, now)
	require.NoError(t, err)

	result := adl.Deleverage(ep, users, mark, now)
	assert.False(t, result.Success)
	assert.Empty(t, result.Closed, "no profitable opposite-side counterparty")
	assert.True(t, result.Shortfall.Equal(d("1")))
}

func TestDeleverageTieBreakByUserID(t *testing.T) {
	ledger, _, _, liq, adl := newADLFixture()
	now := time.Now()

	alice := testUser("alice", "100000")
	bob := testUser("bob", "100000")
	dave := testUser("dave", "100000")
	users := map[string]*User{"alice": alice, "bob": bob, "dave": dave}

	// Bob and dave hold identical shorts, identical balances: scores tie
	// and the lower user id closes first.
	ledger.ApplyTrade(alice, Buy, d("2"), d("50000"), d("10"), now)
	ledger.ApplyTrade(bob, Sell, d("1"), d("50000"), d("10"), now)
	ledger.ApplyTrade(dave, Sell, d("1"), d("50000"), d("10"), now)

	mark := d("45000")
	ledger.RecomputeUnrealized(users, mark)
	ep, err := liq.Liquidate(alice, mark, now)
	require.NoError(t, err)

	result := adl.Deleverage(ep, users, mark, now)
	require.True(t, result.Success)
	require.Len(t, result.Closed, 2)
	assert.Equal(t, "bob", result.Closed[0].UserID)
	assert.Equal(t, "dave", result.Closed[1].UserID)
}
