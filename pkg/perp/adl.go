package perp

import (
	"sort"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// ADLClose is one counterparty reduction in an auto-deleveraging plan.
type ADLClose struct {
	UserID      string          `json:"userId"`
	Size        decimal.Decimal `json:"size"`
	Price       decimal.Decimal `json:"price"`
	Score       decimal.Decimal `json:"score"`
	RealizedPnL decimal.Decimal `json:"realizedPnL"`
}

// ADLResult is the full plan of one deleveraging attempt. Success is false
// when eligible counterparties could not cover the engine position; the
// shortfall is reported explicitly and the position stays open at reduced
// size — no synthetic fill is invented.
type ADLResult struct {
	EnginePositionID uint64          `json:"enginePositionId"`
	Success          bool            `json:"success"`
	Closed           []ADLClose      `json:"closed"`
	ClosedSize       decimal.Decimal `json:"closedSize"`
	Shortfall        decimal.Decimal `json:"shortfall"`
	Remaining        decimal.Decimal `json:"remaining"`
	Timestamp        time.Time       `json:"timestamp"`
}

// adlCandidate pairs a rankable user position with its score.
type adlCandidate struct {
	user  *User
	pos   *Position
	score decimal.Decimal
}

// ADLEngine force-closes profitable opposite-side user positions against the
// engine inventory at the current mark price.
type ADLEngine struct {
	ledger    *PositionLedger
	inventory *PositionLiquidationEngine
	fund      *InsuranceFund
	logger    log.Logger
	events    []*ADLResult
}

// NewADLEngine wires the ADL engine to the ledger, inventory and fund.
func NewADLEngine(ledger *PositionLedger, inventory *PositionLiquidationEngine, fund *InsuranceFund, logger log.Logger) *ADLEngine {
	return &ADLEngine{
		ledger:    ledger,
		inventory: inventory,
		fund:      fund,
		logger:    logger,
	}
}

// adlScore ranks a counterparty: profit ratio times effective leverage.
// Higher scores close first.
func adlScore(user *User, pos *Position, mark decimal.Decimal) decimal.Decimal {
	value := pos.Value(mark)
	if value.IsZero() {
		return decimal.Zero
	}
	pnl := UnrealizedPnL(pos.Side, pos.EntryPrice, pos.Size, mark)
	profitRatio := pnl.Div(value)
	equity := user.TotalBalance().Add(pnl)
	if !equity.IsPositive() {
		// Bankrupt-but-profitable is effectively infinite leverage; rank it
		// ahead of anything with real equity.
		return profitRatio.Mul(decimal.NewFromInt(1_000_000))
	}
	return profitRatio.Mul(value.Div(equity))
}

// candidates returns profitable user positions opposite the engine position,
// ranked by descending score with ascending user id as the tie-break.
func (a *ADLEngine) candidates(ep *EnginePosition, users map[string]*User, mark decimal.Decimal) []adlCandidate {
	want := ep.Side.Opposite()
	var out []adlCandidate
	for _, pos := range a.ledger.All() {
		if pos.Side != want {
			continue
		}
		pnl := UnrealizedPnL(pos.Side, pos.EntryPrice, pos.Size, mark)
		if !pnl.IsPositive() {
			continue
		}
		user := users[pos.UserID]
		out = append(out, adlCandidate{user: user, pos: pos, score: adlScore(user, pos, mark)})
	}
	sort.Slice(out, func(i, j int) bool {
		c := out[i].score.Cmp(out[j].score)
		if c != 0 {
			return c > 0
		}
		return out[i].pos.UserID < out[j].pos.UserID
	})
	return out
}

// Deleverage greedily closes ranked counterparties against the engine
// position at the mark price until it is flat or counterparties run out.
// Counterparties realize their PnL into their balances; the engine
// position's PnL on each closed slice settles against the insurance fund.
func (a *ADLEngine) Deleverage(ep *EnginePosition, users map[string]*User, mark decimal.Decimal, now time.Time) *ADLResult {
	ep.Status = EngineProcessing

	result := &ADLResult{
		EnginePositionID: ep.ID,
		ClosedSize:       decimal.Zero,
		Timestamp:        now,
	}

	remaining := ep.Size
	for _, cand := range a.candidates(ep, users, mark) {
		if !remaining.IsPositive() {
			break
		}
		closeSize := decimal.Min(remaining, cand.pos.Size)

		realized := a.ledger.ApplyTrade(cand.user, cand.pos.Side.Opposite(), closeSize, mark, cand.pos.Leverage, now)
		engineRealized := UnrealizedPnL(ep.Side, ep.EntryPrice, closeSize, mark)
		a.fund.Balance = a.fund.Balance.Add(engineRealized)
		a.inventory.Reduce(ep, closeSize)

		result.Closed = append(result.Closed, ADLClose{
			UserID:      cand.pos.UserID,
			Size:        closeSize,
			Price:       mark,
			Score:       cand.score,
			RealizedPnL: realized,
		})
		result.ClosedSize = result.ClosedSize.Add(closeSize)
		remaining = remaining.Sub(closeSize)
	}

	result.Remaining = remaining
	result.Shortfall = remaining
	result.Success = remaining.IsZero()
	if !result.Success && ep.Status == EngineProcessing {
		// Left partially open; eligible for the next attempt.
		ep.Status = EnginePending
	}

	a.events = append(a.events, result)
	a.logger.Info("auto-deleveraging run",
		"enginePosition", ep.ID,
		"closed", result.ClosedSize.String(),
		"shortfall", result.Shortfall.String(),
		"success", result.Success,
	)
	return result
}

// Events returns the deleveraging history.
func (a *ADLEngine) Events() []*ADLResult {
	return a.events
}
