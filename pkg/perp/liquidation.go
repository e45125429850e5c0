package perp

import (
	"sort"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// PositionLiquidationEngine is the exchange-owned inventory of positions
// transferred out of liquidated users. Entries are only ever created by
// transfer, never by trading; ADL reduces them and removes them at zero size.
type PositionLiquidationEngine struct {
	positions map[uint64]*EnginePosition
	completed []*EnginePosition
	nextID    uint64
}

// NewPositionLiquidationEngine creates an empty inventory.
func NewPositionLiquidationEngine() *PositionLiquidationEngine {
	return &PositionLiquidationEngine{positions: make(map[uint64]*EnginePosition)}
}

// Transfer moves a liquidated user position into the inventory, preserving
// the original economic entry price for PnL continuity.
func (e *PositionLiquidationEngine) Transfer(pos *Position, bankruptcy, mark decimal.Decimal, now time.Time) *EnginePosition {
	e.nextID++
	ep := &EnginePosition{
		ID:              e.nextID,
		OriginalUserID:  pos.UserID,
		Side:            pos.Side,
		Size:            pos.Size,
		EntryPrice:      pos.EntryPrice,
		BankruptcyPrice: bankruptcy,
		Status:          EnginePending,
		UnrealizedPnL:   UnrealizedPnL(pos.Side, pos.EntryPrice, pos.Size, mark),
		CreatedAt:       now,
	}
	e.positions[ep.ID] = ep
	return ep
}

// Get looks up an open engine position.
func (e *PositionLiquidationEngine) Get(id uint64) (*EnginePosition, bool) {
	ep, ok := e.positions[id]
	return ep, ok
}

// Len returns the number of open engine positions.
func (e *PositionLiquidationEngine) Len() int {
	return len(e.positions)
}

// All returns open engine positions in ascending id order.
func (e *PositionLiquidationEngine) All() []*EnginePosition {
	out := make([]*EnginePosition, 0, len(e.positions))
	for _, ep := range e.positions {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reduce shrinks an engine position by the closed size. At zero size the
// position is marked completed and moved out of the open inventory.
func (e *PositionLiquidationEngine) Reduce(ep *EnginePosition, size decimal.Decimal) {
	ep.Size = ep.Size.Sub(size)
	if ep.Size.IsZero() || ep.Size.IsNegative() {
		ep.Size = decimal.Zero
		ep.Status = EngineCompleted
		ep.UnrealizedPnL = decimal.Zero
		delete(e.positions, ep.ID)
		e.completed = append(e.completed, ep)
	}
}

// RecomputeUnrealized refreshes engine position PnL at the mark price.
func (e *PositionLiquidationEngine) RecomputeUnrealized(mark decimal.Decimal) {
	for _, ep := range e.positions {
		ep.UnrealizedPnL = UnrealizedPnL(ep.Side, ep.EntryPrice, ep.Size, mark)
	}
}

// TotalUnrealized sums open engine position PnL.
func (e *PositionLiquidationEngine) TotalUnrealized() decimal.Decimal {
	total := decimal.Zero
	for _, ep := range e.positions {
		total = total.Add(ep.UnrealizedPnL)
	}
	return total
}

// WorstCaseLoss is the aggregate loss of the open inventory at the given
// mark price; profitable positions contribute nothing.
func (e *PositionLiquidationEngine) WorstCaseLoss(mark decimal.Decimal) decimal.Decimal {
	loss := decimal.Zero
	for _, ep := range e.positions {
		pnl := UnrealizedPnL(ep.Side, ep.EntryPrice, ep.Size, mark)
		if pnl.IsNegative() {
			loss = loss.Add(pnl.Neg())
		}
	}
	return loss
}

// LiquidationCandidate is one position flagged by detection.
type LiquidationCandidate struct {
	UserID           string          `json:"userId"`
	Side             Side            `json:"side"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
	MarginRatio      string          `json:"marginRatio"`
}

// LiquidationEngine detects and executes liquidations: it moves a breached
// position from the ledger into the engine inventory and settles the user's
// forfeited margin against the insurance fund.
type LiquidationEngine struct {
	ledger    *PositionLedger
	inventory *PositionLiquidationEngine
	fund      *InsuranceFund
	logger    log.Logger
	events    []LiquidationEvent
}

// NewLiquidationEngine wires the liquidation engine to the ledger, the
// engine-position inventory and the insurance fund.
func NewLiquidationEngine(ledger *PositionLedger, inventory *PositionLiquidationEngine, fund *InsuranceFund, logger log.Logger) *LiquidationEngine {
	return &LiquidationEngine{
		ledger:    ledger,
		inventory: inventory,
		fund:      fund,
		logger:    logger,
	}
}

// Detect scans every open position and returns those whose liquidation price
// has been crossed by the mark price, in ascending user-id order.
func (le *LiquidationEngine) Detect(users map[string]*User, mark decimal.Decimal) []LiquidationCandidate {
	var out []LiquidationCandidate
	for _, pos := range le.ledger.All() {
		if !ShouldLiquidate(pos, mark) {
			continue
		}
		user := users[pos.UserID]
		ratio := "inf"
		if r, ok := MarginRatio(user.AvailableBalance, user.UnrealizedPnL, user.UsedMargin); ok {
			ratio = r.StringFixed(4)
		}
		out = append(out, LiquidationCandidate{
			UserID:           pos.UserID,
			Side:             pos.Side,
			Size:             pos.Size,
			EntryPrice:       pos.EntryPrice,
			LiquidationPrice: LiquidationPrice(pos.Side, pos.EntryPrice, pos.Leverage),
			MarginRatio:      ratio,
		})
	}
	return out
}

// Liquidate executes a liquidation: the user's position is transferred into
// the engine inventory at its original entry price (bankruptcy price kept
// alongside) and the user's entire used margin is forfeited into the
// insurance fund. The remaining loss or gain of the transferred position
// settles against the fund when ADL closes it, so a mark already beyond the
// bankruptcy price drains the fund — possibly negative — at settlement.
func (le *LiquidationEngine) Liquidate(user *User, mark decimal.Decimal, now time.Time) (*EnginePosition, error) {
	pos, ok := le.ledger.Get(user.ID)
	if !ok {
		return nil, ErrPositionNotFound
	}

	bankruptcy := BankruptcyPrice(pos.Side, pos.EntryPrice, pos.Leverage)
	ep := le.inventory.Transfer(pos, bankruptcy, mark, now)
	le.ledger.Remove(user.ID)

	forfeited := user.UsedMargin
	user.UsedMargin = decimal.Zero
	user.UnrealizedPnL = decimal.Zero
	le.fund.Balance = le.fund.Balance.Add(forfeited)

	event := LiquidationEvent{
		UserID:           user.ID,
		EnginePositionID: ep.ID,
		Side:             ep.Side,
		Size:             ep.Size,
		EntryPrice:       ep.EntryPrice,
		BankruptcyPrice:  bankruptcy,
		MarkPrice:        mark,
		MarginForfeited:  forfeited,
		Timestamp:        now,
	}
	le.events = append(le.events, event)

	le.logger.Info("position liquidated",
		"user", user.ID,
		"side", ep.Side.PositionString(),
		"size", ep.Size.String(),
		"entry", ep.EntryPrice.String(),
		"bankruptcy", bankruptcy.String(),
		"marginForfeited", forfeited.String(),
		"insuranceFund", le.fund.Balance.String(),
	)
	return ep, nil
}

// CheckFundSufficiency compares the fund balance with the worst-case loss of
// the open engine inventory at the mark price. The at-risk flag is advisory;
// the ADL trigger decision consumes it.
func (le *LiquidationEngine) CheckFundSufficiency(mark decimal.Decimal) (worstLoss decimal.Decimal, atRisk bool) {
	worstLoss = le.inventory.WorstCaseLoss(mark)
	return worstLoss, le.fund.Balance.LessThan(worstLoss)
}

// Events returns the liquidation history.
func (le *LiquidationEngine) Events() []LiquidationEvent {
	return le.events
}
