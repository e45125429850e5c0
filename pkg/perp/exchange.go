package perp

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// EventSink receives exchange events as they happen. Implementations must not
// call back into the exchange; they run inside the command lock.
type EventSink interface {
	OnTrade(trade Trade)
	OnMarkPrice(price decimal.Decimal)
	OnLiquidation(event LiquidationEvent)
	OnADL(result *ADLResult)
}

// SeedUser is an initial account created at reset.
type SeedUser struct {
	ID      string
	Balance decimal.Decimal
}

// Config carries the initial state the exchange resets to.
type Config struct {
	SeedUsers         []SeedUser
	InitialMarkPrice  decimal.Decimal
	InsuranceFundSeed decimal.Decimal
	DefaultLeverage   decimal.Decimal
	Limits            RiskLimits
	TradeHistoryLimit int
}

// DefaultConfig returns the simulator defaults: five users with 100k USDT
// each, mark at 50000, empty insurance fund, 10x default leverage.
func DefaultConfig() Config {
	balance := decimal.NewFromInt(100_000)
	return Config{
		SeedUsers: []SeedUser{
			{ID: "alice", Balance: balance},
			{ID: "bob", Balance: balance},
			{ID: "carol", Balance: balance},
			{ID: "dave", Balance: balance},
			{ID: "eve", Balance: balance},
		},
		InitialMarkPrice:  decimal.NewFromInt(50_000),
		InsuranceFundSeed: decimal.Zero,
		DefaultLeverage:   decimal.NewFromInt(10),
		Limits:            DefaultRiskLimits(),
		TradeHistoryLimit: 10_000,
	}
}

// Consistency tolerances. Size imbalance is a hard invariant; the PnL and
// conservation figures absorb decimal division residue.
var (
	sizeTolerance  = decimal.RequireFromString("0.001")
	pnlTolerance   = decimal.NewFromInt(10)
	driftTolerance = decimal.RequireFromString("0.01")
)

// Exchange is the single-instrument simulator. All commands are serialized
// behind one lock; each mutating command runs validation, applies its effect,
// runs the automatic liquidation pipeline and recomputes the consistency
// diagnostics before returning.
type Exchange struct {
	mu  sync.Mutex
	cfg Config

	logger  log.Logger
	metrics *Metrics
	sink    EventSink

	users     map[string]*User
	ledger    *PositionLedger
	book      *OrderBook
	matching  *MatchingEngine
	inventory *PositionLiquidationEngine
	fund      *InsuranceFund

	liquidator *LiquidationEngine
	adl        *ADLEngine

	markPrice  decimal.Decimal
	indexPrice decimal.Decimal

	trades      []Trade
	nextOrderID uint64
	nextTradeID uint64
	orderSeq    uint64

	liquidationEnabled bool
	adlEnabled         bool

	// baseline is the system value at reset, shifted by manual fund
	// adjustments; drift against it must stay within tolerance.
	baseline decimal.Decimal
}

// NewExchange creates an exchange in its reset state.
func NewExchange(cfg Config, logger log.Logger) *Exchange {
	if cfg.TradeHistoryLimit <= 0 {
		cfg.TradeHistoryLimit = 10_000
	}
	e := &Exchange{
		cfg:    cfg,
		logger: logger.New("module", "exchange"),
	}
	e.resetLocked(time.Now())
	return e
}

// SetMetrics attaches a metrics collector. Optional.
func (e *Exchange) SetMetrics(m *Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}

// SetSink attaches an event sink. Optional.
func (e *Exchange) SetSink(sink EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// Execute runs one command to completion under the exchange lock and returns
// its result with a full state snapshot attached.
func (e *Exchange) Execute(cmd Command) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	var res Result
	switch c := cmd.(type) {
	case *PlaceOrderCommand:
		res = e.placeOrder(c, now)
	case *CancelOrderCommand:
		res = e.cancelOrder(c)
	case *UpdateMarkPriceCommand:
		res = e.updateMarkPrice(c, now)
	case *DetectLiquidationsCommand:
		res = e.detectLiquidations()
	case *ManualLiquidateCommand:
		res = e.manualLiquidate(c, now)
	case *LiquidationStepCommand:
		res = e.liquidationStep(c, now)
	case *ManualAdjustmentCommand:
		res = e.manualAdjustment(c, now)
	case *SetLiquidationEnabledCommand:
		e.liquidationEnabled = c.Enabled
		res = Result{Success: true}
	case *SetADLEnabledCommand:
		e.adlEnabled = c.Enabled
		res = Result{Success: true}
	case *ResetStateCommand:
		e.resetLocked(now)
		res = Result{Success: true}
	case *GetStateCommand:
		res = Result{Success: true}
	default:
		res = Result{Success: false, Error: ErrUnknownCommand.Error()}
	}

	res.Command = cmd.commandType()
	snap := e.snapshotLocked()
	res.State = &snap
	return res
}

func fail(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// resetLocked reinitializes every piece of state from the config.
func (e *Exchange) resetLocked(now time.Time) {
	e.users = make(map[string]*User, len(e.cfg.SeedUsers))
	for _, seed := range e.cfg.SeedUsers {
		e.users[seed.ID] = &User{
			ID:               seed.ID,
			AvailableBalance: seed.Balance,
			Leverage:         e.cfg.DefaultLeverage,
		}
	}
	e.ledger = NewPositionLedger()
	e.book = NewOrderBook()
	e.matching = NewMatchingEngine(e.book)
	e.inventory = NewPositionLiquidationEngine()
	e.fund = &InsuranceFund{Balance: e.cfg.InsuranceFundSeed}
	e.liquidator = NewLiquidationEngine(e.ledger, e.inventory, e.fund, e.logger)
	e.adl = NewADLEngine(e.ledger, e.inventory, e.fund, e.logger)

	e.markPrice = e.cfg.InitialMarkPrice
	e.indexPrice = e.cfg.InitialMarkPrice
	e.trades = nil
	e.nextOrderID = 0
	e.nextTradeID = 0
	e.orderSeq = 0
	// Automatic liquidation is opt-in so detection can be inspected and
	// executed manually; ADL still runs whenever the fund is at risk.
	e.liquidationEnabled = false
	e.adlEnabled = true
	e.baseline = e.systemValue()

	e.logger.Info("state reset",
		"users", len(e.users),
		"markPrice", e.markPrice.String(),
		"insuranceFund", e.fund.Balance.String(),
	)
}

// validateOrder enforces every risk limit before any book mutation.
func (e *Exchange) validateOrder(c *PlaceOrderCommand) (*User, error) {
	user, ok := e.users[c.UserID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUserNotFound, c.UserID)
	}
	if !c.Size.IsPositive() {
		return nil, fmt.Errorf("%w: size must be positive", ErrInvalidSize)
	}
	if c.Size.LessThan(e.cfg.Limits.MinOrderSize) {
		return nil, fmt.Errorf("%w: size %s below minimum %s",
			ErrInvalidSize, c.Size, e.cfg.Limits.MinOrderSize)
	}
	if c.Size.GreaterThan(e.cfg.Limits.MaxPositionSize) {
		return nil, fmt.Errorf("%w: size %s exceeds maximum %s",
			ErrRiskLimitViolated, c.Size, e.cfg.Limits.MaxPositionSize)
	}
	leverage := c.Leverage
	if leverage.IsZero() {
		leverage = user.Leverage
	}
	if !leverage.IsPositive() {
		return nil, fmt.Errorf("%w: leverage must be positive", ErrValidation)
	}
	if leverage.GreaterThan(e.cfg.Limits.MaxLeverage) {
		return nil, fmt.Errorf("%w: leverage %s exceeds maximum %s",
			ErrExcessiveLeverage, leverage, e.cfg.Limits.MaxLeverage)
	}
	c.Leverage = leverage

	refPrice := c.Price
	if c.OrderType == Market {
		refPrice = e.markPrice
	} else if !c.Price.IsPositive() {
		return nil, fmt.Errorf("%w: limit orders need a positive price", ErrInvalidPrice)
	}

	notional := c.Size.Mul(refPrice)
	if notional.GreaterThan(e.cfg.Limits.MaxPositionValue) {
		return nil, fmt.Errorf("%w: notional %s exceeds maximum %s",
			ErrRiskLimitViolated, notional, e.cfg.Limits.MaxPositionValue)
	}

	// A projected same-side position must stay under the size cap. Limit
	// orders are margined on their full size at the limit price: any
	// remainder rests and reserves that margin, and the position it would
	// reduce can be gone by the time it fills. Market orders never rest, so
	// only their opening portion needs margin.
	opening := c.Size
	if pos, ok := e.ledger.Get(user.ID); ok {
		if pos.Side == c.Side {
			if pos.Size.Add(c.Size).GreaterThan(e.cfg.Limits.MaxPositionSize) {
				return nil, fmt.Errorf("%w: position size %s would exceed maximum %s",
					ErrRiskLimitViolated, pos.Size.Add(c.Size), e.cfg.Limits.MaxPositionSize)
			}
		} else if c.OrderType == Market {
			opening = decimal.Max(decimal.Zero, c.Size.Sub(pos.Size))
		}
	}
	if opening.IsPositive() {
		required := InitialMargin(opening, refPrice, leverage)
		if required.GreaterThan(user.AvailableBalance) {
			return nil, fmt.Errorf("%w: need %s, available %s",
				ErrInsufficientMargin, required.StringFixed(2), user.AvailableBalance.StringFixed(2))
		}
	}
	return user, nil
}

func (e *Exchange) placeOrder(c *PlaceOrderCommand, now time.Time) Result {
	user, err := e.validateOrder(c)
	if err != nil {
		if e.metrics != nil {
			e.metrics.OrdersRejected.Inc()
		}
		return fail(err)
	}

	e.nextOrderID++
	e.orderSeq++
	order := &Order{
		ID:        e.nextOrderID,
		UserID:    user.ID,
		Side:      c.Side,
		Size:      c.Size,
		Price:     c.Price,
		Type:      c.OrderType,
		Leverage:  c.Leverage,
		Timestamp: now,
		Seq:       e.orderSeq,
	}

	matches, selfCanceled := e.matching.Match(order, now)
	for _, co := range selfCanceled {
		releaseOrderMargin(user, co.Size, co.Price, co.Leverage)
	}
	trades := make([]Trade, 0, len(matches))
	for _, m := range matches {
		maker := e.users[m.Maker.UserID]
		e.nextTradeID++
		trade := Trade{
			ID:        e.nextTradeID,
			Price:     m.Price,
			Size:      m.Size,
			Timestamp: now,
		}
		if order.Side == Buy {
			trade.BuyOrderID, trade.BuyUserID = order.ID, order.UserID
			trade.SellOrderID, trade.SellUserID = m.Maker.ID, m.Maker.UserID
		} else {
			trade.SellOrderID, trade.SellUserID = order.ID, order.UserID
			trade.BuyOrderID, trade.BuyUserID = m.Maker.ID, m.Maker.UserID
		}

		// The maker fills at its own resting price, so releasing the
		// reservation and locking the fill's margin net to an exact wash.
		releaseOrderMargin(maker, m.Size, m.Price, m.Maker.Leverage)
		e.ledger.ApplyTrade(user, order.Side, m.Size, m.Price, order.Leverage, now)
		e.ledger.ApplyTrade(maker, m.Maker.Side, m.Size, m.Price, m.Maker.Leverage, now)

		trades = append(trades, trade)
		e.recordTrade(trade)
	}

	if order.Type == Limit && order.Size.IsPositive() {
		reserveOrderMargin(user, order.Size, order.Price, order.Leverage)
	}

	e.logger.Info("order placed",
		"order", order.ID,
		"user", user.ID,
		"side", order.Side.String(),
		"type", order.Type.String(),
		"size", c.Size.String(),
		"price", c.Price.String(),
		"fills", len(trades),
	)
	if e.metrics != nil {
		e.metrics.OrdersPlaced.Inc()
	}

	liqs, adls := e.runPipeline(now)
	e.checkConsistency()

	remaining := order.Size
	return Result{
		Success:       true,
		OrderID:       order.ID,
		Trades:        trades,
		RemainingSize: &remaining,
		Liquidations:  liqs,
		ADL:           adls,
	}
}

func (e *Exchange) cancelOrder(c *CancelOrderCommand) Result {
	order, err := e.book.Remove(c.OrderID)
	if err != nil {
		return fail(fmt.Errorf("%w: order %d", err, c.OrderID))
	}
	if user, ok := e.users[order.UserID]; ok {
		releaseOrderMargin(user, order.Size, order.Price, order.Leverage)
	}
	e.logger.Info("order canceled", "order", order.ID, "user", order.UserID, "remaining", order.Size.String())
	canceled := order.Size
	return Result{Success: true, OrderID: order.ID, CanceledSize: &canceled}
}

func (e *Exchange) updateMarkPrice(c *UpdateMarkPriceCommand, now time.Time) Result {
	if !c.Price.IsPositive() {
		return fail(fmt.Errorf("%w: mark price must be positive", ErrInvalidPrice))
	}
	e.markPrice = c.Price
	e.indexPrice = c.Price
	if e.sink != nil {
		e.sink.OnMarkPrice(c.Price)
	}
	if e.metrics != nil {
		markFloat, _ := c.Price.Float64()
		e.metrics.MarkPrice.Set(markFloat)
	}

	liqs, adls := e.runPipeline(now)
	e.checkConsistency()

	return Result{
		Success:      true,
		Candidates:   e.liquidator.Detect(e.users, e.markPrice),
		Liquidations: liqs,
		ADL:          adls,
	}
}

// detectLiquidations is read-only: cached PnL is already current because
// every mutating command recomputes it at the prevailing mark.
func (e *Exchange) detectLiquidations() Result {
	return Result{
		Success:    true,
		Candidates: e.liquidator.Detect(e.users, e.markPrice),
	}
}

func (e *Exchange) manualLiquidate(c *ManualLiquidateCommand, now time.Time) Result {
	user, ok := e.users[c.UserID]
	if !ok {
		return fail(fmt.Errorf("%w: %q", ErrUserNotFound, c.UserID))
	}
	ep, err := e.liquidator.Liquidate(user, e.markPrice, now)
	if err != nil {
		return fail(fmt.Errorf("%w: user %q", err, c.UserID))
	}
	if e.sink != nil {
		e.sink.OnLiquidation(e.liquidator.Events()[len(e.liquidator.Events())-1])
	}
	if e.metrics != nil {
		e.metrics.Liquidations.Inc()
	}

	liqs, adls := e.runPipeline(now)
	e.checkConsistency()

	return Result{
		Success:        true,
		EnginePosition: ep,
		Liquidations:   liqs,
		ADL:            adls,
	}
}

func (e *Exchange) liquidationStep(c *LiquidationStepCommand, now time.Time) Result {
	if c.Method != "adl" {
		return fail(fmt.Errorf("%w: unsupported method %q", ErrValidation, c.Method))
	}
	open := e.inventory.All()
	if len(open) == 0 {
		return fail(fmt.Errorf("%w: no engine positions to deleverage", ErrValidation))
	}

	success := true
	results := make([]*ADLResult, 0, len(open))
	for _, ep := range open {
		res := e.adl.Deleverage(ep, e.users, e.markPrice, now)
		results = append(results, res)
		success = success && res.Success
		if e.sink != nil {
			e.sink.OnADL(res)
		}
		if e.metrics != nil {
			e.metrics.ADLRuns.Inc()
		}
	}

	e.ledger.RecomputeUnrealized(e.users, e.markPrice)
	e.inventory.RecomputeUnrealized(e.markPrice)
	e.checkConsistency()

	result := Result{Success: success, ADL: results}
	if !success {
		result.Error = ErrInsufficientLiquidity.Error()
	}
	return result
}

func (e *Exchange) manualAdjustment(c *ManualAdjustmentCommand, now time.Time) Result {
	e.fund.Adjust(c.Amount, c.Description, now)
	e.baseline = e.baseline.Add(c.Amount)
	e.logger.Info("insurance fund adjusted",
		"amount", c.Amount.String(),
		"balance", e.fund.Balance.String(),
		"description", c.Description,
	)
	e.checkConsistency()
	return Result{Success: true}
}

// runPipeline is the automatic post-mutation pass: refresh PnL at the mark,
// liquidate breached positions when enabled, then trigger ADL when enabled
// and the fund cannot cover the open inventory's worst-case loss.
func (e *Exchange) runPipeline(now time.Time) ([]LiquidationEvent, []*ADLResult) {
	e.ledger.RecomputeUnrealized(e.users, e.markPrice)
	e.inventory.RecomputeUnrealized(e.markPrice)

	var liqs []LiquidationEvent
	if e.liquidationEnabled {
		for _, cand := range e.liquidator.Detect(e.users, e.markPrice) {
			user := e.users[cand.UserID]
			if _, err := e.liquidator.Liquidate(user, e.markPrice, now); err != nil {
				continue
			}
			event := e.liquidator.Events()[len(e.liquidator.Events())-1]
			liqs = append(liqs, event)
			if e.sink != nil {
				e.sink.OnLiquidation(event)
			}
			if e.metrics != nil {
				e.metrics.Liquidations.Inc()
			}
		}
	}

	var adls []*ADLResult
	if e.adlEnabled && e.inventory.Len() > 0 {
		if _, atRisk := e.liquidator.CheckFundSufficiency(e.markPrice); atRisk {
			for _, ep := range e.inventory.All() {
				res := e.adl.Deleverage(ep, e.users, e.markPrice, now)
				adls = append(adls, res)
				if e.sink != nil {
					e.sink.OnADL(res)
				}
				if e.metrics != nil {
					e.metrics.ADLRuns.Inc()
				}
			}
			e.ledger.RecomputeUnrealized(e.users, e.markPrice)
			e.inventory.RecomputeUnrealized(e.markPrice)
		}
	}
	return liqs, adls
}

func (e *Exchange) recordTrade(trade Trade) {
	e.trades = append(e.trades, trade)
	if len(e.trades) > e.cfg.TradeHistoryLimit {
		half := e.cfg.TradeHistoryLimit / 2
		e.trades = append([]Trade(nil), e.trades[len(e.trades)-half:]...)
	}
	if e.sink != nil {
		e.sink.OnTrade(trade)
	}
	if e.metrics != nil {
		e.metrics.Trades.Inc()
		volume, _ := trade.Size.Mul(trade.Price).Float64()
		e.metrics.Volume.Add(volume)
	}
}

// systemValue is the conserved quantity: user equity plus open engine PnL
// plus the insurance fund. Trades, liquidations and ADL only move value
// between those buckets.
func (e *Exchange) systemValue() decimal.Decimal {
	total := e.fund.Balance
	for _, user := range e.users {
		total = total.Add(user.Equity())
	}
	return total.Add(e.inventory.TotalUnrealized())
}

// computeDiagnostics derives the consistency figures at the current mark.
func (e *Exchange) computeDiagnostics() Diagnostics {
	netLong := decimal.Zero
	netShort := decimal.Zero
	totalPnL := decimal.Zero
	for _, pos := range e.ledger.All() {
		if pos.Side == Buy {
			netLong = netLong.Add(pos.Size)
		} else {
			netShort = netShort.Add(pos.Size)
		}
		totalPnL = totalPnL.Add(pos.UnrealizedPnL)
	}
	for _, ep := range e.inventory.All() {
		if ep.Side == Buy {
			netLong = netLong.Add(ep.Size)
		} else {
			netShort = netShort.Add(ep.Size)
		}
		totalPnL = totalPnL.Add(ep.UnrealizedPnL)
	}

	value := e.systemValue()
	d := Diagnostics{
		NetLong:            netLong,
		NetShort:           netShort,
		NetDelta:           netLong.Sub(netShort),
		TotalUnrealizedPnL: totalPnL,
		SystemValue:        value,
		Drift:              value.Sub(e.baseline),
	}
	d.Consistent = d.NetDelta.Abs().LessThan(sizeTolerance) &&
		d.TotalUnrealizedPnL.Abs().LessThan(pnlTolerance) &&
		d.Drift.Abs().LessThan(driftTolerance)
	return d
}

// checkConsistency recomputes the diagnostics and logs any violation.
// Nothing is repaired; the figures are surfaced in every snapshot.
func (e *Exchange) checkConsistency() {
	d := e.computeDiagnostics()
	if e.metrics != nil {
		drift, _ := d.Drift.Float64()
		e.metrics.ConservationDrift.Set(drift)
		fund, _ := e.fund.Balance.Float64()
		e.metrics.InsuranceFund.Set(fund)
	}
	if !d.Consistent {
		e.logger.Error("consistency violation",
			"netDelta", d.NetDelta.String(),
			"totalUnrealizedPnL", d.TotalUnrealizedPnL.String(),
			"drift", d.Drift.String(),
		)
	}
}

func (e *Exchange) snapshotLocked() StateSnapshot {
	users := make([]UserSnapshot, 0, len(e.users))
	ids := make([]string, 0, len(e.users))
	for id := range e.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		user := e.users[id]
		ratio := "inf"
		if r, ok := MarginRatio(user.AvailableBalance, user.UnrealizedPnL, user.UsedMargin); ok {
			ratio = r.StringFixed(4)
		}
		users = append(users, UserSnapshot{
			ID:               user.ID,
			AvailableBalance: user.AvailableBalance,
			UsedMargin:       user.UsedMargin,
			OrderMargin:      user.OrderMargin,
			TotalBalance:     user.TotalBalance(),
			UnrealizedPnL:    user.UnrealizedPnL,
			Equity:           user.Equity(),
			Leverage:         user.Leverage,
			MarginRatio:      ratio,
		})
	}

	positions := make([]PositionSnapshot, 0, e.ledger.Len())
	for _, pos := range e.ledger.All() {
		positions = append(positions, PositionSnapshot{
			UserID:           pos.UserID,
			Side:             pos.Side.PositionString(),
			Size:             pos.Size,
			EntryPrice:       pos.EntryPrice,
			Leverage:         pos.Leverage,
			Value:            pos.Value(e.markPrice),
			UnrealizedPnL:    pos.UnrealizedPnL,
			LiquidationPrice: LiquidationPrice(pos.Side, pos.EntryPrice, pos.Leverage),
			BankruptcyPrice:  BankruptcyPrice(pos.Side, pos.EntryPrice, pos.Leverage),
		})
	}

	bids, asks := e.book.Depth(0)
	worstLoss, atRisk := e.liquidator.CheckFundSufficiency(e.markPrice)

	recent := e.trades
	if len(recent) > 50 {
		recent = recent[len(recent)-50:]
	}

	return StateSnapshot{
		Symbol:       Symbol,
		MarkPrice:    e.markPrice,
		IndexPrice:   e.indexPrice,
		Users:        users,
		Positions:    positions,
		OrderBook:    BookSnapshot{Bids: bids, Asks: asks},
		RecentTrades: recent,
		InsuranceFund: FundSnapshot{
			Balance:       e.fund.Balance,
			WorstCaseLoss: worstLoss,
			AtRisk:        atRisk,
			Adjustments:   e.fund.Adjustments,
		},
		EnginePositions:    e.inventory.All(),
		Liquidations:       e.liquidator.Events(),
		ADLHistory:         e.adl.Events(),
		LiquidationEnabled: e.liquidationEnabled,
		ADLEnabled:         e.adlEnabled,
		RiskLimits:         e.cfg.Limits,
		Diagnostics:        e.computeDiagnostics(),
	}
}

// IsValidationError reports whether a result error string came from input
// validation rather than an internal failure.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidPrice) ||
		errors.Is(err, ErrInvalidSize) ||
		errors.Is(err, ErrExcessiveLeverage) ||
		errors.Is(err, ErrRiskLimitViolated) ||
		errors.Is(err, ErrInsufficientMargin)
}
