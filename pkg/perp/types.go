// Package perp implements a single-instrument linear perpetual exchange
// simulator: order matching, leveraged position accounting, margin-based
// liquidation and auto-deleveraging. All money math uses decimals; the
// package is driven through the Exchange command interface.
package perp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is the only instrument the simulator trades.
const Symbol = "BTC-USDT"

// Side represents the direction of an order or position.
type Side int

const (
	Buy Side = iota
	Sell
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// PositionString renders the side in position terms (long/short).
func (s Side) PositionString() string {
	if s == Buy {
		return "long"
	}
	return "short"
}

// MarshalJSON renders the side as "buy"/"sell".
func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts buy/sell and the position aliases long/short.
func (s *Side) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	side, err := ParseSide(str)
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// ParseSide converts a wire string into a Side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy", "long":
		return Buy, nil
	case "sell", "short":
		return Sell, nil
	default:
		return Buy, fmt.Errorf("%w: side %q", ErrValidation, s)
	}
}

// OrderType distinguishes limit and market orders.
type OrderType int

const (
	Limit OrderType = iota
	Market
)

func (t OrderType) String() string {
	if t == Market {
		return "market"
	}
	return "limit"
}

// MarshalJSON renders the order type as "limit"/"market".
func (t OrderType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON parses "limit"/"market".
func (t *OrderType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	typ, err := ParseOrderType(str)
	if err != nil {
		return err
	}
	*t = typ
	return nil
}

// ParseOrderType converts a wire string into an OrderType.
func ParseOrderType(s string) (OrderType, error) {
	switch s {
	case "limit":
		return Limit, nil
	case "market":
		return Market, nil
	default:
		return Limit, fmt.Errorf("%w: order type %q", ErrValidation, s)
	}
}

// Order is a resting or incoming order. Size is the remaining unfilled size
// and shrinks on partial fills; an order is removed from the book when Size
// reaches zero or on cancel. Seq is the arrival sequence number that defines
// time priority inside a price level.
type Order struct {
	ID        uint64          `json:"id"`
	UserID    string          `json:"userId"`
	Side      Side            `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	Type      OrderType       `json:"type"`
	Leverage  decimal.Decimal `json:"leverage"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"-"`
}

// Trade is an immutable record of a match between two orders.
type Trade struct {
	ID          uint64          `json:"id"`
	BuyOrderID  uint64          `json:"buyOrderId"`
	SellOrderID uint64          `json:"sellOrderId"`
	BuyUserID   string          `json:"buyUserId"`
	SellUserID  string          `json:"sellUserId"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
	Timestamp   time.Time       `json:"timestamp"`
}

// User holds a trader's balances. AvailableBalance, UsedMargin and
// OrderMargin are cash buckets: UsedMargin backs the open position,
// OrderMargin is reserved for resting orders. UnrealizedPnL is tracked
// separately and recomputed from the mark price.
type User struct {
	ID               string          `json:"id"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	UsedMargin       decimal.Decimal `json:"usedMargin"`
	OrderMargin      decimal.Decimal `json:"orderMargin"`
	UnrealizedPnL    decimal.Decimal `json:"unrealizedPnL"`
	Leverage         decimal.Decimal `json:"leverage"`
}

// TotalBalance is the user's cash balance (available + locked + reserved).
func (u *User) TotalBalance() decimal.Decimal {
	return u.AvailableBalance.Add(u.UsedMargin).Add(u.OrderMargin)
}

// Equity is cash plus unrealized PnL at the current mark price.
func (u *User) Equity() decimal.Decimal {
	return u.TotalBalance().Add(u.UnrealizedPnL)
}

// Position is a user's open position. One-way mode: at most one position per
// user; an opposite-side trade larger than Size closes it and flips the
// remainder to the other side at the trade price.
type Position struct {
	UserID        string          `json:"userId"`
	Side          Side            `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	Leverage      decimal.Decimal `json:"leverage"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnL"`
	OpenedAt      time.Time       `json:"openedAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Value returns the position's notional at the given price.
func (p *Position) Value(price decimal.Decimal) decimal.Decimal {
	return p.Size.Mul(price)
}

// EnginePositionStatus is the lifecycle of an exchange-owned position.
type EnginePositionStatus int

const (
	EnginePending EnginePositionStatus = iota
	EngineProcessing
	EngineCompleted
)

func (s EnginePositionStatus) String() string {
	switch s {
	case EngineProcessing:
		return "processing"
	case EngineCompleted:
		return "completed"
	default:
		return "pending"
	}
}

// MarshalJSON renders the status as its string form.
func (s EnginePositionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// EnginePosition is a position transferred out of a liquidated user into the
// exchange-owned inventory. EntryPrice preserves the original economic entry
// so unrealized PnL stays continuous across the transfer; BankruptcyPrice is
// kept as a separate field.
type EnginePosition struct {
	ID              uint64               `json:"id"`
	OriginalUserID  string               `json:"originalUserId"`
	Side            Side                 `json:"side"`
	Size            decimal.Decimal      `json:"size"`
	EntryPrice      decimal.Decimal      `json:"entryPrice"`
	BankruptcyPrice decimal.Decimal      `json:"bankruptcyPrice"`
	Status          EnginePositionStatus `json:"status"`
	UnrealizedPnL   decimal.Decimal      `json:"unrealizedPnL"`
	CreatedAt       time.Time            `json:"createdAt"`
}

// FundAdjustment is an audit record of a manual insurance fund change.
type FundAdjustment struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Timestamp   time.Time       `json:"timestamp"`
}

// InsuranceFund pools collateral that absorbs liquidation losses beyond a
// position's margin. Balance is signed; negative means a system deficit that
// ADL must work off.
type InsuranceFund struct {
	Balance     decimal.Decimal  `json:"balance"`
	Adjustments []FundAdjustment `json:"-"`
}

// Adjust applies an administrative balance change and records it.
func (f *InsuranceFund) Adjust(amount decimal.Decimal, description string, now time.Time) {
	f.Balance = f.Balance.Add(amount)
	f.Adjustments = append(f.Adjustments, FundAdjustment{
		Amount:      amount,
		Description: description,
		Timestamp:   now,
	})
}

// LiquidationEvent records one executed liquidation.
type LiquidationEvent struct {
	UserID           string          `json:"userId"`
	EnginePositionID uint64          `json:"enginePositionId"`
	Side             Side            `json:"side"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	BankruptcyPrice  decimal.Decimal `json:"bankruptcyPrice"`
	MarkPrice        decimal.Decimal `json:"markPrice"`
	MarginForfeited  decimal.Decimal `json:"marginForfeited"`
	Timestamp        time.Time       `json:"timestamp"`
}

// RiskLimits are the order-placement limits the orchestrator enforces before
// any book mutation.
type RiskLimits struct {
	MaxPositionSize  decimal.Decimal `json:"maxPositionSize"`
	MaxLeverage      decimal.Decimal `json:"maxLeverage"`
	MaxPositionValue decimal.Decimal `json:"maxPositionValue"`
	MinOrderSize     decimal.Decimal `json:"minOrderSize"`
	MaxUserPositions int             `json:"maxUserPositions"`
}

// DefaultRiskLimits returns the simulator defaults.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositionSize:  decimal.NewFromInt(100),
		MaxLeverage:      decimal.NewFromInt(100),
		MaxPositionValue: decimal.NewFromInt(10_000_000),
		MinOrderSize:     decimal.RequireFromString("0.001"),
		MaxUserPositions: 1,
	}
}
