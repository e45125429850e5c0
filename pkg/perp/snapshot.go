package perp

import (
	"github.com/shopspring/decimal"
)

// UserSnapshot is a user's balances enriched with derived figures. MarginRatio
// is rendered as a string so the undefined case ("inf", no margin in use)
// survives JSON.
type UserSnapshot struct {
	ID               string          `json:"id"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	UsedMargin       decimal.Decimal `json:"usedMargin"`
	OrderMargin      decimal.Decimal `json:"orderMargin"`
	TotalBalance     decimal.Decimal `json:"totalBalance"`
	UnrealizedPnL    decimal.Decimal `json:"unrealizedPnL"`
	Equity           decimal.Decimal `json:"equity"`
	Leverage         decimal.Decimal `json:"leverage"`
	MarginRatio      string          `json:"marginRatio"`
}

// PositionSnapshot is an open user position with its derived risk prices.
type PositionSnapshot struct {
	UserID           string          `json:"userId"`
	Side             string          `json:"side"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	Leverage         decimal.Decimal `json:"leverage"`
	Value            decimal.Decimal `json:"value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealizedPnL"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
	BankruptcyPrice  decimal.Decimal `json:"bankruptcyPrice"`
}

// BookSnapshot is the aggregated order book, best-first on both sides.
type BookSnapshot struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

// FundSnapshot is the insurance fund balance, the advisory sufficiency check
// against the open engine inventory and the manual adjustment audit trail.
type FundSnapshot struct {
	Balance       decimal.Decimal  `json:"balance"`
	WorstCaseLoss decimal.Decimal  `json:"worstCaseLoss"`
	AtRisk        bool             `json:"atRisk"`
	Adjustments   []FundAdjustment `json:"adjustments,omitempty"`
}

// Diagnostics are the consistency figures recomputed after every mutating
// command. Violations are logged and flagged, never silently repaired.
type Diagnostics struct {
	NetLong            decimal.Decimal `json:"netLong"`
	NetShort           decimal.Decimal `json:"netShort"`
	NetDelta           decimal.Decimal `json:"netDelta"`
	TotalUnrealizedPnL decimal.Decimal `json:"totalUnrealizedPnL"`
	SystemValue        decimal.Decimal `json:"systemValue"`
	Drift              decimal.Decimal `json:"drift"`
	Consistent         bool            `json:"consistent"`
}

// StateSnapshot is a full read-only view of the exchange, returned with every
// command result.
type StateSnapshot struct {
	Symbol             string             `json:"symbol"`
	MarkPrice          decimal.Decimal    `json:"markPrice"`
	IndexPrice         decimal.Decimal    `json:"indexPrice"`
	Users              []UserSnapshot     `json:"users"`
	Positions          []PositionSnapshot `json:"positions"`
	OrderBook          BookSnapshot       `json:"orderBook"`
	RecentTrades       []Trade            `json:"recentTrades"`
	InsuranceFund      FundSnapshot       `json:"insuranceFund"`
	EnginePositions    []*EnginePosition  `json:"enginePositions"`
	Liquidations       []LiquidationEvent `json:"liquidations,omitempty"`
	ADLHistory         []*ADLResult       `json:"adlHistory,omitempty"`
	LiquidationEnabled bool               `json:"liquidationEnabled"`
	ADLEnabled         bool               `json:"adlEnabled"`
	RiskLimits         RiskLimits         `json:"riskLimits"`
	Diagnostics        Diagnostics        `json:"diagnostics"`
}
