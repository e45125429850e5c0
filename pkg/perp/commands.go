package perp

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Command is the closed union of operations the exchange accepts. One struct
// per command; Execute handles the set exhaustively and unknown wire tags are
// rejected at the boundary.
type Command interface {
	commandType() string
}

// PlaceOrderCommand validates risk limits, matches the order, applies the
// resulting trades and runs the liquidation check.
type PlaceOrderCommand struct {
	UserID    string          `json:"userId"`
	Side      Side            `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	OrderType OrderType       `json:"orderType"`
	Leverage  decimal.Decimal `json:"leverage"`
}

// CancelOrderCommand removes a resting order if present.
type CancelOrderCommand struct {
	OrderID uint64 `json:"orderId"`
}

// UpdateMarkPriceCommand recomputes all PnL at the new mark price and re-runs
// liquidation detection.
type UpdateMarkPriceCommand struct {
	Price decimal.Decimal `json:"price"`
}

// DetectLiquidationsCommand is a read-only scan for liquidation candidates.
type DetectLiquidationsCommand struct{}

// ManualLiquidateCommand forces liquidation of one user, bypassing the
// enabled flag.
type ManualLiquidateCommand struct {
	UserID string `json:"userId"`
}

// LiquidationStepCommand runs a deleveraging pass against the current engine
// inventory. The only supported method is "adl".
type LiquidationStepCommand struct {
	Method string `json:"method"`
}

// ManualAdjustmentCommand applies a direct insurance-fund balance change
// (administrative/test use).
type ManualAdjustmentCommand struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// SetLiquidationEnabledCommand toggles automatic liquidation execution.
type SetLiquidationEnabledCommand struct {
	Enabled bool `json:"enabled"`
}

// SetADLEnabledCommand toggles the automatic ADL trigger.
type SetADLEnabledCommand struct {
	Enabled bool `json:"enabled"`
}

// ResetStateCommand reinitializes users, positions and engines to defaults.
type ResetStateCommand struct{}

// GetStateCommand returns a full read-only snapshot.
type GetStateCommand struct{}

func (PlaceOrderCommand) commandType() string            { return "place_order" }
func (CancelOrderCommand) commandType() string           { return "cancel_order" }
func (UpdateMarkPriceCommand) commandType() string       { return "update_mark_price" }
func (DetectLiquidationsCommand) commandType() string    { return "detect_liquidations" }
func (ManualLiquidateCommand) commandType() string       { return "manual_liquidate" }
func (LiquidationStepCommand) commandType() string       { return "liquidation_step" }
func (ManualAdjustmentCommand) commandType() string      { return "manual_adjustment" }
func (SetLiquidationEnabledCommand) commandType() string { return "set_liquidation_enabled" }
func (SetADLEnabledCommand) commandType() string         { return "set_adl_enabled" }
func (ResetStateCommand) commandType() string            { return "reset_state" }
func (GetStateCommand) commandType() string              { return "get_state" }

// DecodeCommand turns a wire tag plus JSON payload into a typed command.
// Unknown tags are rejected before any state is touched.
func DecodeCommand(commandType string, payload []byte) (Command, error) {
	var cmd Command
	switch commandType {
	case "place_order":
		cmd = &PlaceOrderCommand{}
	case "cancel_order":
		cmd = &CancelOrderCommand{}
	case "update_mark_price":
		cmd = &UpdateMarkPriceCommand{}
	case "detect_liquidations":
		cmd = &DetectLiquidationsCommand{}
	case "manual_liquidate":
		cmd = &ManualLiquidateCommand{}
	case "liquidation_step":
		cmd = &LiquidationStepCommand{}
	case "manual_adjustment":
		cmd = &ManualAdjustmentCommand{}
	case "set_liquidation_enabled":
		cmd = &SetLiquidationEnabledCommand{}
	case "set_adl_enabled":
		cmd = &SetADLEnabledCommand{}
	case "reset_state":
		cmd = &ResetStateCommand{}
	case "get_state":
		cmd = &GetStateCommand{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, commandType)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, cmd); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return cmd, nil
}

// Result is the response envelope every command returns: a success flag,
// command-specific fields and the full state snapshot for convenience.
type Result struct {
	Success bool   `json:"success"`
	Command string `json:"command"`
	Error   string `json:"error,omitempty"`

	OrderID        uint64                 `json:"orderId,omitempty"`
	Trades         []Trade                `json:"trades,omitempty"`
	RemainingSize  *decimal.Decimal       `json:"remainingSize,omitempty"`
	CanceledSize   *decimal.Decimal       `json:"canceledSize,omitempty"`
	Candidates     []LiquidationCandidate `json:"candidates,omitempty"`
	Liquidations   []LiquidationEvent     `json:"liquidations,omitempty"`
	ADL            []*ADLResult           `json:"adl,omitempty"`
	EnginePosition *EnginePosition        `json:"enginePosition,omitempty"`

	State *StateSnapshot `json:"state,omitempty"`
}
