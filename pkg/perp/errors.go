package perp

import "errors"

// Command errors. Validation and not-found errors are raised before any state
// mutation; insufficient liquidity is an expected ADL outcome, reported with
// the partial plan rather than treated as a crash.
var (
	ErrValidation            = errors.New("validation failed")
	ErrUserNotFound          = errors.New("user not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrPositionNotFound      = errors.New("position not found")
	ErrInvalidPrice          = errors.New("invalid price")
	ErrInvalidSize           = errors.New("invalid size")
	ErrExcessiveLeverage     = errors.New("excessive leverage")
	ErrRiskLimitViolated     = errors.New("risk limit violated")
	ErrInsufficientMargin    = errors.New("insufficient margin")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrUnknownCommand        = errors.New("unknown command")
)
