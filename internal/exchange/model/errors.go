package model

import "errors"

// Sentinel errors for the submission and cancel paths. Validation, liquidity,
// risk and state errors reject synchronously with no side effects.
var (
	ErrUnknownInstrument     = errors.New("unknown instrument")
	ErrInvalidSide           = errors.New("invalid order side")
	ErrInvalidType           = errors.New("invalid order type")
	ErrInvalidTimeInForce    = errors.New("invalid time in force")
	ErrInvalidQuantity       = errors.New("quantity must be a positive multiple of lot size")
	ErrInvalidPrice          = errors.New("price must be a positive multiple of tick size")
	ErrInvalidStopPrice      = errors.New("stop price must be a positive multiple of tick size")
	ErrInvalidDisplayQty     = errors.New("display quantity must be positive and not exceed quantity")
	ErrInvalidTrailingOffset = errors.New("trailing offset must be positive")

	ErrNoLiquidity           = errors.New("no liquidity available")
	ErrNoMarketPrice         = errors.New("no market price available")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity for fill-or-kill")

	ErrInsufficientMargin = errors.New("insufficient free margin")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountSuspended   = errors.New("account suspended")
	ErrAccountLiquidating = errors.New("account under liquidation")

	ErrMarketHalted = errors.New("market halted")
	ErrMarketClosed = errors.New("market closed")

	ErrOrderNotFound    = errors.New("order not found")
	ErrAlreadyFilled    = errors.New("order already filled")
	ErrDuplicateOrder   = errors.New("duplicate order id")
	ErrOCOGroupMismatch = errors.New("oco group spans multiple instruments")

	// ErrInvariantViolation marks internal accounting bugs. The affected
	// instrument is halted defensively when one surfaces.
	ErrInvariantViolation = errors.New("book invariant violation")
)
