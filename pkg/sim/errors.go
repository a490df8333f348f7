package sim

import "errors"

// Errors
var (
	ErrContractNotFound     = errors.New("contract not found")
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderNotCancellable  = errors.New("order not cancellable")
	ErrRiskRejected         = errors.New("risk check rejected")
	ErrInsufficientMargin   = errors.New("insufficient margin")
	ErrConcentrationLimit   = errors.New("concentration limit exceeded")
	ErrExposureLimit        = errors.New("exposure limit exceeded")
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrInvalidPrice         = errors.New("invalid price")
	ErrInvalidSide          = errors.New("invalid order side")
	ErrInvalidOrderType     = errors.New("invalid order type")
	ErrUnsupportedOrderType = errors.New("unsupported order type")
	ErrAccountNotFound      = errors.New("account not found")
)
