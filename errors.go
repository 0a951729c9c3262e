package trademirror

import (
	"errors"
	"fmt"
)

// Sentinel errors used to classify failures of exchange collaborator calls.
// Collaborator implementations are expected to wrap their transport-specific
// failures with these sentinels so the engine can react uniformly.
var (
	// ErrRateLimited indicates the exchange throttled the request rate.
	ErrRateLimited = errors.New("request rate limited by exchange")
	// ErrForbidden indicates the exchange rejected the credentials or
	// the account lacks trading permissions.
	ErrForbidden = errors.New("request forbidden by exchange")
	// ErrServiceUnavailable indicates a transient exchange outage.
	ErrServiceUnavailable = errors.New("exchange service unavailable")
	// ErrOrderNotFound indicates the order does not exist on the exchange.
	ErrOrderNotFound = errors.New("order not found on exchange")
	// ErrExchangeDisabled indicates the exchange is administratively
	// disabled and its engine cannot be enabled.
	ErrExchangeDisabled = errors.New("exchange is disabled")
	// ErrInsufficientBalance indicates the available balance cannot cover
	// a requested hold.
	ErrInsufficientBalance = errors.New("insufficient available balance")
)

// TradeValidationError is returned when a trade request fails the
// pre-submission checks. No state is mutated in that case.
type TradeValidationError struct {
	Reason string
}

func (tve *TradeValidationError) Error() string {
	return fmt.Sprintf("invalid trade: %v", tve.Reason)
}

func newTradeValidationError(format string, args ...interface{}) error {
	return &TradeValidationError{Reason: fmt.Sprintf(format, args...)}
}
