package binance

import (
	"fmt"

	"github.com/adshao/go-binance/common"
	"github.com/lgrabowski/trademirror"
)

// Binance API error codes, see
// https://binance-docs.github.io/apidocs/spot/en/#error-codes.
const (
	codeDisconnected      = -1001
	codeUnauthorized      = -1002
	codeTooManyRequests   = -1003
	codeServiceShutdown   = -1016
	codeNoSuchOrder       = -2013
	codeRejectedAPIKey    = -2014
	codeInvalidAPIKey     = -2015
)

// wrapError maps a Binance API failure onto the engine's error taxonomy so
// the engine can classify it with errors.Is.
func wrapError(err error) error {
	if !common.IsAPIError(err) {
		return err
	}

	apiErr := err.(*common.APIError)

	switch apiErr.Code {
	case codeTooManyRequests:
		return fmt.Errorf("%w: [%v]", trademirror.ErrRateLimited, apiErr)
	case codeUnauthorized, codeRejectedAPIKey, codeInvalidAPIKey:
		return fmt.Errorf("%w: [%v]", trademirror.ErrForbidden, apiErr)
	case codeDisconnected, codeServiceShutdown:
		return fmt.Errorf("%w: [%v]", trademirror.ErrServiceUnavailable, apiErr)
	case codeNoSuchOrder:
		return fmt.Errorf("%w: [%v]", trademirror.ErrOrderNotFound, apiErr)
	default:
		return err
	}
}
