package binance

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/adshao/go-binance"
	"github.com/lgrabowski/trademirror"
)

const (
	requestTimeout = 1 * time.Minute

	testnetBaseURL = "https://testnet.binance.vision"
)

// ExchangeService adapts the Binance REST API to the exchange collaborator
// contract. The engine guarantees strictly sequential calls, which keeps
// the signed-request timestamps ordered.
type ExchangeService struct {
	client       *binance.Client
	exchangeInfo *binance.ExchangeInfo
}

func NewExchangeService(
	ctx context.Context,
	apiKey, secretKey string,
	testnet bool,
) (*ExchangeService, error) {
	client := binance.NewClient(apiKey, secretKey)
	if testnet {
		client.BaseURL = testnetBaseURL
	}

	requestCtx, cancelRequestCtx := context.WithTimeout(ctx, requestTimeout)
	defer cancelRequestCtx()

	exchangeInfo, err := client.NewExchangeInfoService().Do(requestCtx)
	if err != nil {
		return nil, wrapError(err)
	}

	return &ExchangeService{
		client:       client,
		exchangeInfo: exchangeInfo,
	}, nil
}

func (es *ExchangeService) ExchangeName() string {
	return "binance"
}

// FetchPairs returns the tradeable pairs whose both sides belong to the
// tracked coin set.
func (es *ExchangeService) FetchPairs(
	ctx context.Context,
	coins []trademirror.Coin,
) ([]trademirror.Pair, error) {
	tracked := make(map[trademirror.Coin]bool, len(coins))
	for _, coin := range coins {
		tracked[coin] = true
	}

	pairs := make([]trademirror.Pair, 0)

	for _, symbolInfo := range es.exchangeInfo.Symbols {
		base := trademirror.Coin(symbolInfo.BaseAsset)
		quote := trademirror.Coin(symbolInfo.QuoteAsset)

		if tracked[base] && tracked[quote] {
			pairs = append(pairs, trademirror.Pair{Base: base, Quote: quote})
		}
	}

	return pairs, nil
}

func (es *ExchangeService) findSymbolInfo(
	symbol string,
) (*binance.Symbol, error) {
	for _, symbolInfo := range es.exchangeInfo.Symbols {
		if symbolInfo.Symbol == symbol {
			return &symbolInfo, nil
		}
	}

	return nil, fmt.Errorf("could not find info for symbol: [%v]", symbol)
}

func (es *ExchangeService) trackedSymbols(
	coins []trademirror.Coin,
) ([]trademirror.Pair, error) {
	return es.FetchPairs(context.Background(), coins)
}

func parseMilliseconds(milliseconds int64) time.Time {
	return time.Unix(0, milliseconds*int64(time.Millisecond))
}

func parseAmount(value string) (*big.Float, error) {
	amount, ok := new(big.Float).SetString(value)
	if !ok {
		return nil, fmt.Errorf("could not parse amount: [%v]", value)
	}

	return amount, nil
}
