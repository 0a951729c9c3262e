package binance

import (
	"context"
	"fmt"

	"github.com/lgrabowski/trademirror"
)

// FetchMarketData returns the current prices of the requested pairs. The
// exchange reports prices for all symbols in one call so the result is
// filtered locally.
func (es *ExchangeService) FetchMarketData(
	ctx context.Context,
	pairs []trademirror.Pair,
) ([]*trademirror.PriceUpdate, error) {
	requestCtx, cancelRequestCtx := context.WithTimeout(ctx, requestTimeout)
	defer cancelRequestCtx()

	prices, err := es.client.NewListPricesService().Do(requestCtx)
	if err != nil {
		return nil, wrapError(err)
	}

	pairBySymbol := make(map[string]trademirror.Pair, len(pairs))
	for _, pair := range pairs {
		pairBySymbol[pair.String()] = pair
	}

	updates := make([]*trademirror.PriceUpdate, 0, len(pairs))

	for _, symbolPrice := range prices {
		pair, ok := pairBySymbol[symbolPrice.Symbol]
		if !ok {
			continue
		}

		price, err := parseAmount(symbolPrice.Price)
		if err != nil {
			return nil, fmt.Errorf(
				"could not parse price for symbol [%v]: [%v]",
				symbolPrice.Symbol,
				err,
			)
		}

		updates = append(updates, &trademirror.PriceUpdate{
			Pair:  pair,
			Price: price,
		})
	}

	return updates, nil
}

func (es *ExchangeService) symbolPrice(
	ctx context.Context,
	pair trademirror.Pair,
) (*trademirror.PriceUpdate, error) {
	updates, err := es.FetchMarketData(ctx, []trademirror.Pair{pair})
	if err != nil {
		return nil, err
	}

	if len(updates) == 0 {
		return nil, fmt.Errorf(
			"could not find price for symbol: [%v]",
			pair.String(),
		)
	}

	return updates[0], nil
}
