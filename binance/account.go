package binance

import (
	"context"
	"fmt"
	"math/big"

	"github.com/lgrabowski/trademirror"
)

// FetchBalances returns the exchange-reported balances of the tracked
// coins. Total includes the amount locked by resting orders; Held is the
// locked part only.
func (es *ExchangeService) FetchBalances(
	ctx context.Context,
	coins []trademirror.Coin,
) ([]*trademirror.BalanceUpdate, error) {
	requestCtx, cancelRequestCtx := context.WithTimeout(ctx, requestTimeout)
	defer cancelRequestCtx()

	account, err := es.client.NewGetAccountService().Do(requestCtx)
	if err != nil {
		return nil, wrapError(err)
	}

	tracked := make(map[trademirror.Coin]bool, len(coins))
	for _, coin := range coins {
		tracked[coin] = true
	}

	updates := make([]*trademirror.BalanceUpdate, 0)

	for _, balance := range account.Balances {
		coin := trademirror.Coin(balance.Asset)
		if !tracked[coin] {
			continue
		}

		free, err := parseAmount(balance.Free)
		if err != nil {
			return nil, fmt.Errorf(
				"could not parse free balance for asset [%v]: [%v]",
				balance.Asset,
				err,
			)
		}

		locked, err := parseAmount(balance.Locked)
		if err != nil {
			return nil, fmt.Errorf(
				"could not parse locked balance for asset [%v]: [%v]",
				balance.Asset,
				err,
			)
		}

		updates = append(updates, &trademirror.BalanceUpdate{
			Coin:  coin,
			Total: new(big.Float).Add(free, locked),
			Held:  locked,
		})
	}

	return updates, nil
}
