package binance

import (
	"context"
	"math/big"

	"github.com/lgrabowski/trademirror"
)

// Deposit and withdrawal status codes, see
// https://binance-docs.github.io/apidocs/spot/en/#deposit-history-user_data.
const (
	depositStatusSuccess = 1

	withdrawStatusCancelled = 1
	withdrawStatusRejected  = 3
	withdrawStatusFailure   = 5
	withdrawStatusCompleted = 6
)

// FetchTransfers returns the deposit and withdrawal history of the tracked
// coins. Withdrawals without a transaction id are still being processed by
// the exchange and are skipped until one is assigned.
func (es *ExchangeService) FetchTransfers(
	ctx context.Context,
	coins []trademirror.Coin,
) ([]*trademirror.Transfer, error) {
	transfers := make([]*trademirror.Transfer, 0)

	for _, coin := range coins {
		deposits, err := es.fetchDeposits(ctx, coin)
		if err != nil {
			return nil, err
		}

		transfers = append(transfers, deposits...)

		withdrawals, err := es.fetchWithdrawals(ctx, coin)
		if err != nil {
			return nil, err
		}

		transfers = append(transfers, withdrawals...)
	}

	return transfers, nil
}

func (es *ExchangeService) fetchDeposits(
	ctx context.Context,
	coin trademirror.Coin,
) ([]*trademirror.Transfer, error) {
	requestCtx, cancelRequestCtx := context.WithTimeout(ctx, requestTimeout)
	defer cancelRequestCtx()

	deposits, err := es.client.NewListDepositsService().
		Asset(string(coin)).
		Do(requestCtx)
	if err != nil {
		return nil, wrapError(err)
	}

	transfers := make([]*trademirror.Transfer, 0, len(deposits))

	for _, deposit := range deposits {
		if deposit.TxID == "" {
			continue
		}

		status := trademirror.TransferPending
		if deposit.Status == depositStatusSuccess {
			status = trademirror.TransferCompleted
		}

		transfers = append(transfers, &trademirror.Transfer{
			TxID:      deposit.TxID,
			Direction: trademirror.TransferDeposit,
			Coin:      coin,
			Amount:    big.NewFloat(deposit.Amount),
			Time:      parseMilliseconds(deposit.InsertTime),
			Status:    status,
		})
	}

	return transfers, nil
}

func (es *ExchangeService) fetchWithdrawals(
	ctx context.Context,
	coin trademirror.Coin,
) ([]*trademirror.Transfer, error) {
	requestCtx, cancelRequestCtx := context.WithTimeout(ctx, requestTimeout)
	defer cancelRequestCtx()

	withdrawals, err := es.client.NewListWithdrawsService().
		Asset(string(coin)).
		Do(requestCtx)
	if err != nil {
		return nil, wrapError(err)
	}

	transfers := make([]*trademirror.Transfer, 0, len(withdrawals))

	for _, withdrawal := range withdrawals {
		if withdrawal.TxID == "" {
			continue
		}

		var status trademirror.TransferStatus
		switch withdrawal.Status {
		case withdrawStatusCompleted:
			status = trademirror.TransferCompleted
		case withdrawStatusCancelled,
			withdrawStatusRejected,
			withdrawStatusFailure:
			status = trademirror.TransferFailed
		default:
			status = trademirror.TransferPending
		}

		transfers = append(transfers, &trademirror.Transfer{
			TxID:      withdrawal.TxID,
			Direction: trademirror.TransferWithdrawal,
			Coin:      coin,
			Amount:    big.NewFloat(withdrawal.Amount),
			Time:      parseMilliseconds(withdrawal.ApplyTime),
			Status:    status,
		})
	}

	return transfers, nil
}
