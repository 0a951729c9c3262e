package postgres

import (
	"database/sql"
	"errors"
	"math/big"
	"time"

	"github.com/jackc/pgtype"
	"github.com/lgrabowski/trademirror"
)

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

type attributionRow struct {
	Exchange string
	OrderID  string `db:"order_id"`
	Fund     string
	Creator  string
}

func newAttributionRow(
	exchange string,
	attribution *trademirror.OrderAttribution,
) *attributionRow {
	return &attributionRow{
		Exchange: exchange,
		OrderID:  attribution.OrderID,
		Fund:     string(attribution.Fund),
		Creator:  attribution.Creator,
	}
}

func (ar *attributionRow) unwrap() *trademirror.OrderAttribution {
	return &trademirror.OrderAttribution{
		OrderID: ar.OrderID,
		Fund:    trademirror.Fund(ar.Fund),
		Creator: ar.Creator,
	}
}

type completedOrderRow struct {
	Exchange string
	OrderID  string `db:"order_id"`
	Pair     string
	Side     string
	Fund     string
}

func newCompletedOrderRow(
	exchange string,
	order *trademirror.OrderCompleted,
) *completedOrderRow {
	return &completedOrderRow{
		Exchange: exchange,
		OrderID:  order.OrderID,
		Pair:     string(order.Pair.Base) + "/" + string(order.Pair.Quote),
		Side:     order.Side.String(),
		Fund:     string(order.Fund),
	}
}

func (cor *completedOrderRow) unwrap() (*trademirror.OrderCompleted, error) {
	pair, err := trademirror.ParsePair(cor.Pair)
	if err != nil {
		return nil, err
	}

	side, err := trademirror.ParseOrderSide(cor.Side)
	if err != nil {
		return nil, err
	}

	return &trademirror.OrderCompleted{
		OrderID: cor.OrderID,
		Pair:    pair,
		Side:    side,
		Fund:    trademirror.Fund(cor.Fund),
		Fills:   make([]*trademirror.Fill, 0),
	}, nil
}

type fillRow struct {
	Exchange       string
	TradeID        string `db:"trade_id"`
	OrderID        string `db:"order_id"`
	Pair           string
	Side           string
	AmountIn       pgtype.Numeric `db:"amount_in"`
	AmountOut      pgtype.Numeric `db:"amount_out"`
	Commission     pgtype.Numeric
	CommissionCoin string `db:"commission_coin"`
	Time           time.Time
}

func newFillRow(
	exchange string,
	fill *trademirror.Fill,
) (*fillRow, error) {
	amountIn, err := floatToNumeric(fill.AmountIn)
	if err != nil {
		return nil, err
	}

	amountOut, err := floatToNumeric(fill.AmountOut)
	if err != nil {
		return nil, err
	}

	fillCommission := fill.Commission
	if fillCommission == nil {
		fillCommission = big.NewFloat(0)
	}

	commission, err := floatToNumeric(fillCommission)
	if err != nil {
		return nil, err
	}

	return &fillRow{
		Exchange:       exchange,
		TradeID:        fill.TradeID,
		OrderID:        fill.OrderID,
		Pair:           string(fill.Pair.Base) + "/" + string(fill.Pair.Quote),
		Side:           fill.Side.String(),
		AmountIn:       amountIn,
		AmountOut:      amountOut,
		Commission:     commission,
		CommissionCoin: string(fill.CommissionCoin),
		Time:           fill.Time,
	}, nil
}

func (fr *fillRow) unwrap() (*trademirror.Fill, error) {
	pair, err := trademirror.ParsePair(fr.Pair)
	if err != nil {
		return nil, err
	}

	side, err := trademirror.ParseOrderSide(fr.Side)
	if err != nil {
		return nil, err
	}

	amountIn, err := numericToFloat(fr.AmountIn)
	if err != nil {
		return nil, err
	}

	amountOut, err := numericToFloat(fr.AmountOut)
	if err != nil {
		return nil, err
	}

	commission, err := numericToFloat(fr.Commission)
	if err != nil {
		return nil, err
	}

	return &trademirror.Fill{
		TradeID:        fr.TradeID,
		OrderID:        fr.OrderID,
		Pair:           pair,
		Side:           side,
		AmountIn:       amountIn,
		AmountOut:      amountOut,
		Commission:     commission,
		CommissionCoin: trademirror.Coin(fr.CommissionCoin),
		Time:           fr.Time,
	}, nil
}

type transferRow struct {
	Exchange  string
	TxID      string `db:"tx_id"`
	Direction string
	Coin      string
	Amount    pgtype.Numeric
	Time      time.Time
	Status    string
}

func newTransferRow(
	exchange string,
	transfer *trademirror.Transfer,
) (*transferRow, error) {
	amount, err := floatToNumeric(transfer.Amount)
	if err != nil {
		return nil, err
	}

	return &transferRow{
		Exchange:  exchange,
		TxID:      transfer.TxID,
		Direction: transfer.Direction.String(),
		Coin:      string(transfer.Coin),
		Amount:    amount,
		Time:      transfer.Time,
		Status:    transfer.Status.String(),
	}, nil
}

func (tr *transferRow) unwrap() (*trademirror.Transfer, error) {
	direction, err := trademirror.ParseTransferDirection(tr.Direction)
	if err != nil {
		return nil, err
	}

	status, err := trademirror.ParseTransferStatus(tr.Status)
	if err != nil {
		return nil, err
	}

	amount, err := numericToFloat(tr.Amount)
	if err != nil {
		return nil, err
	}

	return &trademirror.Transfer{
		TxID:      tr.TxID,
		Direction: direction,
		Coin:      trademirror.Coin(tr.Coin),
		Amount:    amount,
		Time:      tr.Time,
		Status:    status,
	}, nil
}
