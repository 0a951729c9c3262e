package binance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/adshao/go-binance"
	"github.com/lgrabowski/trademirror"
)

// FetchOrdersAndHistory returns a consistent snapshot of the live orders
// resting on the exchange together with known fills of the tracked pairs.
// The snapshot timestamp is taken before the first request so orders
// submitted while the snapshot is being assembled are never treated as
// stale.
func (es *ExchangeService) FetchOrdersAndHistory(
	ctx context.Context,
	coins []trademirror.Coin,
) (*trademirror.OrderBookSnapshot, error) {
	timestamp := time.Now()

	pairs, err := es.trackedSymbols(coins)
	if err != nil {
		return nil, err
	}

	liveOrders := make([]*trademirror.Order, 0)
	fills := make([]*trademirror.Fill, 0)

	for _, pair := range pairs {
		pairOrders, err := es.fetchOpenOrders(ctx, pair)
		if err != nil {
			return nil, err
		}

		liveOrders = append(liveOrders, pairOrders...)

		pairFills, err := es.fetchFills(ctx, pair, 0)
		if err != nil {
			return nil, err
		}

		fills = append(fills, pairFills...)
	}

	return &trademirror.OrderBookSnapshot{
		LiveOrders: liveOrders,
		Fills:      fills,
		Timestamp:  timestamp,
	}, nil
}

func (es *ExchangeService) fetchOpenOrders(
	ctx context.Context,
	pair trademirror.Pair,
) ([]*trademirror.Order, error) {
	requestCtx, cancelRequestCtx := context.WithTimeout(ctx, requestTimeout)
	defer cancelRequestCtx()

	response, err := es.client.NewListOpenOrdersService().
		Symbol(pair.String()).
		Do(requestCtx)
	if err != nil {
		return nil, wrapError(err)
	}

	orders := make([]*trademirror.Order, 0, len(response))

	for _, exchangeOrder := range response {
		order, err := convertOrder(exchangeOrder, pair)
		if err != nil {
			return nil, fmt.Errorf(
				"could not convert order [%v]: [%v]",
				exchangeOrder.OrderID,
				err,
			)
		}

		orders = append(orders, order)
	}

	return orders, nil
}

// fetchFills returns the account trades of the given pair, optionally
// restricted to a single order. Passing a zero orderID returns all trades.
func (es *ExchangeService) fetchFills(
	ctx context.Context,
	pair trademirror.Pair,
	orderID int64,
) ([]*trademirror.Fill, error) {
	requestCtx, cancelRequestCtx := context.WithTimeout(ctx, requestTimeout)
	defer cancelRequestCtx()

	trades, err := es.client.NewListTradesService().
		Symbol(pair.String()).
		Limit(1000).
		Do(requestCtx)
	if err != nil {
		return nil, wrapError(err)
	}

	fills := make([]*trademirror.Fill, 0, len(trades))

	for _, trade := range trades {
		if orderID != 0 && trade.OrderID != orderID {
			continue
		}

		fill, err := convertTrade(trade, pair)
		if err != nil {
			return nil, fmt.Errorf(
				"could not convert trade [%v]: [%v]",
				trade.ID,
				err,
			)
		}

		fills = append(fills, fill)
	}

	return fills, nil
}

// SubmitOrder places the order on the exchange. Market buys are sized by
// converting the quote-denominated amount at the current price because the
// exchange expects base-denominated quantities.
func (es *ExchangeService) SubmitOrder(
	ctx context.Context,
	trade *trademirror.Trade,
) (*trademirror.OrderResult, error) {
	symbol := trade.Pair.String()

	symbolInfo, err := es.findSymbolInfo(symbol)
	if err != nil {
		return nil, err
	}

	quantity, err := es.orderQuantity(ctx, trade)
	if err != nil {
		return nil, err
	}

	service := es.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideType(trade.Side.String())).
		Quantity(quantity.Text('f', symbolInfo.BaseAssetPrecision))

	switch trade.Type {
	case trademirror.TypeMarket:
		service.Type(binance.OrderTypeMarket)
	case trademirror.TypeLimit:
		service.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(trade.Price.Text('f', symbolInfo.QuotePrecision))
	default:
		return nil, fmt.Errorf("unsupported order type: [%v]", trade.Type)
	}

	requestCtx, cancelRequestCtx := context.WithTimeout(ctx, requestTimeout)
	defer cancelRequestCtx()

	response, err := service.Do(requestCtx)
	if err != nil {
		return nil, wrapError(err)
	}

	// The creation response reports fills without trade ids. The account
	// trade list is the authoritative source of fill identity so fills are
	// re-fetched from there.
	fills, err := es.fetchFills(ctx, trade.Pair, response.OrderID)
	if err != nil {
		return nil, err
	}

	return &trademirror.OrderResult{
		OrderID: strconv.FormatInt(response.OrderID, 10),
		Filled:  response.Status == binance.OrderStatusTypeFilled,
		Fills:   fills,
	}, nil
}

func (es *ExchangeService) orderQuantity(
	ctx context.Context,
	trade *trademirror.Trade,
) (*big.Float, error) {
	if trade.Side == trademirror.SideSell {
		return trade.Amount, nil
	}

	// Buys spend the quote coin; convert to base quantity.
	price := trade.Price
	if trade.Type == trademirror.TypeMarket {
		priceUpdate, err := es.symbolPrice(ctx, trade.Pair)
		if err != nil {
			return nil, err
		}

		price = priceUpdate.Price
	}

	return new(big.Float).Quo(trade.Amount, price), nil
}

// CancelOrder cancels a resting order. A missing order is not an error;
// the false result tells the engine the order was already gone.
func (es *ExchangeService) CancelOrder(
	ctx context.Context,
	pair trademirror.Pair,
	orderID string,
) (bool, error) {
	exchangeOrderID, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("could not parse order id: [%v]", orderID)
	}

	requestCtx, cancelRequestCtx := context.WithTimeout(ctx, requestTimeout)
	defer cancelRequestCtx()

	_, err = es.client.NewCancelOrderService().
		Symbol(pair.String()).
		OrderID(exchangeOrderID).
		Do(requestCtx)
	if err != nil {
		wrappedErr := wrapError(err)
		if errors.Is(wrappedErr, trademirror.ErrOrderNotFound) {
			return false, nil
		}

		return false, wrappedErr
	}

	return true, nil
}

func convertOrder(
	exchangeOrder *binance.Order,
	pair trademirror.Pair,
) (*trademirror.Order, error) {
	side, err := trademirror.ParseOrderSide(string(exchangeOrder.Side))
	if err != nil {
		return nil, err
	}

	orderType, err := trademirror.ParseOrderType(string(exchangeOrder.Type))
	if err != nil {
		return nil, err
	}

	price, err := parseAmount(exchangeOrder.Price)
	if err != nil {
		return nil, err
	}

	baseAmount, err := parseAmount(exchangeOrder.OrigQuantity)
	if err != nil {
		return nil, err
	}

	executedAmount, err := parseAmount(exchangeOrder.ExecutedQuantity)
	if err != nil {
		return nil, err
	}

	remainingBase := new(big.Float).Sub(baseAmount, executedAmount)
	quoteAmount := new(big.Float).Mul(baseAmount, price)

	amountIn, amountOut, remaining := baseAmount, quoteAmount, remainingBase
	if side == trademirror.SideBuy {
		amountIn, amountOut = quoteAmount, baseAmount
		remaining = new(big.Float).Mul(remainingBase, price)
	}

	return &trademirror.Order{
		ID:        strconv.FormatInt(exchangeOrder.OrderID, 10),
		Pair:      pair,
		Side:      side,
		Type:      orderType,
		AmountIn:  amountIn,
		AmountOut: amountOut,
		Remaining: remaining,
		CreatedAt: parseMilliseconds(exchangeOrder.Time),
		UpdatedAt: parseMilliseconds(exchangeOrder.UpdateTime),
	}, nil
}

func convertTrade(
	trade *binance.TradeV3,
	pair trademirror.Pair,
) (*trademirror.Fill, error) {
	price, err := parseAmount(trade.Price)
	if err != nil {
		return nil, err
	}

	baseAmount, err := parseAmount(trade.Quantity)
	if err != nil {
		return nil, err
	}

	commission, err := parseAmount(trade.Commission)
	if err != nil {
		return nil, err
	}

	quoteAmount := new(big.Float).Mul(baseAmount, price)

	side := trademirror.SideSell
	amountIn, amountOut := baseAmount, quoteAmount
	if trade.IsBuyer {
		side = trademirror.SideBuy
		amountIn, amountOut = quoteAmount, baseAmount
	}

	return &trademirror.Fill{
		TradeID:        strconv.FormatInt(trade.ID, 10),
		OrderID:        strconv.FormatInt(trade.OrderID, 10),
		Pair:           pair,
		Side:           side,
		AmountIn:       amountIn,
		AmountOut:      amountOut,
		Commission:     commission,
		CommissionCoin: trademirror.Coin(trade.CommissionAsset),
		Time:           parseMilliseconds(trade.Time),
	}, nil
}
