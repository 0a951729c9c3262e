// Package sim provides an in-process exchange used for backtesting and
// tests. It honours the exchange collaborator contract, fills market
// orders instantly at the last known price and matches resting limit
// orders whenever the price moves across them.
package sim

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/lgrabowski/trademirror"
)

type ExchangeService struct {
	mutex sync.Mutex

	name    string
	pairs   []trademirror.Pair
	feeRate *big.Float

	balances map[trademirror.Coin]*big.Float
	prices   map[trademirror.Pair]*big.Float

	openOrders map[string]*restingOrder
	fills      []*trademirror.Fill
	transfers  []*trademirror.Transfer

	orderSeq int
	tradeSeq int

	// liquidity is the input amount still executable by limit-order
	// matching; nil means unlimited. Orders exceeding it fill partially.
	liquidity *big.Float

	failure error
}

// restingOrder is an unfilled limit order. amount is denominated in the
// input coin, the coin the order spends.
type restingOrder struct {
	id        string
	pair      trademirror.Pair
	side      trademirror.OrderSide
	price     *big.Float
	amount    *big.Float
	createdAt time.Time
}

func (ro *restingOrder) inputCoin() trademirror.Coin {
	if ro.side == trademirror.SideBuy {
		return ro.pair.Quote
	}
	return ro.pair.Base
}

func NewExchangeService(
	name string,
	pairs []trademirror.Pair,
	feeRate *big.Float,
) *ExchangeService {
	if feeRate == nil {
		feeRate = big.NewFloat(0)
	}

	return &ExchangeService{
		name:       name,
		pairs:      pairs,
		feeRate:    feeRate,
		balances:   make(map[trademirror.Coin]*big.Float),
		prices:     make(map[trademirror.Pair]*big.Float),
		openOrders: make(map[string]*restingOrder),
		fills:      make([]*trademirror.Fill, 0),
		transfers:  make([]*trademirror.Transfer, 0),
	}
}

func (es *ExchangeService) ExchangeName() string {
	return es.name
}

// Deposit credits the given coin and records a completed deposit transfer.
func (es *ExchangeService) Deposit(
	coin trademirror.Coin,
	amount *big.Float,
) {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	es.credit(coin, amount)

	es.transfers = append(es.transfers, &trademirror.Transfer{
		TxID:      fmt.Sprintf("%v-deposit-%v", es.name, len(es.transfers)+1),
		Direction: trademirror.TransferDeposit,
		Coin:      coin,
		Amount:    new(big.Float).Set(amount),
		Time:      time.Now(),
		Status:    trademirror.TransferCompleted,
	})
}

// SetPrice moves the market price of the pair and matches resting limit
// orders the new price crosses, each up to the available liquidity.
func (es *ExchangeService) SetPrice(
	pair trademirror.Pair,
	price *big.Float,
) {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	es.prices[pair] = new(big.Float).Set(price)

	for id, order := range es.openOrders {
		if order.pair != pair || !crossed(order.side, order.price, price) {
			continue
		}

		executable := es.take(order.amount)
		if executable.Sign() == 0 {
			continue
		}

		es.fill(order.id, order.pair, order.side, order.price, executable)

		order.amount = new(big.Float).Sub(order.amount, executable)
		if order.amount.Sign() == 0 {
			delete(es.openOrders, id)
		}
	}
}

// SetLiquidity limits the input amount subsequent fills may execute in
// total; orders exceeding it fill partially and rest with the remainder.
// Passing nil restores unlimited liquidity.
func (es *ExchangeService) SetLiquidity(amount *big.Float) {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	if amount == nil {
		es.liquidity = nil
		return
	}

	es.liquidity = new(big.Float).Set(amount)
}

// Fail makes every subsequent collaborator call return the given error.
// Passing nil restores normal operation.
func (es *ExchangeService) Fail(err error) {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	es.failure = err
}

func (es *ExchangeService) FetchPairs(
	ctx context.Context,
	coins []trademirror.Coin,
) ([]trademirror.Pair, error) {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	if es.failure != nil {
		return nil, es.failure
	}

	tracked := make(map[trademirror.Coin]bool, len(coins))
	for _, coin := range coins {
		tracked[coin] = true
	}

	pairs := make([]trademirror.Pair, 0, len(es.pairs))
	for _, pair := range es.pairs {
		if tracked[pair.Base] && tracked[pair.Quote] {
			pairs = append(pairs, pair)
		}
	}

	return pairs, nil
}

func (es *ExchangeService) FetchBalances(
	ctx context.Context,
	coins []trademirror.Coin,
) ([]*trademirror.BalanceUpdate, error) {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	if es.failure != nil {
		return nil, es.failure
	}

	held := make(map[trademirror.Coin]*big.Float)
	for _, order := range es.openOrders {
		coin := order.inputCoin()
		current, ok := held[coin]
		if !ok {
			current = big.NewFloat(0)
		}
		held[coin] = new(big.Float).Add(current, order.amount)
	}

	updates := make([]*trademirror.BalanceUpdate, 0, len(coins))
	for _, coin := range coins {
		total, ok := es.balances[coin]
		if !ok {
			continue
		}

		heldAmount, ok := held[coin]
		if !ok {
			heldAmount = big.NewFloat(0)
		}

		updates = append(updates, &trademirror.BalanceUpdate{
			Coin:  coin,
			Total: new(big.Float).Set(total),
			Held:  heldAmount,
		})
	}

	return updates, nil
}

func (es *ExchangeService) FetchMarketData(
	ctx context.Context,
	pairs []trademirror.Pair,
) ([]*trademirror.PriceUpdate, error) {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	if es.failure != nil {
		return nil, es.failure
	}

	updates := make([]*trademirror.PriceUpdate, 0, len(pairs))
	for _, pair := range pairs {
		price, ok := es.prices[pair]
		if !ok {
			continue
		}

		updates = append(updates, &trademirror.PriceUpdate{
			Pair:  pair,
			Price: new(big.Float).Set(price),
		})
	}

	return updates, nil
}

func (es *ExchangeService) FetchOrdersAndHistory(
	ctx context.Context,
	coins []trademirror.Coin,
) (*trademirror.OrderBookSnapshot, error) {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	if es.failure != nil {
		return nil, es.failure
	}

	liveOrders := make([]*trademirror.Order, 0, len(es.openOrders))
	for _, order := range es.openOrders {
		liveOrders = append(liveOrders, convertOrder(order))
	}

	fills := make([]*trademirror.Fill, len(es.fills))
	copy(fills, es.fills)

	return &trademirror.OrderBookSnapshot{
		LiveOrders: liveOrders,
		Fills:      fills,
		Timestamp:  time.Now(),
	}, nil
}

func (es *ExchangeService) FetchTransfers(
	ctx context.Context,
	coins []trademirror.Coin,
) ([]*trademirror.Transfer, error) {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	if es.failure != nil {
		return nil, es.failure
	}

	transfers := make([]*trademirror.Transfer, len(es.transfers))
	copy(transfers, es.transfers)

	return transfers, nil
}

func (es *ExchangeService) SubmitOrder(
	ctx context.Context,
	trade *trademirror.Trade,
) (*trademirror.OrderResult, error) {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	if es.failure != nil {
		return nil, es.failure
	}

	available := es.available(trade.InputCoin())
	if available.Cmp(trade.Amount) < 0 {
		return nil, fmt.Errorf(
			"insufficient balance of coin [%v]: available [%v], needed [%v]",
			trade.InputCoin(),
			available.Text('f', -1),
			trade.Amount.Text('f', -1),
		)
	}

	es.orderSeq++
	orderID := fmt.Sprintf("%v-order-%v", es.name, es.orderSeq)

	if trade.Type == trademirror.TypeMarket {
		price, ok := es.prices[trade.Pair]
		if !ok {
			return nil, fmt.Errorf(
				"no market price for pair: [%v]",
				trade.Pair.String(),
			)
		}

		fill := es.fill(orderID, trade.Pair, trade.Side, price, trade.Amount)

		return &trademirror.OrderResult{
			OrderID: orderID,
			Filled:  true,
			Fills:   []*trademirror.Fill{fill},
		}, nil
	}

	// A marketable limit order executes immediately, up to the available
	// liquidity; the remainder rests in the order book.
	remainder := new(big.Float).Set(trade.Amount)
	fills := make([]*trademirror.Fill, 0, 1)

	if price, ok := es.prices[trade.Pair]; ok &&
		crossed(trade.Side, trade.Price, price) {
		executable := es.take(remainder)
		if executable.Sign() > 0 {
			fills = append(fills, es.fill(
				orderID,
				trade.Pair,
				trade.Side,
				trade.Price,
				executable,
			))
			remainder.Sub(remainder, executable)
		}
	}

	if remainder.Sign() == 0 {
		return &trademirror.OrderResult{
			OrderID: orderID,
			Filled:  true,
			Fills:   fills,
		}, nil
	}

	es.openOrders[orderID] = &restingOrder{
		id:        orderID,
		pair:      trade.Pair,
		side:      trade.Side,
		price:     new(big.Float).Set(trade.Price),
		amount:    remainder,
		createdAt: time.Now(),
	}

	return &trademirror.OrderResult{
		OrderID: orderID,
		Filled:  false,
		Fills:   fills,
	}, nil
}

// take consumes up to want from the liquidity pool and returns the
// executable amount.
func (es *ExchangeService) take(want *big.Float) *big.Float {
	if es.liquidity == nil {
		return new(big.Float).Set(want)
	}

	executable := new(big.Float).Set(want)
	if es.liquidity.Cmp(executable) < 0 {
		executable.Set(es.liquidity)
	}

	es.liquidity.Sub(es.liquidity, executable)

	return executable
}

func (es *ExchangeService) CancelOrder(
	ctx context.Context,
	pair trademirror.Pair,
	orderID string,
) (bool, error) {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	if es.failure != nil {
		return false, es.failure
	}

	if _, ok := es.openOrders[orderID]; !ok {
		return false, nil
	}

	delete(es.openOrders, orderID)

	return true, nil
}

// fill settles an execution: the input coin is debited, the output coin is
// credited net of the commission, and the fill is recorded. The commission
// is charged in the received coin.
func (es *ExchangeService) fill(
	orderID string,
	pair trademirror.Pair,
	side trademirror.OrderSide,
	price *big.Float,
	amount *big.Float,
) *trademirror.Fill {
	amountOut := new(big.Float)
	if side == trademirror.SideBuy {
		amountOut.Quo(amount, price)
	} else {
		amountOut.Mul(amount, price)
	}

	// AmountOut is gross; the commission is reported separately and is
	// deducted from the credited wallet amount below.
	commission := new(big.Float).Mul(amountOut, es.feeRate)

	fill := &trademirror.Fill{
		TradeID:    fmt.Sprintf("%v-trade-%v", es.name, es.tradeSeq+1),
		OrderID:    orderID,
		Pair:       pair,
		Side:       side,
		AmountIn:   new(big.Float).Set(amount),
		AmountOut:  amountOut,
		Commission: commission,
		Time:       time.Now(),
	}
	es.tradeSeq++

	inputCoin, outputCoin := pair.Base, pair.Quote
	if side == trademirror.SideBuy {
		inputCoin, outputCoin = pair.Quote, pair.Base
	}

	fill.CommissionCoin = outputCoin

	es.debit(inputCoin, fill.AmountIn)
	es.credit(outputCoin, new(big.Float).Sub(fill.AmountOut, commission))

	es.fills = append(es.fills, fill)

	return fill
}

// available is the wallet amount not locked by resting orders.
func (es *ExchangeService) available(coin trademirror.Coin) *big.Float {
	total, ok := es.balances[coin]
	if !ok {
		return big.NewFloat(0)
	}

	available := new(big.Float).Set(total)
	for _, order := range es.openOrders {
		if order.inputCoin() == coin {
			available.Sub(available, order.amount)
		}
	}

	return available
}

func (es *ExchangeService) credit(coin trademirror.Coin, amount *big.Float) {
	current, ok := es.balances[coin]
	if !ok {
		current = big.NewFloat(0)
	}

	es.balances[coin] = new(big.Float).Add(current, amount)
}

func (es *ExchangeService) debit(coin trademirror.Coin, amount *big.Float) {
	current, ok := es.balances[coin]
	if !ok {
		current = big.NewFloat(0)
	}

	es.balances[coin] = new(big.Float).Sub(current, amount)
}

func crossed(
	side trademirror.OrderSide,
	limit *big.Float,
	price *big.Float,
) bool {
	switch side {
	case trademirror.SideBuy:
		return price.Cmp(limit) <= 0
	case trademirror.SideSell:
		return price.Cmp(limit) >= 0
	default:
		return false
	}
}

func convertOrder(order *restingOrder) *trademirror.Order {
	amountOut := new(big.Float)
	if order.side == trademirror.SideBuy {
		amountOut.Quo(order.amount, order.price)
	} else {
		amountOut.Mul(order.amount, order.price)
	}

	return &trademirror.Order{
		ID:        order.id,
		Pair:      order.pair,
		Side:      order.side,
		Type:      trademirror.TypeLimit,
		AmountIn:  new(big.Float).Set(order.amount),
		AmountOut: amountOut,
		Remaining: new(big.Float).Set(order.amount),
		CreatedAt: order.createdAt,
		UpdatedAt: order.createdAt,
	}
}
