package trademirror

import (
	"context"
	"math/big"
	"time"
)

// ExchangeService is the contract every trading venue, and the backtest
// simulator, present to the engine. The engine never issues two calls
// against the same service concurrently because request nonces require
// strict per-exchange ordering.
type ExchangeService interface {
	ExchangeName() string

	FetchPairs(ctx context.Context, coins []Coin) ([]Pair, error)

	FetchBalances(ctx context.Context, coins []Coin) ([]*BalanceUpdate, error)

	FetchOrdersAndHistory(
		ctx context.Context,
		coins []Coin,
	) (*OrderBookSnapshot, error)

	FetchMarketData(ctx context.Context, pairs []Pair) ([]*PriceUpdate, error)

	FetchTransfers(ctx context.Context, coins []Coin) ([]*Transfer, error)

	SubmitOrder(ctx context.Context, trade *Trade) (*OrderResult, error)

	CancelOrder(ctx context.Context, pair Pair, orderID string) (bool, error)
}

// BalanceUpdate is the exchange-reported balance of a single coin.
type BalanceUpdate struct {
	Coin  Coin
	Total *big.Float
	Held  *big.Float
}

type PriceUpdate struct {
	Pair  Pair
	Price *big.Float
}

// OrderBookSnapshot carries the live orders currently resting on the
// exchange together with the fills recorded since the beginning of the
// requested coverage. The snapshot is immutable once produced.
type OrderBookSnapshot struct {
	LiveOrders []*Order
	Fills      []*Fill
	Timestamp  time.Time
}

// OrderResult is the immediate outcome of an order submission. Filled is
// true when the order executed fully and never rested on the book; in that
// case OrderID may be empty for venues that do not report ids of
// immediately-filled orders.
type OrderResult struct {
	OrderID string
	Filled  bool
	Fills   []*Fill
}
