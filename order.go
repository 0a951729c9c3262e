package trademirror

import (
	"fmt"
	"math/big"
	"time"
)

type OrderSide int

const (
	SideBuy OrderSide = iota
	SideSell
)

func ParseOrderSide(value string) (OrderSide, error) {
	switch value {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	}

	return -1, fmt.Errorf("unknown order side: [%v]", value)
}

func (os OrderSide) String() string {
	switch os {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		panic("unknown order side")
	}
}

type OrderType int

const (
	TypeMarket OrderType = iota
	TypeLimit
)

func ParseOrderType(value string) (OrderType, error) {
	switch value {
	case "MARKET":
		return TypeMarket, nil
	case "LIMIT":
		return TypeLimit, nil
	}

	return -1, fmt.Errorf("unknown order type: [%v]", value)
}

func (ot OrderType) String() string {
	switch ot {
	case TypeMarket:
		return "MARKET"
	case TypeLimit:
		return "LIMIT"
	default:
		panic("unknown order type")
	}
}

// Trade is an unsubmitted order request.
type Trade struct {
	Pair   Pair
	Side   OrderSide
	Type   OrderType
	Price  *big.Float
	Amount *big.Float
	Fund   Fund
}

// InputCoin is the coin the trade spends: the quote coin for buys and the
// base coin for sells.
func (t *Trade) InputCoin() Coin {
	if t.Side == SideBuy {
		return t.Pair.Quote
	}
	return t.Pair.Base
}

// OutputCoin is the coin the trade receives.
func (t *Trade) OutputCoin() Coin {
	if t.Side == SideBuy {
		return t.Pair.Base
	}
	return t.Pair.Quote
}

func (t *Trade) validate() error {
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return newTradeValidationError("amount must be positive")
	}

	if t.Type == TypeLimit && (t.Price == nil || t.Price.Sign() <= 0) {
		return newTradeValidationError("limit order price must be positive")
	}

	if t.Pair.Base == "" || t.Pair.Quote == "" {
		return newTradeValidationError("pair is not set")
	}

	if t.Fund == "" {
		return newTradeValidationError("fund is not set")
	}

	return nil
}

// Order is a live, unfilled or partially filled, order resting on the
// exchange. Remaining is expressed in input coin units.
type Order struct {
	ID        string
	Pair      Pair
	Side      OrderSide
	Type      OrderType
	AmountIn  *big.Float
	AmountOut *big.Float
	Remaining *big.Float
	Fund      Fund
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InputCoin is the coin the order spends; its hold rests on this coin.
func (o *Order) InputCoin() Coin {
	if o.Side == SideBuy {
		return o.Pair.Quote
	}
	return o.Pair.Base
}
