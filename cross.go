package trademirror

import "math/big"

// CrossExchange is the synthetic venue linking the same coin across two
// real exchanges. It owns no collections and runs no loop; it merely
// combines the state of the engines it links.
type CrossExchange struct {
	Name string
	Coin Coin

	left  *Engine
	right *Engine
}

func NewCrossExchange(name string, coin Coin, left, right *Engine) *CrossExchange {
	return &CrossExchange{
		Name:  name,
		Coin:  coin,
		left:  left,
		right: right,
	}
}

// Balance returns the combined exchange-reported total of the linked coin
// across both venues, together with the combined held amount.
func (ce *CrossExchange) Balance() (total, held *big.Float) {
	leftTotal, leftHeld, _ := ce.left.CoinBalance(ce.Coin, FundMain)
	rightTotal, rightHeld, _ := ce.right.CoinBalance(ce.Coin, FundMain)

	total = new(big.Float).Add(leftTotal, rightTotal)
	held = new(big.Float).Add(leftHeld, rightHeld)

	return total, held
}

// NetWorth is the sum of both linked engines' net worth. Both engines must
// be configured with the same reference coin for the sum to be meaningful.
func (ce *CrossExchange) NetWorth() *big.Float {
	return new(big.Float).Add(ce.left.NetWorth(), ce.right.NetWorth())
}

// Status is the union of both engines' status flags.
func (ce *CrossExchange) Status() Status {
	return ce.left.Status() | ce.right.Status()
}
