package trademirror

import (
	"fmt"
	"math/big"
	"time"
)

// Hold is a reservation against a coin's balance. A local hold bridges the
// latency between submitting an order and the exchange reporting updated
// balances; once the exchange acknowledges the order, the hold is tagged
// with the order id and stops being local. Every hold is released exactly
// once, on fill, cancellation or submission failure.
type Hold struct {
	ID      ID
	Coin    Coin
	Amount  *big.Float
	Fund    Fund
	OrderID string

	local    bool
	released bool
}

// Local reports whether the hold has not been acknowledged by the exchange
// yet.
func (h *Hold) Local() bool {
	return h.local
}

// Confirm upgrades a local hold to an exchange-confirmed one by attaching
// the order id returned by the exchange.
func (h *Hold) Confirm(orderID string) {
	h.OrderID = orderID
	h.local = false
}

// Balance is the per-coin record of an exchange's balance: the
// exchange-reported totals, the per-fund breakdown maintained from trade
// activity, and the coin's active holds.
type Balance struct {
	Coin      Coin
	Total     *big.Float
	Held      *big.Float
	UpdatedAt time.Time

	funds map[Fund]*big.Float
	holds []*Hold
}

func newBalance(coin Coin) *Balance {
	return &Balance{
		Coin:  coin,
		Total: big.NewFloat(0),
		Held:  big.NewFloat(0),
		funds: make(map[Fund]*big.Float),
		holds: make([]*Hold, 0),
	}
}

func (b *Balance) FundBalance(fund Fund) *big.Float {
	if balance, exists := b.funds[fund]; exists {
		return new(big.Float).Copy(balance)
	}

	return big.NewFloat(0)
}

func (b *Balance) Holds() []*Hold {
	holds := make([]*Hold, len(b.holds))
	copy(holds, b.holds)
	return holds
}

// Available is the amount that can back a new hold: the exchange-reported
// total reduced by the exchange-reported held amount and by all local
// holds. Exchange-confirmed holds are already part of the reported held
// amount and must not be counted twice.
func (b *Balance) Available() *big.Float {
	available := new(big.Float).Sub(b.Total, b.Held)

	for _, hold := range b.holds {
		if hold.Local() {
			available.Sub(available, hold.Amount)
		}
	}

	return available
}

func (b *Balance) holdFor(orderID string) *Hold {
	if orderID == "" {
		return nil
	}

	for _, hold := range b.holds {
		if hold.OrderID == orderID {
			return hold
		}
	}

	return nil
}

func (b *Balance) addFund(fund Fund, amount *big.Float) {
	current, exists := b.funds[fund]
	if !exists {
		current = big.NewFloat(0)
		b.funds[fund] = current
	}

	current.Add(current, amount)
}

// BalanceBook is the balance and hold ledger of a single exchange. It is
// confined to the engine's foreground execution context; all mutation goes
// through exactly one goroutine so two concurrent trades can never
// double-spend the same balance.
type BalanceBook struct {
	ids      IDService
	balances map[Coin]*Balance
}

func NewBalanceBook(ids IDService) *BalanceBook {
	return &BalanceBook{
		ids:      ids,
		balances: make(map[Coin]*Balance),
	}
}

func (bb *BalanceBook) Balance(coin Coin) *Balance {
	balance, exists := bb.balances[coin]
	if !exists {
		balance = newBalance(coin)
		bb.balances[coin] = balance
	}

	return balance
}

func (bb *BalanceBook) Coins() []Coin {
	coins := make([]Coin, 0, len(bb.balances))
	for coin := range bb.balances {
		coins = append(coins, coin)
	}
	return coins
}

// CreateHold reserves amount against the coin's available balance for the
// given fund. A local hold is one placed by this process and not yet
// acknowledged by the exchange; a non-local hold mirrors a reservation the
// exchange already reports, so it skips the availability check.
func (bb *BalanceBook) CreateHold(
	coin Coin,
	amount *big.Float,
	fund Fund,
	local bool,
) (*Hold, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("hold amount must be positive")
	}

	balance := bb.Balance(coin)

	if local && balance.Available().Cmp(amount) < 0 {
		return nil, fmt.Errorf(
			"cannot hold [%v %v]: %w",
			amount.Text('f', 8),
			coin,
			ErrInsufficientBalance,
		)
	}

	hold := &Hold{
		ID:     bb.ids.NewID(),
		Coin:   coin,
		Amount: new(big.Float).Copy(amount),
		Fund:   fund,
		local:  local,
	}

	balance.holds = append(balance.holds, hold)

	return hold, nil
}

// ReleaseHold removes the reservation. Releasing an already released hold
// is a no-op, which keeps the release-on-every-exit-path discipline safe.
func (bb *BalanceBook) ReleaseHold(hold *Hold) {
	if hold == nil || hold.released {
		return
	}

	hold.released = true

	balance := bb.Balance(hold.Coin)
	for index, candidate := range balance.holds {
		if candidate == hold {
			balance.holds = append(
				balance.holds[:index],
				balance.holds[index+1:]...,
			)
			break
		}
	}
}

// HoldForOrder returns the hold backing the given live order, if any.
func (bb *BalanceBook) HoldForOrder(coin Coin, orderID string) *Hold {
	return bb.Balance(coin).holdFor(orderID)
}

// ApplyExchangeUpdate overwrites the exchange-reported total and held
// amounts for a coin. Per-fund allocation and holds are maintained
// independently from confirmed and unconfirmed trade activity, so they are
// deliberately left untouched.
func (bb *BalanceBook) ApplyExchangeUpdate(
	coin Coin,
	total, held *big.Float,
	timestamp time.Time,
) {
	balance := bb.Balance(coin)

	balance.Total = new(big.Float).Copy(total)
	balance.Held = new(big.Float).Copy(held)
	balance.UpdatedAt = timestamp

	if balance.Held.Sign() < 0 {
		balance.Held = big.NewFloat(0)
	}

	if _, exists := balance.funds[FundMain]; !exists {
		// First sighting of the coin: seed the default fund with the
		// exchange-reported total so the per-fund breakdown starts from
		// the authoritative state.
		balance.funds[FundMain] = new(big.Float).Copy(total)
	}
}

// ReduceHeld optimistically decrements the exchange-reported held amount,
// used after a cancellation so a new trade does not have to wait for the
// next balance poll.
func (bb *BalanceBook) ReduceHeld(coin Coin, amount *big.Float) {
	balance := bb.Balance(coin)

	balance.Held.Sub(balance.Held, amount)
	if balance.Held.Sign() < 0 {
		balance.Held = big.NewFloat(0)
	}
}

// ApplyCompletedOrderToFund debits the input coin, credits the output coin
// and debits the commission coin for every fill of the order, all against
// the order's attributed fund. The caller must not apply the same fill
// twice; deduplication by trade id happens one level up.
func (bb *BalanceBook) ApplyCompletedOrderToFund(order *OrderCompleted) {
	for _, fill := range order.Fills {
		bb.applyFillToFund(order.Fund, fill)
	}
}

func (bb *BalanceBook) applyFillToFund(fund Fund, fill *Fill) {
	bb.Balance(fill.InputCoin()).addFund(
		fund,
		new(big.Float).Neg(fill.AmountIn),
	)

	bb.Balance(fill.OutputCoin()).addFund(fund, fill.AmountOut)

	if fill.Commission != nil && fill.Commission.Sign() > 0 {
		bb.Balance(fill.CommissionCoin).addFund(
			fund,
			new(big.Float).Neg(fill.Commission),
		)
	}
}
