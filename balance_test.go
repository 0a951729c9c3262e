package trademirror

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"
)

type testID string

func (ti testID) String() string {
	return string(ti)
}

type testIDService struct {
	counter int
}

func (tis *testIDService) NewID() ID {
	tis.counter++
	return testID(fmt.Sprintf("test-id-%v", tis.counter))
}

func (tis *testIDService) NewIDFromString(id string) (ID, error) {
	return testID(id), nil
}

func assertBigFloatEqual(t *testing.T, expected, actual *big.Float) {
	t.Helper()

	if expected.Cmp(actual) != 0 {
		t.Errorf(
			"unexpected amount\n"+
				"expected: [%v]\n"+
				"actual:   [%v]",
			expected.Text('f', -1),
			actual.Text('f', -1),
		)
	}
}

func TestBalanceBook_CreateHold(t *testing.T) {
	book := NewBalanceBook(&testIDService{})

	book.ApplyExchangeUpdate(
		"BTC",
		big.NewFloat(100),
		big.NewFloat(0),
		time.Now(),
	)

	hold, err := book.CreateHold("BTC", big.NewFloat(40), FundMain, true)
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}

	if !hold.Local() {
		t.Errorf("expected a local hold")
	}

	assertBigFloatEqual(t, big.NewFloat(60), book.Balance("BTC").Available())

	// The second hold does not fit into the remaining available balance.
	_, err = book.CreateHold("BTC", big.NewFloat(70), FundMain, true)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf(
			"unexpected error\n"+
				"expected: [%v]\n"+
				"actual:   [%v]",
			ErrInsufficientBalance,
			err,
		)
	}

	book.ReleaseHold(hold)

	assertBigFloatEqual(t, big.NewFloat(100), book.Balance("BTC").Available())
}

func TestBalanceBook_CreateHold_NonPositiveAmount(t *testing.T) {
	book := NewBalanceBook(&testIDService{})

	if _, err := book.CreateHold(
		"BTC",
		big.NewFloat(0),
		FundMain,
		true,
	); err == nil {
		t.Errorf("expected error for zero hold amount")
	}

	if _, err := book.CreateHold(
		"BTC",
		big.NewFloat(-1),
		FundMain,
		true,
	); err == nil {
		t.Errorf("expected error for negative hold amount")
	}
}

func TestBalanceBook_CreateHold_NonLocal(t *testing.T) {
	book := NewBalanceBook(&testIDService{})

	book.ApplyExchangeUpdate(
		"BTC",
		big.NewFloat(100),
		big.NewFloat(80),
		time.Now(),
	)

	// A non-local hold mirrors a reservation the exchange already reports
	// within the held amount, so it must skip the availability check and
	// must not reduce the available balance again.
	hold, err := book.CreateHold("BTC", big.NewFloat(80), FundMain, false)
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}

	hold.Confirm("order-1")

	assertBigFloatEqual(t, big.NewFloat(20), book.Balance("BTC").Available())

	if book.HoldForOrder("BTC", "order-1") != hold {
		t.Errorf("expected hold to be resolvable by order id")
	}
}

func TestBalanceBook_ReleaseHold_Idempotent(t *testing.T) {
	book := NewBalanceBook(&testIDService{})

	book.ApplyExchangeUpdate(
		"BTC",
		big.NewFloat(10),
		big.NewFloat(0),
		time.Now(),
	)

	hold, err := book.CreateHold("BTC", big.NewFloat(10), FundMain, true)
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}

	book.ReleaseHold(hold)
	book.ReleaseHold(hold)
	book.ReleaseHold(nil)

	if holdCount := len(book.Balance("BTC").Holds()); holdCount != 0 {
		t.Errorf(
			"unexpected hold count\n"+
				"expected: [%v]\n"+
				"actual:   [%v]",
			0,
			holdCount,
		)
	}
}

func TestBalanceBook_ApplyExchangeUpdate(t *testing.T) {
	book := NewBalanceBook(&testIDService{})

	book.ApplyExchangeUpdate(
		"BTC",
		big.NewFloat(100),
		big.NewFloat(20),
		time.Now(),
	)

	balance := book.Balance("BTC")

	assertBigFloatEqual(t, big.NewFloat(100), balance.Total)
	assertBigFloatEqual(t, big.NewFloat(20), balance.Held)

	// First sighting seeds the default fund with the reported total.
	assertBigFloatEqual(t, big.NewFloat(100), balance.FundBalance(FundMain))

	hold, err := book.CreateHold("BTC", big.NewFloat(30), FundMain, true)
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}

	// Later updates overwrite the reported amounts but leave funds and
	// holds alone.
	book.ApplyExchangeUpdate(
		"BTC",
		big.NewFloat(150),
		big.NewFloat(-5),
		time.Now(),
	)

	assertBigFloatEqual(t, big.NewFloat(150), balance.Total)
	assertBigFloatEqual(t, big.NewFloat(0), balance.Held)
	assertBigFloatEqual(t, big.NewFloat(100), balance.FundBalance(FundMain))

	if len(balance.Holds()) != 1 || balance.Holds()[0] != hold {
		t.Errorf("expected the hold to survive the exchange update")
	}
}

func TestBalanceBook_ReduceHeld(t *testing.T) {
	book := NewBalanceBook(&testIDService{})

	book.ApplyExchangeUpdate(
		"BTC",
		big.NewFloat(100),
		big.NewFloat(20),
		time.Now(),
	)

	book.ReduceHeld("BTC", big.NewFloat(15))
	assertBigFloatEqual(t, big.NewFloat(5), book.Balance("BTC").Held)

	// Never below zero.
	book.ReduceHeld("BTC", big.NewFloat(50))
	assertBigFloatEqual(t, big.NewFloat(0), book.Balance("BTC").Held)
}

func TestBalanceBook_ApplyCompletedOrderToFund(t *testing.T) {
	book := NewBalanceBook(&testIDService{})

	book.ApplyExchangeUpdate(
		"USDT",
		big.NewFloat(1000),
		big.NewFloat(0),
		time.Now(),
	)

	pair := Pair{Base: "BTC", Quote: "USDT"}

	// Spend 100 USDT on 1 BTC; the exchange takes its commission from the
	// received BTC.
	book.ApplyCompletedOrderToFund(&OrderCompleted{
		OrderID: "order-1",
		Pair:    pair,
		Side:    SideBuy,
		Fund:    FundMain,
		Fills: []*Fill{
			{
				TradeID:        "trade-1",
				OrderID:        "order-1",
				Pair:           pair,
				Side:           SideBuy,
				AmountIn:       big.NewFloat(100),
				AmountOut:      big.NewFloat(1),
				Commission:     big.NewFloat(0.01),
				CommissionCoin: "BTC",
				Time:           time.Now(),
			},
		},
	})

	assertBigFloatEqual(
		t,
		big.NewFloat(900),
		book.Balance("USDT").FundBalance(FundMain),
	)
	assertBigFloatEqual(
		t,
		big.NewFloat(0.99),
		book.Balance("BTC").FundBalance(FundMain),
	)
}
