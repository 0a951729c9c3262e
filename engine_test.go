package trademirror_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/lgrabowski/trademirror"
	"github.com/lgrabowski/trademirror/inmem"
	"github.com/lgrabowski/trademirror/sim"
	"github.com/lgrabowski/trademirror/uuid"
)

var testPair = trademirror.Pair{Base: "BTC", Quote: "USDT"}

type noopLogger struct{}

func (nl *noopLogger) Debugf(format string, args ...interface{})   {}
func (nl *noopLogger) Infof(format string, args ...interface{})    {}
func (nl *noopLogger) Warningf(format string, args ...interface{}) {}
func (nl *noopLogger) Errorf(format string, args ...interface{})   {}
func (nl *noopLogger) Fatalf(format string, args ...interface{})   {}

func (nl *noopLogger) WithField(
	key string,
	value interface{},
) trademirror.Logger {
	return nl
}

func (nl *noopLogger) WithFields(
	fields map[string]interface{},
) trademirror.Logger {
	return nl
}

type testEnvironment struct {
	engine  *trademirror.Engine
	service *sim.ExchangeService
	history *inmem.HistoryRepository
	events  *inmem.EventService
}

func fastPeriods() trademirror.RefreshPeriods {
	return trademirror.RefreshPeriods{
		Pairs:      50 * time.Millisecond,
		Balances:   50 * time.Millisecond,
		MarketData: 50 * time.Millisecond,
		Orders:     50 * time.Millisecond,
		Transfers:  50 * time.Millisecond,
	}
}

func buildTestEngine(
	t *testing.T,
	feeRate *big.Float,
	periods trademirror.RefreshPeriods,
) *testEnvironment {
	t.Helper()

	service := sim.NewExchangeService(
		"backtest",
		[]trademirror.Pair{testPair},
		feeRate,
	)
	service.Deposit("USDT", big.NewFloat(1000))
	service.Deposit("BTC", big.NewFloat(10))
	service.SetPrice(testPair, big.NewFloat(100))

	history := inmem.NewHistoryRepository()
	events := inmem.NewEventService(nil)

	engine, err := trademirror.RunEngine(
		context.Background(),
		service.ExchangeName(),
		0,
		service,
		history,
		events,
		&uuid.IDService{},
		&noopLogger{},
		trademirror.EngineConfig{
			Coins:         []trademirror.Coin{"BTC", "USDT"},
			ReferenceCoin: "USDT",
			FeeRate:       feeRate,
			Periods:       periods,
			Simulated:     true,
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}

	t.Cleanup(engine.Close)

	return &testEnvironment{
		engine:  engine,
		service: service,
		history: history,
		events:  events,
	}
}

func runTestEngine(t *testing.T, feeRate *big.Float) *testEnvironment {
	t.Helper()

	environment := buildTestEngine(t, feeRate, fastPeriods())

	if err := environment.engine.Enable(context.Background()); err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}

	return environment
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %v", description)
}

func (te *testEnvironment) waitForFundSeeding(t *testing.T) {
	t.Helper()

	waitFor(t, "fund seeding from exchange balances", func() bool {
		_, _, fundBalance := te.engine.CoinBalance("USDT", trademirror.FundMain)
		return fundBalance.Cmp(big.NewFloat(1000)) == 0
	})
}

func assertFundBalance(
	t *testing.T,
	engine *trademirror.Engine,
	coin trademirror.Coin,
	expected *big.Float,
) {
	t.Helper()

	_, _, fundBalance := engine.CoinBalance(coin, trademirror.FundMain)
	if fundBalance.Cmp(expected) != 0 {
		t.Errorf(
			"unexpected [%v] fund balance\n"+
				"expected: [%v]\n"+
				"actual:   [%v]",
			coin,
			expected.Text('f', -1),
			fundBalance.Text('f', -1),
		)
	}
}

func TestEngine_EnableSynchronisesState(t *testing.T) {
	environment := runTestEngine(t, big.NewFloat(0))

	status := environment.engine.Status()
	if !status.Has(trademirror.StatusConnected) {
		t.Errorf("expected connected status, got [%v]", status)
	}
	if !status.Has(trademirror.StatusSimulated) {
		t.Errorf("expected simulated status, got [%v]", status)
	}

	environment.waitForFundSeeding(t)

	total, held, _ := environment.engine.CoinBalance(
		"USDT",
		trademirror.FundMain,
	)
	if total.Cmp(big.NewFloat(1000)) != 0 {
		t.Errorf("unexpected total: [%v]", total.Text('f', -1))
	}
	if held.Sign() != 0 {
		t.Errorf("unexpected held amount: [%v]", held.Text('f', -1))
	}

	// The simulated deposits flow into the durable transfer history.
	waitFor(t, "transfer history", func() bool {
		transfers, err := environment.history.Transfers()
		return err == nil && len(transfers) == 2
	})

	// Net worth values BTC at the market price: 1000 USDT + 10 BTC * 100.
	waitFor(t, "net worth", func() bool {
		return environment.engine.NetWorth().Cmp(big.NewFloat(2000)) == 0
	})

	statusEvents := 0
	for _, event := range environment.events.Events() {
		if event.Kind == trademirror.EventStatusChanged {
			statusEvents++
		}
	}
	if statusEvents == 0 {
		t.Errorf("expected a status change notification")
	}
}

func TestEngine_PlaceOrder_MarketFill(t *testing.T) {
	environment := runTestEngine(t, big.NewFloat(0.01))
	environment.waitForFundSeeding(t)

	result, err := environment.engine.PlaceOrder(
		context.Background(),
		&trademirror.Trade{
			Pair:   testPair,
			Side:   trademirror.SideBuy,
			Type:   trademirror.TypeMarket,
			Amount: big.NewFloat(100),
			Fund:   trademirror.FundMain,
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}

	if !result.Filled {
		t.Errorf("expected an immediately filled order")
	}
	if len(result.Fills) != 1 {
		t.Fatalf("unexpected fill count: [%v]", len(result.Fills))
	}

	// 100 USDT bought 1 BTC; the 1% commission is taken from the BTC.
	expectedBTC := new(big.Float).Sub(big.NewFloat(1), big.NewFloat(0.01))
	assertFundBalance(t, environment.engine, "USDT", big.NewFloat(900))
	assertFundBalance(t, environment.engine, "BTC", new(big.Float).Add(
		big.NewFloat(10),
		expectedBTC,
	))

	completedOrders, err := environment.history.CompletedOrders()
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}
	if len(completedOrders) != 1 {
		t.Fatalf(
			"unexpected completed order count: [%v]",
			len(completedOrders),
		)
	}
	if len(completedOrders[0].Fills) != 1 {
		t.Errorf(
			"unexpected persisted fill count: [%v]",
			len(completedOrders[0].Fills),
		)
	}

	// Replaying the same fills through the polling path must be a no-op.
	environment.engine.RequestRefresh()
	time.Sleep(300 * time.Millisecond)

	assertFundBalance(t, environment.engine, "USDT", big.NewFloat(900))
	assertFundBalance(t, environment.engine, "BTC", new(big.Float).Add(
		big.NewFloat(10),
		expectedBTC,
	))
}

func TestEngine_PlaceOrder_LimitRestingAndCancel(t *testing.T) {
	environment := runTestEngine(t, big.NewFloat(0))
	environment.waitForFundSeeding(t)

	result, err := environment.engine.PlaceOrder(
		context.Background(),
		&trademirror.Trade{
			Pair:   testPair,
			Side:   trademirror.SideBuy,
			Type:   trademirror.TypeLimit,
			Price:  big.NewFloat(90),
			Amount: big.NewFloat(100),
			Fund:   trademirror.FundMain,
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}

	if result.Filled {
		t.Errorf("expected a resting order")
	}
	if result.OrderID == "" {
		t.Fatalf("expected an order id")
	}

	orders := environment.engine.Orders()
	if len(orders) != 1 || orders[0].ID != result.OrderID {
		t.Fatalf("unexpected live order set: [%v]", orders)
	}
	if orders[0].Remaining.Cmp(big.NewFloat(100)) != 0 {
		t.Errorf(
			"unexpected remaining amount: [%v]",
			orders[0].Remaining.Text('f', -1),
		)
	}

	// The exchange reports the resting order's reservation.
	waitFor(t, "held balance", func() bool {
		_, held, _ := environment.engine.CoinBalance(
			"USDT",
			trademirror.FundMain,
		)
		return held.Cmp(big.NewFloat(100)) == 0
	})

	cancelled, err := environment.engine.CancelOrder(
		context.Background(),
		testPair,
		result.OrderID,
	)
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}
	if !cancelled {
		t.Errorf("expected the order to be cancelled")
	}

	if liveOrders := environment.engine.Orders(); len(liveOrders) != 0 {
		t.Errorf("unexpected live order set: [%v]", liveOrders)
	}

	// The held amount is decremented optimistically, without waiting for
	// the next balance poll.
	_, held, _ := environment.engine.CoinBalance("USDT", trademirror.FundMain)
	if held.Sign() != 0 {
		t.Errorf("unexpected held amount: [%v]", held.Text('f', -1))
	}
}

func TestEngine_PlaceOrder_Validation(t *testing.T) {
	environment := runTestEngine(t, big.NewFloat(0))
	environment.waitForFundSeeding(t)

	_, err := environment.engine.PlaceOrder(
		context.Background(),
		&trademirror.Trade{
			Pair:   testPair,
			Side:   trademirror.SideBuy,
			Type:   trademirror.TypeMarket,
			Amount: big.NewFloat(-5),
			Fund:   trademirror.FundMain,
		},
	)

	var validationErr *trademirror.TradeValidationError
	if !errors.As(err, &validationErr) {
		t.Errorf("expected a trade validation error, got [%v]", err)
	}
}

func TestEngine_PlaceOrder_InsufficientBalance(t *testing.T) {
	environment := runTestEngine(t, big.NewFloat(0))
	environment.waitForFundSeeding(t)

	_, err := environment.engine.PlaceOrder(
		context.Background(),
		&trademirror.Trade{
			Pair:   testPair,
			Side:   trademirror.SideBuy,
			Type:   trademirror.TypeMarket,
			Amount: big.NewFloat(5000),
			Fund:   trademirror.FundMain,
		},
	)
	if !errors.Is(err, trademirror.ErrInsufficientBalance) {
		t.Errorf("expected an insufficient balance error, got [%v]", err)
	}
}

func TestEngine_PlaceOrder_SubmitFailureReleasesHold(t *testing.T) {
	environment := runTestEngine(t, big.NewFloat(0))
	environment.waitForFundSeeding(t)

	environment.service.Fail(fmt.Errorf("exchange exploded"))

	_, err := environment.engine.PlaceOrder(
		context.Background(),
		&trademirror.Trade{
			Pair:   testPair,
			Side:   trademirror.SideBuy,
			Type:   trademirror.TypeMarket,
			Amount: big.NewFloat(600),
			Fund:   trademirror.FundMain,
		},
	)
	if err == nil {
		t.Fatalf("expected a submission error")
	}

	environment.service.Fail(nil)

	// The failed submission must have released its hold; otherwise this
	// full-balance order could not be placed.
	if _, err := environment.engine.PlaceOrder(
		context.Background(),
		&trademirror.Trade{
			Pair:   testPair,
			Side:   trademirror.SideBuy,
			Type:   trademirror.TypeMarket,
			Amount: big.NewFloat(1000),
			Fund:   trademirror.FundMain,
		},
	); err != nil {
		t.Errorf("unexpected error: [%v]", err)
	}
}

func TestEngine_PublicOnlyDowngrade(t *testing.T) {
	environment := runTestEngine(t, big.NewFloat(0))
	environment.waitForFundSeeding(t)

	environment.service.Fail(fmt.Errorf(
		"account check failed: %w",
		trademirror.ErrForbidden,
	))

	waitFor(t, "public-only downgrade", func() bool {
		return environment.engine.Status().Has(trademirror.StatusPublicOnly)
	})

	_, err := environment.engine.PlaceOrder(
		context.Background(),
		&trademirror.Trade{
			Pair:   testPair,
			Side:   trademirror.SideBuy,
			Type:   trademirror.TypeMarket,
			Amount: big.NewFloat(100),
			Fund:   trademirror.FundMain,
		},
	)
	if !errors.Is(err, trademirror.ErrForbidden) {
		t.Errorf("expected a forbidden error, got [%v]", err)
	}
}

func TestEngine_RateLimitBacksOff(t *testing.T) {
	environment := runTestEngine(t, big.NewFloat(0))
	environment.waitForFundSeeding(t)

	environment.service.Fail(fmt.Errorf(
		"too many requests: %w",
		trademirror.ErrRateLimited,
	))

	waitFor(t, "error status", func() bool {
		return environment.engine.Status().Has(trademirror.StatusError)
	})

	// Recovery clears the error flag.
	environment.service.Fail(nil)

	waitFor(t, "error status cleared", func() bool {
		return !environment.engine.Status().Has(trademirror.StatusError)
	})
}

func TestEngine_MirrorsExternalOrder(t *testing.T) {
	environment := runTestEngine(t, big.NewFloat(0))
	environment.waitForFundSeeding(t)

	// An order placed outside this process, e.g. via the exchange UI.
	result, err := environment.service.SubmitOrder(
		context.Background(),
		&trademirror.Trade{
			Pair:   testPair,
			Side:   trademirror.SideSell,
			Type:   trademirror.TypeLimit,
			Price:  big.NewFloat(120),
			Amount: big.NewFloat(1),
			Fund:   trademirror.FundMain,
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}

	waitFor(t, "external order discovery", func() bool {
		orders := environment.engine.Orders()
		return len(orders) == 1 && orders[0].ID == result.OrderID
	})

	orders := environment.engine.Orders()
	if orders[0].Fund != trademirror.FundMain {
		t.Errorf("unexpected order fund: [%v]", orders[0].Fund)
	}

	// The price crosses the limit and the order fills on the exchange.
	environment.service.SetPrice(testPair, big.NewFloat(120))

	waitFor(t, "external order settlement", func() bool {
		return len(environment.engine.Orders()) == 0
	})

	waitFor(t, "fund application", func() bool {
		_, _, fundBalance := environment.engine.CoinBalance(
			"USDT",
			trademirror.FundMain,
		)
		return fundBalance.Cmp(big.NewFloat(1120)) == 0
	})

	assertFundBalance(t, environment.engine, "BTC", big.NewFloat(9))
}

func TestEngine_DisabledExchange(t *testing.T) {
	service := sim.NewExchangeService(
		"backtest",
		[]trademirror.Pair{testPair},
		big.NewFloat(0),
	)

	engine, err := trademirror.RunEngine(
		context.Background(),
		service.ExchangeName(),
		0,
		service,
		inmem.NewHistoryRepository(),
		inmem.NewEventService(nil),
		&uuid.IDService{},
		&noopLogger{},
		trademirror.EngineConfig{
			Coins:         []trademirror.Coin{"BTC", "USDT"},
			ReferenceCoin: "USDT",
			Periods:       fastPeriods(),
			Disabled:      true,
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}
	defer engine.Close()

	if !engine.Status().Has(trademirror.StatusStopped) {
		t.Errorf("expected stopped status, got [%v]", engine.Status())
	}

	if err := engine.Enable(context.Background()); !errors.Is(
		err,
		trademirror.ErrExchangeDisabled,
	) {
		t.Errorf("expected a disabled exchange error, got [%v]", err)
	}
}

// countingService wraps a collaborator and records how many of its calls
// run at the same time.
type countingService struct {
	inner trademirror.ExchangeService

	mutex    sync.Mutex
	inFlight int
	peak     int
}

func (cs *countingService) enter() {
	cs.mutex.Lock()
	cs.inFlight++
	if cs.inFlight > cs.peak {
		cs.peak = cs.inFlight
	}
	cs.mutex.Unlock()

	// Keep the call in flight long enough for an overlap to register.
	time.Sleep(2 * time.Millisecond)
}

func (cs *countingService) exit() {
	cs.mutex.Lock()
	cs.inFlight--
	cs.mutex.Unlock()
}

func (cs *countingService) maxInFlight() int {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	return cs.peak
}

func (cs *countingService) ExchangeName() string {
	return cs.inner.ExchangeName()
}

func (cs *countingService) FetchPairs(
	ctx context.Context,
	coins []trademirror.Coin,
) ([]trademirror.Pair, error) {
	cs.enter()
	defer cs.exit()
	return cs.inner.FetchPairs(ctx, coins)
}

func (cs *countingService) FetchBalances(
	ctx context.Context,
	coins []trademirror.Coin,
) ([]*trademirror.BalanceUpdate, error) {
	cs.enter()
	defer cs.exit()
	return cs.inner.FetchBalances(ctx, coins)
}

func (cs *countingService) FetchMarketData(
	ctx context.Context,
	pairs []trademirror.Pair,
) ([]*trademirror.PriceUpdate, error) {
	cs.enter()
	defer cs.exit()
	return cs.inner.FetchMarketData(ctx, pairs)
}

func (cs *countingService) FetchOrdersAndHistory(
	ctx context.Context,
	coins []trademirror.Coin,
) (*trademirror.OrderBookSnapshot, error) {
	cs.enter()
	defer cs.exit()
	return cs.inner.FetchOrdersAndHistory(ctx, coins)
}

func (cs *countingService) FetchTransfers(
	ctx context.Context,
	coins []trademirror.Coin,
) ([]*trademirror.Transfer, error) {
	cs.enter()
	defer cs.exit()
	return cs.inner.FetchTransfers(ctx, coins)
}

func (cs *countingService) SubmitOrder(
	ctx context.Context,
	trade *trademirror.Trade,
) (*trademirror.OrderResult, error) {
	cs.enter()
	defer cs.exit()
	return cs.inner.SubmitOrder(ctx, trade)
}

func (cs *countingService) CancelOrder(
	ctx context.Context,
	pair trademirror.Pair,
	orderID string,
) (bool, error) {
	cs.enter()
	defer cs.exit()
	return cs.inner.CancelOrder(ctx, pair, orderID)
}

// scriptedService is a hand-rolled collaborator whose responses are set
// directly by the test.
type scriptedService struct {
	mutex    sync.Mutex
	balances []*trademirror.BalanceUpdate
	snapshot *trademirror.OrderBookSnapshot
	result   *trademirror.OrderResult
	fault    string
}

func (ss *scriptedService) setBalances(balances []*trademirror.BalanceUpdate) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	ss.balances = balances
}

func (ss *scriptedService) setSnapshot(snapshot *trademirror.OrderBookSnapshot) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	ss.snapshot = snapshot
}

func (ss *scriptedService) setResult(result *trademirror.OrderResult) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	ss.result = result
}

func (ss *scriptedService) setFault(fault string) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	ss.fault = fault
}

func (ss *scriptedService) check() {
	if ss.fault != "" {
		panic(ss.fault)
	}
}

func (ss *scriptedService) ExchangeName() string {
	return "scripted"
}

func (ss *scriptedService) FetchPairs(
	ctx context.Context,
	coins []trademirror.Coin,
) ([]trademirror.Pair, error) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	ss.check()

	return []trademirror.Pair{testPair}, nil
}

func (ss *scriptedService) FetchBalances(
	ctx context.Context,
	coins []trademirror.Coin,
) ([]*trademirror.BalanceUpdate, error) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	ss.check()

	return ss.balances, nil
}

func (ss *scriptedService) FetchMarketData(
	ctx context.Context,
	pairs []trademirror.Pair,
) ([]*trademirror.PriceUpdate, error) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	ss.check()

	return []*trademirror.PriceUpdate{
		{Pair: testPair, Price: big.NewFloat(100)},
	}, nil
}

func (ss *scriptedService) FetchOrdersAndHistory(
	ctx context.Context,
	coins []trademirror.Coin,
) (*trademirror.OrderBookSnapshot, error) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	ss.check()

	if ss.snapshot == nil {
		return &trademirror.OrderBookSnapshot{Timestamp: time.Now()}, nil
	}

	return ss.snapshot, nil
}

func (ss *scriptedService) FetchTransfers(
	ctx context.Context,
	coins []trademirror.Coin,
) ([]*trademirror.Transfer, error) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	ss.check()

	return nil, nil
}

func (ss *scriptedService) SubmitOrder(
	ctx context.Context,
	trade *trademirror.Trade,
) (*trademirror.OrderResult, error) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	ss.check()

	if ss.result == nil {
		return nil, fmt.Errorf("no scripted submission result")
	}

	return ss.result, nil
}

func (ss *scriptedService) CancelOrder(
	ctx context.Context,
	pair trademirror.Pair,
	orderID string,
) (bool, error) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	ss.check()

	return true, nil
}

func runEngineOver(
	t *testing.T,
	service trademirror.ExchangeService,
	history trademirror.HistoryRepository,
) *trademirror.Engine {
	t.Helper()

	engine, err := trademirror.RunEngine(
		context.Background(),
		service.ExchangeName(),
		0,
		service,
		history,
		inmem.NewEventService(nil),
		&uuid.IDService{},
		&noopLogger{},
		trademirror.EngineConfig{
			Coins:         []trademirror.Coin{"BTC", "USDT"},
			ReferenceCoin: "USDT",
			FeeRate:       big.NewFloat(0),
			Periods:       fastPeriods(),
			Simulated:     true,
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}

	t.Cleanup(engine.Close)

	if err := engine.Enable(context.Background()); err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}

	return engine
}

func TestEngine_SerialisesExchangeRequests(t *testing.T) {
	service := sim.NewExchangeService(
		"backtest",
		[]trademirror.Pair{testPair},
		big.NewFloat(0),
	)
	service.Deposit("USDT", big.NewFloat(1000))
	service.Deposit("BTC", big.NewFloat(10))
	service.SetPrice(testPair, big.NewFloat(100))

	counting := &countingService{inner: service}
	engine := runEngineOver(t, counting, inmem.NewHistoryRepository())

	waitFor(t, "fund seeding from exchange balances", func() bool {
		_, _, fundBalance := engine.CoinBalance("USDT", trademirror.FundMain)
		return fundBalance.Cmp(big.NewFloat(1000)) == 0
	})

	// Foreground submissions overlap the refresh schedule; signed-request
	// ordering demands they never overlap on the wire.
	for i := 0; i < 10; i++ {
		if _, err := engine.PlaceOrder(
			context.Background(),
			&trademirror.Trade{
				Pair:   testPair,
				Side:   trademirror.SideBuy,
				Type:   trademirror.TypeMarket,
				Amount: big.NewFloat(10),
				Fund:   trademirror.FundMain,
			},
		); err != nil {
			t.Fatalf("unexpected error: [%v]", err)
		}
	}

	if max := counting.maxInFlight(); max != 1 {
		t.Errorf(
			"unexpected concurrent request count\n"+
				"expected: [%v]\n"+
				"actual:   [%v]",
			1,
			max,
		)
	}
}

func TestEngine_PlaceOrder_FillAlreadyPolled(t *testing.T) {
	service := &scriptedService{
		balances: []*trademirror.BalanceUpdate{
			{Coin: "USDT", Total: big.NewFloat(1000), Held: big.NewFloat(0)},
			{Coin: "BTC", Total: big.NewFloat(10), Held: big.NewFloat(0)},
		},
	}

	history := inmem.NewHistoryRepository()
	engine := runEngineOver(t, service, history)

	waitFor(t, "fund seeding from exchange balances", func() bool {
		_, _, fundBalance := engine.CoinBalance("USDT", trademirror.FundMain)
		return fundBalance.Cmp(big.NewFloat(1000)) == 0
	})

	fill := &trademirror.Fill{
		TradeID:        "trade-1",
		OrderID:        "42",
		Pair:           testPair,
		Side:           trademirror.SideBuy,
		AmountIn:       big.NewFloat(100),
		AmountOut:      big.NewFloat(1),
		Commission:     big.NewFloat(0),
		CommissionCoin: "BTC",
		Time:           time.Now(),
	}

	// An orders refresh observes the fill before the submission call
	// returns to the engine.
	service.setSnapshot(&trademirror.OrderBookSnapshot{
		Fills:     []*trademirror.Fill{fill},
		Timestamp: time.Now(),
	})

	waitFor(t, "polled fill settlement", func() bool {
		_, _, fundBalance := engine.CoinBalance("USDT", trademirror.FundMain)
		return fundBalance.Cmp(big.NewFloat(900)) == 0
	})

	service.setResult(&trademirror.OrderResult{
		OrderID: "42",
		Filled:  true,
		Fills:   []*trademirror.Fill{fill},
	})

	// The submission result carries the fill the polling path already
	// recorded; the order executed, so placement must not fail.
	result, err := engine.PlaceOrder(
		context.Background(),
		&trademirror.Trade{
			Pair:   testPair,
			Side:   trademirror.SideBuy,
			Type:   trademirror.TypeMarket,
			Amount: big.NewFloat(100),
			Fund:   trademirror.FundMain,
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}
	if !result.Filled {
		t.Errorf("expected an immediately filled order")
	}

	assertFundBalance(t, engine, "USDT", big.NewFloat(900))
	assertFundBalance(t, engine, "BTC", big.NewFloat(11))

	completedOrders, err := history.CompletedOrders()
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}
	if len(completedOrders) != 1 {
		t.Fatalf(
			"unexpected completed order count: [%v]",
			len(completedOrders),
		)
	}
	if len(completedOrders[0].Fills) != 1 {
		t.Errorf(
			"unexpected persisted fill count: [%v]",
			len(completedOrders[0].Fills),
		)
	}
}

func TestEngine_PlaceOrder_PartialFill(t *testing.T) {
	environment := runTestEngine(t, big.NewFloat(0))
	environment.waitForFundSeeding(t)

	environment.service.SetLiquidity(big.NewFloat(25))

	result, err := environment.engine.PlaceOrder(
		context.Background(),
		&trademirror.Trade{
			Pair:   testPair,
			Side:   trademirror.SideBuy,
			Type:   trademirror.TypeLimit,
			Price:  big.NewFloat(100),
			Amount: big.NewFloat(100),
			Fund:   trademirror.FundMain,
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}

	if result.Filled {
		t.Errorf("expected a partially filled order")
	}
	if len(result.Fills) != 1 {
		t.Fatalf("unexpected fill count: [%v]", len(result.Fills))
	}

	// 25 of the 100 USDT executed at 100; the remainder keeps resting.
	orders := environment.engine.Orders()
	if len(orders) != 1 {
		t.Fatalf("unexpected live order set: [%v]", orders)
	}
	if orders[0].Remaining.Cmp(big.NewFloat(75)) != 0 {
		t.Errorf(
			"unexpected remaining amount: [%v]",
			orders[0].Remaining.Text('f', -1),
		)
	}

	assertFundBalance(t, environment.engine, "USDT", big.NewFloat(975))
	assertFundBalance(t, environment.engine, "BTC", big.NewFloat(10.25))

	// The exchange keeps only the unfilled remainder held.
	waitFor(t, "held balance", func() bool {
		_, held, _ := environment.engine.CoinBalance(
			"USDT",
			trademirror.FundMain,
		)
		return held.Cmp(big.NewFloat(75)) == 0
	})

	// Restored liquidity lets the resting remainder execute.
	environment.service.SetLiquidity(nil)
	environment.service.SetPrice(testPair, big.NewFloat(100))

	waitFor(t, "order settlement", func() bool {
		return len(environment.engine.Orders()) == 0
	})

	waitFor(t, "fund application", func() bool {
		_, _, fundBalance := environment.engine.CoinBalance(
			"USDT",
			trademirror.FundMain,
		)
		return fundBalance.Cmp(big.NewFloat(900)) == 0
	})

	assertFundBalance(t, environment.engine, "BTC", big.NewFloat(11))
}

func TestEngine_CancelAfterPolledPartialFill(t *testing.T) {
	// A slow balance schedule keeps the exchange-reported held amount
	// stale, so the optimistic decrement is the only thing moving it.
	periods := fastPeriods()
	periods.Balances = time.Hour

	environment := buildTestEngine(t, big.NewFloat(0), periods)
	if err := environment.engine.Enable(context.Background()); err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}
	environment.waitForFundSeeding(t)

	first, err := environment.engine.PlaceOrder(
		context.Background(),
		&trademirror.Trade{
			Pair:   testPair,
			Side:   trademirror.SideSell,
			Type:   trademirror.TypeLimit,
			Price:  big.NewFloat(200),
			Amount: big.NewFloat(2),
			Fund:   trademirror.FundMain,
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}

	if _, err := environment.engine.PlaceOrder(
		context.Background(),
		&trademirror.Trade{
			Pair:   testPair,
			Side:   trademirror.SideSell,
			Type:   trademirror.TypeLimit,
			Price:  big.NewFloat(300),
			Amount: big.NewFloat(3),
			Fund:   trademirror.FundMain,
		},
	); err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}

	waitFor(t, "held balance", func() bool {
		_, held, _ := environment.engine.CoinBalance(
			"BTC",
			trademirror.FundMain,
		)
		return held.Cmp(big.NewFloat(5)) == 0
	})

	// One of the first order's two BTC fills on the exchange.
	environment.service.SetLiquidity(big.NewFloat(1))
	environment.service.SetPrice(testPair, big.NewFloat(200))

	waitFor(t, "partial fill reconciliation", func() bool {
		for _, order := range environment.engine.Orders() {
			if order.ID == first.OrderID {
				return order.Remaining.Cmp(big.NewFloat(1)) == 0
			}
		}
		return false
	})

	environment.engine.Disable()

	cancelled, err := environment.engine.CancelOrder(
		context.Background(),
		testPair,
		first.OrderID,
	)
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}
	if !cancelled {
		t.Errorf("expected the order to be cancelled")
	}

	// The optimistic decrement covers the unfilled remainder only; the
	// second order's reservation stays untouched.
	_, held, _ := environment.engine.CoinBalance("BTC", trademirror.FundMain)
	if held.Cmp(big.NewFloat(4)) != 0 {
		t.Errorf(
			"unexpected held amount\n"+
				"expected: [%v]\n"+
				"actual:   [%v]",
			big.NewFloat(4).Text('f', -1),
			held.Text('f', -1),
		)
	}
}

func TestEngine_ReenableAfterLoopFault(t *testing.T) {
	service := &scriptedService{
		balances: []*trademirror.BalanceUpdate{
			{Coin: "USDT", Total: big.NewFloat(1000), Held: big.NewFloat(0)},
		},
	}

	engine := runEngineOver(t, service, inmem.NewHistoryRepository())

	waitFor(t, "fund seeding from exchange balances", func() bool {
		_, _, fundBalance := engine.CoinBalance("USDT", trademirror.FundMain)
		return fundBalance.Cmp(big.NewFloat(1000)) == 0
	})

	service.setFault("exchange client corrupted")

	waitFor(t, "update loop termination", func() bool {
		status := engine.Status()
		return !status.Has(trademirror.StatusConnected) &&
			status.Has(trademirror.StatusError)
	})

	service.setFault("")

	// An explicit re-enable must restart the dead loop.
	waitFor(t, "reconnection", func() bool {
		if err := engine.Enable(context.Background()); err != nil {
			return false
		}
		return engine.Status().Has(trademirror.StatusConnected)
	})

	service.setBalances([]*trademirror.BalanceUpdate{
		{Coin: "USDT", Total: big.NewFloat(1500), Held: big.NewFloat(0)},
	})

	waitFor(t, "resumed balance refreshes", func() bool {
		total, _, _ := engine.CoinBalance("USDT", trademirror.FundMain)
		return total.Cmp(big.NewFloat(1500)) == 0
	})
}

func TestEngine_ReenableAfterEnableContextCancelled(t *testing.T) {
	environment := buildTestEngine(t, big.NewFloat(0), fastPeriods())

	enableCtx, cancelEnableCtx := context.WithCancel(context.Background())
	defer cancelEnableCtx()

	if err := environment.engine.Enable(enableCtx); err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}
	environment.waitForFundSeeding(t)

	cancelEnableCtx()

	waitFor(t, "update loop shutdown", func() bool {
		return !environment.engine.Status().Has(trademirror.StatusConnected)
	})

	environment.service.Deposit("USDT", big.NewFloat(500))

	waitFor(t, "restarted update loop", func() bool {
		if err := environment.engine.Enable(context.Background()); err != nil {
			return false
		}
		total, _, _ := environment.engine.CoinBalance(
			"USDT",
			trademirror.FundMain,
		)
		return total.Cmp(big.NewFloat(1500)) == 0
	})
}

func TestEngine_RestartDoesNotReapplyFills(t *testing.T) {
	environment := runTestEngine(t, big.NewFloat(0))
	environment.waitForFundSeeding(t)

	if _, err := environment.engine.PlaceOrder(
		context.Background(),
		&trademirror.Trade{
			Pair:   testPair,
			Side:   trademirror.SideBuy,
			Type:   trademirror.TypeMarket,
			Amount: big.NewFloat(100),
			Fund:   trademirror.FundMain,
		},
	); err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}

	environment.engine.Disable()

	// A fresh engine over the same history store and the same exchange
	// simulates a process restart.
	restarted, err := trademirror.RunEngine(
		context.Background(),
		environment.service.ExchangeName(),
		0,
		environment.service,
		environment.history,
		environment.events,
		&uuid.IDService{},
		&noopLogger{},
		trademirror.EngineConfig{
			Coins:         []trademirror.Coin{"BTC", "USDT"},
			ReferenceCoin: "USDT",
			FeeRate:       big.NewFloat(0),
			Periods:       fastPeriods(),
			Simulated:     true,
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}
	defer restarted.Close()

	if err := restarted.Enable(context.Background()); err != nil {
		t.Fatalf("unexpected error: [%v]", err)
	}

	// The stored fills are already reflected in the exchange balances the
	// funds reseed from; applying them again would double-count.
	waitFor(t, "fund reseeding", func() bool {
		_, _, fundBalance := restarted.CoinBalance(
			"USDT",
			trademirror.FundMain,
		)
		return fundBalance.Cmp(big.NewFloat(900)) == 0
	})

	restarted.RequestRefresh()
	time.Sleep(300 * time.Millisecond)

	assertFundBalance(t, restarted, "USDT", big.NewFloat(900))
	assertFundBalance(t, restarted, "BTC", big.NewFloat(11))
}
