package trademirror

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

const (
	engineTick       = 100 * time.Millisecond
	rateLimitBackoff = 5 * time.Second
)

// EngineConfig carries the per-exchange settings an engine is constructed
// with.
type EngineConfig struct {
	Coins         []Coin
	ReferenceCoin Coin
	FeeRate       *big.Float
	Periods       RefreshPeriods
	Disabled      bool
	Simulated     bool
}

type engineFlags struct {
	connected  bool
	errorFlag  bool
	publicOnly bool
	simulated  bool
	stopped    bool
}

// Engine keeps the local mirror of one exchange consistent with the
// exchange's authoritative state. All mutation of balances, orders, history
// and transfers happens on a single foreground execution context (the task
// goroutine); the background update loop only fetches external state and
// hands immutable result batches over for integration.
type Engine struct {
	name    string
	ordinal int
	config  EngineConfig

	logger  Logger
	service ExchangeService
	history HistoryRepository
	events  EventService
	ids     IDService

	scheduler *scheduler

	runCtx    context.Context
	cancelRun context.CancelFunc
	tasks     chan func()

	loopMutex  sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	foregroundMutex sync.Mutex
	foregroundBusy  bool

	// requestMutex serializes all collaborator calls for this exchange.
	// Signed-request nonces require strict per-exchange ordering, so a
	// foreground submission must never overlap an in-flight refresh.
	requestMutex sync.Mutex

	// State below is confined to the task goroutine.
	flags        engineFlags
	book         *BalanceBook
	orders       map[string]*Order
	pairs        []Pair
	prices       map[Pair]*big.Float
	completed    map[string]*OrderCompleted
	transfers    map[string]*Transfer
	attributions map[string]*OrderAttribution
	appliedFills map[string]bool
	netWorth     *big.Float
}

// RunEngine constructs an engine for one exchange, reloads its history
// store into memory, and starts the foreground task goroutine. The engine
// is not polling yet; call Enable to start the background update loop.
func RunEngine(
	ctx context.Context,
	name string,
	ordinal int,
	service ExchangeService,
	history HistoryRepository,
	events EventService,
	ids IDService,
	logger Logger,
	config EngineConfig,
) (*Engine, error) {
	if config.ReferenceCoin == "" {
		return nil, fmt.Errorf("reference coin is not set")
	}

	if config.FeeRate == nil {
		config.FeeRate = big.NewFloat(0)
	}

	runCtx, cancelRun := context.WithCancel(ctx)

	engine := &Engine{
		name:      name,
		ordinal:   ordinal,
		config:    config,
		logger:    logger.WithField("exchange", name),
		service:   service,
		history:   history,
		events:    events,
		ids:       ids,
		scheduler: newScheduler(config.Periods),
		runCtx:    runCtx,
		cancelRun: cancelRun,
		tasks:     make(chan func()),
		flags: engineFlags{
			simulated: config.Simulated,
			stopped:   config.Disabled,
		},
		book:         NewBalanceBook(ids),
		orders:       make(map[string]*Order),
		prices:       make(map[Pair]*big.Float),
		completed:    make(map[string]*OrderCompleted),
		transfers:    make(map[string]*Transfer),
		attributions: make(map[string]*OrderAttribution),
		appliedFills: make(map[string]bool),
		netWorth:     big.NewFloat(0),
	}

	if err := engine.loadHistory(); err != nil {
		cancelRun()
		return nil, fmt.Errorf("could not load history store: [%v]", err)
	}

	go engine.runTasks()

	return engine, nil
}

func (e *Engine) Name() string {
	return e.name
}

// Ordinal is the engine's registry-assigned identity, stable for the
// process lifetime.
func (e *Engine) Ordinal() int {
	return e.ordinal
}

// runTasks is the foreground execution context: every state mutation runs
// here, one task at a time.
func (e *Engine) runTasks() {
	for {
		select {
		case task := <-e.tasks:
			task()
		case <-e.runCtx.Done():
			return
		}
	}
}

// do runs fn on the foreground execution context and waits for it to
// complete. During shutdown the task may be abandoned before running.
func (e *Engine) do(fn func()) {
	done := make(chan struct{})

	task := func() {
		fn()
		close(done)
	}

	select {
	case e.tasks <- task:
		select {
		case <-done:
		case <-e.runCtx.Done():
		}
	case <-e.runCtx.Done():
	}
}

// loadHistory reloads the durable store into the in-memory collections.
// Fills already stored are marked as applied: they are reflected in the
// exchange-reported balances by now and must not be re-applied to funds.
func (e *Engine) loadHistory() error {
	completedOrders, err := e.history.CompletedOrders()
	if err != nil {
		return fmt.Errorf("could not read completed orders: [%v]", err)
	}

	for _, order := range completedOrders {
		e.completed[order.OrderID] = order
		for _, fill := range order.Fills {
			e.appliedFills[fill.TradeID] = true
		}
	}

	transfers, err := e.history.Transfers()
	if err != nil {
		return fmt.Errorf("could not read transfers: [%v]", err)
	}

	for _, transfer := range transfers {
		e.transfers[transfer.TxID] = transfer
	}

	attributions, err := e.history.OrderAttributions()
	if err != nil {
		return fmt.Errorf("could not read order attributions: [%v]", err)
	}

	for _, attribution := range attributions {
		e.attributions[attribution.OrderID] = attribution
	}

	e.logger.Infof(
		"history store loaded: [%v] completed orders, [%v] transfers, "+
			"[%v] live-order attributions",
		len(e.completed),
		len(e.transfers),
		len(e.attributions),
	)

	return nil
}

// Enable starts the background update loop. It fails if the exchange is
// administratively disabled. Enabling an already enabled engine is a no-op.
func (e *Engine) Enable(ctx context.Context) error {
	var stopped bool
	e.do(func() {
		stopped = e.flags.stopped
	})

	if stopped {
		return fmt.Errorf("could not enable [%v]: %w", e.name, ErrExchangeDisabled)
	}

	e.loopMutex.Lock()
	defer e.loopMutex.Unlock()

	if e.loopCancel != nil {
		e.logger.Warningf("update loop is already running")
		return nil
	}

	loopCtx, cancelLoopCtx := context.WithCancel(ctx)
	e.loopCancel = cancelLoopCtx
	e.loopDone = make(chan struct{})

	e.do(func() {
		e.setFlags(func(flags *engineFlags) {
			flags.connected = true
			flags.errorFlag = false
		})
	})

	e.scheduler.markDirty(allSubsystems...)

	go e.loop(loopCtx, e.loopDone)

	e.logger.Infof("update loop enabled")

	return nil
}

// Disable signals cancellation, wakes the loop early and joins it. No
// refresh is in flight once Disable returns.
func (e *Engine) Disable() {
	e.loopMutex.Lock()
	defer e.loopMutex.Unlock()

	if e.loopCancel == nil {
		return
	}

	e.loopCancel()
	<-e.loopDone
	e.loopCancel = nil
	e.loopDone = nil

	e.do(func() {
		e.setFlags(func(flags *engineFlags) {
			flags.connected = false
		})
	})

	e.logger.Infof("update loop disabled")
}

// Close disables the engine, stops the foreground context and closes the
// history store.
func (e *Engine) Close() {
	e.Disable()
	e.cancelRun()

	if err := e.history.Close(); err != nil {
		e.logger.Errorf("could not close history store: [%v]", err)
	}
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		panicValue := recover()
		if panicValue != nil {
			e.logger.Errorf(
				"update loop terminated by unrecoverable fault: [%v]",
				panicValue,
			)
		}

		e.do(func() {
			e.setFlags(func(flags *engineFlags) {
				flags.connected = false
				if panicValue != nil {
					flags.errorFlag = true
				}
			})
		})

		close(done)

		// A dead loop must not block a later Enable. Disable clears the
		// state itself while holding the mutex, so only claim it when it
		// still belongs to this loop.
		e.loopMutex.Lock()
		if e.loopDone == done {
			e.loopCancel = nil
			e.loopDone = nil
		}
		e.loopMutex.Unlock()
	}()

	ticker := time.NewTicker(engineTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-e.scheduler.wakeChan():
		case <-ctx.Done():
			return
		}

		for _, sub := range e.scheduler.due(time.Now()) {
			if ctx.Err() != nil {
				return
			}

			if e.skippedWhenPublicOnly(sub) {
				e.scheduler.noteRun(sub, time.Now())
				continue
			}

			err := e.refresh(ctx, sub)
			e.scheduler.noteRun(sub, time.Now())

			if err != nil {
				e.classifyRefreshError(sub, err)
				continue
			}

			e.do(func() {
				e.setFlags(func(flags *engineFlags) {
					flags.errorFlag = false
				})
			})
		}
	}
}

// skippedWhenPublicOnly tells whether the subsystem needs trading
// permissions, which a public-only engine no longer has.
func (e *Engine) skippedWhenPublicOnly(sub subsystem) bool {
	var publicOnly bool
	e.do(func() {
		publicOnly = e.flags.publicOnly
	})

	if !publicOnly {
		return false
	}

	switch sub {
	case subsystemBalances, subsystemOrders, subsystemTransfers:
		return true
	default:
		return false
	}
}

func (e *Engine) refresh(ctx context.Context, sub subsystem) error {
	e.requestMutex.Lock()
	defer e.requestMutex.Unlock()

	switch sub {
	case subsystemPairs:
		return e.refreshPairs(ctx)
	case subsystemBalances:
		return e.refreshBalances(ctx)
	case subsystemMarketData:
		return e.refreshMarketData(ctx)
	case subsystemOrders:
		return e.refreshOrders(ctx)
	case subsystemTransfers:
		return e.refreshTransfers(ctx)
	default:
		panic("unknown subsystem")
	}
}

// classifyRefreshError maps a failed refresh onto the engine's status
// flags. Background failures never surface as user-facing errors; they
// become status and log state.
func (e *Engine) classifyRefreshError(sub subsystem, err error) {
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		e.logger.Warningf(
			"[%v] refresh rate limited, backing off: [%v]",
			sub,
			err,
		)
		e.scheduler.backoff(sub, rateLimitBackoff)
		e.do(func() {
			e.setFlags(func(flags *engineFlags) {
				flags.errorFlag = true
			})
		})
	case errors.Is(err, ErrForbidden):
		e.logger.Warningf(
			"[%v] refresh forbidden, downgrading to public-only mode: [%v]",
			sub,
			err,
		)
		e.do(func() {
			e.setFlags(func(flags *engineFlags) {
				flags.publicOnly = true
			})
		})
	case errors.Is(err, ErrServiceUnavailable):
		e.logger.Warningf("[%v] refresh hit exchange outage: [%v]", sub, err)
	default:
		e.logger.Errorf("[%v] refresh failed: [%v]", sub, err)
		e.do(func() {
			e.setFlags(func(flags *engineFlags) {
				flags.errorFlag = true
			})
		})
	}
}

func (e *Engine) refreshPairs(ctx context.Context) error {
	pairs, err := e.service.FetchPairs(ctx, e.config.Coins)
	if err != nil {
		return fmt.Errorf("could not fetch pairs: [%w]", err)
	}

	e.do(func() {
		e.pairs = pairs
	})

	return nil
}

func (e *Engine) refreshBalances(ctx context.Context) error {
	updates, err := e.service.FetchBalances(ctx, e.config.Coins)
	if err != nil {
		return fmt.Errorf("could not fetch balances: [%w]", err)
	}

	timestamp := time.Now()

	e.do(func() {
		for _, update := range updates {
			e.book.ApplyExchangeUpdate(
				update.Coin,
				update.Total,
				update.Held,
				timestamp,
			)
		}

		e.refreshNetWorth()
	})

	return nil
}

func (e *Engine) refreshMarketData(ctx context.Context) error {
	var pairs []Pair
	e.do(func() {
		pairs = e.pairs
	})

	if len(pairs) == 0 {
		return nil
	}

	updates, err := e.service.FetchMarketData(ctx, pairs)
	if err != nil {
		return fmt.Errorf("could not fetch market data: [%w]", err)
	}

	e.do(func() {
		for _, update := range updates {
			e.prices[update.Pair] = update.Price
		}

		e.refreshNetWorth()
	})

	return nil
}

func (e *Engine) refreshOrders(ctx context.Context) error {
	snapshot, err := e.service.FetchOrdersAndHistory(ctx, e.config.Coins)
	if err != nil {
		return fmt.Errorf("could not fetch orders and history: [%w]", err)
	}

	var applyErr error
	e.do(func() {
		applyErr = e.applyOrderBookSnapshot(snapshot)
	})

	return applyErr
}

func (e *Engine) refreshTransfers(ctx context.Context) error {
	transfers, err := e.service.FetchTransfers(ctx, e.config.Coins)
	if err != nil {
		return fmt.Errorf("could not fetch transfers: [%w]", err)
	}

	timestamp := time.Now()

	var applyErr error
	e.do(func() {
		newTransfers := make([]*Transfer, 0)
		for _, transfer := range transfers {
			if _, known := e.transfers[transfer.TxID]; known {
				continue
			}

			e.transfers[transfer.TxID] = transfer
			newTransfers = append(newTransfers, transfer)
		}

		if len(newTransfers) > 0 {
			if err := e.history.CreateTransfers(newTransfers); err != nil {
				applyErr = fmt.Errorf(
					"could not persist transfers: [%v]",
					err,
				)
				return
			}
		}

		coverage := TimeRange{}
		for _, transfer := range newTransfers {
			coverage = coverage.Extend(transfer.Time)
		}
		coverage = coverage.Extend(timestamp)

		if err := e.history.ExtendTransferCoverage(coverage); err != nil {
			applyErr = fmt.Errorf(
				"could not extend transfer coverage: [%v]",
				err,
			)
		}
	})

	return applyErr
}

// refreshNetWorth recomputes the sum of all fund balances valued in the
// reference coin. Runs on the foreground context.
func (e *Engine) refreshNetWorth() {
	netWorth := big.NewFloat(0)

	for _, coin := range e.book.Coins() {
		balance := e.book.Balance(coin)

		total := big.NewFloat(0)
		for fund := range balance.funds {
			total.Add(total, balance.funds[fund])
		}

		price, known := e.referencePrice(coin)
		if !known {
			continue
		}

		netWorth.Add(netWorth, new(big.Float).Mul(total, price))
	}

	if netWorth.Cmp(e.netWorth) != 0 {
		e.netWorth = netWorth
		e.publish(NewNetWorthChangedEvent(
			e.name,
			e.config.ReferenceCoin,
			netWorth,
		))
	}
}

func (e *Engine) referencePrice(coin Coin) (*big.Float, bool) {
	if coin == e.config.ReferenceCoin {
		return big.NewFloat(1), true
	}

	if price, exists := e.prices[Pair{Base: coin, Quote: e.config.ReferenceCoin}]; exists {
		return price, true
	}

	return nil, false
}

// setFlags applies a flag mutation and, when the derived status bitmask
// changed, publishes a change notification. Runs on the foreground context.
func (e *Engine) setFlags(update func(*engineFlags)) {
	previous := e.flags.status()
	update(&e.flags)
	current := e.flags.status()

	if current != previous {
		e.logger.Infof("status changed to [%v]", current)
		e.publish(NewStatusChangedEvent(e.name, current))
	}
}

func (ef engineFlags) status() Status {
	var status Status

	if ef.connected {
		status |= StatusConnected
	}
	if ef.simulated {
		status |= StatusSimulated
	}
	if ef.errorFlag {
		status |= StatusError
	}
	if ef.publicOnly {
		status |= StatusPublicOnly
	}
	if ef.stopped {
		status |= StatusStopped
	}

	return status
}

func (e *Engine) publish(event *Event) {
	if e.events == nil {
		return
	}

	e.events.Publish(event)
}

// Status returns the current status bitmask.
func (e *Engine) Status() Status {
	var status Status
	e.do(func() {
		status = e.flags.status()
	})
	return status
}

// NetWorth returns the last computed net worth in the reference coin.
func (e *Engine) NetWorth() *big.Float {
	netWorth := big.NewFloat(0)
	e.do(func() {
		netWorth = new(big.Float).Copy(e.netWorth)
	})
	return netWorth
}

// Orders returns a snapshot of the live order set.
func (e *Engine) Orders() []*Order {
	var orders []*Order
	e.do(func() {
		orders = make([]*Order, 0, len(e.orders))
		for _, order := range e.orders {
			orderCopy := *order
			orders = append(orders, &orderCopy)
		}
	})
	return orders
}

// CoinBalance returns the exchange-reported total and held amounts together
// with the given fund's allocation for a coin.
func (e *Engine) CoinBalance(
	coin Coin,
	fund Fund,
) (total, held, fundBalance *big.Float) {
	e.do(func() {
		balance := e.book.Balance(coin)
		total = new(big.Float).Copy(balance.Total)
		held = new(big.Float).Copy(balance.Held)
		fundBalance = balance.FundBalance(fund)
	})
	return total, held, fundBalance
}

// LastUpdated returns the time the given subsystem was last refreshed.
func (e *Engine) LastUpdated() map[string]time.Time {
	timestamps := make(map[string]time.Time)
	for _, sub := range allSubsystems {
		timestamps[sub.String()] = e.scheduler.lastRun(sub)
	}
	return timestamps
}

// RequestRefresh sets the dirty flag of every subsystem so the next loop
// wake refreshes out of schedule.
func (e *Engine) RequestRefresh() {
	e.scheduler.markDirty(allSubsystems...)
}
