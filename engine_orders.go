package trademirror

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

const (
	creatorLocal    = "local"
	creatorExchange = "exchange"
)

// enterForeground guards order placement and cancellation against
// re-entrancy. A violation is a caller bug, not a runtime condition to
// recover from, so it fails the process.
func (e *Engine) enterForeground() {
	e.foregroundMutex.Lock()
	defer e.foregroundMutex.Unlock()

	if e.foregroundBusy {
		panic(fmt.Sprintf(
			"concurrent order operation on exchange [%v]",
			e.name,
		))
	}

	e.foregroundBusy = true
}

func (e *Engine) exitForeground() {
	e.foregroundMutex.Lock()
	defer e.foregroundMutex.Unlock()

	e.foregroundBusy = false
}

// PlaceOrder validates the trade, reserves a local hold on the input coin,
// submits the trade to the exchange and integrates the result. The hold is
// released on every failure path; on success it either ends with the fill
// (fully filled) or is upgraded to an exchange-confirmed hold tagged with
// the returned order id.
func (e *Engine) PlaceOrder(
	ctx context.Context,
	trade *Trade,
) (*OrderResult, error) {
	e.enterForeground()
	defer e.exitForeground()

	if err := trade.validate(); err != nil {
		return nil, err
	}

	var publicOnly bool
	e.do(func() {
		publicOnly = e.flags.publicOnly
	})
	if publicOnly {
		return nil, fmt.Errorf(
			"could not place order on [%v]: %w",
			e.name,
			ErrForbidden,
		)
	}

	// The hold covers the full input amount. The fee is excluded as it is
	// taken from the proceeds.
	var hold *Hold
	var holdErr error
	e.do(func() {
		hold, holdErr = e.book.CreateHold(
			trade.InputCoin(),
			trade.Amount,
			trade.Fund,
			true,
		)
	})
	if holdErr != nil {
		return nil, holdErr
	}

	e.requestMutex.Lock()
	result, err := e.service.SubmitOrder(ctx, trade)
	e.requestMutex.Unlock()
	if err != nil {
		e.do(func() {
			e.book.ReleaseHold(hold)
		})
		return nil, fmt.Errorf("could not submit order: [%w]", err)
	}

	var integrateErr error
	e.do(func() {
		integrateErr = e.integrateSubmission(trade, hold, result)
	})

	e.scheduler.markDirty(
		subsystemBalances,
		subsystemOrders,
		subsystemMarketData,
	)

	if integrateErr != nil {
		return nil, integrateErr
	}

	return result, nil
}

// integrateSubmission runs on the foreground context.
func (e *Engine) integrateSubmission(
	trade *Trade,
	hold *Hold,
	result *OrderResult,
) error {
	orderID := result.OrderID
	if orderID == "" {
		// Some venues do not report ids of immediately-filled orders.
		orderID = e.ids.NewID().String()
	}

	if result.Filled {
		// No balance was ever held on the exchange side; the local hold
		// has done its job.
		defer e.book.ReleaseHold(hold)

		completed, err := e.recordFillBatch(
			orderID,
			trade.Pair,
			trade.Side,
			trade.Fund,
			result.Fills,
		)
		if err != nil {
			return err
		}

		if completed != nil {
			e.applyCompletedOrder(completed)
		}

		return nil
	}

	filled := big.NewFloat(0)
	for _, fill := range result.Fills {
		filled.Add(filled, fill.AmountIn)
	}

	now := time.Now()

	order := &Order{
		ID:        result.OrderID,
		Pair:      trade.Pair,
		Side:      trade.Side,
		Type:      trade.Type,
		AmountIn:  new(big.Float).Copy(trade.Amount),
		AmountOut: big.NewFloat(0),
		Remaining: new(big.Float).Sub(trade.Amount, filled),
		Fund:      trade.Fund,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.orders[order.ID] = order

	// Upgrading the hold prevents it from being released until the order
	// resolves; its amount shrinks to the unfilled remainder the exchange
	// actually keeps held.
	hold.Confirm(order.ID)
	hold.Amount = new(big.Float).Copy(order.Remaining)

	attribution := &OrderAttribution{
		OrderID: order.ID,
		Fund:    trade.Fund,
		Creator: creatorLocal,
	}
	e.attributions[order.ID] = attribution
	if err := e.history.CreateOrderAttribution(attribution); err != nil {
		return fmt.Errorf(
			"could not persist attribution of order [%v]: [%v]",
			order.ID,
			err,
		)
	}

	if len(result.Fills) > 0 {
		completed, err := e.recordFillBatch(
			order.ID,
			trade.Pair,
			trade.Side,
			trade.Fund,
			result.Fills,
		)
		if err != nil {
			return err
		}

		if completed != nil {
			e.applyCompletedOrder(completed)
		}
	}

	return nil
}

// CancelOrder requests cancellation from the exchange. Regardless of the
// outcome the order leaves the live set and its hold is released; for an
// exchange-confirmed hold the reported held amount is decremented
// optimistically so a new trade does not wait for the next balance poll.
func (e *Engine) CancelOrder(
	ctx context.Context,
	pair Pair,
	orderID string,
) (bool, error) {
	e.enterForeground()
	defer e.exitForeground()

	e.requestMutex.Lock()
	cancelled, err := e.service.CancelOrder(ctx, pair, orderID)
	e.requestMutex.Unlock()

	e.do(func() {
		order, exists := e.orders[orderID]
		if !exists {
			return
		}

		delete(e.orders, orderID)

		if hold := e.book.HoldForOrder(order.InputCoin(), orderID); hold != nil {
			if !hold.Local() {
				e.book.ReduceHeld(hold.Coin, hold.Amount)
			}
			e.book.ReleaseHold(hold)
		}

		delete(e.attributions, orderID)
		if deleteErr := e.history.DeleteOrderAttribution(orderID); deleteErr != nil {
			e.logger.Errorf(
				"could not delete attribution of order [%v]: [%v]",
				orderID,
				deleteErr,
			)
		}
	})

	e.scheduler.markDirty(subsystemBalances, subsystemOrders)

	if err != nil {
		return cancelled, fmt.Errorf("could not cancel order: [%w]", err)
	}

	return cancelled, nil
}

// applyOrderBookSnapshot integrates one orders-and-history refresh: records
// newly discovered fills, reconciles the live order set, and settles
// completed orders exactly once. Runs on the foreground context.
func (e *Engine) applyOrderBookSnapshot(snapshot *OrderBookSnapshot) error {
	if err := e.recordSnapshotFills(snapshot.Fills); err != nil {
		return err
	}

	e.synchroniseOrders(snapshot.LiveOrders, snapshot.Timestamp)

	// Completed orders with no live counterpart settle now; fill-level
	// deduplication makes replays a no-op.
	for orderID, completed := range e.completed {
		if _, live := e.orders[orderID]; live {
			continue
		}
		e.applyCompletedOrder(completed)
	}

	coverage := TimeRange{}
	for _, fill := range snapshot.Fills {
		coverage = coverage.Extend(fill.Time)
	}
	coverage = coverage.Extend(snapshot.Timestamp)

	if err := e.history.ExtendHistoryCoverage(coverage); err != nil {
		return fmt.Errorf("could not extend history coverage: [%v]", err)
	}

	return nil
}

// recordSnapshotFills persists fills discovered via polling, grouped by
// order. Already known fills are skipped by trade id.
func (e *Engine) recordSnapshotFills(fills []*Fill) error {
	grouped := make(map[string][]*Fill)
	order := make([]string, 0)

	for _, fill := range fills {
		if e.knownFill(fill) {
			continue
		}

		if _, exists := grouped[fill.OrderID]; !exists {
			order = append(order, fill.OrderID)
		}
		grouped[fill.OrderID] = append(grouped[fill.OrderID], fill)
	}

	for _, orderID := range order {
		orderFills := grouped[orderID]

		pair := orderFills[0].Pair
		side := orderFills[0].Side

		fund := FundMain
		if attribution, exists := e.attributions[orderID]; exists {
			fund = attribution.Fund
		}

		if _, err := e.recordFillBatch(
			orderID,
			pair,
			side,
			fund,
			orderFills,
		); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) knownFill(fill *Fill) bool {
	if e.appliedFills[fill.TradeID] {
		return true
	}

	if completed, exists := e.completed[fill.OrderID]; exists {
		for _, known := range completed.Fills {
			if known.TradeID == fill.TradeID {
				return true
			}
		}
	}

	return false
}

// recordFillBatch writes fills into the history store, creating the
// completed-order header when the order executes for the first time.
// The header and its fills are written in one all-or-nothing transaction.
// Fills whose trade id is already known are skipped: a fill returned by a
// submission may have been observed by an orders refresh that ran between
// the exchange executing the order and this call.
// Returns the in-memory completed order the fills belong to.
func (e *Engine) recordFillBatch(
	orderID string,
	pair Pair,
	side OrderSide,
	fund Fund,
	fills []*Fill,
) (*OrderCompleted, error) {
	newFills := make([]*Fill, 0, len(fills))
	for _, fill := range fills {
		fillCopy := *fill
		fillCopy.OrderID = orderID

		if e.knownFill(&fillCopy) {
			continue
		}

		newFills = append(newFills, &fillCopy)
	}

	if len(newFills) == 0 {
		return e.completed[orderID], nil
	}

	completed, exists := e.completed[orderID]
	if !exists {
		completed = &OrderCompleted{
			OrderID: orderID,
			Pair:    pair,
			Side:    side,
			Fund:    fund,
			Fills:   newFills,
		}

		if err := e.history.CreateCompletedOrder(completed); err != nil {
			return nil, fmt.Errorf(
				"could not persist completed order [%v]: [%v]",
				orderID,
				err,
			)
		}

		e.completed[orderID] = completed
		return completed, nil
	}

	if err := e.history.AppendFills(orderID, newFills); err != nil {
		return nil, fmt.Errorf(
			"could not append fills of order [%v]: [%v]",
			orderID,
			err,
		)
	}

	completed.Fills = append(completed.Fills, newFills...)

	return completed, nil
}

// applyCompletedOrder applies the order's not-yet-applied fills to its
// fund and marks them applied. The trade id is the deduplication key; this
// is what makes the synchronous submission path and the polling path safe
// to overlap.
func (e *Engine) applyCompletedOrder(completed *OrderCompleted) {
	unapplied := make([]*Fill, 0)
	for _, fill := range completed.Fills {
		if e.appliedFills[fill.TradeID] {
			continue
		}
		unapplied = append(unapplied, fill)
	}

	if len(unapplied) == 0 {
		return
	}

	e.book.ApplyCompletedOrderToFund(&OrderCompleted{
		OrderID: completed.OrderID,
		Pair:    completed.Pair,
		Side:    completed.Side,
		Fund:    completed.Fund,
		Fills:   unapplied,
	})

	for _, fill := range unapplied {
		e.appliedFills[fill.TradeID] = true
	}
}

// synchroniseOrders reconciles the previously known live orders against a
// fresh snapshot. Runs on the foreground context.
func (e *Engine) synchroniseOrders(liveOrders []*Order, timestamp time.Time) {
	snapshot := make(map[string]*Order, len(liveOrders))
	for _, order := range liveOrders {
		snapshot[order.ID] = order
	}

	for orderID, known := range e.orders {
		if _, stillLive := snapshot[orderID]; stillLive {
			continue
		}

		if known.UpdatedAt.After(timestamp) {
			// The order is newer than the snapshot; it may have been
			// placed after the snapshot was taken.
			continue
		}

		delete(e.orders, orderID)

		if hold := e.book.HoldForOrder(known.InputCoin(), orderID); hold != nil {
			e.book.ReleaseHold(hold)
		}

		if completed, exists := e.completed[orderID]; exists {
			e.applyCompletedOrder(completed)
		}

		delete(e.attributions, orderID)
		if err := e.history.DeleteOrderAttribution(orderID); err != nil {
			e.logger.Errorf(
				"could not delete attribution of order [%v]: [%v]",
				orderID,
				err,
			)
		}
	}

	for _, order := range liveOrders {
		existing, exists := e.orders[order.ID]
		if exists {
			existing.AmountOut = order.AmountOut
			existing.Remaining = order.Remaining
			existing.UpdatedAt = timestamp
		} else {
			inserted := *order
			inserted.UpdatedAt = timestamp

			if inserted.Fund == "" {
				inserted.Fund = FundMain
				if attribution, known := e.attributions[order.ID]; known {
					inserted.Fund = attribution.Fund
				}
			}

			e.orders[order.ID] = &inserted

			if _, known := e.attributions[order.ID]; !known {
				attribution := &OrderAttribution{
					OrderID: order.ID,
					Fund:    inserted.Fund,
					Creator: creatorExchange,
				}
				e.attributions[order.ID] = attribution
				if err := e.history.CreateOrderAttribution(attribution); err != nil {
					e.logger.Errorf(
						"could not persist attribution of order [%v]: [%v]",
						order.ID,
						err,
					)
				}
			}

			existing = e.orders[order.ID]
		}

		// Orders that predate this process have no hold yet; mirror the
		// exchange-side reservation with a non-local one. A known hold
		// follows the unfilled remainder so a later optimistic held
		// decrement uses the amount the exchange still keeps held.
		if hold := e.book.HoldForOrder(existing.InputCoin(), existing.ID); hold != nil {
			hold.Amount = new(big.Float).Copy(existing.Remaining)
		} else {
			hold, err := e.book.CreateHold(
				existing.InputCoin(),
				existing.Remaining,
				existing.Fund,
				false,
			)
			if err != nil {
				e.logger.Errorf(
					"could not create hold for order [%v]: [%v]",
					existing.ID,
					err,
				)
				continue
			}

			hold.Confirm(existing.ID)
		}
	}
}
