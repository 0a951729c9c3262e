package inmem

import (
	"fmt"
	"sync"

	"github.com/lgrabowski/trademirror"
)

// HistoryRepository is an in-memory implementation of the history store,
// used by tests and by backtest runs that do not need durability.
type HistoryRepository struct {
	mutex sync.RWMutex

	attributions     map[string]*trademirror.OrderAttribution
	completed        map[string]*trademirror.OrderCompleted
	completedIDs     []string
	transfers        map[string]*trademirror.Transfer
	transferIDs      []string
	historyCoverage  trademirror.TimeRange
	transferCoverage trademirror.TimeRange
	closed           bool
}

func NewHistoryRepository() *HistoryRepository {
	repository := &HistoryRepository{}
	repository.reset()
	return repository
}

func (hr *HistoryRepository) reset() {
	hr.attributions = make(map[string]*trademirror.OrderAttribution)
	hr.completed = make(map[string]*trademirror.OrderCompleted)
	hr.completedIDs = make([]string, 0)
	hr.transfers = make(map[string]*trademirror.Transfer)
	hr.transferIDs = make([]string, 0)
	hr.historyCoverage = trademirror.TimeRange{}
	hr.transferCoverage = trademirror.TimeRange{}
}

func (hr *HistoryRepository) CreateOrderAttribution(
	attribution *trademirror.OrderAttribution,
) error {
	hr.mutex.Lock()
	defer hr.mutex.Unlock()

	if _, exists := hr.attributions[attribution.OrderID]; exists {
		return nil
	}

	attributionCopy := *attribution
	hr.attributions[attribution.OrderID] = &attributionCopy

	return nil
}

func (hr *HistoryRepository) DeleteOrderAttribution(orderID string) error {
	hr.mutex.Lock()
	defer hr.mutex.Unlock()

	delete(hr.attributions, orderID)

	return nil
}

func (hr *HistoryRepository) OrderAttributions() (
	[]*trademirror.OrderAttribution,
	error,
) {
	hr.mutex.RLock()
	defer hr.mutex.RUnlock()

	attributions := make([]*trademirror.OrderAttribution, 0, len(hr.attributions))
	for _, attribution := range hr.attributions {
		attributionCopy := *attribution
		attributions = append(attributions, &attributionCopy)
	}

	return attributions, nil
}

func (hr *HistoryRepository) CreateCompletedOrder(
	order *trademirror.OrderCompleted,
) error {
	hr.mutex.Lock()
	defer hr.mutex.Unlock()

	if _, exists := hr.completed[order.OrderID]; exists {
		return fmt.Errorf("completed order [%v] already exists", order.OrderID)
	}

	orderCopy := *order
	orderCopy.Fills = copyFills(order.Fills)

	hr.completed[order.OrderID] = &orderCopy
	hr.completedIDs = append(hr.completedIDs, order.OrderID)

	return nil
}

func (hr *HistoryRepository) AppendFills(
	orderID string,
	fills []*trademirror.Fill,
) error {
	hr.mutex.Lock()
	defer hr.mutex.Unlock()

	order, exists := hr.completed[orderID]
	if !exists {
		return fmt.Errorf("unknown completed order: [%v]", orderID)
	}

	// All-or-nothing: reject the whole batch on a duplicate trade id.
	for _, fill := range fills {
		for _, known := range order.Fills {
			if known.TradeID == fill.TradeID {
				return fmt.Errorf("fill [%v] already exists", fill.TradeID)
			}
		}
	}

	order.Fills = append(order.Fills, copyFills(fills)...)

	return nil
}

func (hr *HistoryRepository) CompletedOrders() (
	[]*trademirror.OrderCompleted,
	error,
) {
	hr.mutex.RLock()
	defer hr.mutex.RUnlock()

	orders := make([]*trademirror.OrderCompleted, 0, len(hr.completedIDs))
	for _, orderID := range hr.completedIDs {
		order := hr.completed[orderID]
		orderCopy := *order
		orderCopy.Fills = copyFills(order.Fills)
		orders = append(orders, &orderCopy)
	}

	return orders, nil
}

func (hr *HistoryRepository) CreateTransfers(
	transfers []*trademirror.Transfer,
) error {
	hr.mutex.Lock()
	defer hr.mutex.Unlock()

	for _, transfer := range transfers {
		if _, exists := hr.transfers[transfer.TxID]; exists {
			continue
		}

		transferCopy := *transfer
		hr.transfers[transfer.TxID] = &transferCopy
		hr.transferIDs = append(hr.transferIDs, transfer.TxID)
	}

	return nil
}

func (hr *HistoryRepository) Transfers() ([]*trademirror.Transfer, error) {
	hr.mutex.RLock()
	defer hr.mutex.RUnlock()

	transfers := make([]*trademirror.Transfer, 0, len(hr.transferIDs))
	for _, txID := range hr.transferIDs {
		transferCopy := *hr.transfers[txID]
		transfers = append(transfers, &transferCopy)
	}

	return transfers, nil
}

func (hr *HistoryRepository) HistoryCoverage() (trademirror.TimeRange, error) {
	hr.mutex.RLock()
	defer hr.mutex.RUnlock()

	return hr.historyCoverage, nil
}

func (hr *HistoryRepository) TransferCoverage() (trademirror.TimeRange, error) {
	hr.mutex.RLock()
	defer hr.mutex.RUnlock()

	return hr.transferCoverage, nil
}

func (hr *HistoryRepository) ExtendHistoryCoverage(
	coverage trademirror.TimeRange,
) error {
	hr.mutex.Lock()
	defer hr.mutex.Unlock()

	if !coverage.IsZero() {
		hr.historyCoverage = hr.historyCoverage.
			Extend(coverage.Start).
			Extend(coverage.End)
	}

	return nil
}

func (hr *HistoryRepository) ExtendTransferCoverage(
	coverage trademirror.TimeRange,
) error {
	hr.mutex.Lock()
	defer hr.mutex.Unlock()

	if !coverage.IsZero() {
		hr.transferCoverage = hr.transferCoverage.
			Extend(coverage.Start).
			Extend(coverage.End)
	}

	return nil
}

func (hr *HistoryRepository) Reset() error {
	hr.mutex.Lock()
	defer hr.mutex.Unlock()

	hr.reset()

	return nil
}

func (hr *HistoryRepository) Close() error {
	hr.mutex.Lock()
	defer hr.mutex.Unlock()

	hr.closed = true

	return nil
}

func copyFills(fills []*trademirror.Fill) []*trademirror.Fill {
	copied := make([]*trademirror.Fill, 0, len(fills))
	for _, fill := range fills {
		fillCopy := *fill
		copied = append(copied, &fillCopy)
	}
	return copied
}
