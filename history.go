package trademirror

import (
	"fmt"
	"math/big"
	"time"
)

// Fill is a single execution event against an order. Fills are immutable
// once written and are keyed by the exchange trade id, which is also the
// deduplication key for fund application.
type Fill struct {
	TradeID        string
	OrderID        string
	Pair           Pair
	Side           OrderSide
	AmountIn       *big.Float
	AmountOut      *big.Float
	Commission     *big.Float
	CommissionCoin Coin
	Time           time.Time
}

func (f *Fill) InputCoin() Coin {
	if f.Side == SideBuy {
		return f.Pair.Quote
	}
	return f.Pair.Base
}

func (f *Fill) OutputCoin() Coin {
	if f.Side == SideBuy {
		return f.Pair.Base
	}
	return f.Pair.Quote
}

// OrderCompleted is an order that has at least partially executed. The
// header is immutable; new fills may be appended while the order is still
// partially filled.
type OrderCompleted struct {
	OrderID string
	Pair    Pair
	Side    OrderSide
	Fund    Fund
	Fills   []*Fill
}

type TransferDirection int

const (
	TransferDeposit TransferDirection = iota
	TransferWithdrawal
)

func (td TransferDirection) String() string {
	switch td {
	case TransferDeposit:
		return "DEPOSIT"
	case TransferWithdrawal:
		return "WITHDRAWAL"
	default:
		panic("unknown transfer direction")
	}
}

func ParseTransferDirection(value string) (TransferDirection, error) {
	switch value {
	case "DEPOSIT":
		return TransferDeposit, nil
	case "WITHDRAWAL":
		return TransferWithdrawal, nil
	}

	return -1, fmt.Errorf("unknown transfer direction: [%v]", value)
}

type TransferStatus int

const (
	TransferPending TransferStatus = iota
	TransferCompleted
	TransferFailed
)

func (ts TransferStatus) String() string {
	switch ts {
	case TransferPending:
		return "PENDING"
	case TransferCompleted:
		return "COMPLETED"
	case TransferFailed:
		return "FAILED"
	default:
		panic("unknown transfer status")
	}
}

func ParseTransferStatus(value string) (TransferStatus, error) {
	switch value {
	case "PENDING":
		return TransferPending, nil
	case "COMPLETED":
		return TransferCompleted, nil
	case "FAILED":
		return TransferFailed, nil
	}

	return -1, fmt.Errorf("unknown transfer status: [%v]", value)
}

// Transfer is a deposit or withdrawal record, keyed by the unique
// transaction id. Transfers are append-only.
type Transfer struct {
	TxID      string
	Direction TransferDirection
	Coin      Coin
	Amount    *big.Float
	Time      time.Time
	Status    TransferStatus
}

// TimeRange is a monotonically growing coverage range. It answers "is the
// range X fully known" queries without rescanning stored records.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (tr TimeRange) IsZero() bool {
	return tr.Start.IsZero() && tr.End.IsZero()
}

// Extend grows the range so it includes t. Extension never shrinks the
// range.
func (tr TimeRange) Extend(t time.Time) TimeRange {
	if tr.IsZero() {
		return TimeRange{Start: t, End: t}
	}

	if t.Before(tr.Start) {
		tr.Start = t
	}

	if t.After(tr.End) {
		tr.End = t
	}

	return tr
}

func (tr TimeRange) Covers(start, end time.Time) bool {
	if tr.IsZero() {
		return false
	}

	return !start.Before(tr.Start) && !end.After(tr.End)
}

// OrderAttribution links a live order id to the fund and creator it belongs
// to, so orders discovered via polling after a restart can be attributed.
type OrderAttribution struct {
	OrderID string
	Fund    Fund
	Creator string
}

// HistoryRepository is the durable store behind an exchange engine: one
// logical database per exchange holding live-order attribution, completed
// orders, fills and transfers. Writes spanning a completed order and its
// fills are all-or-nothing.
type HistoryRepository interface {
	CreateOrderAttribution(attribution *OrderAttribution) error

	DeleteOrderAttribution(orderID string) error

	OrderAttributions() ([]*OrderAttribution, error)

	CreateCompletedOrder(order *OrderCompleted) error

	AppendFills(orderID string, fills []*Fill) error

	CompletedOrders() ([]*OrderCompleted, error)

	CreateTransfers(transfers []*Transfer) error

	Transfers() ([]*Transfer, error)

	HistoryCoverage() (TimeRange, error)

	TransferCoverage() (TimeRange, error)

	ExtendHistoryCoverage(coverage TimeRange) error

	ExtendTransferCoverage(coverage TimeRange) error

	Reset() error

	Close() error
}
