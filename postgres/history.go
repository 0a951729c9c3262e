package postgres

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lgrabowski/trademirror"
)

// HistoryRepository is the durable history store of a single exchange. All
// tables are keyed by exchange name, which gives every exchange its own
// logical database inside one postgres instance.
type HistoryRepository struct {
	client   *Client
	exchange string
}

func NewHistoryRepository(client *Client, exchange string) *HistoryRepository {
	return &HistoryRepository{
		client:   client,
		exchange: exchange,
	}
}

func (hr *HistoryRepository) CreateOrderAttribution(
	attribution *trademirror.OrderAttribution,
) error {
	query := `INSERT INTO
		order_attribution (exchange, order_id, fund, creator)
		VALUES (:exchange, :order_id, :fund, :creator)
		ON CONFLICT (exchange, order_id) DO NOTHING`

	_, err := hr.client.instance().NamedExec(
		query,
		newAttributionRow(hr.exchange, attribution),
	)
	if err != nil {
		return fmt.Errorf(
			"could not execute command for attribution [%v]: [%v]",
			attribution.OrderID,
			err,
		)
	}

	return nil
}

func (hr *HistoryRepository) DeleteOrderAttribution(orderID string) error {
	query := `DELETE FROM order_attribution
		WHERE exchange = $1 AND order_id = $2`

	_, err := hr.client.instance().Exec(query, hr.exchange, orderID)
	if err != nil {
		return fmt.Errorf(
			"could not execute command for attribution [%v]: [%v]",
			orderID,
			err,
		)
	}

	return nil
}

func (hr *HistoryRepository) OrderAttributions() (
	[]*trademirror.OrderAttribution,
	error,
) {
	var rows []attributionRow

	query := `SELECT exchange, order_id, fund, creator
		FROM order_attribution WHERE exchange = $1`

	err := hr.client.instance().Select(&rows, query, hr.exchange)
	if err != nil {
		return nil, fmt.Errorf("could not execute query: [%v]", err)
	}

	attributions := make([]*trademirror.OrderAttribution, 0, len(rows))
	for _, row := range rows {
		attributions = append(attributions, row.unwrap())
	}

	return attributions, nil
}

// CreateCompletedOrder writes the completed-order header and all of its
// fills in one transaction; either everything is stored or nothing is.
func (hr *HistoryRepository) CreateCompletedOrder(
	order *trademirror.OrderCompleted,
) error {
	tx, err := hr.client.instance().Beginx()
	if err != nil {
		return fmt.Errorf("could not begin transaction: [%v]", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	headerQuery := `INSERT INTO
		completed_order (exchange, order_id, pair, side, fund)
		VALUES (:exchange, :order_id, :pair, :side, :fund)`

	if _, err := tx.NamedExec(
		headerQuery,
		newCompletedOrderRow(hr.exchange, order),
	); err != nil {
		return fmt.Errorf(
			"could not execute command for order [%v]: [%v]",
			order.OrderID,
			err,
		)
	}

	for _, fill := range order.Fills {
		if err := insertFill(tx, hr.exchange, fill); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: [%v]", err)
	}

	return nil
}

// AppendFills adds fills to an already stored, partially filled order,
// all-or-nothing.
func (hr *HistoryRepository) AppendFills(
	orderID string,
	fills []*trademirror.Fill,
) error {
	tx, err := hr.client.instance().Beginx()
	if err != nil {
		return fmt.Errorf("could not begin transaction: [%v]", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, fill := range fills {
		if err := insertFill(tx, hr.exchange, fill); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: [%v]", err)
	}

	return nil
}

func insertFill(tx *sqlx.Tx, exchange string, fill *trademirror.Fill) error {
	query := `INSERT INTO
		order_fill (exchange, trade_id, order_id, pair, side, amount_in,
		            amount_out, commission, commission_coin, time)
		VALUES (:exchange, :trade_id, :order_id, :pair, :side, :amount_in,
		        :amount_out, :commission, :commission_coin, :time)`

	row, err := newFillRow(exchange, fill)
	if err != nil {
		return fmt.Errorf(
			"could not convert fill [%v] to pg row: [%v]",
			fill.TradeID,
			err,
		)
	}

	if _, err := tx.NamedExec(query, row); err != nil {
		return fmt.Errorf(
			"could not execute command for fill [%v]: [%v]",
			fill.TradeID,
			err,
		)
	}

	return nil
}

func (hr *HistoryRepository) CompletedOrders() (
	[]*trademirror.OrderCompleted,
	error,
) {
	var selectResult []struct {
		completedOrderRow `db:"completed_order"`
		fillRow           `db:"fill"`
	}

	query := `SELECT
			o.exchange "completed_order.exchange",
			o.order_id "completed_order.order_id",
			o.pair "completed_order.pair",
			o.side "completed_order.side",
			o.fund "completed_order.fund",
			f.exchange "fill.exchange",
			f.trade_id "fill.trade_id",
			f.order_id "fill.order_id",
			f.pair "fill.pair",
			f.side "fill.side",
			f.amount_in "fill.amount_in",
			f.amount_out "fill.amount_out",
			f.commission "fill.commission",
			f.commission_coin "fill.commission_coin",
			f.time "fill.time"
		FROM completed_order o
		JOIN order_fill f
			ON f.exchange = o.exchange AND f.order_id = o.order_id
		WHERE o.exchange = $1
		ORDER BY f.time ASC`

	err := hr.client.instance().Select(&selectResult, query, hr.exchange)
	if err != nil {
		return nil, fmt.Errorf("could not execute query: [%v]", err)
	}

	ordersByID := make(map[string]*trademirror.OrderCompleted)
	orderIDs := make([]string, 0)

	for _, result := range selectResult {
		fill, err := result.fillRow.unwrap()
		if err != nil {
			return nil, fmt.Errorf(
				"could not convert fill [%v] from pg row: [%v]",
				result.fillRow.TradeID,
				err,
			)
		}

		order, exists := ordersByID[result.completedOrderRow.OrderID]
		if !exists {
			order, err = result.completedOrderRow.unwrap()
			if err != nil {
				return nil, fmt.Errorf(
					"could not convert order [%v] from pg row: [%v]",
					result.completedOrderRow.OrderID,
					err,
				)
			}

			ordersByID[order.OrderID] = order
			orderIDs = append(orderIDs, order.OrderID)
		}

		order.Fills = append(order.Fills, fill)
	}

	orders := make([]*trademirror.OrderCompleted, 0, len(orderIDs))
	for _, orderID := range orderIDs {
		orders = append(orders, ordersByID[orderID])
	}

	return orders, nil
}

func (hr *HistoryRepository) CreateTransfers(
	transfers []*trademirror.Transfer,
) error {
	query := `INSERT INTO
		transfer (exchange, tx_id, direction, coin, amount, time, status)
		VALUES (:exchange, :tx_id, :direction, :coin, :amount, :time, :status)
		ON CONFLICT (exchange, tx_id) DO NOTHING`

	for _, transfer := range transfers {
		row, err := newTransferRow(hr.exchange, transfer)
		if err != nil {
			return fmt.Errorf(
				"could not convert transfer [%v] to pg row: [%v]",
				transfer.TxID,
				err,
			)
		}

		if _, err := hr.client.instance().NamedExec(query, row); err != nil {
			return fmt.Errorf(
				"could not execute command for transfer [%v]: [%v]",
				transfer.TxID,
				err,
			)
		}
	}

	return nil
}

func (hr *HistoryRepository) Transfers() ([]*trademirror.Transfer, error) {
	var rows []transferRow

	query := `SELECT exchange, tx_id, direction, coin, amount, time, status
		FROM transfer WHERE exchange = $1 ORDER BY time ASC`

	err := hr.client.instance().Select(&rows, query, hr.exchange)
	if err != nil {
		return nil, fmt.Errorf("could not execute query: [%v]", err)
	}

	transfers := make([]*trademirror.Transfer, 0, len(rows))
	for _, row := range rows {
		transfer, err := row.unwrap()
		if err != nil {
			return nil, fmt.Errorf(
				"could not convert transfer [%v] from pg row: [%v]",
				row.TxID,
				err,
			)
		}

		transfers = append(transfers, transfer)
	}

	return transfers, nil
}

const (
	coverageKindHistory  = "history"
	coverageKindTransfer = "transfer"
)

func (hr *HistoryRepository) HistoryCoverage() (trademirror.TimeRange, error) {
	return hr.coverage(coverageKindHistory)
}

func (hr *HistoryRepository) TransferCoverage() (trademirror.TimeRange, error) {
	return hr.coverage(coverageKindTransfer)
}

func (hr *HistoryRepository) ExtendHistoryCoverage(
	coverage trademirror.TimeRange,
) error {
	return hr.extendCoverage(coverageKindHistory, coverage)
}

func (hr *HistoryRepository) ExtendTransferCoverage(
	coverage trademirror.TimeRange,
) error {
	return hr.extendCoverage(coverageKindTransfer, coverage)
}

func (hr *HistoryRepository) coverage(
	kind string,
) (trademirror.TimeRange, error) {
	var row struct {
		StartTime time.Time `db:"start_time"`
		EndTime   time.Time `db:"end_time"`
	}

	query := `SELECT start_time, end_time FROM coverage
		WHERE exchange = $1 AND kind = $2`

	err := hr.client.instance().Get(&row, query, hr.exchange, kind)
	if err != nil {
		if isNoRows(err) {
			return trademirror.TimeRange{}, nil
		}

		return trademirror.TimeRange{}, fmt.Errorf(
			"could not execute query: [%v]",
			err,
		)
	}

	return trademirror.TimeRange{Start: row.StartTime, End: row.EndTime}, nil
}

// extendCoverage grows the stored range monotonically; an upsert keeps it
// correct without a read-modify-write cycle.
func (hr *HistoryRepository) extendCoverage(
	kind string,
	coverage trademirror.TimeRange,
) error {
	if coverage.IsZero() {
		return nil
	}

	query := `INSERT INTO coverage (exchange, kind, start_time, end_time)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (exchange, kind) DO UPDATE SET
			start_time = LEAST(coverage.start_time, EXCLUDED.start_time),
			end_time = GREATEST(coverage.end_time, EXCLUDED.end_time)`

	_, err := hr.client.instance().Exec(
		query,
		hr.exchange,
		kind,
		coverage.Start,
		coverage.End,
	)
	if err != nil {
		return fmt.Errorf("could not execute command: [%v]", err)
	}

	return nil
}

// Reset wipes the exchange's history, used when entering backtest mode.
// Deleting completed orders cascades onto their fills.
func (hr *HistoryRepository) Reset() error {
	tx, err := hr.client.instance().Beginx()
	if err != nil {
		return fmt.Errorf("could not begin transaction: [%v]", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, query := range []string{
		`DELETE FROM completed_order WHERE exchange = $1`,
		`DELETE FROM order_attribution WHERE exchange = $1`,
		`DELETE FROM transfer WHERE exchange = $1`,
		`DELETE FROM coverage WHERE exchange = $1`,
	} {
		if _, err := tx.Exec(query, hr.exchange); err != nil {
			return fmt.Errorf("could not execute command: [%v]", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: [%v]", err)
	}

	return nil
}

// Close is a no-op; the underlying client is shared between exchanges and
// closed together with its context.
func (hr *HistoryRepository) Close() error {
	return nil
}
