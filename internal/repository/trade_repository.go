package repository

import (
	"context"
	"database/sql"
	"errors"

	"reconciler/internal/models"
)

// Ошибки репозитория сделок
var (
	ErrTradeNotOpen = errors.New("trade not found or already closed")
)

// TradeRepository - работа с таблицей tracked_trades
//
// Сверка только читает сделки. Единственная запись - MarkClosed
// после подтверждённого закрытия у брокера.
type TradeRepository struct {
	db DBTX
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db DBTX) *TradeRepository {
	return &TradeRepository{db: db}
}

const tradeColumns = `id, user_id, symbol, side, volume, expected_entry, stop_loss, take_profit, status,
	broker_ticket, created_at, close_price, realized_pnl, close_reason, closed_at`

// LoadOpenTrades возвращает OPEN сделки пользователя в порядке создания.
// PENDING ещё не исполнены брокером и в сверку не попадают.
func (r *TradeRepository) LoadOpenTrades(ctx context.Context, userID int64) ([]*models.TrackedTrade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM tracked_trades
		WHERE user_id = $1 AND status = 'OPEN'
		ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*models.TrackedTrade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}

	return trades, rows.Err()
}

// MarkClosed переводит сделку в CLOSED с данными закрытия
func (r *TradeRepository) MarkClosed(ctx context.Context, tradeID int64, info models.CloseInfo) error {
	query := `
		UPDATE tracked_trades
		SET status = 'CLOSED', close_price = $2, realized_pnl = $3, close_reason = $4, closed_at = $5
		WHERE id = $1 AND status <> 'CLOSED'`

	result, err := r.db.ExecContext(ctx, query, tradeID, info.ClosePrice, info.RealizedPnL, info.Reason, info.ClosedAt)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTradeNotOpen
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (*models.TrackedTrade, error) {
	var (
		trade       models.TrackedTrade
		ticket      sql.NullString
		closePrice  sql.NullFloat64
		realizedPnL sql.NullFloat64
		closedAt    sql.NullTime
	)

	err := row.Scan(
		&trade.ID,
		&trade.UserID,
		&trade.Symbol,
		&trade.Side,
		&trade.Volume,
		&trade.ExpectedEntry,
		&trade.StopLoss,
		&trade.TakeProfit,
		&trade.Status,
		&ticket,
		&trade.CreatedAt,
		&closePrice,
		&realizedPnL,
		&trade.CloseReason,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}

	trade.BrokerTicket = stringPtr(ticket)
	trade.ClosePrice = float64Ptr(closePrice)
	trade.RealizedPnL = float64Ptr(realizedPnL)
	trade.ClosedAt = timePtr(closedAt)

	return &trade, nil
}
