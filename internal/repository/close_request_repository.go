package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reconciler/internal/models"
)

// Ошибки репозитория запросов закрытия
var (
	ErrCloseRequestNotFound = errors.New("close request not found")
	ErrPendingCloseExists   = errors.New("pending close request already exists for ticket")
)

// CloseRequestRepository - работа с таблицей close_requests
type CloseRequestRepository struct {
	db DBTX
}

// NewCloseRequestRepository создает новый экземпляр репозитория
func NewCloseRequestRepository(db DBTX) *CloseRequestRepository {
	return &CloseRequestRepository{db: db}
}

const closeRequestColumns = `id, ticket, trade_id, user_id, reason, idempotency_key, result, attempts, last_error,
	requested_at, executed_at`

// Insert создаёт запрос
//
// Второй PENDING на тот же тикет отклоняется индексом -> ErrPendingCloseExists.
func (r *CloseRequestRepository) Insert(ctx context.Context, req *models.CloseRequest) error {
	query := `
		INSERT INTO close_requests (ticket, trade_id, user_id, reason, idempotency_key, result, attempts, last_error, requested_at, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}

	err := r.db.QueryRowContext(ctx, query,
		req.Ticket,
		req.TradeID,
		req.UserID,
		req.Reason,
		req.IdempotencyKey,
		req.Result,
		req.Attempts,
		req.LastError,
		req.RequestedAt,
		req.ExecutedAt,
	).Scan(&req.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPendingCloseExists
		}
		return err
	}
	return nil
}

// Update сохраняет результат выполнения
func (r *CloseRequestRepository) Update(ctx context.Context, req *models.CloseRequest) error {
	query := `
		UPDATE close_requests
		SET result = $2, attempts = $3, last_error = $4, executed_at = $5
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, req.ID, req.Result, req.Attempts, req.LastError, req.ExecutedAt)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCloseRequestNotFound
	}
	return nil
}

// GetPending возвращает PENDING запрос по тикету или nil
func (r *CloseRequestRepository) GetPending(ctx context.Context, ticket string) (*models.CloseRequest, error) {
	query := `
		SELECT ` + closeRequestColumns + `
		FROM close_requests
		WHERE ticket = $1 AND result = 'PENDING'`

	req, err := scanCloseRequest(r.db.QueryRowContext(ctx, query, ticket))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return req, nil
}

// GetByID возвращает запрос по ID
func (r *CloseRequestRepository) GetByID(ctx context.Context, id int64) (*models.CloseRequest, error) {
	query := `
		SELECT ` + closeRequestColumns + `
		FROM close_requests
		WHERE id = $1`

	req, err := scanCloseRequest(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCloseRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

// List возвращает запросы (опционально по результату), новые первыми
func (r *CloseRequestRepository) List(ctx context.Context, result string, limit int) ([]*models.CloseRequest, error) {
	query := `SELECT ` + closeRequestColumns + ` FROM close_requests`
	args := []interface{}{}
	if result != "" {
		args = append(args, result)
		query += ` WHERE result = $1`
	}
	args = append(args, clampLimit(limit))
	query += fmt.Sprintf(` ORDER BY requested_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.CloseRequest
	for rows.Next() {
		req, err := scanCloseRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanCloseRequest(row rowScanner) (*models.CloseRequest, error) {
	var (
		req        models.CloseRequest
		tradeID    sql.NullInt64
		executedAt sql.NullTime
	)

	err := row.Scan(
		&req.ID,
		&req.Ticket,
		&tradeID,
		&req.UserID,
		&req.Reason,
		&req.IdempotencyKey,
		&req.Result,
		&req.Attempts,
		&req.LastError,
		&req.RequestedAt,
		&executedAt,
	)
	if err != nil {
		return nil, err
	}

	req.TradeID = int64Ptr(tradeID)
	req.ExecutedAt = timePtr(executedAt)
	return &req, nil
}
