package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"reconciler/internal/models"
)

// SnapshotRepository - работа с таблицей account_snapshots
//
// Таблица только дописывается: один снимок на пользователя за тик.
// Сброс пика - отдельная строка с is_reset = true.
type SnapshotRepository struct {
	db DBTX
}

// NewSnapshotRepository создает новый экземпляр репозитория
func NewSnapshotRepository(db DBTX) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Latest возвращает последний снимок пользователя или nil, если снимков нет
func (r *SnapshotRepository) Latest(ctx context.Context, userID int64) (*models.AccountSnapshot, error) {
	query := `
		SELECT id, user_id, equity, balance, margin, free_margin, peak_equity, is_reset, timestamp
		FROM account_snapshots
		WHERE user_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`

	s := &models.AccountSnapshot{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&s.ID,
		&s.UserID,
		&s.Equity,
		&s.Balance,
		&s.Margin,
		&s.FreeMargin,
		&s.PeakEquity,
		&s.IsReset,
		&s.Timestamp,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return s, nil
}

// Insert добавляет снимок
func (r *SnapshotRepository) Insert(ctx context.Context, s *models.AccountSnapshot) error {
	query := `
		INSERT INTO account_snapshots (user_id, equity, balance, margin, free_margin, peak_equity, is_reset, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	return r.db.QueryRowContext(ctx, query,
		s.UserID,
		s.Equity,
		s.Balance,
		s.Margin,
		s.FreeMargin,
		s.PeakEquity,
		s.IsReset,
		s.Timestamp,
	).Scan(&s.ID)
}
