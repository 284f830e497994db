package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"reconciler/internal/models"
)

// AlertRepository - работа с таблицей guard_alerts
//
// На (user_id, kind, symbol) может быть не более одного открытого алерта
// (частичный уникальный индекс WHERE resolved_at IS NULL).
type AlertRepository struct {
	db DBTX
}

// NewAlertRepository создает новый экземпляр репозитория
func NewAlertRepository(db DBTX) *AlertRepository {
	return &AlertRepository{db: db}
}

// AlertFilter фильтр выборки алертов для API
type AlertFilter struct {
	UserID   *int64
	OpenOnly bool
	Limit    int
}

const alertColumns = `id, user_id, kind, symbol, level, metric_value, recovery_streak, resolution,
	triggered_at, updated_at, resolved_at`

// Latest возвращает последний алерт (открытый или закрытый) или nil
func (r *AlertRepository) Latest(ctx context.Context, userID int64, kind models.GuardKind, symbol string) (*models.GuardAlert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM guard_alerts
		WHERE user_id = $1 AND kind = $2 AND symbol = $3
		ORDER BY triggered_at DESC, id DESC
		LIMIT 1`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, userID, kind.String(), symbol))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return alert, nil
}

// Upsert создаёт алерт (ID == 0) или обновляет существующий
func (r *AlertRepository) Upsert(ctx context.Context, a *models.GuardAlert) error {
	a.UpdatedAt = time.Now()

	if a.ID == 0 {
		query := `
			INSERT INTO guard_alerts (user_id, kind, symbol, level, metric_value, recovery_streak, resolution, triggered_at, updated_at, resolved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id`

		if a.TriggeredAt.IsZero() {
			a.TriggeredAt = a.UpdatedAt
		}

		return r.db.QueryRowContext(ctx, query,
			a.UserID,
			a.Kind.String(),
			a.Symbol,
			a.Level,
			a.MetricValue,
			a.RecoveryStreak,
			a.Resolution,
			a.TriggeredAt,
			a.UpdatedAt,
			a.ResolvedAt,
		).Scan(&a.ID)
	}

	query := `
		UPDATE guard_alerts
		SET level = $2, metric_value = $3, recovery_streak = $4, resolution = $5, updated_at = $6, resolved_at = $7
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query,
		a.ID,
		a.Level,
		a.MetricValue,
		a.RecoveryStreak,
		a.Resolution,
		a.UpdatedAt,
		a.ResolvedAt,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("guard alert %d not found", a.ID)
	}
	return nil
}

// List возвращает алерты по фильтру, новые первыми
func (r *AlertRepository) List(ctx context.Context, f AlertFilter) ([]*models.GuardAlert, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.UserID != nil {
		args = append(args, *f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.OpenOnly {
		where = append(where, "resolved_at IS NULL")
	}

	query := `SELECT ` + alertColumns + ` FROM guard_alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(f.Limit))
	query += fmt.Sprintf(` ORDER BY triggered_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*models.GuardAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func scanAlert(row rowScanner) (*models.GuardAlert, error) {
	var (
		a          models.GuardAlert
		kind       string
		resolvedAt sql.NullTime
	)

	err := row.Scan(
		&a.ID,
		&a.UserID,
		&kind,
		&a.Symbol,
		&a.Level,
		&a.MetricValue,
		&a.RecoveryStreak,
		&a.Resolution,
		&a.TriggeredAt,
		&a.UpdatedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Kind, err = models.ParseGuardKind(kind)
	if err != nil {
		return nil, err
	}
	a.ResolvedAt = timePtr(resolvedAt)
	return &a, nil
}
