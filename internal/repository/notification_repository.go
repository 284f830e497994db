package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"reconciler/internal/models"
)

// NotificationRepository - работа с таблицей notifications
//
// Журнал всех отправленных алертов, отдаётся ops API.
type NotificationRepository struct {
	db DBTX
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create сохраняет уведомление
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO notifications (timestamp, type, severity, user_id, message, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	meta, err := encodeJSON(n.Meta)
	if err != nil {
		return fmt.Errorf("encode notification meta: %w", err)
	}

	return r.db.QueryRowContext(ctx, query, n.Timestamp, n.Type, n.Severity, n.UserID, n.Message, meta).Scan(&n.ID)
}

// GetRecent возвращает последние уведомления
func (r *NotificationRepository) GetRecent(ctx context.Context, limit int) ([]*models.Notification, error) {
	query := `
		SELECT id, timestamp, type, severity, user_id, message, meta
		FROM notifications
		ORDER BY timestamp DESC, id DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		var (
			n      models.Notification
			userID sql.NullInt64
			meta   []byte
		)
		if err := rows.Scan(&n.ID, &n.Timestamp, &n.Type, &n.Severity, &userID, &n.Message, &meta); err != nil {
			return nil, err
		}
		n.UserID = int64Ptr(userID)
		if n.Meta, err = decodeJSON(meta); err != nil {
			return nil, fmt.Errorf("decode notification %d meta: %w", n.ID, err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// DeleteOlderThan удаляет уведомления старше указанного времени
func (r *NotificationRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
