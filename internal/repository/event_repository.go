package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"reconciler/internal/models"
)

// EventRepository - журнал сверки (reconciliation_events)
//
// Записи только добавляются; UPDATE/DELETE запрещены правилами в схеме.
type EventRepository struct {
	db DBTX
}

// NewEventRepository создает новый экземпляр репозитория
func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

// EventFilter фильтр выборки событий
type EventFilter struct {
	UserID *int64
	Type   string
	Since  *time.Time
	Limit  int
}

// Append добавляет событие
func (r *EventRepository) Append(ctx context.Context, e *models.ReconciliationEvent) error {
	query := `
		INSERT INTO reconciliation_events (type, user_id, severity, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	detail, err := encodeJSON(e.Detail)
	if err != nil {
		return fmt.Errorf("encode event detail: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	return r.db.QueryRowContext(ctx, query, e.Type, e.UserID, e.Severity, detail, e.CreatedAt).Scan(&e.ID)
}

// List возвращает события по фильтру, новые первыми
func (r *EventRepository) List(ctx context.Context, f EventFilter) ([]*models.ReconciliationEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.UserID != nil {
		args = append(args, *f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	query := `SELECT id, type, user_id, severity, detail, created_at FROM reconciliation_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(f.Limit))
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.ReconciliationEvent
	for rows.Next() {
		var (
			e      models.ReconciliationEvent
			detail []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.UserID, &e.Severity, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Detail, err = decodeJSON(detail); err != nil {
			return nil, fmt.Errorf("decode event %d detail: %w", e.ID, err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
