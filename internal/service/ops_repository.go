package service

import (
	"context"
	"time"

	"reconciler/internal/models"
	"reconciler/internal/repository"
)

// sqlOpsRepository адаптер OpsRepositoryInterface над repository.Store
type sqlOpsRepository struct {
	store *repository.Store
}

// NewOpsRepository создаёт адаптер над БД
func NewOpsRepository(store *repository.Store) OpsRepositoryInterface {
	return &sqlOpsRepository{store: store}
}

func (r *sqlOpsRepository) ListEvents(ctx context.Context, f repository.EventFilter) ([]*models.ReconciliationEvent, error) {
	return r.store.Events.List(ctx, f)
}

func (r *sqlOpsRepository) ListAlerts(ctx context.Context, f repository.AlertFilter) ([]*models.GuardAlert, error) {
	return r.store.Alerts.List(ctx, f)
}

func (r *sqlOpsRepository) ListCloseRequests(ctx context.Context, result string, limit int) ([]*models.CloseRequest, error) {
	return r.store.CloseRequests.List(ctx, result, limit)
}

func (r *sqlOpsRepository) ListNotifications(ctx context.Context, limit int) ([]*models.Notification, error) {
	return r.store.Notifications.GetRecent(ctx, limit)
}

func (r *sqlOpsRepository) DeleteNotificationsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return r.store.Notifications.DeleteOlderThan(ctx, before)
}

func (r *sqlOpsRepository) WithinTx(ctx context.Context, fn func(tx PeakResetTx) error) error {
	return r.store.WithinTx(ctx, func(q *repository.Queries) error {
		return fn(peakResetTx{q: q})
	})
}

type peakResetTx struct {
	q *repository.Queries
}

func (t peakResetTx) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return t.q.Users.GetByID(ctx, id)
}

func (t peakResetTx) LatestSnapshot(ctx context.Context, userID int64) (*models.AccountSnapshot, error) {
	return t.q.LatestSnapshot(ctx, userID)
}

func (t peakResetTx) InsertSnapshot(ctx context.Context, s *models.AccountSnapshot) error {
	return t.q.InsertSnapshot(ctx, s)
}

func (t peakResetTx) AppendEvent(ctx context.Context, e *models.ReconciliationEvent) error {
	return t.q.AppendEvent(ctx, e)
}
