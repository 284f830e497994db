package service

import (
	"context"
	"time"

	"reconciler/internal/models"
	"reconciler/internal/repository"
)

// OpsRepositoryInterface определяет доступ к данным для ops API
type OpsRepositoryInterface interface {
	ListEvents(ctx context.Context, f repository.EventFilter) ([]*models.ReconciliationEvent, error)
	ListAlerts(ctx context.Context, f repository.AlertFilter) ([]*models.GuardAlert, error)
	ListCloseRequests(ctx context.Context, result string, limit int) ([]*models.CloseRequest, error)
	ListNotifications(ctx context.Context, limit int) ([]*models.Notification, error)
	DeleteNotificationsOlderThan(ctx context.Context, before time.Time) (int64, error)
	WithinTx(ctx context.Context, fn func(tx PeakResetTx) error) error
}

// PeakResetTx операции сброса пика внутри одной транзакции
type PeakResetTx interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	LatestSnapshot(ctx context.Context, userID int64) (*models.AccountSnapshot, error)
	InsertSnapshot(ctx context.Context, s *models.AccountSnapshot) error
	AppendEvent(ctx context.Context, e *models.ReconciliationEvent) error
}

// EventPublisher живая лента (websocket hub)
type EventPublisher interface {
	PublishEvent(e *models.ReconciliationEvent)
}

// Проверяем, что адаптер над БД реализует интерфейсы
var _ OpsRepositoryInterface = (*sqlOpsRepository)(nil)
var _ PeakResetTx = peakResetTx{}

// ============ Интерфейсы сервисов для Dependency Injection ============

// OpsServiceInterface определяет интерфейс сервиса операторов
type OpsServiceInterface interface {
	ListEvents(ctx context.Context, q EventQuery) ([]*models.ReconciliationEvent, error)
	ListAlerts(ctx context.Context, q AlertQuery) ([]*models.GuardAlert, error)
	ListCloseRequests(ctx context.Context, result string, limit int) ([]*models.CloseRequest, error)
	ListNotifications(ctx context.Context, limit int) ([]*models.Notification, error)
	ResetPeak(ctx context.Context, userID int64, req PeakResetRequest) (*models.AccountSnapshot, error)
	CleanupNotifications(ctx context.Context, retention time.Duration) (int64, error)
}

// Проверяем, что реальный сервис реализует интерфейс
var _ OpsServiceInterface = (*OpsService)(nil)
