package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"reconciler/internal/models"
	"reconciler/internal/repository"
)

// Ошибки сервиса операторов
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrNoSnapshot         = errors.New("user has no account snapshot yet")
	ErrInvalidEventType   = errors.New("invalid event type")
	ErrInvalidCloseResult = errors.New("invalid close request result")
	ErrInvalidRetention   = errors.New("retention must be positive")
)

// Лимиты выборок
const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// EventQuery фильтр журнала сверки
type EventQuery struct {
	UserID *int64
	Type   string
	Since  *time.Time
	Limit  int
}

// AlertQuery фильтр алертов
type AlertQuery struct {
	UserID   *int64
	OpenOnly bool
	Limit    int
}

// PeakResetRequest параметры ручного сброса пика
type PeakResetRequest struct {
	Operator string `json:"operator"`
	Note     string `json:"note"`
}

// OpsService предоставляет бизнес-логику ops API.
//
// Отвечает за:
// - Чтение журнала сверки, алертов, запросов закрытия и уведомлений
// - Явный сброс пика equity (например, после вывода средств)
// - Очистку старых уведомлений
//
// Журнал сверки только читается: события пишет конвейер сверки,
// единственное исключение - PEAK_RESET при сбросе пика.
type OpsService struct {
	repo      OpsRepositoryInterface
	publisher EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewOpsService создает новый экземпляр OpsService; publisher может быть nil
func NewOpsService(repo OpsRepositoryInterface, publisher EventPublisher, logger *zap.Logger) *OpsService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpsService{
		repo:      repo,
		publisher: publisher,
		logger:    logger.Named("ops"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ListEvents возвращает события журнала, новые первыми
func (s *OpsService) ListEvents(ctx context.Context, q EventQuery) ([]*models.ReconciliationEvent, error) {
	eventType := strings.ToUpper(strings.TrimSpace(q.Type))
	if eventType != "" && !models.IsValidEventType(eventType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, q.Type)
	}

	events, err := s.repo.ListEvents(ctx, repository.EventFilter{
		UserID: q.UserID,
		Type:   eventType,
		Since:  q.Since,
		Limit:  normalizeLimit(q.Limit),
	})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*models.ReconciliationEvent{}
	}
	return events, nil
}

// ListAlerts возвращает алерты риск-контроля
func (s *OpsService) ListAlerts(ctx context.Context, q AlertQuery) ([]*models.GuardAlert, error) {
	alerts, err := s.repo.ListAlerts(ctx, repository.AlertFilter{
		UserID:   q.UserID,
		OpenOnly: q.OpenOnly,
		Limit:    normalizeLimit(q.Limit),
	})
	if err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []*models.GuardAlert{}
	}
	return alerts, nil
}

// ListCloseRequests возвращает запросы закрытия; result пуст = все
func (s *OpsService) ListCloseRequests(ctx context.Context, result string, limit int) ([]*models.CloseRequest, error) {
	result = strings.ToUpper(strings.TrimSpace(result))
	if result != "" && !models.IsValidCloseResult(result) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCloseResult, result)
	}

	reqs, err := s.repo.ListCloseRequests(ctx, result, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	if reqs == nil {
		reqs = []*models.CloseRequest{}
	}
	return reqs, nil
}

// ListNotifications возвращает последние уведомления
func (s *OpsService) ListNotifications(ctx context.Context, limit int) ([]*models.Notification, error) {
	notifs, err := s.repo.ListNotifications(ctx, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	if notifs == nil {
		notifs = []*models.Notification{}
	}
	return notifs, nil
}

// ResetPeak сбрасывает пик equity пользователя до текущего equity.
//
// В одной транзакции пишет снимок с IsReset и событие PEAK_RESET.
// Следующий тик считает просадку уже от нового пика.
func (s *OpsService) ResetPeak(ctx context.Context, userID int64, req PeakResetRequest) (*models.AccountSnapshot, error) {
	var (
		snap  *models.AccountSnapshot
		event *models.ReconciliationEvent
	)

	err := s.repo.WithinTx(ctx, func(tx PeakResetTx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				return ErrUserNotFound
			}
			return fmt.Errorf("load user: %w", err)
		}

		latest, err := tx.LatestSnapshot(ctx, userID)
		if err != nil {
			return fmt.Errorf("load latest snapshot: %w", err)
		}
		if latest == nil {
			return ErrNoSnapshot
		}

		now := s.now()
		snap = &models.AccountSnapshot{
			UserID:     userID,
			Equity:     latest.Equity,
			Balance:    latest.Balance,
			Margin:     latest.Margin,
			FreeMargin: latest.FreeMargin,
			PeakEquity: latest.Equity,
			IsReset:    true,
			Timestamp:  now,
		}
		if err := tx.InsertSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("insert reset snapshot: %w", err)
		}

		event = models.NewEvent(models.EventPeakReset, userID, models.SeverityInfo, map[string]interface{}{
			"previous_peak": latest.PeakEquity,
			"new_peak":      latest.Equity,
			"operator":      strings.TrimSpace(req.Operator),
			"note":          strings.TrimSpace(req.Note),
		})
		event.CreatedAt = now
		if err := tx.AppendEvent(ctx, event); err != nil {
			return fmt.Errorf("append peak reset event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		s.publisher.PublishEvent(event)
	}
	s.logger.Info("peak equity reset",
		zap.Int64("user_id", userID),
		zap.Float64("new_peak", snap.PeakEquity),
		zap.String("operator", req.Operator))

	return snap, nil
}

// CleanupNotifications удаляет уведомления старше retention
func (s *OpsService) CleanupNotifications(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, ErrInvalidRetention
	}
	deleted, err := s.repo.DeleteNotificationsOlderThan(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("old notifications deleted", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
