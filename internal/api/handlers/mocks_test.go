package handlers

import (
	"context"
	"sync"
	"time"

	"reconciler/internal/models"
	"reconciler/internal/service"
)

// ============ Mock Ops Service ============

// MockOpsService мок для OpsServiceInterface
type MockOpsService struct {
	mu sync.Mutex

	events        []*models.ReconciliationEvent
	alerts        []*models.GuardAlert
	closeRequests []*models.CloseRequest
	notifications []*models.Notification

	lastEventQuery service.EventQuery
	lastAlertQuery service.AlertQuery
	lastStatus     string
	lastLimit      int
	lastResetUser  int64
	lastResetReq   service.PeakResetRequest

	err      error
	resetErr error
}

// NewMockOpsService создает новый мок сервиса
func NewMockOpsService() *MockOpsService {
	return &MockOpsService{}
}

func (m *MockOpsService) ListEvents(_ context.Context, q service.EventQuery) ([]*models.ReconciliationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEventQuery = q
	if m.err != nil {
		return nil, m.err
	}
	return m.events, nil
}

func (m *MockOpsService) ListAlerts(_ context.Context, q service.AlertQuery) ([]*models.GuardAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAlertQuery = q
	if m.err != nil {
		return nil, m.err
	}
	return m.alerts, nil
}

func (m *MockOpsService) ListCloseRequests(_ context.Context, result string, limit int) ([]*models.CloseRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastStatus, m.lastLimit = result, limit
	if m.err != nil {
		return nil, m.err
	}
	return m.closeRequests, nil
}

func (m *MockOpsService) ListNotifications(_ context.Context, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.notifications, nil
}

func (m *MockOpsService) ResetPeak(_ context.Context, userID int64, req service.PeakResetRequest) (*models.AccountSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastResetUser, m.lastResetReq = userID, req
	if m.resetErr != nil {
		return nil, m.resetErr
	}
	return &models.AccountSnapshot{ID: 1, UserID: userID, Equity: 900, PeakEquity: 900, IsReset: true}, nil
}

func (m *MockOpsService) CleanupNotifications(context.Context, time.Duration) (int64, error) {
	return 0, nil
}
