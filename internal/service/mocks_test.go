package service

import (
	"context"
	"sync"
	"time"

	"reconciler/internal/models"
	"reconciler/internal/repository"
)

// ============ Mock OpsRepository ============

type MockOpsRepository struct {
	mu sync.Mutex

	users         map[int64]*models.User
	snapshots     []*models.AccountSnapshot
	events        []*models.ReconciliationEvent
	alerts        []*models.GuardAlert
	closeRequests []*models.CloseRequest
	notifications []*models.Notification

	lastEventFilter repository.EventFilter
	lastAlertFilter repository.AlertFilter
	lastResult      string
	lastLimit       int
	deletedBefore   time.Time

	listErr     error
	getUserErr  error
	insertErr   error
	appendErr   error
	deleteCount int64
	nextID      int64
}

func NewMockOpsRepository() *MockOpsRepository {
	return &MockOpsRepository{
		users:  make(map[int64]*models.User),
		nextID: 1,
	}
}

func (m *MockOpsRepository) ListEvents(_ context.Context, f repository.EventFilter) ([]*models.ReconciliationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEventFilter = f
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.events, nil
}

func (m *MockOpsRepository) ListAlerts(_ context.Context, f repository.AlertFilter) ([]*models.GuardAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAlertFilter = f
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.alerts, nil
}

func (m *MockOpsRepository) ListCloseRequests(_ context.Context, result string, limit int) ([]*models.CloseRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastResult, m.lastLimit = result, limit
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.closeRequests, nil
}

func (m *MockOpsRepository) ListNotifications(_ context.Context, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.notifications, nil
}

func (m *MockOpsRepository) DeleteNotificationsOlderThan(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedBefore = before
	if m.listErr != nil {
		return 0, m.listErr
	}
	return m.deleteCount, nil
}

// WithinTx применяет изменения только если fn завершилась без ошибки
func (m *MockOpsRepository) WithinTx(ctx context.Context, fn func(tx PeakResetTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &mockPeakTx{repo: m}
	if err := fn(tx); err != nil {
		return err
	}
	m.snapshots = append(m.snapshots, tx.snapshots...)
	m.events = append(m.events, tx.events...)
	return nil
}

type mockPeakTx struct {
	repo      *MockOpsRepository
	snapshots []*models.AccountSnapshot
	events    []*models.ReconciliationEvent
}

func (t *mockPeakTx) GetUser(_ context.Context, id int64) (*models.User, error) {
	if t.repo.getUserErr != nil {
		return nil, t.repo.getUserErr
	}
	u, ok := t.repo.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return u, nil
}

func (t *mockPeakTx) LatestSnapshot(_ context.Context, userID int64) (*models.AccountSnapshot, error) {
	for i := len(t.repo.snapshots) - 1; i >= 0; i-- {
		if t.repo.snapshots[i].UserID == userID {
			return t.repo.snapshots[i], nil
		}
	}
	return nil, nil
}

func (t *mockPeakTx) InsertSnapshot(_ context.Context, s *models.AccountSnapshot) error {
	if t.repo.insertErr != nil {
		return t.repo.insertErr
	}
	s.ID = t.repo.nextID
	t.repo.nextID++
	t.snapshots = append(t.snapshots, s)
	return nil
}

func (t *mockPeakTx) AppendEvent(_ context.Context, e *models.ReconciliationEvent) error {
	if t.repo.appendErr != nil {
		return t.repo.appendErr
	}
	e.ID = t.repo.nextID
	t.repo.nextID++
	t.events = append(t.events, e)
	return nil
}

// ============ Mock EventPublisher ============

type MockPublisher struct {
	mu     sync.Mutex
	events []*models.ReconciliationEvent
}

func (p *MockPublisher) PublishEvent(e *models.ReconciliationEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}
