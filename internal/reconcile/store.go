package reconcile

import (
	"context"

	"reconciler/internal/models"
	"reconciler/internal/repository"
)

// AuditTx операции хранилища внутри транзакции одного пользователя за тик
//
// Реализуется *repository.Queries.
type AuditTx interface {
	LoadOpenTrades(ctx context.Context, userID int64) ([]*models.TrackedTrade, error)
	MarkClosed(ctx context.Context, tradeID int64, info models.CloseInfo) error

	LatestSnapshot(ctx context.Context, userID int64) (*models.AccountSnapshot, error)
	InsertSnapshot(ctx context.Context, s *models.AccountSnapshot) error

	LatestGuardAlert(ctx context.Context, userID int64, kind models.GuardKind, symbol string) (*models.GuardAlert, error)
	UpsertGuardAlert(ctx context.Context, a *models.GuardAlert) error

	PendingCloseRequest(ctx context.Context, ticket string) (*models.CloseRequest, error)
	InsertCloseRequest(ctx context.Context, r *models.CloseRequest) error
	UpdateCloseRequest(ctx context.Context, r *models.CloseRequest) error

	AppendEvent(ctx context.Context, e *models.ReconciliationEvent) error
}

// AuditStore хранилище сверки
//
// Всё состояние тика пользователя пишется через WithinTx: видно либо целиком, либо никак.
// AppendEvent вне транзакции допустим для событий планировщика.
type AuditStore interface {
	WithinTx(ctx context.Context, fn func(tx AuditTx) error) error
	GetCloseRequest(ctx context.Context, id int64) (*models.CloseRequest, error)
	ListActiveUsers(ctx context.Context) ([]*models.User, error)
	AppendEvent(ctx context.Context, e *models.ReconciliationEvent) error
}

// Notifier канал уведомлений (fire-and-forget)
//
// Ошибки доставки логируются реализацией и не возвращаются.
type Notifier interface {
	SendAlert(ctx context.Context, n *models.Notification)
}

// EventPublisher живая лента для операторов (websocket)
type EventPublisher interface {
	PublishEvent(e *models.ReconciliationEvent)
	PublishAlert(a *models.GuardAlert)
}

// ============================================================
// Адаптер над repository.Store
// ============================================================

type sqlStore struct {
	store *repository.Store
}

// NewSQLStore оборачивает repository.Store в AuditStore
func NewSQLStore(store *repository.Store) AuditStore {
	return &sqlStore{store: store}
}

func (s *sqlStore) WithinTx(ctx context.Context, fn func(tx AuditTx) error) error {
	return s.store.WithinTx(ctx, func(q *repository.Queries) error {
		return fn(q)
	})
}

func (s *sqlStore) GetCloseRequest(ctx context.Context, id int64) (*models.CloseRequest, error) {
	return s.store.GetCloseRequest(ctx, id)
}

func (s *sqlStore) ListActiveUsers(ctx context.Context) ([]*models.User, error) {
	return s.store.ListActiveUsers(ctx)
}

func (s *sqlStore) AppendEvent(ctx context.Context, e *models.ReconciliationEvent) error {
	return s.store.AppendEvent(ctx, e)
}

// ============================================================
// Запись событий и алертов для публикации после commit
// ============================================================

// recordingTx запоминает записанные события и алерты
//
// Публикация идёт только после успешного commit, чтобы лента
// не показывала откаченное состояние.
type recordingTx struct {
	AuditTx
	events []*models.ReconciliationEvent
	alerts []*models.GuardAlert
}

func (r *recordingTx) AppendEvent(ctx context.Context, e *models.ReconciliationEvent) error {
	if err := r.AuditTx.AppendEvent(ctx, e); err != nil {
		return err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recordingTx) UpsertGuardAlert(ctx context.Context, a *models.GuardAlert) error {
	if err := r.AuditTx.UpsertGuardAlert(ctx, a); err != nil {
		return err
	}
	cp := *a
	r.alerts = append(r.alerts, &cp)
	return nil
}

// withinTx выполняет fn в транзакции и публикует записанное после commit
func withinTx(ctx context.Context, store AuditStore, pub EventPublisher, fn func(tx AuditTx) error) error {
	var rec *recordingTx
	err := store.WithinTx(ctx, func(tx AuditTx) error {
		rec = &recordingTx{AuditTx: tx}
		return fn(rec)
	})
	if err != nil || rec == nil {
		return err
	}

	for _, e := range rec.events {
		pub.PublishEvent(e)
	}
	for _, a := range rec.alerts {
		pub.PublishAlert(a)
	}
	return nil
}

// nopPublisher используется, когда живая лента не подключена
type nopPublisher struct{}

func (nopPublisher) PublishEvent(*models.ReconciliationEvent) {}
func (nopPublisher) PublishAlert(*models.GuardAlert)          {}

// nopNotifier используется, когда канал уведомлений не подключён
type nopNotifier struct{}

func (nopNotifier) SendAlert(context.Context, *models.Notification) {}
