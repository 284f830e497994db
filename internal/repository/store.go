package repository

import (
	"context"
	"database/sql"
	"fmt"

	"reconciler/internal/models"
)

// Queries набор репозиториев, привязанных к одному DBTX
//
// Внутри WithinTx все репозитории работают в одной транзакции.
type Queries struct {
	Trades        *TradeRepository
	Snapshots     *SnapshotRepository
	Alerts        *AlertRepository
	CloseRequests *CloseRequestRepository
	Events        *EventRepository
	Users         *UserRepository
	Notifications *NotificationRepository
}

// NewQueries создаёт набор репозиториев
func NewQueries(db DBTX) *Queries {
	return &Queries{
		Trades:        NewTradeRepository(db),
		Snapshots:     NewSnapshotRepository(db),
		Alerts:        NewAlertRepository(db),
		CloseRequests: NewCloseRequestRepository(db),
		Events:        NewEventRepository(db),
		Users:         NewUserRepository(db),
		Notifications: NewNotificationRepository(db),
	}
}

// LoadOpenTrades открытые сделки пользователя
func (q *Queries) LoadOpenTrades(ctx context.Context, userID int64) ([]*models.TrackedTrade, error) {
	return q.Trades.LoadOpenTrades(ctx, userID)
}

// MarkClosed закрывает сделку
func (q *Queries) MarkClosed(ctx context.Context, tradeID int64, info models.CloseInfo) error {
	return q.Trades.MarkClosed(ctx, tradeID, info)
}

// LatestSnapshot последний снимок счёта или nil
func (q *Queries) LatestSnapshot(ctx context.Context, userID int64) (*models.AccountSnapshot, error) {
	return q.Snapshots.Latest(ctx, userID)
}

// InsertSnapshot добавляет снимок счёта
func (q *Queries) InsertSnapshot(ctx context.Context, s *models.AccountSnapshot) error {
	return q.Snapshots.Insert(ctx, s)
}

// LatestGuardAlert последний алерт или nil
func (q *Queries) LatestGuardAlert(ctx context.Context, userID int64, kind models.GuardKind, symbol string) (*models.GuardAlert, error) {
	return q.Alerts.Latest(ctx, userID, kind, symbol)
}

// UpsertGuardAlert сохраняет алерт
func (q *Queries) UpsertGuardAlert(ctx context.Context, a *models.GuardAlert) error {
	return q.Alerts.Upsert(ctx, a)
}

// PendingCloseRequest PENDING запрос по тикету или nil
func (q *Queries) PendingCloseRequest(ctx context.Context, ticket string) (*models.CloseRequest, error) {
	return q.CloseRequests.GetPending(ctx, ticket)
}

// InsertCloseRequest создаёт запрос закрытия
func (q *Queries) InsertCloseRequest(ctx context.Context, r *models.CloseRequest) error {
	return q.CloseRequests.Insert(ctx, r)
}

// UpdateCloseRequest сохраняет результат закрытия
func (q *Queries) UpdateCloseRequest(ctx context.Context, r *models.CloseRequest) error {
	return q.CloseRequests.Update(ctx, r)
}

// GetCloseRequest запрос закрытия по ID
func (q *Queries) GetCloseRequest(ctx context.Context, id int64) (*models.CloseRequest, error) {
	return q.CloseRequests.GetByID(ctx, id)
}

// AppendEvent добавляет событие в журнал
func (q *Queries) AppendEvent(ctx context.Context, e *models.ReconciliationEvent) error {
	return q.Events.Append(ctx, e)
}

// ListActiveUsers активные пользователи с настройками
func (q *Queries) ListActiveUsers(ctx context.Context) ([]*models.User, error) {
	return q.Users.ListActive(ctx)
}

// Store точка доступа к БД: репозитории вне транзакции + WithinTx
type Store struct {
	*Queries
	db *sql.DB
}

// NewStore создаёт Store поверх пула соединений
func NewStore(db *sql.DB) *Store {
	return &Store{Queries: NewQueries(db), db: db}
}

// DB возвращает пул соединений
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithinTx выполняет fn в транзакции
//
// Ошибка или паника fn откатывают транзакцию, иначе commit.
func (s *Store) WithinTx(ctx context.Context, fn func(q *Queries) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(NewQueries(tx)); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
