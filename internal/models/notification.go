package models

import "time"

// Notification уведомление, отправленное пользователю или операторам
type Notification struct {
	ID        int64                  `json:"id" db:"id"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	Type      string                 `json:"type" db:"type"`
	Severity  string                 `json:"severity" db:"severity"`
	UserID    *int64                 `json:"user_id,omitempty" db:"user_id"` // nil - операторское
	Message   string                 `json:"message" db:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty" db:"meta"` // JSON в БД
}

// Типы уведомлений
const (
	NotificationTypeDrawdown    = "DRAWDOWN"     // смена уровня просадки
	NotificationTypeMarket      = "MARKET"       // небезопасный рынок по инструменту
	NotificationTypeClose       = "CLOSE"        // позиция закрыта автоматически
	NotificationTypeCloseFailed = "CLOSE_FAILED" // закрытие не удалось, нужен оператор
	NotificationTypeResolved    = "RESOLVED"     // алерт закрыт
	NotificationTypeBroker      = "BROKER"       // брокер недоступен несколько тиков подряд
)
