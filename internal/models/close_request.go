package models

import "time"

// CloseRequest запрос на закрытие позиции у брокера
//
// Для одного тикета одновременно существует не более одного PENDING.
// IdempotencyKey передаётся брокеру и сохраняется при повторной отправке.
type CloseRequest struct {
	ID             int64      `json:"id" db:"id"`
	Ticket         string     `json:"ticket" db:"ticket"`
	TradeID        *int64     `json:"trade_id,omitempty" db:"trade_id"`
	UserID         int64      `json:"user_id" db:"user_id"`
	Reason         string     `json:"reason" db:"reason"`
	IdempotencyKey string     `json:"idempotency_key" db:"idempotency_key"`
	Result         string     `json:"result" db:"result"`
	Attempts       int        `json:"attempts" db:"attempts"`
	LastError      string     `json:"last_error,omitempty" db:"last_error"`
	RequestedAt    time.Time  `json:"requested_at" db:"requested_at"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty" db:"executed_at"`
}

// Результаты запроса закрытия
const (
	CloseResultPending   = "PENDING"
	CloseResultSucceeded = "SUCCEEDED"
	CloseResultFailed    = "FAILED"
)

// IsValidCloseResult проверяет значение фильтра API
func IsValidCloseResult(r string) bool {
	return r == CloseResultPending || r == CloseResultSucceeded || r == CloseResultFailed
}
