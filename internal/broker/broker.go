// Package broker описывает доступ к брокеру: чтение позиций, счёта, котировок и закрытие позиций.
package broker

import (
	"context"
	"errors"
	"net"
	"time"

	"reconciler/internal/models"
)

// Client интерфейс брокера
//
// Все методы блокирующие и уважают дедлайн контекста.
// Ошибки, которые стоит повторить, возвращаются как *Error с Transient = true.
type Client interface {
	// FetchPositions возвращает открытые позиции счёта пользователя
	FetchPositions(ctx context.Context, user *models.User) ([]models.BrokerPosition, error)

	// FetchAccount возвращает equity/balance/margin (PeakEquity не заполняется)
	FetchAccount(ctx context.Context, user *models.User) (*models.AccountSnapshot, error)

	// FetchQuote возвращает котировку инструмента для проверки рынка
	FetchQuote(ctx context.Context, user *models.User, symbol string) (*models.MarketQuote, error)

	// ClosePosition закрывает позицию по тикету
	//
	// Повторный вызов с тем же idempotencyKey не закрывает позицию дважды.
	ClosePosition(ctx context.Context, user *models.User, ticket, idempotencyKey, reason string) (*CloseResult, error)
}

// CloseResult ответ брокера на закрытие
type CloseResult struct {
	Ticket      string
	Closed      bool
	ClosePrice  float64
	RealizedPnL *float64 // nil если брокер не считает PNL
	ClosedAt    time.Time
	Message     string
}

// Error ошибка брокера
//
// Message - сырой текст брокера: пишется в журнал, пользователю не отдаётся.
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return "broker " + e.Op + ": " + e.Code + ": " + e.Message
	}
	return "broker " + e.Op + ": " + e.Message
}

// Unwrap возвращает исходную ошибку для errors.Is() и errors.As()
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable реализует retry.RetryableError
func (e *Error) Retryable() bool {
	return e.Transient
}

// ErrPositionNotFound брокер не знает такого тикета
var ErrPositionNotFound = errors.New("position not found")

// IsTransient проверяет, временная ли ошибка (таймаут, 5xx, 429, сеть)
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var be *Error
	if errors.As(err, &be) {
		return be.Transient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}

	return false
}
