package reconcile

import (
	"errors"
	"fmt"

	"reconciler/internal/broker"
)

// ============================================================
// Таксономия ошибок конвейера
// ============================================================

// ErrStopped конвейер остановлен на контрольной точке при завершении
var ErrStopped = errors.New("pipeline stopped")

// ErrClosePending закрытие ещё выполняется другим исполнителем
var ErrClosePending = errors.New("close request still pending")

// TransientBrokerError брокер недоступен или не ответил вовремя
//
// Конвейер пользователя прерывается до следующего тика.
type TransientBrokerError struct {
	Op  string
	Err error
}

func (e *TransientBrokerError) Error() string {
	return fmt.Sprintf("transient broker error during %s: %v", e.Op, e.Err)
}

func (e *TransientBrokerError) Unwrap() error { return e.Err }

// DivergenceDetected расхождение между брокером и учётом; только журналируется
type DivergenceDetected struct {
	Kind   string
	Ticket string
	Detail string
}

func (e *DivergenceDetected) Error() string {
	return fmt.Sprintf("divergence %s on %q: %s", e.Kind, e.Ticket, e.Detail)
}

// GuardTriggered сработал риск-контроль
type GuardTriggered struct {
	Trigger GuardTrigger
	Level   string
}

func (e *GuardTriggered) Error() string {
	return fmt.Sprintf("%s guard triggered at %s", e.Trigger.Kind(), e.Level)
}

// CloseFailed закрытие не удалось после всех попыток
type CloseFailed struct {
	Ticket   string
	Attempts int
	Err      error
}

func (e *CloseFailed) Error() string {
	return fmt.Sprintf("close of %s failed after %d attempts: %v", e.Ticket, e.Attempts, e.Err)
}

func (e *CloseFailed) Unwrap() error { return e.Err }

// PipelineError непредвиденная ошибка конвейера (БД, паника, нарушенный инвариант)
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline failed at %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// classifyFetchError переводит ошибку чтения у брокера в таксономию
func classifyFetchError(op string, err error) error {
	if broker.IsTransient(err) {
		return &TransientBrokerError{Op: op, Err: err}
	}
	return &PipelineError{Stage: op, Err: err}
}
