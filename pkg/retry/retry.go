package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy политика повторных попыток для обращений к брокеру
//
// Экспоненциальный backoff с jitter:
// delay = min(BaseDelay * Multiplier^attempt, MaxDelay) ± jitter
//
// Одна и та же политика используется и для закрытия позиций,
// и для чтения позиций/счёта, чтобы поведение было единообразным.
type Policy struct {
	// MaxAttempts - количество попыток, включая первую (минимум 1)
	MaxAttempts int

	// BaseDelay - задержка перед второй попыткой
	BaseDelay time.Duration

	// MaxDelay - верхняя граница задержки
	MaxDelay time.Duration

	// Multiplier - множитель экспоненциального роста
	Multiplier float64

	// JitterFactor - доля случайной вариации задержки (0.0 - 1.0)
	JitterFactor float64

	// AttemptTimeout - таймаут одной попытки (0 = без отдельного таймаута)
	AttemptTimeout time.Duration

	// RetryIf решает, повторять ли ошибку. nil = IsRetryable
	RetryIf func(error) bool

	// OnRetry вызывается перед ожиданием следующей попытки
	OnRetry func(attempt int, err error, delay time.Duration)
}

// ClosePolicy политика закрытия позиций: 3 попытки, 10s на попытку
func ClosePolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0.2,
		AttemptTimeout: 10 * time.Second,
	}
}

// FetchPolicy политика чтения состояния счёта: короткие задержки, 5s на попытку
func FetchPolicy() Policy {
	return Policy{
		MaxAttempts:    2,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       time.Second,
		Multiplier:     2.0,
		JitterFactor:   0.1,
		AttemptTimeout: 5 * time.Second,
	}
}

// WithMaxAttempts возвращает копию политики с другим числом попыток
func (p Policy) WithMaxAttempts(n int) Policy {
	if n > 0 {
		p.MaxAttempts = n
	}
	return p
}

// WithOnRetry возвращает копию политики с callback'ом
func (p Policy) WithOnRetry(onRetry func(attempt int, err error, delay time.Duration)) Policy {
	p.OnRetry = onRetry
	return p
}

// normalize проставляет значения по умолчанию
func (p *Policy) normalize() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	if p.JitterFactor > 1 {
		p.JitterFactor = 1
	}
	if p.RetryIf == nil {
		p.RetryIf = IsRetryable
	}
}

// Delay вычисляет задержку после попытки с номером attempt (с нуля)
func (p Policy) Delay(attempt int) time.Duration {
	p.normalize()

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFactor > 0 {
		delay += delay * p.JitterFactor * (rand.Float64()*2 - 1)
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do выполняет операцию по политике
//
// Операция получает контекст попытки (с AttemptTimeout, если задан).
// Возвращает nil при успехе, иначе последнюю ошибку.
// Ошибка, для которой RetryIf вернул false, возвращается сразу.
func (p Policy) Do(ctx context.Context, operation func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	})
	return err
}

// DoWithResult выполняет операцию с результатом по политике
//
//	positions, err := retry.DoWithResult(ctx, policy, func(ctx context.Context) ([]models.BrokerPosition, error) {
//	    return client.FetchPositions(ctx, user)
//	})
func DoWithResult[T any](ctx context.Context, p Policy, operation func(ctx context.Context) (T, error)) (T, error) {
	p.normalize()

	var zero T
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := runAttempt(ctx, p.AttemptTimeout, operation)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !p.RetryIf(err) {
			return zero, err
		}

		if attempt >= p.MaxAttempts-1 {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		}
	}

	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, operation func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return operation(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return operation(attemptCtx)
}

// ============================================================
// Классификация ошибок
// ============================================================

// RetryableError интерфейс для ошибок, которые знают, можно ли их повторять
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable проверяет можно ли повторять ошибку
//
// Отмена родительского контекста не повторяется. Таймаут попытки повторяется.
// Ошибки без классификации повторяются.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}

	type temporary interface {
		Temporary() bool
	}
	var temp temporary
	if errors.As(err, &temp) {
		return temp.Temporary()
	}

	return true
}

// PermanentError ошибка, которую не нужно повторять
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retryable() bool { return false }

// Permanent оборачивает ошибку в PermanentError
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// TemporaryError ошибка, которую нужно повторять
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string   { return e.Err.Error() }
func (e *TemporaryError) Unwrap() error   { return e.Err }
func (e *TemporaryError) Retryable() bool { return true }
func (e *TemporaryError) Temporary() bool { return true }

// Temporary оборачивает ошибку в TemporaryError
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return &TemporaryError{Err: err}
}
