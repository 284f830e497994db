package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"reconciler/internal/broker"
	"reconciler/internal/config"
	"reconciler/internal/models"
	"reconciler/internal/repository"
	"reconciler/pkg/retry"
)

// ============================================================
// Идемпотентное закрытие позиций
// ============================================================

// CloseResult итог закрытия позиции
type CloseResult struct {
	Succeeded    bool
	BrokerTicket string
	RequestID    int64
	ClosePrice   float64
	RealizedPnL  float64
	Awaited      bool // результат получен ожиданием чужого PENDING
	Err          error
}

// CloserConfig параметры закрытия
type CloserConfig struct {
	Policy       retry.Policy  // попытки переопределяются порогом пользователя
	PollInterval time.Duration // опрос чужого PENDING
	StaleAfter   time.Duration // PENDING старше переотправляется с тем же ключом
	AwaitTimeout time.Duration // ожидание чужого PENDING за вызов; 0 = Policy.AttemptTimeout
}

// DefaultCloserConfig параметры по умолчанию
func DefaultCloserConfig() CloserConfig {
	return CloserConfig{
		Policy:       retry.ClosePolicy(),
		PollInterval: 500 * time.Millisecond,
		StaleAfter:   2 * time.Minute,
	}
}

// Closer закрывает позиции у брокера
//
// На один тикет одновременно выполняется не больше одного закрытия:
// в процессе - через singleflight, между процессами - через PENDING CloseRequest.
type Closer struct {
	broker    broker.Client
	store     AuditStore
	notifier  Notifier
	publisher EventPublisher
	defaults  config.GuardSettings
	cfg       CloserConfig
	metrics   *Metrics
	logger    *zap.Logger

	group singleflight.Group
	now   func() time.Time
	newID func() string
}

// NewCloser создаёт Closer
func NewCloser(
	client broker.Client,
	store AuditStore,
	notifier Notifier,
	publisher EventPublisher,
	defaults config.GuardSettings,
	cfg CloserConfig,
	metrics *Metrics,
	logger *zap.Logger,
) *Closer {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultCloserConfig().PollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultCloserConfig().StaleAfter
	}
	return &Closer{
		broker:    client,
		store:     store,
		notifier:  notifier,
		publisher: publisher,
		defaults:  defaults,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.Named("closer"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Close закрывает позицию target.Ticket
//
// Одновременные вызовы для одного тикета получают один и тот же результат.
func (c *Closer) Close(ctx context.Context, target CloseTarget) CloseResult {
	v, _, _ := c.group.Do(target.Ticket, func() (interface{}, error) {
		return c.close(ctx, target), nil
	})
	return v.(CloseResult)
}

func (c *Closer) close(ctx context.Context, target CloseTarget) CloseResult {
	log := c.logger.With(
		zap.Int64("user_id", target.User.ID),
		zap.String("ticket", target.Ticket),
		zap.String("reason", target.Reason),
	)

	req, existing, err := c.acquire(ctx, target)
	if err != nil {
		log.Error("failed to create close request", zap.Error(err))
		return CloseResult{BrokerTicket: target.Ticket, Err: &PipelineError{Stage: "close_request", Err: err}}
	}

	if existing {
		res, stale := c.await(ctx, req)
		if !stale {
			return res
		}
		log.Warn("pending close request is stale, re-issuing with the same key",
			zap.Int64("request_id", req.ID),
			zap.Time("requested_at", req.RequestedAt),
		)
		if err := c.appendAttempt(ctx, target, req, true); err != nil {
			log.Error("failed to record re-issue", zap.Error(err))
		}
	}

	return c.execute(ctx, target, req, log)
}

// acquire находит PENDING запрос по тикету или создаёт новый
func (c *Closer) acquire(ctx context.Context, target CloseTarget) (*models.CloseRequest, bool, error) {
	var (
		req      *models.CloseRequest
		existing bool
	)

	err := withinTx(ctx, c.store, c.publisher, func(tx AuditTx) error {
		pending, err := tx.PendingCloseRequest(ctx, target.Ticket)
		if err != nil {
			return err
		}
		if pending != nil {
			req, existing = pending, true
			return nil
		}

		req = &models.CloseRequest{
			Ticket:         target.Ticket,
			UserID:         target.User.ID,
			Reason:         target.Reason,
			IdempotencyKey: c.newID(),
			Result:         models.CloseResultPending,
			RequestedAt:    c.now(),
		}
		if target.Trade != nil {
			id := target.Trade.ID
			req.TradeID = &id
		}
		if err := tx.InsertCloseRequest(ctx, req); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, attemptEvent(target, req, false))
	})

	if errors.Is(err, repository.ErrPendingCloseExists) {
		// Другой процесс успел создать PENDING между чтением и вставкой
		err = c.store.WithinTx(ctx, func(tx AuditTx) error {
			pending, err := tx.PendingCloseRequest(ctx, target.Ticket)
			if err != nil {
				return err
			}
			if pending == nil {
				return fmt.Errorf("pending close request for %s disappeared", target.Ticket)
			}
			req, existing = pending, true
			return nil
		})
	}
	if err != nil {
		return nil, false, err
	}
	return req, existing, nil
}

// await ждёт исхода чужого PENDING
//
// stale = true, если запрос устарел и его нужно переотправить.
// Ожидание ограничено бюджетом закрытия, по его истечении возвращается
// ErrClosePending, а запрос дожидается или переотправляется на следующем тике.
func (c *Closer) await(ctx context.Context, req *models.CloseRequest) (CloseResult, bool) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	budget := c.cfg.AwaitTimeout
	if budget <= 0 {
		budget = c.cfg.Policy.AttemptTimeout
	}
	var expired <-chan time.Time
	if budget > 0 {
		timer := time.NewTimer(budget)
		defer timer.Stop()
		expired = timer.C
	}

	current := req
	for {
		switch current.Result {
		case models.CloseResultSucceeded:
			return CloseResult{Succeeded: true, BrokerTicket: current.Ticket, RequestID: current.ID, Awaited: true}, false
		case models.CloseResultFailed:
			return CloseResult{
				BrokerTicket: current.Ticket,
				RequestID:    current.ID,
				Awaited:      true,
				Err:          &CloseFailed{Ticket: current.Ticket, Attempts: current.Attempts, Err: errors.New("close request failed")},
			}, false
		}

		if c.now().Sub(current.RequestedAt) >= c.cfg.StaleAfter {
			return CloseResult{}, true
		}

		select {
		case <-ctx.Done():
			return CloseResult{
				BrokerTicket: req.Ticket,
				RequestID:    req.ID,
				Awaited:      true,
				Err:          fmt.Errorf("%w: %v", ErrClosePending, ctx.Err()),
			}, false
		case <-expired:
			c.logger.Info("close request still pending after await budget",
				zap.Int64("request_id", req.ID),
				zap.String("ticket", req.Ticket),
				zap.Duration("budget", budget),
			)
			return CloseResult{
				BrokerTicket: req.Ticket,
				RequestID:    req.ID,
				Awaited:      true,
				Err:          fmt.Errorf("%w: request %d not settled within %s", ErrClosePending, req.ID, budget),
			}, false
		case <-ticker.C:
		}

		next, err := c.store.GetCloseRequest(ctx, req.ID)
		if err != nil {
			if errors.Is(err, repository.ErrCloseRequestNotFound) {
				return CloseResult{BrokerTicket: req.Ticket, Err: &PipelineError{Stage: "await_close", Err: err}}, false
			}
			c.logger.Warn("failed to poll close request", zap.Int64("request_id", req.ID), zap.Error(err))
			continue
		}
		current = next
	}
}

// execute вызывает брокера с повторами и фиксирует исход
func (c *Closer) execute(ctx context.Context, target CloseTarget, req *models.CloseRequest, log *zap.Logger) CloseResult {
	settings := effectiveGuards(c.defaults, target.User, c.logger)
	policy := c.cfg.Policy.
		WithMaxAttempts(settings.CloseRetryMaxAttempts).
		WithOnRetry(func(attempt int, err error, delay time.Duration) {
			log.Warn("close attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		})

	started := c.now()
	res, err := retry.DoWithResult(ctx, policy, func(ctx context.Context) (*broker.CloseResult, error) {
		req.Attempts++
		out, err := c.broker.ClosePosition(ctx, target.User, target.Ticket, req.IdempotencyKey, target.Reason)
		if err != nil {
			return nil, err
		}
		if !out.Closed {
			return nil, retry.Permanent(fmt.Errorf("broker did not close position: %s", out.Message))
		}
		return out, nil
	})

	// Итог фиксируется даже при остановке: брокер мог уже закрыть позицию
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err != nil {
		if ctx.Err() != nil {
			// Остановка: запрос остаётся PENDING и будет дождан или переотправлен
			req.LastError = err.Error()
			if uerr := c.store.WithinTx(recordCtx, func(tx AuditTx) error {
				return tx.UpdateCloseRequest(recordCtx, req)
			}); uerr != nil {
				log.Error("failed to update pending close request", zap.Error(uerr))
			}
			log.Warn("close interrupted, request left pending", zap.Error(err))
			return CloseResult{BrokerTicket: target.Ticket, RequestID: req.ID, Err: fmt.Errorf("%w: %v", ErrClosePending, err)}
		}
		return c.fail(recordCtx, target, req, err, log)
	}

	return c.succeed(recordCtx, target, req, res, started, log)
}

func (c *Closer) succeed(ctx context.Context, target CloseTarget, req *models.CloseRequest, res *broker.CloseResult, started time.Time, log *zap.Logger) CloseResult {
	closedAt := res.ClosedAt
	if closedAt.IsZero() {
		closedAt = c.now()
	}
	pnl := c.realizedPnL(target, res)

	req.Result = models.CloseResultSucceeded
	req.ExecutedAt = &closedAt
	req.LastError = ""

	ticket := target.Ticket
	if res.Ticket != "" {
		ticket = res.Ticket
	}

	err := withinTx(ctx, c.store, c.publisher, func(tx AuditTx) error {
		if err := tx.UpdateCloseRequest(ctx, req); err != nil {
			return fmt.Errorf("update close request: %w", err)
		}
		if target.Trade != nil {
			err := tx.MarkClosed(ctx, target.Trade.ID, models.CloseInfo{
				ClosePrice:  res.ClosePrice,
				RealizedPnL: pnl,
				Reason:      target.Reason,
				ClosedAt:    closedAt,
			})
			if err != nil && !errors.Is(err, repository.ErrTradeNotOpen) {
				return fmt.Errorf("mark trade closed: %w", err)
			}
		}
		detail := map[string]interface{}{
			"ticket":       ticket,
			"request_id":   req.ID,
			"result":       req.Result,
			"reason":       target.Reason,
			"attempts":     req.Attempts,
			"close_price":  res.ClosePrice,
			"realized_pnl": pnl,
		}
		if target.Trade != nil {
			detail["trade_id"] = target.Trade.ID
		}
		return tx.AppendEvent(ctx, models.NewEvent(models.EventCloseResult, target.User.ID, models.SeverityInfo, detail))
	})
	if err != nil {
		// Брокер закрыл позицию, учёт не обновился: следующий тик покажет unmatched_tracked
		log.Error("position closed but result not recorded", zap.Error(err))
		return CloseResult{Succeeded: true, BrokerTicket: ticket, RequestID: req.ID, ClosePrice: res.ClosePrice, RealizedPnL: pnl,
			Err: &PipelineError{Stage: "record_close", Err: err}}
	}

	c.metrics.CloseAttempts.WithLabelValues("succeeded").Inc()
	c.metrics.CloseLatency.Observe(c.now().Sub(started).Seconds())

	uid := target.User.ID
	c.notifier.SendAlert(ctx, &models.Notification{
		Type:     models.NotificationTypeClose,
		Severity: models.SeverityWarning,
		UserID:   &uid,
		Message:  fmt.Sprintf("Position #%s %s closed automatically (%s)", ticket, target.Symbol, target.Reason),
		Meta:     map[string]interface{}{"ticket": ticket, "realized_pnl": pnl, "close_price": res.ClosePrice},
	})

	log.Info("position closed",
		zap.Int("attempts", req.Attempts),
		zap.Float64("close_price", res.ClosePrice),
		zap.Float64("realized_pnl", pnl),
	)
	return CloseResult{Succeeded: true, BrokerTicket: ticket, RequestID: req.ID, ClosePrice: res.ClosePrice, RealizedPnL: pnl}
}

func (c *Closer) fail(ctx context.Context, target CloseTarget, req *models.CloseRequest, cause error, log *zap.Logger) CloseResult {
	now := c.now()
	req.Result = models.CloseResultFailed
	req.LastError = cause.Error()
	req.ExecutedAt = &now

	failure := &CloseFailed{Ticket: target.Ticket, Attempts: req.Attempts, Err: cause}

	err := withinTx(ctx, c.store, c.publisher, func(tx AuditTx) error {
		if err := tx.UpdateCloseRequest(ctx, req); err != nil {
			return fmt.Errorf("update close request: %w", err)
		}
		detail := map[string]interface{}{
			"ticket":     target.Ticket,
			"request_id": req.ID,
			"result":     req.Result,
			"reason":     target.Reason,
			"attempts":   req.Attempts,
			"error":      cause.Error(),
		}
		if target.Trade != nil {
			detail["trade_id"] = target.Trade.ID
		}
		return tx.AppendEvent(ctx, models.NewEvent(models.EventCloseResult, target.User.ID, models.SeverityCritical, detail))
	})
	if err != nil {
		log.Error("failed to record close failure", zap.Error(err))
	}

	c.metrics.CloseAttempts.WithLabelValues("failed").Inc()

	// Текст ошибки брокера пользователю не отдаётся
	uid := target.User.ID
	c.notifier.SendAlert(ctx, &models.Notification{
		Type:     models.NotificationTypeCloseFailed,
		Severity: models.SeverityCritical,
		UserID:   &uid,
		Message: fmt.Sprintf("Automatic close of position #%s %s failed after %d attempts: operator intervention required",
			target.Ticket, target.Symbol, req.Attempts),
		Meta: map[string]interface{}{"ticket": target.Ticket, "request_id": req.ID, "reason": target.Reason},
	})

	log.Error("close failed", zap.Int("attempts", req.Attempts), zap.Error(cause))
	return CloseResult{BrokerTicket: target.Ticket, RequestID: req.ID, Err: failure}
}

// appendAttempt пишет CLOSE_ATTEMPT вне основной транзакции (переотправка)
func (c *Closer) appendAttempt(ctx context.Context, target CloseTarget, req *models.CloseRequest, reissue bool) error {
	return withinTx(ctx, c.store, c.publisher, func(tx AuditTx) error {
		return tx.AppendEvent(ctx, attemptEvent(target, req, reissue))
	})
}

func attemptEvent(target CloseTarget, req *models.CloseRequest, reissue bool) *models.ReconciliationEvent {
	detail := map[string]interface{}{
		"ticket":          target.Ticket,
		"request_id":      req.ID,
		"reason":          target.Reason,
		"idempotency_key": req.IdempotencyKey,
		"reissue":         reissue,
	}
	if target.Trade != nil {
		detail["trade_id"] = target.Trade.ID
	}
	return models.NewEvent(models.EventCloseAttempt, target.User.ID, models.SeverityWarning, detail)
}

// realizedPnL берёт PNL брокера или считает по цене закрытия
func (c *Closer) realizedPnL(target CloseTarget, res *broker.CloseResult) float64 {
	if res.RealizedPnL != nil {
		return *res.RealizedPnL
	}
	if target.Trade == nil {
		return 0
	}

	entry := target.EntryPrice
	if entry <= 0 {
		entry = target.Trade.ExpectedEntry
	}

	diff := decimal.NewFromFloat(res.ClosePrice).Sub(decimal.NewFromFloat(entry))
	if models.NormalizeSide(target.Trade.Side) == models.SideSell {
		diff = diff.Neg()
	}
	pnl, _ := diff.Mul(decimal.NewFromFloat(target.Trade.Volume)).Round(8).Float64()
	return pnl
}
