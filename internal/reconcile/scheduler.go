package reconcile

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"reconciler/internal/models"
)

// ============================================================
// Планировщик тиков сверки
// ============================================================

// SchedulerConfig параметры планировщика
type SchedulerConfig struct {
	TickInterval             time.Duration
	MaxConcurrentUsers       int
	ShutdownGrace            time.Duration
	TransientEscalationTicks int
}

// Причины пропуска пользователя в тике
const (
	SkipInFlight = "in_flight"
	SkipNoSlot   = "no_slot"
)

// Scheduler раз в тик запускает конвейеры активных пользователей
//
// Гарантии:
//   - не больше одного конвейера на пользователя одновременно
//   - не больше MaxConcurrentUsers конвейеров всего
//   - ошибка или паника конвейера не затрагивает других пользователей
type Scheduler struct {
	store     AuditStore
	runner    Runner
	notifier  Notifier
	publisher EventPublisher
	cfg       SchedulerConfig
	metrics   *Metrics
	logger    *zap.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu       sync.Mutex
	inFlight map[int64]struct{}
	streaks  map[int64]int // тиков подряд с TransientBrokerError
}

// NewScheduler создаёт планировщик
func NewScheduler(store AuditStore, runner Runner, notifier Notifier, publisher EventPublisher, cfg SchedulerConfig, metrics *Metrics, logger *zap.Logger) *Scheduler {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if cfg.MaxConcurrentUsers < 1 {
		cfg.MaxConcurrentUsers = 1
	}
	if cfg.TransientEscalationTicks < 1 {
		cfg.TransientEscalationTicks = 1
	}
	return &Scheduler{
		store:     store,
		runner:    runner,
		notifier:  notifier,
		publisher: publisher,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.Named("scheduler"),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentUsers)),
		inFlight:  make(map[int64]struct{}),
		streaks:   make(map[int64]int),
	}
}

// Run тикает до отмены ctx
//
// После отмены: новые тики не начинаются, конвейерам сигнализируется остановка,
// через ShutdownGrace незавершённые сетевые вызовы отменяются.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %v", s.cfg.TickInterval)
	}

	// ioCtx переживает ctx на время grace-периода
	ioCtx, cancelIO := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelIO()
	stop := make(chan struct{})

	s.logger.Info("scheduler started",
		zap.Duration("tick_interval", s.cfg.TickInterval),
		zap.Int("max_concurrent_users", s.cfg.MaxConcurrentUsers),
	)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.Tick(ctx, ioCtx, stop)

	for {
		select {
		case <-ctx.Done():
			s.shutdown(stop, cancelIO)
			return nil
		case <-ticker.C:
			s.Tick(ctx, ioCtx, stop)
		}
	}
}

func (s *Scheduler) shutdown(stop chan struct{}, cancelIO context.CancelFunc) {
	close(stop)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped, all pipelines finished")
	case <-time.After(s.cfg.ShutdownGrace):
		s.mu.Lock()
		abandoned := len(s.inFlight)
		s.mu.Unlock()
		s.logger.Warn("shutdown grace period expired, abandoning in-flight pipelines",
			zap.Int("pipelines", abandoned),
			zap.Duration("grace", s.cfg.ShutdownGrace),
		)
		cancelIO()
	}
}

// Tick раздаёт конвейеры пользователям в пределах одного интервала
//
// ctx - жизненный цикл планировщика, ioCtx - контекст сетевых вызовов конвейеров.
func (s *Scheduler) Tick(ctx, ioCtx context.Context, stop <-chan struct{}) {
	started := time.Now()
	s.metrics.Ticks.Inc()
	defer func() {
		s.metrics.TickDuration.Observe(time.Since(started).Seconds())
	}()

	tickCtx, cancel := context.WithDeadline(ctx, started.Add(s.cfg.TickInterval))
	defer cancel()

	users, err := s.store.ListActiveUsers(tickCtx)
	if err != nil {
		s.logger.Error("failed to list active users", zap.Error(err))
		return
	}

	for i, user := range users {
		if s.isInFlight(user.ID) {
			s.skip(ioCtx, user, SkipInFlight)
			continue
		}

		if err := s.sem.Acquire(tickCtx, 1); err != nil {
			if ctx.Err() != nil {
				// остановка планировщика, не пропуск
				s.logger.Info("tick interrupted by shutdown", zap.Int("pending_users", len(users)-i))
				return
			}
			// Дедлайн тика: остальные ждут следующего тика
			for _, rest := range users[i:] {
				s.skip(ioCtx, rest, SkipNoSlot)
			}
			return
		}

		s.markInFlight(user.ID)
		s.wg.Add(1)
		go s.runUser(ioCtx, stop, user)
	}
}

func (s *Scheduler) runUser(ctx context.Context, stop <-chan struct{}, user *models.User) {
	s.metrics.PipelinesActive.Inc()
	defer func() {
		s.metrics.PipelinesActive.Dec()
		s.clearInFlight(user.ID)
		s.sem.Release(1)
		s.wg.Done()
	}()

	log := s.logger.With(zap.Int64("user_id", user.ID))

	defer func() {
		if r := recover(); r != nil {
			s.metrics.PipelineErrors.WithLabelValues("panic").Inc()
			log.Error("pipeline panic",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			s.recordError(ctx, user, models.SeverityCritical, &PipelineError{Stage: "panic", Err: fmt.Errorf("%v", r)})
		}
	}()

	err := s.runner.Run(ctx, stop, user)

	var transient *TransientBrokerError
	switch {
	case err == nil:
		s.resetStreak(user.ID)

	case errors.Is(err, ErrStopped):
		log.Info("pipeline stopped at checkpoint")

	case errors.Is(err, context.Canceled):
		log.Warn("pipeline abandoned on shutdown", zap.Error(err))

	case errors.As(err, &transient):
		s.metrics.PipelineErrors.WithLabelValues("transient").Inc()
		streak := s.bumpStreak(user.ID)
		log.Warn("transient broker error", zap.Int("streak", streak), zap.Error(err))
		s.recordError(ctx, user, models.SeverityError, err)
		if streak == s.cfg.TransientEscalationTicks {
			s.escalateTransient(ctx, user, streak, transient)
		}

	default:
		s.metrics.PipelineErrors.WithLabelValues("pipeline").Inc()
		log.Error("pipeline failed", zap.Error(err))
		s.recordError(ctx, user, models.SeverityError, err)
	}
}

// escalateTransient одно операторское предупреждение на серию ошибок брокера
func (s *Scheduler) escalateTransient(ctx context.Context, user *models.User, streak int, cause *TransientBrokerError) {
	s.notifier.SendAlert(ctx, &models.Notification{
		Type:     models.NotificationTypeBroker,
		Severity: models.SeverityWarning,
		Message:  fmt.Sprintf("Broker unreachable for user %d for %d consecutive ticks", user.ID, streak),
		Meta:     map[string]interface{}{"user_id": user.ID, "op": cause.Op, "streak": streak},
	})
}

// recordError пишет PIPELINE_ERROR вне транзакции конвейера
func (s *Scheduler) recordError(ctx context.Context, user *models.User, severity string, err error) {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	e := models.NewEvent(models.EventPipelineError, user.ID, severity, map[string]interface{}{
		"error": err.Error(),
	})
	if aerr := s.store.AppendEvent(recordCtx, e); aerr != nil {
		s.logger.Error("failed to record pipeline error", zap.Int64("user_id", user.ID), zap.Error(aerr))
		return
	}
	s.publisher.PublishEvent(e)
}

func (s *Scheduler) skip(ctx context.Context, user *models.User, reason string) {
	s.metrics.UsersSkipped.WithLabelValues(reason).Inc()
	s.logger.Warn("user skipped in tick", zap.Int64("user_id", user.ID), zap.String("reason", reason))

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	e := models.NewEvent(models.EventTickSkipped, user.ID, models.SeverityWarning, map[string]interface{}{
		"reason": reason,
	})
	if err := s.store.AppendEvent(recordCtx, e); err != nil {
		s.logger.Error("failed to record skipped tick", zap.Int64("user_id", user.ID), zap.Error(err))
		return
	}
	s.publisher.PublishEvent(e)
}

func (s *Scheduler) isInFlight(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[userID]
	return ok
}

func (s *Scheduler) markInFlight(userID int64) {
	s.mu.Lock()
	s.inFlight[userID] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) clearInFlight(userID int64) {
	s.mu.Lock()
	delete(s.inFlight, userID)
	s.mu.Unlock()
}

func (s *Scheduler) bumpStreak(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaks[userID]++
	return s.streaks[userID]
}

func (s *Scheduler) resetStreak(userID int64) {
	s.mu.Lock()
	delete(s.streaks, userID)
	s.mu.Unlock()
}

// Wait ждёт завершения запущенных конвейеров
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
