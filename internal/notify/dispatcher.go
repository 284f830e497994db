// Package notify доставляет уведомления риск-контроля: журнал в БД,
// websocket-лента операторов и необязательный внешний webhook.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"reconciler/internal/models"
)

// Сколько CRITICAL-уведомление может ждать места в очереди
const criticalEnqueueWait = time.Second

// Store журнал уведомлений
type Store interface {
	Create(ctx context.Context, n *models.Notification) error
}

// Broadcaster websocket-лента
type Broadcaster interface {
	BroadcastNotification(n *models.Notification)
}

// Config параметры диспетчера
type Config struct {
	WebhookURL string
	BufferSize int
	Timeout    time.Duration // на одну доставку (БД + webhook)
}

// Dispatcher асинхронный канал уведомлений
//
// SendAlert только ставит уведомление в очередь, доставку выполняет
// единственный воркер. Ошибки доставки логируются и не возвращаются.
// При переполнении очереди уведомление отбрасывается, CRITICAL ждёт
// место до criticalEnqueueWait.
type Dispatcher struct {
	queue   chan *models.Notification
	store   Store
	hub     Broadcaster
	webhook *WebhookSender
	timeout time.Duration

	dropped   prometheus.Counter
	delivered *prometheus.CounterVec

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger *zap.Logger
}

// NewDispatcher создаёт диспетчер; store и hub могут быть nil
func NewDispatcher(cfg Config, store Store, hub Broadcaster, reg prometheus.Registerer, logger *zap.Logger) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		queue:   make(chan *models.Notification, cfg.BufferSize),
		store:   store,
		hub:     hub,
		webhook: NewWebhookSender(cfg.WebhookURL, cfg.Timeout),
		timeout: cfg.Timeout,
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reconciler",
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Notifications dropped because the queue was full",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconciler",
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Notification deliveries by channel and result",
		}, []string{"channel", "result"}),
		done:   make(chan struct{}),
		logger: logger.Named("notify"),
	}
	if reg != nil {
		reg.MustRegister(d.dropped, d.delivered)
	}
	return d
}

// Start запускает воркер доставки
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.worker()
}

// SendAlert ставит уведомление в очередь (fire-and-forget)
func (d *Dispatcher) SendAlert(ctx context.Context, n *models.Notification) {
	if n == nil {
		return
	}
	select {
	case <-d.done:
		d.logger.Warn("notification after shutdown dropped", zap.String("type", n.Type))
		return
	default:
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	select {
	case d.queue <- n:
		return
	default:
	}

	if n.Severity == models.SeverityCritical {
		timer := time.NewTimer(criticalEnqueueWait)
		defer timer.Stop()
		select {
		case d.queue <- n:
			return
		case <-ctx.Done():
		case <-timer.C:
		case <-d.done:
		}
	}

	d.dropped.Inc()
	d.logger.Warn("notification queue full, dropped",
		zap.String("type", n.Type),
		zap.String("severity", n.Severity))
}

// Close прекращает приём и дожидается доставки очереди или истечения ctx
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.done) })

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		case <-d.done:
			// Дренируем то, что уже в очереди
			for {
				select {
				case n := <-d.queue:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

// deliver отправляет уведомление во все каналы, ошибка одного не мешает остальным
func (d *Dispatcher) deliver(n *models.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if d.store != nil {
		if err := d.store.Create(ctx, n); err != nil {
			d.delivered.WithLabelValues("store", "error").Inc()
			d.logger.Error("failed to persist notification",
				zap.String("type", n.Type),
				zap.Error(err))
		} else {
			d.delivered.WithLabelValues("store", "ok").Inc()
		}
	}

	if d.hub != nil {
		d.hub.BroadcastNotification(n)
		d.delivered.WithLabelValues("ws", "ok").Inc()
	}

	if d.webhook != nil {
		if err := d.webhook.Send(ctx, n); err != nil {
			d.delivered.WithLabelValues("webhook", "error").Inc()
			d.logger.Warn("webhook delivery failed",
				zap.String("type", n.Type),
				zap.Error(err))
		} else {
			d.delivered.WithLabelValues("webhook", "ok").Inc()
		}
	}
}
