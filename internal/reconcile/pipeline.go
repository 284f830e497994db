package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reconciler/internal/broker"
	"reconciler/internal/models"
	"reconciler/pkg/retry"
)

// ============================================================
// Конвейер одного пользователя за тик
// ============================================================
//
// fetch -> Sync -> DrawdownGuard -> MarketGuard -> commit -> уведомления -> закрытия
//
// Чтение у брокера идёт до транзакции, закрытия - после неё:
// транзакция не держится открытой на время сетевых вызовов.

// Runner выполняет конвейер пользователя
type Runner interface {
	Run(ctx context.Context, stop <-chan struct{}, user *models.User) error
}

// Pipeline конвейер сверки и риск-контроля
type Pipeline struct {
	broker    broker.Client
	store     AuditStore
	matcher   *Matcher
	drawdown  *DrawdownGuard
	market    *MarketGuard
	closer    *Closer
	notifier  Notifier
	publisher EventPublisher
	metrics   *Metrics
	logger    *zap.Logger

	fetchPolicy      retry.Policy
	quoteConcurrency int
	now              func() time.Time
}

// PipelineDeps зависимости конвейера
type PipelineDeps struct {
	Broker    broker.Client
	Store     AuditStore
	Matcher   *Matcher
	Drawdown  *DrawdownGuard
	Market    *MarketGuard
	Closer    *Closer
	Notifier  Notifier
	Publisher EventPublisher
	Metrics   *Metrics
	Logger    *zap.Logger

	FetchPolicy      retry.Policy
	QuoteConcurrency int
}

// NewPipeline создаёт конвейер
func NewPipeline(d PipelineDeps) *Pipeline {
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Publisher == nil {
		d.Publisher = nopPublisher{}
	}
	if d.QuoteConcurrency <= 0 {
		d.QuoteConcurrency = 4
	}
	return &Pipeline{
		broker:           d.Broker,
		store:            d.Store,
		matcher:          d.Matcher,
		drawdown:         d.Drawdown,
		market:           d.Market,
		closer:           d.Closer,
		notifier:         d.Notifier,
		publisher:        d.Publisher,
		metrics:          d.Metrics,
		logger:           d.Logger.Named("pipeline"),
		fetchPolicy:      d.FetchPolicy,
		quoteConcurrency: d.QuoteConcurrency,
		now:              time.Now,
	}
}

// TickOutcome итог вычислительной части тика (до закрытий)
type TickOutcome struct {
	Sync     *SyncResult
	Drawdown *GuardDecision
	Market   map[string]*MarketDecision
	Targets  []*CloseTarget
}

// Run выполняет конвейер пользователя
//
// ctx ограничивает сетевые вызовы; закрытие stop просит остановиться
// на ближайшей контрольной точке (между шагами, не посреди вызова).
func (p *Pipeline) Run(ctx context.Context, stop <-chan struct{}, user *models.User) error {
	started := p.now()
	defer func() {
		p.metrics.PipelineDuration.Observe(p.now().Sub(started).Seconds())
	}()

	log := p.logger.With(zap.Int64("user_id", user.ID))

	// 1. Чтение состояния у брокера
	positions, err := retry.DoWithResult(ctx, p.fetchPolicy, func(ctx context.Context) ([]models.BrokerPosition, error) {
		return p.broker.FetchPositions(ctx, user)
	})
	if err != nil {
		return classifyFetchError("fetch_positions", err)
	}
	if stopped(stop) {
		return ErrStopped
	}

	account, err := retry.DoWithResult(ctx, p.fetchPolicy, func(ctx context.Context) (*models.AccountSnapshot, error) {
		return p.broker.FetchAccount(ctx, user)
	})
	if err != nil {
		return classifyFetchError("fetch_account", err)
	}
	if stopped(stop) {
		return ErrStopped
	}

	quotes, quoteErr := p.fetchQuotes(ctx, user, positions)
	if quoteErr != nil {
		log.Warn("some quotes unavailable, market check skipped for them", zap.Error(quoteErr))
	}
	if stopped(stop) {
		return ErrStopped
	}

	// 2. Сверка и риск-контроль в одной транзакции
	var (
		outcome       *TickOutcome
		notifications []*models.Notification
	)
	err = withinTx(ctx, p.store, p.publisher, func(tx AuditTx) error {
		var err error
		outcome, notifications, err = p.evaluate(ctx, tx, user, positions, account, quotes)
		return err
	})
	if err != nil {
		return &PipelineError{Stage: "evaluate", Err: err}
	}

	// 3. Уведомления только о зафиксированном состоянии
	for _, n := range notifications {
		p.notifier.SendAlert(ctx, n)
	}

	// 4. Закрытия
	if len(outcome.Targets) > 0 {
		if err := p.closeTargets(ctx, stop, user, outcome, log); err != nil {
			return err
		}
	}

	if quoteErr != nil {
		return quoteErr
	}
	return nil
}

// evaluate сверка + просадка + рынок; возвращает цели закрытия
func (p *Pipeline) evaluate(
	ctx context.Context,
	tx AuditTx,
	user *models.User,
	positions []models.BrokerPosition,
	account *models.AccountSnapshot,
	quotes map[string]*models.MarketQuote,
) (*TickOutcome, []*models.Notification, error) {
	var notifications []*models.Notification

	syncResult, err := p.matcher.Sync(ctx, tx, user, positions)
	if err != nil {
		return nil, nil, err
	}

	decision, err := p.drawdown.Check(ctx, tx, user, account, len(syncResult.Matched))
	if err != nil {
		return nil, nil, err
	}
	notifications = append(notifications, decision.Notifications...)

	targets := newCloseTargets()
	if decision.ShouldForceClose {
		for _, pair := range syncResult.Matched {
			targets.add(user, pair, decision.Trigger)
		}
	}

	bySymbol := syncResult.MatchedBySymbol()
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	marketDecisions := make(map[string]*MarketDecision, len(symbols))
	for _, symbol := range symbols {
		q, ok := quotes[symbol]
		if !ok {
			continue
		}

		var required float64
		for _, pair := range bySymbol[symbol] {
			required += pair.Position.Volume
		}

		md, err := p.market.Check(ctx, tx, user, MarketInputFromQuote(q, required))
		if err != nil {
			return nil, nil, err
		}
		marketDecisions[symbol] = md
		notifications = append(notifications, md.Notifications...)

		if !md.Safe {
			for _, pair := range bySymbol[symbol] {
				targets.add(user, pair, *md.Trigger)
			}
		}
	}

	return &TickOutcome{
		Sync:     syncResult,
		Drawdown: decision,
		Market:   marketDecisions,
		Targets:  targets.list(),
	}, notifications, nil
}

// closeTargets закрывает позиции по одной; сбой одной не останавливает остальные
func (p *Pipeline) closeTargets(ctx context.Context, stop <-chan struct{}, user *models.User, outcome *TickOutcome, log *zap.Logger) error {
	closedBySymbol := make(map[string]int)
	failedBySymbol := make(map[string]int)
	failed := 0

	for _, target := range outcome.Targets {
		if stopped(stop) {
			return ErrStopped
		}

		res := p.closer.Close(ctx, *target)
		symbol := strings.ToUpper(target.Symbol)
		if res.Err != nil && !res.Succeeded {
			failed++
			failedBySymbol[symbol]++
			log.Warn("position not closed", zap.String("ticket", target.Ticket), zap.Error(res.Err))
			continue
		}
		closedBySymbol[symbol]++
	}

	// Алерты закрываются, когда закрыты все позиции, вызвавшие срабатывание
	var notifications []*models.Notification
	err := withinTx(ctx, p.store, p.publisher, func(tx AuditTx) error {
		if outcome.Drawdown.ShouldForceClose && failed == 0 {
			n, err := p.drawdown.ResolveClosed(ctx, tx, user)
			if err != nil {
				return err
			}
			if n != nil {
				notifications = append(notifications, n)
			}
		}
		for symbol, md := range outcome.Market {
			if md.Safe || failedBySymbol[symbol] > 0 || closedBySymbol[symbol] == 0 {
				continue
			}
			n, err := p.market.ResolveClosed(ctx, tx, user, symbol)
			if err != nil {
				return err
			}
			if n != nil {
				notifications = append(notifications, n)
			}
		}
		return nil
	})
	if err != nil {
		return &PipelineError{Stage: "resolve_alerts", Err: err}
	}

	for _, n := range notifications {
		p.notifier.SendAlert(ctx, n)
	}
	return nil
}

// fetchQuotes параллельно читает котировки инструментов позиций
//
// Ошибка одного инструмента не мешает остальным; возвращается
// TransientBrokerError со списком недоступных инструментов.
func (p *Pipeline) fetchQuotes(ctx context.Context, user *models.User, positions []models.BrokerPosition) (map[string]*models.MarketQuote, error) {
	seen := make(map[string]struct{})
	var symbols []string
	for _, pos := range positions {
		s := strings.ToUpper(pos.Symbol)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var (
		mu      sync.Mutex
		quotes  = make(map[string]*models.MarketQuote, len(symbols))
		missing []string
		lastErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.quoteConcurrency)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			q, err := retry.DoWithResult(gctx, p.fetchPolicy, func(ctx context.Context) (*models.MarketQuote, error) {
				return p.broker.FetchQuote(ctx, user, symbol)
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				missing = append(missing, symbol)
				lastErr = err
				return nil
			}
			if q.Symbol == "" {
				q.Symbol = symbol
			}
			quotes[symbol] = q
			return nil
		})
	}
	_ = g.Wait()

	if len(missing) > 0 {
		sort.Strings(missing)
		return quotes, &TransientBrokerError{
			Op:  "fetch_quote " + strings.Join(missing, ","),
			Err: fmt.Errorf("%d of %d quotes unavailable: %w", len(missing), len(symbols), lastErr),
		}
	}
	return quotes, nil
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
