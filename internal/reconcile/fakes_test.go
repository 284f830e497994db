package reconcile

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"reconciler/internal/broker"
	"reconciler/internal/config"
	"reconciler/internal/models"
	"reconciler/internal/repository"
	"reconciler/pkg/retry"
)

// ============================================================
// In-memory хранилище
// ============================================================

type memState struct {
	nextID    int64
	trades    []*models.TrackedTrade
	snapshots []*models.AccountSnapshot
	alerts    []*models.GuardAlert
	requests  []*models.CloseRequest
	events    []*models.ReconciliationEvent
	users     []*models.User
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memState) clone() *memState {
	out := &memState{nextID: s.nextID, users: s.users}
	for _, t := range s.trades {
		cp := *t
		out.trades = append(out.trades, &cp)
	}
	for _, sn := range s.snapshots {
		cp := *sn
		out.snapshots = append(out.snapshots, &cp)
	}
	for _, a := range s.alerts {
		cp := *a
		out.alerts = append(out.alerts, &cp)
	}
	for _, r := range s.requests {
		cp := *r
		out.requests = append(out.requests, &cp)
	}
	out.events = append(out.events, s.events...)
	return out
}

// memStore реализует AuditStore; транзакция - копия состояния, commit - замена
type memStore struct {
	mu    sync.Mutex
	state *memState

	failTx    error // ошибка любой транзакции
	failUsers error
}

func newMemStore() *memStore {
	return &memStore{state: &memState{}}
}

func (s *memStore) WithinTx(ctx context.Context, fn func(tx AuditTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTx != nil {
		return s.failTx
	}
	work := s.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *memStore) GetCloseRequest(ctx context.Context, id int64) (*models.CloseRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.state.requests {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, repository.ErrCloseRequestNotFound
}

func (s *memStore) ListActiveUsers(ctx context.Context) ([]*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUsers != nil {
		return nil, s.failUsers
	}
	var out []*models.User
	for _, u := range s.state.users {
		if u.Active {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *memStore) AppendEvent(ctx context.Context, e *models.ReconciliationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s.state}).AppendEvent(ctx, e)
}

// Помощники тестов

func (s *memStore) addUser(u *models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.users = append(s.state.users, u)
}

func (s *memStore) addTrade(t *models.TrackedTrade) *models.TrackedTrade {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		t.ID = s.state.id()
	}
	if t.Status == "" {
		t.Status = models.TradeStatusOpen
	}
	s.state.trades = append(s.state.trades, t)
	cp := *t
	return &cp
}

func (s *memStore) addRequest(r *models.CloseRequest) *models.CloseRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.state.id()
	s.state.requests = append(s.state.requests, r)
	cp := *r
	return &cp
}

func (s *memStore) setRequestResult(id int64, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.state.requests {
		if r.ID == id {
			r.Result = result
		}
	}
}

func (s *memStore) trade(id int64) *models.TrackedTrade {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.state.trades {
		if t.ID == id {
			cp := *t
			return &cp
		}
	}
	return nil
}

func (s *memStore) requests() []*models.CloseRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.CloseRequest, 0, len(s.state.requests))
	for _, r := range s.state.requests {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

func (s *memStore) snapshots() []*models.AccountSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.AccountSnapshot(nil), s.state.snapshots...)
}

func (s *memStore) alerts() []*models.GuardAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.GuardAlert(nil), s.state.alerts...)
}

func (s *memStore) events(eventType string) []*models.ReconciliationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ReconciliationEvent
	for _, e := range s.state.events {
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) userEvents(userID int64, eventType string) []*models.ReconciliationEvent {
	var out []*models.ReconciliationEvent
	for _, e := range s.events(eventType) {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

type memTx struct {
	s *memState
}

func (t *memTx) LoadOpenTrades(ctx context.Context, userID int64) ([]*models.TrackedTrade, error) {
	var out []*models.TrackedTrade
	for _, tr := range t.s.trades {
		if tr.UserID == userID && tr.Status == models.TradeStatusOpen {
			cp := *tr
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return tradeLess(out[i], out[j]) })
	return out, nil
}

func (t *memTx) MarkClosed(ctx context.Context, tradeID int64, info models.CloseInfo) error {
	for _, tr := range t.s.trades {
		if tr.ID == tradeID && tr.Status != models.TradeStatusClosed {
			tr.Status = models.TradeStatusClosed
			tr.ClosePrice = &info.ClosePrice
			tr.RealizedPnL = &info.RealizedPnL
			tr.CloseReason = info.Reason
			tr.ClosedAt = &info.ClosedAt
			return nil
		}
	}
	return repository.ErrTradeNotOpen
}

func (t *memTx) LatestSnapshot(ctx context.Context, userID int64) (*models.AccountSnapshot, error) {
	for i := len(t.s.snapshots) - 1; i >= 0; i-- {
		if t.s.snapshots[i].UserID == userID {
			cp := *t.s.snapshots[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertSnapshot(ctx context.Context, sn *models.AccountSnapshot) error {
	sn.ID = t.s.id()
	cp := *sn
	t.s.snapshots = append(t.s.snapshots, &cp)
	return nil
}

func (t *memTx) LatestGuardAlert(ctx context.Context, userID int64, kind models.GuardKind, symbol string) (*models.GuardAlert, error) {
	for i := len(t.s.alerts) - 1; i >= 0; i-- {
		a := t.s.alerts[i]
		if a.UserID == userID && a.Kind == kind && a.Symbol == symbol {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) UpsertGuardAlert(ctx context.Context, a *models.GuardAlert) error {
	if a.ID == 0 {
		for _, existing := range t.s.alerts {
			if existing.UserID == a.UserID && existing.Kind == a.Kind && existing.Symbol == a.Symbol && existing.IsOpen() {
				return errors.New("open alert already exists")
			}
		}
		a.ID = t.s.id()
		cp := *a
		t.s.alerts = append(t.s.alerts, &cp)
		return nil
	}
	for i, existing := range t.s.alerts {
		if existing.ID == a.ID {
			cp := *a
			t.s.alerts[i] = &cp
			return nil
		}
	}
	return errors.New("alert not found")
}

func (t *memTx) PendingCloseRequest(ctx context.Context, ticket string) (*models.CloseRequest, error) {
	for _, r := range t.s.requests {
		if r.Ticket == ticket && r.Result == models.CloseResultPending {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertCloseRequest(ctx context.Context, r *models.CloseRequest) error {
	if r.Result == models.CloseResultPending {
		if p, _ := t.PendingCloseRequest(ctx, r.Ticket); p != nil {
			return repository.ErrPendingCloseExists
		}
	}
	r.ID = t.s.id()
	cp := *r
	t.s.requests = append(t.s.requests, &cp)
	return nil
}

func (t *memTx) UpdateCloseRequest(ctx context.Context, r *models.CloseRequest) error {
	for i, existing := range t.s.requests {
		if existing.ID == r.ID {
			cp := *r
			t.s.requests[i] = &cp
			return nil
		}
	}
	return repository.ErrCloseRequestNotFound
}

func (t *memTx) AppendEvent(ctx context.Context, e *models.ReconciliationEvent) error {
	e.ID = t.s.id()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	t.s.events = append(t.s.events, e)
	return nil
}

// ============================================================
// Брокер
// ============================================================

type closeCall struct {
	Ticket string
	Key    string
	Reason string
}

type fakeBroker struct {
	mu sync.Mutex

	positions map[int64][]models.BrokerPosition
	accounts  map[int64]*models.AccountSnapshot
	quotes    map[string]*models.MarketQuote

	fetchErr map[int64]error
	quoteErr map[string]error
	panicFor map[int64]bool
	block    map[int64]chan struct{} // FetchPositions ждёт закрытия канала

	closeFn    func(ticket, key string) (*broker.CloseResult, error)
	closeCalls []closeCall
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		positions: make(map[int64][]models.BrokerPosition),
		accounts:  make(map[int64]*models.AccountSnapshot),
		quotes:    make(map[string]*models.MarketQuote),
		fetchErr:  make(map[int64]error),
		quoteErr:  make(map[string]error),
		panicFor:  make(map[int64]bool),
		block:     make(map[int64]chan struct{}),
	}
}

func (b *fakeBroker) FetchPositions(ctx context.Context, user *models.User) ([]models.BrokerPosition, error) {
	b.mu.Lock()
	err := b.fetchErr[user.ID]
	panicNow := b.panicFor[user.ID]
	block := b.block[user.ID]
	positions := append([]models.BrokerPosition(nil), b.positions[user.ID]...)
	b.mu.Unlock()

	if panicNow {
		panic("broker adapter exploded")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return positions, nil
}

func (b *fakeBroker) FetchAccount(ctx context.Context, user *models.User) (*models.AccountSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.accounts[user.ID]; ok {
		cp := *a
		return &cp, nil
	}
	return &models.AccountSnapshot{Equity: 10000, Balance: 10000}, nil
}

func (b *fakeBroker) FetchQuote(ctx context.Context, user *models.User, symbol string) (*models.MarketQuote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.quoteErr[symbol]; err != nil {
		return nil, err
	}
	if q, ok := b.quotes[symbol]; ok {
		cp := *q
		return &cp, nil
	}
	return &models.MarketQuote{Symbol: symbol, LastClose: 1.1, CurrentOpen: 1.1, Bid: 1.1, Ask: 1.1001}, nil
}

func (b *fakeBroker) ClosePosition(ctx context.Context, user *models.User, ticket, key, reason string) (*broker.CloseResult, error) {
	b.mu.Lock()
	b.closeCalls = append(b.closeCalls, closeCall{Ticket: ticket, Key: key, Reason: reason})
	fn := b.closeFn
	b.mu.Unlock()

	if fn != nil {
		return fn(ticket, key)
	}
	return &broker.CloseResult{Ticket: ticket, Closed: true, ClosePrice: 1.1, ClosedAt: time.Now()}, nil
}

func (b *fakeBroker) calls() []closeCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]closeCall(nil), b.closeCalls...)
}

func transientErr(op string) error {
	return &broker.Error{Op: op, StatusCode: 503, Message: "upstream unavailable", Transient: true}
}

// ============================================================
// Уведомления и лента
// ============================================================

type recordingNotifier struct {
	mu   sync.Mutex
	sent []*models.Notification
}

func (n *recordingNotifier) SendAlert(ctx context.Context, msg *models.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *recordingNotifier) byType(t string) []*models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*models.Notification
	for _, m := range n.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.ReconciliationEvent
	alerts []*models.GuardAlert
}

func (p *recordingPublisher) PublishEvent(e *models.ReconciliationEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) PublishAlert(a *models.GuardAlert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
}

// ============================================================
// Сборка компонентов
// ============================================================

func testMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:  attempts,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		JitterFactor: 0,
	}
}

type harness struct {
	store     *memStore
	broker    *fakeBroker
	notifier  *recordingNotifier
	publisher *recordingPublisher
	metrics   *Metrics

	matcher  *Matcher
	drawdown *DrawdownGuard
	market   *MarketGuard
	closer   *Closer
	pipeline *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := zap.NewNop()
	h := &harness{
		store:     newMemStore(),
		broker:    newFakeBroker(),
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
		metrics:   testMetrics(),
	}

	guards := config.DefaultGuardSettings()
	h.matcher = NewMatcher(config.DefaultMatchSettings(), h.metrics, logger)
	h.drawdown = NewDrawdownGuard(guards, 2, h.metrics, logger)
	h.market = NewMarketGuard(guards, 2, h.metrics, logger)
	h.closer = NewCloser(h.broker, h.store, h.notifier, h.publisher, guards, CloserConfig{
		Policy:       fastPolicy(3),
		PollInterval: 5 * time.Millisecond,
		StaleAfter:   time.Minute,
	}, h.metrics, logger)
	h.pipeline = NewPipeline(PipelineDeps{
		Broker:      h.broker,
		Store:       h.store,
		Matcher:     h.matcher,
		Drawdown:    h.drawdown,
		Market:      h.market,
		Closer:      h.closer,
		Notifier:    h.notifier,
		Publisher:   h.publisher,
		Metrics:     h.metrics,
		Logger:      logger,
		FetchPolicy: fastPolicy(2),
	})
	return h
}

func testUser(id int64) *models.User {
	return &models.User{ID: id, Name: "user", Active: true, BrokerAccount: "ACC"}
}

func ticketPtr(s string) *string { return &s }

var baseTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func trade(id int64, userID int64, symbol, side string, volume, entry float64) *models.TrackedTrade {
	return &models.TrackedTrade{
		ID:            id,
		UserID:        userID,
		Symbol:        symbol,
		Side:          side,
		Volume:        volume,
		ExpectedEntry: entry,
		Status:        models.TradeStatusOpen,
		CreatedAt:     baseTime.Add(time.Duration(id) * time.Minute),
	}
}

func position(ticket, symbol, side string, volume, entry float64) models.BrokerPosition {
	return models.BrokerPosition{
		Ticket:       ticket,
		Symbol:       symbol,
		Side:         side,
		Volume:       volume,
		EntryPrice:   entry,
		CurrentPrice: entry,
		OpenedAt:     baseTime,
	}
}

func closedStop() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func kinds(divs []Divergence) []string {
	out := make([]string, 0, len(divs))
	for _, d := range divs {
		out = append(out, d.Kind)
	}
	sort.Strings(out)
	return out
}

func detailString(e *models.ReconciliationEvent, key string) string {
	v, _ := e.Detail[key].(string)
	return strings.TrimSpace(v)
}
