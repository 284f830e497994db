package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reconciler/internal/broker"
	"reconciler/internal/models"
)

func TestPipeline_CleanTick(t *testing.T) {
	h := newHarness(t)
	user := testUser(1)
	tr := trade(1, 1, "EURUSD", models.SideBuy, 0.10, 1.1000)
	tr.BrokerTicket = ticketPtr("T1")
	h.store.addTrade(tr)
	h.broker.positions[1] = []models.BrokerPosition{position("T1", "EURUSD", "BUY", 0.10, 1.1000)}

	err := h.pipeline.Run(context.Background(), nil, user)
	require.NoError(t, err)

	assert.Len(t, h.store.events(models.EventSync), 1)
	assert.Empty(t, h.store.events(models.EventDivergence))
	assert.Len(t, h.store.snapshots(), 1)
	assert.Empty(t, h.broker.calls())
	assert.Empty(t, h.store.alerts())

	// события публикуются в ленту после commit
	assert.NotEmpty(t, h.publisher.events)
}

func TestPipeline_DrawdownClosesAllMatched(t *testing.T) {
	h := newHarness(t)
	user := testUser(1)
	h.store.addTrade(trade(1, 1, "EURUSD", models.SideBuy, 0.10, 1.1000))
	h.store.addTrade(trade(2, 1, "GBPUSD", models.SideSell, 0.20, 1.2700))
	h.broker.positions[1] = []models.BrokerPosition{
		position("T1", "EURUSD", "BUY", 0.10, 1.1000),
		position("T2", "GBPUSD", "SELL", 0.20, 1.2700),
		position("MANUAL", "USDCHF", "BUY", 1.00, 0.9000),
	}

	h.broker.accounts[1] = &models.AccountSnapshot{Equity: 10000}
	require.NoError(t, h.pipeline.Run(context.Background(), nil, user))

	h.broker.accounts[1] = &models.AccountSnapshot{Equity: 7500}
	require.NoError(t, h.pipeline.Run(context.Background(), nil, user))

	calls := h.broker.calls()
	require.Len(t, calls, 2, "only tracked positions are force-closed")
	assert.Equal(t, "T1", calls[0].Ticket)
	assert.Equal(t, "T2", calls[1].Ticket)
	assert.Equal(t, ReasonDrawdown, calls[0].Reason)

	assert.Equal(t, models.TradeStatusClosed, h.store.trade(1).Status)
	assert.Equal(t, models.TradeStatusClosed, h.store.trade(2).Status)

	// алерт закрыт после закрытия всех позиций
	alerts := h.store.alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.LevelResolved, alerts[0].Level)
	assert.Equal(t, models.ResolutionPositionsClosed, alerts[0].Resolution)

	assert.Len(t, h.notifier.byType(models.NotificationTypeDrawdown), 1)
	assert.Len(t, h.notifier.byType(models.NotificationTypeClose), 2)
	assert.Len(t, h.notifier.byType(models.NotificationTypeResolved), 1)
}

func TestPipeline_MarketClosesOnlySymbol(t *testing.T) {
	h := newHarness(t)
	user := testUser(1)
	h.store.addTrade(trade(1, 1, "XAUUSD", models.SideBuy, 0.10, 2000))
	h.store.addTrade(trade(2, 1, "EURUSD", models.SideBuy, 0.10, 1.1000))
	h.broker.positions[1] = []models.BrokerPosition{
		position("G1", "XAUUSD", "BUY", 0.10, 2000),
		position("E1", "EURUSD", "BUY", 0.10, 1.1000),
	}
	h.broker.quotes["XAUUSD"] = &models.MarketQuote{Symbol: "XAUUSD", LastClose: 2000, CurrentOpen: 2110, Bid: 2110, Ask: 2200}

	require.NoError(t, h.pipeline.Run(context.Background(), nil, user))

	calls := h.broker.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "G1", calls[0].Ticket)
	assert.Equal(t, "market:gap+liquidity", calls[0].Reason)

	// каждая причина записана отдельно, закрытие одно
	assert.Len(t, h.store.events(models.EventGuardTrigger), 2)
	assert.Len(t, h.store.requests(), 1)
	assert.Equal(t, "market:gap+liquidity", h.store.requests()[0].Reason)

	assert.Equal(t, models.TradeStatusClosed, h.store.trade(1).Status)
	assert.Equal(t, models.TradeStatusOpen, h.store.trade(2).Status)
}

func TestPipeline_DrawdownAndMarketCloseOnce(t *testing.T) {
	h := newHarness(t)
	user := testUser(1)
	h.store.addTrade(trade(1, 1, "XAUUSD", models.SideBuy, 0.10, 2000))
	h.broker.positions[1] = []models.BrokerPosition{position("G1", "XAUUSD", "BUY", 0.10, 2000)}
	h.broker.quotes["XAUUSD"] = &models.MarketQuote{Symbol: "XAUUSD", LastClose: 2000, CurrentOpen: 2110, Bid: 2110, Ask: 2110.5}

	h.broker.accounts[1] = &models.AccountSnapshot{Equity: 10000}
	h.broker.quotes["XAUUSD"] = &models.MarketQuote{Symbol: "XAUUSD", LastClose: 2000, CurrentOpen: 2000, Bid: 2000, Ask: 2000.5}
	require.NoError(t, h.pipeline.Run(context.Background(), nil, user))

	h.broker.accounts[1] = &models.AccountSnapshot{Equity: 7000}
	h.broker.quotes["XAUUSD"] = &models.MarketQuote{Symbol: "XAUUSD", LastClose: 2000, CurrentOpen: 2110, Bid: 2110, Ask: 2110.5}
	require.NoError(t, h.pipeline.Run(context.Background(), nil, user))

	calls := h.broker.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "drawdown,market:gap", calls[0].Reason)
}

func TestPipeline_NewTradeInUnsafeMarketOpensNewAlert(t *testing.T) {
	h := newHarness(t)
	user := testUser(1)
	h.broker.quotes["XAUUSD"] = &models.MarketQuote{Symbol: "XAUUSD", LastClose: 2000, CurrentOpen: 2110, Bid: 2110, Ask: 2200}

	h.store.addTrade(trade(1, 1, "XAUUSD", models.SideBuy, 0.10, 2000))
	h.broker.positions[1] = []models.BrokerPosition{position("G1", "XAUUSD", "BUY", 0.10, 2000)}
	require.NoError(t, h.pipeline.Run(context.Background(), nil, user))

	h.broker.positions[1] = nil
	require.NoError(t, h.pipeline.Run(context.Background(), nil, user))

	// рынок всё ещё небезопасен, открыта новая сделка
	h.store.addTrade(trade(2, 1, "XAUUSD", models.SideBuy, 0.10, 2000))
	h.broker.positions[1] = []models.BrokerPosition{position("G2", "XAUUSD", "BUY", 0.10, 2000)}
	require.NoError(t, h.pipeline.Run(context.Background(), nil, user))

	calls := h.broker.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "G2", calls[1].Ticket)

	assert.Len(t, h.notifier.byType(models.NotificationTypeMarket), 2, "each forced close is alerted")
	alerts := h.store.alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, models.ResolutionPositionsClosed, alerts[1].Resolution)
	assert.Equal(t, "XAUUSD", alerts[1].Symbol)
}

func TestPipeline_NewTradeInDrawdownOpensNewAlert(t *testing.T) {
	h := newHarness(t)
	user := testUser(1)

	h.store.addTrade(trade(1, 1, "EURUSD", models.SideBuy, 0.10, 1.1000))
	h.broker.positions[1] = []models.BrokerPosition{position("T1", "EURUSD", "BUY", 0.10, 1.1000)}
	h.broker.accounts[1] = &models.AccountSnapshot{Equity: 10000}
	require.NoError(t, h.pipeline.Run(context.Background(), nil, user))

	h.broker.accounts[1] = &models.AccountSnapshot{Equity: 7500}
	require.NoError(t, h.pipeline.Run(context.Background(), nil, user))

	// позиций нет, просадка держится: без нового алерта
	h.broker.positions[1] = nil
	h.broker.accounts[1] = &models.AccountSnapshot{Equity: 8300}
	require.NoError(t, h.pipeline.Run(context.Background(), nil, user))
	assert.Len(t, h.notifier.byType(models.NotificationTypeDrawdown), 1)

	h.store.addTrade(trade(2, 1, "GBPUSD", models.SideBuy, 0.10, 1.2700))
	h.broker.positions[1] = []models.BrokerPosition{position("T2", "GBPUSD", "BUY", 0.10, 1.2700)}
	h.broker.accounts[1] = &models.AccountSnapshot{Equity: 7000}
	require.NoError(t, h.pipeline.Run(context.Background(), nil, user))

	calls := h.broker.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "T2", calls[1].Ticket)

	assert.Len(t, h.notifier.byType(models.NotificationTypeDrawdown), 2)
	assert.Len(t, h.store.events(models.EventGuardTrigger), 2)
	alerts := h.store.alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, models.LevelResolved, alerts[1].Level)
	assert.Equal(t, models.ResolutionPositionsClosed, alerts[1].Resolution)
}

func TestPipeline_PendingTradeIgnored(t *testing.T) {
	h := newHarness(t)
	user := testUser(1)
	pending := trade(1, 1, "EURUSD", models.SideBuy, 0.10, 1.1000)
	pending.Status = models.TradeStatusPending
	h.store.addTrade(pending)

	h.broker.accounts[1] = &models.AccountSnapshot{Equity: 10000}
	require.NoError(t, h.pipeline.Run(context.Background(), nil, user))
	h.broker.accounts[1] = &models.AccountSnapshot{Equity: 7000}
	require.NoError(t, h.pipeline.Run(context.Background(), nil, user))

	// брокер ещё не исполнил ордер: это не расхождение
	assert.Empty(t, h.store.events(models.EventDivergence))
	assert.Empty(t, h.broker.calls())
	assert.Empty(t, h.store.requests())
	assert.Equal(t, models.TradeStatusPending, h.store.trade(1).Status)
}

func TestPipeline_TransientFetch(t *testing.T) {
	h := newHarness(t)
	user := testUser(1)
	h.broker.fetchErr[1] = transientErr("positions")

	err := h.pipeline.Run(context.Background(), nil, user)

	var transient *TransientBrokerError
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, "fetch_positions", transient.Op)
	assert.Empty(t, h.store.events(""), "nothing recorded for a failed fetch")
}

func TestPipeline_PermanentFetchIsPipelineError(t *testing.T) {
	h := newHarness(t)
	user := testUser(1)
	h.broker.fetchErr[1] = &broker.Error{Op: "positions", StatusCode: 401, Message: "bad signature"}

	err := h.pipeline.Run(context.Background(), nil, user)

	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
}

func TestPipeline_QuoteFailureSkipsSymbol(t *testing.T) {
	h := newHarness(t)
	user := testUser(1)
	h.store.addTrade(trade(1, 1, "XAUUSD", models.SideBuy, 0.10, 2000))
	h.store.addTrade(trade(2, 1, "EURUSD", models.SideBuy, 0.10, 1.1000))
	h.broker.positions[1] = []models.BrokerPosition{
		position("G1", "XAUUSD", "BUY", 0.10, 2000),
		position("E1", "EURUSD", "BUY", 0.10, 1.1000),
	}
	h.broker.quoteErr["XAUUSD"] = transientErr("quote")
	h.broker.quotes["EURUSD"] = &models.MarketQuote{Symbol: "EURUSD", LastClose: 1.0, CurrentOpen: 1.1, Bid: 1.1, Ask: 1.1001}

	err := h.pipeline.Run(context.Background(), nil, user)

	var transient *TransientBrokerError
	require.True(t, errors.As(err, &transient))
	assert.Contains(t, transient.Op, "XAUUSD")

	// EURUSD проверен и закрыт несмотря на сбой котировки золота
	calls := h.broker.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "E1", calls[0].Ticket)
	assert.Len(t, h.store.events(models.EventSync), 1)
}

func TestPipeline_StopAtCheckpoint(t *testing.T) {
	h := newHarness(t)
	user := testUser(1)

	err := h.pipeline.Run(context.Background(), closedStop(), user)

	assert.ErrorIs(t, err, ErrStopped)
	assert.Empty(t, h.store.events(""))
	assert.Empty(t, h.store.snapshots())
}

func TestPipeline_TxFailureIsPipelineError(t *testing.T) {
	h := newHarness(t)
	user := testUser(1)
	h.store.failTx = errors.New("connection refused")

	err := h.pipeline.Run(context.Background(), nil, user)

	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "evaluate", pe.Stage)
	assert.Empty(t, h.notifier.sent)
}

func TestCloseTargets_Dedup(t *testing.T) {
	user := testUser(1)
	t1 := trade(1, 1, "XAUUSD", models.SideBuy, 0.1, 2000)
	t2 := trade(2, 1, "EURUSD", models.SideBuy, 0.1, 1.1)
	p1 := MatchedPair{Trade: t1, Position: position("G1", "XAUUSD", "BUY", 0.1, 2000)}
	p2 := MatchedPair{Trade: t2, Position: position("E1", "EURUSD", "BUY", 0.1, 1.1)}

	targets := newCloseTargets()
	targets.add(user, p2, DrawdownTrigger{DrawdownPercent: 25})
	targets.add(user, p1, DrawdownTrigger{DrawdownPercent: 25})
	targets.add(user, p1, MarketTrigger{Symbol: "XAUUSD", Reasons: []string{ReasonGap}})
	targets.add(user, p1, MarketTrigger{Symbol: "XAUUSD", Reasons: []string{ReasonGap}})

	list := targets.list()
	require.Len(t, list, 2)
	assert.Equal(t, "G1", list[0].Ticket, "ordered by trade creation")
	assert.Equal(t, "drawdown,market:gap", list[0].Reason)
	assert.Len(t, list[0].Triggers, 3)
	assert.Equal(t, "E1", list[1].Ticket)
	assert.Equal(t, "drawdown", list[1].Reason)
}
