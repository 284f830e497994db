package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"reconciler/internal/models"
)

// GuardTrigger данные сработавшего риск-контроля
//
// Закрытый набор реализаций: DrawdownTrigger и MarketTrigger.
type GuardTrigger interface {
	Kind() models.GuardKind
	isGuardTrigger()
}

// DrawdownTrigger просадка счёта
type DrawdownTrigger struct {
	DrawdownPercent float64
	Equity          float64
	PeakEquity      float64
	Floor           float64
	FloorBreached   bool
}

func (DrawdownTrigger) Kind() models.GuardKind { return models.GuardKindDrawdown }
func (DrawdownTrigger) isGuardTrigger()        {}

// MarketTrigger небезопасный рынок по инструменту
type MarketTrigger struct {
	Symbol        string
	Reasons       []string // gap, liquidity, depth
	GapPercent    float64
	SpreadPercent float64
	Depth         *float64
}

func (MarketTrigger) Kind() models.GuardKind { return models.GuardKindMarket }
func (MarketTrigger) isGuardTrigger()        {}

// Причины небезопасного рынка
const (
	ReasonGap       = "gap"
	ReasonLiquidity = "liquidity"
	ReasonDepth     = "depth"
)

// Причины закрытия по просадке
const (
	ReasonDrawdown    = "drawdown"
	ReasonEquityFloor = "equity_floor"
)

// closeReason причина закрытия для CloseRequest и событий
func closeReason(t GuardTrigger) string {
	switch tr := t.(type) {
	case DrawdownTrigger:
		if tr.FloorBreached {
			return ReasonEquityFloor
		}
		return ReasonDrawdown
	case MarketTrigger:
		return "market:" + strings.Join(tr.Reasons, "+")
	default:
		panic(fmt.Sprintf("unhandled guard trigger %T", t))
	}
}

// triggerDetail данные срабатывания для журнала
func triggerDetail(t GuardTrigger) map[string]interface{} {
	switch tr := t.(type) {
	case DrawdownTrigger:
		return map[string]interface{}{
			"guard":            tr.Kind().String(),
			"drawdown_percent": tr.DrawdownPercent,
			"equity":           tr.Equity,
			"peak_equity":      tr.PeakEquity,
			"floor":            tr.Floor,
			"floor_breached":   tr.FloorBreached,
		}
	case MarketTrigger:
		d := map[string]interface{}{
			"guard":          tr.Kind().String(),
			"symbol":         tr.Symbol,
			"reasons":        tr.Reasons,
			"gap_percent":    tr.GapPercent,
			"spread_percent": tr.SpreadPercent,
		}
		if tr.Depth != nil {
			d["depth"] = *tr.Depth
		}
		return d
	default:
		panic(fmt.Sprintf("unhandled guard trigger %T", t))
	}
}

// userMessage текст уведомления пользователю без сырых данных брокера
func userMessage(t GuardTrigger, level string) string {
	switch tr := t.(type) {
	case DrawdownTrigger:
		if tr.FloorBreached {
			return fmt.Sprintf("Equity %.2f fell below the minimum floor %.2f: positions will be closed", tr.Equity, tr.Floor)
		}
		if level == models.LevelCritical {
			return fmt.Sprintf("Critical drawdown %.2f%% from peak equity: positions will be closed", tr.DrawdownPercent)
		}
		return fmt.Sprintf("Drawdown warning: %.2f%% from peak equity", tr.DrawdownPercent)
	case MarketTrigger:
		return fmt.Sprintf("Unsafe market on %s (%s): positions on this symbol will be closed",
			tr.Symbol, strings.Join(tr.Reasons, ", "))
	default:
		panic(fmt.Sprintf("unhandled guard trigger %T", t))
	}
}

// ============================================================
// Цели закрытия
// ============================================================

// CloseTarget позиция, которую нужно закрыть
type CloseTarget struct {
	User       *models.User
	Ticket     string
	Trade      *models.TrackedTrade // nil для позиции без учётной сделки
	Symbol     string
	EntryPrice float64 // цена входа по данным брокера
	Reason     string
	Triggers   []GuardTrigger
}

// closeTargets собирает цели закрытия с одной записью на тикет
//
// Несколько причин одной позиции склеиваются через запятую.
// Порядок: по времени создания учётной сделки.
type closeTargets struct {
	byTicket map[string]*CloseTarget
	order    []string
}

func newCloseTargets() *closeTargets {
	return &closeTargets{byTicket: make(map[string]*CloseTarget)}
}

func (c *closeTargets) add(user *models.User, pair MatchedPair, trigger GuardTrigger) {
	reason := closeReason(trigger)
	ticket := pair.Position.Ticket

	if t, ok := c.byTicket[ticket]; ok {
		t.Triggers = append(t.Triggers, trigger)
		for _, r := range strings.Split(t.Reason, ",") {
			if r == reason {
				return
			}
		}
		t.Reason += "," + reason
		return
	}

	c.byTicket[ticket] = &CloseTarget{
		User:       user,
		Ticket:     ticket,
		Trade:      pair.Trade,
		Symbol:     pair.Position.Symbol,
		EntryPrice: pair.Position.EntryPrice,
		Reason:     reason,
		Triggers:   []GuardTrigger{trigger},
	}
	c.order = append(c.order, ticket)
}

func (c *closeTargets) list() []*CloseTarget {
	out := make([]*CloseTarget, 0, len(c.order))
	for _, ticket := range c.order {
		out = append(out, c.byTicket[ticket])
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Trade, out[j].Trade
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}
