package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"reconciler/internal/config"
	"reconciler/internal/models"
	"reconciler/pkg/utils"
)

// ============================================================
// Сопоставление позиций брокера с учётными сделками
// ============================================================

// Виды расхождений
const (
	DivergenceSlippage         = "slippage"
	DivergenceVolume           = "volume"
	DivergenceLevels           = "levels"
	DivergenceUnmatchedBroker  = "unmatched_broker"
	DivergenceUnmatchedTracked = "unmatched_tracked"
)

// Проходы сопоставления
const (
	PassTicket    = "ticket"
	PassTolerance = "tolerance"
	PassLoose     = "loose"
)

// MatchedPair сопоставленная пара
type MatchedPair struct {
	Trade    *models.TrackedTrade
	Position models.BrokerPosition
	Pass     string
}

// Divergence расхождение между брокером и учётом
type Divergence struct {
	Kind    string
	Ticket  string
	TradeID *int64
	Symbol  string
	Detail  map[string]interface{}
}

// SyncResult результат сверки пользователя за тик
type SyncResult struct {
	Matched          []MatchedPair
	Divergences      []Divergence
	UnmatchedBroker  []models.BrokerPosition
	UnmatchedTracked []*models.TrackedTrade
}

// MatchedBySymbol сопоставленные пары по инструменту (в верхнем регистре)
func (r *SyncResult) MatchedBySymbol() map[string][]MatchedPair {
	out := make(map[string][]MatchedPair)
	for _, p := range r.Matched {
		s := strings.ToUpper(p.Position.Symbol)
		out[s] = append(out[s], p)
	}
	return out
}

// Matcher сопоставляет позиции и классифицирует расхождения
type Matcher struct {
	settings config.MatchSettings
	metrics  *Metrics
	logger   *zap.Logger
}

// NewMatcher создаёт Matcher
func NewMatcher(settings config.MatchSettings, metrics *Metrics, logger *zap.Logger) *Matcher {
	return &Matcher{
		settings: settings,
		metrics:  metrics,
		logger:   logger.Named("matcher"),
	}
}

// Sync сверяет позиции брокера с открытыми сделками пользователя
//
// Пишет по событию DIVERGENCE на каждое расхождение и одно SYNC с итогами.
// Статусы сделок не меняет.
func (m *Matcher) Sync(ctx context.Context, tx AuditTx, user *models.User, positions []models.BrokerPosition) (*SyncResult, error) {
	trades, err := tx.LoadOpenTrades(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load open trades: %w", err)
	}

	result := m.Pair(trades, positions)

	for _, d := range result.Divergences {
		detail := map[string]interface{}{
			"kind":   d.Kind,
			"ticket": d.Ticket,
			"symbol": d.Symbol,
		}
		if d.TradeID != nil {
			detail["trade_id"] = *d.TradeID
		}
		for k, v := range d.Detail {
			detail[k] = v
		}

		if err := tx.AppendEvent(ctx, models.NewEvent(models.EventDivergence, user.ID, models.SeverityWarning, detail)); err != nil {
			return nil, fmt.Errorf("append divergence event: %w", err)
		}
		m.metrics.Divergences.WithLabelValues(d.Kind).Inc()

		m.logger.Warn("divergence detected",
			zap.Int64("user_id", user.ID),
			zap.Error(&DivergenceDetected{Kind: d.Kind, Ticket: d.Ticket, Detail: d.Symbol}),
		)
	}

	summary := map[string]interface{}{
		"positions":         len(positions),
		"tracked":           len(trades),
		"matched":           len(result.Matched),
		"divergences":       len(result.Divergences),
		"unmatched_broker":  len(result.UnmatchedBroker),
		"unmatched_tracked": len(result.UnmatchedTracked),
	}
	if err := tx.AppendEvent(ctx, models.NewEvent(models.EventSync, user.ID, models.SeverityInfo, summary)); err != nil {
		return nil, fmt.Errorf("append sync event: %w", err)
	}

	return result, nil
}

// Pair сопоставляет позиции и сделки без побочных эффектов
//
// Жадно, в порядке создания сделок. Проходы:
//  1. по тикету брокера
//  2. по допускам: символ + сторона + объём (5%) + цена входа (2 пункта)
//  3. по символу и стороне, чтобы крупное расхождение классифицировать, а не терять
//
// Сделки с тикетом участвуют только в первом проходе.
// Результат не зависит от порядка входных срезов.
func (m *Matcher) Pair(trades []*models.TrackedTrade, positions []models.BrokerPosition) *SyncResult {
	trades = sortTrades(trades)
	positions = sortPositions(positions)

	claimedTrade := make([]bool, len(trades))
	claimedPos := make([]bool, len(positions))
	pairs := make([]MatchedPair, 0, len(positions))

	claim := func(ti, pi int, pass string) {
		claimedTrade[ti] = true
		claimedPos[pi] = true
		pairs = append(pairs, MatchedPair{Trade: trades[ti], Position: positions[pi], Pass: pass})
	}

	// 1. Тикет
	byTicket := make(map[string]int, len(trades))
	for ti, t := range trades {
		if ticket := t.Ticket(); ticket != "" {
			if _, dup := byTicket[ticket]; !dup {
				byTicket[ticket] = ti
			}
		}
	}
	for pi, p := range positions {
		if ti, ok := byTicket[p.Ticket]; ok && !claimedTrade[ti] {
			claim(ti, pi, PassTicket)
		}
	}

	// 2-3. Допуски, затем символ + сторона
	passes := []struct {
		name  string
		match func(t *models.TrackedTrade, p models.BrokerPosition) bool
	}{
		{PassTolerance, m.withinTolerance},
		{PassLoose, sameInstrument},
	}
	for _, pass := range passes {
		for pi, p := range positions {
			if claimedPos[pi] {
				continue
			}
			for ti, t := range trades {
				if claimedTrade[ti] || t.Ticket() != "" {
					continue
				}
				if pass.match(t, p) {
					claim(ti, pi, pass.name)
					break
				}
			}
		}
	}

	// Пары выдаются в порядке создания сделок
	sort.SliceStable(pairs, func(i, j int) bool {
		return tradeLess(pairs[i].Trade, pairs[j].Trade)
	})

	result := &SyncResult{Matched: pairs}
	for _, pair := range pairs {
		result.Divergences = append(result.Divergences, m.classify(pair)...)
	}

	for pi, p := range positions {
		if claimedPos[pi] {
			continue
		}
		result.UnmatchedBroker = append(result.UnmatchedBroker, p)
		result.Divergences = append(result.Divergences, Divergence{
			Kind:   DivergenceUnmatchedBroker,
			Ticket: p.Ticket,
			Symbol: p.Symbol,
			Detail: map[string]interface{}{
				"side":        models.NormalizeSide(p.Side),
				"volume":      p.Volume,
				"entry_price": p.EntryPrice,
			},
		})
	}
	for ti, t := range trades {
		if claimedTrade[ti] {
			continue
		}
		id := t.ID
		result.UnmatchedTracked = append(result.UnmatchedTracked, t)
		result.Divergences = append(result.Divergences, Divergence{
			Kind:    DivergenceUnmatchedTracked,
			Ticket:  t.Ticket(),
			TradeID: &id,
			Symbol:  t.Symbol,
			Detail: map[string]interface{}{
				"side":           t.Side,
				"volume":         t.Volume,
				"expected_entry": t.ExpectedEntry,
			},
		})
	}

	return result
}

// classify расхождения сопоставленной пары
func (m *Matcher) classify(pair MatchedPair) []Divergence {
	t, p := pair.Trade, pair.Position
	pip := utils.PipSize(p.Symbol, m.settings.PipSizes)
	id := t.ID

	base := func(kind string, detail map[string]interface{}) Divergence {
		detail["pass"] = pair.Pass
		return Divergence{Kind: kind, Ticket: p.Ticket, TradeID: &id, Symbol: p.Symbol, Detail: detail}
	}

	var out []Divergence

	if t.ExpectedEntry > 0 {
		if slip := utils.PriceDiffPips(p.EntryPrice, t.ExpectedEntry, pip); slip > m.settings.SlippagePips {
			out = append(out, base(DivergenceSlippage, map[string]interface{}{
				"expected_entry": t.ExpectedEntry,
				"broker_entry":   p.EntryPrice,
				"pips":           slip,
			}))
		}
	}

	if diff := utils.RelativeDiffPercent(p.Volume, t.Volume, t.Volume); diff > m.settings.VolumeDivergencePercent {
		out = append(out, base(DivergenceVolume, map[string]interface{}{
			"tracked_volume": t.Volume,
			"broker_volume":  p.Volume,
			"diff_percent":   diff,
		}))
	}

	levels := map[string]interface{}{}
	if m.levelDiverges(t.StopLoss, p.StopLoss, pip) {
		levels["tracked_stop_loss"] = t.StopLoss
		levels["broker_stop_loss"] = p.StopLoss
	}
	if m.levelDiverges(t.TakeProfit, p.TakeProfit, pip) {
		levels["tracked_take_profit"] = t.TakeProfit
		levels["broker_take_profit"] = p.TakeProfit
	}
	if len(levels) > 0 {
		out = append(out, base(DivergenceLevels, levels))
	}

	return out
}

// levelDiverges уровень выставлен только с одной стороны или отличается больше допуска
func (m *Matcher) levelDiverges(tracked, broker, pip float64) bool {
	if tracked <= 0 && broker <= 0 {
		return false
	}
	if tracked <= 0 || broker <= 0 {
		return true
	}
	return utils.PriceDiffPips(tracked, broker, pip) > m.settings.LevelsDivergencePips
}

func (m *Matcher) withinTolerance(t *models.TrackedTrade, p models.BrokerPosition) bool {
	if !sameInstrument(t, p) {
		return false
	}
	if utils.RelativeDiffPercent(p.Volume, t.Volume, t.Volume) > m.settings.VolumeTolerancePercent {
		return false
	}
	if t.Volume <= 0 {
		return false
	}
	pip := utils.PipSize(p.Symbol, m.settings.PipSizes)
	return utils.PriceDiffPips(p.EntryPrice, t.ExpectedEntry, pip) <= m.settings.EntryTolerancePips
}

func sameInstrument(t *models.TrackedTrade, p models.BrokerPosition) bool {
	return strings.EqualFold(t.Symbol, p.Symbol) && models.NormalizeSide(t.Side) == models.NormalizeSide(p.Side)
}

func tradeLess(a, b *models.TrackedTrade) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortTrades(in []*models.TrackedTrade) []*models.TrackedTrade {
	out := make([]*models.TrackedTrade, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return tradeLess(out[i], out[j]) })
	return out
}

func sortPositions(in []models.BrokerPosition) []models.BrokerPosition {
	out := make([]models.BrokerPosition, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].Ticket < out[j].Ticket
	})
	return out
}
