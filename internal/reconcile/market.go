package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"reconciler/internal/config"
	"reconciler/internal/models"
	"reconciler/pkg/utils"
)

// ============================================================
// Контроль рыночных условий по инструменту
// ============================================================

// MarketInput рыночные данные инструмента на тике
type MarketInput struct {
	Symbol         string
	LastClose      float64
	CurrentOpen    float64
	Bid            float64
	Ask            float64
	Depth          *float64 // nil - брокер не отдаёт глубину
	RequiredVolume float64  // объём, который придётся закрывать
}

// MarketInputFromQuote собирает вход из котировки брокера
func MarketInputFromQuote(q *models.MarketQuote, requiredVolume float64) MarketInput {
	return MarketInput{
		Symbol:         q.Symbol,
		LastClose:      q.LastClose,
		CurrentOpen:    q.CurrentOpen,
		Bid:            q.Bid,
		Ask:            q.Ask,
		Depth:          q.Depth,
		RequiredVolume: requiredVolume,
	}
}

// MarketDecision решение по инструменту
type MarketDecision struct {
	Symbol        string
	Safe          bool
	Reasons       []string
	GapPercent    float64
	SpreadPercent float64
	Trigger       *MarketTrigger // nil если рынок безопасен

	Notifications []*models.Notification
}

// MarketGuard проверяет гэп, спред и глубину
type MarketGuard struct {
	defaults      config.GuardSettings
	recoveryTicks int
	metrics       *Metrics
	logger        *zap.Logger
	now           func() time.Time
}

// NewMarketGuard создаёт MarketGuard
func NewMarketGuard(defaults config.GuardSettings, recoveryTicks int, metrics *Metrics, logger *zap.Logger) *MarketGuard {
	return &MarketGuard{
		defaults:      defaults,
		recoveryTicks: recoveryTicks,
		metrics:       metrics,
		logger:        logger.Named("market"),
		now:           time.Now,
	}
}

// Evaluate оценивает рынок без побочных эффектов
//
// Отсутствие данных о глубине считается безопасным.
func (g *MarketGuard) Evaluate(in MarketInput, s config.GuardSettings) MarketDecision {
	d := MarketDecision{
		Symbol:        strings.ToUpper(in.Symbol),
		GapPercent:    utils.CalculateGap(in.LastClose, in.CurrentOpen),
		SpreadPercent: utils.CalculateSpread(in.Bid, in.Ask),
	}

	if d.GapPercent > s.PriceGapAlertPercent {
		d.Reasons = append(d.Reasons, ReasonGap)
	}
	if d.SpreadPercent > s.SpreadMaxPercent {
		d.Reasons = append(d.Reasons, ReasonLiquidity)
	}
	if in.Depth != nil && *in.Depth < in.RequiredVolume {
		d.Reasons = append(d.Reasons, ReasonDepth)
	}

	d.Safe = len(d.Reasons) == 0
	if !d.Safe {
		d.Trigger = &MarketTrigger{
			Symbol:        d.Symbol,
			Reasons:       d.Reasons,
			GapPercent:    d.GapPercent,
			SpreadPercent: d.SpreadPercent,
			Depth:         in.Depth,
		}
	}
	return d
}

// Check оценивает рынок, пишет события по каждой причине и продвигает алерт инструмента
func (g *MarketGuard) Check(ctx context.Context, tx AuditTx, user *models.User, in MarketInput) (*MarketDecision, error) {
	settings := effectiveGuards(g.defaults, user, g.logger)
	now := g.now()

	d := g.Evaluate(in, settings)

	level := models.LevelNormal
	metric := utils.Max(d.GapPercent, d.SpreadPercent)
	if !d.Safe {
		level = models.LevelCritical

		for _, reason := range d.Reasons {
			detail := triggerDetail(*d.Trigger)
			detail["reason"] = reason
			if err := tx.AppendEvent(ctx, models.NewEvent(models.EventGuardTrigger, user.ID, models.SeverityCritical, detail)); err != nil {
				return nil, fmt.Errorf("append market event: %w", err)
			}
			g.metrics.GuardTriggers.WithLabelValues(models.GuardKindMarket.String(), reason).Inc()
		}
	}

	key := alertKey{UserID: user.ID, Kind: models.GuardKindMarket, Symbol: d.Symbol}
	prev, err := tx.LatestGuardAlert(ctx, user.ID, models.GuardKindMarket, d.Symbol)
	if err != nil {
		return nil, fmt.Errorf("load market alert: %w", err)
	}

	// Проверка идёт по инструменту с позициями: объём к закрытию и есть риск
	step := advanceAlert(prev, key, level, metric, g.recoveryTicks, in.RequiredVolume > 0, now)
	if step.Alert != nil {
		if err := tx.UpsertGuardAlert(ctx, step.Alert); err != nil {
			return nil, fmt.Errorf("upsert market alert: %w", err)
		}
	}

	if !step.Notify() {
		return &d, nil
	}

	switch step.Change {
	case alertResolved:
		if err := appendResolved(ctx, tx, g.logger, step.Alert); err != nil {
			return nil, err
		}
		d.Notifications = append(d.Notifications, resolvedNotification(user.ID, step.Alert))

	default:
		uid := user.ID
		d.Notifications = append(d.Notifications, &models.Notification{
			Type:     models.NotificationTypeMarket,
			Severity: models.SeverityCritical,
			UserID:   &uid,
			Message:  userMessage(*d.Trigger, level),
			Meta:     map[string]interface{}{"symbol": d.Symbol, "reasons": d.Reasons},
		})
		g.logger.Warn("market guard triggered",
			zap.Int64("user_id", user.ID),
			zap.String("symbol", d.Symbol),
			zap.Error(&GuardTriggered{Trigger: *d.Trigger, Level: level}),
			zap.Strings("reasons", d.Reasons),
			zap.Float64("gap_percent", d.GapPercent),
			zap.Float64("spread_percent", d.SpreadPercent),
		)
	}

	return &d, nil
}

// ResolveClosed закрывает алерт инструмента после закрытия его позиций
func (g *MarketGuard) ResolveClosed(ctx context.Context, tx AuditTx, user *models.User, symbol string) (*models.Notification, error) {
	symbol = strings.ToUpper(symbol)
	prev, err := tx.LatestGuardAlert(ctx, user.ID, models.GuardKindMarket, symbol)
	if err != nil {
		return nil, fmt.Errorf("load market alert: %w", err)
	}
	next := resolveAlert(prev, models.ResolutionPositionsClosed, g.now())
	if next == nil {
		return nil, nil
	}
	if err := tx.UpsertGuardAlert(ctx, next); err != nil {
		return nil, fmt.Errorf("upsert market alert: %w", err)
	}
	if err := appendResolved(ctx, tx, g.logger, next); err != nil {
		return nil, err
	}
	return resolvedNotification(user.ID, next), nil
}
