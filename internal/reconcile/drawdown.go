package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"reconciler/internal/config"
	"reconciler/internal/models"
	"reconciler/pkg/utils"
)

// ============================================================
// Контроль просадки счёта
// ============================================================

// GuardDecision решение по просадке за тик
type GuardDecision struct {
	Level            string
	DrawdownPercent  float64
	ShouldForceClose bool
	Trigger          DrawdownTrigger
	Snapshot         *models.AccountSnapshot
	Alert            *models.GuardAlert // открытый алерт после тика или nil

	// Уведомления отправляются после commit
	Notifications []*models.Notification
}

// Triggered уровень выше NORMAL
func (d *GuardDecision) Triggered() bool {
	return d.Level != models.LevelNormal
}

// DrawdownGuard проверяет просадку equity от пика
type DrawdownGuard struct {
	defaults      config.GuardSettings
	recoveryTicks int
	metrics       *Metrics
	logger        *zap.Logger
	now           func() time.Time
}

// NewDrawdownGuard создаёт DrawdownGuard
func NewDrawdownGuard(defaults config.GuardSettings, recoveryTicks int, metrics *Metrics, logger *zap.Logger) *DrawdownGuard {
	return &DrawdownGuard{
		defaults:      defaults,
		recoveryTicks: recoveryTicks,
		metrics:       metrics,
		logger:        logger.Named("drawdown"),
		now:           time.Now,
	}
}

// ClassifyDrawdown уровень по просадке и полу equity
func ClassifyDrawdown(drawdownPct, equity float64, s config.GuardSettings) (level string, floorBreached bool) {
	floorBreached = equity < s.MinEquityFloor
	switch {
	case floorBreached || drawdownPct >= s.CriticalDrawdownPercent:
		return models.LevelCritical, floorBreached
	case drawdownPct >= s.WarningDrawdownPercent:
		return models.LevelWarning, false
	default:
		return models.LevelNormal, false
	}
}

// Check записывает снимок с монотонным пиком и продвигает алерт просадки
//
// openPositions - число сопоставленных позиций на тике: после закрытия по
// positions_closed новый алерт открывается только если снова есть что закрывать.
func (g *DrawdownGuard) Check(ctx context.Context, tx AuditTx, user *models.User, snap *models.AccountSnapshot, openPositions int) (*GuardDecision, error) {
	settings := effectiveGuards(g.defaults, user, g.logger)
	now := g.now()

	prev, err := tx.LatestSnapshot(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load latest snapshot: %w", err)
	}

	// Первый снимок инициализирует пик текущим equity
	peak := snap.Equity
	if prev != nil && prev.PeakEquity > peak {
		peak = prev.PeakEquity
	}

	record := *snap
	record.UserID = user.ID
	record.PeakEquity = peak
	record.IsReset = false
	if record.Timestamp.IsZero() {
		record.Timestamp = now
	}
	if err := tx.InsertSnapshot(ctx, &record); err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}

	dd := utils.CalculateDrawdown(peak, record.Equity)
	level, floorBreached := ClassifyDrawdown(dd, record.Equity, settings)
	g.metrics.Drawdown.WithLabelValues(strconv.FormatInt(user.ID, 10)).Set(dd)

	trigger := DrawdownTrigger{
		DrawdownPercent: dd,
		Equity:          record.Equity,
		PeakEquity:      peak,
		Floor:           settings.MinEquityFloor,
		FloorBreached:   floorBreached,
	}
	decision := &GuardDecision{
		Level:            level,
		DrawdownPercent:  dd,
		ShouldForceClose: level == models.LevelCritical,
		Trigger:          trigger,
		Snapshot:         &record,
	}

	prevAlert, err := tx.LatestGuardAlert(ctx, user.ID, models.GuardKindDrawdown, "")
	if err != nil {
		return nil, fmt.Errorf("load drawdown alert: %w", err)
	}

	key := alertKey{UserID: user.ID, Kind: models.GuardKindDrawdown}
	step := advanceAlert(prevAlert, key, level, dd, g.recoveryTicks, openPositions > 0, now)
	if step.Alert != nil {
		if err := tx.UpsertGuardAlert(ctx, step.Alert); err != nil {
			return nil, fmt.Errorf("upsert drawdown alert: %w", err)
		}
	}
	if step.Alert.IsOpen() {
		decision.Alert = step.Alert
	}

	if !step.Notify() {
		return decision, nil
	}

	switch step.Change {
	case alertResolved:
		if err := appendResolved(ctx, tx, g.logger, step.Alert); err != nil {
			return nil, err
		}
		decision.Notifications = append(decision.Notifications, resolvedNotification(user.ID, step.Alert))

	default:
		detail := triggerDetail(trigger)
		detail["level"] = level
		detail["from"] = step.From
		if err := tx.AppendEvent(ctx, models.NewEvent(models.EventGuardTrigger, user.ID, level, detail)); err != nil {
			return nil, fmt.Errorf("append guard event: %w", err)
		}
		g.metrics.GuardTriggers.WithLabelValues(models.GuardKindDrawdown.String(), level).Inc()

		uid := user.ID
		decision.Notifications = append(decision.Notifications, &models.Notification{
			Type:     models.NotificationTypeDrawdown,
			Severity: level,
			UserID:   &uid,
			Message:  userMessage(trigger, level),
			Meta:     map[string]interface{}{"drawdown_percent": dd, "level": level},
		})

		g.logger.Warn("drawdown guard triggered",
			zap.Int64("user_id", user.ID),
			zap.String("from", step.From),
			zap.Error(&GuardTriggered{Trigger: trigger, Level: level}),
			zap.Float64("drawdown_percent", dd),
			zap.Bool("floor_breached", floorBreached),
		)
	}

	return decision, nil
}

// ResolveClosed закрывает алерт просадки после закрытия позиций
func (g *DrawdownGuard) ResolveClosed(ctx context.Context, tx AuditTx, user *models.User) (*models.Notification, error) {
	prev, err := tx.LatestGuardAlert(ctx, user.ID, models.GuardKindDrawdown, "")
	if err != nil {
		return nil, fmt.Errorf("load drawdown alert: %w", err)
	}
	next := resolveAlert(prev, models.ResolutionPositionsClosed, g.now())
	if next == nil {
		return nil, nil
	}
	if err := tx.UpsertGuardAlert(ctx, next); err != nil {
		return nil, fmt.Errorf("upsert drawdown alert: %w", err)
	}
	if err := appendResolved(ctx, tx, g.logger, next); err != nil {
		return nil, err
	}
	return resolvedNotification(user.ID, next), nil
}

// appendResolved пишет ALERT_RESOLVED
func appendResolved(ctx context.Context, tx AuditTx, logger *zap.Logger, a *models.GuardAlert) error {
	detail := map[string]interface{}{
		"guard":      a.Kind.String(),
		"alert_id":   a.ID,
		"resolution": a.Resolution,
		"metric":     a.MetricValue,
	}
	if a.Symbol != "" {
		detail["symbol"] = a.Symbol
	}
	if err := tx.AppendEvent(ctx, models.NewEvent(models.EventAlertResolved, a.UserID, models.SeverityInfo, detail)); err != nil {
		return fmt.Errorf("append resolved event: %w", err)
	}
	logger.Info("guard alert resolved",
		zap.Int64("user_id", a.UserID),
		zap.String("guard", a.Kind.String()),
		zap.String("symbol", a.Symbol),
		zap.String("resolution", a.Resolution),
	)
	return nil
}

func resolvedNotification(userID int64, a *models.GuardAlert) *models.Notification {
	msg := "Drawdown back below warning threshold"
	if a.Kind == models.GuardKindMarket {
		msg = "Market conditions on " + a.Symbol + " back to normal"
	}
	if a.Resolution == models.ResolutionPositionsClosed {
		msg = a.Kind.String() + " alert resolved: affected positions closed"
	}
	uid := userID
	return &models.Notification{
		Type:     models.NotificationTypeResolved,
		Severity: models.SeverityInfo,
		UserID:   &uid,
		Message:  msg,
		Meta:     map[string]interface{}{"guard": a.Kind.String(), "symbol": a.Symbol, "resolution": a.Resolution},
	}
}

// effectiveGuards пороги пользователя поверх системных
//
// Несогласованные пользовательские пороги игнорируются целиком.
func effectiveGuards(defaults config.GuardSettings, user *models.User, logger *zap.Logger) config.GuardSettings {
	merged := defaults.Merge(user.Settings)
	if err := merged.Validate(); err != nil {
		logger.Warn("invalid user guard settings, using defaults",
			zap.Int64("user_id", user.ID),
			zap.Error(err),
		)
		return defaults
	}
	return merged
}
