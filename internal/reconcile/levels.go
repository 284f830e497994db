package reconcile

import (
	"time"

	"reconciler/internal/models"
)

// ValidAlertTransitions допустимые переходы уровня алерта
//
// Понижение уровня открытого алерта возможно только через RESOLVED.
var ValidAlertTransitions = map[string][]string{
	models.LevelNormal:   {models.LevelWarning, models.LevelCritical},
	models.LevelWarning:  {models.LevelCritical, models.LevelResolved},
	models.LevelCritical: {models.LevelResolved},
	models.LevelResolved: {models.LevelWarning, models.LevelCritical}, // новый эпизод
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidAlertTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Тип изменения алерта за тик
const (
	alertUnchanged = iota
	alertOpened
	alertEscalated
	alertRecovering
	alertResolved
	alertUnlatched
)

// alertStep результат продвижения алерта на одно наблюдение
type alertStep struct {
	Alert  *models.GuardAlert // строка для записи; nil - писать нечего
	Change int
	From   string
}

// Notify нужно ли уведомление (ровно одно на смену уровня)
func (s alertStep) Notify() bool {
	return s.Change == alertOpened || s.Change == alertEscalated || s.Change == alertResolved
}

// alertKey идентификатор алерта
type alertKey struct {
	UserID int64
	Kind   models.GuardKind
	Symbol string
}

// advanceAlert продвигает алерт по наблюдённому уровню
//
// Правила:
//   - уровень только растёт, пока алерт открыт
//   - recoveryTicks наблюдений NORMAL подряд закрывают алерт (recovered)
//   - алерт, закрытый по positions_closed, не переоткрывается до первого NORMAL,
//     пока нет позиций под риском (exposed); новая позиция открывает новый эпизод
func advanceAlert(prev *models.GuardAlert, key alertKey, level string, metric float64, recoveryTicks int, exposed bool, now time.Time) alertStep {
	if recoveryTicks < 1 {
		recoveryTicks = 1
	}

	if !prev.IsOpen() {
		if level == models.LevelNormal {
			if prev != nil && prev.Resolution == models.ResolutionPositionsClosed {
				next := *prev
				next.Resolution = models.ResolutionRecovered
				next.UpdatedAt = now
				return alertStep{Alert: &next, Change: alertUnlatched, From: prev.Level}
			}
			return alertStep{}
		}
		if prev != nil && prev.Resolution == models.ResolutionPositionsClosed && !exposed {
			return alertStep{}
		}
		return alertStep{
			Alert: &models.GuardAlert{
				UserID:      key.UserID,
				Kind:        key.Kind,
				Symbol:      key.Symbol,
				Level:       level,
				MetricValue: metric,
				TriggeredAt: now,
				UpdatedAt:   now,
			},
			Change: alertOpened,
			From:   models.LevelNormal,
		}
	}

	next := *prev
	next.MetricValue = metric
	next.UpdatedAt = now

	switch {
	case level == models.LevelNormal:
		next.RecoveryStreak++
		if next.RecoveryStreak >= recoveryTicks {
			next.Level = models.LevelResolved
			next.Resolution = models.ResolutionRecovered
			next.ResolvedAt = &now
			return alertStep{Alert: &next, Change: alertResolved, From: prev.Level}
		}
		return alertStep{Alert: &next, Change: alertRecovering, From: prev.Level}

	case models.LevelRank(level) > models.LevelRank(prev.Level) && CanTransition(prev.Level, level):
		next.Level = level
		next.RecoveryStreak = 0
		return alertStep{Alert: &next, Change: alertEscalated, From: prev.Level}

	default:
		// тот же или более низкий ненулевой уровень: алерт держит максимум
		next.RecoveryStreak = 0
		return alertStep{Alert: &next, Change: alertUnchanged, From: prev.Level}
	}
}

// resolveAlert закрывает открытый алерт с указанной причиной
func resolveAlert(prev *models.GuardAlert, resolution string, now time.Time) *models.GuardAlert {
	if !prev.IsOpen() {
		return nil
	}
	next := *prev
	next.Level = models.LevelResolved
	next.Resolution = resolution
	next.UpdatedAt = now
	next.ResolvedAt = &now
	return &next
}
