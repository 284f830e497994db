package models

import (
	"fmt"
	"time"
)

// GuardKind вид риск-контроля
type GuardKind int

const (
	GuardKindDrawdown GuardKind = iota + 1
	GuardKindMarket
)

// String возвращает имя вида в БД
func (k GuardKind) String() string {
	switch k {
	case GuardKindDrawdown:
		return "DRAWDOWN"
	case GuardKindMarket:
		return "MARKET"
	default:
		return fmt.Sprintf("GuardKind(%d)", int(k))
	}
}

// MarshalJSON отдаёт вид строкой
func (k GuardKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// ParseGuardKind разбирает имя вида из БД или API
func ParseGuardKind(s string) (GuardKind, error) {
	switch s {
	case "DRAWDOWN":
		return GuardKindDrawdown, nil
	case "MARKET":
		return GuardKindMarket, nil
	default:
		return 0, fmt.Errorf("unknown guard kind %q", s)
	}
}

// Уровни алерта
const (
	LevelNormal   = "NORMAL"
	LevelWarning  = "WARNING"
	LevelCritical = "CRITICAL"
	LevelResolved = "RESOLVED"
)

// Причины закрытия алерта
const (
	ResolutionRecovered       = "recovered"
	ResolutionPositionsClosed = "positions_closed"
)

// LevelRank порядок уровней для эскалации (RESOLVED вне шкалы)
func LevelRank(level string) int {
	switch level {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	default:
		return 0
	}
}

// GuardAlert состояние алерта риск-контроля
//
// Symbol заполнен только для MARKET. Открытый алерт - ResolvedAt == nil.
type GuardAlert struct {
	ID             int64      `json:"id" db:"id"`
	UserID         int64      `json:"user_id" db:"user_id"`
	Kind           GuardKind  `json:"kind" db:"kind"`
	Symbol         string     `json:"symbol,omitempty" db:"symbol"`
	Level          string     `json:"level" db:"level"`
	MetricValue    float64    `json:"metric_value" db:"metric_value"`
	RecoveryStreak int        `json:"recovery_streak" db:"recovery_streak"`
	Resolution     string     `json:"resolution,omitempty" db:"resolution"`
	TriggeredAt    time.Time  `json:"triggered_at" db:"triggered_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// IsOpen алерт ещё не закрыт
func (a *GuardAlert) IsOpen() bool {
	return a != nil && a.ResolvedAt == nil
}
