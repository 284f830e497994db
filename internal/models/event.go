package models

import "time"

// ReconciliationEvent запись журнала сверки (неизменяемая)
type ReconciliationEvent struct {
	ID        int64                  `json:"id" db:"id"`
	Type      string                 `json:"type" db:"type"`
	UserID    int64                  `json:"user_id" db:"user_id"`
	Severity  string                 `json:"severity" db:"severity"`
	Detail    map[string]interface{} `json:"detail,omitempty" db:"detail"` // JSON в БД
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// Типы событий
const (
	EventSync          = "SYNC"
	EventDivergence    = "DIVERGENCE"
	EventGuardTrigger  = "GUARD_TRIGGER"
	EventCloseAttempt  = "CLOSE_ATTEMPT"
	EventCloseResult   = "CLOSE_RESULT"
	EventPipelineError = "PIPELINE_ERROR"
	EventTickSkipped   = "TICK_SKIPPED"
	EventPeakReset     = "PEAK_RESET"
	EventAlertResolved = "ALERT_RESOLVED"
)

// Уровни важности событий и уведомлений
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// IsValidEventType проверяет тип события (для фильтров API)
func IsValidEventType(t string) bool {
	switch t {
	case EventSync, EventDivergence, EventGuardTrigger, EventCloseAttempt, EventCloseResult,
		EventPipelineError, EventTickSkipped, EventPeakReset, EventAlertResolved:
		return true
	}
	return false
}

// NewEvent создаёт событие
func NewEvent(eventType string, userID int64, severity string, detail map[string]interface{}) *ReconciliationEvent {
	return &ReconciliationEvent{
		Type:     eventType,
		UserID:   userID,
		Severity: severity,
		Detail:   detail,
	}
}
