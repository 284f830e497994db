package models

import (
	"strings"
	"time"
)

// TrackedTrade сделка, учтённая системой при отправке сигнала брокеру
//
// BrokerTicket заполняется, когда брокер подтвердил ордер.
// Поля закрытия заполняются только через MarkClosed.
type TrackedTrade struct {
	ID            int64      `json:"id" db:"id"`
	UserID        int64      `json:"user_id" db:"user_id"`
	Symbol        string     `json:"symbol" db:"symbol"`
	Side          string     `json:"side" db:"side"` // BUY, SELL
	Volume        float64    `json:"volume" db:"volume"`
	ExpectedEntry float64    `json:"expected_entry" db:"expected_entry"`
	StopLoss      float64    `json:"stop_loss" db:"stop_loss"`
	TakeProfit    float64    `json:"take_profit" db:"take_profit"`
	Status        string     `json:"status" db:"status"` // PENDING, OPEN, CLOSED
	BrokerTicket  *string    `json:"broker_ticket,omitempty" db:"broker_ticket"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	ClosePrice    *float64   `json:"close_price,omitempty" db:"close_price"`
	RealizedPnL   *float64   `json:"realized_pnl,omitempty" db:"realized_pnl"`
	CloseReason   string     `json:"close_reason,omitempty" db:"close_reason"`
	ClosedAt      *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// Статусы сделки
const (
	TradeStatusPending = "PENDING"
	TradeStatusOpen    = "OPEN"
	TradeStatusClosed  = "CLOSED"
)

// Стороны сделки
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// NormalizeSide приводит сторону брокера к BUY/SELL
//
// Брокеры отдают "buy", "long", "0" и т.п.; неизвестное значение
// возвращается в верхнем регистре как есть.
func NormalizeSide(side string) string {
	switch strings.ToUpper(strings.TrimSpace(side)) {
	case "BUY", "LONG", "B", "0":
		return SideBuy
	case "SELL", "SHORT", "S", "1":
		return SideSell
	default:
		return strings.ToUpper(strings.TrimSpace(side))
	}
}

// Ticket возвращает тикет брокера или пустую строку
func (t *TrackedTrade) Ticket() string {
	if t.BrokerTicket == nil {
		return ""
	}
	return *t.BrokerTicket
}

// IsActive сделка ещё не закрыта
func (t *TrackedTrade) IsActive() bool {
	return t.Status == TradeStatusPending || t.Status == TradeStatusOpen
}

// CloseInfo данные закрытия сделки
type CloseInfo struct {
	ClosePrice  float64
	RealizedPnL float64
	Reason      string
	ClosedAt    time.Time
}
