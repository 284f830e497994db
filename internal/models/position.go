package models

import "time"

// BrokerPosition открытая позиция по данным брокера
type BrokerPosition struct {
	Ticket       string    `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Volume       float64   `json:"volume"`
	EntryPrice   float64   `json:"entry_price"`
	CurrentPrice float64   `json:"current_price"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   float64   `json:"take_profit"`
	OpenedAt     time.Time `json:"opened_at"`
}

// AccountSnapshot состояние счёта на момент тика
//
// PeakEquity монотонно растёт: max(предыдущий пик, equity),
// сбрасывается только явной операцией сброса пика.
type AccountSnapshot struct {
	ID         int64     `json:"id" db:"id"`
	UserID     int64     `json:"user_id" db:"user_id"`
	Equity     float64   `json:"equity" db:"equity"`
	Balance    float64   `json:"balance" db:"balance"`
	Margin     float64   `json:"margin" db:"margin"`
	FreeMargin float64   `json:"free_margin" db:"free_margin"`
	PeakEquity float64   `json:"peak_equity" db:"peak_equity"`
	IsReset    bool      `json:"is_reset" db:"is_reset"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
}

// MarketQuote рыночные данные инструмента
//
// Depth - доступный объём в стакане; nil если брокер его не отдаёт.
type MarketQuote struct {
	Symbol      string    `json:"symbol"`
	LastClose   float64   `json:"last_close"`
	CurrentOpen float64   `json:"current_open"`
	Bid         float64   `json:"bid"`
	Ask         float64   `json:"ask"`
	Depth       *float64  `json:"depth,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
