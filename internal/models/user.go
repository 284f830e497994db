package models

// User пользователь, чей счёт сверяется
//
// APIKeyEnc/APISecretEnc зашифрованы AES-256-GCM (pkg/crypto).
type User struct {
	ID            int64         `json:"id" db:"id"`
	Name          string        `json:"name" db:"name"`
	Active        bool          `json:"active" db:"active"`
	BrokerAccount string        `json:"broker_account" db:"broker_account"`
	APIKeyEnc     string        `json:"-" db:"api_key_enc"`
	APISecretEnc  string        `json:"-" db:"api_secret_enc"`
	Settings      *UserSettings `json:"settings,omitempty" db:"-"`
}

// UserSettings пользовательские пороги риск-контроля
//
// nil-поле означает системное значение по умолчанию.
type UserSettings struct {
	UserID                  int64    `json:"user_id" db:"user_id"`
	WarningDrawdownPercent  *float64 `json:"warning_drawdown_percent,omitempty" db:"warning_drawdown_percent"`
	CriticalDrawdownPercent *float64 `json:"critical_drawdown_percent,omitempty" db:"critical_drawdown_percent"`
	MinEquityFloor          *float64 `json:"min_equity_floor,omitempty" db:"min_equity_floor"`
	PriceGapAlertPercent    *float64 `json:"price_gap_alert_percent,omitempty" db:"price_gap_alert_percent"`
	SpreadMaxPercent        *float64 `json:"spread_max_percent,omitempty" db:"spread_max_percent"`
	CloseRetryMaxAttempts   *int     `json:"close_retry_max_attempts,omitempty" db:"close_retry_max_attempts"`
}
