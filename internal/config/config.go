package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"reconciler/internal/models"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Security   SecurityConfig
	Broker     BrokerConfig
	Reconciler ReconcilerConfig
	Guards     GuardSettings
	Matching   MatchSettings
	Notify     NotifyConfig
	Logging    LoggingConfig
}

// ServerConfig - настройки HTTP сервера (ops API)
type ServerConfig struct {
	Port     int
	Host     string
	UseHTTPS bool
	CertFile string
	KeyFile  string

	// Разрешённые Origin для /ws/stream; пусто или "*" = любые
	AllowedOrigins []string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver       string
	Host         string
	Port         int
	Name         string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	AutoMigrate  bool
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	EncryptionKey string // ключ AES-256 для API-ключей брокера (hex или 32 байта)
	OpsTokenHash  string // bcrypt-хеш bearer-токена ops API; пусто = без авторизации
}

// BrokerConfig - настройки HTTP-адаптера брокера
type BrokerConfig struct {
	BaseURL         string
	RateLimit       float64 // запросов в секунду на счёт
	RateBurst       float64
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// ReconcilerConfig - настройки планировщика сверки
type ReconcilerConfig struct {
	TickInterval             time.Duration
	MaxConcurrentUsers       int
	ShutdownGrace            time.Duration
	FetchTimeout             time.Duration
	CloseTimeout             time.Duration
	RecoveryTicks            int           // тиков ниже порога до закрытия алерта
	TransientEscalationTicks int           // тиков подряд с ошибкой брокера до алерта операторам
	PendingStaleAfter        time.Duration // после этого PENDING-закрытие переотправляется
	ClosePollInterval        time.Duration
}

// GuardSettings - пороги риск-контроля (системные, пользователь может переопределить)
type GuardSettings struct {
	WarningDrawdownPercent  float64
	CriticalDrawdownPercent float64
	MinEquityFloor          float64
	PriceGapAlertPercent    float64
	SpreadMaxPercent        float64
	CloseRetryMaxAttempts   int
}

// MatchSettings - допуски сопоставления и расхождений
type MatchSettings struct {
	VolumeTolerancePercent  float64
	EntryTolerancePips      float64
	SlippagePips            float64
	VolumeDivergencePercent float64
	LevelsDivergencePips    float64
	PipSizes                map[string]float64
}

// NotifyConfig - настройки доставки уведомлений
type NotifyConfig struct {
	WebhookURL string
	BufferSize int
	Timeout    time.Duration
	Retention  time.Duration // уведомления старше удаляются фоновой очисткой
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// defaults значения по умолчанию (ключ = переменная окружения)
var defaults = map[string]interface{}{
	"SERVER_PORT": 8080,
	"SERVER_HOST": "0.0.0.0",
	"USE_HTTPS":   false,
	"CERT_FILE":   "",
	"KEY_FILE":    "",

	"ALLOWED_ORIGINS": "",

	"DB_DRIVER":         "postgres",
	"DB_HOST":           "localhost",
	"DB_PORT":           5432,
	"DB_NAME":           "reconciler",
	"DB_USER":           "user",
	"DB_PASSWORD":       "password",
	"DB_SSL_MODE":       "disable",
	"DB_MAX_OPEN_CONNS": 20,
	"DB_AUTO_MIGRATE":   true,

	"ENCRYPTION_KEY": "",
	"OPS_TOKEN_HASH": "",

	"BROKER_BASE_URL":          "http://localhost:9090",
	"BROKER_RATE_LIMIT":        10.0,
	"BROKER_RATE_BURST":        20.0,
	"BROKER_MAX_IDLE_CONNS":    100,
	"BROKER_IDLE_CONN_TIMEOUT": 90 * time.Second,

	"TICK_INTERVAL_SECONDS":      10,
	"MAX_CONCURRENT_USERS":       5,
	"SHUTDOWN_GRACE_SECONDS":     5,
	"FETCH_TIMEOUT":              5 * time.Second,
	"CLOSE_TIMEOUT":              10 * time.Second,
	"RECOVERY_TICKS":             2,
	"TRANSIENT_ESCALATION_TICKS": 3,
	"PENDING_STALE_AFTER":        2 * time.Minute,
	"CLOSE_POLL_INTERVAL":        500 * time.Millisecond,

	"WARNING_DRAWDOWN_PERCENT":  15.0,
	"CRITICAL_DRAWDOWN_PERCENT": 20.0,
	"MIN_EQUITY_FLOOR":          0.0,
	"PRICE_GAP_ALERT_PERCENT":   5.0,
	"SPREAD_MAX_PERCENT":        0.5,
	"CLOSE_RETRY_MAX_ATTEMPTS":  3,

	"VOLUME_MATCH_TOLERANCE_PERCENT": 5.0,
	"ENTRY_MATCH_TOLERANCE_PIPS":     2.0,
	"SLIPPAGE_PIPS":                  5.0,
	"VOLUME_DIVERGENCE_PERCENT":      10.0,
	"LEVELS_DIVERGENCE_PIPS":         10.0,
	"PIP_SIZES":                      "",

	"NOTIFY_WEBHOOK_URL": "",
	"NOTIFY_BUFFER_SIZE": 256,
	"NOTIFY_TIMEOUT":     5 * time.Second,
	"NOTIFY_RETENTION":   30 * 24 * time.Hour,

	"LOG_LEVEL":  "info",
	"LOG_FORMAT": "json",
	"LOG_OUTPUT": "",
}

// Load загружает конфигурацию из переменных окружения
// и необязательного файла CONFIG_FILE (yaml/json/env)
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	pipSizes, err := parsePipSizes(v.GetString("PIP_SIZES"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetInt("SERVER_PORT"),
			Host:           v.GetString("SERVER_HOST"),
			UseHTTPS:       v.GetBool("USE_HTTPS"),
			CertFile:       v.GetString("CERT_FILE"),
			KeyFile:        v.GetString("KEY_FILE"),
			AllowedOrigins: parseOrigins(v.GetString("ALLOWED_ORIGINS")),
		},
		Database: DatabaseConfig{
			Driver:       v.GetString("DB_DRIVER"),
			Host:         v.GetString("DB_HOST"),
			Port:         v.GetInt("DB_PORT"),
			Name:         v.GetString("DB_NAME"),
			User:         v.GetString("DB_USER"),
			Password:     v.GetString("DB_PASSWORD"),
			SSLMode:      v.GetString("DB_SSL_MODE"),
			MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
			AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
		},
		Security: SecurityConfig{
			EncryptionKey: v.GetString("ENCRYPTION_KEY"),
			OpsTokenHash:  v.GetString("OPS_TOKEN_HASH"),
		},
		Broker: BrokerConfig{
			BaseURL:         v.GetString("BROKER_BASE_URL"),
			RateLimit:       v.GetFloat64("BROKER_RATE_LIMIT"),
			RateBurst:       v.GetFloat64("BROKER_RATE_BURST"),
			MaxIdleConns:    v.GetInt("BROKER_MAX_IDLE_CONNS"),
			IdleConnTimeout: v.GetDuration("BROKER_IDLE_CONN_TIMEOUT"),
		},
		Reconciler: ReconcilerConfig{
			TickInterval:             time.Duration(v.GetInt("TICK_INTERVAL_SECONDS")) * time.Second,
			MaxConcurrentUsers:       v.GetInt("MAX_CONCURRENT_USERS"),
			ShutdownGrace:            time.Duration(v.GetInt("SHUTDOWN_GRACE_SECONDS")) * time.Second,
			FetchTimeout:             v.GetDuration("FETCH_TIMEOUT"),
			CloseTimeout:             v.GetDuration("CLOSE_TIMEOUT"),
			RecoveryTicks:            v.GetInt("RECOVERY_TICKS"),
			TransientEscalationTicks: v.GetInt("TRANSIENT_ESCALATION_TICKS"),
			PendingStaleAfter:        v.GetDuration("PENDING_STALE_AFTER"),
			ClosePollInterval:        v.GetDuration("CLOSE_POLL_INTERVAL"),
		},
		Guards: GuardSettings{
			WarningDrawdownPercent:  v.GetFloat64("WARNING_DRAWDOWN_PERCENT"),
			CriticalDrawdownPercent: v.GetFloat64("CRITICAL_DRAWDOWN_PERCENT"),
			MinEquityFloor:          v.GetFloat64("MIN_EQUITY_FLOOR"),
			PriceGapAlertPercent:    v.GetFloat64("PRICE_GAP_ALERT_PERCENT"),
			SpreadMaxPercent:        v.GetFloat64("SPREAD_MAX_PERCENT"),
			CloseRetryMaxAttempts:   v.GetInt("CLOSE_RETRY_MAX_ATTEMPTS"),
		},
		Matching: MatchSettings{
			VolumeTolerancePercent:  v.GetFloat64("VOLUME_MATCH_TOLERANCE_PERCENT"),
			EntryTolerancePips:      v.GetFloat64("ENTRY_MATCH_TOLERANCE_PIPS"),
			SlippagePips:            v.GetFloat64("SLIPPAGE_PIPS"),
			VolumeDivergencePercent: v.GetFloat64("VOLUME_DIVERGENCE_PERCENT"),
			LevelsDivergencePips:    v.GetFloat64("LEVELS_DIVERGENCE_PIPS"),
			PipSizes:                pipSizes,
		},
		Notify: NotifyConfig{
			WebhookURL: v.GetString("NOTIFY_WEBHOOK_URL"),
			BufferSize: v.GetInt("NOTIFY_BUFFER_SIZE"),
			Timeout:    v.GetDuration("NOTIFY_TIMEOUT"),
			Retention:  v.GetDuration("NOTIFY_RETENTION"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
			Output: v.GetString("LOG_OUTPUT"),
		},
	}

	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultMatchSettings допуски сопоставления по умолчанию
func DefaultMatchSettings() MatchSettings {
	return MatchSettings{
		VolumeTolerancePercent:  5,
		EntryTolerancePips:      2,
		SlippagePips:            5,
		VolumeDivergencePercent: 10,
		LevelsDivergencePips:    10,
	}
}

// DefaultGuardSettings пороги риск-контроля по умолчанию
func DefaultGuardSettings() GuardSettings {
	return GuardSettings{
		WarningDrawdownPercent:  15,
		CriticalDrawdownPercent: 20,
		MinEquityFloor:          0,
		PriceGapAlertPercent:    5,
		SpreadMaxPercent:        0.5,
		CloseRetryMaxAttempts:   3,
	}
}

// parsePipSizes разбирает "XAUUSD=0.1,BTCUSD=1"
func parsePipSizes(raw string) (map[string]float64, error) {
	out := make(map[string]float64)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, part := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("PIP_SIZES entry %q must be SYMBOL=size", part)
		}
		var size float64
		if _, err := fmt.Sscanf(kv[1], "%g", &size); err != nil || size <= 0 {
			return nil, fmt.Errorf("PIP_SIZES entry %q has invalid size", part)
		}
		out[strings.ToUpper(strings.TrimSpace(kv[0]))] = size
	}
	return out, nil
}

// parseOrigins разбирает список через запятую, "*" = любые
func parseOrigins(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// ENCRYPTION_KEY обязателен для расшифровки API-ключей брокера
	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required for decrypting broker API keys")
	}
	if len(c.Security.EncryptionKey) != 32 && len(c.Security.EncryptionKey) != 64 {
		return fmt.Errorf("ENCRYPTION_KEY must be 32 raw bytes or 64 hex characters for AES-256")
	}
	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	r := c.Reconciler
	if r.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL_SECONDS must be positive, got %v", r.TickInterval)
	}
	if r.MaxConcurrentUsers < 1 {
		return fmt.Errorf("MAX_CONCURRENT_USERS must be at least 1, got %d", r.MaxConcurrentUsers)
	}
	if r.ShutdownGrace < 0 {
		return fmt.Errorf("SHUTDOWN_GRACE_SECONDS cannot be negative, got %v", r.ShutdownGrace)
	}
	if r.FetchTimeout <= 0 || r.CloseTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT and CLOSE_TIMEOUT must be positive")
	}
	if r.RecoveryTicks < 1 {
		return fmt.Errorf("RECOVERY_TICKS must be at least 1, got %d", r.RecoveryTicks)
	}
	if r.TransientEscalationTicks < 1 {
		return fmt.Errorf("TRANSIENT_ESCALATION_TICKS must be at least 1, got %d", r.TransientEscalationTicks)
	}

	if err := c.Guards.Validate(); err != nil {
		return err
	}

	m := c.Matching
	if m.VolumeTolerancePercent < 0 || m.EntryTolerancePips < 0 || m.SlippagePips < 0 ||
		m.VolumeDivergencePercent < 0 || m.LevelsDivergencePips < 0 {
		return fmt.Errorf("matching tolerances cannot be negative")
	}

	return nil
}

// Validate проверяет согласованность порогов (в т.ч. после пользовательских переопределений)
func (g GuardSettings) Validate() error {
	if g.WarningDrawdownPercent <= 0 || g.CriticalDrawdownPercent <= 0 {
		return fmt.Errorf("drawdown thresholds must be positive")
	}
	if g.WarningDrawdownPercent >= g.CriticalDrawdownPercent {
		return fmt.Errorf("WARNING_DRAWDOWN_PERCENT (%v) must be below CRITICAL_DRAWDOWN_PERCENT (%v)",
			g.WarningDrawdownPercent, g.CriticalDrawdownPercent)
	}
	if g.PriceGapAlertPercent <= 0 || g.SpreadMaxPercent <= 0 {
		return fmt.Errorf("PRICE_GAP_ALERT_PERCENT and SPREAD_MAX_PERCENT must be positive")
	}
	if g.CloseRetryMaxAttempts < 1 || g.CloseRetryMaxAttempts > 10 {
		return fmt.Errorf("CLOSE_RETRY_MAX_ATTEMPTS must be between 1 and 10, got %d", g.CloseRetryMaxAttempts)
	}
	return nil
}

// Merge накладывает пользовательские переопределения на системные пороги
//
// nil-поля UserSettings оставляют системное значение.
func (g GuardSettings) Merge(u *models.UserSettings) GuardSettings {
	if u == nil {
		return g
	}
	out := g
	if u.WarningDrawdownPercent != nil {
		out.WarningDrawdownPercent = *u.WarningDrawdownPercent
	}
	if u.CriticalDrawdownPercent != nil {
		out.CriticalDrawdownPercent = *u.CriticalDrawdownPercent
	}
	if u.MinEquityFloor != nil {
		out.MinEquityFloor = *u.MinEquityFloor
	}
	if u.PriceGapAlertPercent != nil {
		out.PriceGapAlertPercent = *u.PriceGapAlertPercent
	}
	if u.SpreadMaxPercent != nil {
		out.SpreadMaxPercent = *u.SpreadMaxPercent
	}
	if u.CloseRetryMaxAttempts != nil {
		out.CloseRetryMaxAttempts = *u.CloseRetryMaxAttempts
	}
	return out
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}
