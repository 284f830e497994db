package repository

import (
	"context"
	"fmt"
)

// schema DDL всех таблиц сервиса (идемпотентно)
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(100) NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		broker_account VARCHAR(100) NOT NULL,
		api_key_enc TEXT NOT NULL DEFAULT '',
		api_secret_enc TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS user_settings (
		user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		warning_drawdown_percent DOUBLE PRECISION,
		critical_drawdown_percent DOUBLE PRECISION,
		min_equity_floor DOUBLE PRECISION,
		price_gap_alert_percent DOUBLE PRECISION,
		spread_max_percent DOUBLE PRECISION,
		close_retry_max_attempts INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS tracked_trades (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		symbol VARCHAR(32) NOT NULL,
		side VARCHAR(4) NOT NULL CHECK (side IN ('BUY', 'SELL')),
		volume DOUBLE PRECISION NOT NULL CHECK (volume > 0),
		expected_entry DOUBLE PRECISION NOT NULL,
		stop_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
		take_profit DOUBLE PRECISION NOT NULL DEFAULT 0,
		status VARCHAR(10) NOT NULL CHECK (status IN ('PENDING', 'OPEN', 'CLOSED')),
		broker_ticket VARCHAR(64),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		close_price DOUBLE PRECISION,
		realized_pnl DOUBLE PRECISION,
		close_reason TEXT NOT NULL DEFAULT '',
		closed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tracked_trades_user_status ON tracked_trades(user_id, status, created_at)`,
	`CREATE TABLE IF NOT EXISTS account_snapshots (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		equity DOUBLE PRECISION NOT NULL,
		balance DOUBLE PRECISION NOT NULL,
		margin DOUBLE PRECISION NOT NULL,
		free_margin DOUBLE PRECISION NOT NULL,
		peak_equity DOUBLE PRECISION NOT NULL,
		is_reset BOOLEAN NOT NULL DEFAULT FALSE,
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_account_snapshots_user_ts ON account_snapshots(user_id, timestamp DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS reconciliation_events (
		id BIGSERIAL PRIMARY KEY,
		type VARCHAR(32) NOT NULL,
		user_id BIGINT NOT NULL,
		severity VARCHAR(10) NOT NULL,
		detail JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reconciliation_events_user_ts ON reconciliation_events(user_id, created_at DESC)`,
	`CREATE OR REPLACE RULE reconciliation_events_no_update AS ON UPDATE TO reconciliation_events DO INSTEAD NOTHING`,
	`CREATE OR REPLACE RULE reconciliation_events_no_delete AS ON DELETE TO reconciliation_events DO INSTEAD NOTHING`,
	`CREATE TABLE IF NOT EXISTS guard_alerts (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		kind VARCHAR(10) NOT NULL CHECK (kind IN ('DRAWDOWN', 'MARKET')),
		symbol VARCHAR(32) NOT NULL DEFAULT '',
		level VARCHAR(10) NOT NULL,
		metric_value DOUBLE PRECISION NOT NULL DEFAULT 0,
		recovery_streak INTEGER NOT NULL DEFAULT 0,
		resolution VARCHAR(32) NOT NULL DEFAULT '',
		triggered_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_guard_alerts_open ON guard_alerts(user_id, kind, symbol) WHERE resolved_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS close_requests (
		id BIGSERIAL PRIMARY KEY,
		ticket VARCHAR(64) NOT NULL,
		trade_id BIGINT REFERENCES tracked_trades(id),
		user_id BIGINT NOT NULL REFERENCES users(id),
		reason TEXT NOT NULL,
		idempotency_key UUID NOT NULL UNIQUE,
		result VARCHAR(10) NOT NULL CHECK (result IN ('PENDING', 'SUCCEEDED', 'FAILED')),
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		requested_at TIMESTAMPTZ NOT NULL,
		executed_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_close_requests_pending ON close_requests(ticket) WHERE result = 'PENDING'`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		type VARCHAR(20) NOT NULL,
		severity VARCHAR(10) NOT NULL,
		user_id BIGINT,
		message TEXT NOT NULL,
		meta JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_timestamp ON notifications(timestamp DESC)`,
}

// Migrate создаёт недостающие таблицы и индексы
func Migrate(ctx context.Context, db DBTX) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return nil
}
