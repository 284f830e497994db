package repository

import (
	"context"
	"database/sql"
	"errors"

	"reconciler/internal/models"
)

// Ошибки репозитория пользователей
var (
	ErrUserNotFound = errors.New("user not found")
)

// UserRepository - пользователи и их пороги риск-контроля
type UserRepository struct {
	db DBTX
}

// NewUserRepository создает новый экземпляр репозитория
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

const userSelect = `
	SELECT u.id, u.name, u.active, u.broker_account, u.api_key_enc, u.api_secret_enc,
		s.user_id, s.warning_drawdown_percent, s.critical_drawdown_percent, s.min_equity_floor,
		s.price_gap_alert_percent, s.spread_max_percent, s.close_retry_max_attempts
	FROM users u
	LEFT JOIN user_settings s ON s.user_id = u.id`

// ListActive возвращает активных пользователей с настройками
func (r *UserRepository) ListActive(ctx context.Context) ([]*models.User, error) {
	rows, err := r.db.QueryContext(ctx, userSelect+` WHERE u.active = TRUE ORDER BY u.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetByID возвращает пользователя по ID
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, userSelect+` WHERE u.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u              models.User
		settingsUserID sql.NullInt64
		warning        sql.NullFloat64
		critical       sql.NullFloat64
		floor          sql.NullFloat64
		gap            sql.NullFloat64
		spread         sql.NullFloat64
		attempts       sql.NullInt64
	)

	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Active,
		&u.BrokerAccount,
		&u.APIKeyEnc,
		&u.APISecretEnc,
		&settingsUserID,
		&warning,
		&critical,
		&floor,
		&gap,
		&spread,
		&attempts,
	)
	if err != nil {
		return nil, err
	}

	if settingsUserID.Valid {
		u.Settings = &models.UserSettings{
			UserID:                  settingsUserID.Int64,
			WarningDrawdownPercent:  float64Ptr(warning),
			CriticalDrawdownPercent: float64Ptr(critical),
			MinEquityFloor:          float64Ptr(floor),
			PriceGapAlertPercent:    float64Ptr(gap),
			SpreadMaxPercent:        float64Ptr(spread),
			CloseRetryMaxAttempts:   intPtr(attempts),
		}
	}
	return &u, nil
}
