package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"reconciler/internal/models"
	"reconciler/pkg/crypto"
	"reconciler/pkg/ratelimit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxResponseSize ограничение размера ответа брокера
const maxResponseSize = 1 << 20

// RESTConfig настройки REST-адаптера
type RESTConfig struct {
	BaseURL   string
	HTTP      HTTPClientConfig
	RateLimit float64 // запросов в секунду на счёт
	RateBurst float64
}

// RESTClient реализация Client поверх REST-шлюза брокера
//
// Запросы подписываются HMAC-SHA256 ключами пользователя,
// которые хранятся в БД зашифрованными и расшифровываются на каждый запрос.
type RESTClient struct {
	baseURL string
	http    *http.Client
	vault   *crypto.Vault
	limiter *ratelimit.KeyedLimiter
	logger  *zap.Logger
	now     func() time.Time
}

// NewRESTClient создаёт REST-адаптер
func NewRESTClient(cfg RESTConfig, vault *crypto.Vault, logger *zap.Logger) *RESTClient {
	return &RESTClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    NewHTTPClient(cfg.HTTP),
		vault:   vault,
		limiter: ratelimit.NewKeyedLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  logger.Named("broker"),
		now:     time.Now,
	}
}

// Close закрывает idle соединения (graceful shutdown)
func (c *RESTClient) Close() {
	c.http.CloseIdleConnections()
}

// ============================================================
// Ответы шлюза
// ============================================================

type envelope struct {
	Code    int                 `json:"code"`
	Message string              `json:"message"`
	Data    jsoniter.RawMessage `json:"data"`
}

type positionDTO struct {
	Ticket       string  `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Volume       float64 `json:"volume"`
	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	OpenedAt     int64   `json:"opened_at"` // unix ms
}

type summaryDTO struct {
	Equity     float64 `json:"equity"`
	Balance    float64 `json:"balance"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"free_margin"`
}

type quoteDTO struct {
	Symbol      string   `json:"symbol"`
	LastClose   float64  `json:"last_close"`
	CurrentOpen float64  `json:"current_open"`
	Bid         float64  `json:"bid"`
	Ask         float64  `json:"ask"`
	Depth       *float64 `json:"depth"`
}

type closeDTO struct {
	Ticket      string   `json:"ticket"`
	Closed      bool     `json:"closed"`
	ClosePrice  float64  `json:"close_price"`
	RealizedPnL *float64 `json:"realized_pnl"`
	ClosedAt    int64    `json:"closed_at"` // unix ms
	Message     string   `json:"message"`
}

// ============================================================
// Client
// ============================================================

// FetchPositions возвращает открытые позиции счёта
func (c *RESTClient) FetchPositions(ctx context.Context, user *models.User) ([]models.BrokerPosition, error) {
	var dtos []positionDTO
	path := "/v1/accounts/" + url.PathEscape(user.BrokerAccount) + "/positions"
	if err := c.do(ctx, "fetch_positions", user, http.MethodGet, path, nil, nil, &dtos); err != nil {
		return nil, err
	}

	positions := make([]models.BrokerPosition, 0, len(dtos))
	for _, d := range dtos {
		positions = append(positions, models.BrokerPosition{
			Ticket:       d.Ticket,
			Symbol:       strings.ToUpper(d.Symbol),
			Side:         models.NormalizeSide(d.Side),
			Volume:       d.Volume,
			EntryPrice:   d.EntryPrice,
			CurrentPrice: d.CurrentPrice,
			StopLoss:     d.StopLoss,
			TakeProfit:   d.TakeProfit,
			OpenedAt:     time.UnixMilli(d.OpenedAt).UTC(),
		})
	}
	return positions, nil
}

// FetchAccount возвращает состояние счёта
func (c *RESTClient) FetchAccount(ctx context.Context, user *models.User) (*models.AccountSnapshot, error) {
	var d summaryDTO
	path := "/v1/accounts/" + url.PathEscape(user.BrokerAccount) + "/summary"
	if err := c.do(ctx, "fetch_account", user, http.MethodGet, path, nil, nil, &d); err != nil {
		return nil, err
	}

	return &models.AccountSnapshot{
		UserID:     user.ID,
		Equity:     d.Equity,
		Balance:    d.Balance,
		Margin:     d.Margin,
		FreeMargin: d.FreeMargin,
		Timestamp:  c.now(),
	}, nil
}

// FetchQuote возвращает котировку инструмента
func (c *RESTClient) FetchQuote(ctx context.Context, user *models.User, symbol string) (*models.MarketQuote, error) {
	var d quoteDTO
	path := "/v1/accounts/" + url.PathEscape(user.BrokerAccount) + "/quotes/" + url.PathEscape(symbol)
	if err := c.do(ctx, "fetch_quote", user, http.MethodGet, path, nil, nil, &d); err != nil {
		return nil, err
	}

	return &models.MarketQuote{
		Symbol:      symbol,
		LastClose:   d.LastClose,
		CurrentOpen: d.CurrentOpen,
		Bid:         d.Bid,
		Ask:         d.Ask,
		Depth:       d.Depth,
		Timestamp:   c.now(),
	}, nil
}

// ClosePosition закрывает позицию; ключ идемпотентности передаётся заголовком
func (c *RESTClient) ClosePosition(ctx context.Context, user *models.User, ticket, idempotencyKey, reason string) (*CloseResult, error) {
	var d closeDTO
	path := "/v1/accounts/" + url.PathEscape(user.BrokerAccount) + "/positions/" + url.PathEscape(ticket) + "/close"
	body := map[string]string{"reason": reason}
	headers := map[string]string{"Idempotency-Key": idempotencyKey}

	if err := c.do(ctx, "close_position", user, http.MethodPost, path, body, headers, &d); err != nil {
		return nil, err
	}

	res := &CloseResult{
		Ticket:      ticket,
		Closed:      d.Closed,
		ClosePrice:  d.ClosePrice,
		RealizedPnL: d.RealizedPnL,
		Message:     d.Message,
	}
	if d.ClosedAt > 0 {
		res.ClosedAt = time.UnixMilli(d.ClosedAt).UTC()
	} else {
		res.ClosedAt = c.now()
	}
	return res, nil
}

// ============================================================
// Транспорт
// ============================================================

// sign подпись запроса: hex(HMAC-SHA256(secret, timestamp + method + path + body))
func sign(secret, timestamp, method, path string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp + method + path))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// do выполняет подписанный запрос и разбирает конверт ответа в out
func (c *RESTClient) do(ctx context.Context, op string, user *models.User, method, path string, body interface{}, headers map[string]string, out interface{}) error {
	if err := c.limiter.Wait(ctx, user.BrokerAccount); err != nil {
		return &Error{Op: op, Message: "rate limit wait aborted", Transient: !errors.Is(err, context.Canceled), Err: err}
	}

	apiKey, err := c.vault.Open(user.APIKeyEnc)
	if err != nil {
		return &Error{Op: op, Message: "cannot decrypt api key", Err: err}
	}
	secret, err := c.vault.Open(user.APISecretEnc)
	if err != nil {
		return &Error{Op: op, Message: "cannot decrypt api secret", Err: err}
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return &Error{Op: op, Message: "encode request", Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Op: op, Message: "build request", Err: err}
	}

	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", apiKey)
	req.Header.Set("X-TIMESTAMP", timestamp)
	req.Header.Set("X-SIGNATURE", sign(secret, timestamp, method, path, payload))
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Message: err.Error(), Transient: !errors.Is(err, context.Canceled), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: "read response", Transient: true, Err: err}
	}

	c.logger.Debug("broker request",
		zap.String("op", op),
		zap.Int64("user_id", user.ID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", c.now().Sub(start)),
	)

	var env envelope
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode >= http.StatusBadRequest {
		e := &Error{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("http %d", resp.StatusCode),
			Transient:  isTransientStatus(resp.StatusCode),
		}
		if decodeErr == nil && env.Message != "" {
			e.Message = env.Message
			if env.Code != 0 {
				e.Code = strconv.Itoa(env.Code)
			}
		}
		if resp.StatusCode == http.StatusNotFound {
			e.Err = ErrPositionNotFound
		}
		return e
	}

	if decodeErr != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: "malformed response", Err: decodeErr}
	}
	if env.Code != 0 {
		return &Error{Op: op, StatusCode: resp.StatusCode, Code: strconv.Itoa(env.Code), Message: env.Message}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &Error{Op: op, StatusCode: resp.StatusCode, Message: "malformed response data", Err: err}
		}
	}
	return nil
}

// isTransientStatus 5xx, 429 и 408 повторяются, остальные 4xx нет
func isTransientStatus(status int) bool {
	return status >= http.StatusInternalServerError ||
		status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout
}
