package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"reconciler/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WebhookSender пересылает уведомления во внешний чат (Slack-совместимый формат)
type WebhookSender struct {
	url        string
	httpClient *http.Client
}

// SlackMessage тело запроса incoming webhook
type SlackMessage struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment блок сообщения
type Attachment struct {
	Color     string  `json:"color,omitempty"`
	Title     string  `json:"title,omitempty"`
	Text      string  `json:"text,omitempty"`
	Footer    string  `json:"footer,omitempty"`
	Fields    []Field `json:"fields,omitempty"`
	Timestamp int64   `json:"ts,omitempty"`
}

// Field поле блока
type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewWebhookSender создаёт отправителя; пустой url = nil (канал выключен)
func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSender{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Send отправляет уведомление
func (w *WebhookSender) Send(ctx context.Context, n *models.Notification) error {
	body, err := json.Marshal(buildSlackMessage(n))
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func buildSlackMessage(n *models.Notification) SlackMessage {
	recipient := "operators"
	if n.UserID != nil {
		recipient = "user " + strconv.FormatInt(*n.UserID, 10)
	}

	return SlackMessage{
		Attachments: []Attachment{
			{
				Color: severityColor(n.Severity),
				Title: fmt.Sprintf("[%s] %s", n.Severity, n.Type),
				Text:  n.Message,
				Fields: []Field{
					{Title: "Recipient", Value: recipient, Short: true},
					{Title: "Severity", Value: n.Severity, Short: true},
				},
				Footer:    "reconciler",
				Timestamp: n.Timestamp.Unix(),
			},
		},
	}
}

func severityColor(severity string) string {
	switch severity {
	case models.SeverityCritical, models.SeverityError:
		return "#e74c3c"
	case models.SeverityWarning:
		return "#f39c12"
	default:
		return "#36a64f"
	}
}
