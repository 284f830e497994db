package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reconciler/internal/models"
)

type fakeStore struct {
	mu    sync.Mutex
	saved []*models.Notification
	err   error
}

func (s *fakeStore) Create(_ context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	n.ID = int64(len(s.saved) + 1)
	s.saved = append(s.saved, n)
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type fakeHub struct {
	mu   sync.Mutex
	sent []*models.Notification
}

func (h *fakeHub) BroadcastNotification(n *models.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, n)
}

func (h *fakeHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

func userID(id int64) *int64 { return &id }

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestDispatcher_DeliversToAllChannels(t *testing.T) {
	var (
		mu   sync.Mutex
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body, _ = io.ReadAll(r.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{}
	hub := &fakeHub{}
	d := NewDispatcher(Config{WebhookURL: srv.URL, BufferSize: 4, Timeout: time.Second},
		store, hub, prometheus.NewRegistry(), zap.NewNop())
	d.Start()

	d.SendAlert(context.Background(), &models.Notification{
		Type:     models.NotificationTypeCloseFailed,
		Severity: models.SeverityCritical,
		UserID:   userID(7),
		Message:  "Position could not be closed automatically",
	})
	closeDispatcher(t, d)

	require.Equal(t, 1, store.count())
	assert.NotZero(t, store.saved[0].Timestamp)
	assert.Equal(t, 1, hub.count())

	mu.Lock()
	defer mu.Unlock()
	var msg SlackMessage
	require.NoError(t, json.Unmarshal(body, &msg))
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "[CRITICAL] CLOSE_FAILED", msg.Attachments[0].Title)
	assert.Equal(t, "#e74c3c", msg.Attachments[0].Color)
	assert.Equal(t, "user 7", msg.Attachments[0].Fields[0].Value)

	assert.Equal(t, 1.0, testutil.ToFloat64(d.delivered.WithLabelValues("webhook", "ok")))
}

func TestDispatcher_StoreFailureDoesNotStopBroadcast(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	hub := &fakeHub{}
	d := NewDispatcher(Config{BufferSize: 4}, store, hub, nil, zap.NewNop())
	d.Start()

	d.SendAlert(context.Background(), &models.Notification{Type: models.NotificationTypeDrawdown, Severity: models.SeverityWarning})
	closeDispatcher(t, d)

	assert.Equal(t, 0, store.count())
	assert.Equal(t, 1, hub.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(d.delivered.WithLabelValues("store", "error")))
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	d := NewDispatcher(Config{BufferSize: 1}, &fakeStore{}, nil, nil, zap.NewNop())
	// воркер не запущен

	for i := 0; i < 3; i++ {
		d.SendAlert(context.Background(), &models.Notification{Type: models.NotificationTypeMarket, Severity: models.SeverityInfo})
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(d.dropped))
}

func TestDispatcher_CriticalWaitsForSpace(t *testing.T) {
	store := &fakeStore{}
	d := NewDispatcher(Config{BufferSize: 1}, store, nil, nil, zap.NewNop())
	d.SendAlert(context.Background(), &models.Notification{Type: models.NotificationTypeMarket, Severity: models.SeverityInfo})

	sent := make(chan struct{})
	go func() {
		d.SendAlert(context.Background(), &models.Notification{Type: models.NotificationTypeCloseFailed, Severity: models.SeverityCritical})
		close(sent)
	}()

	time.Sleep(50 * time.Millisecond)
	d.Start()

	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("critical notification was not enqueued")
	}
	closeDispatcher(t, d)

	assert.Equal(t, 2, store.count())
	assert.Equal(t, 0.0, testutil.ToFloat64(d.dropped))
}

func TestDispatcher_CriticalRespectsContext(t *testing.T) {
	d := NewDispatcher(Config{BufferSize: 1}, &fakeStore{}, nil, nil, zap.NewNop())
	d.SendAlert(context.Background(), &models.Notification{Type: models.NotificationTypeMarket, Severity: models.SeverityInfo})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	d.SendAlert(ctx, &models.Notification{Type: models.NotificationTypeCloseFailed, Severity: models.SeverityCritical})

	assert.Less(t, time.Since(start), criticalEnqueueWait)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.dropped))
}

func TestDispatcher_CloseDrainsQueue(t *testing.T) {
	store := &fakeStore{}
	d := NewDispatcher(Config{BufferSize: 16}, store, nil, nil, zap.NewNop())
	for i := 0; i < 5; i++ {
		d.SendAlert(context.Background(), &models.Notification{Type: models.NotificationTypeClose, Severity: models.SeverityInfo})
	}
	d.Start()
	closeDispatcher(t, d)

	assert.Equal(t, 5, store.count())

	// после Close новые уведомления не принимаются
	d.SendAlert(context.Background(), &models.Notification{Type: models.NotificationTypeClose, Severity: models.SeverityInfo})
	assert.Equal(t, 5, store.count())
	assert.Equal(t, 0.0, testutil.ToFloat64(d.dropped))
}

func TestWebhookSender_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhookSender(srv.URL, time.Second)
	err := w.Send(context.Background(), &models.Notification{Type: models.NotificationTypeBroker, Severity: models.SeverityWarning})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNewWebhookSender_DisabledWithoutURL(t *testing.T) {
	assert.Nil(t, NewWebhookSender("", time.Second))
}

func TestBuildSlackMessage_OperatorRecipient(t *testing.T) {
	msg := buildSlackMessage(&models.Notification{Type: models.NotificationTypeBroker, Severity: models.SeverityWarning, Timestamp: time.Unix(100, 0)})

	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "operators", msg.Attachments[0].Fields[0].Value)
	assert.Equal(t, "#f39c12", msg.Attachments[0].Color)
	assert.Equal(t, int64(100), msg.Attachments[0].Timestamp)
}
