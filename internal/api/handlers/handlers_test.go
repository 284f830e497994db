package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reconciler/internal/models"
	"reconciler/internal/service"
)

type listBody struct {
	Items []map[string]interface{} `json:"items"`
	Total int                      `json:"total"`
}

func decodeList(t *testing.T, w *httptest.ResponseRecorder) listBody {
	t.Helper()
	var body listBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// ============ EventHandler Tests ============

func TestEventHandler_GetEvents(t *testing.T) {
	t.Run("passes filters to service", func(t *testing.T) {
		svc := NewMockOpsService()
		svc.events = []*models.ReconciliationEvent{
			models.NewEvent(models.EventDivergence, 7, models.SeverityWarning, map[string]interface{}{"kind": "slippage"}),
		}
		h := NewEventHandler(svc)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/events?user_id=7&type=divergence&since=2024-03-01T00:00:00Z&limit=5", nil)
		w := httptest.NewRecorder()
		h.GetEvents(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		body := decodeList(t, w)
		assert.Equal(t, 1, body.Total)
		assert.Equal(t, "DIVERGENCE", body.Items[0]["type"])

		require.NotNil(t, svc.lastEventQuery.UserID)
		assert.Equal(t, int64(7), *svc.lastEventQuery.UserID)
		assert.Equal(t, "divergence", svc.lastEventQuery.Type)
		assert.Equal(t, 5, svc.lastEventQuery.Limit)
		require.NotNil(t, svc.lastEventQuery.Since)
		assert.Equal(t, 2024, svc.lastEventQuery.Since.Year())
	})

	t.Run("rejects bad parameters", func(t *testing.T) {
		for _, q := range []string{"user_id=abc", "limit=-1", "since=yesterday"} {
			h := NewEventHandler(NewMockOpsService())
			w := httptest.NewRecorder()
			h.GetEvents(w, httptest.NewRequest(http.MethodGet, "/api/v1/events?"+q, nil))

			assert.Equal(t, http.StatusBadRequest, w.Code, q)
			assert.Equal(t, CodeBadRequest, decodeError(t, w).Code)
		}
	})

	t.Run("maps invalid type to 400", func(t *testing.T) {
		svc := NewMockOpsService()
		svc.err = service.ErrInvalidEventType
		w := httptest.NewRecorder()
		NewEventHandler(svc).GetEvents(w, httptest.NewRequest(http.MethodGet, "/api/v1/events?type=x", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("hides internal errors", func(t *testing.T) {
		svc := NewMockOpsService()
		svc.err = errors.New("pq: connection refused to 10.0.0.5")
		w := httptest.NewRecorder()
		NewEventHandler(svc).GetEvents(w, httptest.NewRequest(http.MethodGet, "/api/v1/events", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "10.0.0.5")
	})
}

// ============ RiskHandler Tests ============

func TestRiskHandler_GetAlerts(t *testing.T) {
	svc := NewMockOpsService()
	svc.alerts = []*models.GuardAlert{{ID: 3, UserID: 7, Kind: models.GuardKindMarket, Symbol: "EURUSD", Level: models.LevelCritical}}
	h := NewRiskHandler(svc)

	w := httptest.NewRecorder()
	h.GetAlerts(w, httptest.NewRequest(http.MethodGet, "/api/v1/alerts?open=true", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeList(t, w)
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, "MARKET", body.Items[0]["kind"])
	assert.True(t, svc.lastAlertQuery.OpenOnly)

	w = httptest.NewRecorder()
	h.GetAlerts(w, httptest.NewRequest(http.MethodGet, "/api/v1/alerts?open=maybe", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRiskHandler_GetCloseRequests(t *testing.T) {
	svc := NewMockOpsService()
	svc.closeRequests = []*models.CloseRequest{{ID: 1, Ticket: "T-1", Result: models.CloseResultFailed}}
	h := NewRiskHandler(svc)

	w := httptest.NewRecorder()
	h.GetCloseRequests(w, httptest.NewRequest(http.MethodGet, "/api/v1/close-requests?status=FAILED&limit=10", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "FAILED", svc.lastStatus)
	assert.Equal(t, 10, svc.lastLimit)
	assert.Equal(t, "T-1", decodeList(t, w).Items[0]["ticket"])
}

func TestRiskHandler_ResetPeak(t *testing.T) {
	newRequest := func(id, body string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/users/"+id+"/peak-reset", strings.NewReader(body))
		return mux.SetURLVars(req, map[string]string{"id": id})
	}

	t.Run("resets with body", func(t *testing.T) {
		svc := NewMockOpsService()
		w := httptest.NewRecorder()
		NewRiskHandler(svc).ResetPeak(w, newRequest("7", `{"operator":"alice","note":"withdrawal"}`))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(7), svc.lastResetUser)
		assert.Equal(t, "alice", svc.lastResetReq.Operator)
		assert.Equal(t, "withdrawal", svc.lastResetReq.Note)

		var snap models.AccountSnapshot
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
		assert.True(t, snap.IsReset)
	})

	t.Run("empty body takes operator from header", func(t *testing.T) {
		svc := NewMockOpsService()
		req := newRequest("7", "")
		req.Header.Set(operatorHeader, "bob")
		w := httptest.NewRecorder()
		NewRiskHandler(svc).ResetPeak(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "bob", svc.lastResetReq.Operator)
	})

	tests := []struct {
		name     string
		id       string
		body     string
		resetErr error
		want     int
	}{
		{"bad id", "abc", "", nil, http.StatusBadRequest},
		{"bad body", "7", "{", nil, http.StatusBadRequest},
		{"unknown user", "7", "", service.ErrUserNotFound, http.StatusNotFound},
		{"no snapshot", "7", "", service.ErrNoSnapshot, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewMockOpsService()
			svc.resetErr = tt.resetErr
			w := httptest.NewRecorder()
			NewRiskHandler(svc).ResetPeak(w, newRequest(tt.id, tt.body))

			assert.Equal(t, tt.want, w.Code)
		})
	}
}

// ============ NotificationHandler Tests ============

func TestNotificationHandler_GetNotifications(t *testing.T) {
	t.Run("returns empty list", func(t *testing.T) {
		svc := NewMockOpsService()
		svc.notifications = []*models.Notification{}
		w := httptest.NewRecorder()
		NewNotificationHandler(svc).GetNotifications(w, httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil))

		require.Equal(t, http.StatusOK, w.Code)
		body := decodeList(t, w)
		assert.Equal(t, 0, body.Total)
		assert.Equal(t, 0, svc.lastLimit)
	})

	t.Run("returns notifications", func(t *testing.T) {
		svc := NewMockOpsService()
		svc.notifications = []*models.Notification{
			{ID: 1, Type: models.NotificationTypeDrawdown, Severity: models.SeverityWarning, Message: "Drawdown reached 16%"},
			{ID: 2, Type: models.NotificationTypeClose, Severity: models.SeverityInfo, Message: "Position closed"},
		}
		w := httptest.NewRecorder()
		NewNotificationHandler(svc).GetNotifications(w, httptest.NewRequest(http.MethodGet, "/api/v1/notifications?limit=2", nil))

		require.Equal(t, http.StatusOK, w.Code)
		body := decodeList(t, w)
		assert.Equal(t, 2, body.Total)
		assert.Equal(t, "DRAWDOWN", body.Items[0]["type"])
		assert.Equal(t, 2, svc.lastLimit)
	})
}
