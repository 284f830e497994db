package handlers

import (
	"net/http"

	"reconciler/internal/service"
)

// EventHandler отдаёт журнал сверки
//
// Endpoints:
// - GET /api/v1/events - последние события
// - GET /api/v1/events?user_id=7&type=GUARD_TRIGGER&since=2024-03-01T00:00:00Z&limit=50
type EventHandler struct {
	ops service.OpsServiceInterface
}

// NewEventHandler создает новый EventHandler с внедрением зависимости
func NewEventHandler(ops service.OpsServiceInterface) *EventHandler {
	return &EventHandler{ops: ops}
}

// GetEvents возвращает события журнала, новые первыми
//
// HTTP коды:
// - 200 OK
// - 400 Bad Request: неверный фильтр
// - 500 Internal Server Error
func (h *EventHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	since, err := parseSince(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	events, err := h.ops.ListEvents(r.Context(), service.EventQuery{
		UserID: userID,
		Type:   r.URL.Query().Get("type"),
		Since:  since,
		Limit:  limit,
	})
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, ListResponse{Items: events, Total: len(events)})
}
