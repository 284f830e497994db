package handlers

import (
	"net/http"

	"reconciler/internal/service"
)

// NotificationHandler отдаёт журнал отправленных уведомлений
//
// Endpoints:
// - GET /api/v1/notifications?limit=50
type NotificationHandler struct {
	ops service.OpsServiceInterface
}

// NewNotificationHandler создает новый NotificationHandler с внедрением зависимости
func NewNotificationHandler(ops service.OpsServiceInterface) *NotificationHandler {
	return &NotificationHandler{ops: ops}
}

// GetNotifications возвращает последние уведомления (по умолчанию 100, максимум 500)
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	notifications, err := h.ops.ListNotifications(r.Context(), limit)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ListResponse{Items: notifications, Total: len(notifications)})
}
