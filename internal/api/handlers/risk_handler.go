package handlers

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"reconciler/internal/service"
)

// Заголовок с именем оператора для журнала действий
const operatorHeader = "X-Operator"

// RiskHandler отвечает за алерты, запросы закрытия и сброс пика
//
// Endpoints:
// - GET /api/v1/alerts?user_id=7&open=true
// - GET /api/v1/close-requests?status=FAILED
// - POST /api/v1/users/{id}/peak-reset
type RiskHandler struct {
	ops service.OpsServiceInterface
}

// NewRiskHandler создает новый RiskHandler с внедрением зависимости
func NewRiskHandler(ops service.OpsServiceInterface) *RiskHandler {
	return &RiskHandler{ops: ops}
}

// GetAlerts возвращает алерты риск-контроля
func (h *RiskHandler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	open, err := parseBool(r, "open")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	alerts, err := h.ops.ListAlerts(r.Context(), service.AlertQuery{UserID: userID, OpenOnly: open, Limit: limit})
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ListResponse{Items: alerts, Total: len(alerts)})
}

// GetCloseRequests возвращает запросы закрытия позиций
func (h *RiskHandler) GetCloseRequests(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	reqs, err := h.ops.ListCloseRequests(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ListResponse{Items: reqs, Total: len(reqs)})
}

// ResetPeak сбрасывает пик equity до текущего значения
//
// POST /api/v1/users/{id}/peak-reset
//
// Тело (необязательно): {"operator": "alice", "note": "withdrawal 2k"}
// Если operator не указан в теле, берётся из заголовка X-Operator.
//
// HTTP коды:
// - 200 OK: возвращает новый снимок
// - 400 Bad Request: неверный id или тело
// - 404 Not Found: пользователь не найден
// - 409 Conflict: по пользователю ещё нет снимков
func (h *RiskHandler) ResetPeak(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id < 1 {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, "user id must be a positive integer")
		return
	}

	var req service.PeakResetRequest
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			respondWithError(w, http.StatusBadRequest, CodeBadRequest, "failed to read request body")
			return
		}
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				respondWithError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
				return
			}
		}
	}
	if strings.TrimSpace(req.Operator) == "" {
		req.Operator = r.Header.Get(operatorHeader)
	}

	snap, err := h.ops.ResetPeak(r.Context(), id, req)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, snap)
}
