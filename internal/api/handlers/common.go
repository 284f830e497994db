package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"reconciler/internal/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Коды ошибок API
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeNotFound   = "NOT_FOUND"
	CodeConflict   = "CONFLICT"
	CodeInternal   = "INTERNAL"
)

// ListResponse ответ со списком
type ListResponse struct {
	Items interface{} `json:"items"`
	Total int         `json:"total"`
}

// respondWithJSON отправляет JSON ответ
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to marshal response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

// respondWithError отправляет JSON ответ с ошибкой
func respondWithError(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// respondWithServiceError переводит ошибку сервиса в HTTP статус
//
// Текст внутренних ошибок клиенту не отдаётся.
func respondWithServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidEventType), errors.Is(err, service.ErrInvalidCloseResult):
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	case errors.Is(err, service.ErrUserNotFound):
		respondWithError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, service.ErrNoSnapshot):
		respondWithError(w, http.StatusConflict, CodeConflict, err.Error())
	default:
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

// parseLimit разбирает ?limit=; 0 = значение сервиса по умолчанию
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return limit, nil
}

// parseUserID разбирает необязательный ?user_id=
func parseUserID(r *http.Request) (*int64, error) {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return nil, errors.New("user_id must be a positive integer")
	}
	return &id, nil
}

// parseBool разбирает необязательный булев параметр
func parseBool(r *http.Request, name string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New(name + " must be true or false")
	}
	return v, nil
}

// parseSince разбирает необязательный ?since= в RFC3339
func parseSince(r *http.Request) (*time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.New("since must be an RFC3339 timestamp")
	}
	return &t, nil
}
