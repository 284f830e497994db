package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"reconciler/internal/api/handlers"
	"reconciler/internal/api/middleware"
	"reconciler/internal/service"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Ops service.OpsServiceInterface

	// websocket-лента; nil = маршрут не регистрируется
	Stream http.HandlerFunc

	// promhttp; nil = маршрут не регистрируется
	Metrics http.Handler

	// проверка БД для /health; nil = всегда OK
	HealthCheck func(ctx context.Context) error

	TokenHash      string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// SetupRoutes настраивает все HTTP маршруты ops API
//
// Структура маршрутов:
//
// /api/v1/ (bearer auth)
//
//	├── GET  /events - журнал сверки
//	├── GET  /alerts - алерты риск-контроля
//	├── GET  /close-requests - запросы закрытия позиций
//	├── GET  /notifications - отправленные уведомления
//	└── POST /users/{id}/peak-reset - сброс пика equity
//
// /ws/stream (bearer auth, допускается ?access_token=) - живая лента
// /health, /metrics - без auth
//
// Middleware применяется в следующем порядке:
// 1. Recovery
// 2. Logging
// 3. CORS
// 4. Auth (только /api/v1 и /ws)
func SetupRoutes(deps *Dependencies) *mux.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logging(logger))
	router.Use(middleware.CORS(deps.AllowedOrigins))

	auth := middleware.NewBearerAuth(deps.TokenHash, logger)
	if !auth.Enabled() {
		logger.Warn("OPS_TOKEN_HASH is empty, ops API is unauthenticated")
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Middleware)

	if deps.Ops != nil {
		eventHandler := handlers.NewEventHandler(deps.Ops)
		riskHandler := handlers.NewRiskHandler(deps.Ops)
		notificationHandler := handlers.NewNotificationHandler(deps.Ops)

		api.HandleFunc("/events", eventHandler.GetEvents).Methods(http.MethodGet, http.MethodOptions)
		api.HandleFunc("/alerts", riskHandler.GetAlerts).Methods(http.MethodGet, http.MethodOptions)
		api.HandleFunc("/close-requests", riskHandler.GetCloseRequests).Methods(http.MethodGet, http.MethodOptions)
		api.HandleFunc("/notifications", notificationHandler.GetNotifications).Methods(http.MethodGet, http.MethodOptions)
		api.HandleFunc("/users/{id:[0-9]+}/peak-reset", riskHandler.ResetPeak).Methods(http.MethodPost, http.MethodOptions)
	}

	if deps.Stream != nil {
		ws := router.PathPrefix("/ws").Subrouter()
		ws.Use(auth.Middleware)
		ws.HandleFunc("/stream", deps.Stream).Methods(http.MethodGet)
	}

	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}

	router.HandleFunc("/health", healthHandler(deps.HealthCheck)).Methods(http.MethodGet)

	return router
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("UNAVAILABLE"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}
