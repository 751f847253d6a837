package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/stanstork/recovery-controller/internal/authz"
	"github.com/stanstork/recovery-controller/internal/handlers"
	"github.com/stanstork/recovery-controller/internal/metrics"
)

// NewRouter sets up the API routes. Everything under /api requires a bearer token.
func NewRouter(
	notifications *handlers.NotificationHandler,
	reserves *handlers.ReserveHandler,
	health *handlers.HealthHandler,
	jwtSecret string,
) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", health.HealthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(authz.RequireBearer(jwtSecret))

	api.HandleFunc("/notifications", notifications.Submit).Methods(http.MethodPost)
	api.HandleFunc("/notifications", notifications.List).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{notificationID}", notifications.Get).Methods(http.MethodGet)

	api.HandleFunc("/reserve-nodes", reserves.Register).Methods(http.MethodPost)
	api.HandleFunc("/reserve-nodes", reserves.List).Methods(http.MethodGet)

	return router
}
