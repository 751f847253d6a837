package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stanstork/recovery-controller/internal/authz"
	"github.com/stanstork/recovery-controller/internal/models"
	"github.com/stanstork/recovery-controller/internal/repository"
)

// Acceptor persists an inbound record.
type Acceptor interface {
	Accept(ctx context.Context, rec models.NotificationRecord) (models.Notification, error)
}

// Submitter runs the recovery of a persisted notification in the background.
type Submitter interface {
	Submit(n models.Notification)
}

type NotificationHandler struct {
	db            repository.DBTX
	notifications repository.NotificationRepository
	items         repository.VMRecoveryItemRepository
	acceptor      Acceptor
	submitter     Submitter
	logger        zerolog.Logger
}

func NewNotificationHandler(
	db repository.DBTX,
	notifications repository.NotificationRepository,
	items repository.VMRecoveryItemRepository,
	acceptor Acceptor,
	submitter Submitter,
	logger zerolog.Logger,
) *NotificationHandler {
	return &NotificationHandler{
		db:            db,
		notifications: notifications,
		items:         items,
		acceptor:      acceptor,
		submitter:     submitter,
		logger:        logger.With().Str("handler", "notification").Logger(),
	}
}

// Submit persists an inbound failure notification and hands it to the dispatcher.
// Recovery runs after the response; callers poll Get for the outcome. A notification that needs
// no recovery, skipped for lack of a spare or superseded, is answered with 200.
func (h *NotificationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var rec models.NotificationRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if err := rec.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n, err := h.acceptor.Accept(r.Context(), rec)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			http.Error(w, "Failed to persist notification", status)
			return
		}
		http.Error(w, err.Error(), status)
		return
	}

	subject, _ := authz.SubjectFromRequest(r)
	h.logger.Info().
		Str("notification_id", rec.ID).
		Str("type", rec.Type).
		Str("hostname", rec.Hostname).
		Str("subject", subject).
		Str("progress", n.Progress.String()).
		Msg("notification accepted")

	if n.Progress.Terminal() {
		status := "skipped"
		if n.Progress == models.ProgressSuperseded {
			status = "superseded"
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":          status,
			"notification_id": n.NotificationID,
			"progress":        n.Progress,
		})
		return
	}

	h.submitter.Submit(n)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":          "accepted",
		"notification_id": n.NotificationID,
		"progress":        n.Progress,
	})
}

// Get returns a notification with its per-instance recovery items.
func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	notifID := strings.TrimSpace(mux.Vars(r)["notificationID"])
	if notifID == "" {
		http.Error(w, "Notification ID is required", http.StatusBadRequest)
		return
	}

	n, err := h.notifications.Get(r.Context(), h.db, notifID)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusNotFound {
			http.Error(w, "Notification not found", status)
			return
		}
		h.logger.Error().Err(err).Str("notification_id", notifID).Msg("failed to get notification")
		http.Error(w, "Failed to get notification", status)
		return
	}

	items, err := h.items.ListByNotification(r.Context(), h.db, notifID)
	if err != nil {
		h.logger.Error().Err(err).Str("notification_id", notifID).Msg("failed to list recovery items")
		http.Error(w, "Failed to get notification", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notification": n,
		"items":        items,
	})
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 25
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	notifications, err := h.notifications.List(r.Context(), h.db,
		strings.TrimSpace(query.Get("hostname")),
		strings.TrimSpace(query.Get("cluster_port")),
		limit,
	)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list notifications")
		http.Error(w, "Failed to list notifications", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
	})
}
