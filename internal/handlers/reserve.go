package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stanstork/recovery-controller/internal/models"
	"github.com/stanstork/recovery-controller/internal/repository"
)

type ReserveRegistry interface {
	Register(ctx context.Context, tx repository.DBTX, hostname, clusterPort string) (models.ReserveNode, error)
	List(ctx context.Context, tx repository.DBTX, clusterPort string) ([]models.ReserveNode, error)
}

type ReserveHandler struct {
	db       repository.DBTX
	registry ReserveRegistry
	logger   zerolog.Logger
}

func NewReserveHandler(db repository.DBTX, registry ReserveRegistry, logger zerolog.Logger) *ReserveHandler {
	return &ReserveHandler{
		db:       db,
		registry: registry,
		logger:   logger.With().Str("handler", "reserve").Logger(),
	}
}

type registerReserveRequest struct {
	Hostname    string `json:"hostname"`
	ClusterPort string `json:"cluster_port"`
}

func (h *ReserveHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	node, err := h.registry.Register(r.Context(), h.db, strings.TrimSpace(req.Hostname), strings.TrimSpace(req.ClusterPort))
	if err != nil {
		status := statusFor(err)
		switch status {
		case http.StatusBadRequest:
			http.Error(w, err.Error(), status)
		case http.StatusConflict:
			http.Error(w, "Reserve node already registered", status)
		default:
			h.logger.Error().Err(err).Str("hostname", req.Hostname).Msg("failed to register reserve node")
			http.Error(w, "Failed to register reserve node", status)
		}
		return
	}

	writeJSON(w, http.StatusCreated, node)
}

func (h *ReserveHandler) List(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.registry.List(r.Context(), h.db, strings.TrimSpace(r.URL.Query().Get("cluster_port")))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list reserve nodes")
		http.Error(w, "Failed to list reserve nodes", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reserve_nodes": nodes,
	})
}
