// Package reservation hands out spare hosts to node recoveries.
//
// A claim only holds while the caller's transaction is open: the candidate row is locked
// with FOR UPDATE SKIP LOCKED and flagged in_use in the same transaction, so two concurrent
// claimers never receive the same host.
package reservation

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/stanstork/recovery-controller/internal/apperrors"
	"github.com/stanstork/recovery-controller/internal/logging"
	"github.com/stanstork/recovery-controller/internal/metrics"
	"github.com/stanstork/recovery-controller/internal/models"
	"github.com/stanstork/recovery-controller/internal/repository"
)

type Manager struct {
	nodes  repository.ReserveNodeRepository
	logger zerolog.Logger
}

var _ repository.SpareClaimer = (*Manager)(nil)

func NewManager(nodes repository.ReserveNodeRepository, logger zerolog.Logger) *Manager {
	return &Manager{
		nodes:  nodes,
		logger: logging.Component(logger, "reservation"),
	}
}

// Claim marks the first free spare in clusterPort, other than excludeHostname, as in use
// and returns its hostname. ok is false when the cluster has no free spare.
func (m *Manager) Claim(ctx context.Context, tx repository.DBTX, clusterPort, excludeHostname string) (string, bool, error) {
	node, found, err := m.nodes.LockAvailable(ctx, tx, clusterPort, excludeHostname)
	if err != nil {
		metrics.ReserveClaims.WithLabelValues("error").Inc()
		return "", false, err
	}
	if !found {
		metrics.ReserveClaims.WithLabelValues("none").Inc()
		m.logger.Warn().
			Str(logging.FieldMsgID, "reserve_node_unavailable").
			Str("cluster_port", clusterPort).
			Str("failed_host", excludeHostname).
			Msg("no free reserve node")
		return "", false, nil
	}

	if err := m.nodes.MarkInUse(ctx, tx, node.ID); err != nil {
		metrics.ReserveClaims.WithLabelValues("error").Inc()
		return "", false, err
	}

	metrics.ReserveClaims.WithLabelValues("claimed").Inc()
	m.logger.Info().
		Str("cluster_port", clusterPort).
		Str("failed_host", excludeHostname).
		Str("recover_to", node.Hostname).
		Msg("reserve node claimed")
	return node.Hostname, true, nil
}

// ReleaseStale retires every active reserve row registered under hostname.
func (m *Manager) ReleaseStale(ctx context.Context, tx repository.DBTX, hostname string) (int64, error) {
	return m.nodes.ReleaseByHostname(ctx, tx, hostname)
}

// Register adds a spare host to a cluster's pool.
func (m *Manager) Register(ctx context.Context, tx repository.DBTX, hostname, clusterPort string) (models.ReserveNode, error) {
	if hostname == "" {
		return models.ReserveNode{}, &apperrors.ValidationError{Field: "hostname", Reason: "is required"}
	}
	if clusterPort == "" {
		return models.ReserveNode{}, &apperrors.ValidationError{Field: "cluster_port", Reason: "is required"}
	}

	node, err := m.nodes.Create(ctx, tx, hostname, clusterPort)
	if err != nil {
		return models.ReserveNode{}, err
	}
	m.logger.Info().Str("hostname", hostname).Str("cluster_port", clusterPort).Msg("reserve node registered")
	return node, nil
}

// List returns active reserve rows, optionally limited to one cluster.
func (m *Manager) List(ctx context.Context, tx repository.DBTX, clusterPort string) ([]models.ReserveNode, error) {
	return m.nodes.List(ctx, tx, clusterPort)
}
