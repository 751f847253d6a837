package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/stanstork/recovery-controller/internal/models"
)

const reserveNodeColumns = `id, hostname, cluster_port, in_use, deleted, created_at, updated_at, deleted_at`

type ReserveNodeRepository interface {
	LockAvailable(ctx context.Context, tx DBTX, clusterPort, excludeHostname string) (models.ReserveNode, bool, error)
	MarkInUse(ctx context.Context, tx DBTX, id int64) error
	ReleaseByHostname(ctx context.Context, tx DBTX, hostname string) (int64, error)
	Create(ctx context.Context, tx DBTX, hostname, clusterPort string) (models.ReserveNode, error)
	List(ctx context.Context, tx DBTX, clusterPort string) ([]models.ReserveNode, error)
}

type reserveNodeRepository struct {
	now func() time.Time
}

func NewReserveNodeRepository() ReserveNodeRepository {
	return &reserveNodeRepository{now: time.Now}
}

// LockAvailable row-locks the first free spare in the cluster, skipping rows other
// transactions hold. The lock lasts until the caller's transaction ends.
func (r *reserveNodeRepository) LockAvailable(ctx context.Context, tx DBTX, clusterPort, excludeHostname string) (models.ReserveNode, bool, error) {
	const query = `
		SELECT ` + reserveNodeColumns + `
		FROM reserve_list
		WHERE cluster_port = $1 AND hostname <> $2 AND deleted = FALSE AND in_use = FALSE
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	node, err := scanReserveNode(tx.QueryRowContext(ctx, query, clusterPort, excludeHostname))
	if err != nil {
		if err == sql.ErrNoRows {
			return models.ReserveNode{}, false, nil
		}
		return models.ReserveNode{}, false, storageError("lock reserve node", err)
	}
	return node, true, nil
}

func (r *reserveNodeRepository) MarkInUse(ctx context.Context, tx DBTX, id int64) error {
	const query = `
		UPDATE reserve_list
		SET in_use = TRUE, updated_at = $1
		WHERE id = $2
	`
	if _, err := tx.ExecContext(ctx, query, r.now().UTC(), id); err != nil {
		return storageError("mark reserve node in use", err)
	}
	return nil
}

func (r *reserveNodeRepository) ReleaseByHostname(ctx context.Context, tx DBTX, hostname string) (int64, error) {
	const query = `
		UPDATE reserve_list
		SET deleted = TRUE, updated_at = $1, deleted_at = $1
		WHERE hostname = $2 AND deleted = FALSE
	`
	res, err := tx.ExecContext(ctx, query, r.now().UTC(), hostname)
	if err != nil {
		return 0, storageError("release reserve nodes", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storageError("release reserve nodes", err)
	}
	return affected, nil
}

func (r *reserveNodeRepository) Create(ctx context.Context, tx DBTX, hostname, clusterPort string) (models.ReserveNode, error) {
	const query = `
		INSERT INTO reserve_list (hostname, cluster_port, created_at)
		VALUES ($1, $2, $3)
		RETURNING ` + reserveNodeColumns

	node, err := scanReserveNode(tx.QueryRowContext(ctx, query,
		strings.TrimSpace(hostname),
		strings.TrimSpace(clusterPort),
		r.now().UTC(),
	))
	if err != nil {
		return models.ReserveNode{}, storageError("create reserve node", err)
	}
	return node, nil
}

func (r *reserveNodeRepository) List(ctx context.Context, tx DBTX, clusterPort string) ([]models.ReserveNode, error) {
	const query = `
		SELECT ` + reserveNodeColumns + `
		FROM reserve_list
		WHERE deleted = FALSE AND ($1 = '' OR cluster_port = $1)
		ORDER BY id ASC
	`
	rows, err := tx.QueryContext(ctx, query, strings.TrimSpace(clusterPort))
	if err != nil {
		return nil, storageError("list reserve nodes", err)
	}
	defer rows.Close()

	var nodes []models.ReserveNode
	for rows.Next() {
		node, err := scanReserveNode(rows)
		if err != nil {
			return nil, storageError("scan reserve node", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list reserve nodes", err)
	}
	return nodes, nil
}

func scanReserveNode(s scanner) (models.ReserveNode, error) {
	var (
		node      models.ReserveNode
		updatedAt sql.NullTime
		deletedAt sql.NullTime
	)
	if err := s.Scan(
		&node.ID,
		&node.Hostname,
		&node.ClusterPort,
		&node.InUse,
		&node.Deleted,
		&node.CreatedAt,
		&updatedAt,
		&deletedAt,
	); err != nil {
		return models.ReserveNode{}, err
	}
	node.UpdatedAt = timePtr(updatedAt)
	node.DeletedAt = timePtr(deletedAt)
	return node, nil
}
