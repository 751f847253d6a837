package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/recovery-controller/internal/apperrors"
	"github.com/stanstork/recovery-controller/internal/logging"
	"github.com/stanstork/recovery-controller/internal/models"
	"github.com/stanstork/recovery-controller/internal/resolver"
)

const notificationTable = "notification_list"

const notificationColumns = `id, notification_id, notification_type, event_type, raw_event_type, event_id, region_id,
		hostname, vm_uuid, detail, cluster_port, received_at, event_time, event_start_time, event_end_time,
		tzname, daylight, recover_by, recover_to, progress, iscsi_ip, control_ip, retry_count, updated_at, deleted_at, deleted`

// Columns callers may write through Update.
var notificationWritable = map[string]struct{}{
	"progress":       {},
	"recover_to":     {},
	"recover_by":     {},
	"iscsi_ip":       {},
	"control_ip":     {},
	"detail":         {},
	"region_id":      {},
	"cluster_port":   {},
	"event_end_time": {},
	"tzname":         {},
	"daylight":       {},
}

// SpareClaimer hands out and retires reserve nodes inside the caller's transaction.
type SpareClaimer interface {
	Claim(ctx context.Context, tx DBTX, clusterPort, excludeHostname string) (string, bool, error)
	ReleaseStale(ctx context.Context, tx DBTX, hostname string) (int64, error)
}

type NotificationRepository interface {
	Insert(ctx context.Context, tx DBTX, params CreateNotificationParams) (models.Notification, error)
	Update(ctx context.Context, tx DBTX, key string, value interface{}, notificationID string) error
	Get(ctx context.Context, tx DBTX, notificationID string) (models.Notification, error)
	List(ctx context.Context, tx DBTX, hostname, clusterPort string, limit int) ([]models.Notification, error)
	MarkInProgress(ctx context.Context, tx DBTX, n models.Notification) (bool, error)
	SupersedePending(ctx context.Context, tx DBTX, n models.Notification) (int64, error)
	ClaimNextPending(ctx context.Context, tx DBTX, receivedBefore time.Time) (models.Notification, bool, error)
	HasNewer(ctx context.Context, tx DBTX, n models.Notification) (bool, error)
}

type CreateNotificationParams struct {
	Record    models.NotificationRecord
	EventType models.EventType
	RecoverBy models.RecoverBy
}

type notificationRepository struct {
	resolver resolver.Resolver
	spares   SpareClaimer
	logger   zerolog.Logger
	now      func() time.Time
}

func NewNotificationRepository(res resolver.Resolver, spares SpareClaimer, logger zerolog.Logger) NotificationRepository {
	return &notificationRepository{
		resolver: res,
		spares:   spares,
		logger:   logging.Component(logger, "notification-repository"),
		now:      time.Now,
	}
}

func (r *notificationRepository) Insert(ctx context.Context, tx DBTX, params CreateNotificationParams) (models.Notification, error) {
	const query = `
		INSERT INTO notification_list (
			notification_id, notification_type, event_type, raw_event_type, event_id, region_id,
			hostname, vm_uuid, detail, cluster_port, received_at, event_time, event_start_time, event_end_time,
			tzname, daylight, recover_by, recover_to, progress, control_ip, retry_count, deleted_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		RETURNING ` + notificationColumns

	rec := params.Record
	logger := r.logger.With().Str("notification_id", rec.ID).Str("hostname", rec.Hostname).Logger()
	receivedAt := r.now().UTC()

	eventTime := parseOrWarn(logger, "time", rec.Time)
	startTime := parseOrWarn(logger, "startTime", rec.StartTime)
	var endTime *time.Time
	if rec.EndTime != nil {
		endTime = parseOrWarn(logger, "endTime", *rec.EndTime)
	}

	controlIP, err := r.resolver.Resolve(ctx, rec.Hostname)
	if err != nil {
		return models.Notification{}, err
	}

	progress := models.ProgressNotStarted
	var recoverTo *string
	if params.RecoverBy == models.RecoverByNode {
		active, err := r.activeNodeRecovery(ctx, tx, rec.Hostname, rec.ClusterPort)
		if err != nil {
			return models.Notification{}, err
		}
		if active != "" {
			progress = models.ProgressSuperseded
			logger.Warn().
				Str(logging.FieldMsgID, "node_recovery_in_progress").
				Str("cluster_port", rec.ClusterPort).
				Str("active_notification_id", active).
				Msg("host is already being recovered, notification superseded")
		}
	}
	if params.RecoverBy == models.RecoverByNode && progress == models.ProgressNotStarted {
		host, ok, err := r.spares.Claim(ctx, tx, rec.ClusterPort, rec.Hostname)
		if err != nil {
			return models.Notification{}, err
		}
		if ok {
			recoverTo = &host
		} else {
			progress = models.ProgressSkippedNoSpare
			logger.Warn().
				Str(logging.FieldMsgID, "reserve_node_unavailable").
				Str("cluster_port", rec.ClusterPort).
				Msg("no spare host available, recovery will be skipped")
		}
	}

	var deletedAt interface{}
	if progress.Terminal() {
		deletedAt = receivedAt
	}

	row := tx.QueryRowContext(ctx, query,
		strings.TrimSpace(rec.ID),
		rec.Type,
		params.EventType,
		rec.EventType,
		rec.EventID,
		rec.RegionID,
		rec.Hostname,
		rec.UUID,
		rec.Detail,
		rec.ClusterPort,
		receivedAt,
		nullableTime(eventTime),
		nullableTime(startTime),
		nullableTime(endTime),
		rec.TZName,
		rec.Daylight,
		int(params.RecoverBy),
		nullableString(recoverTo),
		int(progress),
		controlIP,
		rec.RetryCount,
		deletedAt,
	)
	n, err := scanNotification(row)
	if err != nil {
		return models.Notification{}, storageError("insert notification", err)
	}

	r.releaseStaleReservations(ctx, tx, logger, rec.Hostname)
	return n, nil
}

// lockHostRecovery serializes node recovery bookkeeping for one host and cluster until tx ends.
func lockHostRecovery(ctx context.Context, tx DBTX, hostname, clusterPort string) error {
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", hostname+"/"+clusterPort); err != nil {
		return storageError("lock host recovery", err)
	}
	return nil
}

// activeNodeRecovery returns the notification id of a node recovery already in progress for the
// host and cluster, or "" when there is none.
func (r *notificationRepository) activeNodeRecovery(ctx context.Context, tx DBTX, hostname, clusterPort string) (string, error) {
	if err := lockHostRecovery(ctx, tx, hostname, clusterPort); err != nil {
		return "", err
	}

	const query = `
		SELECT notification_id FROM notification_list
		WHERE hostname = $1 AND cluster_port = $2 AND recover_by = 0
		  AND progress = 1 AND deleted = FALSE
		ORDER BY id DESC
		LIMIT 1
		FOR UPDATE
	`
	var notificationID string
	err := tx.QueryRowContext(ctx, query, hostname, clusterPort).Scan(&notificationID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", storageError("check active node recovery", err)
	}
	return notificationID, nil
}

// releaseStaleReservations retires reserve rows registered for a host that just failed.
// It runs under a savepoint so a failure never undoes the notification insert.
func (r *notificationRepository) releaseStaleReservations(ctx context.Context, tx DBTX, logger zerolog.Logger, hostname string) {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT release_stale_reservations"); err != nil {
		logger.Warn().Err(err).Str(logging.FieldMsgID, "reserve_cleanup_failed").Msg("could not open savepoint for reserve cleanup")
		return
	}

	released, err := r.spares.ReleaseStale(ctx, tx, hostname)
	if err != nil {
		logger.Warn().Err(err).Str(logging.FieldMsgID, "reserve_cleanup_failed").Msg("failed to release reserve rows for failed host")
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT release_stale_reservations"); rbErr != nil {
			logger.Warn().Err(rbErr).Msg("rollback to savepoint failed")
		}
		return
	}

	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT release_stale_reservations"); err != nil {
		logger.Warn().Err(err).Msg("release savepoint failed")
		return
	}
	if released > 0 {
		logger.Info().Int64("released", released).Msg("retired reserve rows for failed host")
	}
}

func parseOrWarn(logger zerolog.Logger, field, raw string) *time.Time {
	t, err := ParseEventTime(raw)
	if err != nil {
		logger.Warn().Err(err).Str("field", field).Msg("unparsable timestamp stored as NULL")
		return nil
	}
	return t
}

func (r *notificationRepository) Update(ctx context.Context, tx DBTX, key string, value interface{}, notificationID string) error {
	if _, ok := notificationWritable[key]; !ok {
		return &apperrors.InvalidFieldError{Table: notificationTable, Field: key}
	}
	now := r.now().UTC()

	if key == "progress" {
		progress, err := toProgress(value)
		if err != nil {
			return err
		}
		const query = `
			UPDATE notification_list
			SET progress = $1, updated_at = $2, deleted_at = $2
			WHERE id = (
				SELECT MAX(id) FROM notification_list
				WHERE notification_id = $3 AND progress NOT IN (2, 3, 4)
			)
		`
		res, err := tx.ExecContext(ctx, query, int(progress), now, notificationID)
		if err != nil {
			return storageError("update notification progress", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return storageError("update notification progress", err)
		}
		if affected == 0 {
			return r.explainRejectedProgress(ctx, tx, notificationID)
		}
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE notification_list
		SET %s = $1, updated_at = $2
		WHERE id = (SELECT MAX(id) FROM notification_list WHERE notification_id = $3)
	`, key)
	res, err := tx.ExecContext(ctx, query, columnValue(value), now, notificationID)
	if err != nil {
		return storageError("update notification "+key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageError("update notification "+key, err)
	}
	if affected == 0 {
		return &apperrors.NotFoundError{Resource: "notification", Key: notificationID}
	}
	return nil
}

func (r *notificationRepository) explainRejectedProgress(ctx context.Context, tx DBTX, notificationID string) error {
	const query = `
		SELECT progress FROM notification_list
		WHERE notification_id = $1
		ORDER BY id DESC
		LIMIT 1
	`
	var current int
	if err := tx.QueryRowContext(ctx, query, notificationID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return &apperrors.NotFoundError{Resource: "notification", Key: notificationID}
		}
		return storageError("read notification progress", err)
	}
	return &apperrors.TerminalStateError{Table: notificationTable, Key: notificationID, Progress: current}
}

func (r *notificationRepository) Get(ctx context.Context, tx DBTX, notificationID string) (models.Notification, error) {
	const query = `
		SELECT ` + notificationColumns + `
		FROM notification_list
		WHERE notification_id = $1
		ORDER BY id DESC
		LIMIT 1
	`
	n, err := scanNotification(tx.QueryRowContext(ctx, query, strings.TrimSpace(notificationID)))
	if err != nil {
		if err == sql.ErrNoRows {
			return models.Notification{}, &apperrors.NotFoundError{Resource: "notification", Key: notificationID}
		}
		return models.Notification{}, storageError("get notification", err)
	}
	return n, nil
}

func (r *notificationRepository) List(ctx context.Context, tx DBTX, hostname, clusterPort string, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	const query = `
		SELECT ` + notificationColumns + `
		FROM notification_list
		WHERE ($1 = '' OR hostname = $1) AND ($2 = '' OR cluster_port = $2)
		ORDER BY id DESC
		LIMIT $3
	`
	rows, err := tx.QueryContext(ctx, query, strings.TrimSpace(hostname), strings.TrimSpace(clusterPort), limit)
	if err != nil {
		return nil, storageError("list notifications", err)
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, storageError("scan notification", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list notifications", err)
	}
	return notifications, nil
}

// MarkInProgress moves the row n was read from out of not-started. It reports false when the row
// has already left not-started, claimed by another worker or superseded.
func (r *notificationRepository) MarkInProgress(ctx context.Context, tx DBTX, n models.Notification) (bool, error) {
	if n.RecoverBy == models.RecoverByNode {
		if err := lockHostRecovery(ctx, tx, n.Hostname, n.ClusterPort); err != nil {
			return false, err
		}
	}

	const query = `
		UPDATE notification_list
		SET progress = 1, updated_at = $1, deleted_at = $1
		WHERE id = $2 AND progress = 0
	`
	res, err := tx.ExecContext(ctx, query, r.now().UTC(), n.ID)
	if err != nil {
		return false, storageError("mark notification in progress", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storageError("mark notification in progress", err)
	}
	return affected == 1, nil
}

// SupersedePending closes older not-started node recoveries for the same host and cluster.
func (r *notificationRepository) SupersedePending(ctx context.Context, tx DBTX, n models.Notification) (int64, error) {
	const query = `
		UPDATE notification_list
		SET progress = 4, updated_at = $1, deleted_at = $1
		WHERE hostname = $2 AND cluster_port = $3 AND recover_by = 0
		  AND progress = 0 AND deleted = FALSE AND id < $4
	`
	res, err := tx.ExecContext(ctx, query, r.now().UTC(), n.Hostname, n.ClusterPort, n.ID)
	if err != nil {
		return 0, storageError("supersede pending notifications", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storageError("supersede pending notifications", err)
	}
	return affected, nil
}

// ClaimNextPending locks the oldest not-started notification received before the cutoff.
func (r *notificationRepository) ClaimNextPending(ctx context.Context, tx DBTX, receivedBefore time.Time) (models.Notification, bool, error) {
	const query = `
		SELECT ` + notificationColumns + `
		FROM notification_list
		WHERE progress = 0 AND deleted = FALSE AND received_at < $1
		ORDER BY received_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	n, err := scanNotification(tx.QueryRowContext(ctx, query, receivedBefore))
	if err != nil {
		if err == sql.ErrNoRows {
			return models.Notification{}, false, nil
		}
		return models.Notification{}, false, storageError("claim pending notification", err)
	}
	return n, true, nil
}

// HasNewer reports whether a later notification targets the same recovery.
func (r *notificationRepository) HasNewer(ctx context.Context, tx DBTX, n models.Notification) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM notification_list
			WHERE hostname = $1 AND cluster_port = $2 AND recover_by = $3 AND vm_uuid = $4 AND id > $5
		)
	`
	var exists bool
	if err := tx.QueryRowContext(ctx, query, n.Hostname, n.ClusterPort, int(n.RecoverBy), n.VMUUID, n.ID).Scan(&exists); err != nil {
		return false, storageError("check newer notification", err)
	}
	return exists, nil
}

func scanNotification(s scanner) (models.Notification, error) {
	var (
		n         models.Notification
		eventTime sql.NullTime
		startTime sql.NullTime
		endTime   sql.NullTime
		recoverTo sql.NullString
		iscsiIP   sql.NullString
		updatedAt sql.NullTime
		deletedAt sql.NullTime
		recoverBy int
		progress  int
		eventType string
	)

	if err := s.Scan(
		&n.ID,
		&n.NotificationID,
		&n.Type,
		&eventType,
		&n.RawEventType,
		&n.EventID,
		&n.RegionID,
		&n.Hostname,
		&n.VMUUID,
		&n.Detail,
		&n.ClusterPort,
		&n.ReceivedAt,
		&eventTime,
		&startTime,
		&endTime,
		&n.TZName,
		&n.Daylight,
		&recoverBy,
		&recoverTo,
		&progress,
		&iscsiIP,
		&n.ControlIP,
		&n.RetryCount,
		&updatedAt,
		&deletedAt,
		&n.Deleted,
	); err != nil {
		return models.Notification{}, err
	}

	n.EventType = models.EventType(eventType)
	n.RecoverBy = models.RecoverBy(recoverBy)
	n.Progress = models.Progress(progress)
	n.EventTime = timePtr(eventTime)
	n.StartTime = timePtr(startTime)
	n.EndTime = timePtr(endTime)
	n.RecoverTo = stringPtr(recoverTo)
	n.ISCSIIP = stringPtr(iscsiIP)
	n.UpdatedAt = timePtr(updatedAt)
	n.DeletedAt = timePtr(deletedAt)
	return n, nil
}
