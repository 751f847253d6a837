package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stanstork/recovery-controller/internal/apperrors"
	"github.com/stanstork/recovery-controller/internal/models"
)

const vmRecoveryTable = "vm_list"

var vmRecoveryWritable = map[string]struct{}{
	"progress":    {},
	"retry_count": {},
	"recover_to":  {},
}

type VMRecoveryItemRepository interface {
	Insert(ctx context.Context, tx DBTX, notificationID, vmUUID string, retryCount int) (int64, error)
	Update(ctx context.Context, tx DBTX, key string, value interface{}, itemID int64) error
	ListByNotification(ctx context.Context, tx DBTX, notificationID string) ([]models.VMRecoveryItem, error)
}

type vmRecoveryItemRepository struct {
	now func() time.Time
}

func NewVMRecoveryItemRepository() VMRecoveryItemRepository {
	return &vmRecoveryItemRepository{now: time.Now}
}

// Insert records one instance under a notification. The recovery target and strategy are
// copied from the parent row.
func (r *vmRecoveryItemRepository) Insert(ctx context.Context, tx DBTX, notificationID, vmUUID string, retryCount int) (int64, error) {
	const parentQuery = `
		SELECT recover_to, recover_by
		FROM notification_list
		WHERE notification_id = $1
		ORDER BY id DESC
		LIMIT 1
	`
	var (
		recoverTo sql.NullString
		recoverBy int
	)
	if err := tx.QueryRowContext(ctx, parentQuery, notificationID).Scan(&recoverTo, &recoverBy); err != nil {
		if err == sql.ErrNoRows {
			return 0, &apperrors.NotFoundError{Resource: "notification", Key: notificationID}
		}
		return 0, storageError("read parent notification", err)
	}

	const query = `
		INSERT INTO vm_list (vm_uuid, notification_id, retry_count, progress, recover_to, recover_by, created_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6)
		RETURNING id
	`
	var id int64
	err := tx.QueryRowContext(ctx, query,
		vmUUID,
		notificationID,
		retryCount,
		nullableString(stringPtr(recoverTo)),
		recoverBy,
		r.now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, storageError("insert vm recovery item", err)
	}
	return id, nil
}

// Update writes one column. Progress 1 only stamps updated_at; any other progress also
// closes the row with deleted_at. Terminal rows reject progress writes.
func (r *vmRecoveryItemRepository) Update(ctx context.Context, tx DBTX, key string, value interface{}, itemID int64) error {
	if _, ok := vmRecoveryWritable[key]; !ok {
		return &apperrors.InvalidFieldError{Table: vmRecoveryTable, Field: key}
	}

	if key == "progress" {
		progress, err := toProgress(value)
		if err != nil {
			return err
		}

		query := `
			UPDATE vm_list
			SET progress = $1, updated_at = $2, deleted_at = $2
			WHERE id = $3 AND progress NOT IN (2, 3, 4)
		`
		if progress == models.ProgressInProgress {
			query = `
				UPDATE vm_list
				SET progress = $1, updated_at = $2
				WHERE id = $3 AND progress NOT IN (2, 3, 4)
			`
		}

		res, err := tx.ExecContext(ctx, query, int(progress), r.now().UTC(), itemID)
		if err != nil {
			return storageError("update vm recovery progress", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return storageError("update vm recovery progress", err)
		}
		if affected == 0 {
			return r.explainRejectedProgress(ctx, tx, itemID)
		}
		return nil
	}

	query := fmt.Sprintf(`UPDATE vm_list SET %s = $1 WHERE id = $2`, key)
	res, err := tx.ExecContext(ctx, query, columnValue(value), itemID)
	if err != nil {
		return storageError("update vm recovery "+key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageError("update vm recovery "+key, err)
	}
	if affected == 0 {
		return &apperrors.NotFoundError{Resource: "vm recovery item", Key: fmt.Sprint(itemID)}
	}
	return nil
}

func (r *vmRecoveryItemRepository) explainRejectedProgress(ctx context.Context, tx DBTX, itemID int64) error {
	var current int
	if err := tx.QueryRowContext(ctx, `SELECT progress FROM vm_list WHERE id = $1`, itemID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return &apperrors.NotFoundError{Resource: "vm recovery item", Key: fmt.Sprint(itemID)}
		}
		return storageError("read vm recovery progress", err)
	}
	return &apperrors.TerminalStateError{Table: vmRecoveryTable, Key: fmt.Sprint(itemID), Progress: current}
}

func (r *vmRecoveryItemRepository) ListByNotification(ctx context.Context, tx DBTX, notificationID string) ([]models.VMRecoveryItem, error) {
	const query = `
		SELECT id, vm_uuid, notification_id, retry_count, progress, recover_to, recover_by,
			created_at, updated_at, deleted_at, deleted
		FROM vm_list
		WHERE notification_id = $1
		ORDER BY id ASC
	`
	rows, err := tx.QueryContext(ctx, query, notificationID)
	if err != nil {
		return nil, storageError("list vm recovery items", err)
	}
	defer rows.Close()

	var items []models.VMRecoveryItem
	for rows.Next() {
		var (
			item      models.VMRecoveryItem
			progress  int
			recoverBy int
			recoverTo sql.NullString
			updatedAt sql.NullTime
			deletedAt sql.NullTime
		)
		if err := rows.Scan(
			&item.ID,
			&item.VMUUID,
			&item.NotificationID,
			&item.RetryCount,
			&progress,
			&recoverTo,
			&recoverBy,
			&item.CreatedAt,
			&updatedAt,
			&deletedAt,
			&item.Deleted,
		); err != nil {
			return nil, storageError("scan vm recovery item", err)
		}
		item.Progress = models.Progress(progress)
		item.RecoverBy = models.RecoverBy(recoverBy)
		item.RecoverTo = stringPtr(recoverTo)
		item.UpdatedAt = timePtr(updatedAt)
		item.DeletedAt = timePtr(deletedAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list vm recovery items", err)
	}
	return items, nil
}
