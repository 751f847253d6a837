// Package recovery drives a persisted notification through its recovery workflow.
package recovery

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/recovery-controller/internal/apperrors"
	"github.com/stanstork/recovery-controller/internal/compute"
	"github.com/stanstork/recovery-controller/internal/logging"
	"github.com/stanstork/recovery-controller/internal/metrics"
	"github.com/stanstork/recovery-controller/internal/models"
	"github.com/stanstork/recovery-controller/internal/repository"
)

// ComputeClient is the slice of the control-plane client the workflows use.
type ComputeClient interface {
	ShowInstance(ctx context.Context, instanceID string) (*compute.Instance, error)
	StopInstance(ctx context.Context, instanceID string) error
	StartInstance(ctx context.Context, instanceID string) error
	ResetInstanceState(ctx context.Context, instanceID, status string) error
	ListInstancesOnHost(ctx context.Context, host string) ([]string, error)
	SetHostMaintenance(ctx context.Context, host string, mode compute.MaintenanceMode) (*compute.ActionResult, error)
	EvacuateInstance(ctx context.Context, instanceID, targetHost string) (*compute.ActionResult, error)
}

type Options struct {
	// StatusPollInterval and StatusPollTimeout bound the wait for a stopped instance.
	StatusPollInterval time.Duration
	StatusPollTimeout  time.Duration
}

type Orchestrator struct {
	db            *sql.DB
	notifications repository.NotificationRepository
	items         repository.VMRecoveryItemRepository
	compute       ComputeClient
	opts          Options
	logger        zerolog.Logger
}

func NewOrchestrator(
	db *sql.DB,
	notifications repository.NotificationRepository,
	items repository.VMRecoveryItemRepository,
	client ComputeClient,
	opts Options,
	logger zerolog.Logger,
) *Orchestrator {
	if opts.StatusPollInterval <= 0 {
		opts.StatusPollInterval = 5 * time.Second
	}
	if opts.StatusPollTimeout <= 0 {
		opts.StatusPollTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		db:            db,
		notifications: notifications,
		items:         items,
		compute:       client,
		opts:          opts,
		logger:        logging.Component(logger, "recovery"),
	}
}

// Handle persists an inbound record and drives its recovery to a terminal progress.
// The returned notification reflects the row as inserted.
func (o *Orchestrator) Handle(ctx context.Context, rec models.NotificationRecord) (models.Notification, error) {
	n, err := o.Accept(ctx, rec)
	if err != nil || n.Progress.Terminal() {
		return n, err
	}
	return n, o.Start(ctx, n)
}

// Accept validates and persists an inbound record without contacting the control plane.
// Node recoveries claim their spare here. A returned notification with a terminal progress
// needs no recovery.
func (o *Orchestrator) Accept(ctx context.Context, rec models.NotificationRecord) (models.Notification, error) {
	logger := logging.ForWorker(o.logger, uuid.NewString(), rec.ID)

	if err := rec.Validate(); err != nil {
		logger.Error().Err(err).Str(logging.FieldMsgID, "notification_invalid").Msg("rejecting notification")
		return models.Notification{}, err
	}
	eventType, recoverBy, _ := models.ClassifyEvent(rec.Type)
	metrics.NotificationsReceived.WithLabelValues(recoverBy.String()).Inc()

	var n models.Notification
	err := o.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = o.notifications.Insert(ctx, tx, repository.CreateNotificationParams{
			Record:    rec,
			EventType: eventType,
			RecoverBy: recoverBy,
		})
		if err != nil {
			return err
		}
		if recoverBy != models.RecoverByNode || n.Progress.Terminal() {
			return nil
		}
		superseded, err := o.notifications.SupersedePending(ctx, tx, n)
		if err != nil {
			return err
		}
		if superseded > 0 {
			logger.Info().Int64("superseded", superseded).Msg("older pending node recoveries superseded")
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).
			Str(logging.FieldMsgID, "notification_persist_failed").
			Str("hostname", rec.Hostname).
			Msg("failed to persist notification")
		return models.Notification{}, errors.Wrap(err, "persist notification")
	}

	switch n.Progress {
	case models.ProgressSkippedNoSpare:
		logger.Warn().
			Str(logging.FieldMsgID, "recovery_skipped").
			Str("hostname", n.Hostname).
			Str("cluster_port", n.ClusterPort).
			Msg("no spare host available, recovery skipped")
		metrics.RecoveriesCompleted.WithLabelValues(n.RecoverBy.String(), "skipped").Inc()
	case models.ProgressSuperseded:
		logger.Info().
			Str("hostname", n.Hostname).
			Str("cluster_port", n.ClusterPort).
			Msg("host recovery already running, notification superseded")
		metrics.RecoveriesCompleted.WithLabelValues(n.RecoverBy.String(), "superseded").Inc()
	}
	return n, nil
}

// Start marks an accepted notification in progress and drives it. A notification that has already
// left not-started, resumed elsewhere or superseded, is left alone.
func (o *Orchestrator) Start(ctx context.Context, n models.Notification) error {
	logger := logging.ForWorker(o.logger, uuid.NewString(), n.NotificationID)

	var started bool
	err := o.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		started, err = o.notifications.MarkInProgress(ctx, tx, n)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Str(logging.FieldMsgID, "recovery_start_failed").Msg("failed to mark notification in progress")
		return err
	}
	if !started {
		logger.Info().Str("hostname", n.Hostname).Msg("notification no longer pending, not started")
		return nil
	}
	return o.drive(ctx, logger, n, n.RetryCount)
}

// Resume drives a notification that was persisted earlier and is already marked in progress.
func (o *Orchestrator) Resume(ctx context.Context, n models.Notification, retryCount int) error {
	logger := logging.ForWorker(o.logger, uuid.NewString(), n.NotificationID)
	logger.Info().Str("hostname", n.Hostname).Str("recover_by", n.RecoverBy.String()).Msg("resuming recovery")
	return o.drive(ctx, logger, n, retryCount)
}

// drive runs the strategy for n and records the terminal progress. Failures are logged here
// and nowhere below. The outcome is written even when ctx has been canceled.
func (o *Orchestrator) drive(ctx context.Context, logger zerolog.Logger, n models.Notification, retryCount int) error {
	metrics.RecoveriesInFlight.Inc()
	defer metrics.RecoveriesInFlight.Dec()
	timer := metrics.NewTimer()

	var (
		op  string
		err error
	)
	switch {
	case n.RecoverBy == models.RecoverByNode:
		op = "node recovery"
		err = o.recoverNode(ctx, logger, n, retryCount)
	case n.RecoverBy == models.RecoverByProcess && n.VMUUID == "":
		op = "process recovery"
		err = o.recoverProcess(ctx, n)
	default:
		op = "instance recovery"
		err = o.recoverInstance(ctx, n, retryCount)
	}

	progress, outcome := models.ProgressSuccess, "success"
	if err != nil {
		progress, outcome = models.ProgressError, "error"
		logger.Error().Err(err).
			Str(logging.FieldMsgID, "recovery_failed").
			Str("operation", op).
			Str("hostname", n.Hostname).
			Str("vm_uuid", n.VMUUID).
			Msg("recovery failed")
	}

	wctx := context.WithoutCancel(ctx)
	if uerr := o.withTx(wctx, func(tx *sql.Tx) error {
		return o.notifications.Update(wctx, tx, "progress", progress, n.NotificationID)
	}); uerr != nil {
		logger.Error().Err(uerr).
			Str(logging.FieldMsgID, "progress_write_failed").
			Str("progress", progress.String()).
			Msg("failed to record recovery outcome")
		if err == nil {
			err = uerr
		}
	}

	metrics.RecoveriesCompleted.WithLabelValues(n.RecoverBy.String(), outcome).Inc()
	timer.ObserveDuration(metrics.RecoveryDuration.WithLabelValues(n.RecoverBy.String()))
	if err == nil {
		logger.Info().Str("operation", op).Dur("elapsed", timer.Duration()).Msg("recovery completed")
	}
	return err
}

// startItem records one instance under n and marks it in progress.
func (o *Orchestrator) startItem(ctx context.Context, n models.Notification, vmUUID string, retryCount int) (int64, error) {
	var itemID int64
	err := o.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if itemID, err = o.items.Insert(ctx, tx, n.NotificationID, vmUUID, retryCount); err != nil {
			return err
		}
		return o.items.Update(ctx, tx, "progress", models.ProgressInProgress, itemID)
	})
	if err != nil {
		return 0, errors.Wrapf(err, "record recovery of instance %s", vmUUID)
	}
	return itemID, nil
}

// finishItem writes the item's terminal progress from the step outcome and returns the outcome.
func (o *Orchestrator) finishItem(ctx context.Context, itemID int64, stepErr error) error {
	progress := models.ProgressSuccess
	if stepErr != nil {
		progress = models.ProgressError
	}
	wctx := context.WithoutCancel(ctx)
	err := o.withTx(wctx, func(tx *sql.Tx) error {
		return o.items.Update(wctx, tx, "progress", progress, itemID)
	})
	if stepErr != nil {
		return stepErr
	}
	return errors.Wrap(err, "record instance outcome")
}

func (o *Orchestrator) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := o.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return &apperrors.StorageError{Op: "begin transaction", Err: err}
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &apperrors.StorageError{Op: "commit transaction", Err: err}
	}
	return nil
}
