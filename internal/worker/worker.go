package worker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/recovery-controller/internal/logging"
	"github.com/stanstork/recovery-controller/internal/metrics"
	"github.com/stanstork/recovery-controller/internal/models"
	"github.com/stanstork/recovery-controller/internal/repository"
)

// Resumable drives a notification that is already marked in progress.
type Resumable interface {
	Resume(ctx context.Context, n models.Notification, retryCount int) error
}

type ResumerConfig struct {
	DB            *sql.DB
	Notifications repository.NotificationRepository
	Recoverer     Resumable
	PollInterval  time.Duration
	// Grace keeps the resumer away from notifications the listener is still handling.
	Grace time.Duration
}

// Resumer picks up notifications left not-started, typically by a restart between
// persisting a notification and starting its recovery.
type Resumer struct {
	cfg    ResumerConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewResumer(cfg ResumerConfig, logger zerolog.Logger) *Resumer {
	return &Resumer{
		cfg:    cfg,
		logger: logging.Component(logger, "resumer"),
		now:    time.Now,
	}
}

func (r *Resumer) Start(ctx context.Context) error {
	r.logger.Info().Dur("interval", r.cfg.PollInterval).Msg("resumer started, polling for pending notifications")
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("resumer stopped")
			return ctx.Err()
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain resumes pending notifications until none is left or a claim fails.
func (r *Resumer) drain(ctx context.Context) {
	for ctx.Err() == nil {
		found, err := r.processNextPending(ctx)
		if err != nil {
			r.logger.Error().Err(err).Str(logging.FieldMsgID, "resume_claim_failed").Msg("error resuming notifications")
			return
		}
		if !found {
			return
		}
	}
}

// processNextPending claims one stale not-started notification. A notification with a newer
// duplicate is superseded, anything else is marked in progress and recovered.
func (r *Resumer) processNextPending(ctx context.Context) (bool, error) {
	tx, err := r.cfg.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	n, found, err := r.cfg.Notifications.ClaimNextPending(ctx, tx, r.now().UTC().Add(-r.cfg.Grace))
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	newer, err := r.cfg.Notifications.HasNewer(ctx, tx, n)
	if err != nil {
		return false, err
	}

	next, action := models.ProgressInProgress, "resumed"
	if newer {
		next, action = models.ProgressSuperseded, "superseded"
	}
	if err := r.cfg.Notifications.Update(ctx, tx, "progress", next, n.NotificationID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	metrics.NotificationsResumed.WithLabelValues(action).Inc()

	if newer {
		r.logger.Info().
			Str("notification_id", n.NotificationID).
			Str("hostname", n.Hostname).
			Msg("pending notification superseded by a newer one")
		return true, nil
	}

	// Outcome is logged and persisted by the recoverer. A claimed recovery runs to completion
	// even when the resumer is stopping.
	_ = r.cfg.Recoverer.Resume(context.WithoutCancel(ctx), n, n.RetryCount)
	return true, nil
}
