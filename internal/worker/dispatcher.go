// Package worker runs recoveries in the background: one goroutine per accepted notification,
// plus a resumer for notifications a previous process left behind.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stanstork/recovery-controller/internal/logging"
	"github.com/stanstork/recovery-controller/internal/models"
)

// Handler drives a persisted, not-started notification.
type Handler interface {
	Start(ctx context.Context, n models.Notification) error
}

// Dispatcher handles each submitted notification on its own goroutine. Work runs under the
// dispatcher's context, not the submitter's, and is only canceled by Shutdown.
type Dispatcher struct {
	ctx     context.Context
	cancel  context.CancelFunc
	handler Handler
	sem     chan struct{}
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// NewDispatcher bounds concurrent recoveries to maxConcurrent; zero or less means unbounded.
func NewDispatcher(parent context.Context, handler Handler, maxConcurrent int, logger zerolog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(parent)
	d := &Dispatcher{
		ctx:     ctx,
		cancel:  cancel,
		handler: handler,
		logger:  logging.Component(logger, "dispatcher"),
	}
	if maxConcurrent > 0 {
		d.sem = make(chan struct{}, maxConcurrent)
	}
	return d
}

func (d *Dispatcher) Submit(n models.Notification) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				d.logger.Error().
					Str(logging.FieldMsgID, "recovery_panic").
					Str("notification_id", n.NotificationID).
					Str("panic", fmt.Sprint(p)).
					Msg("recovery panicked")
			}
		}()

		if d.sem != nil {
			select {
			case d.sem <- struct{}{}:
				defer func() { <-d.sem }()
			case <-d.ctx.Done():
				// The row is still not-started; the resumer picks it up.
				d.logger.Warn().Str("notification_id", n.NotificationID).Msg("shutting down, notification left for the resumer")
				return
			}
		}

		// Start logs its own failures.
		_ = d.handler.Start(d.ctx, n)
	}()
}

// Wait blocks until every submitted notification has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown waits for in-flight recoveries to finish. If ctx expires first, the remaining
// recoveries are canceled, each still records its outcome, and ctx.Err() is returned once
// they have returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.logger.Warn().Msg("drain timeout reached, canceling in-flight recoveries")
		d.cancel()
		<-done
		return ctx.Err()
	}
}
