package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/recovery-controller/internal/apperrors"
	"github.com/stanstork/recovery-controller/internal/compute"
	"github.com/stanstork/recovery-controller/internal/models"
)

const (
	statusError   = "ERROR"
	statusShutoff = "SHUTOFF"
	stateActive   = "active"
)

// recoverNode fences the failed host and evacuates every instance on it to the claimed spare.
// Each instance gets its own recovery item; one failed evacuation does not stop the others.
func (o *Orchestrator) recoverNode(ctx context.Context, logger zerolog.Logger, n models.Notification, retryCount int) error {
	if n.RecoverTo == nil || *n.RecoverTo == "" {
		return &apperrors.ValidationError{Field: "recover_to", Reason: "node recovery has no target host"}
	}
	target := *n.RecoverTo

	if err := o.disableHost(ctx, n.Hostname); err != nil {
		return err
	}

	instances, err := o.compute.ListInstancesOnHost(ctx, n.Hostname)
	if err != nil {
		return errors.Wrapf(err, "list instances on %s", n.Hostname)
	}
	logger.Info().
		Str("hostname", n.Hostname).
		Str("recover_to", target).
		Int("instances", len(instances)).
		Msg("evacuating host")

	var result *multierror.Error
	for _, vmUUID := range instances {
		if err := o.evacuate(ctx, n, vmUUID, target, retryCount); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (o *Orchestrator) evacuate(ctx context.Context, n models.Notification, vmUUID, target string, retryCount int) error {
	itemID, err := o.startItem(ctx, n, vmUUID, retryCount)
	if err != nil {
		return err
	}

	res, err := o.compute.EvacuateInstance(ctx, vmUUID, target)
	switch {
	case err != nil:
		err = errors.Wrapf(err, "evacuate %s", vmUUID)
	case !res.OK():
		err = &apperrors.ClientError{Op: "evacuate " + vmUUID, StatusCode: res.StatusCode, Body: string(res.Body)}
	}
	return o.finishItem(ctx, itemID, err)
}

// recoverInstance restarts one instance in place: clear an ERROR state, stop, wait for it
// to shut off, then start it again.
func (o *Orchestrator) recoverInstance(ctx context.Context, n models.Notification, retryCount int) error {
	if n.VMUUID == "" {
		return &apperrors.ValidationError{Field: "uuid", Reason: "instance recovery needs an instance id"}
	}

	itemID, err := o.startItem(ctx, n, n.VMUUID, retryCount)
	if err != nil {
		return err
	}
	return o.finishItem(ctx, itemID, o.restartInstance(ctx, n.VMUUID))
}

func (o *Orchestrator) restartInstance(ctx context.Context, vmUUID string) error {
	inst, err := o.compute.ShowInstance(ctx, vmUUID)
	if err != nil {
		return errors.Wrapf(err, "show instance %s", vmUUID)
	}

	if inst.Status == statusError {
		if err := o.compute.ResetInstanceState(ctx, vmUUID, stateActive); err != nil {
			return errors.Wrapf(err, "reset state of %s", vmUUID)
		}
	}

	err = o.compute.StopInstance(ctx, vmUUID)
	switch {
	case apperrors.IsAlreadyInDesiredState(err):
	case err != nil:
		return errors.Wrapf(err, "stop instance %s", vmUUID)
	default:
		if err := o.waitForStatus(ctx, vmUUID, statusShutoff); err != nil {
			return err
		}
	}

	if err := o.compute.StartInstance(ctx, vmUUID); err != nil && !apperrors.IsAlreadyInDesiredState(err) {
		return errors.Wrapf(err, "start instance %s", vmUUID)
	}
	return nil
}

// recoverProcess handles a failed compute process on a host with no instance named:
// the host's compute service is taken out of scheduling.
func (o *Orchestrator) recoverProcess(ctx context.Context, n models.Notification) error {
	return o.disableHost(ctx, n.Hostname)
}

func (o *Orchestrator) disableHost(ctx context.Context, host string) error {
	res, err := o.compute.SetHostMaintenance(ctx, host, compute.MaintenanceDisable)
	if err != nil {
		return errors.Wrapf(err, "disable compute service on %s", host)
	}
	if !res.OK() {
		return &apperrors.ClientError{Op: "disable compute service on " + host, StatusCode: res.StatusCode, Body: string(res.Body)}
	}
	return nil
}

func (o *Orchestrator) waitForStatus(ctx context.Context, vmUUID, want string) error {
	ctx, cancel := context.WithTimeout(ctx, o.opts.StatusPollTimeout)
	defer cancel()

	ticker := time.NewTicker(o.opts.StatusPollInterval)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), fmt.Sprintf("instance %s did not reach %s (last status %q)", vmUUID, want, last))
		case <-ticker.C:
			inst, err := o.compute.ShowInstance(ctx, vmUUID)
			if err != nil {
				return errors.Wrapf(err, "poll instance %s", vmUUID)
			}
			last = inst.Status
			if inst.Status == want {
				return nil
			}
		}
	}
}
