package compute

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/recovery-controller/internal/apperrors"
	"github.com/stanstork/recovery-controller/internal/metrics"
)

type actionState int

const (
	stateNeedAdminToken actionState = iota
	stateNeedDetail
	stateNeedProjectToken
	stateExecute
	stateDone
)

func (s actionState) String() string {
	switch s {
	case stateNeedAdminToken:
		return "need-admin-token"
	case stateNeedDetail:
		return "need-detail"
	case stateNeedProjectToken:
		return "need-project-token"
	case stateExecute:
		return "execute"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

type actionRequest struct {
	Op     string
	Method string
	Path   string
	Body   interface{}
}

// actionPath drives maintenance and evacuate calls through a fresh login each time:
// admin token, server detail probe, project-scoped token, then the call itself. A 401 at
// the probe or at the call restarts from the admin login, within separate budgets.
type actionPath struct {
	identity   *identityClient
	http       *retryablehttp.Client
	maxRetries int
	logger     zerolog.Logger
}

func (a *actionPath) run(ctx context.Context, req actionRequest) (*ActionResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ControlPlaneRequestDuration.WithLabelValues(req.Op))

	payload, err := json.Marshal(req.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s request", req.Op)
	}

	var (
		state         = stateNeedAdminToken
		detailRetries int
		execRetries   int
		admin         *Token
		project       *Token
		result        *ActionResult
	)

	for state != stateDone {
		switch state {
		case stateNeedAdminToken:
			admin, err = a.identity.issue(ctx, tokenScope{ProjectName: a.identity.creds.ProjectName})
			if err != nil {
				return nil, errors.Wrapf(err, "%s: admin login", req.Op)
			}
			state = stateNeedDetail

		case stateNeedDetail:
			resp, err := send(ctx, a.http, http.MethodGet, admin.Endpoint+"/servers/detail", admin.Value, nil)
			if err != nil {
				return nil, errors.Wrapf(err, "%s: server detail", req.Op)
			}
			switch resp.StatusCode {
			case http.StatusOK:
				detailRetries = 0
				state = stateNeedProjectToken
			case http.StatusUnauthorized:
				detailRetries++
				metrics.AuthRetries.WithLabelValues("detail").Inc()
				if detailRetries > a.maxRetries {
					return nil, &apperrors.AuthExhaustedError{Stage: "detail", Attempts: detailRetries}
				}
				a.logger.Info().Str("operation", req.Op).Int("detail_retries", detailRetries).Msg("detail probe rejected, re-authenticating")
				state = stateNeedAdminToken
			default:
				return nil, newClientError(req.Op+": detail acquisition", resp)
			}

		case stateNeedProjectToken:
			project, err = a.identity.issue(ctx, tokenScope{ProjectID: admin.ProjectID})
			if err != nil {
				return nil, errors.Wrapf(err, "%s: project login", req.Op)
			}
			state = stateExecute

		case stateExecute:
			resp, err := send(ctx, a.http, req.Method, project.Endpoint+req.Path, project.Value, payload)
			if err != nil {
				metrics.ControlPlaneRequests.WithLabelValues(req.Op, "error").Inc()
				return nil, errors.Wrap(err, req.Op)
			}
			metrics.ControlPlaneRequests.WithLabelValues(req.Op, strconv.Itoa(resp.StatusCode)).Inc()

			if resp.StatusCode == http.StatusUnauthorized {
				execRetries++
				detailRetries = 0
				metrics.AuthRetries.WithLabelValues("execute").Inc()
				if execRetries > a.maxRetries {
					return nil, &apperrors.AuthExhaustedError{Stage: "execute", Attempts: execRetries}
				}
				a.logger.Info().Str("operation", req.Op).Int("exec_retries", execRetries).Msg("call rejected, re-authenticating")
				state = stateNeedAdminToken
				continue
			}

			result = &ActionResult{StatusCode: resp.StatusCode, Body: resp.Body}
			if !result.OK() {
				a.logger.Warn().
					Str("operation", req.Op).
					Int("status", resp.StatusCode).
					Str("body", newClientError(req.Op, resp).Body).
					Msg("control-plane call returned an unexpected status")
			}
			state = stateDone
		}
	}

	return result, nil
}
