// Package compute talks to the identity and compute control plane on behalf of recoveries.
package compute

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/recovery-controller/internal/apperrors"
	"github.com/stanstork/recovery-controller/internal/logging"
	"github.com/stanstork/recovery-controller/internal/metrics"
)

type MaintenanceMode string

const (
	MaintenanceEnable  MaintenanceMode = "enable"
	MaintenanceDisable MaintenanceMode = "disable"
)

// Instance is the subset of the server resource recovery needs.
type Instance struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	TenantID  string  `json:"tenant_id"`
	Host      string  `json:"OS-EXT-SRV-ATTR:host"`
	TaskState *string `json:"OS-EXT-STS:task_state"`
}

// ActionResult is the raw outcome of a maintenance or evacuate call. Callers interpret it.
type ActionResult struct {
	StatusCode int
	Body       []byte
}

func (r *ActionResult) OK() bool {
	return r != nil && (r.StatusCode == http.StatusOK || r.StatusCode == http.StatusAccepted)
}

type Client struct {
	session *Session
	http    *retryablehttp.Client
	actions *actionPath
	logger  zerolog.Logger
}

// NewClient wires the typed operations and the action path onto one session.
// maxAuthRetries bounds the re-authentications of the action path.
func NewClient(session *Session, httpClient *retryablehttp.Client, maxAuthRetries int, logger zerolog.Logger) *Client {
	logger = logging.Component(logger, "compute-client")
	return &Client{
		session: session,
		http:    httpClient,
		actions: &actionPath{
			identity:   session.identity,
			http:       httpClient,
			maxRetries: maxAuthRetries,
			logger:     logger,
		},
		logger: logger,
	}
}

// call issues a typed operation. A 401 invalidates the token and the request is replayed once.
func (c *Client) call(ctx context.Context, op, method, path string, body interface{}) (*response, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ControlPlaneRequestDuration.WithLabelValues(op))

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, errors.Wrapf(err, "marshal %s request", op)
		}
	}

	for attempt := 0; ; attempt++ {
		tok, err := c.session.Token(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := send(ctx, c.http, method, tok.Endpoint+path, tok.Value, payload)
		if err != nil {
			metrics.ControlPlaneRequests.WithLabelValues(op, "error").Inc()
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			metrics.AuthRetries.WithLabelValues("typed").Inc()
			c.logger.Info().Str("operation", op).Msg("token rejected, re-authenticating")
			c.session.Invalidate(tok)
			continue
		}

		metrics.ControlPlaneRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
		return resp, nil
	}
}

func (c *Client) ShowInstance(ctx context.Context, instanceID string) (*Instance, error) {
	resp, err := c.call(ctx, "show instance", http.MethodGet, "/servers/"+url.PathEscape(instanceID), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newClientError("show instance", resp)
	}

	var body struct {
		Server Instance `json:"server"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, &apperrors.ClientError{Op: "show instance", StatusCode: resp.StatusCode, Err: errors.Wrap(err, "decode server")}
	}
	return &body.Server, nil
}

// StopInstance reports AlreadyInDesiredStateError when the instance is already stopped.
func (c *Client) StopInstance(ctx context.Context, instanceID string) error {
	return c.powerAction(ctx, "stop instance", instanceID, map[string]interface{}{"os-stop": nil}, "stopped")
}

// StartInstance reports AlreadyInDesiredStateError when the instance is already active.
func (c *Client) StartInstance(ctx context.Context, instanceID string) error {
	return c.powerAction(ctx, "start instance", instanceID, map[string]interface{}{"os-start": nil}, "active")
}

func (c *Client) powerAction(ctx context.Context, op, instanceID string, body interface{}, desired string) error {
	resp, err := c.call(ctx, op, http.MethodPost, "/servers/"+url.PathEscape(instanceID)+"/action", body)
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		return &apperrors.AlreadyInDesiredStateError{InstanceID: instanceID, State: desired}
	default:
		return newClientError(op, resp)
	}
}

func (c *Client) ResetInstanceState(ctx context.Context, instanceID, status string) error {
	body := map[string]interface{}{
		"os-resetState": map[string]string{"state": status},
	}
	resp, err := c.call(ctx, "reset instance state", http.MethodPost, "/servers/"+url.PathEscape(instanceID)+"/action", body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return newClientError("reset instance state", resp)
	}
	return nil
}

// ListInstancesOnHost returns the ids of every instance on host across all tenants.
func (c *Client) ListInstancesOnHost(ctx context.Context, host string) ([]string, error) {
	query := url.Values{}
	query.Set("all_tenants", "1")
	query.Set("host", host)

	resp, err := c.call(ctx, "list instances", http.MethodGet, "/servers?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newClientError("list instances", resp)
	}

	var body struct {
		Servers []struct {
			ID string `json:"id"`
		} `json:"servers"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, &apperrors.ClientError{Op: "list instances", StatusCode: resp.StatusCode, Err: errors.Wrap(err, "decode servers")}
	}

	ids := make([]string, 0, len(body.Servers))
	for _, s := range body.Servers {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// SetHostMaintenance enables or disables the compute service on host.
func (c *Client) SetHostMaintenance(ctx context.Context, host string, mode MaintenanceMode) (*ActionResult, error) {
	if mode != MaintenanceEnable && mode != MaintenanceDisable {
		return nil, &apperrors.ValidationError{Field: "mode", Value: string(mode), Reason: "must be enable or disable"}
	}
	return c.actions.run(ctx, actionRequest{
		Op:     "host maintenance",
		Method: http.MethodPut,
		Path:   "/os-services/" + string(mode),
		Body:   map[string]string{"host": host, "binary": "nova-compute"},
	})
}

// EvacuateInstance rebuilds instanceID on targetHost from shared storage.
func (c *Client) EvacuateInstance(ctx context.Context, instanceID, targetHost string) (*ActionResult, error) {
	return c.actions.run(ctx, actionRequest{
		Op:     "evacuate instance",
		Method: http.MethodPost,
		Path:   "/servers/" + url.PathEscape(instanceID) + "/action",
		Body: map[string]interface{}{
			"evacuate": map[string]string{
				"host":            targetHost,
				"onSharedStorage": "True",
			},
		},
	})
}
