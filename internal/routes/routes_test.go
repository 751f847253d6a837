package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
	"github.com/stanstork/recovery-controller/internal/apperrors"
	"github.com/stanstork/recovery-controller/internal/handlers"
	"github.com/stanstork/recovery-controller/internal/models"
	"github.com/stanstork/recovery-controller/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "routes-secret"

type recordingSubmitter struct {
	mu      sync.Mutex
	records []models.Notification
}

func (s *recordingSubmitter) Submit(n models.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, n)
}

// stubAcceptor persists into memory. Hostnames select the failure modes.
type stubAcceptor struct {
	seen map[string]bool
	err  error
}

func (a *stubAcceptor) Accept(ctx context.Context, rec models.NotificationRecord) (models.Notification, error) {
	if err := rec.Validate(); err != nil {
		return models.Notification{}, err
	}
	if a.err != nil {
		return models.Notification{}, a.err
	}
	if rec.Hostname == "unresolvable" {
		return models.Notification{}, &apperrors.ResolutionError{Hostname: rec.Hostname, Err: errors.New("no such host")}
	}
	if a.seen[rec.ID] {
		return models.Notification{}, &apperrors.StorageError{Op: "insert notification", Code: "23505"}
	}
	a.seen[rec.ID] = true

	_, recoverBy, _ := models.ClassifyEvent(rec.Type)
	n := models.Notification{
		ID:             int64(len(a.seen)),
		NotificationID: rec.ID,
		Hostname:       rec.Hostname,
		VMUUID:         rec.UUID,
		ClusterPort:    rec.ClusterPort,
		RecoverBy:      recoverBy,
		RetryCount:     rec.RetryCount,
	}
	if rec.Hostname == "busy-host" {
		n.Progress = models.ProgressSuperseded
	}
	return n, nil
}

type stubNotifications struct {
	repository.NotificationRepository
	rows map[string]models.Notification
}

func (s *stubNotifications) Get(ctx context.Context, tx repository.DBTX, notificationID string) (models.Notification, error) {
	n, ok := s.rows[notificationID]
	if !ok {
		return models.Notification{}, &apperrors.NotFoundError{Resource: "notification", Key: notificationID}
	}
	return n, nil
}

func (s *stubNotifications) List(ctx context.Context, tx repository.DBTX, hostname, clusterPort string, limit int) ([]models.Notification, error) {
	var out []models.Notification
	for _, n := range s.rows {
		if hostname == "" || n.Hostname == hostname {
			out = append(out, n)
		}
	}
	return out, nil
}

type stubItems struct {
	repository.VMRecoveryItemRepository
}

func (stubItems) ListByNotification(ctx context.Context, tx repository.DBTX, notificationID string) ([]models.VMRecoveryItem, error) {
	return []models.VMRecoveryItem{{ID: 1, VMUUID: "vm-1", NotificationID: notificationID, Progress: models.ProgressSuccess}}, nil
}

type stubRegistry struct {
	nodes []models.ReserveNode
}

func (s *stubRegistry) Register(ctx context.Context, tx repository.DBTX, hostname, clusterPort string) (models.ReserveNode, error) {
	if hostname == "" {
		return models.ReserveNode{}, &apperrors.ValidationError{Field: "hostname", Reason: "is required"}
	}
	for _, n := range s.nodes {
		if n.Hostname == hostname && n.ClusterPort == clusterPort {
			return models.ReserveNode{}, &apperrors.StorageError{Op: "create reserve node", Code: "23505"}
		}
	}
	node := models.ReserveNode{ID: int64(len(s.nodes) + 1), Hostname: hostname, ClusterPort: clusterPort}
	s.nodes = append(s.nodes, node)
	return node, nil
}

func (s *stubRegistry) List(ctx context.Context, tx repository.DBTX, clusterPort string) ([]models.ReserveNode, error) {
	return s.nodes, nil
}

type stubPinger struct{ err error }

func (p stubPinger) PingContext(ctx context.Context) error { return p.err }

type fixture struct {
	handler   http.Handler
	submitter *recordingSubmitter
	acceptor  *stubAcceptor
	registry  *stubRegistry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		submitter: &recordingSubmitter{},
		acceptor:  &stubAcceptor{seen: map[string]bool{}},
		registry:  &stubRegistry{},
	}
	notifications := &stubNotifications{rows: map[string]models.Notification{
		"n-1": {ID: 1, NotificationID: "n-1", Hostname: "compute-1", Progress: models.ProgressSuccess},
	}}
	logger := zerolog.Nop()
	f.handler = NewRouter(
		handlers.NewNotificationHandler(nil, notifications, stubItems{}, f.acceptor, f.submitter, logger),
		handlers.NewReserveHandler(nil, f.registry, logger),
		handlers.NewHealthHandler(stubPinger{}, logger),
		secret,
	)
	return f
}

func bearer(t *testing.T) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "monitor-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + tok
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if auth {
		req.Header.Set("Authorization", bearer(t))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHealthReportsDatabaseOutage(t *testing.T) {
	rec := httptest.NewRecorder()
	handlers.NewHealthHandler(stubPinger{err: context.DeadlineExceeded}, zerolog.Nop()).
		HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitNotificationRequiresToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/notifications", map[string]string{"id": "n-2"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.submitter.records)
}

func TestSubmitNotificationAccepted(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/notifications", map[string]interface{}{
		"id":           "n-2",
		"type":         "VM",
		"hostname":     "compute-1",
		"uuid":         "vm-1",
		"time":         "20250102030405",
		"cluster_port": "226.94.1.1:5405",
	}, true)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.submitter.records, 1)
	assert.Equal(t, "vm-1", f.submitter.records[0].VMUUID)
	assert.Equal(t, "226.94.1.1:5405", f.submitter.records[0].ClusterPort)
	assert.True(t, f.acceptor.seen["n-2"], "notification must be persisted before the response")
}

func TestSubmitNotificationReportsPersistFailures(t *testing.T) {
	tests := []struct {
		name      string
		hostname  string
		acceptErr error
		repeat    bool
		want      int
	}{
		{name: "unresolvable host", hostname: "unresolvable", want: http.StatusUnprocessableEntity},
		{name: "duplicate id", hostname: "compute-1", repeat: true, want: http.StatusConflict},
		{name: "database down", hostname: "compute-1", acceptErr: &apperrors.StorageError{Op: "begin transaction"}, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.acceptor.err = tt.acceptErr
			body := map[string]string{"id": "n-4", "type": "VM", "hostname": tt.hostname, "uuid": "vm-1"}
			if tt.repeat {
				require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/notifications", body, true).Code)
			}

			rec := f.do(t, http.MethodPost, "/api/notifications", body, true)
			assert.Equal(t, tt.want, rec.Code)
			if tt.repeat {
				assert.Len(t, f.submitter.records, 1)
			} else {
				assert.Empty(t, f.submitter.records)
			}
		})
	}
}

func TestSubmitNotificationNeedingNoRecoveryIsNotDispatched(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/notifications", map[string]string{
		"id": "n-5", "type": "rscGroup", "hostname": "busy-host", "cluster_port": "226.94.1.1:5405",
	}, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"superseded"`)
	assert.Empty(t, f.submitter.records)
}

func TestSubmitNotificationRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/notifications", map[string]string{
		"id": "n-3", "type": "disk", "hostname": "compute-1",
	}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.submitter.records)
}

func TestGetNotification(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/notifications/n-1", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Notification models.Notification     `json:"notification"`
		Items        []models.VMRecoveryItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "compute-1", body.Notification.Hostname)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "vm-1", body.Items[0].VMUUID)
}

func TestGetNotificationNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/notifications/missing", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListNotificationsByHost(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/notifications?hostname=compute-1", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"notification_id":"n-1"`)
}

func TestRegisterReserveNode(t *testing.T) {
	f := newFixture(t)
	payload := map[string]string{"hostname": "spare-1", "cluster_port": "226.94.1.1:5405"}

	rec := f.do(t, http.MethodPost, "/api/reserve-nodes", payload, true)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/reserve-nodes", payload, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/reserve-nodes", map[string]string{"cluster_port": "x"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/reserve-nodes", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"hostname":"spare-1"`)
}
