package compute

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stanstork/recovery-controller/internal/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionResolvesProjectOnce(t *testing.T) {
	cp := newFakeControlPlane(t, func(w http.ResponseWriter, r *http.Request) {})
	client := newTestClient(t, cp, 1)

	assert.Equal(t, "proj-1", client.session.ProjectID())
	assert.Equal(t, []string{"name:admin"}, cp.scopes())
}

func TestNewSessionRequiresExactlyOneProject(t *testing.T) {
	for name, projects := range map[string][]map[string]string{
		"none":      {{"id": "p-9", "name": "other"}},
		"ambiguous": {{"id": "p-1", "name": "admin"}, {"id": "p-2", "name": "admin"}},
	} {
		t.Run(name, func(t *testing.T) {
			cp := newFakeControlPlane(t, func(w http.ResponseWriter, r *http.Request) {})
			cp.mu.Lock()
			cp.projects = projects
			cp.mu.Unlock()

			_, err := NewSession(context.Background(), cp.credentials(), testHTTPClient(0), zerolog.Nop())
			var verr *apperrors.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, "project_name", verr.Field)
		})
	}
}

func TestShowInstance(t *testing.T) {
	cp := newFakeControlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/compute/servers/vm-1", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get(authTokenHeader))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"server": map[string]interface{}{"id": "vm-1", "status": "ERROR", "OS-EXT-SRV-ATTR:host": "compute-1"},
		})
	})
	client := newTestClient(t, cp, 1)

	inst, err := client.ShowInstance(context.Background(), "vm-1")
	require.NoError(t, err)
	assert.Equal(t, "ERROR", inst.Status)
	assert.Equal(t, "compute-1", inst.Host)
}

func TestShowInstanceNotFound(t *testing.T) {
	cp := newFakeControlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"itemNotFound": {"message": "Instance could not be found"}}`, http.StatusNotFound)
	})
	client := newTestClient(t, cp, 1)

	_, err := client.ShowInstance(context.Background(), "vm-1")
	var cerr *apperrors.ClientError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, http.StatusNotFound, cerr.StatusCode)
	assert.Contains(t, cerr.Body, "Instance could not be found")
}

func TestStopAndStartAreIdempotent(t *testing.T) {
	cp := newFakeControlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	client := newTestClient(t, cp, 1)

	err := client.StopInstance(context.Background(), "vm-1")
	var already *apperrors.AlreadyInDesiredStateError
	require.True(t, errors.As(err, &already))
	assert.Equal(t, "stopped", already.State)

	err = client.StartInstance(context.Background(), "vm-1")
	require.True(t, errors.As(err, &already))
	assert.Equal(t, "active", already.State)
}

func TestStopInstanceSendsAction(t *testing.T) {
	cp := newFakeControlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, ok := body["os-stop"]
		assert.True(t, ok)
		w.WriteHeader(http.StatusAccepted)
	})
	client := newTestClient(t, cp, 1)

	require.NoError(t, client.StopInstance(context.Background(), "vm-1"))
	assert.Equal(t, 1, cp.hitCount("POST /servers/vm-1/action"))
}

func TestResetInstanceStateFailure(t *testing.T) {
	cp := newFakeControlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	client := newTestClient(t, cp, 1)

	err := client.ResetInstanceState(context.Background(), "vm-1", "active")
	var cerr *apperrors.ClientError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, http.StatusBadRequest, cerr.StatusCode)
}

func TestListInstancesOnHost(t *testing.T) {
	cp := newFakeControlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("all_tenants"))
		assert.Equal(t, "compute-1", r.URL.Query().Get("host"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"servers": []map[string]string{{"id": "vm-1"}, {"id": "vm-2"}},
		})
	})
	client := newTestClient(t, cp, 1)

	ids, err := client.ListInstancesOnHost(context.Background(), "compute-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vm-1", "vm-2"}, ids)
}

func TestTypedCallReauthenticatesOnceOn401(t *testing.T) {
	codes := sequence(http.StatusUnauthorized, http.StatusAccepted)
	cp := newFakeControlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(codes())
	})
	client := newTestClient(t, cp, 1)

	require.NoError(t, client.StartInstance(context.Background(), "vm-1"))
	assert.Equal(t, 2, cp.hitCount("POST /servers/vm-1/action"))
	assert.Equal(t, []string{"name:admin", "id:proj-1"}, cp.scopes())
}

func TestTypedCallSecond401IsAnError(t *testing.T) {
	cp := newFakeControlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	client := newTestClient(t, cp, 3)

	err := client.StartInstance(context.Background(), "vm-1")
	var cerr *apperrors.ClientError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, http.StatusUnauthorized, cerr.StatusCode)
	assert.Equal(t, 2, cp.hitCount("POST /servers/vm-1/action"))
}
