package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeControlPlane serves the identity API and delegates /compute/* to a per-test handler.
type fakeControlPlane struct {
	srv *httptest.Server

	mu          sync.Mutex
	tokenScopes []string
	projects    []map[string]string
	compute     http.HandlerFunc
	hits        map[string]int
}

func newFakeControlPlane(t *testing.T, compute http.HandlerFunc) *fakeControlPlane {
	t.Helper()
	cp := &fakeControlPlane{
		projects: []map[string]string{{"id": "proj-1", "name": "admin"}},
		compute:  compute,
		hits:     map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/auth/tokens", cp.issueToken)
	mux.HandleFunc("/v3/projects", cp.listProjects)
	mux.HandleFunc("/compute/", func(w http.ResponseWriter, r *http.Request) {
		cp.mu.Lock()
		cp.hits[r.Method+" "+strings.TrimPrefix(r.URL.Path, "/compute")]++
		handler := cp.compute
		cp.mu.Unlock()
		handler(w, r)
	})
	cp.srv = httptest.NewServer(mux)
	t.Cleanup(cp.srv.Close)
	return cp
}

func (cp *fakeControlPlane) issueToken(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cp.mu.Lock()
	scope := "unscoped"
	if req.Auth.Scope != nil {
		if req.Auth.Scope.Project.ID != "" {
			scope = "id:" + req.Auth.Scope.Project.ID
		} else {
			scope = "name:" + req.Auth.Scope.Project.Name
		}
	}
	cp.tokenScopes = append(cp.tokenScopes, scope)
	n := len(cp.tokenScopes)
	cp.mu.Unlock()

	w.Header().Set(subjectTokenHeader, fmt.Sprintf("tok-%d", n))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token": map[string]interface{}{
			"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			"project":    map[string]string{"id": "proj-1", "name": "admin"},
			"catalog": []map[string]interface{}{
				{
					"name": "keystone",
					"type": "identity",
					"endpoints": []map[string]string{
						{"interface": "admin", "url": cp.srv.URL + "/v3"},
					},
				},
				{
					"name": "nova",
					"type": "compute",
					"endpoints": []map[string]string{
						{"interface": "public", "url": "http://public.invalid/compute"},
						{"interface": "admin", "url": cp.srv.URL + "/compute/"},
					},
				},
			},
		},
	})
}

func (cp *fakeControlPlane) listProjects(w http.ResponseWriter, r *http.Request) {
	cp.mu.Lock()
	projects := cp.projects
	cp.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"projects": projects})
}

func (cp *fakeControlPlane) hitCount(key string) int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.hits[key]
}

func (cp *fakeControlPlane) scopes() []string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return append([]string(nil), cp.tokenScopes...)
}

func (cp *fakeControlPlane) credentials() Credentials {
	return Credentials{
		AuthURL:     cp.srv.URL,
		Username:    "admin",
		Password:    "secret",
		Domain:      "Default",
		ProjectName: "admin",
	}
}

func testHTTPClient(maxRetries int) *retryablehttp.Client {
	return NewHTTPClient(RetryOptions{MaxRetries: maxRetries, Interval: time.Millisecond, Timeout: 5 * time.Second}, zerolog.Nop())
}

func newTestClient(t *testing.T, cp *fakeControlPlane, maxRetries int) *Client {
	t.Helper()
	httpClient := testHTTPClient(maxRetries)
	session, err := NewSession(context.Background(), cp.credentials(), httpClient, zerolog.Nop())
	require.NoError(t, err)
	return NewClient(session, httpClient, maxRetries, zerolog.Nop())
}

// sequence answers successive calls with the given status codes, repeating the last one.
func sequence(codes ...int) func() int {
	var (
		mu sync.Mutex
		i  int
	)
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		code := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return code
	}
}
