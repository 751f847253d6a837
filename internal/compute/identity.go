package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/stanstork/recovery-controller/internal/apperrors"
)

const (
	computeServiceName = "nova"
	computeServiceType = "compute"
	subjectTokenHeader = "X-Subject-Token"
	authTokenHeader    = "X-Auth-Token"
	maxErrorBody       = 512
)

// Credentials identify the administrative user the controller acts as.
type Credentials struct {
	AuthURL           string
	Username          string
	Password          string
	Domain            string
	ProjectName       string
	EndpointInterface string
}

// Token is an issued identity token together with the compute endpoint from its catalog.
type Token struct {
	Value     string
	ProjectID string
	Endpoint  string
	ExpiresAt time.Time
}

func (t *Token) expiring(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.Add(time.Minute).After(t.ExpiresAt)
}

type tokenScope struct {
	ProjectName string
	ProjectID   string
}

type authRequest struct {
	Auth authBody `json:"auth"`
}

type authBody struct {
	Identity authIdentity `json:"identity"`
	Scope    *authScope   `json:"scope,omitempty"`
}

type authIdentity struct {
	Methods  []string       `json:"methods"`
	Password passwordMethod `json:"password"`
}

type passwordMethod struct {
	User userCredentials `json:"user"`
}

type userCredentials struct {
	Domain   domainRef `json:"domain"`
	Name     string    `json:"name"`
	Password string    `json:"password"`
}

type domainRef struct {
	Name string `json:"name"`
}

type authScope struct {
	Project projectRef `json:"project"`
}

type projectRef struct {
	ID     string     `json:"id,omitempty"`
	Name   string     `json:"name,omitempty"`
	Domain *domainRef `json:"domain,omitempty"`
}

type tokenResponse struct {
	Token struct {
		ExpiresAt time.Time `json:"expires_at"`
		Project   struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"project"`
		Catalog []catalogEntry `json:"catalog"`
	} `json:"token"`
}

type catalogEntry struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Endpoints []struct {
		Interface string `json:"interface"`
		URL       string `json:"url"`
	} `json:"endpoints"`
}

type projectsResponse struct {
	Projects []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"projects"`
}

type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type identityClient struct {
	http  *retryablehttp.Client
	creds Credentials
}

// issue performs a password login for the configured user.
func (c *identityClient) issue(ctx context.Context, scope tokenScope) (*Token, error) {
	req := authRequest{Auth: authBody{
		Identity: authIdentity{
			Methods: []string{"password"},
			Password: passwordMethod{User: userCredentials{
				Domain:   domainRef{Name: c.creds.Domain},
				Name:     c.creds.Username,
				Password: c.creds.Password,
			}},
		},
	}}
	switch {
	case scope.ProjectID != "":
		req.Auth.Scope = &authScope{Project: projectRef{ID: scope.ProjectID}}
	case scope.ProjectName != "":
		req.Auth.Scope = &authScope{Project: projectRef{Name: scope.ProjectName, Domain: &domainRef{Name: c.creds.Domain}}}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal token request")
	}

	resp, err := send(ctx, c.http, http.MethodPost, strings.TrimRight(c.creds.AuthURL, "/")+"/v3/auth/tokens", "", payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, newClientError("issue token", resp)
	}

	value := resp.Header.Get(subjectTokenHeader)
	if value == "" {
		return nil, &apperrors.ClientError{Op: "issue token", StatusCode: resp.StatusCode, Err: errors.New("response carries no subject token")}
	}

	var body tokenResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, &apperrors.ClientError{Op: "issue token", StatusCode: resp.StatusCode, Err: errors.Wrap(err, "decode token body")}
	}

	endpoint, err := c.computeEndpoint(body.Token.Catalog)
	if err != nil {
		return nil, &apperrors.ClientError{Op: "issue token", StatusCode: resp.StatusCode, Err: err}
	}

	return &Token{
		Value:     value,
		ProjectID: body.Token.Project.ID,
		Endpoint:  endpoint,
		ExpiresAt: body.Token.ExpiresAt,
	}, nil
}

func (c *identityClient) computeEndpoint(catalog []catalogEntry) (string, error) {
	iface := c.creds.EndpointInterface
	if iface == "" {
		iface = "admin"
	}
	for _, name := range []string{computeServiceName, ""} {
		for _, entry := range catalog {
			if name != "" && entry.Name != name {
				continue
			}
			if name == "" && entry.Type != computeServiceType {
				continue
			}
			for _, ep := range entry.Endpoints {
				if ep.Interface == iface {
					return strings.TrimRight(ep.URL, "/"), nil
				}
			}
		}
	}
	return "", fmt.Errorf("no %s endpoint for the compute service in catalog", iface)
}

// resolveProjectID looks up the configured project by exact name. Anything other than a
// single match is a configuration error.
func (c *identityClient) resolveProjectID(ctx context.Context, token *Token) (string, error) {
	target := strings.TrimRight(c.creds.AuthURL, "/") + "/v3/projects?name=" + url.QueryEscape(c.creds.ProjectName)
	resp, err := send(ctx, c.http, http.MethodGet, target, token.Value, nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", newClientError("list projects", resp)
	}

	var body projectsResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", &apperrors.ClientError{Op: "list projects", StatusCode: resp.StatusCode, Err: errors.Wrap(err, "decode projects")}
	}

	var ids []string
	for _, p := range body.Projects {
		if p.Name == c.creds.ProjectName {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) != 1 {
		return "", &apperrors.ValidationError{
			Field:  "project_name",
			Value:  c.creds.ProjectName,
			Reason: fmt.Sprintf("expected exactly one matching project, found %d", len(ids)),
		}
	}
	return ids[0], nil
}

// send performs one logical request through the retrying client and buffers the body.
func send(ctx context.Context, client *retryablehttp.Client, method, target, token string, payload []byte) (*response, error) {
	var body interface{}
	if payload != nil {
		body = payload
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s %s", method, target)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(authTokenHeader, token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s %s response", method, target)
	}
	return &response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func newClientError(op string, resp *response) *apperrors.ClientError {
	body := string(bytes.TrimSpace(resp.Body))
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &apperrors.ClientError{Op: op, StatusCode: resp.StatusCode, Body: body}
}
