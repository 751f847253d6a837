package compute

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/recovery-controller/internal/logging"
)

// Session holds the resolved project and the current token. It is safe for concurrent use.
type Session struct {
	identity  *identityClient
	projectID string
	logger    zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	token *Token
}

// NewSession logs in as the administrative user and resolves the configured project once.
// Any failure here should abort startup.
func NewSession(ctx context.Context, creds Credentials, httpClient *retryablehttp.Client, logger zerolog.Logger) (*Session, error) {
	identity := &identityClient{http: httpClient, creds: creds}

	admin, err := identity.issue(ctx, tokenScope{ProjectName: creds.ProjectName})
	if err != nil {
		return nil, errors.Wrap(err, "admin login")
	}
	projectID, err := identity.resolveProjectID(ctx, admin)
	if err != nil {
		return nil, errors.Wrap(err, "resolve project")
	}

	s := &Session{
		identity:  identity,
		projectID: projectID,
		logger:    logging.Component(logger, "compute-session"),
		now:       time.Now,
		token:     admin,
	}
	s.logger.Info().
		Str("project", creds.ProjectName).
		Str("project_id", projectID).
		Str("endpoint", admin.Endpoint).
		Msg("control-plane session established")
	return s, nil
}

func (s *Session) ProjectID() string {
	return s.projectID
}

// Token returns the cached token, issuing a project-scoped one when none is cached or the
// cached one is about to expire.
func (s *Session) Token(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != nil && !s.token.expiring(s.now()) {
		return s.token, nil
	}

	tok, err := s.identity.issue(ctx, tokenScope{ProjectID: s.projectID})
	if err != nil {
		return nil, errors.Wrap(err, "refresh token")
	}
	s.token = tok
	s.logger.Debug().Msg("token refreshed")
	return tok, nil
}

// Invalidate drops stale if it is still the cached token.
func (s *Session) Invalidate(stale *Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == stale {
		s.token = nil
	}
}
