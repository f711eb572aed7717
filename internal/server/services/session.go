package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	"github.com/dmitrijs2005/sessionkeeper/internal/logging"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/auth"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/metrics"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/models"
)

// Operation names used for metrics labels.
const (
	OpLogin        = "login"
	OpRefresh      = "refresh"
	OpLogout       = "logout"
	OpAuthenticate = "authenticate"
)

// Authenticator verifies a password login.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (*models.Principal, error)
}

// SessionService is the entry point used by the gRPC and HTTP transports.
// Every call runs under the configured operation timeout.
type SessionService struct {
	engine  *RotationEngine
	codec   *auth.Codec
	users   Authenticator
	timeout time.Duration
	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewSessionService(engine *RotationEngine, codec *auth.Codec, users Authenticator, timeout time.Duration, l logging.Logger, m *metrics.Metrics) *SessionService {
	if l == nil {
		l = logging.NewNop()
	}
	return &SessionService{
		engine:  engine,
		codec:   codec,
		users:   users,
		timeout: timeout,
		logger:  l.With("module", "session"),
		metrics: m,
	}
}

func (s *SessionService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Login starts a new chain for an already authenticated principal.
func (s *SessionService) Login(ctx context.Context, principal *models.Principal, client models.ClientContext) (*models.TokenPair, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pair, err := s.engine.IssueInitialChain(ctx, principal, client)
	s.observe(OpLogin, err)
	return pair, err
}

// LoginWithPassword authenticates email and password and starts a chain.
// Wrong credentials yield common.ErrorUnauthorized.
func (s *SessionService) LoginWithPassword(ctx context.Context, email, password string, client models.ClientContext) (*models.TokenPair, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	principal, err := s.users.Authenticate(ctx, email, password)
	if err != nil {
		s.observe(OpLogin, err)
		if errors.Is(err, common.ErrorUnauthorized) {
			return nil, err
		}
		return nil, storeError("authenticate", err)
	}

	pair, err := s.engine.IssueInitialChain(ctx, principal, client)
	s.observe(OpLogin, err)
	if err == nil {
		s.logger.Info(ctx, "login", "principal_id", principal.ID, "ip", client.IP)
	}
	return pair, err
}

// Refresh rotates the presented refresh credential.
func (s *SessionService) Refresh(ctx context.Context, raw string, client models.ClientContext) (*models.TokenPair, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pair, err := s.engine.Rotate(ctx, raw, client)
	s.observe(OpRefresh, err)
	if err != nil && !common.IsReauthenticate(err) {
		s.logger.Error(ctx, "refresh failed", "error", err.Error())
	}
	return pair, err
}

// Logout terminates the chain behind raw. It succeeds whether or not a
// record existed.
func (s *SessionService) Logout(ctx context.Context, raw string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.engine.TerminateChain(ctx, raw)
	s.observe(OpLogout, err)
	return err
}

// Authenticate verifies an access credential with the codec alone.
func (s *SessionService) Authenticate(ctx context.Context, access string) (*models.Principal, error) {
	claims, err := s.codec.Verify(access, auth.RoleAccess)
	s.observe(OpAuthenticate, err)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return &models.Principal{ID: claims.Subject, Email: claims.Email}, nil
}

func (s *SessionService) observe(op string, err error) {
	s.metrics.ObserveOperation(op, Outcome(err))
}

// Outcome maps an operation result to a metrics outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, common.ErrReplayDetected):
		return metrics.OutcomeReplay
	case common.IsReauthenticate(err), errors.Is(err, common.ErrorUnauthorized):
		return metrics.OutcomeRejected
	}
	return metrics.OutcomeError
}
