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
	"github.com/dmitrijs2005/sessionkeeper/internal/timex"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const (
	defaultMaxChainDepth = 64
	initialChainRetries  = 3
	initialChainBackoff  = 10 * time.Millisecond
)

// newTokenID and newRecordID are seams for tests.
var (
	newTokenID  = auth.NewTokenID
	newRecordID = uuid.NewString
)

// RotationConfig tunes a RotationEngine. Zero values fall back to defaults.
type RotationConfig struct {
	Policy        ReplayPolicy
	MaxChainDepth int
	Clock         timex.Clock
	Logger        logging.Logger
	Metrics       *metrics.Metrics
}

// RotationEngine owns the refresh credential state machine: a record is
// Active until it is either Rotated (it has a successor) or Revoked.
type RotationEngine struct {
	codec      *auth.Codec
	store      RecordStore
	principals PrincipalLookup
	policy     ReplayPolicy
	maxDepth   int
	clock      timex.Clock
	logger     logging.Logger
	metrics    *metrics.Metrics
}

func NewRotationEngine(codec *auth.Codec, store RecordStore, principals PrincipalLookup, cfg RotationConfig) *RotationEngine {
	if cfg.Policy == "" {
		cfg.Policy = ReplayRevokeChain
	}
	if cfg.MaxChainDepth < 1 {
		cfg.MaxChainDepth = defaultMaxChainDepth
	}
	if cfg.Clock == nil {
		cfg.Clock = timex.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	return &RotationEngine{
		codec:      codec,
		store:      store,
		principals: principals,
		policy:     cfg.Policy,
		maxDepth:   cfg.MaxChainDepth,
		clock:      cfg.Clock,
		logger:     cfg.Logger.With("module", "rotation"),
		metrics:    cfg.Metrics,
	}
}

// Rotate exchanges a refresh credential for a new pair. The presented
// credential becomes unusable; presenting it again is a replay.
func (e *RotationEngine) Rotate(ctx context.Context, raw string, client models.ClientContext) (*models.TokenPair, error) {
	claims, err := e.codec.Verify(raw, auth.RoleRefresh)
	if err != nil {
		if errors.Is(err, common.ErrInvalidToken) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidToken, err)
	}

	hash := auth.Fingerprint(raw)
	rec, err := e.store.FindByHashAndJTI(ctx, hash, claims.ID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrNotRecognized
		}
		return nil, storeError("find refresh record", err)
	}
	if !auth.Equal(rec.TokenHash, hash) || !auth.Equal(rec.JTI, claims.ID) {
		return nil, common.ErrNotRecognized
	}
	if !auth.Equal(rec.PrincipalID, claims.Subject) {
		return nil, fmt.Errorf("%w: subject mismatch", common.ErrNotRecognized)
	}

	if rec.IsRevoked() {
		return nil, e.handleReplay(ctx, rec)
	}

	now := e.clock.Now()
	if rec.IsExpired(now) {
		return nil, fmt.Errorf("%w: refresh record expired", common.ErrTokenExpired)
	}

	principal, err := e.principals.GetPrincipalByID(ctx, rec.PrincipalID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, fmt.Errorf("%w: principal gone", common.ErrNotRecognized)
		}
		return nil, storeError("lookup principal", err)
	}

	pair, next, err := e.mint(principal, client, now)
	if err != nil {
		return nil, err
	}

	err = e.store.Rotate(ctx, rec.ID, now, next)
	switch {
	case err == nil:
		return pair, nil
	case errors.Is(err, common.ErrAlreadyRevoked):
		// lost the race against a concurrent presentation of the same credential
		return nil, e.handleReplay(ctx, rec)
	case errors.Is(err, common.ErrorNotFound):
		return nil, common.ErrNotRecognized
	}
	return nil, storeError("rotate refresh record", err)
}

// IssueInitialChain starts a new chain for principal. A jti or hash
// collision is retried with fresh values.
func (e *RotationEngine) IssueInitialChain(ctx context.Context, principal *models.Principal, client models.ClientContext) (*models.TokenPair, error) {
	var pair *models.TokenPair

	b := retry.WithMaxRetries(initialChainRetries, retry.NewExponential(initialChainBackoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		p, rec, err := e.mint(principal, client, e.clock.Now())
		if err != nil {
			return err
		}
		if err := e.store.Create(ctx, rec); err != nil {
			if errors.Is(err, common.ErrConflict) {
				e.logger.Warn(ctx, "refresh record collision, retrying", "principal_id", principal.ID)
				return retry.RetryableError(err)
			}
			return err
		}
		pair = p
		return nil
	})
	if err != nil {
		if errors.Is(err, common.ErrorInternal) {
			return nil, err
		}
		return nil, storeError("create refresh record", err)
	}
	return pair, nil
}

// TerminateChain revokes the record behind raw if it is still live. Unknown
// or already revoked credentials are a no-op; signature and expiry are not
// checked so a client can always log out.
func (e *RotationEngine) TerminateChain(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}

	rec, err := e.store.FindByHash(ctx, auth.Fingerprint(raw))
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		return storeError("find refresh record", err)
	}
	if rec.IsRevoked() {
		return nil
	}

	if _, err := e.store.Revoke(ctx, rec.ID, "", e.clock.Now()); err != nil {
		return storeError("revoke refresh record", err)
	}
	return nil
}

func (e *RotationEngine) mint(principal *models.Principal, client models.ClientContext, now time.Time) (*models.TokenPair, *models.RefreshRecord, error) {
	jti, err := newTokenID()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: token id: %w", common.ErrorInternal, err)
	}
	refresh, expiresAt, err := e.codec.IssueRefresh(principal, jti)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", common.ErrorInternal, err)
	}
	access, err := e.codec.IssueAccess(principal)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", common.ErrorInternal, err)
	}

	rec := &models.RefreshRecord{
		ID:          newRecordID(),
		PrincipalID: principal.ID,
		TokenHash:   auth.Fingerprint(refresh),
		JTI:         jti,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
		Client:      client,
	}
	pair := &models.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		RefreshExpiresAt: expiresAt,
		Principal:        principal,
	}
	return pair, rec, nil
}

// handleReplay applies the replay policy to the chain rec belongs to and
// always yields common.ErrReplayDetected.
func (e *RotationEngine) handleReplay(ctx context.Context, rec *models.RefreshRecord) error {
	if e.policy != ReplayRevokeChain {
		e.logger.Warn(ctx, "refresh token replay detected",
			"principal_id", rec.PrincipalID, "jti", rec.JTI, "policy", string(e.policy))
		return common.ErrReplayDetected
	}

	revoked, err := e.revokeChain(ctx, rec)
	e.metrics.ObserveChainRevoked(revoked)
	if err != nil {
		e.logger.Error(ctx, "chain sweep incomplete",
			"principal_id", rec.PrincipalID, "jti", rec.JTI, "revoked", revoked, "error", err.Error())
	}
	e.logger.Warn(ctx, "refresh token replay detected",
		"principal_id", rec.PrincipalID, "jti", rec.JTI, "policy", string(e.policy), "revoked", revoked)
	return common.ErrReplayDetected
}

// revokeChain walks back to the eldest ancestor of rec and then forward to
// the newest descendant, revoking every live record on the way. Each walk
// stops after maxDepth hops.
func (e *RotationEngine) revokeChain(ctx context.Context, rec *models.RefreshRecord) (int, error) {
	eldest := rec
	for hops := 0; ; hops++ {
		pred, err := e.store.FindPredecessor(ctx, eldest.JTI)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				break
			}
			return 0, err
		}
		if hops == e.maxDepth {
			e.depthOverflow(ctx, rec, "backward")
			break
		}
		eldest = pred
	}

	now := e.clock.Now()
	revoked := 0
	cur := eldest
	for hops := 0; ; hops++ {
		if cur.IsLive(now) {
			ok, err := e.store.Revoke(ctx, cur.ID, "", now)
			if err != nil {
				return revoked, err
			}
			if ok {
				revoked++
			} else if cur, err = e.store.FindByJTI(ctx, cur.JTI); err != nil {
				// rotated under us; reload to follow the fresh successor link
				return revoked, err
			}
		}
		if cur.ReplacedBy == "" {
			break
		}
		if hops == e.maxDepth {
			e.depthOverflow(ctx, rec, "forward")
			break
		}
		next, err := e.store.FindByJTI(ctx, cur.ReplacedBy)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				break
			}
			return revoked, err
		}
		cur = next
	}
	return revoked, nil
}

func (e *RotationEngine) depthOverflow(ctx context.Context, rec *models.RefreshRecord, direction string) {
	e.metrics.IncChainDepthOverflow()
	e.logger.Warn(ctx, "chain depth bound reached",
		"principal_id", rec.PrincipalID, "jti", rec.JTI, "direction", direction, "max_depth", e.maxDepth)
}
