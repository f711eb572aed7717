package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/models"
)

// RecordStore persists refresh records. Implementations live in
// repositories/refreshtokens (Postgres, Redis, memory).
type RecordStore interface {
	// Create fails with common.ErrConflict if the hash or jti already exists.
	Create(ctx context.Context, rec *models.RefreshRecord) error
	// FindByHashAndJTI requires both values to match.
	FindByHashAndJTI(ctx context.Context, hash, jti string) (*models.RefreshRecord, error)
	FindByHash(ctx context.Context, hash string) (*models.RefreshRecord, error)
	FindByJTI(ctx context.Context, jti string) (*models.RefreshRecord, error)
	// FindPredecessor returns the record whose ReplacedBy equals jti.
	FindPredecessor(ctx context.Context, jti string) (*models.RefreshRecord, error)
	// Revoke is conditional on the record being unrevoked and reports
	// whether this call performed the transition.
	Revoke(ctx context.Context, id, successorJTI string, at time.Time) (bool, error)
	// Rotate revokes currentID pointing at next and inserts next as one
	// atomic step, or fails with common.ErrAlreadyRevoked writing nothing.
	Rotate(ctx context.Context, currentID string, at time.Time, next *models.RefreshRecord) error
}

// PrincipalLookup resolves the subject of a refresh record.
type PrincipalLookup interface {
	GetPrincipalByID(ctx context.Context, id string) (*models.Principal, error)
}

// ReplayPolicy decides what happens when a revoked credential is presented.
type ReplayPolicy string

const (
	// ReplayRevokeChain revokes every live record of the chain.
	ReplayRevokeChain ReplayPolicy = "revoke_chain"
	// ReplayReportOnly only rejects and reports the presented credential.
	ReplayReportOnly ReplayPolicy = "report_only"
)

// storeError keeps typed store errors and classifies anything else as
// unavailability.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, common.ErrUnavailable),
		errors.Is(err, common.ErrConflict),
		errors.Is(err, common.ErrAlreadyRevoked),
		errors.Is(err, common.ErrorNotFound):
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, common.ErrUnavailable, err)
}
