// Package refreshtokens holds the refresh record stores: a PostgreSQL store
// built on a per-handle repository, a Redis store driven by Lua scripts and
// an in-memory store for tests and single-node development.
package refreshtokens

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/models"
)

// Repository is the row-level contract over one database handle. It is
// bound to either *sql.DB or *sql.Tx so several calls can share a transaction.
type Repository interface {
	// Create inserts rec; a duplicate hash or jti yields common.ErrConflict.
	Create(ctx context.Context, rec *models.RefreshRecord) error

	// FindByHashAndJTI returns the record matching both values or
	// common.ErrorNotFound.
	FindByHashAndJTI(ctx context.Context, hash, jti string) (*models.RefreshRecord, error)

	FindByHash(ctx context.Context, hash string) (*models.RefreshRecord, error)
	FindByJTI(ctx context.Context, jti string) (*models.RefreshRecord, error)

	// FindPredecessor returns the record whose ReplacedBy equals jti.
	FindPredecessor(ctx context.Context, jti string) (*models.RefreshRecord, error)

	// Revoke sets RevokedAt (and ReplacedBy when successorJTI is non-empty)
	// only if the record is still unrevoked. It reports whether this call
	// performed the transition.
	Revoke(ctx context.Context, id, successorJTI string, at time.Time) (bool, error)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: db error: %w", common.ErrUnavailable, err)
}
