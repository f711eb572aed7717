package refreshtokens

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	"github.com/dmitrijs2005/sessionkeeper/internal/dbx"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/models"
)

const selectRecord = `
		SELECT id, principal_id, token_hash, jti, issued_at, expires_at,
		       revoked_at, replaced_by, ip, user_agent
		FROM refresh_tokens
	`

// PostgresRepository implements Repository over dbx.DBTX
// (satisfied by *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, rec *models.RefreshRecord) error {
	query := `
		INSERT INTO refresh_tokens (id, principal_id, token_hash, jti, issued_at, expires_at, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.PrincipalID, rec.TokenHash, rec.JTI, rec.IssuedAt, rec.ExpiresAt,
		rec.Client.IP, rec.Client.UserAgent)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return common.ErrConflict
		}
		return unavailable(err)
	}
	return nil
}

func (r *PostgresRepository) FindByHashAndJTI(ctx context.Context, hash, jti string) (*models.RefreshRecord, error) {
	return r.findOne(ctx, selectRecord+`WHERE token_hash = $1 AND jti = $2`, hash, jti)
}

func (r *PostgresRepository) FindByHash(ctx context.Context, hash string) (*models.RefreshRecord, error) {
	return r.findOne(ctx, selectRecord+`WHERE token_hash = $1`, hash)
}

func (r *PostgresRepository) FindByJTI(ctx context.Context, jti string) (*models.RefreshRecord, error) {
	return r.findOne(ctx, selectRecord+`WHERE jti = $1`, jti)
}

func (r *PostgresRepository) FindPredecessor(ctx context.Context, jti string) (*models.RefreshRecord, error) {
	return r.findOne(ctx, selectRecord+`WHERE replaced_by = $1`, jti)
}

func (r *PostgresRepository) findOne(ctx context.Context, query string, args ...any) (*models.RefreshRecord, error) {
	var (
		rec        models.RefreshRecord
		revokedAt  sql.NullTime
		replacedBy sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.ID, &rec.PrincipalID, &rec.TokenHash, &rec.JTI, &rec.IssuedAt, &rec.ExpiresAt,
		&revokedAt, &replacedBy, &rec.Client.IP, &rec.Client.UserAgent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, unavailable(err)
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		rec.RevokedAt = &t
	}
	rec.ReplacedBy = replacedBy.String
	return &rec, nil
}

func (r *PostgresRepository) Revoke(ctx context.Context, id, successorJTI string, at time.Time) (bool, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = $1, replaced_by = NULLIF($2, '')
		WHERE id = $3 AND revoked_at IS NULL
	`
	res, err := r.db.ExecContext(ctx, query, at, successorJTI, id)
	if err != nil {
		return false, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

// PostgresStore is the record store backed by PostgreSQL. Single-statement
// operations run on the pool; Rotate runs its two writes in one transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) repo() *PostgresRepository { return NewPostgresRepository(s.db) }

func (s *PostgresStore) Create(ctx context.Context, rec *models.RefreshRecord) error {
	return s.repo().Create(ctx, rec)
}

func (s *PostgresStore) FindByHashAndJTI(ctx context.Context, hash, jti string) (*models.RefreshRecord, error) {
	return s.repo().FindByHashAndJTI(ctx, hash, jti)
}

func (s *PostgresStore) FindByHash(ctx context.Context, hash string) (*models.RefreshRecord, error) {
	return s.repo().FindByHash(ctx, hash)
}

func (s *PostgresStore) FindByJTI(ctx context.Context, jti string) (*models.RefreshRecord, error) {
	return s.repo().FindByJTI(ctx, jti)
}

func (s *PostgresStore) FindPredecessor(ctx context.Context, jti string) (*models.RefreshRecord, error) {
	return s.repo().FindPredecessor(ctx, jti)
}

func (s *PostgresStore) Revoke(ctx context.Context, id, successorJTI string, at time.Time) (bool, error) {
	return s.repo().Revoke(ctx, id, successorJTI, at)
}

// Rotate revokes currentID in favour of next and inserts next atomically.
// Losing the conditional revoke yields common.ErrAlreadyRevoked and nothing
// is written.
func (s *PostgresStore) Rotate(ctx context.Context, currentID string, at time.Time, next *models.RefreshRecord) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := NewPostgresRepository(tx)

		ok, err := repo.Revoke(ctx, currentID, next.JTI, at)
		if err != nil {
			return err
		}
		if !ok {
			return common.ErrAlreadyRevoked
		}
		return repo.Create(ctx, next)
	})
	if err != nil && !isKnown(err) {
		return unavailable(err)
	}
	return err
}

func isKnown(err error) bool {
	return errors.Is(err, common.ErrAlreadyRevoked) ||
		errors.Is(err, common.ErrConflict) ||
		errors.Is(err, common.ErrUnavailable)
}
