// Package services contains the session core: the rotation engine that owns
// the refresh credential lifecycle, the session facade used by transports,
// and the user service that verifies passwords and resolves principals.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/models"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/repositories/repomanager"
	"golang.org/x/crypto/bcrypt"
)

// UserService verifies credentials and resolves principals from the
// principals table. It implements PrincipalLookup and Authenticator.
type UserService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
}

// NewUserService constructs a UserService over the given pool.
func NewUserService(db *sql.DB, m repomanager.RepositoryManager) *UserService {
	return &UserService{db: db, repomanager: m}
}

// GetPrincipalByID returns common.ErrorNotFound when the principal is gone.
func (s *UserService) GetPrincipalByID(ctx context.Context, id string) (*models.Principal, error) {
	repo := s.repomanager.Users(s.db)
	user, err := repo.GetUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get principal: %w", err)
	}
	return user.Principal(), nil
}

// Authenticate checks email and password. Unknown emails still pay for a
// bcrypt comparison so both failure paths look the same from outside.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (*models.Principal, error) {
	repo := s.repomanager.Users(s.db)
	user, err := repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
			return nil, common.ErrorUnauthorized
		}
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, common.ErrorUnauthorized
	}
	return user.Principal(), nil
}

var (
	dummyOnce sync.Once
	dummy     []byte
)

func dummyHash() []byte {
	dummyOnce.Do(func() {
		dummy, _ = bcrypt.GenerateFromPassword(common.GenerateRandByteArray(16), bcrypt.DefaultCost)
	})
	return dummy
}
