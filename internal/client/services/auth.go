// Package services contains application services for the sessionkeeper client.
// This file defines the authentication service: login, resuming a cached
// session, explicit rotation, logout and housekeeping of the local
// credential cache.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/client"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/repositories/credentials"
	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	"github.com/dmitrijs2005/sessionkeeper/internal/dbx"
	pb "github.com/dmitrijs2005/sessionkeeper/internal/proto"
)

// AuthService defines authentication operations for the CLI.
//
// Contract:
//   - Login: authenticate against the server and cache the issued credentials.
//   - Resume: restore a cached session without contacting the server.
//   - WhoAmI: resolve the current principal, rotating credentials if needed.
//   - Refresh: rotate the refresh credential explicitly.
//   - Logout: terminate the chain on the server and wipe the cache.
//   - Ping: check server liveness.
//   - Close: release underlying client resources.
//
// All methods must honor context cancellation/timeouts.
type AuthService interface {
	Login(ctx context.Context, email, password string) error
	Resume(ctx context.Context) (string, error)
	WhoAmI(ctx context.Context) (pb.Identity, error)
	Refresh(ctx context.Context) (time.Time, error)
	Logout(ctx context.Context) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// authService is the concrete AuthService backed by a remote Client
// and a local SQL database caching credentials.
type authService struct {
	client client.Client
	db     *sql.DB
	now    func() time.Time
}

// NewAuthService constructs an AuthService bound to the given API client and
// DB. Every credential pair the client obtains is written to the cache.
func NewAuthService(c client.Client, db *sql.DB) AuthService {
	a := &authService{client: c, db: db, now: time.Now}
	c.SetTokenSink(a.saveTokens)
	return a
}

func (a *authService) repo() credentials.Repository {
	return credentials.NewSQLiteRepository(a.db)
}

// saveTokens persists a credential pair in a single transaction.
func (a *authService) saveTokens(ctx context.Context, t pb.Tokens) error {
	return dbx.WithTx(ctx, a.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return credentials.NewSQLiteRepository(tx).Put(ctx, map[string]string{
			credentials.KeyAccessToken:  t.AccessToken,
			credentials.KeyRefreshToken: t.RefreshToken,
			credentials.KeyExpiresAt:    t.RefreshExpiresAt.UTC().Format(time.RFC3339),
		})
	})
}

// Login authenticates against the server. The token sink has already
// cached the pair by the time the email is recorded.
func (a *authService) Login(ctx context.Context, email, password string) error {
	if _, err := a.client.Login(ctx, email, password); err != nil {
		return fmt.Errorf("login error: %w", err)
	}

	if err := a.repo().Put(ctx, map[string]string{credentials.KeyEmail: email}); err != nil {
		return fmt.Errorf("credential saving error: %w", err)
	}
	return nil
}

// Resume loads cached credentials into the client and returns the cached
// email. A missing or locally expired refresh credential yields
// client.ErrLocalDataNotAvailable; an expired one is also wiped.
func (a *authService) Resume(ctx context.Context) (string, error) {
	repo := a.repo()

	values := make(map[string]string, 4)
	for _, k := range []string{credentials.KeyEmail, credentials.KeyAccessToken, credentials.KeyRefreshToken, credentials.KeyExpiresAt} {
		v, err := repo.Get(ctx, k)
		if errors.Is(err, common.ErrorNotFound) {
			return "", client.ErrLocalDataNotAvailable
		}
		if err != nil {
			return "", err
		}
		values[k] = v
	}

	expiresAt, err := time.Parse(time.RFC3339, values[credentials.KeyExpiresAt])
	if err != nil || !a.now().Before(expiresAt) {
		if err := repo.Clear(ctx); err != nil {
			return "", err
		}
		return "", client.ErrLocalDataNotAvailable
	}

	a.client.SetTokens(values[credentials.KeyAccessToken], values[credentials.KeyRefreshToken])
	return values[credentials.KeyEmail], nil
}

// WhoAmI resolves the current principal. When the server demands
// re-authentication the cached credentials are useless and get wiped.
func (a *authService) WhoAmI(ctx context.Context) (pb.Identity, error) {
	id, err := a.client.WhoAmI(ctx)
	if errors.Is(err, client.ErrUnauthorized) {
		a.forget(ctx)
	}
	return id, err
}

// Refresh rotates explicitly and reports the new refresh expiry.
func (a *authService) Refresh(ctx context.Context) (time.Time, error) {
	t, err := a.client.Refresh(ctx)
	if errors.Is(err, client.ErrUnauthorized) {
		a.forget(ctx)
	}
	if err != nil {
		return time.Time{}, err
	}
	return t.RefreshExpiresAt, nil
}

// Logout terminates the chain on the server and wipes the cache. A rejected
// credential is already dead server-side, so the cache is wiped anyway; an
// unreachable server leaves it intact for a later attempt.
func (a *authService) Logout(ctx context.Context) error {
	err := a.client.Logout(ctx)
	if err != nil && !errors.Is(err, client.ErrUnauthorized) {
		return err
	}
	a.client.SetTokens("", "")
	return a.repo().Clear(ctx)
}

func (a *authService) forget(ctx context.Context) {
	a.client.SetTokens("", "")
	_ = a.repo().Clear(ctx)
}

// Ping proxies a liveness check to the underlying client.
func (a *authService) Ping(ctx context.Context) error {
	return a.client.Ping(ctx)
}

// Close releases resources held by the underlying client.
func (a *authService) Close(ctx context.Context) error {
	return a.client.Close()
}
