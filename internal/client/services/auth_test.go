package services

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/client"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/repositories/credentials"
	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	pb "github.com/dmitrijs2005/sessionkeeper/internal/proto"
	"github.com/stretchr/testify/require"
)

// ---- helpers ----

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := client.InitDatabase(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func getCred(t *testing.T, db *sql.DB, k string) string {
	t.Helper()
	v, err := credentials.NewSQLiteRepository(db).Get(context.Background(), k)
	require.NoError(t, err)
	return v
}

func seed(t *testing.T, db *sql.DB, expiresAt time.Time) {
	t.Helper()
	err := credentials.NewSQLiteRepository(db).Put(context.Background(), map[string]string{
		credentials.KeyEmail:        "user@example.com",
		credentials.KeyAccessToken:  "A1",
		credentials.KeyRefreshToken: "R1",
		credentials.KeyExpiresAt:    expiresAt.UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
}

var expiry = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

// ---- fake client ----

type fakeClient struct {
	sink   client.TokenSink
	access string
	fresh  string

	LoginTokens pb.Tokens
	LoginErr    error

	RefreshTokens pb.Tokens
	RefreshErr    error

	LogoutErr error
	LogoutN   int

	WhoAmIRet pb.Identity
	WhoAmIErr error

	PingErr  error
	CloseErr error
}

func (f *fakeClient) Close() error { return f.CloseErr }

func (f *fakeClient) Login(ctx context.Context, email, password string) (pb.Tokens, error) {
	if f.LoginErr != nil {
		return pb.Tokens{}, f.LoginErr
	}
	return f.LoginTokens, f.emit(ctx, f.LoginTokens)
}

func (f *fakeClient) Refresh(ctx context.Context) (pb.Tokens, error) {
	if f.RefreshErr != nil {
		return pb.Tokens{}, f.RefreshErr
	}
	return f.RefreshTokens, f.emit(ctx, f.RefreshTokens)
}

func (f *fakeClient) Logout(ctx context.Context) error {
	f.LogoutN++
	return f.LogoutErr
}

func (f *fakeClient) WhoAmI(ctx context.Context) (pb.Identity, error) {
	return f.WhoAmIRet, f.WhoAmIErr
}

func (f *fakeClient) Ping(ctx context.Context) error { return f.PingErr }

func (f *fakeClient) SetTokens(access, refresh string) {
	f.access, f.fresh = access, refresh
}

func (f *fakeClient) SetTokenSink(sink client.TokenSink) { f.sink = sink }

func (f *fakeClient) emit(ctx context.Context, t pb.Tokens) error {
	f.access, f.fresh = t.AccessToken, t.RefreshToken
	if f.sink != nil {
		return f.sink(ctx, t)
	}
	return nil
}

// ---- TESTS ----

func TestNewAuthService_InstallsSink(t *testing.T) {
	fc := &fakeClient{}
	NewAuthService(fc, setupDB(t))
	require.NotNil(t, fc.sink)
}

func TestLogin_CachesCredentials(t *testing.T) {
	db := setupDB(t)
	fc := &fakeClient{LoginTokens: pb.Tokens{AccessToken: "A1", RefreshToken: "R1", RefreshExpiresAt: expiry}}
	svc := NewAuthService(fc, db)

	require.NoError(t, svc.Login(context.Background(), "user@example.com", "pw"))

	require.Equal(t, "user@example.com", getCred(t, db, credentials.KeyEmail))
	require.Equal(t, "A1", getCred(t, db, credentials.KeyAccessToken))
	require.Equal(t, "R1", getCred(t, db, credentials.KeyRefreshToken))
	require.Equal(t, "2030-01-01T00:00:00Z", getCred(t, db, credentials.KeyExpiresAt))
}

func TestLogin_Error_Wrapped(t *testing.T) {
	db := setupDB(t)
	fc := &fakeClient{LoginErr: client.ErrUnauthorized}
	svc := NewAuthService(fc, db)

	err := svc.Login(context.Background(), "u", "p")
	require.ErrorIs(t, err, client.ErrUnauthorized)
	require.ErrorContains(t, err, "login error:")

	_, err = credentials.NewSQLiteRepository(db).Get(context.Background(), credentials.KeyEmail)
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestResume(t *testing.T) {
	t.Run("no cache", func(t *testing.T) {
		svc := NewAuthService(&fakeClient{}, setupDB(t))
		_, err := svc.Resume(context.Background())
		require.ErrorIs(t, err, client.ErrLocalDataNotAvailable)
	})

	t.Run("restores tokens", func(t *testing.T) {
		db := setupDB(t)
		seed(t, db, expiry)
		fc := &fakeClient{}
		svc := NewAuthService(fc, db)

		email, err := svc.Resume(context.Background())
		require.NoError(t, err)
		require.Equal(t, "user@example.com", email)
		require.Equal(t, "A1", fc.access)
		require.Equal(t, "R1", fc.fresh)
	})

	t.Run("expired cache is wiped", func(t *testing.T) {
		db := setupDB(t)
		seed(t, db, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
		fc := &fakeClient{}
		svc := NewAuthService(fc, db)

		_, err := svc.Resume(context.Background())
		require.ErrorIs(t, err, client.ErrLocalDataNotAvailable)
		require.Empty(t, fc.fresh)

		_, err = credentials.NewSQLiteRepository(db).Get(context.Background(), credentials.KeyRefreshToken)
		require.ErrorIs(t, err, common.ErrorNotFound)
	})
}

func TestRefresh_PersistsRotatedPair(t *testing.T) {
	db := setupDB(t)
	seed(t, db, expiry)
	next := expiry.Add(time.Hour)
	fc := &fakeClient{RefreshTokens: pb.Tokens{AccessToken: "A2", RefreshToken: "R2", RefreshExpiresAt: next}}
	svc := NewAuthService(fc, db)

	got, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, next, got)
	require.Equal(t, "R2", getCred(t, db, credentials.KeyRefreshToken))
	require.Equal(t, "user@example.com", getCred(t, db, credentials.KeyEmail))
}

func TestRefresh_RejectedWipesCache(t *testing.T) {
	db := setupDB(t)
	seed(t, db, expiry)
	fc := &fakeClient{RefreshErr: client.ErrUnauthorized}
	svc := NewAuthService(fc, db)

	_, err := svc.Refresh(context.Background())
	require.ErrorIs(t, err, client.ErrUnauthorized)

	_, err = credentials.NewSQLiteRepository(db).Get(context.Background(), credentials.KeyRefreshToken)
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestRefresh_UnavailableKeepsCache(t *testing.T) {
	db := setupDB(t)
	seed(t, db, expiry)
	svc := NewAuthService(&fakeClient{RefreshErr: client.ErrUnavailable}, db)

	_, err := svc.Refresh(context.Background())
	require.ErrorIs(t, err, client.ErrUnavailable)
	require.Equal(t, "R1", getCred(t, db, credentials.KeyRefreshToken))
}

func TestWhoAmI(t *testing.T) {
	db := setupDB(t)
	seed(t, db, expiry)
	fc := &fakeClient{WhoAmIRet: pb.Identity{PrincipalID: "p1", Email: "user@example.com"}}
	svc := NewAuthService(fc, db)

	id, err := svc.WhoAmI(context.Background())
	require.NoError(t, err)
	require.Equal(t, "p1", id.PrincipalID)

	fc.WhoAmIErr = client.ErrUnauthorized
	_, err = svc.WhoAmI(context.Background())
	require.ErrorIs(t, err, client.ErrUnauthorized)
	_, err = credentials.NewSQLiteRepository(db).Get(context.Background(), credentials.KeyEmail)
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestLogout(t *testing.T) {
	tests := []struct {
		name      string
		logoutErr error
		wantErr   error
		wiped     bool
	}{
		{name: "ok", wiped: true},
		{name: "already rejected", logoutErr: client.ErrUnauthorized, wiped: true},
		{name: "server down", logoutErr: client.ErrUnavailable, wantErr: client.ErrUnavailable},
		{name: "other", logoutErr: errors.New("rpc error: boom"), wantErr: errors.New("rpc error: boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupDB(t)
			seed(t, db, expiry)
			fc := &fakeClient{LogoutErr: tt.logoutErr}
			svc := NewAuthService(fc, db)

			err := svc.Logout(context.Background())
			if tt.wantErr != nil {
				require.EqualError(t, err, tt.wantErr.Error())
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, 1, fc.LogoutN)

			_, err = credentials.NewSQLiteRepository(db).Get(context.Background(), credentials.KeyRefreshToken)
			if tt.wiped {
				require.ErrorIs(t, err, common.ErrorNotFound)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestPingAndClose_Proxy(t *testing.T) {
	fc := &fakeClient{PingErr: client.ErrUnavailable, CloseErr: errors.New("close")}
	svc := NewAuthService(fc, setupDB(t))

	require.ErrorIs(t, svc.Ping(context.Background()), client.ErrUnavailable)
	require.EqualError(t, svc.Close(context.Background()), "close")
}
