package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/auth"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/models"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/repositories/refreshtokens"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotate_HappyPath(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.engine.IssueInitialChain(ctx, alice, client)
	require.NoError(t, err)
	assert.Equal(t, alice, first.Principal)

	f.clock.Advance(time.Minute)
	second, err := f.engine.Rotate(ctx, first.RefreshToken, client)
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	old := f.recordOf(t, first.RefreshToken)
	require.NotNil(t, old.RevokedAt)
	assert.True(t, f.clock.Now().Equal(*old.RevokedAt))
	assert.Equal(t, f.jtiOf(t, second.RefreshToken), old.ReplacedBy)

	cur := f.recordOf(t, second.RefreshToken)
	assert.Nil(t, cur.RevokedAt)
	assert.Empty(t, cur.ReplacedBy)
	assert.Equal(t, alice.ID, cur.PrincipalID)
	assert.Equal(t, client, cur.Client)
	assert.Len(t, cur.JTI, 32)

	claims, err := f.codec.Verify(second.AccessToken, auth.RoleAccess)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, claims.Subject)
	assert.Equal(t, alice.Email, claims.Email)
}

func TestRotate_ReplayRevokesWholeChain(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	raws := f.chain(t, 3)
	newest := raws[len(raws)-1]
	require.Nil(t, f.recordOf(t, newest).RevokedAt)

	_, err := f.engine.Rotate(ctx, raws[1], client)
	require.ErrorIs(t, err, common.ErrReplayDetected)
	assert.True(t, common.IsReauthenticate(err))

	for i, raw := range raws {
		assert.NotNil(t, f.recordOf(t, raw).RevokedAt, "record %d must be revoked", i)
	}

	_, err = f.engine.Rotate(ctx, newest, client)
	require.ErrorIs(t, err, common.ErrReplayDetected, "the stolen chain's head is dead too")
	assert.Equal(t, uint64(2), sweeps(t, f))
}

// sweeps reports how many replay sweeps were observed.
func sweeps(t *testing.T, f *fixture) uint64 {
	t.Helper()
	families, err := f.metrics.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "sessionkeeper_chain_revoked_records" {
			return mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	return 0
}

func TestRotate_ReplayLeavesOtherChainsAlone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	victim := f.chain(t, 1)
	other, err := f.engine.IssueInitialChain(ctx, alice, client)
	require.NoError(t, err)

	_, err = f.engine.Rotate(ctx, victim[0], client)
	require.ErrorIs(t, err, common.ErrReplayDetected)

	_, err = f.engine.Rotate(ctx, other.RefreshToken, client)
	require.NoError(t, err)
}

func TestRotate_ReportOnlyKeepsChainAlive(t *testing.T) {
	f := newFixture(t, nil, func(c *RotationConfig) { c.Policy = ReplayReportOnly })
	ctx := context.Background()

	raws := f.chain(t, 1)

	_, err := f.engine.Rotate(ctx, raws[0], client)
	require.ErrorIs(t, err, common.ErrReplayDetected)

	assert.Nil(t, f.recordOf(t, raws[1]).RevokedAt)
	_, err = f.engine.Rotate(ctx, raws[1], client)
	require.NoError(t, err)
	assert.Zero(t, sweeps(t, f))
}

func TestRotate_ChainDepthBound(t *testing.T) {
	f := newFixture(t, nil, func(c *RotationConfig) { c.MaxChainDepth = 2 })
	ctx := context.Background()

	raws := f.chain(t, 4)

	_, err := f.engine.Rotate(ctx, raws[0], client)
	require.ErrorIs(t, err, common.ErrReplayDetected)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ChainDepthOverflow))
	assert.Nil(t, f.recordOf(t, raws[4]).RevokedAt, "records past the bound are not reached")
}

func TestRotate_ExpiryBoundary(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	raw, _, err := f.codec.IssueRefresh(alice, "jti-expired")
	require.NoError(t, err)
	require.NoError(t, f.store.Create(ctx, &models.RefreshRecord{
		ID:          "rec-expired",
		PrincipalID: alice.ID,
		TokenHash:   auth.Fingerprint(raw),
		JTI:         "jti-expired",
		IssuedAt:    f.clock.Now().Add(-time.Hour),
		ExpiresAt:   f.clock.Now().Add(-time.Second),
	}))

	_, err = f.engine.Rotate(ctx, raw, client)
	require.ErrorIs(t, err, common.ErrTokenExpired)
	assert.NotErrorIs(t, err, common.ErrReplayDetected)

	rec := f.recordOf(t, raw)
	assert.Nil(t, rec.RevokedAt, "expiry has no side effects")
	assert.Empty(t, rec.ReplacedBy)
}

func TestRotate_ExpiredCredentialSkipsStore(t *testing.T) {
	spy := &spyStore{RecordStore: refreshtokens.NewMemoryStore()}
	f := newFixture(t, spy)
	ctx := context.Background()

	pair, err := f.engine.IssueInitialChain(ctx, alice, client)
	require.NoError(t, err)

	f.clock.Advance(7*24*time.Hour + time.Second)
	_, err = f.engine.Rotate(ctx, pair.RefreshToken, client)
	require.ErrorIs(t, err, common.ErrInvalidToken)
	require.ErrorIs(t, err, common.ErrTokenExpired)
	assert.Zero(t, spy.calls.Load())
}

func TestRotate_InvalidCredentials(t *testing.T) {
	spy := &spyStore{RecordStore: refreshtokens.NewMemoryStore()}
	f := newFixture(t, spy)
	ctx := context.Background()

	pair, err := f.engine.IssueInitialChain(ctx, alice, client)
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
	}{
		{name: "garbage", raw: "not.a.jwt"},
		{name: "empty", raw: ""},
		{name: "access used as refresh", raw: pair.AccessToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Rotate(ctx, tt.raw, client)
			require.ErrorIs(t, err, common.ErrInvalidToken)
		})
	}
	assert.Zero(t, spy.calls.Load(), "codec failures never reach the store")
}

func TestRotate_NotRecognized(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// validly signed but never stored
	unknown, _, err := f.codec.IssueRefresh(alice, "jti-unknown")
	require.NoError(t, err)
	_, err = f.engine.Rotate(ctx, unknown, client)
	require.ErrorIs(t, err, common.ErrNotRecognized)

	// stored hash matches but under a different jti
	mismatched, _, err := f.codec.IssueRefresh(alice, "jti-claimed")
	require.NoError(t, err)
	require.NoError(t, f.store.Create(ctx, &models.RefreshRecord{
		ID: "rec-mismatch", PrincipalID: alice.ID, TokenHash: auth.Fingerprint(mismatched),
		JTI: "jti-stored", IssuedAt: f.clock.Now(), ExpiresAt: f.clock.Now().Add(time.Hour),
	}))
	_, err = f.engine.Rotate(ctx, mismatched, client)
	require.ErrorIs(t, err, common.ErrNotRecognized)

	// record belongs to somebody else
	foreign, _, err := f.codec.IssueRefresh(alice, "jti-foreign")
	require.NoError(t, err)
	require.NoError(t, f.store.Create(ctx, &models.RefreshRecord{
		ID: "rec-foreign", PrincipalID: "p-mallory", TokenHash: auth.Fingerprint(foreign),
		JTI: "jti-foreign", IssuedAt: f.clock.Now(), ExpiresAt: f.clock.Now().Add(time.Hour),
	}))
	_, err = f.engine.Rotate(ctx, foreign, client)
	require.ErrorIs(t, err, common.ErrNotRecognized)
	assert.Nil(t, f.recordOf(t, foreign).RevokedAt)
}

func TestRotate_PrincipalGone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, err := f.engine.IssueInitialChain(ctx, alice, client)
	require.NoError(t, err)

	delete(f.principals.m, alice.ID)
	_, err = f.engine.Rotate(ctx, pair.RefreshToken, client)
	require.ErrorIs(t, err, common.ErrNotRecognized)
	assert.Nil(t, f.recordOf(t, pair.RefreshToken).RevokedAt)
}

func TestRotate_StoreUnavailable(t *testing.T) {
	spy := &spyStore{RecordStore: refreshtokens.NewMemoryStore(), findErr: errors.New("connection refused")}
	f := newFixture(t, spy)

	pair, err := f.engine.IssueInitialChain(context.Background(), alice, client)
	require.NoError(t, err)

	_, err = f.engine.Rotate(context.Background(), pair.RefreshToken, client)
	require.ErrorIs(t, err, common.ErrUnavailable)
	assert.False(t, common.IsReauthenticate(err))
}

func runConcurrentRotate(t *testing.T, store RecordStore) {
	t.Helper()
	f := newFixture(t, store)
	ctx := context.Background()

	pair, err := f.engine.IssueInitialChain(ctx, alice, client)
	require.NoError(t, err)

	const workers = 12
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		other []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.engine.Rotate(ctx, pair.RefreshToken, client)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			other = append(other, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	require.Len(t, other, workers-1)
	for _, err := range other {
		assert.ErrorIs(t, err, common.ErrReplayDetected)
	}
}

func TestRotate_ConcurrentSingleWinner_Memory(t *testing.T) {
	runConcurrentRotate(t, refreshtokens.NewMemoryStore())
}

func TestRotate_ConcurrentSingleWinner_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	runConcurrentRotate(t, refreshtokens.NewRedisStore(rdb, "race"))
}

func TestIssueInitialChain_RetriesOnConflict(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.Create(ctx, &models.RefreshRecord{
		ID: "taken", PrincipalID: alice.ID, TokenHash: "h", JTI: "dup",
		IssuedAt: f.clock.Now(), ExpiresAt: f.clock.Now().Add(time.Hour),
	}))

	orig := newTokenID
	t.Cleanup(func() { newTokenID = orig })
	calls := 0
	newTokenID = func() (string, error) {
		calls++
		if calls < 3 {
			return "dup", nil
		}
		return orig()
	}

	pair, err := f.engine.IssueInitialChain(ctx, alice, client)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.NotEqual(t, "dup", f.jtiOf(t, pair.RefreshToken))
}

func TestIssueInitialChain_GivesUpAfterRetries(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.Create(ctx, &models.RefreshRecord{
		ID: "taken", PrincipalID: alice.ID, TokenHash: "h", JTI: "dup",
		IssuedAt: f.clock.Now(), ExpiresAt: f.clock.Now().Add(time.Hour),
	}))

	orig := newTokenID
	t.Cleanup(func() { newTokenID = orig })
	calls := 0
	newTokenID = func() (string, error) {
		calls++
		return "dup", nil
	}

	_, err := f.engine.IssueInitialChain(ctx, alice, client)
	require.ErrorIs(t, err, common.ErrConflict)
	assert.Equal(t, 1+initialChainRetries, calls)
}

func TestTerminateChain_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, err := f.engine.IssueInitialChain(ctx, alice, client)
	require.NoError(t, err)

	require.NoError(t, f.engine.TerminateChain(ctx, pair.RefreshToken))
	first := f.recordOf(t, pair.RefreshToken).RevokedAt
	require.NotNil(t, first)

	f.clock.Advance(time.Hour)
	require.NoError(t, f.engine.TerminateChain(ctx, pair.RefreshToken))
	second := f.recordOf(t, pair.RefreshToken).RevokedAt
	require.NotNil(t, second)
	assert.True(t, first.Equal(*second), "second logout must not move RevokedAt")
	assert.Empty(t, f.recordOf(t, pair.RefreshToken).ReplacedBy)

	_, err = f.engine.Rotate(ctx, pair.RefreshToken, client)
	require.ErrorIs(t, err, common.ErrReplayDetected)
}

func TestTerminateChain_NoOps(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.engine.TerminateChain(ctx, ""))
	require.NoError(t, f.engine.TerminateChain(ctx, "never-issued"))

	// expired credentials can still log out
	pair, err := f.engine.IssueInitialChain(ctx, alice, client)
	require.NoError(t, err)
	f.clock.Advance(8 * 24 * time.Hour)
	require.NoError(t, f.engine.TerminateChain(ctx, pair.RefreshToken))
	assert.NotNil(t, f.recordOf(t, pair.RefreshToken).RevokedAt)
}
