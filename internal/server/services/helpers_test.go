package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	"github.com/dmitrijs2005/sessionkeeper/internal/logging"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/auth"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/metrics"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/models"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/sessionkeeper/internal/timex"
	"github.com/stretchr/testify/require"
)

var (
	alice  = &models.Principal{ID: "p-alice", Email: "alice@example.com"}
	client = models.ClientContext{IP: "10.1.2.3", UserAgent: "test-agent"}
)

type fakePrincipals struct {
	m   map[string]*models.Principal
	err error
}

func (f *fakePrincipals) GetPrincipalByID(ctx context.Context, id string) (*models.Principal, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.m[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return p, nil
}

// spyStore counts calls and can inject failures in front of a real store.
type spyStore struct {
	RecordStore
	calls   atomic.Int32
	findErr error
	block   bool
}

func (s *spyStore) FindByHashAndJTI(ctx context.Context, hash, jti string) (*models.RefreshRecord, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.RecordStore.FindByHashAndJTI(ctx, hash, jti)
}

type fixture struct {
	engine     *RotationEngine
	store      RecordStore
	codec      *auth.Codec
	clock      *timex.FakeClock
	metrics    *metrics.Metrics
	principals *fakePrincipals
}

func newCodec(t *testing.T, clock timex.Clock) *auth.Codec {
	t.Helper()
	c, err := auth.NewCodec(auth.CodecConfig{
		AccessKey:  []byte("access-key"),
		RefreshKey: []byte("refresh-key"),
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
		Issuer:     "sessionkeeper",
		Clock:      clock,
	})
	require.NoError(t, err)
	return c
}

func newFixture(t *testing.T, store RecordStore, mutate ...func(*RotationConfig)) *fixture {
	t.Helper()
	if store == nil {
		store = refreshtokens.NewMemoryStore()
	}
	clock := timex.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := metrics.New()
	principals := &fakePrincipals{m: map[string]*models.Principal{alice.ID: alice}}
	cfg := RotationConfig{Clock: clock, Logger: logging.NewNop(), Metrics: m}
	for _, fn := range mutate {
		fn(&cfg)
	}
	codec := newCodec(t, clock)
	return &fixture{
		engine:     NewRotationEngine(codec, store, principals, cfg),
		store:      store,
		codec:      codec,
		clock:      clock,
		metrics:    m,
		principals: principals,
	}
}

// recordOf loads the record behind a raw refresh credential.
func (f *fixture) recordOf(t *testing.T, raw string) *models.RefreshRecord {
	t.Helper()
	rec, err := f.store.FindByHash(context.Background(), auth.Fingerprint(raw))
	require.NoError(t, err)
	return rec
}

func (f *fixture) jtiOf(t *testing.T, raw string) string {
	t.Helper()
	claims, err := f.codec.Verify(raw, auth.RoleRefresh)
	require.NoError(t, err)
	return claims.ID
}

// chain starts a chain and rotates it n times, returning every refresh
// credential in order.
func (f *fixture) chain(t *testing.T, n int) []string {
	t.Helper()
	ctx := context.Background()
	pair, err := f.engine.IssueInitialChain(ctx, alice, client)
	require.NoError(t, err)
	raws := []string{pair.RefreshToken}
	for i := 0; i < n; i++ {
		f.clock.Advance(time.Second)
		pair, err = f.engine.Rotate(ctx, raws[len(raws)-1], client)
		require.NoError(t, err)
		raws = append(raws, pair.RefreshToken)
	}
	return raws
}
