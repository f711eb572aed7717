package refreshtokens

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordStore interface {
	Repository
	Rotate(ctx context.Context, currentID string, at time.Time, next *models.RefreshRecord) error
}

var contractNow = time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)

func contractRecord(n int) *models.RefreshRecord {
	return &models.RefreshRecord{
		ID:          fmt.Sprintf("id-%d", n),
		PrincipalID: "p-1",
		TokenHash:   fmt.Sprintf("hash-%d", n),
		JTI:         fmt.Sprintf("jti-%d", n),
		IssuedAt:    contractNow,
		ExpiresAt:   contractNow.Add(time.Hour),
		Client:      models.ClientContext{IP: "127.0.0.1", UserAgent: "test"},
	}
}

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) recordStore) {
	ctx := context.Background()

	t.Run("create and find", func(t *testing.T) {
		s := newStore(t)
		rec := contractRecord(1)
		require.NoError(t, s.Create(ctx, rec))

		got, err := s.FindByHashAndJTI(ctx, "hash-1", "jti-1")
		require.NoError(t, err)
		assert.Equal(t, "id-1", got.ID)
		assert.Equal(t, "p-1", got.PrincipalID)
		assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))
		assert.Nil(t, got.RevokedAt)
		assert.Equal(t, "test", got.Client.UserAgent)

		got, err = s.FindByHash(ctx, "hash-1")
		require.NoError(t, err)
		assert.Equal(t, "jti-1", got.JTI)

		got, err = s.FindByJTI(ctx, "jti-1")
		require.NoError(t, err)
		assert.Equal(t, "hash-1", got.TokenHash)
	})

	t.Run("hash and jti must both match", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, contractRecord(1)))
		require.NoError(t, s.Create(ctx, contractRecord(2)))

		_, err := s.FindByHashAndJTI(ctx, "hash-1", "jti-2")
		require.ErrorIs(t, err, common.ErrorNotFound)
		_, err = s.FindByHashAndJTI(ctx, "hash-9", "jti-1")
		require.ErrorIs(t, err, common.ErrorNotFound)
		_, err = s.FindByJTI(ctx, "jti-9")
		require.ErrorIs(t, err, common.ErrorNotFound)
	})

	t.Run("duplicate hash or jti conflicts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, contractRecord(1)))

		dupHash := contractRecord(2)
		dupHash.TokenHash = "hash-1"
		require.ErrorIs(t, s.Create(ctx, dupHash), common.ErrConflict)

		dupJTI := contractRecord(3)
		dupJTI.JTI = "jti-1"
		require.ErrorIs(t, s.Create(ctx, dupJTI), common.ErrConflict)
	})

	t.Run("revoke is conditional and idempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, contractRecord(1)))

		ok, err := s.Revoke(ctx, "id-1", "", contractNow)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Revoke(ctx, "id-1", "jti-x", contractNow.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.FindByJTI(ctx, "jti-1")
		require.NoError(t, err)
		require.NotNil(t, got.RevokedAt)
		assert.True(t, contractNow.Equal(*got.RevokedAt), "second revoke must not move RevokedAt")
		assert.Empty(t, got.ReplacedBy, "second revoke must not set ReplacedBy")

		ok, err = s.Revoke(ctx, "id-missing", "", contractNow)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rotate links both directions", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, contractRecord(1)))
		require.NoError(t, s.Rotate(ctx, "id-1", contractNow, contractRecord(2)))

		old, err := s.FindByJTI(ctx, "jti-1")
		require.NoError(t, err)
		require.NotNil(t, old.RevokedAt)
		assert.Equal(t, "jti-2", old.ReplacedBy)

		pred, err := s.FindPredecessor(ctx, "jti-2")
		require.NoError(t, err)
		assert.Equal(t, "id-1", pred.ID)

		_, err = s.FindPredecessor(ctx, "jti-1")
		require.ErrorIs(t, err, common.ErrorNotFound)

		next, err := s.FindByHashAndJTI(ctx, "hash-2", "jti-2")
		require.NoError(t, err)
		assert.Nil(t, next.RevokedAt)
	})

	t.Run("rotate of revoked record writes nothing", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, contractRecord(1)))
		_, err := s.Revoke(ctx, "id-1", "", contractNow)
		require.NoError(t, err)

		err = s.Rotate(ctx, "id-1", contractNow, contractRecord(2))
		require.ErrorIs(t, err, common.ErrAlreadyRevoked)

		_, err = s.FindByJTI(ctx, "jti-2")
		require.ErrorIs(t, err, common.ErrorNotFound)
	})

	t.Run("rotate with conflicting successor writes nothing", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, contractRecord(1)))
		require.NoError(t, s.Create(ctx, contractRecord(2)))

		clash := contractRecord(3)
		clash.TokenHash = "hash-2"
		err := s.Rotate(ctx, "id-1", contractNow, clash)
		require.ErrorIs(t, err, common.ErrConflict)

		cur, err := s.FindByJTI(ctx, "jti-1")
		require.NoError(t, err)
		assert.Nil(t, cur.RevokedAt, "current must stay live when the insert fails")
	})

	t.Run("concurrent rotate has one winner", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, contractRecord(0)))

		const workers = 16
		var wg sync.WaitGroup
		var winners, revoked atomic.Int32
		start := make(chan struct{})
		for i := 1; i <= workers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				<-start
				err := s.Rotate(ctx, "id-0", contractNow, contractRecord(n))
				switch {
				case err == nil:
					winners.Add(1)
				case assert.ErrorIs(t, err, common.ErrAlreadyRevoked):
					revoked.Add(1)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), winners.Load())
		assert.Equal(t, int32(workers-1), revoked.Load())
	})
}
