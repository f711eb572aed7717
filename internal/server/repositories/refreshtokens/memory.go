package refreshtokens

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/models"
)

// MemoryStore keeps records in process memory behind a single mutex.
// Returned records are copies; callers never alias stored state.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*models.RefreshRecord
	byHash map[string]string
	byJTI  map[string]string
	// predecessor maps a successor jti to the id of the record it replaced.
	predecessor map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        make(map[string]*models.RefreshRecord),
		byHash:      make(map[string]string),
		byJTI:       make(map[string]string),
		predecessor: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec *models.RefreshRecord) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(rec)
}

func (s *MemoryStore) insertLocked(rec *models.RefreshRecord) error {
	if _, ok := s.byHash[rec.TokenHash]; ok {
		return common.ErrConflict
	}
	if _, ok := s.byJTI[rec.JTI]; ok {
		return common.ErrConflict
	}
	if _, ok := s.byID[rec.ID]; ok {
		return common.ErrConflict
	}
	cp := cloneRecord(rec)
	s.byID[cp.ID] = cp
	s.byHash[cp.TokenHash] = cp.ID
	s.byJTI[cp.JTI] = cp.ID
	return nil
}

func (s *MemoryStore) FindByHashAndJTI(ctx context.Context, hash, jti string) (*models.RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[hash]
	if !ok || s.byID[id].JTI != jti {
		return nil, common.ErrorNotFound
	}
	return cloneRecord(s.byID[id]), nil
}

func (s *MemoryStore) FindByHash(ctx context.Context, hash string) (*models.RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(s.byHash, hash)
}

func (s *MemoryStore) FindByJTI(ctx context.Context, jti string) (*models.RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(s.byJTI, jti)
}

func (s *MemoryStore) FindPredecessor(ctx context.Context, jti string) (*models.RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(s.predecessor, jti)
}

func (s *MemoryStore) lookupLocked(index map[string]string, key string) (*models.RefreshRecord, error) {
	id, ok := index[key]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return cloneRecord(s.byID[id]), nil
}

func (s *MemoryStore) Revoke(ctx context.Context, id, successorJTI string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeLocked(id, successorJTI, at), nil
}

func (s *MemoryStore) revokeLocked(id, successorJTI string, at time.Time) bool {
	rec, ok := s.byID[id]
	if !ok || rec.RevokedAt != nil {
		return false
	}
	t := at
	rec.RevokedAt = &t
	if successorJTI != "" {
		rec.ReplacedBy = successorJTI
		s.predecessor[successorJTI] = id
	}
	return true
}

// Rotate performs the conditional revoke and the insert in one critical
// section.
func (s *MemoryStore) Rotate(ctx context.Context, currentID string, at time.Time, next *models.RefreshRecord) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[currentID]
	if !ok {
		return common.ErrorNotFound
	}
	if cur.RevokedAt != nil {
		return common.ErrAlreadyRevoked
	}
	if err := s.insertLocked(next); err != nil {
		return err
	}
	s.revokeLocked(currentID, next.JTI, at)
	return nil
}

func cloneRecord(r *models.RefreshRecord) *models.RefreshRecord {
	cp := *r
	if r.RevokedAt != nil {
		t := *r.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}
