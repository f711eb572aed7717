package refreshtokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/models"
	"github.com/redis/go-redis/v9"
)

// Script results shared by the Lua scripts below.
const (
	scriptMissing  int64 = -1
	scriptConflict int64 = -2
	scriptRevoked  int64 = 0
	scriptApplied  int64 = 1
)

// KEYS: record, hash index, jti index. ARGV: id, field/value pairs.
const createRecordScript = `
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 or redis.call("EXISTS", KEYS[3]) == 1 then
  return -2
end
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
redis.call("SET", KEYS[2], ARGV[1])
redis.call("SET", KEYS[3], ARGV[1])
return 1
`

// KEYS: record, predecessor index of the successor. ARGV: revoked_at,
// successor jti, record id.
const revokeRecordScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local revoked = redis.call("HGET", KEYS[1], "revoked_at")
if revoked and revoked ~= "" then
  return 0
end
redis.call("HSET", KEYS[1], "revoked_at", ARGV[1])
if ARGV[2] ~= "" then
  redis.call("HSET", KEYS[1], "replaced_by", ARGV[2])
  redis.call("SET", KEYS[2], ARGV[3])
end
return 1
`

// KEYS: current record, next record, next hash index, next jti index,
// predecessor index of next. ARGV: revoked_at, next jti, current id,
// next id, next field/value pairs.
const rotateRecordScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local revoked = redis.call("HGET", KEYS[1], "revoked_at")
if revoked and revoked ~= "" then
  return 0
end
if redis.call("EXISTS", KEYS[2]) == 1 or redis.call("EXISTS", KEYS[3]) == 1 or redis.call("EXISTS", KEYS[4]) == 1 then
  return -2
end
redis.call("HSET", KEYS[1], "revoked_at", ARGV[1], "replaced_by", ARGV[2])
redis.call("SET", KEYS[5], ARGV[3])
redis.call("HSET", KEYS[2], unpack(ARGV, 5))
redis.call("SET", KEYS[3], ARGV[4])
redis.call("SET", KEYS[4], ARGV[4])
return 1
`

var (
	createRecordLua = redis.NewScript(createRecordScript)
	revokeRecordLua = redis.NewScript(revokeRecordScript)
	rotateRecordLua = redis.NewScript(rotateRecordScript)
)

// RedisStore keeps each record in a hash plus string index keys for the
// token hash, the jti and the predecessor link. Every write is a single Lua
// script so the conditional checks and the writes are atomic.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore returns a store namespacing its keys under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sk"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) recordKey(id string) string { return s.prefix + ":rt:" + id }
func (s *RedisStore) hashKey(hash string) string { return s.prefix + ":rt:hash:" + hash }
func (s *RedisStore) jtiKey(jti string) string { return s.prefix + ":rt:jti:" + jti }
func (s *RedisStore) predKey(jti string) string { return s.prefix + ":rt:pred:" + jti }

func redisUnavailable(err error) error {
	return fmt.Errorf("%w: redis error: %w", common.ErrUnavailable, err)
}

func (s *RedisStore) Create(ctx context.Context, rec *models.RefreshRecord) error {
	args := append([]any{rec.ID}, encodeRecord(rec)...)
	res, err := createRecordLua.Run(ctx, s.redis,
		[]string{s.recordKey(rec.ID), s.hashKey(rec.TokenHash), s.jtiKey(rec.JTI)}, args...).Int64()
	if err != nil {
		return redisUnavailable(err)
	}
	if res == scriptConflict {
		return common.ErrConflict
	}
	return nil
}

func (s *RedisStore) FindByHashAndJTI(ctx context.Context, hash, jti string) (*models.RefreshRecord, error) {
	rec, err := s.findByIndex(ctx, s.hashKey(hash))
	if err != nil {
		return nil, err
	}
	if rec.JTI != jti {
		return nil, common.ErrorNotFound
	}
	return rec, nil
}

func (s *RedisStore) FindByHash(ctx context.Context, hash string) (*models.RefreshRecord, error) {
	return s.findByIndex(ctx, s.hashKey(hash))
}

func (s *RedisStore) FindByJTI(ctx context.Context, jti string) (*models.RefreshRecord, error) {
	return s.findByIndex(ctx, s.jtiKey(jti))
}

func (s *RedisStore) FindPredecessor(ctx context.Context, jti string) (*models.RefreshRecord, error) {
	return s.findByIndex(ctx, s.predKey(jti))
}

func (s *RedisStore) findByIndex(ctx context.Context, indexKey string) (*models.RefreshRecord, error) {
	id, err := s.redis.Get(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, common.ErrorNotFound
		}
		return nil, redisUnavailable(err)
	}
	fields, err := s.redis.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, redisUnavailable(err)
	}
	if len(fields) == 0 {
		return nil, common.ErrorNotFound
	}
	return decodeRecord(fields)
}

func (s *RedisStore) Revoke(ctx context.Context, id, successorJTI string, at time.Time) (bool, error) {
	res, err := revokeRecordLua.Run(ctx, s.redis,
		[]string{s.recordKey(id), s.predKey(successorJTI)},
		formatTime(at), successorJTI, id).Int64()
	if err != nil {
		return false, redisUnavailable(err)
	}
	return res == scriptApplied, nil
}

func (s *RedisStore) Rotate(ctx context.Context, currentID string, at time.Time, next *models.RefreshRecord) error {
	args := append([]any{formatTime(at), next.JTI, currentID, next.ID}, encodeRecord(next)...)
	res, err := rotateRecordLua.Run(ctx, s.redis,
		[]string{
			s.recordKey(currentID),
			s.recordKey(next.ID),
			s.hashKey(next.TokenHash),
			s.jtiKey(next.JTI),
			s.predKey(next.JTI),
		}, args...).Int64()
	if err != nil {
		return redisUnavailable(err)
	}

	switch res {
	case scriptApplied:
		return nil
	case scriptRevoked:
		return common.ErrAlreadyRevoked
	case scriptMissing:
		return common.ErrorNotFound
	case scriptConflict:
		return common.ErrConflict
	}
	return redisUnavailable(fmt.Errorf("unexpected rotate result %d", res))
}

func encodeRecord(r *models.RefreshRecord) []any {
	revokedAt := ""
	if r.RevokedAt != nil {
		revokedAt = formatTime(*r.RevokedAt)
	}
	return []any{
		"id", r.ID,
		"principal_id", r.PrincipalID,
		"token_hash", r.TokenHash,
		"jti", r.JTI,
		"issued_at", formatTime(r.IssuedAt),
		"expires_at", formatTime(r.ExpiresAt),
		"revoked_at", revokedAt,
		"replaced_by", r.ReplacedBy,
		"ip", r.Client.IP,
		"user_agent", r.Client.UserAgent,
	}
}

func decodeRecord(f map[string]string) (*models.RefreshRecord, error) {
	rec := &models.RefreshRecord{
		ID:          f["id"],
		PrincipalID: f["principal_id"],
		TokenHash:   f["token_hash"],
		JTI:         f["jti"],
		ReplacedBy:  f["replaced_by"],
		Client:      models.ClientContext{IP: f["ip"], UserAgent: f["user_agent"]},
	}

	var err error
	if rec.IssuedAt, err = parseTime(f["issued_at"]); err != nil {
		return nil, redisUnavailable(err)
	}
	if rec.ExpiresAt, err = parseTime(f["expires_at"]); err != nil {
		return nil, redisUnavailable(err)
	}
	if v := f["revoked_at"]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, redisUnavailable(err)
		}
		rec.RevokedAt = &t
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
