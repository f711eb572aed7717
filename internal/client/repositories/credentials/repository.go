// Package credentials stores the client's session credentials in the local
// SQLite cache as key/value rows.
package credentials

import "context"

// Keys used by the client.
const (
	KeyEmail        = "email"
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyExpiresAt    = "refresh_expires_at"
)

// Repository reads and writes cached credentials. Get returns
// common.ErrorNotFound for a missing key.
type Repository interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
	Clear(ctx context.Context) error
}
