package models

import "time"

// ClientContext is audit metadata captured when a credential is issued.
type ClientContext struct {
	IP        string
	UserAgent string
}

// RefreshRecord is the server-side state of one refresh credential.
// Records are never deleted; once RevokedAt is set the record is immutable.
type RefreshRecord struct {
	ID          string
	PrincipalID string
	// TokenHash is the SHA-256 hex fingerprint of the raw credential.
	TokenHash string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
	// ReplacedBy holds the successor's JTI once the record was rotated.
	ReplacedBy string
	Client     ClientContext
}

func (r *RefreshRecord) IsRevoked() bool {
	return r.RevokedAt != nil
}

// IsExpired reports whether the record's lifetime ended at or before now.
func (r *RefreshRecord) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// IsLive reports whether the record can still be presented.
func (r *RefreshRecord) IsLive(now time.Time) bool {
	return !r.IsRevoked() && !r.IsExpired(now)
}

// TokenPair is what a successful login or rotation hands back to the caller.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	// RefreshExpiresAt lets transports size the refresh cookie.
	RefreshExpiresAt time.Time
	Principal        *Principal
}
