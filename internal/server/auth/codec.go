// Package auth signs and verifies the access and refresh credentials handed
// to clients. Verification here is purely cryptographic; it never consults
// the record store.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/models"
	"github.com/dmitrijs2005/sessionkeeper/internal/timex"
	"github.com/golang-jwt/jwt/v5"
)

// Role tells access and refresh credentials apart. It is carried in the
// audience claim so a refresh credential can never pass as an access one.
type Role string

const (
	RoleAccess  Role = "access"
	RoleRefresh Role = "refresh"
)

const tokenIDBytes = 16

// Claims are the signed contents of both credential kinds. Access
// credentials carry Email; refresh credentials carry the JTI in ID.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// CodecConfig configures a Codec.
type CodecConfig struct {
	AccessKey  []byte
	RefreshKey []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
	Clock      timex.Clock
}

// Codec issues and verifies HS256 credentials with two independent keys.
type Codec struct {
	accessKey  []byte
	refreshKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	clock      timex.Clock
}

// NewCodec validates cfg and returns a ready Codec.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if len(cfg.AccessKey) == 0 || len(cfg.RefreshKey) == 0 {
		return nil, errors.New("codec: signing keys must not be empty")
	}
	if subtle.ConstantTimeCompare(cfg.AccessKey, cfg.RefreshKey) == 1 {
		return nil, errors.New("codec: access and refresh keys must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("codec: ttl must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = timex.SystemClock{}
	}
	return &Codec{
		accessKey:  cfg.AccessKey,
		refreshKey: cfg.RefreshKey,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		issuer:     cfg.Issuer,
		clock:      cfg.Clock,
	}, nil
}

// RefreshTTL is the lifetime given to new refresh credentials and records.
func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

// IssueAccess signs a short-lived access credential for p.
func (c *Codec) IssueAccess(p *models.Principal) (string, error) {
	now := c.clock.Now()
	claims := Claims{
		RegisteredClaims: c.registered(p.ID, RoleAccess, now, c.accessTTL),
		Email:            p.Email,
	}
	return c.sign(claims, c.accessKey)
}

// IssueRefresh signs a refresh credential for p carrying jti. The returned
// expiry is the one embedded in the token.
func (c *Codec) IssueRefresh(p *models.Principal, jti string) (string, time.Time, error) {
	now := c.clock.Now()
	claims := Claims{RegisteredClaims: c.registered(p.ID, RoleRefresh, now, c.refreshTTL)}
	claims.ID = jti

	raw, err := c.sign(claims, c.refreshKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return raw, claims.ExpiresAt.Time, nil
}

func (c *Codec) registered(sub string, role Role, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    c.issuer,
		Audience:  jwt.ClaimStrings{string(role)},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (c *Codec) sign(claims Claims, key []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return raw, nil
}

// Verify checks signature, algorithm, audience, issuer and expiry of raw
// for the given role. Expired credentials yield common.ErrTokenExpired,
// every other failure common.ErrInvalidToken.
func (c *Codec) Verify(raw string, role Role) (*Claims, error) {
	var key []byte
	switch role {
	case RoleAccess:
		key = c.accessKey
	case RoleRefresh:
		key = c.refreshKey
	default:
		return nil, fmt.Errorf("%w: unknown role %q", common.ErrInvalidToken, role)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(string(role)),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.clock.Now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}

	claims := &Claims{}
	token, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", common.ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, common.ErrInvalidToken
	}
	if role == RoleRefresh && claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", common.ErrInvalidToken)
	}
	return claims, nil
}

// Fingerprint returns the SHA-256 hex digest stored in place of the raw
// refresh credential.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NewTokenID mints a 128-bit random hex identifier.
func NewTokenID() (string, error) {
	return common.MakeRandHexString(tokenIDBytes)
}

// Equal compares two secrets-derived strings in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
