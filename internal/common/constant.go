// Package common contains shared constants and sentinel errors used across
// sessionkeeper components.
package common

const (
	// AccessTokenHeaderName is the gRPC metadata key and HTTP cookie name
	// used to carry the access token.
	AccessTokenHeaderName = "access_token"

	// RefreshTokenCookieName is the HTTP cookie carrying the raw refresh
	// credential.
	RefreshTokenCookieName = "refresh_token"

	// UserAgentHeaderName is the gRPC metadata key read for audit context.
	UserAgentHeaderName = "user-agent"
)
