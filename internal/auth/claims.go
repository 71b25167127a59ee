package auth

import "time"

// IdentityClaims exposes the validated claim data downstream services rely on.
// AuthTime is the instant the subject authenticated at the identity provider,
// which is what the session freshness policy is measured against.
type IdentityClaims struct {
	Subject  string
	Email    string
	Picture  string
	AuthTime time.Time
	Expiry   time.Time
	TokenID  string
}
