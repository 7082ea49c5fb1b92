package signup

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenLifetime is used for the auth cookie when the token carries
// no readable expiry.
const DefaultTokenLifetime = 24 * time.Hour

// TokenExpiry reads the exp claim without verifying the signature. The
// backend owns token validity; the expiry only sizes the auth cookie.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// CookieExpiry returns when the auth cookie for token should expire.
func CookieExpiry(token string, now time.Time) time.Time {
	if exp, ok := TokenExpiry(token); ok && exp.After(now) {
		return exp
	}
	return now.Add(DefaultTokenLifetime)
}
