package client

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// TokenExpiration reads the expiry claim of an auth token without
// verifying the signature. Verification is the server's job; the client
// only wants to warn before transmitting a token the server is certain to
// reject.
func TokenExpiration(token string) (time.Time, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return time.Time{}, err
	}
	expiration, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if expiration == nil {
		return time.Time{}, nil
	}
	return expiration.Time, nil
}

// TokenExpired is false for tokens without an expiry claim and for
// tokens that cannot be parsed at all (the server decides those).
func TokenExpired(token string, now time.Time) bool {
	expiration, err := TokenExpiration(token)
	if err != nil {
		return false
	}
	if expiration.IsZero() {
		return false
	}
	return expiration.Before(now)
}
