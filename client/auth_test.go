package client

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func testToken(t *testing.T, claims gojwt.MapClaims) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test secret"))
	assert.Equal(t, err, nil)
	return signed
}

func TestTokenExpiration(t *testing.T) {
	now := time.Now()
	expiration := now.Add(time.Hour).Truncate(time.Second)

	token := testToken(t, gojwt.MapClaims{
		"sub": "user",
		"exp": expiration.Unix(),
	})

	parsed, err := TokenExpiration(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed.Unix(), expiration.Unix())

	assert.Equal(t, TokenExpired(token, now), false)
	assert.Equal(t, TokenExpired(token, expiration.Add(time.Second)), true)
}

func TestTokenWithoutExpiration(t *testing.T) {
	token := testToken(t, gojwt.MapClaims{
		"sub": "user",
	})
	assert.Equal(t, TokenExpired(token, time.Now()), false)
}

func TestTokenUnparseable(t *testing.T) {
	// the server decides what to do with a token the client cannot read

	assert.Equal(t, TokenExpired("not a jwt", time.Now()), false)
}
