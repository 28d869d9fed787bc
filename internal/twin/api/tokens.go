package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/wondertwin-ai/phoneverify/internal/twin/store"
)

const tokenIssuer = "phoneverify-sandbox"

var errTokenDevice = errors.New("token was issued to another device")

// tokenClaims are the claims of a session token. Subject is the device id.
type tokenClaims struct {
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates HS256 session tokens bound to an app and
// a device. Token lifetimes follow the sandbox clock.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewTokenIssuer creates an issuer keyed by secret.
func NewTokenIssuer(secret string, ttl time.Duration, now func() time.Time) *TokenIssuer {
	return &TokenIssuer{key: []byte("token:" + secret), ttl: ttl, now: now}
}

// Issue creates a token for deviceID of appID.
func (i *TokenIssuer) Issue(appID, deviceID string) (store.Token, string, error) {
	now := i.now()
	rec := store.Token{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
	}
	claims := tokenClaims{jwt.RegisteredClaims{
		ID:        rec.ID,
		Issuer:    tokenIssuer,
		Subject:   deviceID,
		Audience:  jwt.ClaimStrings{appID},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(rec.ExpiresAt),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return store.Token{}, "", fmt.Errorf("sign token: %w", err)
	}
	return rec, signed, nil
}

// Parse validates raw for appID and deviceID and returns its token id.
func (i *TokenIssuer) Parse(raw, appID, deviceID string) (string, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(appID),
		jwt.WithExpirationRequired(),
	)
	var claims tokenClaims
	if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return i.key, nil
	}); err != nil {
		return "", err
	}
	if claims.Subject != deviceID {
		return "", errTokenDevice
	}
	return claims.ID, nil
}
