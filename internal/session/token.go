package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims holds the JWT claims carried by a gateway access token. The
// issuing service embeds the account, the active profile, and a device hash
// that identifies the client installation.
type TokenClaims struct {
	AccountID  int64  `json:"account_id"`
	ProfileID  int64  `json:"profile_id"`
	DeviceHash string `json:"device_hash"`
	jwt.RegisteredClaims
}

// NewToken creates a signed HS256 token for the given account and profile.
// Used by tests and tooling; production tokens come from the auth service.
func NewToken(accountID, profileID int64, deviceHash, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("JWT secret must not be empty")
	}

	now := time.Now()
	claims := TokenClaims{
		AccountID:  accountID,
		ProfileID:  profileID,
		DeviceHash: deviceHash,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// DecodeToken parses and validates a token string, enforcing the HMAC signing
// method. When xorKey is non-empty the raw value is treated as an obfuscated
// transport form: base64url-encoded bytes XORed with the repeating key. Parse
// failures map onto the package sentinels so callers can pick close codes
// without inspecting jwt internals.
func DecodeToken(raw, secret, xorKey string) (*TokenClaims, error) {
	if xorKey != "" {
		plain, err := Deobfuscate(raw, xorKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedToken, err)
		}
		raw = plain
	}

	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		default:
			return nil, fmt.Errorf("%w: %s", ErrMalformedToken, err)
		}
	}

	return claims, nil
}

// Obfuscate encodes token with the repeating XOR key and base64url. The
// inverse of Deobfuscate; used by tests and client tooling.
func Obfuscate(token, xorKey string) string {
	return base64.RawURLEncoding.EncodeToString(xorBytes([]byte(token), []byte(xorKey)))
}

// Deobfuscate reverses Obfuscate, recovering the plain JWT string.
func Deobfuscate(raw, xorKey string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("decode obfuscated token: %w", err)
	}
	return string(xorBytes(decoded, []byte(xorKey))), nil
}

func xorBytes(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}
