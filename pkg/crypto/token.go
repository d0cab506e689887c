package crypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NewToken returns a random 32-byte hex token for admin API access.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// NewSalt returns a random 16-byte hex salt.
func NewSalt() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashToken is the stored form of an admin token: SHA-256 over salt+token.
func HashToken(token, salt string) string {
	sum := sha256.Sum256([]byte(salt + strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// VerifyToken compares a presented token against the stored salted hash
// in constant time.
func VerifyToken(token, salt, storedHash string) bool {
	expected := HashToken(token, salt)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(storedHash))))
}

// HMACSHA256Hex signs payload with secret, hex-encoded. Payment webhook
// verification compares this against the provider's signature header.
func HMACSHA256Hex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA256 checks a hex signature in constant time.
func VerifyHMACSHA256(secret, payload, signature string) bool {
	expected := HMACSHA256Hex(secret, payload)
	provided := strings.ToLower(strings.TrimSpace(signature))
	return hmac.Equal([]byte(expected), []byte(provided))
}

// MD5Hex is used by providers that sign "shopId:amount:secret:orderId".
func MD5Hex(payload string) string {
	sum := md5.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// SHA1Hex is used by providers with SHA-1 form signatures.
func SHA1Hex(payload string) string {
	sum := sha1.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}
