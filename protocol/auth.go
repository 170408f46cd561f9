package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	passwordIterations = 10000
	passwordKeyLen     = 64
	nonceLen           = 64
)

// PasswordHash derives the shared secret for login. Server and client compute it
// independently; the password itself never crosses the wire.
func PasswordHash(login, password string) string {
	salt := []byte(strings.ToLower(login))
	key := pbkdf2.Key([]byte(password), salt, passwordIterations, passwordKeyLen, sha512.New)
	return hex.EncodeToString(key)
}

// NewNonce returns a fresh random challenge.
func NewNonce() (string, error) {
	b := make([]byte, nonceLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Digest computes the keyed hash of nonce under passwordHash.
func Digest(passwordHash, nonce string) []byte {
	mac := hmac.New(sha256.New, []byte(passwordHash))
	mac.Write([]byte(nonce))
	return mac.Sum(nil)
}

// EncodeDigest returns the wire form of Digest.
func EncodeDigest(passwordHash, nonce string) string {
	return base64.StdEncoding.EncodeToString(Digest(passwordHash, nonce))
}

// VerifyDigest checks answer against the expected digest in constant time.
func VerifyDigest(passwordHash, nonce, answer string) bool {
	got, err := base64.StdEncoding.DecodeString(answer)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Digest(passwordHash, nonce))
}
