package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// Signer produces the hex MAC that binds a nonce to a thought.
type Signer interface {
	Compute(nonce, thought string) string
}

// HMACAuthenticator signs and verifies nonce/thought pairs with HMAC-SHA256.
type HMACAuthenticator struct {
	secret []byte
}

func NewHMAC(secret []byte) (*HMACAuthenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("hmac secret is required")
	}
	return &HMACAuthenticator{secret: append([]byte(nil), secret...)}, nil
}

// CanonicalString is the exact byte string covered by the MAC.
func CanonicalString(nonce, thought string) string {
	return nonce + "|" + thought
}

// Compute returns the lowercase hex HMAC-SHA256 of CanonicalString(nonce, thought).
func (a *HMACAuthenticator) Compute(nonce, thought string) string {
	mac := hmac.New(sha256.New, a.secret)
	_, _ = mac.Write([]byte(CanonicalString(nonce, thought)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the MAC and compares it to expectedHex in constant time.
// The comparison covers every byte of equal-length inputs; only a length
// mismatch short-circuits.
func (a *HMACAuthenticator) Verify(expectedHex, nonce, thought string) bool {
	want := a.Compute(nonce, thought)
	return subtle.ConstantTimeCompare([]byte(want), []byte(expectedHex)) == 1
}
