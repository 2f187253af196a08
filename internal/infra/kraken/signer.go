package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
)

// Signer handles Kraken private API authentication.
// Keys are stored as []byte so they can be wiped.
type Signer struct {
	apiKey []byte
	secret []byte // base64-decoded
}

// NewSigner creates a signer from the API key and the base64 secret as
// shown by Kraken.
func NewSigner(apiKey, secret string) (*Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("kraken: decode api secret: %w", err)
	}
	return &Signer{apiKey: []byte(apiKey), secret: raw}, nil
}

// Wipe clears the keys from memory.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	clear(s.apiKey)
	clear(s.secret)
}

// Sign computes API-Sign: HMAC-SHA512 of path + SHA256(nonce + body).
func (s *Signer) Sign(path, nonce, body string) string {
	sum := sha256.Sum256([]byte(nonce + body))

	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(path))
	mac.Write(sum[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Headers returns the authentication headers for one private call.
func (s *Signer) Headers(path, nonce, body string) map[string]string {
	return map[string]string{
		"API-Key":  string(s.apiKey),
		"API-Sign": s.Sign(path, nonce, body),
	}
}
