package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// TokenHasher derives salted HMAC-SHA256 digests so enrollment tokens are
// never stored in the clear.
type TokenHasher struct {
	salt []byte
}

func NewTokenHasher(salt []byte) TokenHasher {
	return TokenHasher{salt: append([]byte(nil), salt...)}
}

func (h TokenHasher) HashString(token string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
