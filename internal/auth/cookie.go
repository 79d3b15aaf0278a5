package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const CookieName = "chat_token"

func cookieMAC(value, secret string) []byte {
	h, err := blake2b.New256([]byte(secret))
	if err != nil {
		// key longer than 64 bytes; fold it down first
		sum := blake2b.Sum256([]byte(secret))
		h, _ = blake2b.New256(sum[:])
	}
	h.Write([]byte(value))
	return h.Sum(nil)
}

// SignCookie returns "<value>.<base64url mac>".
func SignCookie(value, secret string) string {
	return value + "." + base64.RawURLEncoding.EncodeToString(cookieMAC(value, secret))
}

// VerifyCookie returns the embedded value when the MAC matches.
func VerifyCookie(signed, secret string) (string, bool) {
	i := strings.LastIndexByte(signed, '.')
	if i <= 0 || i == len(signed)-1 {
		return "", false
	}
	value, sig := signed[:i], signed[i+1:]
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", false
	}
	if subtle.ConstantTimeCompare(got, cookieMAC(value, secret)) != 1 {
		return "", false
	}
	return value, true
}
