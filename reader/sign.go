package reader

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// HMACHex signs payload with HMAC-SHA256 and hex-encodes the digest.
func HMACHex(secret, payload string) string {
	return hex.EncodeToString(hmacSHA256(secret, payload))
}

// HMACBase64 signs payload with HMAC-SHA256 and base64-encodes the digest.
func HMACBase64(secret, payload string) string {
	return base64.StdEncoding.EncodeToString(hmacSHA256(secret, payload))
}

func hmacSHA256(secret, payload string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
