// SPDX-License-Identifier: MIT

// Package hmac signs and verifies control protocol payloads with
// HMAC-SHA256. Signatures travel as lowercase hex strings.
package hmac

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// KeySize is the number of random bytes in a generated shared key.
const KeySize = 32

// GenerateKey returns a new random shared key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate hmac key: %w", err)
	}
	return key, nil
}

// Calculate returns the hex-encoded HMAC-SHA256 of msg under key.
func Calculate(msg, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate reports whether signature is the HMAC-SHA256 of msg under key.
// Comparison is constant time.
func Validate(msg, key []byte, signature string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return hmac.Equal(sig, mac.Sum(nil))
}
