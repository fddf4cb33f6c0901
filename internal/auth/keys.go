// Package auth guards the MCP control endpoint with static API keys.
// Keys are configured through the environment and kept in memory only as
// SHA-256 hashes.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
)

const (
	// APIKeyPrefix marks a string as a placeholder-sync API key.
	APIKeyPrefix = "ps_"

	// APIKeyMinLen requires at least 128 bits of hex after the prefix.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

type apiKey struct {
	userID string
	hash   [sha256.Size]byte
}

// Keys holds the accepted API keys.
type Keys struct {
	mu   sync.RWMutex
	keys []apiKey
}

// NewKeys creates an empty key set. Nothing is accepted until Add is
// called.
func NewKeys() *Keys {
	return &Keys{}
}

// Add accepts key on behalf of userID.
func (k *Keys) Add(userID, key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.keys = append(k.keys, apiKey{userID: userID, hash: sha256.Sum256([]byte(key))})
}

// Len returns the number of accepted keys.
func (k *Keys) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return len(k.keys)
}

// Validate returns the user a key belongs to. Every stored hash is
// compared so the time taken does not depend on which key matched.
func (k *Keys) Validate(key string) (string, bool) {
	if key == "" {
		return "", false
	}

	sum := sha256.Sum256([]byte(key))

	k.mu.RLock()
	defer k.mu.RUnlock()

	var userID string

	for _, ak := range k.keys {
		if subtle.ConstantTimeCompare(sum[:], ak.hash[:]) == 1 {
			userID = ak.userID
		}
	}

	return userID, userID != ""
}

// GenerateAPIKey returns a fresh key in the accepted format.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(32)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
