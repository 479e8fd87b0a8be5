// Package delegation implements signed bearer delegation tokens (§4.11):
// a DelegationGrant wrapped in a JWT/EdDSA envelope, with key rotation and
// introspection that survives rotation until the signing key is revoked.
package delegation

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/swapforge/core/pkg/crypto"
)

// KeySet manages the Ed25519 keys used to sign and verify delegation
// tokens, grounded on the same rotate/retire/revoke lifecycle as
// pkg/crypto.KeyRing but exposed as a jwt.Keyfunc for golang-jwt/v5.
type KeySet struct {
	mu        sync.RWMutex
	activeKID string
	keys      map[string]ed25519.PrivateKey
	status    map[string]crypto.KeyStatus
}

// NewKeySet returns an empty key set. Call GenerateKey to add the first key.
func NewKeySet() *KeySet {
	return &KeySet{
		keys:   make(map[string]ed25519.PrivateKey),
		status: make(map[string]crypto.KeyStatus),
	}
}

// GenerateKey adds keyID as a fresh active signing key.
func (ks *KeySet) GenerateKey(keyID string) error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("delegation: generate key: %w", err)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[keyID] = priv
	ks.status[keyID] = crypto.KeyActive
	ks.activeKID = keyID
	return nil
}

// Rotate adds newKeyID as the new active key and retires the previous one.
// Tokens already signed with the retired key remain verifiable.
func (ks *KeySet) Rotate(newKeyID string) error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("delegation: rotate: %w", err)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.activeKID != "" {
		ks.status[ks.activeKID] = crypto.KeyRetired
	}
	ks.keys[newKeyID] = priv
	ks.status[newKeyID] = crypto.KeyActive
	ks.activeKID = newKeyID
	return nil
}

// Revoke permanently invalidates keyID for verification.
func (ks *KeySet) Revoke(keyID string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, ok := ks.keys[keyID]; !ok {
		return fmt.Errorf("delegation: unknown key %q", keyID)
	}
	ks.status[keyID] = crypto.KeyRevoked
	return nil
}

// ActiveKeyID returns the current signing key ID.
func (ks *KeySet) ActiveKeyID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.activeKID
}

// sign produces a compact JWT for claims using the active key, stamping kid.
func (ks *KeySet) sign(claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid := ks.activeKID
	key, ok := ks.keys[kid]
	ks.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("delegation: no active signing key")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

// keyFuncError narrows why verification couldn't even begin, mirroring the
// introspection reasons in §4.11.
type keyFuncError struct {
	reason string
}

func (e *keyFuncError) Error() string { return e.reason }

// keyFunc resolves a token's declared kid to its public key for
// jwt.ParseWithClaims, rejecting revoked keys before signature checking.
func (ks *KeySet) keyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, &keyFuncError{reason: "bad_signature"}
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, &keyFuncError{reason: "unknown_key_id"}
		}
		ks.mu.RLock()
		defer ks.mu.RUnlock()
		priv, exists := ks.keys[kid]
		if !exists {
			return nil, &keyFuncError{reason: "unknown_key_id"}
		}
		if ks.status[kid] == crypto.KeyRevoked {
			return nil, &keyFuncError{reason: "revoked"}
		}
		return priv.Public(), nil
	}
}
