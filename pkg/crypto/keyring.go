// Package crypto provides Ed25519 signing and verification over canonical
// payloads, with a rotating key ring matching the key-set shape in §4.2:
// {active_key_id, keys: [{key_id, alg, status, public_key_pem, private_key_pem?}]}.
package crypto

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"

	"github.com/swapforge/core/pkg/canonicalize"
	"github.com/swapforge/core/pkg/model"
)

// KeyStatus is the lifecycle state of one key in a KeyRing.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRetired KeyStatus = "retired"
	KeyRevoked KeyStatus = "revoked"
)

// Alg identifies the signature algorithm. Only Ed25519 is implemented.
const AlgEd25519 = "ed25519"

// storedKey holds one key ring entry, private key optional (verification-only
// rings omit it).
type storedKey struct {
	keyID      string
	status     KeyStatus
	public     ed25519.PublicKey
	private    ed25519.PrivateKey // nil for verify-only keys
}

// KeyRing holds the process-wide signing key set. It is safe for concurrent
// use; rotation replaces the active key atomically under its lock.
type KeyRing struct {
	mu        sync.RWMutex
	activeID  string
	keys      map[string]*storedKey
	order     []string // insertion order, for deterministic PEM export
}

// NewKeyRing returns an empty ring. Callers add at least one key via
// GenerateKey or AddKey before Sign will succeed.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]*storedKey)}
}

// GenerateKey creates a fresh Ed25519 key pair, stores it under the
// caller-supplied keyID verbatim, and makes it the active key.
func (r *KeyRing) GenerateKey(keyID string) error {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("crypto: generate key: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[keyID] = &storedKey{keyID: keyID, status: KeyActive, public: pub, private: priv}
	r.order = append(r.order, keyID)
	r.activeID = keyID
	return nil
}

// Rotate adds a new active key and retires the previous active key (it
// remains valid for verification until explicitly revoked). Per §4.2 this
// is atomic: a concurrent Sign call observes either the old or new key,
// never a half-updated ring.
func (r *KeyRing) Rotate(newKeyID string) error {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("crypto: rotate: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.keys[r.activeID]; ok {
		prev.status = KeyRetired
	}
	r.keys[newKeyID] = &storedKey{keyID: newKeyID, status: KeyActive, public: pub, private: priv}
	r.order = append(r.order, newKeyID)
	r.activeID = newKeyID
	return nil
}

// Revoke marks a key permanently invalid for verification. Revocation never
// reverses.
func (r *KeyRing) Revoke(keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[keyID]
	if !ok {
		return fmt.Errorf("crypto: unknown key %q", keyID)
	}
	k.status = KeyRevoked
	return nil
}

// ActiveKeyID returns the currently active signing key ID.
func (r *KeyRing) ActiveKeyID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// AddPublicKey registers a verify-only key, e.g. one loaded from a peer's
// published PEM, under the given status.
func (r *KeyRing) AddPublicKey(keyID string, pub ed25519.PublicKey, status KeyStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[keyID] = &storedKey{keyID: keyID, status: status, public: pub}
	r.order = append(r.order, keyID)
}

// PublicKeyPEM returns the PKIX PEM encoding of a key's public half.
func (r *KeyRing) PublicKeyPEM(keyID string) (string, error) {
	r.mu.RLock()
	k, ok := r.keys[keyID]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("crypto: unknown key %q", keyID)
	}
	der, err := x509.MarshalPKIXPublicKey(k.public)
	if err != nil {
		return "", fmt.Errorf("crypto: marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// Sign canonicalizes payload (which must already have its Signature field
// cleared) and signs it with the active key, returning the Signature to
// embed back into the object.
func (r *KeyRing) Sign(payload interface{}) (model.Signature, error) {
	r.mu.RLock()
	activeID := r.activeID
	active, ok := r.keys[activeID]
	r.mu.RUnlock()
	if !ok {
		return model.Signature{}, fmt.Errorf("crypto: no active signing key")
	}
	if active.private == nil {
		return model.Signature{}, fmt.Errorf("crypto: active key %q has no private half", activeID)
	}
	data, err := canonicalize.Canonicalize(payload)
	if err != nil {
		return model.Signature{}, fmt.Errorf("crypto: sign: %w", err)
	}
	sig := ed25519.Sign(active.private, data)
	return model.Signature{KeyID: activeID, Alg: AlgEd25519, Sig: hexEncode(sig)}, nil
}

// VerifyResult narrows why a verification failed, matching §4.2's
// enumerated verification error set.
type VerifyResult struct {
	OK    bool
	Error string // "", missing_signature, unknown_key_id, key_revoked, bad_signature, payload_shape
}

const (
	VerifyMissingSignature = "missing_signature"
	VerifyUnknownKeyID     = "unknown_key_id"
	VerifyKeyRevoked       = "key_revoked"
	VerifyBadSignature     = "bad_signature"
	VerifyPayloadShape     = "payload_shape"
)

// Verify checks sig against payload (with Signature already cleared).
// Any non-revoked key matching sig.KeyID is accepted, including retired
// keys — rotation never invalidates signatures made before it.
func (r *KeyRing) Verify(payload interface{}, sig model.Signature) VerifyResult {
	if sig.KeyID == "" || sig.Sig == "" {
		return VerifyResult{OK: false, Error: VerifyMissingSignature}
	}
	r.mu.RLock()
	k, ok := r.keys[sig.KeyID]
	r.mu.RUnlock()
	if !ok {
		return VerifyResult{OK: false, Error: VerifyUnknownKeyID}
	}
	if k.status == KeyRevoked {
		return VerifyResult{OK: false, Error: VerifyKeyRevoked}
	}
	data, err := canonicalize.Canonicalize(payload)
	if err != nil {
		return VerifyResult{OK: false, Error: VerifyPayloadShape}
	}
	raw, err := hexDecode(sig.Sig)
	if err != nil {
		return VerifyResult{OK: false, Error: VerifyBadSignature}
	}
	if !ed25519.Verify(k.public, data, raw) {
		return VerifyResult{OK: false, Error: VerifyBadSignature}
	}
	return VerifyResult{OK: true}
}

// KeyStatusOf returns the current status of keyID, or an error if unknown.
func (r *KeyRing) KeyStatusOf(keyID string) (KeyStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[keyID]
	if !ok {
		return "", fmt.Errorf("crypto: unknown key %q", keyID)
	}
	return k.status, nil
}
