// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing and signing of swapforge values.
//
// Canonical bytes are the sole input to every hash and signature in the
// system: receipts, exports, attestation chains, checkpoints, delegation
// tokens. Two JSON-isomorphic values MUST canonicalize to identical bytes.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/gowebpki/jcs"
)

// Canonicalize marshals v to JSON and transforms it into RFC 8785 canonical
// form: object keys sorted lexicographically at every depth, no insignificant
// whitespace, UTF-8 throughout, integral numbers without a fractional form.
func Canonicalize(v interface{}) ([]byte, error) {
	if err := rejectNonFinite(v); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return canonical, nil
}

// String returns the canonical form as a string.
func String(v interface{}) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the lowercase hex SHA-256 digest of v's canonical form.
func Hash(v interface{}) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChainHash folds a new canonical entry into a running hash chain:
// h_i = H(canonical(entry_i) || h_{i-1}). prevHash is "" for the genesis link.
func ChainHash(entry interface{}, prevHash string) (string, error) {
	canonical, err := Canonicalize(entry)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	buf.Write(canonical)
	buf.WriteString(prevHash)
	return HashBytes(buf.Bytes()), nil
}

// rejectNonFinite walks v and rejects NaN/Inf float values, which RFC 8785
// cannot represent and which would make hashes unstable across platforms.
// Cyclic structures surface as json.Marshal's own "unsupported value" error,
// which Canonicalize wraps; map keys of a type json.Marshal cannot encode are
// rejected the same way. Integer map keys and keys implementing
// encoding.TextMarshaler are not rejected: json.Marshal writes them as strings.
func rejectNonFinite(v interface{}) error {
	switch t := v.(type) {
	case float32:
		return checkFloat(float64(t))
	case float64:
		return checkFloat(t)
	case map[string]interface{}:
		for k, val := range t {
			if err := rejectNonFinite(val); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
	case []interface{}:
		for i, val := range t {
			if err := rejectNonFinite(val); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
	}
	return nil
}

func checkFloat(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonicalize: non-finite number %v is not representable in canonical JSON", f)
	}
	return nil
}
