// Package idempotency implements the replay registry from §4.6: a
// (operation, idempotency_key, actor_fingerprint) scope key bound to the
// hash of the request payload that first used it.
package idempotency

import (
	"fmt"
	"sync"
	"time"

	"github.com/swapforge/core/pkg/canonicalize"
	"github.com/swapforge/core/pkg/errs"
	"github.com/swapforge/core/pkg/model"
)

// ScopeKey builds the registry key per §4.6: "<operation>|<idempotency_key>|<actor_fingerprint>".
func ScopeKey(operation, idempotencyKey, actorFingerprint string) string {
	return operation + "|" + idempotencyKey + "|" + actorFingerprint
}

// Registry holds idempotency records. Per spec.md §9's open question, this
// registry is treated as unbounded — no eviction runs absent an explicit
// operator policy.
type Registry struct {
	mu      sync.RWMutex
	records map[string]model.IdempotencyRecord
	clock   func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{records: make(map[string]model.IdempotencyRecord), clock: time.Now}
}

// WithClock overrides the registry's time source, for deterministic tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Lookup result for a scope key against a candidate request payload.
type Lookup struct {
	Found    bool
	Replayed bool
	Record   model.IdempotencyRecord
}

// Check resolves a scope key against the hash of the caller's request
// payload. No record: proceed (Found=false). Matching hash: replay
// (Replayed=true, cached result). Mismatched hash: idempotency_conflict.
func (r *Registry) Check(scopeKey string, requestPayload interface{}) (Lookup, *errs.Error) {
	payloadHash, err := canonicalize.Hash(requestPayload)
	if err != nil {
		return Lookup{}, errs.New(errs.CodeValidation, "request payload is not canonicalizable")
	}

	r.mu.RLock()
	rec, ok := r.records[scopeKey]
	r.mu.RUnlock()

	if !ok {
		return Lookup{Found: false}, nil
	}
	if rec.PayloadHash != payloadHash {
		return Lookup{}, errs.New(errs.CodeIdempotencyConflict, "idempotency key reused with a different request payload")
	}
	return Lookup{Found: true, Replayed: true, Record: rec}, nil
}

// Commit stores the result of an operation that completed successfully
// enough to be observable. Only call Commit after the mutation the
// scope key protects has actually landed — a failed validation must never
// poison the key.
func (r *Registry) Commit(scopeKey string, requestPayload interface{}, resultEnvelope map[string]interface{}) error {
	payloadHash, err := canonicalize.Hash(requestPayload)
	if err != nil {
		return fmt.Errorf("idempotency: commit: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[scopeKey] = model.IdempotencyRecord{
		ScopeKey:       scopeKey,
		PayloadHash:    payloadHash,
		ResultEnvelope: resultEnvelope,
		CreatedAt:      r.clock(),
	}
	return nil
}

// Snapshot exports every record for persistence.
func (r *Registry) Snapshot() []model.IdempotencyRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.IdempotencyRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// Restore rebuilds the registry from a persisted snapshot, replacing any
// existing records.
func (r *Registry) Restore(records []model.IdempotencyRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]model.IdempotencyRecord, len(records))
	for _, rec := range records {
		r.records[rec.ScopeKey] = rec
	}
}
