// Package export implements §4.9: filter, verify checkpoint continuity,
// page the requested journal, compute its attestation and checkpoint
// blocks, sign the assembled payload, and persist the new checkpoint so the
// next export can resume exactly where this one left off.
package export

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/swapforge/core/pkg/canonicalize"
	"github.com/swapforge/core/pkg/crypto"
	"github.com/swapforge/core/pkg/errs"
	"github.com/swapforge/core/pkg/journal"
	"github.com/swapforge/core/pkg/model"
	"github.com/swapforge/core/pkg/store"
)

// Request describes one export call. The three *_after fields together
// form the resume cursor: all empty means "start fresh"; any non-empty
// means "resume", and they must all match the last saved checkpoint for
// this kind exactly. PartnerTenant and QueryContext scope which entries of
// the journal are actually returned — set server-side from the resolved
// caller's tenancy, never taken verbatim from an untrusted request body.
type Request struct {
	Kind             string
	Cursor           string
	AttestationAfter string
	CheckpointAfter  string
	PartnerTenant    string
	QueryContext     map[string]interface{}
	PageSize         int
}

// Payload is the signed, resumable export response.
type Payload struct {
	Kind          string                 `json:"kind"`
	ExportedAt    time.Time              `json:"exported_at"`
	Query         map[string]interface{} `json:"query"`
	Entries       []journal.Entry        `json:"entries"`
	TotalFiltered int                    `json:"total_filtered"`
	HasMore       bool                   `json:"has_more"`
	NextCursor    string                 `json:"next_cursor,omitempty"`
	Attestation   journal.Attestation    `json:"attestation"`
	Checkpoint    model.ExportCheckpoint `json:"checkpoint"`
	ExportHash    string                 `json:"export_hash"`
	Signature     model.Signature        `json:"signature"`
}

// SignablePayload returns p with its signature cleared, the value whose
// canonical form is the signing input. export_hash is itself covered by
// the signature, giving verifiers two independent checks.
func (p Payload) SignablePayload() Payload {
	p.Signature = model.Signature{}
	return p
}

// HashablePayload returns p with both its export_hash and signature
// cleared, the value whose canonical form export_hash commits to.
func (p Payload) HashablePayload() Payload {
	p.ExportHash = ""
	p.Signature = model.Signature{}
	return p
}

// Exporter drives one or more named journals (e.g. "receipts", "events")
// through the export/checkpoint protocol.
type Exporter struct {
	s             *store.Store
	keys          *crypto.KeyRing
	clock         func() time.Time
	schemaVersion string
}

// New builds an Exporter signing with keys. schemaVersion defaults to
// "1.0.0"; override it with WithSchemaVersion to match config.PolicyConfig.
func New(s *store.Store, keys *crypto.KeyRing) *Exporter {
	return &Exporter{s: s, keys: keys, clock: time.Now, schemaVersion: "1.0.0"}
}

// WithClock overrides the exporter's time source for deterministic tests.
func (x *Exporter) WithClock(clock func() time.Time) *Exporter {
	x.clock = clock
	return x
}

// WithSchemaVersion sets the exporter's current schema version, stamped
// into every new checkpoint's query_context and checked against a resumed
// checkpoint's recorded version on every subsequent call.
func (x *Exporter) WithSchemaVersion(v string) *Exporter {
	x.schemaVersion = v
	return x
}

// checkpointSchemaCompatible reports whether a checkpoint written under
// recordedVersion can still be resumed by an exporter running current. A
// missing or unparseable recorded version is treated as compatible (old
// checkpoints predating this check); an incompatible major version is
// rejected, since the export wire format may have changed across majors.
func checkpointSchemaCompatible(recorded, current string) bool {
	if recorded == "" {
		return true
	}
	recV, err := semver.NewVersion(recorded)
	if err != nil {
		return true
	}
	curV, err := semver.NewVersion(current)
	if err != nil {
		return true
	}
	return recV.Major() == curV.Major()
}

// asFields projects v to a string-keyed map via its JSON encoding, so
// matchesQuery can filter on any journaled payload shape (struct or map)
// uniformly. A payload that doesn't round-trip through JSON as an object
// (e.g. a bare scalar) yields a nil map, which matches no field filter.
func asFields(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var fields map[string]interface{}
	_ = json.Unmarshal(raw, &fields)
	return fields
}

// matchesQuery reports whether entry satisfies tenancy scoping and the
// caller's query filter. partnerTenant, when non-empty, requires the
// entry's own payload to carry a matching partner_id or partner_tenant
// field — an entry with neither is excluded rather than passed through,
// since a partner-scoped export must never leak another tenant's records.
func matchesQuery(entry journal.Entry, partnerTenant string, query map[string]interface{}) bool {
	fields := asFields(entry.Payload)
	if partnerTenant != "" {
		if fmt.Sprint(fields["partner_id"]) != partnerTenant && fmt.Sprint(fields["partner_tenant"]) != partnerTenant {
			return false
		}
	}
	for k, want := range query {
		if fmt.Sprint(fields[k]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Export runs one export call for req.Kind: filter the journal by tenancy
// and query (§4.9 step 1), verify checkpoint continuity, page the filtered
// result, and assemble the signed payload.
func (x *Exporter) Export(req Request) (Payload, *errs.Error) {
	var saved model.ExportCheckpoint
	var hasSaved bool
	x.s.With(func(tx *store.Tx) {
		saved, hasSaved = tx.GetCheckpoint(req.Kind)
	})
	if !hasSaved {
		saved = model.ExportCheckpoint{}
	}
	if !journal.VerifyContinuity(saved, req.Cursor, req.AttestationAfter, req.CheckpointAfter) {
		return Payload{}, errs.New(errs.CodeInvalidCheckpoint, "export resume cursor does not match the last saved checkpoint")
	}
	if hasSaved {
		recorded, _ := saved.QueryContext["schema_version"].(string)
		if !checkpointSchemaCompatible(recorded, x.schemaVersion) {
			return Payload{}, errs.New(errs.CodeInvalidCheckpoint,
				fmt.Sprintf("checkpoint schema_version %q is incompatible with current %q", recorded, x.schemaVersion))
		}
	}

	raw, err := x.s.Journal(req.Kind).Since(req.AttestationAfter)
	if err != nil {
		return Payload{}, errs.New(errs.CodeInvalidCheckpoint, err.Error())
	}

	filtered := make([]journal.Entry, 0, len(raw))
	for _, e := range raw {
		if matchesQuery(e, req.PartnerTenant, req.QueryContext) {
			filtered = append(filtered, e)
		}
	}
	totalFiltered := len(filtered)

	entries := filtered
	truncated := false
	if req.PageSize > 0 && len(entries) > req.PageSize {
		entries = entries[:req.PageSize]
		truncated = true
	}

	attestation := journal.BuildAttestation(req.AttestationAfter, entries)

	// A partial or full page both resume from their own last entry, not the
	// journal head — the next call's attestation_after must be this cursor.
	// Entries keep their original raw hash even after filtering, so the
	// cursor remains a valid Since() position for the next call.
	nextCursor := req.AttestationAfter
	if len(entries) > 0 {
		nextCursor = entries[len(entries)-1].Hash
	}

	queryContext := make(map[string]interface{}, len(req.QueryContext)+1)
	for k, v := range req.QueryContext {
		queryContext[k] = v
	}
	queryContext["schema_version"] = x.schemaVersion

	cp, cpErr := journal.NewCheckpoint(nextCursor, nextCursor, attestation.ChainHash, queryContext, x.clock())
	if cpErr != nil {
		return Payload{}, errs.New(errs.CodeInternal, cpErr.Error())
	}

	payload := Payload{
		Kind:          req.Kind,
		ExportedAt:    x.clock(),
		Query:         req.QueryContext,
		Entries:       entries,
		TotalFiltered: totalFiltered,
		HasMore:       truncated,
		NextCursor:    nextCursor,
		Attestation:   attestation,
		Checkpoint:    cp,
	}

	hash, hashErr := canonicalize.Hash(payload.HashablePayload())
	if hashErr != nil {
		return Payload{}, errs.New(errs.CodeInternal, fmt.Sprintf("hash export payload: %v", hashErr))
	}
	payload.ExportHash = hash

	sig, signErr := x.keys.Sign(payload.SignablePayload())
	if signErr != nil {
		return Payload{}, errs.New(errs.CodeInternal, fmt.Sprintf("sign export payload: %v", signErr))
	}
	payload.Signature = sig

	x.s.With(func(tx *store.Tx) {
		tx.PutCheckpoint(req.Kind, cp)
	})
	return payload, nil
}

// Verify checks payload against the exporter's own keyset — the common
// case, where the verifier is the same process that signed exports, or a
// trusted peer sharing its public key ring. It confirms both that
// export_hash matches the payload's own content and that the signature
// covers that content, so tampering with either field independently fails.
func (x *Exporter) Verify(payload Payload) bool {
	expectedHash, err := canonicalize.Hash(payload.HashablePayload())
	if err != nil || expectedHash != payload.ExportHash {
		return false
	}
	return x.keys.Verify(payload.SignablePayload(), payload.Signature).OK
}

// VerifyWithPublicKey checks payload against a caller-supplied PEM public
// key, for a verifier with no access to the signer's live KeyRing (e.g. an
// auditor validating an archived export offline).
func VerifyWithPublicKey(payload Payload, publicKeyPEM, keyID string) (bool, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return false, fmt.Errorf("export: invalid PEM public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false, fmt.Errorf("export: parse public key: %w", err)
	}
	ed25519Pub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return false, fmt.Errorf("export: public key is not ed25519")
	}
	expectedHash, err := canonicalize.Hash(payload.HashablePayload())
	if err != nil || expectedHash != payload.ExportHash {
		return false, nil
	}
	ring := crypto.NewKeyRing()
	ring.AddPublicKey(keyID, ed25519Pub, crypto.KeyActive)
	return ring.Verify(payload.SignablePayload(), payload.Signature).OK, nil
}
