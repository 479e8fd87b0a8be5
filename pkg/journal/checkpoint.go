package journal

import (
	"fmt"
	"time"

	"github.com/swapforge/core/pkg/canonicalize"
	"github.com/swapforge/core/pkg/model"
)

// Attestation is the block an export embeds describing the journal range
// it covered.
type Attestation struct {
	AttestationAfter string `json:"attestation_after,omitempty"`
	ChainHash        string `json:"chain_hash"`
}

// BuildAttestation computes the attestation block for a page of entries
// read starting after attestationAfter: chain_hash is the journal's head
// hash once those entries land (h_end_inclusive).
func BuildAttestation(attestationAfter string, entries []Entry) Attestation {
	a := Attestation{AttestationAfter: attestationAfter}
	if len(entries) > 0 {
		a.ChainHash = entries[len(entries)-1].Hash
	} else {
		a.ChainHash = attestationAfter
	}
	return a
}

// NewCheckpoint builds a checkpoint row for a just-completed export page.
// checkpointHash covers every other field, so it must be computed last.
func NewCheckpoint(checkpointAfter, nextCursor, attestationChainHash string, queryContext map[string]interface{}, now time.Time) (model.ExportCheckpoint, error) {
	cp := model.ExportCheckpoint{
		CheckpointAfter:      checkpointAfter,
		NextCursor:           nextCursor,
		AttestationChainHash: attestationChainHash,
		QueryContext:         queryContext,
		ExportedAt:           now,
	}
	hash, err := canonicalize.Hash(cp)
	if err != nil {
		return model.ExportCheckpoint{}, fmt.Errorf("journal: checkpoint hash: %w", err)
	}
	cp.CheckpointHash = hash
	return cp, nil
}

// VerifyContinuity checks that a caller-supplied resume triple matches a
// previously saved checkpoint exactly. Per §4.9 step 2: if any of the
// three *_after values are supplied, all three must match the saved row.
func VerifyContinuity(saved model.ExportCheckpoint, cursorAfter, attestationAfter, checkpointAfter string) bool {
	if cursorAfter == "" && attestationAfter == "" && checkpointAfter == "" {
		return true // fresh export, no resume requested
	}
	return saved.NextCursor == cursorAfter &&
		saved.AttestationChainHash == attestationAfter &&
		saved.CheckpointHash == checkpointAfter
}
