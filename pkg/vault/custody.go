package vault

import (
	"fmt"

	"github.com/swapforge/core/pkg/merkle"
)

// CustodySnapshot is a signed-in-journal attestation that the vault held
// exactly this set of holdings at a point in time. It's the Merkle analogue
// of a receipt: the journal chains snapshots, and any holding's presence in
// one can be proven independently of trusting the snapshot wholesale.
type CustodySnapshot struct {
	VaultID string                 `json:"vault_id"`
	Root    string                 `json:"merkle_root"`
	tree    *merkle.MerkleTree
}

// BuildCustodySnapshot Merkle-commits the vault's current holdings, keyed
// by holding ID, and appends the snapshot to the named journal so its root
// is itself chained and tamper-evident.
func (v *Vault) BuildCustodySnapshot(journalName string) (CustodySnapshot, error) {
	holdings := v.List()
	data := make(map[string]interface{}, len(holdings))
	for _, h := range holdings {
		data[h.HoldingID] = h
	}

	tree, err := merkle.BuildMerkleTree(data)
	if err != nil {
		return CustodySnapshot{}, fmt.Errorf("vault: build custody tree: %w", err)
	}

	snap := CustodySnapshot{VaultID: v.vaultID, Root: tree.Root, tree: tree}
	if _, err := v.s.Journal(journalName).Append(v.vaultID, snap.Public()); err != nil {
		return CustodySnapshot{}, fmt.Errorf("vault: journal custody snapshot: %w", err)
	}
	return snap, nil
}

// Public strips the unexported tree, leaving the value journal.Append and
// JSON persistence can actually encode.
func (c CustodySnapshot) Public() struct {
	VaultID string `json:"vault_id"`
	Root    string `json:"merkle_root"`
} {
	return struct {
		VaultID string `json:"vault_id"`
		Root    string `json:"merkle_root"`
	}{VaultID: c.VaultID, Root: c.Root}
}

// ProveHolding returns an inclusion proof that holdingID was part of the
// snapshot's committed set.
func (c CustodySnapshot) ProveHolding(holdingID string) (merkle.InclusionProof, error) {
	if c.tree == nil {
		return merkle.InclusionProof{}, fmt.Errorf("vault: snapshot has no in-memory tree to prove against")
	}
	return merkle.GenerateProof(c.tree, holdingID)
}

// VerifyHoldingProof checks proof against expectedRoot, independent of any
// live Vault or CustodySnapshot — the verifier only needs the proof and the
// root it trusts (e.g. from an export's attestation chain).
func VerifyHoldingProof(proof merkle.InclusionProof, expectedRoot string) bool {
	return merkle.VerifyInclusionProof(proof, expectedRoot)
}
