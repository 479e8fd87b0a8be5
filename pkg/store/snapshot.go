package store

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/swapforge/core/pkg/idempotency"
	"github.com/swapforge/core/pkg/journal"
	"github.com/swapforge/core/pkg/model"
)

// Snapshot is the full persisted state layout named in spec.md §6: every
// top-level key the process needs to reboot cold with no loss.
type Snapshot struct {
	SchemaVersion string `json:"schema_version"`

	Intents       map[string]model.SwapIntent      `json:"intents"`
	Proposals     map[string]model.CycleProposal   `json:"proposals"`
	Commits       map[string]model.Commit          `json:"commits"`
	Timelines     map[string]model.Timeline        `json:"timelines"`
	Receipts      map[string]model.Receipt         `json:"receipts"`
	VaultHoldings map[string]model.VaultHolding    `json:"vault_holdings"`
	Delegations   map[string]model.DelegationGrant `json:"delegations"`

	TenancyCycles    map[string]string `json:"tenancy_cycles"`
	TenancyProposals map[string]string `json:"tenancy_proposals"`

	Idempotency map[string]model.IdempotencyRecord `json:"idempotency"`

	Journals    map[string]journal.Snapshot        `json:"journals"`
	Checkpoints map[string]model.ExportCheckpoint  `json:"export_checkpoints"`
}

// ToSnapshot captures the current state tree for persistence.
func (s *Store) ToSnapshot(schemaVersion string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		SchemaVersion:    schemaVersion,
		Intents:          copyMap(s.intents),
		Proposals:        copyMap(s.proposals),
		Commits:          copyMap(s.commits),
		Timelines:        copyMap(s.timelines),
		Receipts:         copyMap(s.receipts),
		VaultHoldings:    copyMap(s.holdings),
		Delegations:      copyMap(s.delegations),
		TenancyCycles:    copyMap(s.tenancyCycles),
		TenancyProposals: copyMap(s.tenancyProposals),
		Idempotency:      make(map[string]model.IdempotencyRecord),
		Journals:         make(map[string]journal.Snapshot, len(s.journals)),
		Checkpoints:      copyMap(s.checkpoints),
	}
	for _, rec := range s.idempotency.Snapshot() {
		snap.Idempotency[rec.ScopeKey] = rec
	}
	for name, j := range s.journals {
		snap.Journals[name] = j.ToSnapshot()
	}
	return snap
}

// LoadSnapshot replaces the store's state tree with snap's contents.
func (s *Store) LoadSnapshot(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.intents = nonNil(snap.Intents)
	s.proposals = nonNil(snap.Proposals)
	s.commits = nonNil(snap.Commits)
	s.timelines = nonNil(snap.Timelines)
	s.receipts = nonNil(snap.Receipts)
	s.holdings = nonNil(snap.VaultHoldings)
	s.delegations = nonNil(snap.Delegations)
	s.tenancyCycles = nonNil(snap.TenancyCycles)
	s.tenancyProposals = nonNil(snap.TenancyProposals)
	s.checkpoints = nonNil(snap.Checkpoints)

	records := make([]model.IdempotencyRecord, 0, len(snap.Idempotency))
	for _, rec := range snap.Idempotency {
		records = append(records, rec)
	}
	if s.idempotency == nil {
		s.idempotency = idempotency.New()
	}
	s.idempotency.Restore(records)

	s.journals = make(map[string]*journal.Journal, len(snap.Journals))
	for name, js := range snap.Journals {
		s.journals[name] = journal.FromSnapshot(js)
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func nonNil[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return make(map[K]V)
	}
	return m
}

// Save persists the store's current state to path. Snapshotting is atomic:
// the encoded snapshot is written to a sibling temp file and renamed into
// place, so a crash mid-write can never leave a torn file at path. The
// teacher's JSON cache store wrote its file in place with a single
// os.WriteFile; that pattern does not give this guarantee, so this is a
// stdlib-idiom rebuild (os.CreateTemp + os.Rename) rather than an adaptation
// of that file — see DESIGN.md's C3 entry.
func (s *Store) Save(path, schemaVersion, encryptionKeyB64 string) error {
	snap := s.ToSnapshot(schemaVersion)
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	if encryptionKeyB64 != "" {
		data, err = encryptSnapshot(data, encryptionKeyB64)
		if err != nil {
			return fmt.Errorf("store: encrypt snapshot: %w", err)
		}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("store: rename snapshot into place: %w", err)
	}
	return nil
}

// LoadFromFile reads and replaces the store's state from path. A missing
// file is not an error: it means this is a cold first boot.
func (s *Store) LoadFromFile(path, encryptionKeyB64 string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: read snapshot: %w", err)
	}

	if encryptionKeyB64 != "" {
		data, err = decryptSnapshot(data, encryptionKeyB64)
		if err != nil {
			return fmt.Errorf("store: decrypt snapshot: %w", err)
		}
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("store: unmarshal snapshot: %w", err)
	}
	s.LoadSnapshot(snap)
	return nil
}

const nonceSize = 24

// encryptSnapshot seals data under key (base64, 32 bytes) with a random
// nonce prefixed to the ciphertext, per the nacl/secretbox convention.
func encryptSnapshot(data []byte, keyB64 string) ([]byte, error) {
	key, err := decodeKey(keyB64)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], data, &nonce, &key)
	return out, nil
}

func decryptSnapshot(data []byte, keyB64 string) ([]byte, error) {
	key, err := decodeKey(keyB64)
	if err != nil {
		return nil, err
	}
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	out, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("decryption failed: wrong key or tampered snapshot")
	}
	return out, nil
}

func decodeKey(keyB64 string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return key, fmt.Errorf("decode state encryption key: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("state encryption key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// RemoteURI reports whether path names a remote snapshot sink (gs:// or
// s3://) rather than a local file path.
func RemoteURI(path string) (scheme string, isRemote bool) {
	switch {
	case strings.HasPrefix(path, "gs://"):
		return "gs", true
	case strings.HasPrefix(path, "s3://"):
		return "s3", true
	default:
		return "", false
	}
}

