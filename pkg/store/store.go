// Package store owns all process state: the in-memory tree of intents,
// proposals, timelines, receipts, vault holdings, delegations, journals
// and export checkpoints, plus its durable persistence. Per §5, there is a
// single logical writer: every mutation takes the store's lock, so callers
// never need their own locking.
package store

import (
	"sync"
	"time"

	"github.com/swapforge/core/pkg/idempotency"
	"github.com/swapforge/core/pkg/journal"
	"github.com/swapforge/core/pkg/model"
)

// Store is the canonical state tree. Components hold a *Store and call its
// mutation methods; nothing outside this package touches the maps
// directly, matching §3's "Store exclusively owns all state".
type Store struct {
	mu sync.Mutex

	intents       map[string]model.SwapIntent
	proposals     map[string]model.CycleProposal
	commits       map[string]model.Commit
	timelines     map[string]model.Timeline
	receipts      map[string]model.Receipt
	holdings      map[string]model.VaultHolding
	delegations   map[string]model.DelegationGrant
	tenancyCycles map[string]string // cycle_id -> partner_id
	tenancyProposals map[string]string // proposal_id -> partner_id

	idempotency *idempotency.Registry

	journals map[string]*journal.Journal // e.g. "receipts", "events", "policy_audit"

	checkpoints map[string]model.ExportCheckpoint // export kind -> last saved checkpoint

	clock func() time.Time
}

// New returns an empty store with the standard journal set pre-created.
func New() *Store {
	s := &Store{
		intents:          make(map[string]model.SwapIntent),
		proposals:        make(map[string]model.CycleProposal),
		commits:          make(map[string]model.Commit),
		timelines:        make(map[string]model.Timeline),
		receipts:         make(map[string]model.Receipt),
		holdings:         make(map[string]model.VaultHolding),
		delegations:      make(map[string]model.DelegationGrant),
		tenancyCycles:    make(map[string]string),
		tenancyProposals: make(map[string]string),
		idempotency:      idempotency.New(),
		journals:         make(map[string]*journal.Journal),
		checkpoints:      make(map[string]model.ExportCheckpoint),
		clock:            time.Now,
	}
	for _, name := range []string{"receipts", "events", "policy_audit", "vault_custody_snapshots"} {
		s.journals[name] = journal.New(name)
	}
	return s
}

// WithClock overrides the store's time source for deterministic tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Idempotency exposes the registry for C13 to consult; callers must not
// bypass the store's lock when committing alongside a mutation (see
// CommitIdempotent).
func (s *Store) Idempotency() *idempotency.Registry { return s.idempotency }

// Journal returns the named journal, creating it on first use.
func (s *Store) Journal(name string) *journal.Journal {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.journals[name]
	if !ok {
		j = journal.New(name)
		s.journals[name] = j
	}
	return j
}

// lock/unlock are exported via With to let components run a multi-step
// mutation (e.g. settlement transition + receipt + outbox append) under a
// single critical section, matching §5's "either every write in a step
// lands or none does" (best-effort: panics during With still release the
// lock but leave prior writes in place, since there's no multi-version
// rollback in this in-memory tree).
func (s *Store) With(fn func(tx *Tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&Tx{s: s})
}

// Now returns the store's clock. Exposed so components under a Tx don't
// need their own time source.
func (s *Store) Now() time.Time { return s.clock() }
