package store

import (
	"github.com/swapforge/core/pkg/errs"
	"github.com/swapforge/core/pkg/journal"
	"github.com/swapforge/core/pkg/model"
)

// Tx is the mutation handle passed into Store.With. Every method assumes
// the store's lock is already held; Tx must never escape the With closure.
type Tx struct {
	s *Store
}

// --- intents ---

func (tx *Tx) PutIntent(in model.SwapIntent) {
	tx.s.intents[in.ID] = in
}

func (tx *Tx) GetIntent(id string) (model.SwapIntent, bool) {
	in, ok := tx.s.intents[id]
	return in, ok
}

func (tx *Tx) ListIntentsByActor(actor model.ActorRef) []model.SwapIntent {
	var out []model.SwapIntent
	for _, in := range tx.s.intents {
		if in.Actor.Equal(actor) {
			out = append(out, in)
		}
	}
	return out
}

func (tx *Tx) ListActiveIntents() []model.SwapIntent {
	var out []model.SwapIntent
	for _, in := range tx.s.intents {
		if in.Status == model.IntentActive {
			out = append(out, in)
		}
	}
	return out
}

// --- proposals ---

func (tx *Tx) PutProposal(p model.CycleProposal) {
	tx.s.proposals[p.ID] = p
	if p.PartnerID != "" {
		tx.s.tenancyProposals[p.ID] = p.PartnerID
	}
}

func (tx *Tx) GetProposal(id string) (model.CycleProposal, bool) {
	p, ok := tx.s.proposals[id]
	return p, ok
}

func (tx *Tx) ProposalPartnerID(id string) string {
	return tx.s.tenancyProposals[id]
}

// --- commits ---

func (tx *Tx) PutCommit(c model.Commit) {
	tx.s.commits[c.ID] = c
}

func (tx *Tx) CommitsForProposal(proposalID string) []model.Commit {
	var out []model.Commit
	for _, c := range tx.s.commits {
		if c.ProposalID == proposalID {
			out = append(out, c)
		}
	}
	return out
}

// --- timelines ---

func (tx *Tx) PutTimeline(t model.Timeline) {
	tx.s.timelines[t.CycleID] = t
	if partnerID := tx.s.tenancyProposals[t.ProposalID]; partnerID != "" {
		tx.s.tenancyCycles[t.CycleID] = partnerID
	}
}

func (tx *Tx) GetTimeline(cycleID string) (model.Timeline, bool) {
	t, ok := tx.s.timelines[cycleID]
	return t, ok
}

func (tx *Tx) CyclePartnerID(cycleID string) string {
	return tx.s.tenancyCycles[cycleID]
}

// --- receipts ---

func (tx *Tx) PutReceipt(r model.Receipt) {
	tx.s.receipts[r.CycleID] = r
}

func (tx *Tx) GetReceipt(cycleID string) (model.Receipt, bool) {
	r, ok := tx.s.receipts[cycleID]
	return r, ok
}

// --- vault holdings ---

func (tx *Tx) PutHolding(h model.VaultHolding) {
	tx.s.holdings[h.HoldingID] = h
}

func (tx *Tx) GetHolding(id string) (model.VaultHolding, bool) {
	h, ok := tx.s.holdings[id]
	return h, ok
}

func (tx *Tx) ListHoldings() []model.VaultHolding {
	out := make([]model.VaultHolding, 0, len(tx.s.holdings))
	for _, h := range tx.s.holdings {
		out = append(out, h)
	}
	return out
}

// --- delegations ---

func (tx *Tx) PutDelegation(g model.DelegationGrant) {
	tx.s.delegations[g.DelegationID] = g
}

func (tx *Tx) GetDelegation(id string) (model.DelegationGrant, bool) {
	g, ok := tx.s.delegations[id]
	return g, ok
}

// --- checkpoints ---

func (tx *Tx) PutCheckpoint(kind string, cp model.ExportCheckpoint) {
	tx.s.checkpoints[kind] = cp
}

func (tx *Tx) GetCheckpoint(kind string) (model.ExportCheckpoint, bool) {
	cp, ok := tx.s.checkpoints[kind]
	return cp, ok
}

// Journal returns the named journal without re-acquiring the store's lock
// (the caller is already inside one, via With) — Store.Journal cannot be
// called here, since sync.Mutex is not reentrant.
func (tx *Tx) Journal(name string) *journal.Journal {
	j, ok := tx.s.journals[name]
	if !ok {
		j = journal.New(name)
		tx.s.journals[name] = j
	}
	return j
}

// CommitIdempotent records the outcome of an idempotent operation under the
// same critical section as the rest of the mutation, so a crash between the
// state write and the idempotency commit cannot happen.
func (tx *Tx) CommitIdempotent(scopeKey string, requestPayload interface{}, resultEnvelope map[string]interface{}) error {
	return tx.s.idempotency.Commit(scopeKey, requestPayload, resultEnvelope)
}

// CheckIdempotent mirrors Registry.Check but runs inside the same lock as
// any subsequent mutation, closing the check-then-act race described in
// §5 ("no two concurrent callers may both observe no-record for the same
// scope key and then both proceed").
func (tx *Tx) CheckIdempotent(scopeKey string, requestPayload interface{}) (found, replayed bool, record model.IdempotencyRecord, cerr *errs.Error) {
	lookup, err := tx.s.idempotency.Check(scopeKey, requestPayload)
	if err != nil {
		return false, false, model.IdempotencyRecord{}, err
	}
	return lookup.Found, lookup.Replayed, lookup.Record, nil
}
