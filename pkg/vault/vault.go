// Package vault implements §4.4's custody ledger: deposit, reserve,
// release, and withdraw a holding, each state transition guarded by the
// invariants settlement depends on (no double reservation, no release of
// an unreserved holding, no cross-owner operations).
package vault

import (
	"fmt"
	"time"

	"github.com/swapforge/core/pkg/errs"
	"github.com/swapforge/core/pkg/model"
	"github.com/swapforge/core/pkg/store"
)

// Vault is a thin, stateless façade over the store's holdings map — every
// method runs its mutation inside a single store.Tx so callers never race
// each other on the same holding.
type Vault struct {
	vaultID string
	s       *store.Store
	clock   func() time.Time
	newID   func() string
}

// New builds a Vault backed by s. newID generates holding IDs; tests pass a
// deterministic sequence.
func New(vaultID string, s *store.Store, newID func() string) *Vault {
	return &Vault{vaultID: vaultID, s: s, clock: time.Now, newID: newID}
}

// WithClock overrides the vault's time source for deterministic tests.
func (v *Vault) WithClock(clock func() time.Time) *Vault {
	v.clock = clock
	return v
}

// Deposit records a new holding in the deposited state.
func (v *Vault) Deposit(owner model.ActorRef, assetID string) (model.VaultHolding, *errs.Error) {
	var h model.VaultHolding
	v.s.With(func(tx *store.Tx) {
		h = v.DepositTx(tx, owner, assetID)
	})
	return h, nil
}

// DepositTx is Deposit's body without its own store.With, for callers that
// already hold the store's lock (e.g. a service façade folding the deposit
// into the same critical section as an idempotency check).
func (v *Vault) DepositTx(tx *store.Tx, owner model.ActorRef, assetID string) model.VaultHolding {
	h := model.VaultHolding{
		HoldingID:  v.newID(),
		VaultID:    v.vaultID,
		OwnerActor: owner,
		AssetID:    assetID,
		Status:     model.HoldingDeposited,
		CreatedAt:  v.clock(),
	}
	tx.PutHolding(h)
	return h
}

// Reserve moves a deposited holding to reserved for cycleID under
// reservationID. Fails conflict/already_reserved if the holding is already
// reserved, and forbidden/owner_mismatch if requestedBy does not own it.
func (v *Vault) Reserve(holdingID, reservationID, cycleID string, requestedBy model.ActorRef) (model.VaultHolding, *errs.Error) {
	var out model.VaultHolding
	var cerr *errs.Error
	v.s.With(func(tx *store.Tx) {
		h, ok := tx.GetHolding(holdingID)
		if !ok {
			cerr = errs.New(errs.CodeNotFound, fmt.Sprintf("holding %q not found", holdingID))
			return
		}
		if !h.OwnerActor.Equal(requestedBy) {
			cerr = errs.Newf(errs.CodeForbidden, "holding is owned by a different actor", "owner_mismatch")
			return
		}
		if h.Status == model.HoldingReserved {
			cerr = errs.Newf(errs.CodeConflict, "holding is already reserved", "already_reserved")
			return
		}
		if h.Status != model.HoldingDeposited {
			cerr = errs.Newf(errs.CodeInvalidStateTransition, "holding is not in a reservable state", "invalid_holding_state")
			return
		}
		h.Status = model.HoldingReserved
		h.ReservationID = reservationID
		h.SettlementCycleID = cycleID
		tx.PutHolding(h)
		out = h
	})
	return out, cerr
}

// Release returns a reserved holding to deposited, clearing its
// reservation. Fails conflict/not_reserved if the holding isn't reserved.
func (v *Vault) Release(holdingID string) (model.VaultHolding, *errs.Error) {
	var out model.VaultHolding
	var cerr *errs.Error
	v.s.With(func(tx *store.Tx) {
		h, ok := tx.GetHolding(holdingID)
		if !ok {
			cerr = errs.New(errs.CodeNotFound, fmt.Sprintf("holding %q not found", holdingID))
			return
		}
		if h.Status != model.HoldingReserved {
			cerr = errs.Newf(errs.CodeConflict, "holding is not currently reserved", "not_reserved")
			return
		}
		h.Status = model.HoldingDeposited
		h.ReservationID = ""
		h.SettlementCycleID = ""
		tx.PutHolding(h)
		out = h
	})
	return out, cerr
}

// Withdraw consumes a reserved holding at settlement completion, marking it
// withdrawn. Terminal: a withdrawn holding can never transition again.
func (v *Vault) Withdraw(holdingID string) (model.VaultHolding, *errs.Error) {
	var out model.VaultHolding
	var cerr *errs.Error
	v.s.With(func(tx *store.Tx) {
		h, ok := tx.GetHolding(holdingID)
		if !ok {
			cerr = errs.New(errs.CodeNotFound, fmt.Sprintf("holding %q not found", holdingID))
			return
		}
		if h.Status == model.HoldingWithdrawn {
			cerr = errs.Newf(errs.CodeInvalidStateTransition, "holding has already been withdrawn", "already_withdrawn")
			return
		}
		if h.Status != model.HoldingReserved {
			cerr = errs.Newf(errs.CodeInvalidStateTransition, "holding must be reserved before it can be withdrawn", "not_reserved")
			return
		}
		now := v.clock()
		h.Status = model.HoldingWithdrawn
		h.WithdrawnAt = &now
		tx.PutHolding(h)
		out = h
	})
	return out, cerr
}

// Get returns the holding by ID.
func (v *Vault) Get(holdingID string) (model.VaultHolding, bool) {
	var h model.VaultHolding
	var ok bool
	v.s.With(func(tx *store.Tx) {
		h, ok = tx.GetHolding(holdingID)
	})
	return h, ok
}

// List returns every holding currently tracked by the vault.
func (v *Vault) List() []model.VaultHolding {
	var out []model.VaultHolding
	v.s.With(func(tx *store.Tx) {
		out = tx.ListHoldings()
	})
	return out
}
