// Package settlement drives §4.3's state machine: initial → escrow.pending
// → escrow.ready → executing → completed|failed|expired. Every transition
// runs under the store's single writer lock, and the terminal states are
// final — nothing ever leaves completed, failed, or expired.
package settlement

import (
	"fmt"
	"time"

	"github.com/swapforge/core/pkg/crypto"
	"github.com/swapforge/core/pkg/errs"
	"github.com/swapforge/core/pkg/model"
	"github.com/swapforge/core/pkg/outbox"
	"github.com/swapforge/core/pkg/store"
	"github.com/swapforge/core/pkg/vault"
)

// Engine drives timelines forward. One Engine serves every cycle; there is
// no per-cycle goroutine or timer — Expire is invoked by a caller (a
// scheduler, or a request handler noticing a stale deadline) rather than
// firing on its own, keeping all control flow synchronous and testable.
type Engine struct {
	s     *store.Store
	v     *vault.Vault
	keys  *crypto.KeyRing
	events *outbox.Outbox
	clock func() time.Time
	newID func() string
}

// New builds a settlement Engine. newID mints receipt IDs; events publishes
// the signed envelopes this engine's transitions emit.
func New(s *store.Store, v *vault.Vault, keys *crypto.KeyRing, events *outbox.Outbox, newID func() string) *Engine {
	return &Engine{s: s, v: v, keys: keys, events: events, clock: time.Now, newID: newID}
}

// WithClock overrides the engine's time source for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Begin creates a Timeline in escrow.pending for an accepted proposal, one
// leg per participant transfer, each starting pending.
func (e *Engine) Begin(proposal model.CycleProposal, depositDeadline time.Time) (model.Timeline, *errs.Error) {
	legs := make([]model.TimelineLeg, len(proposal.Legs))
	for i, l := range proposal.Legs {
		legs[i] = model.TimelineLeg{FromActor: l.FromActor, IntentID: l.IntentID, Status: model.LegPending}
	}
	tl := model.Timeline{
		CycleID:           proposal.ID,
		ProposalID:        proposal.ID,
		State:             model.StateEscrowPending,
		Legs:              legs,
		DepositDeadlineAt: &depositDeadline,
		UpdatedAt:         e.clock(),
	}
	var cerr *errs.Error
	e.s.With(func(tx *store.Tx) {
		if _, ok := tx.GetTimeline(tl.CycleID); ok {
			cerr = errs.New(errs.CodeConflict, fmt.Sprintf("settlement %q already started", tl.CycleID))
			return
		}
		tx.PutTimeline(tl)
		e.appendEvent(tx, "settlement.started", tl.CycleID, tl)
	})
	if cerr != nil {
		return model.Timeline{}, cerr
	}
	return tl, nil
}

// ConfirmDeposit records a leg's deposit. Replaying the same depositRef for
// an already-deposited leg is a no-op success (idempotent by design, not
// merely by the idempotency registry, since deposit confirmations can
// legitimately arrive twice from an upstream at-least-once notifier).
//
// A new deposit reserves the leg's holding under a cycle-owned reservation
// before the leg is marked deposited, per §3's "holdings reserved for a
// cycle reference a reservation owned by a single timeline" invariant — the
// reservation runs outside the store's lock (Vault.Reserve opens its own),
// mirroring the two-phase pattern Execute uses around vault.Withdraw.
func (e *Engine) ConfirmDeposit(cycleID, intentID, holdingID, depositRef string) (model.Timeline, *errs.Error) {
	var tl model.Timeline
	var leg model.TimelineLeg
	var needReserve bool
	var cerr *errs.Error
	e.s.With(func(tx *store.Tx) {
		var ok bool
		tl, ok = tx.GetTimeline(cycleID)
		if !ok {
			cerr = errs.New(errs.CodeNotFound, fmt.Sprintf("settlement %q not found", cycleID))
			return
		}
		if tl.State.IsTerminal() {
			cerr = errs.Newf(errs.CodeInvalidStateTransition, "settlement has already reached a terminal state", "settlement_terminal")
			return
		}
		if tl.State != model.StateEscrowPending {
			cerr = errs.Newf(errs.CodeInvalidStateTransition, "settlement is not accepting deposits", "not_escrow_pending")
			return
		}
		l := tl.LegByIntent(intentID)
		if l == nil {
			cerr = errs.New(errs.CodeNotFound, fmt.Sprintf("intent %q is not part of settlement %q", intentID, cycleID))
			return
		}
		if l.Status == model.LegDeposited {
			if l.DepositRef != depositRef {
				cerr = errs.New(errs.CodeIdempotencyConflict, "deposit_ref does not match the leg's recorded deposit")
			}
			return // replay, or rejected above: either way no further mutation
		}
		leg = *l
		needReserve = true
	})
	if cerr != nil {
		return model.Timeline{}, cerr
	}
	if !needReserve {
		return tl, nil
	}

	reservationID := cycleID + ":" + intentID
	holding, verr := e.v.Reserve(holdingID, reservationID, cycleID, leg.FromActor)
	if verr != nil {
		return model.Timeline{}, verr
	}

	e.s.With(func(tx *store.Tx) {
		tl, _ = tx.GetTimeline(cycleID)
		l := tl.LegByIntent(intentID)
		l.Status = model.LegDeposited
		l.VaultHoldingID = holding.HoldingID
		l.VaultReservationID = holding.ReservationID
		l.DepositRef = depositRef
		tl.UpdatedAt = e.clock()
		tx.PutTimeline(tl)
		e.appendEvent(tx, "settlement.deposit_confirmed", cycleID, map[string]interface{}{
			"cycle_id":  cycleID,
			"intent_id": intentID,
		})

		if allDeposited(tl) {
			tl.State = model.StateEscrowReady
			tl.UpdatedAt = e.clock()
			tx.PutTimeline(tl)
			e.appendEvent(tx, "settlement.escrow_ready", cycleID, tl)
		}
	})
	return tl, nil
}

func allDeposited(tl model.Timeline) bool {
	for _, l := range tl.Legs {
		if l.Status != model.LegDeposited {
			return false
		}
	}
	return true
}

// Execute moves a ready settlement through executing to completed: each
// leg's vault holding is withdrawn, and a signed terminal receipt is
// journaled last, after every leg's state has actually landed (§8's
// event-outbox ordering: state change, then deposit confirmations, then the
// terminal receipt).
func (e *Engine) Execute(cycleID string) (model.Receipt, *errs.Error) {
	var tl model.Timeline
	var ok bool
	var cerr *errs.Error
	e.s.With(func(tx *store.Tx) {
		tl, ok = tx.GetTimeline(cycleID)
		if !ok {
			cerr = errs.New(errs.CodeNotFound, fmt.Sprintf("settlement %q not found", cycleID))
			return
		}
		if tl.State != model.StateEscrowReady {
			cerr = errs.Newf(errs.CodeInvalidStateTransition, "settlement is not ready to execute", "not_escrow_ready")
			return
		}
		tl.State = model.StateExecuting
		tl.UpdatedAt = e.clock()
		tx.PutTimeline(tl)
		e.appendEvent(tx, "settlement.executing", cycleID, tl)
	})
	if cerr != nil {
		return model.Receipt{}, cerr
	}

	intentIDs := make([]string, 0, len(tl.Legs))
	assetIDs := make([]string, 0, len(tl.Legs))
	for _, leg := range tl.Legs {
		if leg.VaultHoldingID == "" {
			return e.failExecution(cycleID, "missing_vault_holding")
		}
		h, wcerr := e.v.Withdraw(leg.VaultHoldingID)
		if wcerr != nil {
			return e.failExecution(cycleID, "vault_withdraw_failed")
		}
		intentIDs = append(intentIDs, leg.IntentID)
		assetIDs = append(assetIDs, h.AssetID)
	}

	receipt := model.Receipt{
		ID:         e.newID(),
		CycleID:    cycleID,
		FinalState: model.ReceiptCompleted,
		IntentIDs:  intentIDs,
		AssetIDs:   assetIDs,
		CreatedAt:  e.clock(),
	}
	sig, err := e.keys.Sign(receipt.SignablePayload())
	if err != nil {
		return model.Receipt{}, errs.New(errs.CodeInternal, fmt.Sprintf("sign receipt: %v", err))
	}
	receipt.Signature = sig

	e.s.With(func(tx *store.Tx) {
		tl, _ = tx.GetTimeline(cycleID)
		for i := range tl.Legs {
			tl.Legs[i].Status = model.LegReleased
		}
		tl.State = model.StateCompleted
		tl.UpdatedAt = e.clock()
		tx.PutTimeline(tl)
		tx.PutReceipt(receipt)

		// §3: an intent moves to consumed on terminal completion of the
		// cycle that settled it.
		now := e.clock()
		for _, leg := range tl.Legs {
			in, ok := tx.GetIntent(leg.IntentID)
			if !ok {
				continue
			}
			in.Status = model.IntentConsumed
			in.UpdatedAt = now
			tx.PutIntent(in)
		}
	})
	if _, err := e.s.Journal("receipts").Append(receipt.ID, receipt); err != nil {
		return model.Receipt{}, errs.New(errs.CodeInternal, fmt.Sprintf("journal receipt: %v", err))
	}
	e.s.With(func(tx *store.Tx) {
		e.appendEvent(tx, "settlement.completed", cycleID, receipt)
	})
	return receipt, nil
}

// Expire fails a settlement still in escrow.pending past its deposit
// deadline, releasing any holdings legs had already deposited.
func (e *Engine) Expire(cycleID string, now time.Time) (model.Timeline, *errs.Error) {
	var tl model.Timeline
	var ok bool
	var cerr *errs.Error
	e.s.With(func(tx *store.Tx) {
		tl, ok = tx.GetTimeline(cycleID)
		if !ok {
			cerr = errs.New(errs.CodeNotFound, fmt.Sprintf("settlement %q not found", cycleID))
			return
		}
		if tl.State.IsTerminal() {
			cerr = errs.Newf(errs.CodeInvalidStateTransition, "settlement has already reached a terminal state", "settlement_terminal")
			return
		}
		if tl.State != model.StateEscrowPending {
			cerr = errs.Newf(errs.CodeInvalidStateTransition, "settlement is not awaiting deposits", "not_escrow_pending")
			return
		}
		if tl.DepositDeadlineAt == nil || now.Before(*tl.DepositDeadlineAt) {
			cerr = errs.Newf(errs.CodeInvalidStateTransition, "deposit deadline has not yet passed", "deadline_not_reached")
			return
		}
	})
	if cerr != nil {
		return model.Timeline{}, cerr
	}

	for _, leg := range tl.Legs {
		if leg.Status == model.LegDeposited && leg.VaultHoldingID != "" {
			_, _ = e.v.Release(leg.VaultHoldingID)
		}
	}

	var receipt model.Receipt
	e.s.With(func(tx *store.Tx) {
		tl, _ = tx.GetTimeline(cycleID)
		tl.State = model.StateExpired
		tl.UpdatedAt = now
		tx.PutTimeline(tl)

		receipt = model.Receipt{
			ID:         e.newID(),
			CycleID:    cycleID,
			FinalState: model.ReceiptFailed,
			ReasonCode: "deposit_window_expired",
			CreatedAt:  now,
		}
		sig, err := e.keys.Sign(receipt.SignablePayload())
		if err == nil {
			receipt.Signature = sig
		}
		tx.PutReceipt(receipt)
		e.appendEvent(tx, "settlement.expired", cycleID, tl)
	})
	_, _ = e.s.Journal("receipts").Append(receipt.ID, receipt)
	return tl, nil
}

// Fail forces an in-flight settlement to failed, releasing deposited
// holdings, for cases the caller detects outside the normal deposit flow
// (e.g. an upstream custodian reporting a reversal).
func (e *Engine) Fail(cycleID, reasonCode string) *errs.Error {
	_, cerr := e.fail(cycleID, reasonCode)
	return cerr
}

// fail transitions cycleID to failed and returns the receipt it wrote. cerr
// is non-nil only when the settlement could not be failed at all (not
// found, or already terminal) — a successful forced failure still reports
// nil here, since the caller asked for exactly this outcome. Execute's own
// withdrawal-failure branches go through failExecution instead, which turns
// a successful forced failure into a real error for its caller.
func (e *Engine) fail(cycleID, reasonCode string) (model.Receipt, *errs.Error) {
	var tl model.Timeline
	var ok bool
	var cerr *errs.Error
	e.s.With(func(tx *store.Tx) {
		tl, ok = tx.GetTimeline(cycleID)
		if !ok {
			cerr = errs.New(errs.CodeNotFound, fmt.Sprintf("settlement %q not found", cycleID))
			return
		}
		if tl.State.IsTerminal() {
			cerr = errs.Newf(errs.CodeInvalidStateTransition, "settlement has already reached a terminal state", "settlement_terminal")
		}
	})
	if cerr != nil {
		return model.Receipt{}, cerr
	}

	for _, leg := range tl.Legs {
		if leg.Status == model.LegDeposited && leg.VaultHoldingID != "" {
			_, _ = e.v.Release(leg.VaultHoldingID)
		}
	}

	now := e.clock()
	var receipt model.Receipt
	e.s.With(func(tx *store.Tx) {
		tl, _ = tx.GetTimeline(cycleID)
		tl.State = model.StateFailed
		tl.UpdatedAt = now
		tx.PutTimeline(tl)

		receipt = model.Receipt{
			ID:         e.newID(),
			CycleID:    cycleID,
			FinalState: model.ReceiptFailed,
			ReasonCode: reasonCode,
			CreatedAt:  now,
		}
		sig, err := e.keys.Sign(receipt.SignablePayload())
		if err == nil {
			receipt.Signature = sig
		}
		tx.PutReceipt(receipt)
		e.appendEvent(tx, "settlement.failed", cycleID, tl)
	})
	_, _ = e.s.Journal("receipts").Append(receipt.ID, receipt)
	return receipt, nil
}

// failExecution fails cycleID and reports the failure itself as an error,
// with the failed receipt attached as a detail — used by Execute, where a
// withdrawal failure must reach the caller as a real error (§7: "every
// failure returns the error envelope with a stable code"), not a
// zero-value receipt alongside a nil error.
func (e *Engine) failExecution(cycleID, reasonCode string) (model.Receipt, *errs.Error) {
	receipt, cerr := e.fail(cycleID, reasonCode)
	if cerr != nil {
		return model.Receipt{}, cerr
	}
	return model.Receipt{}, errs.Newf(errs.CodeInvalidStateTransition, "settlement execution failed: "+reasonCode, reasonCode).WithDetail("receipt", receipt)
}

var systemActor = model.ActorRef{Type: model.ActorService, ID: "settlement-engine"}

func (e *Engine) appendEvent(tx *store.Tx, eventType, correlationID string, payload interface{}) {
	_, _ = e.events.Publish(tx, eventType, correlationID, systemActor, payload)
}
