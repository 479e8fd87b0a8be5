package service

import (
	"fmt"
	"time"

	"github.com/swapforge/core/pkg/authz"
	"github.com/swapforge/core/pkg/crypto"
	"github.com/swapforge/core/pkg/errs"
	"github.com/swapforge/core/pkg/export"
	"github.com/swapforge/core/pkg/merkle"
	"github.com/swapforge/core/pkg/model"
	"github.com/swapforge/core/pkg/outbox"
	"github.com/swapforge/core/pkg/store"
	"github.com/swapforge/core/pkg/vault"
)

var opSeq int

// newID mints a simple sequential ID for operation-created resources
// (commits) that the domain packages don't already mint IDs for.
func (s *Service) newID(prefix string) string {
	opSeq++
	return fmt.Sprintf("%s-%d", prefix, opSeq)
}

// VaultDepositRequest is the body of the "vault.deposit" operation.
type VaultDepositRequest struct {
	OwnerType string
	OwnerID   string
	AssetID   string
}

// VaultDeposit deposits one asset into custody on behalf of req.OwnerID.
func (s *Service) VaultDeposit(raw authz.RawRequest, idempotencyKey string, req VaultDepositRequest) Envelope {
	ac, cerr := s.resolveAndGate(raw, "vault.deposit", "vault:deposit")
	if cerr != nil {
		return fail(cerr)
	}

	payload := map[string]interface{}{"owner_type": req.OwnerType, "owner_id": req.OwnerID, "asset_id": req.AssetID}
	owner := model.ActorRef{Type: model.ActorType(req.OwnerType), ID: req.OwnerID}

	result, replayed, cerr := s.withIdempotentTx("vault.deposit", ac, idempotencyKey, payload, func(tx *store.Tx) (map[string]interface{}, *errs.Error) {
		holding := s.vault.DepositTx(tx, owner, req.AssetID)
		return map[string]interface{}{"holding": holding}, nil
	})
	if cerr != nil {
		return fail(cerr)
	}
	return ok(withReplayed(result, replayed))
}

// IntentCreateRequest is the body of "intent.create".
type IntentCreateRequest struct {
	OwnerType string
	OwnerID   string
	Offer     []model.AssetRef
	Want      []model.AssetRef
	ValueBand string
	PartnerID string
}

// IntentCreate publishes a new standing swap intent for req.OwnerID, active
// from creation until matched, cancelled, or consumed.
func (s *Service) IntentCreate(raw authz.RawRequest, idempotencyKey string, req IntentCreateRequest) Envelope {
	ac, cerr := s.resolveAndGate(raw, "intent.create", "intent:create")
	if cerr != nil {
		return fail(cerr)
	}

	owner := model.ActorRef{Type: model.ActorType(req.OwnerType), ID: req.OwnerID}
	payload := map[string]interface{}{"owner": owner, "offer": req.Offer, "want": req.Want, "value_band": req.ValueBand, "partner_id": req.PartnerID}

	result, replayed, cerr := s.withIdempotentTx("intent.create", ac, idempotencyKey, payload, func(tx *store.Tx) (map[string]interface{}, *errs.Error) {
		now := s.clock()
		in := model.SwapIntent{
			ID:        s.newID("intent"),
			Actor:     owner,
			Offer:     req.Offer,
			Want:      req.Want,
			ValueBand: req.ValueBand,
			Status:    model.IntentActive,
			PartnerID: req.PartnerID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		tx.PutIntent(in)
		return map[string]interface{}{"intent": in}, nil
	})
	if cerr != nil {
		return fail(cerr)
	}
	return ok(withReplayed(result, replayed))
}

// IntentCancelRequest is the body of "intent.cancel".
type IntentCancelRequest struct {
	IntentID string
}

// IntentCancel withdraws an active standing intent. Per §3 only the
// intent's own actor may cancel it; an already matched, cancelled, or
// consumed intent rejects the call rather than silently no-opping, since a
// matched intent is already committed to a cycle.
func (s *Service) IntentCancel(raw authz.RawRequest, idempotencyKey string, req IntentCancelRequest) Envelope {
	ac, cerr := s.resolveAndGate(raw, "intent.cancel", "intent:cancel")
	if cerr != nil {
		return fail(cerr)
	}

	payload := map[string]interface{}{"intent_id": req.IntentID}
	result, replayed, cerr := s.withIdempotentTx("intent.cancel", ac, idempotencyKey, payload, func(tx *store.Tx) (map[string]interface{}, *errs.Error) {
		in, ok := tx.GetIntent(req.IntentID)
		if !ok {
			return nil, errs.New(errs.CodeNotFound, fmt.Sprintf("intent %q not found", req.IntentID))
		}
		if aerr := authz.RequireActor(ac, in.Actor, "intent:cancel"); aerr != nil {
			return nil, aerr
		}
		if in.Status != model.IntentActive {
			return nil, errs.Newf(errs.CodeInvalidStateTransition, fmt.Sprintf("intent %q is not active", req.IntentID), "intent_not_active")
		}
		in.Status = model.IntentCancelled
		in.UpdatedAt = s.clock()
		tx.PutIntent(in)
		return map[string]interface{}{"intent": in}, nil
	})
	if cerr != nil {
		return fail(cerr)
	}
	return ok(withReplayed(result, replayed))
}

// CycleProposalsAcceptRequest is the body of "cycleProposals.accept".
type CycleProposalsAcceptRequest struct {
	Proposal model.CycleProposal
}

// CycleProposalsAccept records a partner's acceptance of a matcher-produced
// proposal as a Commit, gated by the tenancy check against the proposal's
// partner.
func (s *Service) CycleProposalsAccept(raw authz.RawRequest, idempotencyKey string, req CycleProposalsAcceptRequest) Envelope {
	ac, cerr := s.resolveAndGate(raw, "cycleProposals.accept", "cycleProposals:accept")
	if cerr != nil {
		return fail(cerr)
	}
	if cerr := s.resolver.RequireTenancy(ac, "cycle:"+req.Proposal.ID, req.Proposal.PartnerID); cerr != nil {
		return fail(cerr)
	}

	payload := map[string]interface{}{"proposal_id": req.Proposal.ID}
	result, replayed, cerr := s.withIdempotentTx("cycleProposals.accept", ac, idempotencyKey, payload, func(tx *store.Tx) (map[string]interface{}, *errs.Error) {
		// §3: every leg must refer to an intent owned by that leg's
		// from_actor and still active — accepting a cycle is what moves
		// each of those intents to matched.
		for _, leg := range req.Proposal.Legs {
			in, ok := tx.GetIntent(leg.IntentID)
			if !ok {
				return nil, errs.New(errs.CodeNotFound, fmt.Sprintf("intent %q not found", leg.IntentID))
			}
			if !in.Actor.Equal(leg.FromActor) {
				return nil, errs.New(errs.CodeValidation, fmt.Sprintf("intent %q is not owned by its leg's from_actor", leg.IntentID))
			}
			if in.Status != model.IntentActive {
				return nil, errs.Newf(errs.CodeInvalidStateTransition, fmt.Sprintf("intent %q is not active", leg.IntentID), "intent_not_active")
			}
		}

		commit := model.Commit{
			ID:            s.newID("commit"),
			ProposalID:    req.Proposal.ID,
			Phase:         model.CommitAccepted,
			AcceptorActor: ac.Actor,
			OccurredAt:    s.clock(),
		}
		tx.PutProposal(req.Proposal)
		tx.PutCommit(commit)

		now := s.clock()
		for _, leg := range req.Proposal.Legs {
			in, _ := tx.GetIntent(leg.IntentID)
			in.Status = model.IntentMatched
			in.UpdatedAt = now
			tx.PutIntent(in)
		}

		return map[string]interface{}{"commit": commit}, nil
	})
	if cerr != nil {
		return fail(cerr)
	}
	return ok(withReplayed(result, replayed))
}

// SettlementStartRequest is the body of "settlement.start".
type SettlementStartRequest struct {
	Proposal        model.CycleProposal
	DepositDeadline time.Time
}

// SettlementStart begins a Timeline in escrow.pending for an accepted
// proposal.
func (s *Service) SettlementStart(raw authz.RawRequest, req SettlementStartRequest) Envelope {
	ac, cerr := s.resolveAndGate(raw, "settlement.start", "settlement:start")
	if cerr != nil {
		return fail(cerr)
	}
	if cerr := s.resolver.RequireTenancy(ac, "cycle:"+req.Proposal.ID, req.Proposal.PartnerID); cerr != nil {
		return fail(cerr)
	}

	tl, serr := s.settlement.Begin(req.Proposal, req.DepositDeadline)
	if serr != nil {
		return fail(serr)
	}
	return ok(map[string]interface{}{"timeline": tl})
}

// SettlementExecuteRequest is the body of both "settlement.begin_execution"
// and "settlement.complete" — this engine drives escrow.ready → executing →
// completed in one call (see DESIGN.md), so both operation IDs are served
// by the same call. Each state change is written under its own store lock.
type SettlementExecuteRequest struct {
	CycleID string
}

// SettlementConfirmDepositRequest is the body of
// "settlement.deposit_confirmed".
type SettlementConfirmDepositRequest struct {
	CycleID    string
	IntentID   string
	HoldingID  string
	DepositRef string
}

// SettlementExpireRequest is the body of
// "settlement.expire_deposit_window".
type SettlementExpireRequest struct {
	CycleID string
}

// SettlementConfirmDeposit records a leg's deposit against an in-flight
// settlement. Per §4.3 only the leg's own from_actor (or a delegate holding
// the settlement:deposit scope) may confirm it — tenancy alone only proves
// the caller belongs to the right partner, not that they own this leg.
func (s *Service) SettlementConfirmDeposit(raw authz.RawRequest, req SettlementConfirmDepositRequest) Envelope {
	ac, cerr := s.resolveAndGate(raw, "settlement.deposit_confirmed", "settlement:deposit_confirmed")
	if cerr != nil {
		return fail(cerr)
	}
	if cerr := s.resolver.RequireTenancy(ac, "cycle:"+req.CycleID, s.cyclePartnerID(req.CycleID)); cerr != nil {
		return fail(cerr)
	}
	owner, cerr := s.legOwner(req.CycleID, req.IntentID)
	if cerr != nil {
		return fail(cerr)
	}
	if cerr := authz.RequireActor(ac, owner, "settlement:deposit"); cerr != nil {
		return fail(cerr)
	}

	tl, serr := s.settlement.ConfirmDeposit(req.CycleID, req.IntentID, req.HoldingID, req.DepositRef)
	if serr != nil {
		return fail(serr)
	}
	return ok(map[string]interface{}{"timeline": tl})
}

// SettlementExecute drives a ready settlement through executing to
// completed (or failed, if a vault withdrawal fails mid-flight).
func (s *Service) SettlementExecute(raw authz.RawRequest, req SettlementExecuteRequest) Envelope {
	ac, cerr := s.resolveAndGate(raw, "settlement.execute", "settlement:execute")
	if cerr != nil {
		return fail(cerr)
	}
	if cerr := s.resolver.RequireTenancy(ac, "cycle:"+req.CycleID, s.cyclePartnerID(req.CycleID)); cerr != nil {
		return fail(cerr)
	}

	receipt, serr := s.settlement.Execute(req.CycleID)
	if serr != nil {
		return fail(serr)
	}
	return ok(map[string]interface{}{"receipt": receipt})
}

// SettlementExpireDepositWindow fails a settlement past its deposit
// deadline, releasing any already-deposited holdings.
func (s *Service) SettlementExpireDepositWindow(raw authz.RawRequest, req SettlementExpireRequest) Envelope {
	ac, cerr := s.resolveAndGate(raw, "settlement.expire_deposit_window", "settlement:expire_deposit_window")
	if cerr != nil {
		return fail(cerr)
	}
	if cerr := s.resolver.RequireTenancy(ac, "cycle:"+req.CycleID, s.cyclePartnerID(req.CycleID)); cerr != nil {
		return fail(cerr)
	}

	tl, serr := s.settlement.Expire(req.CycleID, s.clock())
	if serr != nil {
		return fail(serr)
	}
	return ok(map[string]interface{}{"timeline": tl})
}

func (s *Service) cyclePartnerID(cycleID string) string {
	var partnerID string
	s.store.With(func(tx *store.Tx) {
		partnerID = tx.CyclePartnerID(cycleID)
	})
	return partnerID
}

// legOwner returns the from_actor of intentID's leg within cycleID's
// timeline, the actor authorized to confirm that leg's deposit.
func (s *Service) legOwner(cycleID, intentID string) (model.ActorRef, *errs.Error) {
	var owner model.ActorRef
	var cerr *errs.Error
	s.store.With(func(tx *store.Tx) {
		tl, ok := tx.GetTimeline(cycleID)
		if !ok {
			cerr = errs.New(errs.CodeNotFound, fmt.Sprintf("settlement %q not found", cycleID))
			return
		}
		leg := tl.LegByIntent(intentID)
		if leg == nil {
			cerr = errs.New(errs.CodeNotFound, fmt.Sprintf("intent %q is not part of settlement %q", intentID, cycleID))
			return
		}
		owner = leg.FromActor
	})
	return owner, cerr
}

// MatchingRunRequest is the body of "matching.run".
type MatchingRunRequest struct {
	AssetValues map[string]float64
}

// MatchingRun runs the matcher over every currently active intent.
func (s *Service) MatchingRun(raw authz.RawRequest, req MatchingRunRequest) Envelope {
	_, cerr := s.resolveAndGate(raw, "matching.run", "matching:run")
	if cerr != nil {
		return fail(cerr)
	}

	var intents []model.SwapIntent
	s.store.With(func(tx *store.Tx) {
		intents = tx.ListActiveIntents()
	})

	proposals, err := s.matcher.FindCycles(intents, req.AssetValues)
	if err != nil {
		return fail(errs.New(errs.CodeInternal, err.Error()))
	}
	return ok(map[string]interface{}{"proposals": proposals})
}

// WebhookIngestRequest is the body of "webhook.ingest".
type WebhookIngestRequest struct {
	Event    model.EventEnvelope
	Verifier *crypto.KeyRing
}

// WebhookIngest ingests one externally-delivered signed event, deduping by
// event ID and rejecting forged envelopes without polluting the seen set.
func (s *Service) WebhookIngest(raw authz.RawRequest, req WebhookIngestRequest) Envelope {
	_, cerr := s.resolveAndGate(raw, "webhook.ingest", "")
	if cerr != nil {
		return fail(cerr)
	}

	var accepted, replayed bool
	var cerr2 *errs.Error
	s.store.With(func(tx *store.Tx) {
		accepted, replayed, cerr2 = outbox.IngestWebhook(tx, req.Verifier, req.Event)
	})
	if cerr2 != nil {
		return fail(cerr2)
	}
	return ok(map[string]interface{}{"accepted": accepted, "duplicate": replayed})
}

// VaultSnapshotRequest is the body of "vault.snapshot".
type VaultSnapshotRequest struct {
	JournalName string
}

// VaultSnapshot Merkle-commits the vault's current holdings and returns the
// public snapshot (vault ID, root). The in-memory tree backing inclusion
// proofs is cached by root so a later vault.proveInclusion call for the same
// snapshot doesn't need to recompute it.
func (s *Service) VaultSnapshot(raw authz.RawRequest, req VaultSnapshotRequest) Envelope {
	_, cerr := s.resolveAndGate(raw, "vault.snapshot", "vault:snapshot")
	if cerr != nil {
		return fail(cerr)
	}
	journalName := req.JournalName
	if journalName == "" {
		journalName = "vault_custody_snapshots"
	}
	snap, err := s.vault.BuildCustodySnapshot(journalName)
	if err != nil {
		return fail(errs.New(errs.CodeInternal, err.Error()))
	}
	s.snapMu.Lock()
	s.snapshots[snap.Root] = snap
	s.snapMu.Unlock()
	return ok(map[string]interface{}{"snapshot": snap.Public()})
}

// VaultProveInclusionRequest is the body of "vault.proveInclusion".
type VaultProveInclusionRequest struct {
	MerkleRoot string
	HoldingID  string
}

// VaultProveInclusion returns an inclusion proof for holdingID against a
// snapshot previously built by vault.snapshot, identified by its root.
func (s *Service) VaultProveInclusion(raw authz.RawRequest, req VaultProveInclusionRequest) Envelope {
	_, cerr := s.resolveAndGate(raw, "vault.proveInclusion", "vault:proveInclusion")
	if cerr != nil {
		return fail(cerr)
	}
	s.snapMu.Lock()
	snap, found := s.snapshots[req.MerkleRoot]
	s.snapMu.Unlock()
	if !found {
		return fail(errs.New(errs.CodeNotFound, fmt.Sprintf("no cached snapshot for root %q", req.MerkleRoot)))
	}
	proof, err := snap.ProveHolding(req.HoldingID)
	if err != nil {
		return fail(errs.New(errs.CodeNotFound, err.Error()))
	}
	return ok(map[string]interface{}{"proof": proof})
}

// VaultVerifyInclusionRequest is the body of an offline inclusion check —
// verifiers who don't trust the live vault supply the proof and a root they
// already trust (e.g. from an export's attestation chain).
type VaultVerifyInclusionRequest struct {
	Proof        merkle.InclusionProof
	ExpectedRoot string
}

// VaultVerifyInclusion checks proof independent of any live snapshot state.
func (s *Service) VaultVerifyInclusion(raw authz.RawRequest, req VaultVerifyInclusionRequest) Envelope {
	_, cerr := s.resolveAndGate(raw, "vault.verifyInclusion", "")
	if cerr != nil {
		return fail(cerr)
	}
	valid := vault.VerifyHoldingProof(req.Proof, req.ExpectedRoot)
	return ok(map[string]interface{}{"valid": valid})
}

// ExportRunRequest is the body of "export.run".
type ExportRunRequest struct {
	export.Request
}

// ExportRun runs one page of the export/checkpoint protocol for req.Kind,
// scoped to the resolved caller's own tenancy — a partner actor only ever
// sees their own entries, regardless of what req.Request.PartnerTenant
// carries in from the caller.
func (s *Service) ExportRun(raw authz.RawRequest, req ExportRunRequest) Envelope {
	ac, cerr := s.resolveAndGate(raw, "export.run", "export:run")
	if cerr != nil {
		return fail(cerr)
	}

	exportReq := req.Request
	exportReq.PartnerTenant = ""
	if ac.Actor.Type == model.ActorPartner {
		exportReq.PartnerTenant = ac.Actor.ID
	}

	payload, eerr := s.exporter.Export(exportReq)
	if eerr != nil {
		return fail(eerr)
	}
	if !s.exporter.Verify(payload) {
		return fail(errs.New(errs.CodeTamperedPayload, "export payload failed self-verification before response"))
	}
	return ok(map[string]interface{}{"export": payload})
}
